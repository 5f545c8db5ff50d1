package protocol

import (
	"encoding/binary"
	"hash/crc32"
)

// Frame layout. All integers are little-endian.
//
//	0 ..1    Magic   'D''L' (0x4c44)
//	2        Version u8
//	3        Format  u8
//	4 ..7    BodyLen u32
//	8 ..     Body    BodyLen bytes, the encoded record
//	+0..+3   CRC-32 (IEEE) over header and body
//
// The frame is self-delimiting: a reader needs the 8 header bytes to know how
// many more to wait for.
const (
	headerSize  = 8
	trailerSize = 4
	magicWord   = uint16(0x4c44)

	// WireVersion is the frame layout version written by this package.
	WireVersion = uint8(1)
	// MaxBodySize bounds a single encoded record.
	MaxBodySize = 1 << 24
)

type header struct {
	Version uint8
	Format  Format
	BodyLen uint32
}

func (h *header) marshalTo(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], magicWord)
	buf[2] = h.Version
	buf[3] = byte(h.Format)
	binary.LittleEndian.PutUint32(buf[4:8], h.BodyLen)
}

// unmarshal parses the fixed header. Errors here mean framing is lost.
func (h *header) unmarshal(buf []byte) error {
	if len(buf) < headerSize {
		return &DecodeError{Reason: "short header", Fatal: true}
	}
	if binary.LittleEndian.Uint16(buf[0:2]) != magicWord {
		return &DecodeError{Reason: "bad magic", Fatal: true}
	}
	h.Version = buf[2]
	if h.Version != WireVersion {
		return &DecodeError{Reason: "unsupported wire version", Fatal: true}
	}
	h.Format = Format(buf[3])
	h.BodyLen = binary.LittleEndian.Uint32(buf[4:8])
	return nil
}

func frameChecksum(frame []byte) uint32 { return crc32.ChecksumIEEE(frame) }
