package protocol

import (
	"encoding/binary"
	"fmt"
)

// Decoder reassembles packages from a byte stream that arrives in arbitrary
// chunks. It is not safe for concurrent use; a session has one reader.
type Decoder struct {
	buf     []byte
	off     int
	maxBody uint32
	fatal   error
}

func NewDecoder() *Decoder { return &Decoder{maxBody: MaxBodySize} }

// SetMaxBodySize lowers the accepted record size. Larger frames are fatal.
func (d *Decoder) SetMaxBodySize(n uint32) {
	if n > 0 && n < MaxBodySize {
		d.maxBody = n
	}
}

// Write appends stream bytes. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	if d.off > 0 && d.off == len(d.buf) {
		d.buf, d.off = d.buf[:0], 0
	} else if d.off > 0 && d.off >= cap(d.buf)/2 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf, d.off = d.buf[:n], 0
	}
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Buffered returns the number of bytes not consumed yet.
func (d *Decoder) Buffered() int { return len(d.buf) - d.off }

// Next returns the next complete package. It returns ErrNeedMore while the
// next frame is incomplete. A non-fatal *DecodeError means one bad frame was
// skipped and decoding may continue; a fatal one is returned forever after.
func (d *Decoder) Next() (*Package, error) {
	if d.fatal != nil {
		return nil, d.fatal
	}
	avail := d.buf[d.off:]
	if len(avail) < headerSize {
		if len(avail) >= 2 && binary.LittleEndian.Uint16(avail[0:2]) != magicWord {
			return nil, d.fail(&DecodeError{Reason: "bad magic", Fatal: true})
		}
		return nil, ErrNeedMore
	}
	var h header
	if err := h.unmarshal(avail[:headerSize]); err != nil {
		return nil, d.fail(err)
	}
	if h.BodyLen > d.maxBody {
		return nil, d.fail(&DecodeError{Reason: fmt.Sprintf("frame of %d bytes exceeds limit", h.BodyLen), Fatal: true})
	}
	total := headerSize + int(h.BodyLen) + trailerSize
	if len(avail) < total {
		return nil, ErrNeedMore
	}
	frame := avail[:total]
	d.off += total

	end := headerSize + int(h.BodyLen)
	if binary.LittleEndian.Uint32(frame[end:]) != frameChecksum(frame[:end]) {
		return nil, &DecodeError{Reason: "checksum mismatch"}
	}
	// the record is decoded from a copy; the buffer is reused after compaction
	rec, err := decodeRecord(h.Format, append([]byte(nil), frame[headerSize:end]...))
	if err != nil {
		return nil, &DecodeError{Reason: "undecodable " + h.Format.String() + " record", Err: err}
	}
	return fromRecord(rec)
}

func (d *Decoder) fail(err error) error {
	d.fatal = err
	return err
}
