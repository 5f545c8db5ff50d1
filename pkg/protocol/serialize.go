package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

func (p *Package) record() *record {
	rec := &record{ID: p.id, Type: p.typ, Body: p.body}
	if p.payload != nil {
		size := p.payload.Size
		rec.PayloadSize = &size
		if len(p.payload.TransferInfo) > 0 {
			rec.PayloadTransferInfo = p.payload.TransferInfo
		}
	}
	return rec
}

// Serialize freezes p and encodes it as one self-delimited frame.
func (p *Package) Serialize(f Format) ([]byte, error) {
	p.Freeze()
	body, err := encodeRecord(f, p.record())
	if err != nil {
		return nil, fmt.Errorf("encode %s package: %w", p.typ, err)
	}
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(body))
	}
	out := make([]byte, headerSize+len(body)+trailerSize)
	h := header{Version: WireVersion, Format: f, BodyLen: uint32(len(body))}
	h.marshalTo(out)
	copy(out[headerSize:], body)
	end := headerSize + len(body)
	binary.LittleEndian.PutUint32(out[end:], frameChecksum(out[:end]))
	return out, nil
}

// MarshalBinary serializes p with DefaultFormat.
func (p *Package) MarshalBinary() ([]byte, error) { return p.Serialize(DefaultFormat) }

// UnmarshalBinary replaces p with the package decoded from data.
func (p *Package) UnmarshalBinary(data []byte) error {
	q, err := Deserialize(data)
	if err != nil {
		return err
	}
	p.id, p.typ, p.body, p.payload = q.id, q.typ, q.body, q.payload
	p.frozen.Store(true)
	return nil
}

// WriteTo serializes p with DefaultFormat and writes the frame to w.
func (p *Package) WriteTo(w io.Writer) (int64, error) {
	b, err := p.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// Deserialize decodes exactly one frame. Truncated input, trailing bytes and
// any corruption caught by the checksum yield a *DecodeError.
func Deserialize(data []byte) (*Package, error) {
	d := NewDecoder()
	_, _ = d.Write(data)
	p, err := d.Next()
	switch {
	case errors.Is(err, ErrNeedMore):
		return nil, &DecodeError{Reason: "truncated frame", Err: io.ErrUnexpectedEOF}
	case err != nil:
		return nil, err
	case d.Buffered() > 0:
		return nil, &DecodeError{Reason: fmt.Sprintf("%d trailing bytes", d.Buffered())}
	}
	return p, nil
}

// fromRecord validates a decoded record and builds a frozen package.
func fromRecord(rec *record) (*Package, error) {
	if strings.TrimSpace(rec.Type) == "" {
		return nil, &DecodeError{Reason: "missing type"}
	}
	p := &Package{id: rec.ID, typ: rec.Type, body: rec.Body}
	if p.body == nil {
		p.body = make(map[string]any)
	}
	if rec.PayloadSize != nil {
		if *rec.PayloadSize < 0 {
			return nil, &DecodeError{Reason: "negative payload size"}
		}
		p.payload = &Payload{Size: *rec.PayloadSize, TransferInfo: rec.PayloadTransferInfo}
	}
	p.Freeze()
	return p, nil
}
