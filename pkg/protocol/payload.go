package protocol

import "io"

// Payload describes a byte stream that travels next to a package instead of
// inside it (file transfers). Only Size and TransferInfo are serialized; the
// reader stays with the sender, or with the receiver once a link opens it.
type Payload struct {
	Size int64
	// TransferInfo is the transport hint the receiver needs to fetch the stream,
	// e.g. {"port": 1739} for a LAN link.
	TransferInfo map[string]any

	r io.Reader
}

// NewPayload returns a payload reading size bytes from r.
func NewPayload(r io.Reader, size int64) *Payload {
	return &Payload{Size: size, r: r}
}

// Reader returns the local stream, or nil for a payload that was decoded from
// the wire and not opened yet.
func (pl *Payload) Reader() io.Reader { return pl.r }

// Close closes the local stream when it is an io.Closer.
func (pl *Payload) Close() error {
	if c, ok := pl.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// WithReader returns a copy of pl bound to r.
func (pl *Payload) WithReader(r io.Reader) *Payload {
	c := *pl
	c.r = r
	return &c
}
