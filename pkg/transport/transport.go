// Package transport defines the byte-stream sessions links run on and
// provides implementations over TCP, QUIC and in-process pipes.
//
// A Session is an ordered, reliable byte stream to one remote endpoint. It
// carries no framing of its own: the protocol package's frames are written
// to it back to back and reassembled by a protocol.Decoder on the other side.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Kind identifies the transport a session runs on.
type Kind int

const (
	KindUnknown Kind = iota
	KindTCP
	KindQUIC
	KindMem
	KindLoopback
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindQUIC:
		return "quic"
	case KindMem:
		return "mem"
	case KindLoopback:
		return "loopback"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp":
		return KindTCP, nil
	case "quic":
		return KindQUIC, nil
	case "mem":
		return KindMem, nil
	case "loopback":
		return KindLoopback, nil
	default:
		return KindUnknown, fmt.Errorf("unknown transport kind %q", s)
	}
}

// PeerID is an opaque peer identity. Before the handshake it is a temporary
// id derived from the remote address; afterwards it is the device id.
type PeerID string

// PeerInfo bundles peer identity and addressing hints.
type PeerInfo struct {
	ID   PeerID
	Addr string // transport-dependent address string
}

// Quality is a snapshot of session activity.
type Quality struct {
	EstablishedAt time.Time
	LastSeen      time.Time
}

// Session is a bidirectional byte stream to a peer.
// Exactly one reader and one writer goroutine are expected.
type Session interface {
	io.ReadWriteCloser

	Peer() PeerInfo
	TransportKind() Kind
	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error

	// Quality snapshot for monitoring.
	Quality() Quality
}

// Listener accepts inbound sessions.
type Listener interface {
	// Accept blocks until an inbound session is available or ctx is done.
	Accept(ctx context.Context) (Session, error)
	// Addr returns the local listening address.
	Addr() net.Addr
	// Close stops the listener and unblocks Accept.
	Close() error
}

// Transport provides dialing/listening for a specific kind.
type Transport interface {
	Kind() Kind
	// Listen starts accepting inbound sessions on address (transport-specific format).
	// An empty port or name picks an ephemeral one; Listener.Addr reports it.
	Listen(ctx context.Context, address string) (Listener, error)
	// Dial creates an outbound session to address.
	Dial(ctx context.Context, address string, peer PeerInfo) (Session, error)
}

// ErrListenerClosed is returned by Accept after Close.
var ErrListenerClosed = errors.New("transport: listener closed")
