// Package transports builds a transport.Transport from its configured kind.
package transports

import (
	"fmt"
	"time"

	"devlink/pkg/transport"
	"devlink/pkg/transport/mem"
	"devlink/pkg/transport/quic"
	"devlink/pkg/transport/tcp"
)

// Options carry the settings shared by the network transports.
type Options struct {
	KeepAlive   time.Duration
	DialTimeout time.Duration
	IdleTimeout time.Duration
}

// New returns a transport of the given kind. Each mem transport is its own
// namespace, so callers that need two ends in one process share the value.
func New(kind transport.Kind, opts Options) (transport.Transport, error) {
	switch kind {
	case transport.KindTCP:
		return tcp.New(tcp.Options{KeepAlive: opts.KeepAlive, DialTimeout: opts.DialTimeout}), nil
	case transport.KindQUIC:
		return quic.New(quic.Options{KeepAlive: opts.KeepAlive, IdleTimeout: opts.IdleTimeout})
	case transport.KindMem:
		return mem.New(), nil
	default:
		return nil, fmt.Errorf("transport %s cannot carry sessions", kind)
	}
}
