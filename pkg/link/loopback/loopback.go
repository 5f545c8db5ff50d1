// Package loopback implements a link to the local device itself. Every sent
// package goes through the full serialize/deserialize cycle and comes back to
// the same link's receivers, which makes it the reference for wire fidelity.
package loopback

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"devlink/pkg/link"
	"devlink/pkg/observability"
	"devlink/pkg/protocol"
	"devlink/pkg/transport"
)

// Link delivers what it sends to its own receivers, synchronously and once.
type Link struct {
	*link.Base

	lp     *Provider
	format protocol.Format
	closed atomic.Bool
}

func (l *Link) Kind() transport.Kind { return transport.KindLoopback }

// SendPackage round-trips p through the wire format and delivers the copy
// before returning. A payload reader is handed over in process.
func (l *Link) SendPackage(ctx context.Context, p *protocol.Package) error {
	if l.closed.Load() {
		return link.ErrLinkClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := p.Serialize(l.format)
	if err != nil {
		l.Logger().DPanic("loopback serialize failed", zap.String("type", p.Type()), zap.Error(err))
		observability.SendFailures.WithLabelValues(l.lp.Name(), "encode").Inc()
		return err
	}
	q, err := protocol.Deserialize(data)
	if err != nil {
		l.Logger().DPanic("loopback deserialize failed", zap.String("type", p.Type()), zap.Error(err))
		observability.SendFailures.WithLabelValues(l.lp.Name(), "decode").Inc()
		return err
	}
	if p.HasPayload() {
		c := q.Clone()
		if err := c.SetPayload(p.Payload()); err != nil {
			return err
		}
		c.Freeze()
		q = c
	}
	observability.PackagesSent.WithLabelValues(l.lp.Name(), p.Type()).Inc()
	l.PackageReceived(l, q)
	return nil
}

// SendPackageEncrypted seals p for peerKey with the local key ring and sends
// the wrapper; the receive path opens it with the same ring.
func (l *Link) SendPackageEncrypted(ctx context.Context, p *protocol.Package, peerKey []byte) error {
	w, err := l.EncryptPackage(p, peerKey)
	if err != nil {
		return err
	}
	return l.SendPackage(ctx, w)
}

func (l *Link) Disconnect() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.lp.OnConnectionLost(l)
	return nil
}
