// Package lan implements links over network sessions (TCP, QUIC, or in-process
// pipes in tests) and the provider that accepts, dials and tracks them.
package lan

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"devlink/pkg/handshake"
	"devlink/pkg/link"
	"devlink/pkg/observability"
	"devlink/pkg/protocol"
	"devlink/pkg/transport"
)

const readChunk = 32 * 1024

// Link is a link bound to one established session.
type Link struct {
	*link.Base

	lp   *Provider
	sess transport.Session
	tr   transport.Transport
	info handshake.Info
	dec  *protocol.Decoder

	wmu    sync.Mutex
	closed atomic.Bool
	done   chan struct{}
}

func newLink(lp *Provider, sess transport.Session, tr transport.Transport, info handshake.Info, dec *protocol.Decoder) *Link {
	return &Link{
		Base: link.NewBase(info.DeviceID, lp, lp.keys(), info.PublicKey),
		lp:   lp,
		sess: sess,
		tr:   tr,
		info: info,
		dec:  dec,
		done: make(chan struct{}),
	}
}

func (l *Link) Kind() transport.Kind {
	if l.sess == nil {
		return transport.KindUnknown
	}
	return l.sess.TransportKind()
}

// Info is what the remote device announced in the handshake.
func (l *Link) Info() handshake.Info { return l.info }

// Session returns the bound session.
func (l *Link) Session() transport.Session { return l.sess }

// Done is closed when the read loop has exited.
func (l *Link) Done() <-chan struct{} { return l.done }

// SendPackage writes p to the session. Only one write is in flight at a
// time. A failed write disconnects the link.
func (l *Link) SendPackage(ctx context.Context, p *protocol.Package) error {
	if l.sess == nil {
		return link.ErrTransportNotReady
	}
	if l.closed.Load() {
		return link.ErrLinkClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	out := p
	if p.HasPayload() {
		var err error
		if out, err = l.offerPayload(p); err != nil {
			observability.SendFailures.WithLabelValues(l.lp.Name(), "payload").Inc()
			return err
		}
	}
	data, err := out.Serialize(l.lp.opts.Format)
	if err != nil {
		observability.SendFailures.WithLabelValues(l.lp.Name(), "encode").Inc()
		return err
	}

	l.wmu.Lock()
	if l.closed.Load() {
		l.wmu.Unlock()
		return link.ErrLinkClosed
	}
	if d, ok := writeDeadline(ctx, l.lp.opts.WriteTimeout); ok {
		_ = l.sess.SetWriteDeadline(d)
	}
	stop := context.AfterFunc(ctx, func() { _ = l.sess.SetWriteDeadline(time.Now()) })
	_, err = l.sess.Write(data)
	stop()
	_ = l.sess.SetWriteDeadline(time.Time{})
	l.wmu.Unlock()

	if err != nil {
		observability.SendFailures.WithLabelValues(l.lp.Name(), "io").Inc()
		l.Logger().Warn("write failed", zap.String("type", p.Type()), zap.Error(err))
		go func() { _ = l.Disconnect() }()
		return &link.TransportIOError{Op: "write", Err: err}
	}
	observability.PackagesSent.WithLabelValues(l.lp.Name(), p.Type()).Inc()
	return nil
}

// SendPackageEncrypted seals p for peerKey and sends the wrapper.
func (l *Link) SendPackageEncrypted(ctx context.Context, p *protocol.Package, peerKey []byte) error {
	if l.sess == nil {
		return link.ErrTransportNotReady
	}
	w, err := l.EncryptPackage(p, peerKey)
	if err != nil {
		return err
	}
	return l.SendPackage(ctx, w)
}

// Disconnect closes the session and tells the provider. Only the first call
// does anything; later ones return nil without waiting for it. A link that
// was never bound to a session has nothing to close.
func (l *Link) Disconnect() error {
	if l.sess == nil || l.lp == nil || !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := l.sess.Close()
	l.lp.OnConnectionLost(l)
	return err
}

func (l *Link) readLoop() {
	defer close(l.done)
	buf := make([]byte, readChunk)
	for {
		if !l.deliverBuffered() {
			return
		}
		if rt := l.lp.opts.ReadTimeout; rt > 0 {
			_ = l.sess.SetReadDeadline(time.Now().Add(rt))
		}
		n, err := l.sess.Read(buf)
		if n > 0 {
			_, _ = l.dec.Write(buf[:n])
		}
		if err != nil {
			if l.deliverBuffered() && !l.closed.Load() {
				l.Logger().Info("session ended", zap.Error(err))
				_ = l.Disconnect()
			}
			return
		}
	}
}

// deliverBuffered hands every complete package in the decoder to the
// receivers. It returns false when the link is closing or framing is lost.
func (l *Link) deliverBuffered() bool {
	for {
		p, err := l.dec.Next()
		if errors.Is(err, protocol.ErrNeedMore) {
			return !l.closed.Load()
		}
		if err != nil {
			observability.DecodeErrors.WithLabelValues(l.lp.Name()).Inc()
			var de *protocol.DecodeError
			if errors.As(err, &de) && de.Fatal {
				l.Logger().Warn("stream corrupted, disconnecting", zap.Error(err))
				_ = l.Disconnect()
				return false
			}
			l.Logger().Debug("dropping undecodable package", zap.Error(err))
			continue
		}
		if l.closed.Load() {
			return false
		}
		l.PackageReceived(l, p)
	}
}

func writeDeadline(ctx context.Context, timeout time.Duration) (time.Time, bool) {
	d, ok := ctx.Deadline()
	if timeout > 0 {
		if t := time.Now().Add(timeout); !ok || t.Before(d) {
			return t, true
		}
	}
	return d, ok
}
