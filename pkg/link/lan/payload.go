package lan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"devlink/pkg/link"
	"devlink/pkg/protocol"
	"devlink/pkg/transport"
)

// payloadRequest is written by the fetching side before the sender streams.
// Transports that only surface a stream once it carries data (QUIC) need it.
const payloadRequest = byte(1)

var ErrNoPayload = errors.New("lan: package has no payload")

// offerPayload opens a one-shot listener on the link's transport and returns
// a copy of p whose payload names it. The listener serves the bytes to the
// first session that asks and closes after the payload timeout.
func (l *Link) offerPayload(p *protocol.Package) (*protocol.Package, error) {
	pl := p.Payload()
	if pl.Reader() == nil {
		return nil, fmt.Errorf("lan: payload of %s has no reader", p.Type())
	}
	timeout := l.lp.opts.PayloadTimeout
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	ln, err := l.tr.Listen(ctx, l.payloadListenAddress())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("lan: payload listener: %w", err)
	}

	info := map[string]any{protocol.KeyTransferHint: l.tr.Kind().String()}
	if port := transport.PortOf(ln.Addr()); port > 0 {
		info[protocol.KeyTransferPort] = port
	} else {
		info[protocol.KeyTransferAddr] = ln.Addr().String()
	}
	out := p.Clone()
	offered := pl.WithReader(pl.Reader())
	offered.TransferInfo = info
	if err := out.SetPayload(offered); err != nil {
		cancel()
		_ = ln.Close()
		return nil, err
	}

	go func() {
		defer cancel()
		defer ln.Close()
		defer pl.Close()
		if err := servePayload(ctx, ln, pl, timeout); err != nil {
			l.Logger().Warn("payload transfer failed", zap.String("type", p.Type()), zap.Error(err))
		}
	}()
	return out, nil
}

func servePayload(ctx context.Context, ln transport.Listener, pl *protocol.Payload, timeout time.Duration) error {
	sess, err := ln.Accept(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()
	_ = sess.SetReadDeadline(time.Now().Add(timeout))
	_ = sess.SetWriteDeadline(time.Now().Add(timeout))
	var req [1]byte
	if _, err := io.ReadFull(sess, req[:]); err != nil {
		return err
	}
	if req[0] != payloadRequest {
		return fmt.Errorf("unexpected payload request %#x", req[0])
	}
	n, err := io.CopyN(sess, pl.Reader(), pl.Size)
	if err != nil {
		return fmt.Errorf("sent %d of %d bytes: %w", n, pl.Size, err)
	}
	return nil
}

// payloadListenAddress binds on the interface the session uses.
func (l *Link) payloadListenAddress() string {
	if l.tr.Kind() == transport.KindMem {
		return ""
	}
	return net.JoinHostPort(transport.HostOf(l.sess.LocalAddr()), "0")
}

// OpenPayload fetches the payload announced by p, which must have arrived on
// this link. The returned reader yields exactly Payload().Size bytes.
func (l *Link) OpenPayload(ctx context.Context, p *protocol.Package) (io.ReadCloser, error) {
	if l.sess == nil {
		return nil, link.ErrTransportNotReady
	}
	pl := p.Payload()
	if pl == nil {
		return nil, ErrNoPayload
	}
	addr, err := l.payloadAddress(pl.TransferInfo)
	if err != nil {
		return nil, err
	}
	sess, err := l.tr.Dial(ctx, addr, transport.PeerInfo{ID: transport.PeerID(l.DeviceID()), Addr: addr})
	if err != nil {
		return nil, fmt.Errorf("lan: dial payload: %w", err)
	}
	if t := l.lp.opts.PayloadTimeout; t > 0 {
		_ = sess.SetReadDeadline(time.Now().Add(t))
		_ = sess.SetWriteDeadline(time.Now().Add(t))
	}
	if _, err := sess.Write([]byte{payloadRequest}); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("lan: request payload: %w", err)
	}
	return &payloadReader{Reader: io.LimitReader(sess, pl.Size), sess: sess}, nil
}

func (l *Link) payloadAddress(info map[string]any) (string, error) {
	if addr, ok := info[protocol.KeyTransferAddr].(string); ok && addr != "" {
		return addr, nil
	}
	var port int64
	switch v := info[protocol.KeyTransferPort].(type) {
	case int64:
		port = v
	case float64:
		port = int64(v)
	default:
		return "", fmt.Errorf("lan: payload transfer info has no port")
	}
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("lan: bad payload port %d", port)
	}
	return net.JoinHostPort(transport.HostOf(l.sess.RemoteAddr()), strconv.FormatInt(port, 10)), nil
}

type payloadReader struct {
	io.Reader
	sess transport.Session
}

func (r *payloadReader) Close() error { return r.sess.Close() }
