package quic

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"devlink/pkg/transport"
)

const alpn = "devlink"

// streamAcceptTimeout bounds how long an accepted connection may take to open
// its stream before it is dropped.
const streamAcceptTimeout = 10 * time.Second

// closeLinger bounds how long Close waits for the peer to end its side of
// the stream before the connection is torn down.
const closeLinger = 2 * time.Second

// Options tune QUIC sessions.
type Options struct {
	KeepAlive   time.Duration
	IdleTimeout time.Duration
}

// Transport implements byte-stream sessions over QUIC. Each connection
// carries exactly one bidirectional stream, opened by the dialer.
type Transport struct {
	tlsConf  *tls.Config
	quicConf *quicgo.Config
}

func New(opts Options) (*Transport, error) {
	// Peers authenticate each other through the identity exchange; the
	// certificate only satisfies QUIC's TLS requirement.
	cert, err := selfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("quic: certificate: %w", err)
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}
	qconf := &quicgo.Config{KeepAlivePeriod: opts.KeepAlive, MaxIdleTimeout: opts.IdleTimeout}
	return &Transport{tlsConf: tlsConf, quicConf: qconf}, nil
}

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	l, err := quicgo.ListenAddr(address, t.tlsConf, t.quicConf)
	if err != nil {
		return nil, err
	}
	lctx, cancel := context.WithCancel(ctx)
	ql := &listener{l: l, newCh: make(chan *session, 8), closeCh: make(chan struct{}), cancel: cancel}
	go ql.acceptLoop(lctx)
	go func() {
		<-lctx.Done()
		_ = ql.Close()
	}()
	return ql, nil
}

func (t *Transport) Dial(ctx context.Context, address string, peer transport.PeerInfo) (transport.Session, error) {
	tlsClient := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
	}
	c, err := quicgo.DialAddr(ctx, address, tlsClient, t.quicConf)
	if err != nil {
		return nil, err
	}
	st, err := c.OpenStreamSync(ctx)
	if err != nil {
		_ = c.CloseWithError(0, "")
		return nil, err
	}
	if peer.Addr == "" {
		peer.Addr = c.RemoteAddr().String()
	}
	return newSession(c, st, peer), nil
}

type listener struct {
	l         *quicgo.Listener
	newCh     chan *session
	closeCh   chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, transport.ErrListenerClosed
	case s := <-l.newCh:
		return s, nil
	}
}

func (l *listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closeCh)
		l.cancel()
		err = l.l.Close()
	})
	return err
}

func (l *listener) acceptLoop(ctx context.Context) {
	for {
		c, err := l.l.Accept(ctx)
		if err != nil {
			return
		}
		go l.acceptStream(ctx, c)
	}
}

func (l *listener) acceptStream(ctx context.Context, c quicgo.Connection) {
	sctx, cancel := context.WithTimeout(ctx, streamAcceptTimeout)
	defer cancel()
	st, err := c.AcceptStream(sctx)
	if err != nil {
		_ = c.CloseWithError(0, "")
		return
	}
	peer := transport.PeerInfo{ID: transport.TempPeerID(transport.KindQUIC, c.RemoteAddr()), Addr: c.RemoteAddr().String()}
	s := newSession(c, st, peer)
	select {
	case l.newCh <- s:
	case <-l.closeCh:
		_ = s.Close()
	}
}

type session struct {
	conn   quicgo.Connection
	stream quicgo.Stream

	mu            sync.Mutex
	peer          transport.PeerInfo
	establishedAt time.Time
	lastSeen      time.Time
	closeOnce     sync.Once
}

func newSession(c quicgo.Connection, st quicgo.Stream, peer transport.PeerInfo) *session {
	now := time.Now()
	return &session{conn: c, stream: st, peer: peer, establishedAt: now, lastSeen: now}
}

func (s *session) Peer() transport.PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

func (s *session) SetPeer(pi transport.PeerInfo) {
	s.mu.Lock()
	s.peer = pi
	s.mu.Unlock()
}

func (s *session) TransportKind() transport.Kind { return transport.KindQUIC }
func (s *session) LocalAddr() net.Addr           { return s.conn.LocalAddr() }
func (s *session) RemoteAddr() net.Addr          { return s.conn.RemoteAddr() }

func (s *session) Read(b []byte) (int, error) {
	n, err := s.stream.Read(b)
	if n > 0 {
		s.mu.Lock()
		s.lastSeen = time.Now()
		s.mu.Unlock()
	}
	return n, err
}

func (s *session) Write(b []byte) (int, error) { return s.stream.Write(b) }

func (s *session) SetReadDeadline(t time.Time) error  { return s.stream.SetReadDeadline(t) }
func (s *session) SetWriteDeadline(t time.Time) error { return s.stream.SetWriteDeadline(t) }

func (s *session) Quality() transport.Quality {
	s.mu.Lock()
	defer s.mu.Unlock()
	return transport.Quality{EstablishedAt: s.establishedAt, LastSeen: s.lastSeen}
}

func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.stream.Close()
		s.awaitPeer()
		err = errors.Join(err, s.conn.CloseWithError(0, ""))
	})
	return err
}

// awaitPeer discards inbound bytes until the peer finishes the stream, the
// connection dies or closeLinger passes. CloseWithError drops stream data
// that is still queued, so it must not run before the peer has read it.
func (s *session) awaitPeer() {
	_ = s.stream.SetReadDeadline(time.Now().Add(closeLinger))
	_, _ = io.Copy(io.Discard, s.stream)
}

// selfSignedCert generates a short-lived self-signed TLS certificate for QUIC.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
