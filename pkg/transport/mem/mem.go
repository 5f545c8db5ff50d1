// Package mem is an in-process transport over net.Pipe. Listeners are named;
// tests use it in place of TCP.
package mem

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"devlink/pkg/transport"
)

// Transport is a namespace of named in-process listeners.
type Transport struct {
	mu        sync.Mutex
	listeners map[string]*listener
	seq       atomic.Uint64
}

func New() *Transport { return &Transport{listeners: make(map[string]*listener)} }

func (t *Transport) Kind() transport.Kind { return transport.KindMem }

// Listen registers name. An empty name allocates a unique one.
func (t *Transport) Listen(ctx context.Context, name string) (transport.Listener, error) {
	if name == "" {
		name = fmt.Sprintf("mem-%d", t.seq.Add(1))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[name]; ok {
		return nil, fmt.Errorf("mem: listener %q already exists", name)
	}
	l := &listener{name: name, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
	l.onClose = func() {
		t.mu.Lock()
		if t.listeners[name] == l {
			delete(t.listeners, name)
		}
		t.mu.Unlock()
	}
	t.listeners[name] = l
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-l.closeCh:
		}
	}()
	return l, nil
}

func (t *Transport) Dial(ctx context.Context, name string, peer transport.PeerInfo) (transport.Session, error) {
	t.mu.Lock()
	l := t.listeners[name]
	t.mu.Unlock()
	if l == nil {
		return nil, fmt.Errorf("mem: no listener %q", name)
	}
	c1, c2 := net.Pipe()
	now := time.Now()
	srv := &session{Conn: c1, peer: transport.PeerInfo{ID: transport.TempPeerID(transport.KindMem, nil), Addr: "dialer:" + name}, local: memAddr(name), remote: memAddr("dialer:" + name), establishedAt: now}
	if peer.Addr == "" {
		peer.Addr = name
	}
	cli := &session{Conn: c2, peer: peer, local: memAddr("dialer:" + name), remote: memAddr(name), establishedAt: now}
	select {
	case l.newCh <- srv:
		return cli, nil
	case <-l.closeCh:
	case <-ctx.Done():
		_ = srv.Close()
		_ = cli.Close()
		return nil, ctx.Err()
	}
	_ = srv.Close()
	_ = cli.Close()
	return nil, errors.New("mem: listener closed")
}

type listener struct {
	name      string
	newCh     chan *session
	closeCh   chan struct{}
	closeOnce sync.Once
	onClose   func()
}

func (l *listener) Addr() net.Addr { return memAddr(l.name) }

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
	l.closeOnce.Do(func() {
		close(l.closeCh)
		l.onClose()
	})
	return nil
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

type session struct {
	net.Conn

	mu            sync.Mutex
	peer          transport.PeerInfo
	local, remote net.Addr
	establishedAt time.Time
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

func (s *session) TransportKind() transport.Kind { return transport.KindMem }
func (s *session) LocalAddr() net.Addr           { return s.local }
func (s *session) RemoteAddr() net.Addr          { return s.remote }

func (s *session) Quality() transport.Quality {
	return transport.Quality{EstablishedAt: s.establishedAt, LastSeen: time.Now()}
}
