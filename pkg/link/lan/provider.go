package lan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"devlink/pkg/discovery"
	"devlink/pkg/handshake"
	"devlink/pkg/identity"
	"devlink/pkg/link"
	"devlink/pkg/protocol"
	"devlink/pkg/transport"
)

const providerName = "lan"

var (
	ErrSelfConnection   = errors.New("lan: session leads back to this device")
	ErrUnexpectedDevice = errors.New("lan: session answered by another device")
	ErrStopped          = errors.New("lan: provider stopped")
)

// Endpoint is a local address to accept sessions on.
type Endpoint struct {
	Kind    transport.Kind
	Address string
}

// DialTarget is a remote address to connect to. DeviceID, when set, is the
// device expected to answer.
type DialTarget struct {
	Kind     transport.Kind
	Address  string
	DeviceID string
}

// Options configure a Provider. Zero durations take the defaults below.
type Options struct {
	Identity   *identity.Identity
	Transports map[transport.Kind]transport.Transport
	Listen     []Endpoint
	Dial       []DialTarget
	Format     protocol.Format

	WriteTimeout     time.Duration
	ReadTimeout      time.Duration // 0 lets sessions idle forever
	HandshakeTimeout time.Duration
	PayloadTimeout   time.Duration

	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMaxElapsed time.Duration // 0 retries until the context ends

	// Discovery enables the multicast beacon when non-nil.
	Discovery *discovery.Options
}

const (
	DefaultWriteTimeout     = 10 * time.Second
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultPayloadTimeout   = 30 * time.Second
)

// Provider owns the LAN links of the local device: one per remote device id.
type Provider struct {
	opts  Options
	table *link.Table
	log   *zap.Logger

	mu        sync.Mutex
	listeners []transport.Listener
	port      int
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
	beacon    atomic.Pointer[discovery.Beacon]

	// life is held shared while a link is inserted and exclusively by Stop,
	// so no link is added after Stop disconnected the rest.
	life    sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewProvider(opts Options) (*Provider, error) {
	if opts.Identity == nil || opts.Identity.DeviceID == "" {
		return nil, errors.New("lan: identity with a device id is required")
	}
	if len(opts.Transports) == 0 {
		return nil, errors.New("lan: no transports")
	}
	if opts.Format == protocol.FormatUnknown {
		opts.Format = protocol.DefaultFormat
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.PayloadTimeout <= 0 {
		opts.PayloadTimeout = DefaultPayloadTimeout
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 500 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	return &Provider{
		opts:  opts,
		table: link.NewTable(providerName),
		log:   zap.L().Named("lan").With(zap.String("device", opts.Identity.DeviceID)),
	}, nil
}

func (p *Provider) Name() string  { return providerName }
func (p *Provider) Priority() int { return 10 }

// LocalInfo is the identity this provider announces.
func (p *Provider) LocalInfo() handshake.Info {
	p.mu.Lock()
	port := p.port
	p.mu.Unlock()
	return handshake.Local(p.opts.Identity, port)
}

// Addrs returns the addresses of the active listeners.
func (p *Provider) Addrs() []net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]net.Addr, 0, len(p.listeners))
	for _, ln := range p.listeners {
		out = append(out, ln.Addr())
	}
	return out
}

// Start opens the configured listeners, starts discovery and dials the
// configured targets in the background. ctx bounds the provider's lifetime.
func (p *Provider) Start(ctx context.Context) error {
	p.life.RLock()
	stopped := p.stopped
	p.life.RUnlock()
	if stopped {
		return ErrStopped
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("lan: already started")
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	for _, ep := range p.opts.Listen {
		if err := p.listen(ep); err != nil {
			_ = p.Stop()
			return err
		}
	}

	if p.opts.Discovery != nil {
		beacon, err := discovery.NewBeacon(p.LocalInfo(), *p.opts.Discovery, p.onAnnouncement)
		if err != nil {
			_ = p.Stop()
			return fmt.Errorf("lan: discovery: %w", err)
		}
		p.beacon.Store(beacon)
		beacon.Start()
	}

	for _, t := range p.opts.Dial {
		t := t
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if _, err := p.ConnectTo(p.ctx, t); err != nil && p.ctx.Err() == nil {
				p.log.Warn("dial failed", zap.Stringer("kind", t.Kind), zap.String("raddr", t.Address), zap.Error(err))
			}
		}()
	}
	return nil
}

func (p *Provider) listen(ep Endpoint) error {
	tr, err := p.transport(ep.Kind)
	if err != nil {
		return err
	}
	ln, err := tr.Listen(p.ctx, ep.Address)
	if err != nil {
		return fmt.Errorf("lan: listen %s %s: %w", ep.Kind, ep.Address, err)
	}
	p.mu.Lock()
	p.listeners = append(p.listeners, ln)
	if p.port == 0 {
		p.port = transport.PortOf(ln.Addr())
	}
	p.mu.Unlock()
	p.log.Info("listening", zap.Stringer("kind", ep.Kind), zap.Stringer("addr", ln.Addr()))

	p.wg.Add(1)
	go p.acceptLoop(ln, tr)
	return nil
}

func (p *Provider) acceptLoop(ln transport.Listener, tr transport.Transport) {
	defer p.wg.Done()
	for {
		sess, err := ln.Accept(p.ctx)
		if err != nil {
			if p.ctx.Err() == nil && !errors.Is(err, transport.ErrListenerClosed) {
				p.log.Warn("accept failed", zap.Stringer("addr", ln.Addr()), zap.Error(err))
			}
			return
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if _, err := p.establish(p.ctx, sess, tr, ""); err != nil {
				p.log.Info("inbound session rejected", zap.Stringer("raddr", sess.RemoteAddr()), zap.Error(err))
			}
		}()
	}
}

// Connect dials addr over kind, retrying with exponential backoff until the
// handshake succeeds, ctx ends or the retry budget is spent.
func (p *Provider) Connect(ctx context.Context, kind transport.Kind, addr string) (*Link, error) {
	return p.ConnectTo(ctx, DialTarget{Kind: kind, Address: addr})
}

func (p *Provider) ConnectTo(ctx context.Context, t DialTarget) (*Link, error) {
	tr, err := p.transport(t.Kind)
	if err != nil {
		return nil, err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.BackoffInitial
	b.MaxInterval = p.opts.BackoffMax
	b.MaxElapsedTime = p.opts.BackoffMaxElapsed
	b.Reset()

	var l *Link
	op := func() error {
		sess, err := tr.Dial(ctx, t.Address, transport.PeerInfo{ID: transport.PeerID(t.DeviceID), Addr: t.Address})
		if err != nil {
			p.log.Debug("dial attempt failed", zap.String("raddr", t.Address), zap.Error(err))
			return err
		}
		l, err = p.establish(ctx, sess, tr, t.DeviceID)
		switch {
		case errors.Is(err, ErrSelfConnection),
			errors.Is(err, ErrUnexpectedDevice),
			errors.Is(err, ErrStopped),
			errors.Is(err, handshake.ErrProtocolTooOld):
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("lan: connect %s %s: %w", t.Kind, t.Address, err)
	}
	return l, nil
}

// establish runs the identity exchange on a fresh session and turns it into a link.
func (p *Provider) establish(ctx context.Context, sess transport.Session, tr transport.Transport, expect string) (*Link, error) {
	dec := protocol.NewDecoder()
	info, err := handshake.Exchange(ctx, sess, p.LocalInfo(), p.opts.Format, dec, p.opts.HandshakeTimeout)
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	if info.DeviceID == p.opts.Identity.DeviceID {
		_ = sess.Close()
		return nil, ErrSelfConnection
	}
	if expect != "" && info.DeviceID != expect {
		_ = sess.Close()
		return nil, fmt.Errorf("%w: want %s, got %s", ErrUnexpectedDevice, expect, info.DeviceID)
	}
	l := p.OnConnectionEstablished(info, sess, tr, dec)
	if l == nil {
		return nil, ErrStopped
	}
	return l, nil
}

// OnConnectionEstablished binds an authenticated session to a new link and
// makes it the device's current link. It returns nil once the provider stopped.
func (p *Provider) OnConnectionEstablished(info handshake.Info, sess transport.Session, tr transport.Transport, dec *protocol.Decoder) *Link {
	p.life.RLock()
	defer p.life.RUnlock()
	if p.stopped {
		_ = sess.Close()
		return nil
	}
	if mp, ok := sess.(transport.MutablePeer); ok {
		mp.SetPeer(transport.PeerInfo{ID: transport.PeerID(info.DeviceID), Addr: sess.RemoteAddr().String()})
	}
	l := newLink(p, sess, tr, info, dec)
	p.table.Put(l)
	go l.readLoop()
	return l
}

// OnConnectionLost forgets l if it is still the device's current link.
func (p *Provider) OnConnectionLost(l *Link) {
	p.table.Remove(l)
	if beacon := p.beacon.Load(); beacon != nil {
		beacon.Forget(l.DeviceID())
	}
}

// onAnnouncement dials devices heard on the network. Only the side with the
// smaller device id dials, so two devices never race to link each other.
func (p *Provider) onAnnouncement(a discovery.Announcement) {
	if a.Info.Port == 0 || p.table.Get(a.Info.DeviceID) != nil {
		return
	}
	if p.opts.Identity.DeviceID > a.Info.DeviceID {
		return
	}
	if _, ok := p.opts.Transports[transport.KindTCP]; !ok {
		return
	}
	t := DialTarget{
		Kind:     transport.KindTCP,
		Address:  net.JoinHostPort(a.Address, strconv.Itoa(a.Info.Port)),
		DeviceID: a.Info.DeviceID,
	}
	p.life.RLock()
	defer p.life.RUnlock()
	if p.stopped {
		return
	}
	ctx := p.ctx
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if _, err := p.ConnectTo(ctx, t); err != nil && ctx.Err() == nil {
			p.log.Info("connect to announced device failed", zap.String("device", t.DeviceID), zap.Error(err))
		}
	}()
}

// Stop closes listeners, discovery and every link, then waits for the
// provider's goroutines.
func (p *Provider) Stop() error {
	p.life.Lock()
	if p.stopped {
		p.life.Unlock()
		return nil
	}
	p.stopped = true
	p.life.Unlock()

	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	listeners := p.listeners
	p.listeners = nil
	p.mu.Unlock()
	beacon := p.beacon.Load()

	var err error
	for _, ln := range listeners {
		err = multierr.Append(err, ln.Close())
	}
	if beacon != nil {
		err = multierr.Append(err, beacon.Stop())
	}
	err = multierr.Append(err, p.table.DisconnectAll())
	p.wg.Wait()
	return err
}

func (p *Provider) transport(kind transport.Kind) (transport.Transport, error) {
	tr, ok := p.opts.Transports[kind]
	if !ok {
		return nil, fmt.Errorf("lan: no %s transport configured", kind)
	}
	return tr, nil
}

func (p *Provider) keys() link.KeyRing {
	if p.opts.Identity.Keys == nil {
		return nil
	}
	return p.opts.Identity.Keys
}

func (p *Provider) Link(deviceID string) link.Link      { return p.table.Get(deviceID) }
func (p *Provider) Links() []link.Link                  { return p.table.All() }
func (p *Provider) AddObserver(o link.Observer) bool    { return p.table.AddObserver(o) }
func (p *Provider) RemoveObserver(o link.Observer) bool { return p.table.RemoveObserver(o) }
