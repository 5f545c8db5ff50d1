package lan

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devlink/pkg/handshake"
	"devlink/pkg/identity"
	"devlink/pkg/link"
	"devlink/pkg/protocol"
	"devlink/pkg/transport"
	"devlink/pkg/transport/mem"
	"devlink/pkg/transport/quic"
	"devlink/pkg/transport/tcp"
)

const waitFor = 2 * time.Second

type capture struct {
	mu   sync.Mutex
	pkgs []*protocol.Package
}

func (c *capture) ReceivePackage(_ link.Link, p *protocol.Package) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pkgs = append(c.pkgs, p)
	return nil
}

func (c *capture) got() []*protocol.Package {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Package(nil), c.pkgs...)
}

type event struct {
	connected bool
	l         link.Link
}

// recorder logs observer callbacks and attaches its capture to every new link.
type recorder struct {
	mu     sync.Mutex
	events []event
	rx     *capture
}

func newRecorder() *recorder { return &recorder{rx: &capture{}} }

func (r *recorder) LinkConnected(l link.Link) {
	l.AddReceiver(r.rx)
	r.mu.Lock()
	r.events = append(r.events, event{connected: true, l: l})
	r.mu.Unlock()
}

func (r *recorder) LinkLost(l link.Link) {
	r.mu.Lock()
	r.events = append(r.events, event{connected: false, l: l})
	r.mu.Unlock()
}

func (r *recorder) snapshot() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

func newProvider(t *testing.T, name string, trs map[transport.Kind]transport.Transport, listen ...Endpoint) (*Provider, *recorder) {
	t.Helper()
	id, err := identity.New(name, "desktop")
	require.NoError(t, err)
	p, err := NewProvider(Options{
		Identity:          id,
		Transports:        trs,
		Listen:            listen,
		BackoffInitial:    10 * time.Millisecond,
		BackoffMax:        50 * time.Millisecond,
		BackoffMaxElapsed: waitFor,
	})
	require.NoError(t, err)
	rec := newRecorder()
	p.AddObserver(rec)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop() })
	return p, rec
}

func memPair(t *testing.T) (a, b *Provider, ra, rb *recorder, ab *Link) {
	t.Helper()
	tr := mem.New()
	trs := map[transport.Kind]transport.Transport{transport.KindMem: tr}
	a, ra = newProvider(t, "a", trs, Endpoint{Kind: transport.KindMem, Address: "a"})
	b, rb = newProvider(t, "b", trs)

	ab, err := b.Connect(context.Background(), transport.KindMem, "a")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Link(b.LocalInfo().DeviceID) != nil }, waitFor, 5*time.Millisecond)
	return a, b, ra, rb, ab
}

func deviceID(p *Provider) string { return p.LocalInfo().DeviceID }

func TestConnectOverMem(t *testing.T) {
	a, b, ra, rb, ab := memPair(t)

	assert.Equal(t, deviceID(a), ab.DeviceID())
	assert.Equal(t, "a", ab.Info().Name)
	assert.Equal(t, transport.KindMem, ab.Kind())
	assert.Same(t, b, ab.Provider())
	assert.Equal(t, []link.Link{ab}, b.Links())

	require.NoError(t, ab.SendPackage(context.Background(), protocol.New(protocol.TypePing).With("message", "hi")))
	require.Eventually(t, func() bool { return len(ra.rx.got()) == 1 }, waitFor, 5*time.Millisecond)
	got := ra.rx.got()[0]
	assert.Equal(t, protocol.TypePing, got.Type())
	v, _ := got.Get("message")
	assert.Equal(t, "hi", v)

	ba := a.Link(deviceID(b))
	require.NotNil(t, ba)
	require.NoError(t, ba.SendPackage(context.Background(), protocol.New(protocol.TypePing)))
	require.Eventually(t, func() bool { return len(rb.rx.got()) == 1 }, waitFor, 5*time.Millisecond)
}

func TestSendWithoutSession(t *testing.T) {
	var l Link
	ctx := context.Background()
	msg := protocol.New(protocol.TypePing)

	assert.ErrorIs(t, l.SendPackage(ctx, msg), link.ErrTransportNotReady)
	assert.ErrorIs(t, l.SendPackageEncrypted(ctx, msg, make([]byte, 32)), link.ErrTransportNotReady)
	_, err := l.OpenPayload(ctx, msg)
	assert.ErrorIs(t, err, link.ErrTransportNotReady)
	assert.Equal(t, transport.KindUnknown, l.Kind())
	assert.NoError(t, l.Disconnect())
	assert.NoError(t, l.Disconnect())
}

func TestSendAfterDisconnect(t *testing.T) {
	a, b, _, rb, ab := memPair(t)

	require.NoError(t, ab.Disconnect())
	require.NoError(t, ab.Disconnect())

	err := ab.SendPackage(context.Background(), protocol.New(protocol.TypePing))
	assert.ErrorIs(t, err, link.ErrTransportNotReady)
	assert.ErrorIs(t, err, link.ErrLinkClosed)
	assert.Nil(t, b.Link(deviceID(a)))

	events := rb.snapshot()
	require.Len(t, events, 2)
	assert.False(t, events[1].connected)
	assert.Same(t, ab, events[1].l)

	require.Eventually(t, func() bool { return a.Link(deviceID(b)) == nil }, waitFor, 5*time.Millisecond)
}

func TestBrokenSessionDisconnects(t *testing.T) {
	a, b, _, _, ab := memPair(t)

	require.NoError(t, ab.Session().Close())
	err := ab.SendPackage(context.Background(), protocol.New(protocol.TypePing))
	require.Error(t, err)
	assert.True(t, errors.Is(err, link.ErrTransportNotReady) || link.IsTransportIOError(err), "got %v", err)

	require.Eventually(t, func() bool { return b.Link(deviceID(a)) == nil }, waitFor, 5*time.Millisecond)
	select {
	case <-ab.Done():
	case <-time.After(waitFor):
		t.Fatal("read loop still running")
	}
}

func TestStalledWriteDisconnects(t *testing.T) {
	tr := mem.New()
	id, err := identity.New("a", "desktop")
	require.NoError(t, err)
	a, err := NewProvider(Options{
		Identity:     id,
		Transports:   map[transport.Kind]transport.Transport{transport.KindMem: tr},
		Listen:       []Endpoint{{Kind: transport.KindMem, Address: "a"}},
		WriteTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Stop() })

	// the raw peer never reads, so the pipe write blocks
	_, rawID := rawPeer(t, tr, "a")
	require.Eventually(t, func() bool { return a.Link(rawID) != nil }, waitFor, 5*time.Millisecond)
	l := a.Link(rawID)

	start := time.Now()
	err = l.SendPackage(context.Background(), protocol.New(protocol.TypePing))
	require.Error(t, err)
	assert.True(t, link.IsTransportIOError(err), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)

	require.Eventually(t, func() bool { return a.Link(rawID) == nil }, waitFor, 5*time.Millisecond)
	assert.ErrorIs(t, l.SendPackage(context.Background(), protocol.New(protocol.TypePing)), link.ErrTransportNotReady)
}

func TestConcurrentSendsDoNotInterleave(t *testing.T) {
	_, _, ra, _, ab := memPair(t)
	const senders = 50
	const size = 40 * 1024

	var wg sync.WaitGroup
	errs := make(chan error, senders)
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			blob := strings.Repeat(string(rune('a'+i%26)), size)
			errs <- ab.SendPackage(context.Background(), protocol.New(protocol.TypePing).With("n", i).With("blob", blob))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(ra.rx.got()) == senders }, 5*time.Second, 5*time.Millisecond)
	seen := make(map[int64]bool)
	for _, p := range ra.rx.got() {
		n, err := p.GetInt("n")
		require.NoError(t, err)
		blob, err := p.GetString("blob")
		require.NoError(t, err)
		assert.Equal(t, strings.Repeat(string(rune('a'+n%26)), size), blob)
		seen[n] = true
	}
	assert.Len(t, seen, senders)
}

func TestReconnectReplacesLink(t *testing.T) {
	a, b, _, rb, first := memPair(t)

	second, err := b.Connect(context.Background(), transport.KindMem, "a")
	require.NoError(t, err)
	require.NotSame(t, first, second)
	assert.Same(t, second, b.Link(deviceID(a)))
	assert.Len(t, b.Links(), 1)

	require.Eventually(t, func() bool { return len(rb.snapshot()) == 3 }, waitFor, 5*time.Millisecond)
	events := rb.snapshot()
	assert.True(t, events[0].connected)
	assert.Same(t, first, events[0].l)
	assert.False(t, events[1].connected)
	assert.Same(t, first, events[1].l)
	assert.True(t, events[2].connected)
	assert.Same(t, second, events[2].l)

	err = first.SendPackage(context.Background(), protocol.New(protocol.TypePing))
	assert.ErrorIs(t, err, link.ErrTransportNotReady)
	require.NoError(t, second.SendPackage(context.Background(), protocol.New(protocol.TypePing)))
}

// rawPeer completes a handshake by hand so the test can write arbitrary bytes.
func rawPeer(t *testing.T, tr *mem.Transport, addr string) (transport.Session, string) {
	t.Helper()
	id, err := identity.New("raw", "phone")
	require.NoError(t, err)
	ctx := context.Background()
	sess, err := tr.Dial(ctx, addr, transport.PeerInfo{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	_, err = handshake.Exchange(ctx, sess, handshake.Local(id, 0), protocol.FormatCBOR, protocol.NewDecoder(), time.Second)
	require.NoError(t, err)
	return sess, id.DeviceID
}

func TestCorruptFrameIsSkipped(t *testing.T) {
	tr := mem.New()
	a, ra := newProvider(t, "a", map[transport.Kind]transport.Transport{transport.KindMem: tr}, Endpoint{Kind: transport.KindMem, Address: "a"})
	sess, rawID := rawPeer(t, tr, "a")
	require.Eventually(t, func() bool { return a.Link(rawID) != nil }, waitFor, 5*time.Millisecond)

	bad, err := protocol.New(protocol.TypePing).With("n", 1).Serialize(protocol.FormatCBOR)
	require.NoError(t, err)
	bad[len(bad)-6] ^= 0xff
	good, err := protocol.New(protocol.TypePing).With("n", 2).Serialize(protocol.FormatCBOR)
	require.NoError(t, err)
	_, err = sess.Write(append(bad, good...))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(ra.rx.got()) == 1 }, waitFor, 5*time.Millisecond)
	v, _ := ra.rx.got()[0].Get("n")
	assert.EqualValues(t, 2, v)
	assert.NotNil(t, a.Link(rawID))
}

func TestLostFramingDisconnects(t *testing.T) {
	tr := mem.New()
	a, ra := newProvider(t, "a", map[transport.Kind]transport.Transport{transport.KindMem: tr}, Endpoint{Kind: transport.KindMem, Address: "a"})
	sess, rawID := rawPeer(t, tr, "a")
	require.Eventually(t, func() bool { return a.Link(rawID) != nil }, waitFor, 5*time.Millisecond)

	_, err := sess.Write([]byte("definitely not a frame"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return a.Link(rawID) == nil }, waitFor, 5*time.Millisecond)
	assert.Empty(t, ra.rx.got())
	_, err = io.ReadAll(sess)
	assert.NoError(t, err)
}

func TestEncryptedSend(t *testing.T) {
	a, _, ra, _, ab := memPair(t)

	msg := protocol.New(protocol.TypePing).With("secret", "swordfish")
	require.NoError(t, ab.SendPackageEncrypted(context.Background(), msg, a.LocalInfo().PublicKey))

	require.Eventually(t, func() bool { return len(ra.rx.got()) == 1 }, waitFor, 5*time.Millisecond)
	got := ra.rx.got()[0]
	assert.Equal(t, protocol.TypePing, got.Type())
	v, _ := got.Get("secret")
	assert.Equal(t, "swordfish", v)
}

func TestPayloadTransfer(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789abcdef"), 4096)

	run := func(t *testing.T, a, b *Provider, ra *recorder, ab *Link) {
		p := protocol.New("share.request").With("filename", "blob.bin")
		require.NoError(t, p.SetPayload(protocol.NewPayload(bytes.NewReader(content), int64(len(content)))))
		require.NoError(t, ab.SendPackage(context.Background(), p))

		require.Eventually(t, func() bool { return len(ra.rx.got()) == 1 }, waitFor, 5*time.Millisecond)
		got := ra.rx.got()[0]
		require.True(t, got.HasPayload())
		assert.EqualValues(t, len(content), got.Payload().Size)

		ba, ok := a.Link(deviceID(b)).(*Link)
		require.True(t, ok)
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		rc, err := ba.OpenPayload(ctx, got)
		require.NoError(t, err)
		defer rc.Close()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, content, data)
	}

	t.Run("mem", func(t *testing.T) {
		a, b, ra, _, ab := memPair(t)
		run(t, a, b, ra, ab)
	})

	t.Run("tcp", func(t *testing.T) {
		a, b, ra, ab := netPair(t, tcp.New(tcp.Options{}))
		run(t, a, b, ra, ab)
	})

	t.Run("quic", func(t *testing.T) {
		tr, err := quic.New(quic.Options{})
		require.NoError(t, err)
		a, b, ra, ab := netPair(t, tr)
		run(t, a, b, ra, ab)
	})
}

// netPair connects b to a over a network transport listening on loopback.
func netPair(t *testing.T, tr transport.Transport) (a, b *Provider, ra *recorder, ab *Link) {
	t.Helper()
	trs := map[transport.Kind]transport.Transport{tr.Kind(): tr}
	a, ra = newProvider(t, "a", trs, Endpoint{Kind: tr.Kind(), Address: "127.0.0.1:0"})
	b, _ = newProvider(t, "b", trs)
	require.Len(t, a.Addrs(), 1)
	require.NotZero(t, a.LocalInfo().Port)

	ab, err := b.Connect(context.Background(), tr.Kind(), a.Addrs()[0].String())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Link(deviceID(b)) != nil }, waitFor, 5*time.Millisecond)
	return a, b, ra, ab
}

func TestOpenPayloadWithoutPayload(t *testing.T) {
	_, _, _, _, ab := memPair(t)
	_, err := ab.OpenPayload(context.Background(), protocol.New(protocol.TypePing))
	assert.ErrorIs(t, err, ErrNoPayload)
}

func TestSelfConnectionRejected(t *testing.T) {
	tr := mem.New()
	a, ra := newProvider(t, "a", map[transport.Kind]transport.Transport{transport.KindMem: tr}, Endpoint{Kind: transport.KindMem, Address: "a"})

	_, err := a.Connect(context.Background(), transport.KindMem, "a")
	assert.ErrorIs(t, err, ErrSelfConnection)
	assert.Empty(t, a.Links())
	assert.Empty(t, ra.snapshot())
}

func TestUnexpectedDeviceRejected(t *testing.T) {
	tr := mem.New()
	trs := map[transport.Kind]transport.Transport{transport.KindMem: tr}
	newProvider(t, "a", trs, Endpoint{Kind: transport.KindMem, Address: "a"})
	b, _ := newProvider(t, "b", trs)

	_, err := b.ConnectTo(context.Background(), DialTarget{Kind: transport.KindMem, Address: "a", DeviceID: "someone_else"})
	assert.ErrorIs(t, err, ErrUnexpectedDevice)
	assert.Empty(t, b.Links())
}

func TestConnectRetriesUntilListenerAppears(t *testing.T) {
	tr := mem.New()
	trs := map[transport.Kind]transport.Transport{transport.KindMem: tr}
	b, _ := newProvider(t, "b", trs)

	id, err := identity.New("a", "desktop")
	require.NoError(t, err)
	a, err := NewProvider(Options{Identity: id, Transports: trs, Listen: []Endpoint{{Kind: transport.KindMem, Address: "late"}}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop() })
	started := make(chan error, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		started <- a.Start(context.Background())
	}()

	l, err := b.Connect(context.Background(), transport.KindMem, "late")
	require.NoError(t, err)
	assert.Equal(t, "a", l.Info().Name)
	require.NoError(t, <-started)
}

func TestConnectHonoursContext(t *testing.T) {
	b, _ := newProvider(t, "b", map[transport.Kind]transport.Transport{transport.KindMem: mem.New()})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := b.Connect(ctx, transport.KindMem, "nobody")
	assert.Error(t, err)
}

func TestConnectUnknownTransport(t *testing.T) {
	b, _ := newProvider(t, "b", map[transport.Kind]transport.Transport{transport.KindMem: mem.New()})
	_, err := b.Connect(context.Background(), transport.KindQUIC, "127.0.0.1:1")
	assert.Error(t, err)
}

func TestDialTargetsOnStart(t *testing.T) {
	tr := mem.New()
	trs := map[transport.Kind]transport.Transport{transport.KindMem: tr}
	a, _ := newProvider(t, "a", trs, Endpoint{Kind: transport.KindMem, Address: "a"})

	id, err := identity.New("b", "phone")
	require.NoError(t, err)
	b, err := NewProvider(Options{
		Identity:       id,
		Transports:     trs,
		Dial:           []DialTarget{{Kind: transport.KindMem, Address: "a", DeviceID: deviceID(a)}},
		BackoffInitial: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop() })

	require.Eventually(t, func() bool { return b.Link(deviceID(a)) != nil && a.Link(id.DeviceID) != nil }, waitFor, 5*time.Millisecond)
}

func TestStopDisconnectsEverything(t *testing.T) {
	a, b, _, rb, _ := memPair(t)

	require.NoError(t, a.Stop())
	require.NoError(t, a.Stop())
	assert.Empty(t, a.Links())
	require.Eventually(t, func() bool { return b.Link(deviceID(a)) == nil }, waitFor, 5*time.Millisecond)
	events := rb.snapshot()
	require.Len(t, events, 2)
	assert.False(t, events[1].connected)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := b.Connect(ctx, transport.KindMem, "a")
	assert.Error(t, err)
	assert.ErrorIs(t, a.Start(context.Background()), ErrStopped)
}

func TestNewProviderValidates(t *testing.T) {
	_, err := NewProvider(Options{})
	assert.Error(t, err)

	id, err := identity.New("a", "desktop")
	require.NoError(t, err)
	_, err = NewProvider(Options{Identity: id})
	assert.Error(t, err)

	p, err := NewProvider(Options{Identity: id, Transports: map[transport.Kind]transport.Transport{transport.KindMem: mem.New()}})
	require.NoError(t, err)
	assert.Equal(t, "lan", p.Name())
	assert.Equal(t, protocol.DefaultFormat, p.opts.Format)
	assert.Equal(t, DefaultPayloadTimeout, p.opts.PayloadTimeout)
}
