package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"devlink/pkg/config"
	"devlink/pkg/identity"
	"devlink/pkg/link"
	"devlink/pkg/link/lan"
	"devlink/pkg/link/loopback"
	"devlink/pkg/protocol"
	"devlink/pkg/transport"
	"devlink/pkg/transports"
)

func TestLanOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Link.Format = "json"
	cfg.Discovery.Enable = true
	cfg.Transports = []config.TransportConfig{
		{Kind: "tcp", Listen: []string{":1716"}, Dial: []config.PeerDialConfig{{Address: "10.0.0.2:1716", PeerID: "peer_1"}}},
		{Kind: "mem", Listen: []string{"inproc"}},
	}
	id, err := identity.New("laptop", "desktop")
	require.NoError(t, err)

	opts, err := lanOptions(cfg, id)
	require.NoError(t, err)
	assert.Equal(t, protocol.FormatJSON, opts.Format)
	assert.Len(t, opts.Transports, 2)
	assert.Equal(t, []lan.Endpoint{
		{Kind: transport.KindTCP, Address: ":1716"},
		{Kind: transport.KindMem, Address: "inproc"},
	}, opts.Listen)
	assert.Equal(t, []lan.DialTarget{{Kind: transport.KindTCP, Address: "10.0.0.2:1716", DeviceID: "peer_1"}}, opts.Dial)
	assert.Equal(t, 500*time.Millisecond, opts.BackoffInitial)
	assert.Equal(t, 5*time.Second, opts.HandshakeTimeout)
	require.NotNil(t, opts.Discovery)
	assert.Equal(t, "239.255.255.250", opts.Discovery.MulticastAddress)
	assert.Equal(t, 2*time.Second, opts.Discovery.Interval)

	cfg.Net.KeepAliveMS = 1000
	cfg.Net.IdleTimeoutMS = 0
	assert.Equal(t, transports.Options{KeepAlive: time.Second, DialTimeout: 10 * time.Second}, transportOptions(cfg))
}

func TestLanOptionsRejectsBadConfig(t *testing.T) {
	id, err := identity.New("laptop", "desktop")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Link.Format = "xml"
	_, err = lanOptions(cfg, id)
	assert.Error(t, err)

	cfg = config.Default()
	cfg.Transports = []config.TransportConfig{{Kind: "carrier-pigeon"}}
	_, err = lanOptions(cfg, id)
	assert.Error(t, err)
}

func TestResponderRepliesFromQueue(t *testing.T) {
	id, err := identity.New("node", "desktop")
	require.NoError(t, err)
	lp := loopback.NewProvider(id.DeviceID, keyRing(id))
	require.NoError(t, lp.Start(context.Background()))
	defer func() { _ = lp.Stop() }()
	l := lp.Link(id.DeviceID)
	require.NotNil(t, l)

	rx := link.NewAsyncReceiver(responder(zap.NewNop()), 4)
	defer rx.Close()
	var mu sync.Mutex
	var replies []*protocol.Package
	l.AddReceiver(rx)
	l.AddReceiver(link.NewReceiver(func(_ link.Link, p *protocol.Package) error {
		if p.Has(keyReply) {
			mu.Lock()
			replies = append(replies, p)
			mu.Unlock()
		}
		return nil
	}))

	require.NoError(t, l.SendPackage(context.Background(), protocol.New(protocol.TypePing).With("message", "hello")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(replies) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	msg, _ := replies[0].Get("message")
	assert.Equal(t, "hello", msg)
}

func TestSelftestAllFormats(t *testing.T) {
	id, err := identity.New("selftest", "desktop")
	require.NoError(t, err)
	for _, f := range []protocol.Format{protocol.FormatJSON, protocol.FormatCBOR, protocol.FormatProto} {
		t.Run(f.String(), func(t *testing.T) {
			require.NoError(t, selftestFormat(context.Background(), id, f))
		})
	}
}
