package discovery

import (
	"testing"

	"github.com/schollz/peerdiscovery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devlink/pkg/handshake"
	"devlink/pkg/protocol"
)

func info(id string) handshake.Info {
	return handshake.Info{DeviceID: id, Name: id, Type: "desktop", ProtocolVersion: protocol.ProtocolVersion, Port: 1716}
}

func payload(t *testing.T, i handshake.Info) []byte {
	t.Helper()
	b, err := i.Package().Serialize(protocol.FormatCBOR)
	require.NoError(t, err)
	return b
}

func TestHandleDeduplicates(t *testing.T) {
	var got []Announcement
	b, err := NewBeacon(info("self"), Options{}, func(a Announcement) { got = append(got, a) })
	require.NoError(t, err)

	peer := info("peer")
	b.handle(peerdiscovery.Discovered{Address: "10.0.0.2", Payload: payload(t, peer)})
	b.handle(peerdiscovery.Discovered{Address: "10.0.0.2", Payload: payload(t, peer)})
	require.Len(t, got, 1)
	assert.Equal(t, "10.0.0.2", got[0].Address)
	assert.Equal(t, peer, got[0].Info)

	b.Forget("peer")
	b.handle(peerdiscovery.Discovered{Address: "10.0.0.3", Payload: payload(t, peer)})
	require.Len(t, got, 2)
	assert.Equal(t, "10.0.0.3", got[1].Address)
}

func TestHandleIgnoresSelfAndGarbage(t *testing.T) {
	var got []Announcement
	b, err := NewBeacon(info("self"), Options{}, func(a Announcement) { got = append(got, a) })
	require.NoError(t, err)

	b.handle(peerdiscovery.Discovered{Address: "10.0.0.1", Payload: payload(t, info("self"))})
	b.handle(peerdiscovery.Discovered{Address: "10.0.0.1", Payload: []byte("hello")})
	ping, err := protocol.New(protocol.TypePing).Serialize(protocol.FormatCBOR)
	require.NoError(t, err)
	b.handle(peerdiscovery.Discovered{Address: "10.0.0.1", Payload: ping})
	assert.Empty(t, got)
}

func TestDefaults(t *testing.T) {
	b, err := NewBeacon(info("self"), Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, b.opts.Port)
	assert.Equal(t, DefaultMulticastAddress, b.opts.MulticastAddress)
	assert.Equal(t, DefaultInterval, b.opts.Interval)
	assert.Less(t, len(b.payload), 512)
}
