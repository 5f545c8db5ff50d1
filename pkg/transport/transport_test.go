package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindRoundTrip(t *testing.T) {
	for _, k := range []Kind{KindTCP, KindQUIC, KindMem, KindLoopback} {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("carrier-pigeon")
	assert.Error(t, err)
}

func TestAddressHelpers(t *testing.T) {
	addr := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 1716}
	assert.Equal(t, 1716, PortOf(addr))
	assert.Equal(t, "10.0.0.2", HostOf(addr))
	assert.Equal(t, 0, PortOf(nil))
	assert.Equal(t, "temp:tcp:10.0.0.2:1716", string(TempPeerID(KindTCP, addr)))
	assert.Equal(t, "temp:mem:unknown", string(TempPeerID(KindMem, nil)))
}
