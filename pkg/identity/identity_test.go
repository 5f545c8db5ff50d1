package identity

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devlink/pkg/config"
)

func TestSealOpen(t *testing.T) {
	alice, err := GenerateKeyPair(nil)
	require.NoError(t, err)
	bob, err := GenerateKeyPair(nil)
	require.NoError(t, err)

	sealed, err := alice.Seal(bob.PublicKey(), []byte("secret"))
	require.NoError(t, err)
	assert.Len(t, sealed, nonceSize+len("secret")+16)

	plain, err := bob.Open(alice.PublicKey(), sealed)
	require.NoError(t, err)
	assert.Equal(t, "secret", string(plain))

	eve, err := GenerateKeyPair(nil)
	require.NoError(t, err)
	_, err = eve.Open(alice.PublicKey(), sealed)
	assert.ErrorIs(t, err, ErrOpenBox)

	_, err = bob.Open(alice.PublicKey(), sealed[:10])
	assert.ErrorIs(t, err, ErrShortBox)
	_, err = alice.Seal([]byte("short"), nil)
	assert.ErrorIs(t, err, ErrBadKey)
}

func TestSealToSelf(t *testing.T) {
	k, err := GenerateKeyPair(nil)
	require.NoError(t, err)
	sealed, err := k.Seal(k.PublicKey(), []byte("loop"))
	require.NoError(t, err)
	plain, err := k.Open(k.PublicKey(), sealed)
	require.NoError(t, err)
	assert.Equal(t, "loop", string(plain))
}

func TestKeyPairFromPrivate(t *testing.T) {
	k, err := GenerateKeyPair(nil)
	require.NoError(t, err)
	again, err := KeyPairFromPrivate(k.PrivateKey())
	require.NoError(t, err)
	assert.Equal(t, k.PublicKey(), again.PublicKey())

	_, err = KeyPairFromPrivate([]byte{1, 2})
	assert.ErrorIs(t, err, ErrBadKey)
}

func TestLoadOrGeneratePersists(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Device.Name = "laptop"

	first, err := LoadOrGenerate(cfg)
	require.NoError(t, err)
	assert.NotEmpty(t, first.DeviceID)
	assert.Equal(t, "laptop", first.Name)
	assert.FileExists(t, filepath.Join(cfg.DataDir, "identity.key"))

	second, err := LoadOrGenerate(cfg)
	require.NoError(t, err)
	assert.Equal(t, first.DeviceID, second.DeviceID)
	assert.Equal(t, first.Keys.PublicKey(), second.Keys.PublicKey())
}

func TestLoadFromConfig(t *testing.T) {
	k, err := GenerateKeyPair(nil)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Device.ID = "fixed"
	cfg.Identity.PrivateKey = base64.RawURLEncoding.EncodeToString(k.PrivateKey())

	id, err := LoadOrGenerate(cfg)
	require.NoError(t, err)
	assert.Equal(t, "fixed", id.DeviceID)
	assert.Equal(t, k.PublicKey(), id.Keys.PublicKey())
	_, err = os.Stat(filepath.Join(cfg.DataDir, "identity.key"))
	assert.True(t, os.IsNotExist(err))
}

func TestLoadRawKeyFile(t *testing.T) {
	k, err := GenerateKeyPair(nil)
	require.NoError(t, err)
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Identity.PrivateKeyFile = filepath.Join(cfg.DataDir, "raw.key")
	require.NoError(t, os.WriteFile(cfg.Identity.PrivateKeyFile, k.PrivateKey(), 0o600))

	id, err := LoadOrGenerate(cfg)
	require.NoError(t, err)
	assert.Equal(t, k.PublicKey(), id.Keys.PublicKey())
}
