// Package identity holds the local device identity: a stable device id, a
// human-readable name and type, and the key pair for encrypted packages.
package identity

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"devlink/pkg/config"
)

// Identity describes this device to its peers.
type Identity struct {
	DeviceID string
	Name     string
	Type     string
	Keys     *KeyPair
}

// New returns an in-memory identity with a random device id and key pair.
func New(name, typ string) (*Identity, error) {
	kp, err := GenerateKeyPair(nil)
	if err != nil {
		return nil, err
	}
	return &Identity{DeviceID: NewDeviceID(), Name: name, Type: typ, Keys: kp}, nil
}

// NewDeviceID returns a fresh device id.
func NewDeviceID() string { return strings.ReplaceAll(uuid.NewString(), "-", "_") }

// LoadOrGenerate builds the identity described by cfg. A device id or key
// that is not configured is generated once and persisted under cfg.DataDir.
func LoadOrGenerate(cfg *config.Config) (*Identity, error) {
	id, err := loadDeviceID(cfg)
	if err != nil {
		return nil, err
	}
	kp, err := loadKeyPair(cfg)
	if err != nil {
		return nil, err
	}
	return &Identity{DeviceID: id, Name: cfg.Device.Name, Type: cfg.Device.Type, Keys: kp}, nil
}

func loadDeviceID(cfg *config.Config) (string, error) {
	if id := strings.TrimSpace(cfg.Device.ID); id != "" {
		return id, nil
	}
	path := cfg.DeviceIDFile()
	b, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("read device id: %w", err)
	}
	id := NewDeviceID()
	if err := writeFile(path, []byte(id+"\n")); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	zap.L().Info("generated device id", zap.String("device", id), zap.String("path", path))
	return id, nil
}

func loadKeyPair(cfg *config.Config) (*KeyPair, error) {
	if s := strings.TrimSpace(cfg.Identity.PrivateKey); s != "" {
		b, err := base64.RawURLEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode identity.private_key: %w", err)
		}
		return KeyPairFromPrivate(b)
	}
	path := cfg.KeyFile()
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		return KeyPairFromPrivate(decodeKeyFile(b))
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	kp, err := GenerateKeyPair(nil)
	if err != nil {
		return nil, err
	}
	if err := writeFile(path, []byte(base64.RawURLEncoding.EncodeToString(kp.PrivateKey())+"\n")); err != nil {
		return nil, fmt.Errorf("persist key: %w", err)
	}
	zap.L().Info("generated identity key",
		zap.String("path", path),
		zap.String("pub_b64", base64.RawURLEncoding.EncodeToString(kp.PublicKey())))
	return kp, nil
}

// decodeKeyFile accepts base64url text or the raw key bytes.
func decodeKeyFile(b []byte) []byte {
	txt := strings.TrimSpace(string(b))
	if db, err := base64.RawURLEncoding.DecodeString(txt); err == nil && len(db) == KeySize {
		return db
	}
	return b
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
