package config

import "path/filepath"

// DeviceConfig names the local device. An empty ID is generated once and
// persisted next to the identity key.
type DeviceConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"` // desktop, laptop, phone, tablet, tv
}

// IdentityConfig describes the key pair used for encrypted packages.
type IdentityConfig struct {
	PrivateKey     string `mapstructure:"private_key"`      // base64url(no padding) of the raw 32-byte key
	PrivateKeyFile string `mapstructure:"private_key_file"` // path to file containing base64 or raw bytes
}

// KeyFile returns where a generated key is persisted.
func (c *Config) KeyFile() string {
	if c.Identity.PrivateKeyFile != "" {
		return c.Identity.PrivateKeyFile
	}
	return filepath.Join(c.DataDir, "identity.key")
}

// DeviceIDFile returns where a generated device id is persisted.
func (c *Config) DeviceIDFile() string { return filepath.Join(c.DataDir, "device.id") }
