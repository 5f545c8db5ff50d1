// Package config provides YAML-based configuration loading for devlink.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the node/application
	AppName string `mapstructure:"app_name"`

	// DataDir base directory for persistent data (identity key)
	DataDir string `mapstructure:"data_dir"`

	// Device names this node to its peers.
	Device DeviceConfig `mapstructure:"device"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Identity controls the key used for encrypted sends.
	Identity IdentityConfig `mapstructure:"identity"`

	// Transports list to configure multiple inbound/outbound links
	Transports []TransportConfig `mapstructure:"transports"`

	Link      LinkConfig      `mapstructure:"link"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`

	// Net holds dial retry options
	Net NetConfig `mapstructure:"net"`

	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig enables the Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "devlink-node",
		DataDir: "./data",
		Device:  DeviceConfig{Type: "desktop"},
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: false,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/devlink.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Transports: []TransportConfig{
			{
				Kind:   "tcp",
				Listen: []string{":1716"},
			},
		},
		Link: LinkConfig{
			Format:             "cbor",
			WriteTimeoutMS:     10000,
			HandshakeTimeoutMS: 5000,
			PayloadTimeoutMS:   30000,
			ReceiveQueue:       256,
		},
		Discovery: DiscoveryConfig{
			Enable:           false,
			Port:             "1716",
			MulticastAddress: "239.255.255.250",
			IntervalMS:       2000,
			SeenTTLMS:        30000,
		},
		Net: NetConfig{
			DialBackoffInitialMS: 500,
			DialBackoffMaxMS:     30000,
			DialMaxElapsedMS:     120000,
			DialTimeoutMS:        10000,
			KeepAliveMS:          15000,
			IdleTimeoutMS:        30000,
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix DEVLINK and `.`/`-` are replaced with `_`.
// Example: DEVLINK_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("DEVLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("device.id", cfg.Device.ID)
	v.SetDefault("device.name", cfg.Device.Name)
	v.SetDefault("device.type", cfg.Device.Type)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("identity.private_key", cfg.Identity.PrivateKey)
	v.SetDefault("identity.private_key_file", cfg.Identity.PrivateKeyFile)
	v.SetDefault("transports", cfg.Transports)
	v.SetDefault("link.format", cfg.Link.Format)
	v.SetDefault("link.write_timeout_ms", cfg.Link.WriteTimeoutMS)
	v.SetDefault("link.read_timeout_ms", cfg.Link.ReadTimeoutMS)
	v.SetDefault("link.handshake_timeout_ms", cfg.Link.HandshakeTimeoutMS)
	v.SetDefault("link.payload_timeout_ms", cfg.Link.PayloadTimeoutMS)
	v.SetDefault("link.receive_queue", cfg.Link.ReceiveQueue)
	v.SetDefault("discovery.enable", cfg.Discovery.Enable)
	v.SetDefault("discovery.port", cfg.Discovery.Port)
	v.SetDefault("discovery.multicast_address", cfg.Discovery.MulticastAddress)
	v.SetDefault("discovery.interval_ms", cfg.Discovery.IntervalMS)
	v.SetDefault("discovery.seen_ttl_ms", cfg.Discovery.SeenTTLMS)
	v.SetDefault("net.dial_backoff_initial_ms", cfg.Net.DialBackoffInitialMS)
	v.SetDefault("net.dial_backoff_max_ms", cfg.Net.DialBackoffMaxMS)
	v.SetDefault("net.dial_max_elapsed_ms", cfg.Net.DialMaxElapsedMS)
	v.SetDefault("net.dial_timeout_ms", cfg.Net.DialTimeoutMS)
	v.SetDefault("net.keep_alive_ms", cfg.Net.KeepAliveMS)
	v.SetDefault("net.idle_timeout_ms", cfg.Net.IdleTimeoutMS)
	v.SetDefault("metrics.listen", cfg.Metrics.Listen)

	// Choose config file
	if path == "" {
		// Allow override via env var
		if envPath := os.Getenv("DEVLINK_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `devlink`
		v.SetConfigName("devlink")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".devlink"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if strings.TrimSpace(c.Device.Name) == "" {
		if host, err := os.Hostname(); err == nil {
			c.Device.Name = host
		} else {
			c.Device.Name = c.AppName
		}
	}
	if _, err := c.Link.WireFormat(); err != nil {
		return fmt.Errorf("invalid link.format: %w", err)
	}
	for i := range c.Transports {
		c.Transports[i].Kind = strings.ToLower(strings.TrimSpace(c.Transports[i].Kind))
		if _, err := c.Transports[i].TransportKind(); err != nil {
			return fmt.Errorf("transports[%d]: %w", i, err)
		}
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
