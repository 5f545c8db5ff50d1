package config

import (
	"time"

	"devlink/pkg/protocol"
)

// LinkConfig tunes network links. Zero timeouts disable the deadline.
type LinkConfig struct {
	// Format: cbor (default), json or proto
	Format             string `mapstructure:"format"`
	WriteTimeoutMS     int    `mapstructure:"write_timeout_ms"`
	ReadTimeoutMS      int    `mapstructure:"read_timeout_ms"`
	HandshakeTimeoutMS int    `mapstructure:"handshake_timeout_ms"`
	PayloadTimeoutMS   int    `mapstructure:"payload_timeout_ms"`
	// ReceiveQueue is the backlog of inbound packages waiting for the node's handler.
	ReceiveQueue int `mapstructure:"receive_queue"`
}

func (l LinkConfig) WireFormat() (protocol.Format, error) { return protocol.ParseFormat(l.Format) }
func (l LinkConfig) WriteTimeout() time.Duration          { return ms(l.WriteTimeoutMS) }
func (l LinkConfig) ReadTimeout() time.Duration           { return ms(l.ReadTimeoutMS) }
func (l LinkConfig) HandshakeTimeout() time.Duration      { return ms(l.HandshakeTimeoutMS) }
func (l LinkConfig) PayloadTimeout() time.Duration        { return ms(l.PayloadTimeoutMS) }

// DiscoveryConfig controls the multicast beacon.
type DiscoveryConfig struct {
	Enable           bool   `mapstructure:"enable"`
	Port             string `mapstructure:"port"`
	MulticastAddress string `mapstructure:"multicast_address"`
	IntervalMS       int    `mapstructure:"interval_ms"`
	SeenTTLMS        int    `mapstructure:"seen_ttl_ms"`
}

func (d DiscoveryConfig) Interval() time.Duration { return ms(d.IntervalMS) }
func (d DiscoveryConfig) SeenTTL() time.Duration  { return ms(d.SeenTTLMS) }
