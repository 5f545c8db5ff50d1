package config

import "devlink/pkg/transport"

// TransportConfig describes one transport kind and its endpoints.
// Example YAML:
//
//	transports:
//	  - kind: tcp
//	    listen: [":1716"]
//	    dial:
//	      - address: "10.0.0.2:1716"
//	        peer_id: "b4a1c0de-..."
//	  - kind: quic
//	    listen: [":1717"]
//	  - kind: mem
//	    listen: ["inproc"]
type TransportConfig struct {
	Kind   string           `mapstructure:"kind"`
	Listen []string         `mapstructure:"listen"`
	Dial   []PeerDialConfig `mapstructure:"dial"`
}

// PeerDialConfig describes a target to dial on startup. PeerID is the
// expected device id; a session answering with another id is dropped.
type PeerDialConfig struct {
	Address string `mapstructure:"address"`
	PeerID  string `mapstructure:"peer_id"`
}

func (t TransportConfig) TransportKind() (transport.Kind, error) { return transport.ParseKind(t.Kind) }
