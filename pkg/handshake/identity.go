// Package handshake builds, parses and exchanges the identity package that
// opens every session and doubles as the discovery beacon payload.
package handshake

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strings"

	"devlink/pkg/identity"
	"devlink/pkg/protocol"
)

// Identity package body keys.
const (
	KeyDeviceID        = "deviceId"
	KeyDeviceName      = "deviceName"
	KeyDeviceType      = "deviceType"
	KeyProtocolVersion = "protocolVersion"
	KeyTCPPort         = "tcpPort"
	KeyPublicKey       = "publicKey"
)

var (
	ErrNotIdentity      = errors.New("handshake: first package is not an identity package")
	ErrMissingDeviceID  = errors.New("handshake: identity without device id")
	ErrProtocolTooOld   = errors.New("handshake: protocol version too old")
	ErrBadIdentityField = errors.New("handshake: malformed identity field")
)

// Info is what a peer says about itself.
type Info struct {
	DeviceID        string
	Name            string
	Type            string
	ProtocolVersion int
	// Port the peer accepts sessions on, 0 when it does not listen.
	Port      int
	PublicKey []byte
}

// Local describes id, listening on port, as an Info.
func Local(id *identity.Identity, port int) Info {
	info := Info{
		DeviceID:        id.DeviceID,
		Name:            id.Name,
		Type:            id.Type,
		ProtocolVersion: protocol.ProtocolVersion,
		Port:            port,
	}
	if id.Keys != nil {
		info.PublicKey = id.Keys.PublicKey()
	}
	return info
}

// Package returns a fresh identity package describing i.
func (i Info) Package() *protocol.Package {
	p := protocol.New(protocol.TypeIdentity).
		With(KeyDeviceID, i.DeviceID).
		With(KeyDeviceName, i.Name).
		With(KeyDeviceType, i.Type).
		With(KeyProtocolVersion, i.ProtocolVersion)
	if i.Port > 0 {
		p = p.With(KeyTCPPort, i.Port)
	}
	if len(i.PublicKey) > 0 {
		p = p.With(KeyPublicKey, i.PublicKey)
	}
	return p
}

// Parse validates an identity package. Numbers and keys are accepted in the
// shapes every wire format produces for them.
func Parse(p *protocol.Package) (Info, error) {
	if p == nil || p.Type() != protocol.TypeIdentity {
		return Info{}, ErrNotIdentity
	}
	var info Info
	info.DeviceID = stringField(p, KeyDeviceID)
	if strings.TrimSpace(info.DeviceID) == "" {
		return Info{}, ErrMissingDeviceID
	}
	info.Name = stringField(p, KeyDeviceName)
	info.Type = stringField(p, KeyDeviceType)

	v, err := intField(p, KeyProtocolVersion)
	if err != nil {
		return Info{}, err
	}
	if v < protocol.MinProtocolVersion {
		return Info{}, fmt.Errorf("%w: %d < %d", ErrProtocolTooOld, v, protocol.MinProtocolVersion)
	}
	info.ProtocolVersion = int(v)

	if p.Has(KeyTCPPort) {
		port, err := intField(p, KeyTCPPort)
		if err != nil {
			return Info{}, err
		}
		if port < 0 || port > math.MaxUint16 {
			return Info{}, fmt.Errorf("%w: port %d", ErrBadIdentityField, port)
		}
		info.Port = int(port)
	}
	if p.Has(KeyPublicKey) {
		key, err := bytesField(p, KeyPublicKey)
		if err != nil {
			return Info{}, err
		}
		if len(key) != identity.KeySize {
			return Info{}, fmt.Errorf("%w: public key of %d bytes", ErrBadIdentityField, len(key))
		}
		info.PublicKey = key
	}
	return info, nil
}

func stringField(p *protocol.Package, key string) string {
	v, _ := p.Get(key)
	s, _ := v.(string)
	return s
}

func intField(p *protocol.Package, key string) (int64, error) {
	v, ok := p.Get(key)
	if !ok {
		return 0, fmt.Errorf("%w: %s missing", ErrBadIdentityField, key)
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int64(n), nil
		}
	}
	return 0, fmt.Errorf("%w: %s is %T", ErrBadIdentityField, key, v)
}

// bytesField accepts raw bytes, or the base64 text JSON and proto peers send.
func bytesField(p *protocol.Package, key string) ([]byte, error) {
	v, _ := p.Get(key)
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		if raw, err := base64.StdEncoding.DecodeString(b); err == nil {
			return raw, nil
		}
		if raw, err := base64.RawURLEncoding.DecodeString(b); err == nil {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("%w: %s is %T", ErrBadIdentityField, key, v)
}
