// Package link defines the device link abstraction: a bidirectional package
// channel to one remote device, created and owned by a Provider, delivering
// inbound packages to a set of Receivers.
//
// Concrete links live in subpackages: lan binds a network session, loopback
// delivers to itself in process.
package link

import (
	"context"

	"devlink/pkg/protocol"
	"devlink/pkg/transport"
)

// Link is a channel to one remote device.
type Link interface {
	DeviceID() string
	// Provider returns the provider that created the link. The link does not own it.
	Provider() Provider
	Kind() transport.Kind

	AddReceiver(r Receiver) bool
	RemoveReceiver(r Receiver) bool

	// SendPackage transmits p. It returns ErrTransportNotReady when no session
	// is live and a *TransportIOError when the session fails mid-write.
	SendPackage(ctx context.Context, p *protocol.Package) error
	// SendPackageEncrypted seals p for peerKey and transmits the wrapper.
	SendPackageEncrypted(ctx context.Context, p *protocol.Package, peerKey []byte) error

	// Disconnect closes the link. It is idempotent.
	Disconnect() error
}

// Provider creates links of one kind and reports them to observers.
type Provider interface {
	Name() string
	// Priority orders providers when a device is reachable through several; higher wins.
	Priority() int
	Start(ctx context.Context) error
	Stop() error

	Link(deviceID string) Link
	Links() []Link

	AddObserver(o Observer) bool
	RemoveObserver(o Observer) bool
}

// Observer is told about links appearing and going away. Callbacks run
// synchronously in provider code and must not block or create links.
type Observer interface {
	LinkConnected(l Link)
	LinkLost(l Link)
}

// KeyRing is the local key pair used for encrypted packages.
type KeyRing interface {
	PublicKey() []byte
	Seal(peer, plain []byte) ([]byte, error)
	Open(peer, sealed []byte) ([]byte, error)
}
