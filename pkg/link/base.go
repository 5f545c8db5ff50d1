package link

import (
	"encoding/base64"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"devlink/pkg/observability"
	"devlink/pkg/protocol"
)

// ErrNoKeys is returned by encrypted sends on a link without a key ring.
var ErrNoKeys = errors.New("link: no key ring")

// Base carries the state every link shares. Concrete links embed it.
type Base struct {
	deviceID  string
	provider  Provider
	receivers *Receivers
	keys      KeyRing
	peerKey   []byte
	log       *zap.Logger
}

// NewBase returns the shared state of a link to deviceID. keys and peerKey
// may be nil; encrypted packages are then rejected.
func NewBase(deviceID string, provider Provider, keys KeyRing, peerKey []byte) *Base {
	name := providerName(provider)
	return &Base{
		deviceID:  deviceID,
		provider:  provider,
		receivers: NewReceivers(name),
		keys:      keys,
		peerKey:   append([]byte(nil), peerKey...),
		log:       zap.L().Named("link").With(zap.String("provider", name), zap.String("device", deviceID)),
	}
}

func (b *Base) DeviceID() string               { return b.deviceID }
func (b *Base) Provider() Provider             { return b.provider }
func (b *Base) AddReceiver(r Receiver) bool    { return b.receivers.Add(r) }
func (b *Base) RemoveReceiver(r Receiver) bool { return b.receivers.Remove(r) }
func (b *Base) Receivers() *Receivers          { return b.receivers }
func (b *Base) Logger() *zap.Logger            { return b.log }

// PeerKey returns the public key the remote device announced, or nil.
func (b *Base) PeerKey() []byte { return b.peerKey }

// PackageReceived unwraps an encrypted package if needed and hands the result
// to every receiver of self. Packages that cannot be opened are dropped.
func (b *Base) PackageReceived(self Link, p *protocol.Package) int {
	if p.Type() == protocol.TypeEncrypted {
		inner, err := b.decrypt(p)
		if err != nil {
			observability.DecodeErrors.WithLabelValues(providerName(b.provider)).Inc()
			b.log.Warn("dropping encrypted package", zap.Int64("id", p.ID()), zap.Error(err))
			return 0
		}
		p = inner
	}
	observability.PackagesReceived.WithLabelValues(providerName(b.provider), p.Type()).Inc()
	return b.receivers.Deliver(self, p)
}

// EncryptPackage seals p for peerKey. The inner package always travels as
// CBOR; a payload stays on the wrapper so the transport can move it.
func (b *Base) EncryptPackage(p *protocol.Package, peerKey []byte) (*protocol.Package, error) {
	if b.keys == nil {
		return nil, ErrNoKeys
	}
	plain, err := p.Serialize(protocol.FormatCBOR)
	if err != nil {
		return nil, err
	}
	sealed, err := b.keys.Seal(peerKey, plain)
	if err != nil {
		return nil, fmt.Errorf("seal %s: %w", p.Type(), err)
	}
	w := protocol.New(protocol.TypeEncrypted).With(protocol.KeyEncryptedData, sealed)
	if p.HasPayload() {
		if err := w.SetPayload(p.Payload()); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (b *Base) decrypt(w *protocol.Package) (*protocol.Package, error) {
	if b.keys == nil {
		return nil, ErrNoKeys
	}
	if len(b.peerKey) == 0 {
		return nil, errors.New("link: peer announced no public key")
	}
	var sealed []byte
	switch v, _ := w.Get(protocol.KeyEncryptedData); x := v.(type) {
	case []byte:
		sealed = x
	case string:
		// JSON and proto peers carry bytes as base64 text
		raw, err := base64.StdEncoding.DecodeString(x)
		if err != nil {
			return nil, fmt.Errorf("link: encrypted data: %w", err)
		}
		sealed = raw
	default:
		return nil, fmt.Errorf("link: encrypted data is %T", v)
	}
	plain, err := b.keys.Open(b.peerKey, sealed)
	if err != nil {
		return nil, err
	}
	inner, err := protocol.Deserialize(plain)
	if err != nil {
		return nil, err
	}
	if w.HasPayload() {
		c := inner.Clone()
		if err := c.SetPayload(w.Payload()); err != nil {
			return nil, err
		}
		c.Freeze()
		inner = c
	}
	return inner, nil
}

func providerName(p Provider) string {
	if p == nil {
		return "none"
	}
	return p.Name()
}
