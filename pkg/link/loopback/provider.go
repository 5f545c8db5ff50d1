package loopback

import (
	"context"

	"devlink/pkg/link"
	"devlink/pkg/protocol"
)

const providerName = "loopback"

// Provider creates loopback links. Start connects the local device to itself.
type Provider struct {
	deviceID string
	keys     link.KeyRing
	format   protocol.Format
	table    *link.Table
}

type Option func(*Provider)

// WithFormat selects the wire format used for the round trip.
func WithFormat(f protocol.Format) Option { return func(p *Provider) { p.format = f } }

func NewProvider(deviceID string, keys link.KeyRing, opts ...Option) *Provider {
	p := &Provider{deviceID: deviceID, keys: keys, format: protocol.DefaultFormat, table: link.NewTable(providerName)}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string  { return providerName }
func (p *Provider) Priority() int { return 0 }

func (p *Provider) Start(context.Context) error {
	p.Connect(p.deviceID)
	return nil
}

func (p *Provider) Stop() error { return p.table.DisconnectAll() }

// Connect creates a link for deviceID, replacing any previous one.
func (p *Provider) Connect(deviceID string) *Link {
	var peerKey []byte
	if p.keys != nil {
		peerKey = p.keys.PublicKey()
	}
	l := &Link{Base: link.NewBase(deviceID, p, p.keys, peerKey), lp: p, format: p.format}
	p.table.Put(l)
	return l
}

// OnConnectionLost forgets l if it is still the current link for its device.
func (p *Provider) OnConnectionLost(l *Link) { p.table.Remove(l) }

func (p *Provider) Link(deviceID string) link.Link      { return p.table.Get(deviceID) }
func (p *Provider) Links() []link.Link                  { return p.table.All() }
func (p *Provider) AddObserver(o link.Observer) bool    { return p.table.AddObserver(o) }
func (p *Provider) RemoveObserver(o link.Observer) bool { return p.table.RemoveObserver(o) }
