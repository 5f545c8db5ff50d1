package device

import (
	"context"
	"fmt"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"devlink/pkg/link"
	"devlink/pkg/protocol"
)

// Events are registry callbacks. They run inside provider notifications and
// must not block. Any may be nil.
type Events struct {
	// Added fires the first time a link to a device id appears.
	Added func(d *Device)
	// Reachable fires when a device goes from zero links to one.
	Reachable func(d *Device)
	// Unreachable fires when a device loses its last link.
	Unreachable func(d *Device)
	// Removed fires when Forget drops a device.
	Removed func(d *Device)
}

// Registry observes providers and keeps one Device per remote device id.
// Devices stay registered after they become unreachable so their receivers
// survive reconnects.
type Registry struct {
	providers []link.Provider
	store     *Store
	events    Events

	mu      sync.Mutex
	devices *orderedmap.OrderedMap[string, *Device]
	started []link.Provider

	log *zap.Logger
}

func NewRegistry(store *Store, events Events, providers ...link.Provider) *Registry {
	return &Registry{
		providers: providers,
		store:     store,
		events:    events,
		devices:   orderedmap.New[string, *Device](),
		log:       zap.L().Named("device"),
	}
}

// Start registers as observer on every provider and starts them in order.
// If one fails, the ones already started are stopped again.
func (r *Registry) Start(ctx context.Context) error {
	for _, p := range r.providers {
		p.AddObserver(r)
		if err := p.Start(ctx); err != nil {
			p.RemoveObserver(r)
			return multierr.Append(fmt.Errorf("start %s: %w", p.Name(), err), r.Stop())
		}
		r.mu.Lock()
		r.started = append(r.started, p)
		r.mu.Unlock()
		r.log.Info("provider started", zap.String("provider", p.Name()), zap.Int("priority", p.Priority()))
	}
	return nil
}

// Stop stops the started providers in reverse order.
func (r *Registry) Stop() error {
	r.mu.Lock()
	started := r.started
	r.started = nil
	r.mu.Unlock()

	var err error
	for i := len(started) - 1; i >= 0; i-- {
		p := started[i]
		err = multierr.Append(err, p.Stop())
		p.RemoveObserver(r)
	}
	return err
}

func (r *Registry) LinkConnected(l link.Link) {
	d, added := r.getOrCreate(l.DeviceID())
	ok, first := d.addLink(l)
	if !ok {
		return
	}
	if added && r.events.Added != nil {
		r.events.Added(d)
	}
	if first && r.events.Reachable != nil {
		r.events.Reachable(d)
	}
}

func (r *Registry) LinkLost(l link.Link) {
	d := r.Device(l.DeviceID())
	if d == nil {
		return
	}
	if ok, last := d.removeLink(l); ok && last {
		r.log.Info("device unreachable", zap.String("device", d.ID()))
		if r.events.Unreachable != nil {
			r.events.Unreachable(d)
		}
	}
}

func (r *Registry) getOrCreate(id string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices.Get(id); ok {
		return d, false
	}
	d := New(id, r.store)
	r.devices.Set(id, d)
	r.log.Info("device added", zap.String("device", id))
	return d, true
}

// Device returns the device with id, or nil.
func (r *Registry) Device(id string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, _ := r.devices.Get(id)
	return d
}

// Devices returns every known device in the order they first appeared.
func (r *Registry) Devices() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Device, 0, r.devices.Len())
	for pair := r.devices.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Forget drops an unreachable device and its record. Reachable devices are kept.
func (r *Registry) Forget(id string) bool {
	r.mu.Lock()
	d, ok := r.devices.Get(id)
	if !ok || d.IsReachable() {
		r.mu.Unlock()
		return false
	}
	r.devices.Delete(id)
	r.mu.Unlock()

	if r.store != nil {
		r.store.Forget(id)
	}
	if r.events.Removed != nil {
		r.events.Removed(d)
	}
	return true
}

// Send delivers p to device id over its best working link.
func (r *Registry) Send(ctx context.Context, id string, p *protocol.Package) error {
	d := r.Device(id)
	if d == nil {
		return fmt.Errorf("device %s: %w", id, link.ErrTransportNotReady)
	}
	return d.SendPackage(ctx, p)
}
