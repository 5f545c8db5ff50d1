// Package device groups the links to one remote device. A device may be
// reachable through several providers at once; sends go out on the best link
// that works and packages from every link reach the device's receivers.
package device

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"devlink/pkg/link"
	"devlink/pkg/protocol"
)

// Device is a remote device and its live links.
type Device struct {
	id string

	mu    sync.RWMutex
	links []link.Link // highest provider priority first

	receivers *link.Receivers
	store     *Store
	log       *zap.Logger
}

// New returns an unreachable device. store may be nil.
func New(id string, store *Store) *Device {
	return &Device{
		id:        id,
		receivers: link.NewReceivers("device"),
		store:     store,
		log:       zap.L().Named("device").With(zap.String("device", id)),
	}
}

func (d *Device) ID() string { return d.id }

// Links returns the live links, highest provider priority first.
func (d *Device) Links() []link.Link {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]link.Link(nil), d.links...)
}

func (d *Device) IsReachable() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.links) > 0
}

// AddLink attaches l. It returns false for a link to another device or one
// already attached.
func (d *Device) AddLink(l link.Link) bool {
	ok, _ := d.addLink(l)
	return ok
}

// addLink also reports whether l is the device's only link.
func (d *Device) addLink(l link.Link) (ok, first bool) {
	if l == nil || l.DeviceID() != d.id {
		return false, false
	}
	d.mu.Lock()
	for _, cur := range d.links {
		if cur == l {
			d.mu.Unlock()
			return false, false
		}
	}
	first = len(d.links) == 0
	d.links = append(d.links, l)
	sort.SliceStable(d.links, func(i, j int) bool {
		return d.links[i].Provider().Priority() > d.links[j].Provider().Priority()
	})
	d.mu.Unlock()

	l.AddReceiver(d)
	if d.store != nil {
		d.store.linkUp(d, l)
	}
	return true, first
}

// RemoveLink detaches l. Removing a link that is not attached returns false.
func (d *Device) RemoveLink(l link.Link) bool {
	ok, _ := d.removeLink(l)
	return ok
}

// removeLink also reports whether l was the device's last link.
func (d *Device) removeLink(l link.Link) (ok, last bool) {
	d.mu.Lock()
	idx := -1
	for i, cur := range d.links {
		if cur == l {
			idx = i
			break
		}
	}
	if idx < 0 {
		d.mu.Unlock()
		return false, false
	}
	d.links = append(d.links[:idx], d.links[idx+1:]...)
	last = len(d.links) == 0
	d.mu.Unlock()

	l.RemoveReceiver(d)
	if d.store != nil {
		d.store.linkDown(d)
	}
	return true, last
}

func (d *Device) AddReceiver(r link.Receiver) bool    { return d.receivers.Add(r) }
func (d *Device) RemoveReceiver(r link.Receiver) bool { return d.receivers.Remove(r) }

// ReceivePackage forwards a package from one of the device's links.
func (d *Device) ReceivePackage(from link.Link, p *protocol.Package) error {
	if d.store != nil {
		d.store.countIn(d.id)
	}
	d.receivers.Deliver(from, p)
	return nil
}

// SendPackage tries each link in priority order and stops at the first that
// accepts p. When all fail the error lists every link's failure.
func (d *Device) SendPackage(ctx context.Context, p *protocol.Package) error {
	return d.send(ctx, p, func(l link.Link) error { return l.SendPackage(ctx, p) })
}

// SendPackageEncrypted is SendPackage with p sealed for the key each link's
// peer announced. Links without a known peer key are skipped.
func (d *Device) SendPackageEncrypted(ctx context.Context, p *protocol.Package) error {
	return d.send(ctx, p, func(l link.Link) error {
		kl, ok := l.(interface{ PeerKey() []byte })
		if !ok || len(kl.PeerKey()) == 0 {
			return link.ErrNoKeys
		}
		return l.SendPackageEncrypted(ctx, p, kl.PeerKey())
	})
}

func (d *Device) send(ctx context.Context, p *protocol.Package, fn func(link.Link) error) error {
	links := d.Links()
	if len(links) == 0 {
		return fmt.Errorf("device %s: %w", d.id, link.ErrTransportNotReady)
	}
	var errs error
	for _, l := range links {
		err := fn(l)
		if err == nil {
			if d.store != nil {
				d.store.countOut(d.id)
			}
			return nil
		}
		d.log.Debug("send failed, trying next link", zap.String("provider", l.Provider().Name()), zap.String("type", p.Type()), zap.Error(err))
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", l.Provider().Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return errs
}

func (d *Device) providerNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.links))
	for _, l := range d.links {
		out = append(out, l.Provider().Name())
	}
	return out
}
