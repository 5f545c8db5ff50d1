// Package discovery announces the local device on the LAN and reports the
// devices it hears about. Announcements carry the identity package.
package discovery

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/schollz/peerdiscovery"
	"go.uber.org/zap"

	"devlink/pkg/handshake"
	"devlink/pkg/protocol"
)

// Announcement is a device heard on the network.
type Announcement struct {
	Info handshake.Info
	// Address is the sender's IP address, without port.
	Address string
}

// Options tune the beacon. Zero values fall back to the defaults below.
type Options struct {
	Port             string
	MulticastAddress string
	Interval         time.Duration
	// SeenTTL suppresses repeated announcements of the same device.
	SeenTTL time.Duration
}

const (
	DefaultPort             = "1716"
	DefaultMulticastAddress = "239.255.255.250"
	DefaultInterval         = 2 * time.Second
	DefaultSeenTTL          = 30 * time.Second
)

// Beacon broadcasts the local identity and listens for others.
type Beacon struct {
	self       handshake.Info
	payload    []byte
	opts       Options
	onAnnounce func(Announcement)
	seen       *ttlcache.Cache[string, string]

	started  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	log      *zap.Logger
}

// NewBeacon prepares a beacon for self. onAnnounce runs on the discovery
// goroutine and should return quickly.
func NewBeacon(self handshake.Info, opts Options, onAnnounce func(Announcement)) (*Beacon, error) {
	payload, err := self.Package().Serialize(protocol.FormatCBOR)
	if err != nil {
		return nil, err
	}
	if opts.Port == "" {
		opts.Port = DefaultPort
	}
	if opts.MulticastAddress == "" {
		opts.MulticastAddress = DefaultMulticastAddress
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.SeenTTL <= 0 {
		opts.SeenTTL = DefaultSeenTTL
	}
	return &Beacon{
		self:       self,
		payload:    payload,
		opts:       opts,
		onAnnounce: onAnnounce,
		seen:       ttlcache.New[string, string](ttlcache.WithTTL[string, string](opts.SeenTTL)),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		log:        zap.L().Named("discovery"),
	}, nil
}

// Start begins broadcasting and listening in the background.
func (b *Beacon) Start() {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	go b.seen.Start()
	go b.run()
}

func (b *Beacon) run() {
	defer close(b.done)
	settings := peerdiscovery.Settings{
		Limit:            -1,
		Port:             b.opts.Port,
		MulticastAddress: b.opts.MulticastAddress,
		Payload:          b.payload,
		Delay:            b.opts.Interval,
		TimeLimit:        -1,
		StopChan:         b.stop,
		Notify:           b.handle,
	}
	b.log.Info("discovery started", zap.String("port", b.opts.Port), zap.String("device", b.self.DeviceID))
	if _, err := peerdiscovery.Discover(settings); err != nil {
		b.log.Warn("discovery stopped", zap.Error(err))
	}
}

// Stop ends discovery and waits for the background goroutine.
func (b *Beacon) Stop() error {
	if !b.started.Load() {
		return nil
	}
	b.stopOnce.Do(func() {
		close(b.stop)
		b.seen.Stop()
	})
	select {
	case <-b.done:
	case <-time.After(2 * b.opts.Interval):
		b.log.Warn("discovery did not stop in time")
	}
	return nil
}

func (b *Beacon) handle(d peerdiscovery.Discovered) {
	p, err := protocol.Deserialize(d.Payload)
	if err != nil {
		b.log.Debug("ignoring undecodable beacon", zap.String("raddr", d.Address), zap.Error(err))
		return
	}
	info, err := handshake.Parse(p)
	if err != nil {
		b.log.Debug("ignoring beacon", zap.String("raddr", d.Address), zap.Error(err))
		return
	}
	if info.DeviceID == b.self.DeviceID || b.seen.Has(info.DeviceID) {
		return
	}
	b.seen.Set(info.DeviceID, d.Address, ttlcache.DefaultTTL)
	b.log.Debug("device announced", zap.String("device", info.DeviceID), zap.String("raddr", d.Address))
	if b.onAnnounce != nil {
		b.onAnnounce(Announcement{Info: info, Address: d.Address})
	}
}

// Forget lets the next announcement of deviceID through, e.g. after its link was lost.
func (b *Beacon) Forget(deviceID string) { b.seen.Delete(deviceID) }
