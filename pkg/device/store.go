package device

import (
	"sort"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"devlink/pkg/handshake"
	"devlink/pkg/link"
)

// DefaultForgetAfter is how long an unreachable device's record is kept.
const DefaultForgetAfter = 24 * time.Hour

// Record is what is known about a device, reachable or not.
type Record struct {
	ID        string
	Name      string
	Type      string
	PublicKey []byte
	// Providers names the providers with a live link, highest priority first.
	Providers   []string
	Reachable   bool
	FirstSeen   time.Time
	LastSeen    time.Time
	PackagesIn  uint64
	PackagesOut uint64
}

// Store keeps device records in memory. Records of reachable devices never
// expire; a device that loses its last link is forgotten after forgetAfter.
type Store struct {
	mu          sync.Mutex
	cache       *ttlcache.Cache[string, Record]
	forgetAfter time.Duration
}

func NewStore(forgetAfter time.Duration) *Store {
	if forgetAfter <= 0 {
		forgetAfter = DefaultForgetAfter
	}
	c := ttlcache.New[string, Record](ttlcache.WithDisableTouchOnHit[string, Record]())
	go c.Start()
	return &Store{cache: c, forgetAfter: forgetAfter}
}

// Close stops the expiry loop.
func (s *Store) Close() { s.cache.Stop() }

func (s *Store) Get(id string) (Record, bool) {
	it := s.cache.Get(id)
	if it == nil {
		return Record{}, false
	}
	return it.Value(), true
}

// List returns all records ordered by device id.
func (s *Store) List() []Record {
	var out []Record
	for _, it := range s.cache.Items() {
		if !it.IsExpired() {
			out = append(out, it.Value())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) update(id string, fn func(*Record) time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rec Record
	if it := s.cache.Get(id); it != nil {
		rec = it.Value()
	} else {
		rec = Record{ID: id, FirstSeen: time.Now()}
	}
	ttl := fn(&rec)
	s.cache.Set(id, rec, ttl)
}

// linkUp records that d gained l.
func (s *Store) linkUp(d *Device, l link.Link) {
	s.update(d.ID(), func(rec *Record) time.Duration {
		if ip, ok := l.(interface{ Info() handshake.Info }); ok {
			info := ip.Info()
			rec.Name, rec.Type = info.Name, info.Type
			if len(info.PublicKey) > 0 {
				rec.PublicKey = append([]byte(nil), info.PublicKey...)
			}
		}
		rec.Providers = d.providerNames()
		rec.Reachable = true
		rec.LastSeen = time.Now()
		return ttlcache.NoTTL
	})
	zap.L().Debug("device record updated", zap.String("device", d.ID()), zap.Strings("providers", d.providerNames()))
}

func (s *Store) linkDown(d *Device) {
	s.update(d.ID(), func(rec *Record) time.Duration {
		rec.Providers = d.providerNames()
		rec.Reachable = len(rec.Providers) > 0
		rec.LastSeen = time.Now()
		if rec.Reachable {
			return ttlcache.NoTTL
		}
		return s.forgetAfter
	})
}

func (s *Store) countIn(id string) {
	s.update(id, func(rec *Record) time.Duration {
		rec.PackagesIn++
		rec.LastSeen = time.Now()
		return s.ttlFor(rec)
	})
}

func (s *Store) countOut(id string) {
	s.update(id, func(rec *Record) time.Duration {
		rec.PackagesOut++
		return s.ttlFor(rec)
	})
}

func (s *Store) ttlFor(rec *Record) time.Duration {
	if rec.Reachable {
		return ttlcache.NoTTL
	}
	return s.forgetAfter
}

// Forget drops the record for id.
func (s *Store) Forget(id string) { s.cache.Delete(id) }
