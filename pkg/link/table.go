package link

import (
	"sort"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"devlink/pkg/observability"
)

// Table keeps at most one live link per device id for a provider and tells
// observers about changes. A new link for a known device replaces the old
// one: the old link is disconnected and reported lost before the new one is
// stored and reported connected.
type Table struct {
	provider string

	// replaceMu serializes replacements and observer notifications.
	replaceMu sync.Mutex

	mu    sync.RWMutex
	links map[string]Link

	omu       sync.RWMutex
	observers *orderedmap.OrderedMap[Observer, struct{}]

	log *zap.Logger
}

func NewTable(provider string) *Table {
	return &Table{
		provider:  provider,
		links:     make(map[string]Link),
		observers: orderedmap.New[Observer, struct{}](),
		log:       zap.L().Named("link").With(zap.String("provider", provider)),
	}
}

// Put stores l as the link for its device. It returns the link it replaced,
// which has been disconnected already.
func (t *Table) Put(l Link) (replaced Link) {
	id := l.DeviceID()
	t.replaceMu.Lock()
	defer t.replaceMu.Unlock()

	t.mu.Lock()
	old := t.links[id]
	if old == l {
		t.mu.Unlock()
		return nil
	}
	delete(t.links, id)
	t.mu.Unlock()

	if old != nil {
		if err := old.Disconnect(); err != nil {
			t.log.Debug("disconnect replaced link", zap.String("device", id), zap.Error(err))
		}
		t.notifyLost(old)
	}

	t.mu.Lock()
	t.links[id] = l
	n := len(t.links)
	t.mu.Unlock()
	observability.Links.WithLabelValues(t.provider).Set(float64(n))

	t.notifyConnected(l)
	return old
}

// Remove drops l if it is still the current link for its device and reports
// it lost. A link that was already replaced is ignored.
func (t *Table) Remove(l Link) bool {
	id := l.DeviceID()
	t.mu.RLock()
	current := t.links[id] == l
	t.mu.RUnlock()
	if !current {
		return false
	}

	t.replaceMu.Lock()
	defer t.replaceMu.Unlock()
	t.mu.Lock()
	if t.links[id] != l {
		t.mu.Unlock()
		return false
	}
	delete(t.links, id)
	n := len(t.links)
	t.mu.Unlock()
	observability.Links.WithLabelValues(t.provider).Set(float64(n))

	t.notifyLost(l)
	return true
}

// Get returns the live link for deviceID, or nil.
func (t *Table) Get(deviceID string) Link {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.links[deviceID]
}

// All returns the live links ordered by device id.
func (t *Table) All() []Link {
	t.mu.RLock()
	out := make([]Link, 0, len(t.links))
	for _, l := range t.links {
		out = append(out, l)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID() < out[j].DeviceID() })
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.links)
}

// DisconnectAll disconnects every link. Each one is reported lost through
// its provider's normal loss path.
func (t *Table) DisconnectAll() error {
	var err error
	for _, l := range t.All() {
		err = multierr.Append(err, l.Disconnect())
		// links whose Disconnect does not call back into the provider
		t.Remove(l)
	}
	return err
}

func (t *Table) AddObserver(o Observer) bool {
	if o == nil {
		return false
	}
	t.omu.Lock()
	defer t.omu.Unlock()
	if _, ok := t.observers.Get(o); ok {
		return false
	}
	t.observers.Set(o, struct{}{})
	return true
}

func (t *Table) RemoveObserver(o Observer) bool {
	t.omu.Lock()
	defer t.omu.Unlock()
	_, ok := t.observers.Delete(o)
	return ok
}

func (t *Table) snapshotObservers() []Observer {
	t.omu.RLock()
	defer t.omu.RUnlock()
	out := make([]Observer, 0, t.observers.Len())
	for pair := t.observers.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

func (t *Table) notifyConnected(l Link) {
	t.log.Info("link connected", zap.String("device", l.DeviceID()), zap.Stringer("kind", l.Kind()))
	for _, o := range t.snapshotObservers() {
		o.LinkConnected(l)
	}
}

func (t *Table) notifyLost(l Link) {
	t.log.Info("link lost", zap.String("device", l.DeviceID()), zap.Stringer("kind", l.Kind()))
	for _, o := range t.snapshotObservers() {
		o.LinkLost(l)
	}
}
