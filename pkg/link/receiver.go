package link

import (
	"fmt"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"go.uber.org/zap"

	"devlink/pkg/observability"
	"devlink/pkg/protocol"
)

// Receiver consumes packages arriving on a link. Implementations must be
// comparable (pointer types); the receiver set keys on them.
type Receiver interface {
	ReceivePackage(from Link, p *protocol.Package) error
}

type funcReceiver struct {
	fn func(Link, *protocol.Package) error
}

func (r *funcReceiver) ReceivePackage(from Link, p *protocol.Package) error { return r.fn(from, p) }

// NewReceiver adapts fn. Every call returns a distinct handle; keep it to
// remove the receiver later.
func NewReceiver(fn func(from Link, p *protocol.Package) error) Receiver {
	return &funcReceiver{fn: fn}
}

// Receivers is an insertion-ordered set of receivers. Membership changes are
// safe while a fan-out is running: Deliver iterates a snapshot.
type Receivers struct {
	mu  sync.RWMutex
	set *orderedmap.OrderedMap[Receiver, struct{}]

	provider string
	log      *zap.Logger
}

// NewReceivers returns an empty set. provider labels logs and metrics.
func NewReceivers(provider string) *Receivers {
	return &Receivers{
		set:      orderedmap.New[Receiver, struct{}](),
		provider: provider,
		log:      zap.L().Named("link").With(zap.String("provider", provider)),
	}
}

// Add inserts r. Adding a member again is a no-op and returns false.
func (rs *Receivers) Add(r Receiver) bool {
	if r == nil {
		return false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.set.Get(r); ok {
		return false
	}
	rs.set.Set(r, struct{}{})
	return true
}

// Remove deletes r. Removing a non-member is a no-op and returns false.
func (rs *Receivers) Remove(r Receiver) bool {
	if r == nil {
		return false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	_, ok := rs.set.Delete(r)
	return ok
}

func (rs *Receivers) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.set.Len()
}

// Snapshot returns the members in insertion order.
func (rs *Receivers) Snapshot() []Receiver {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]Receiver, 0, rs.set.Len())
	for pair := rs.set.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// Deliver hands p to every member once, in insertion order. A receiver that
// fails or panics is logged and skipped; the rest still run. It returns the
// number of receivers that accepted p.
func (rs *Receivers) Deliver(from Link, p *protocol.Package) int {
	ok := 0
	for _, r := range rs.Snapshot() {
		if err := rs.call(r, from, p); err != nil {
			observability.ReceiverErrors.WithLabelValues(rs.provider).Inc()
			rs.log.Warn("receiver failed", zap.String("type", p.Type()), zap.Int64("id", p.ID()), zap.Error(err))
			continue
		}
		ok++
	}
	return ok
}

func (rs *Receivers) call(r Receiver, from Link, p *protocol.Package) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("receiver panic: %v", v)
		}
	}()
	return r.ReceivePackage(from, p)
}
