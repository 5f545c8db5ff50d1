// Package protocol models devlink packages: typed, versioned key/value
// messages exchanged between linked devices, and their wire framing.
package protocol

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// Package is the unit of communication between devices: a type tag, an id and
// a key/value body, plus an optional out-of-band payload.
//
// A package is built by one owner, then frozen when it is serialized. Packages
// handed to receivers are always frozen; use Clone to derive a mutable copy.
type Package struct {
	id      int64
	typ     string
	body    map[string]any
	payload *Payload
	frozen  atomic.Bool
}

var lastID atomic.Int64

// nextID returns a millisecond timestamp that is strictly increasing within the process.
func nextID() int64 {
	for {
		last := lastID.Load()
		id := time.Now().UnixMilli()
		if id <= last {
			id = last + 1
		}
		if lastID.CompareAndSwap(last, id) {
			return id
		}
	}
}

// New returns an empty package of the given type. It panics if typ is empty.
func New(typ string) *Package {
	if strings.TrimSpace(typ) == "" {
		panic("protocol: package type must not be empty")
	}
	return &Package{id: nextID(), typ: typ, body: make(map[string]any)}
}

// With sets key to value and returns p. It panics when Set fails and is meant
// for building packages from literals.
func (p *Package) With(key string, value any) *Package {
	if err := p.Set(key, value); err != nil {
		panic(err)
	}
	return p
}

func (p *Package) ID() int64    { return p.id }
func (p *Package) Type() string { return p.typ }

// Set stores value under key after normalizing it to a canonical kind.
func (p *Package) Set(key string, value any) error {
	if p.frozen.Load() {
		return ErrFrozen
	}
	if key == "" {
		return ErrEmptyKey
	}
	v, err := normalize(value)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	p.body[key] = v
	return nil
}

func (p *Package) Remove(key string) error {
	if p.frozen.Load() {
		return ErrFrozen
	}
	delete(p.body, key)
	return nil
}

// Get returns a copy of the raw value stored under key.
func (p *Package) Get(key string) (any, bool) {
	v, ok := p.body[key]
	if !ok {
		return nil, false
	}
	return cloneValue(v), true
}

func (p *Package) Has(key string) bool {
	_, ok := p.body[key]
	return ok
}

// Keys returns the body keys in sorted order.
func (p *Package) Keys() []string {
	keys := make([]string, 0, len(p.body))
	for k := range p.body {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of body keys.
func (p *Package) Len() int { return len(p.body) }

// Body returns a deep copy of the body.
func (p *Package) Body() map[string]any { return cloneValue(p.body).(map[string]any) }

// Freeze makes the package immutable. Serialize freezes implicitly.
func (p *Package) Freeze()      { p.frozen.Store(true) }
func (p *Package) Frozen() bool { return p.frozen.Load() }

// Clone returns a mutable deep copy with the same id and type. The payload
// descriptor is copied; its reader is shared.
func (p *Package) Clone() *Package {
	c := &Package{id: p.id, typ: p.typ, body: cloneValue(p.body).(map[string]any)}
	if p.payload != nil {
		pl := *p.payload
		if pl.TransferInfo != nil {
			pl.TransferInfo = cloneValue(pl.TransferInfo).(map[string]any)
		}
		c.payload = &pl
	}
	return c
}

// SetPayload attaches an out-of-band byte stream descriptor.
func (p *Package) SetPayload(pl *Payload) error {
	if p.frozen.Load() {
		return ErrFrozen
	}
	if pl != nil && pl.TransferInfo != nil {
		info, err := normalize(pl.TransferInfo)
		if err != nil {
			return fmt.Errorf("transfer info: %w", err)
		}
		pl = pl.WithReader(pl.r)
		pl.TransferInfo = info.(map[string]any)
	}
	p.payload = pl
	return nil
}

func (p *Package) Payload() *Payload { return p.payload }
func (p *Package) HasPayload() bool  { return p.payload != nil }

// Equal compares type, id, body and payload metadata field for field.
func (p *Package) Equal(o *Package) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.typ != o.typ || p.id != o.id || !reflect.DeepEqual(p.body, o.body) {
		return false
	}
	if (p.payload == nil) != (o.payload == nil) {
		return false
	}
	if p.payload == nil {
		return true
	}
	if p.payload.Size != o.payload.Size {
		return false
	}
	if len(p.payload.TransferInfo) == 0 && len(o.payload.TransferInfo) == 0 {
		return true
	}
	return reflect.DeepEqual(p.payload.TransferInfo, o.payload.TransferInfo)
}

func (p *Package) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s#%d{", p.typ, p.id)
	b.WriteString(strings.Join(p.Keys(), ","))
	b.WriteString("}")
	if p.payload != nil {
		fmt.Fprintf(&b, "+payload(%d)", p.payload.Size)
	}
	return b.String()
}
