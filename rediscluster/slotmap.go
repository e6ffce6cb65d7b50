package rediscluster

import (
	"sync/atomic"

	"github.com/qiyu-zhao/redroute/redis"
)

// SlotRange assigns a contiguous run of slots to its owning master.
type SlotRange struct {
	From, To int
	Master   redis.NodeEndpoint
}

// SlotMap maps every hash slot to the endpoint owning it. The mapping is an
// immutable snapshot behind an atomic pointer: readers never block and never
// observe a half-updated state; every change installs a fresh snapshot.
type SlotMap struct {
	v atomic.Value // *slotSnapshot
}

type slotSnapshot struct {
	owners [NumSlots]redis.NodeEndpoint
	ready  bool
}

// NewSlotMap returns an empty, unpopulated map.
func NewSlotMap() *SlotMap {
	m := &SlotMap{}
	m.v.Store(&slotSnapshot{})
	return m
}

func (m *SlotMap) snapshot() *slotSnapshot {
	return m.v.Load().(*slotSnapshot)
}

// Populated reports whether a topology snapshot was ever installed.
func (m *SlotMap) Populated() bool {
	return m.snapshot().ready
}

// OwnerOf resolves the endpoint owning slot. Before the first Refresh it
// fails with ErrTopologyUnknown.
func (m *SlotMap) OwnerOf(slot uint16) (redis.NodeEndpoint, error) {
	snap := m.snapshot()
	if !snap.ready || snap.owners[slot].Empty() {
		return redis.NodeEndpoint{}, redis.ErrTopologyUnknown.New("no owner known").
			WithProperty(redis.EKSlot, slot)
	}
	return snap.owners[slot], nil
}

// Refresh atomically replaces the whole mapping with the given ranges.
func (m *SlotMap) Refresh(ranges []SlotRange) {
	snap := &slotSnapshot{ready: true}
	for _, r := range ranges {
		for slot := r.From; slot <= r.To && slot < NumSlots; slot++ {
			snap.owners[slot] = r.Master
		}
	}
	m.v.Store(snap)
}

// SetOwner installs a single-slot ownership change (MOVED redirect), leaving
// every other slot untouched. Lost races are harmless: the change will be
// retried on the next MOVED reply or fixed by the next full refresh.
func (m *SlotMap) SetOwner(slot uint16, owner redis.NodeEndpoint) {
	old := m.snapshot()
	if !old.ready || old.owners[slot] == owner {
		return
	}
	snap := &slotSnapshot{owners: old.owners, ready: true}
	snap.owners[slot] = owner
	m.v.Store(snap)
}

// Endpoints returns the distinct owners of the current snapshot.
func (m *SlotMap) Endpoints() []redis.NodeEndpoint {
	snap := m.snapshot()
	if !snap.ready {
		return nil
	}
	seen := make(map[redis.NodeEndpoint]bool)
	var out []redis.NodeEndpoint
	for _, owner := range snap.owners {
		if owner.Empty() || seen[owner] {
			continue
		}
		seen[owner] = true
		out = append(out, owner)
	}
	return out
}
