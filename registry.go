package cryptowire

import (
	"errors"
	"net"
	"sync"
)

// minRegistryCapacity is the floor capacity a clientRegistry never
// shrinks below.
const minRegistryCapacity = 8

var errAlreadyPresent = errors.New("cryptowire: client id already present")

// clientRecord is the registry's value type: the live connection plus
// the session key installed for it during the handshake.
type clientRecord struct {
	conn net.Conn
	key  sessionKey
}

type registrySlot struct {
	used      bool
	tombstone bool
	id        uint64
	record    clientRecord
}

// registryEntry is one (id, record) pair returned by snapshot.
type registryEntry struct {
	id     uint64
	record clientRecord
}

// clientRegistry is an open-addressed, linear-probed mapping from
// client id to client record. It grows ×2 when
// the load factor reaches 1.0 and shrinks ÷2 when it falls to 0.25,
// bounded below by minRegistryCapacity and above by maxClients rounded
// up to a power of two. Deletions leave a tombstone so later lookups
// keep probing past them.
type clientRegistry struct {
	mu         sync.RWMutex
	slots      []registrySlot
	count      int // live entries
	tombstones int
	maxSlots   int // ceiling capacity, derived from maxClients
}

func newClientRegistry(maxClients int) *clientRegistry {
	ceiling := nextPowerOfTwo(maxClients)
	if ceiling < minRegistryCapacity {
		ceiling = minRegistryCapacity
	}
	initial := minRegistryCapacity
	if initial > ceiling {
		initial = ceiling
	}
	return &clientRegistry{
		slots:    make([]registrySlot, initial),
		maxSlots: ceiling,
	}
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// probeHash spreads monotonically increasing client IDs across the
// table so sequential IDs don't cluster in adjacent slots.
func probeHash(id uint64) uint64 {
	h := id
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h
}

// len returns the number of live entries.
func (r *clientRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

func (r *clientRegistry) contains(id uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, found := r.find(id)
	return found
}

func (r *clientRegistry) get(id uint64) (clientRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, found := r.find(id)
	if !found {
		return clientRecord{}, false
	}
	return r.slots[idx].record, true
}

// find returns the slot index holding id, if any. Must be called with
// r.mu held (read or write).
func (r *clientRegistry) find(id uint64) (int, bool) {
	n := len(r.slots)
	if n == 0 {
		return 0, false
	}
	start := int(probeHash(id) % uint64(n))
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		slot := &r.slots[idx]
		if !slot.used && !slot.tombstone {
			return 0, false
		}
		if slot.used && slot.id == id {
			return idx, true
		}
	}
	return 0, false
}

// insert adds id -> record, returning errAlreadyPresent if id is
// already in the table. Triggers a resize check afterward.
func (r *clientRegistry) insert(id uint64, record clientRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, found := r.find(id); found {
		return errAlreadyPresent
	}

	r.insertLocked(id, record)
	r.count++
	r.maybeGrowLocked()
	return nil
}

// insertLocked places id/record into the first open or tombstoned slot.
// Must be called with r.mu held for writing.
func (r *clientRegistry) insertLocked(id uint64, record clientRecord) {
	n := len(r.slots)
	start := int(probeHash(id) % uint64(n))
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		slot := &r.slots[idx]
		if !slot.used {
			if slot.tombstone {
				r.tombstones--
			}
			*slot = registrySlot{used: true, id: id, record: record}
			return
		}
	}
	// Unreachable if maybeGrowLocked keeps load factor below 1.0.
	panic("cryptowire: registry insert found no open slot")
}

// remove deletes id from the table, returning its record if present.
// Triggers a resize check afterward.
func (r *clientRegistry) remove(id uint64) (clientRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, found := r.find(id)
	if !found {
		return clientRecord{}, false
	}
	record := r.slots[idx].record
	r.slots[idx] = registrySlot{tombstone: true}
	r.count--
	r.tombstones++
	r.maybeShrinkLocked()
	return record, true
}

// snapshot returns a point-in-time copy of every (id, record) pair, safe
// to iterate without holding the registry's lock.
func (r *clientRegistry) snapshot() []registryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]registryEntry, 0, r.count)
	for _, slot := range r.slots {
		if slot.used {
			out = append(out, registryEntry{id: slot.id, record: slot.record})
		}
	}
	return out
}

func (r *clientRegistry) maybeGrowLocked() {
	n := len(r.slots)
	if n >= r.maxSlots {
		return
	}
	load := float64(r.count+r.tombstones) / float64(n)
	if load >= 1.0 {
		next := n * 2
		if next > r.maxSlots {
			next = r.maxSlots
		}
		r.resizeLocked(next)
	}
}

func (r *clientRegistry) maybeShrinkLocked() {
	n := len(r.slots)
	if n <= minRegistryCapacity {
		return
	}
	load := float64(r.count) / float64(n)
	if load <= 0.25 {
		next := n / 2
		if next < minRegistryCapacity {
			next = minRegistryCapacity
		}
		r.resizeLocked(next)
	}
}

// resizeLocked rebuilds the table at the new capacity, rehashing every
// live entry and discarding tombstones. Must be called with r.mu held.
func (r *clientRegistry) resizeLocked(newCap int) {
	old := r.slots
	r.slots = make([]registrySlot, newCap)
	r.tombstones = 0
	for _, slot := range old {
		if slot.used {
			r.insertLocked(slot.id, slot.record)
		}
	}
}

// close closes every live connection in the registry, used during
// server/client shutdown.
func (r *clientRegistry) close() {
	for _, entry := range r.snapshot() {
		entry.record.conn.Close()
	}
}
