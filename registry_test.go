package cryptowire

import (
	"net"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestClientRegistry_InsertGetRemove(t *testing.T) {
	r := newClientRegistry(16)

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	if r.contains(0) {
		t.Fatal("empty registry reports contains(0)")
	}

	if err := r.insert(0, clientRecord{conn: c1}); err != nil {
		t.Fatalf("insert(0): %v", err)
	}
	if !r.contains(0) {
		t.Fatal("registry does not contain just-inserted id")
	}
	if err := r.insert(0, clientRecord{conn: c2}); err != errAlreadyPresent {
		t.Fatalf("insert(0) again: got %v, want errAlreadyPresent", err)
	}

	rec, ok := r.get(0)
	if !ok || rec.conn != c1 {
		t.Fatalf("get(0) = %v, %v", rec, ok)
	}

	removed, ok := r.remove(0)
	if !ok || removed.conn != c1 {
		t.Fatalf("remove(0) = %v, %v", removed, ok)
	}
	if r.contains(0) {
		t.Fatal("registry still contains id after remove")
	}
	if _, ok := r.remove(0); ok {
		t.Fatal("remove of already-removed id succeeded")
	}
}

func TestClientRegistry_GrowsAndShrinks(t *testing.T) {
	r := newClientRegistry(256)
	if cap0 := len(r.slots); cap0 != minRegistryCapacity {
		t.Fatalf("initial capacity = %d, want %d", cap0, minRegistryCapacity)
	}

	conns := make([]net.Conn, 0, 40)
	for i := uint64(0); i < 40; i++ {
		c, _ := net.Pipe()
		conns = append(conns, c)
		if err := r.insert(i, clientRecord{conn: c}); err != nil {
			t.Fatalf("insert(%d): %v", i, err)
		}
	}
	if len(r.slots) <= minRegistryCapacity {
		t.Fatalf("registry did not grow past the floor capacity: cap=%d", len(r.slots))
	}
	grownCap := len(r.slots)

	for i := uint64(0); i < 38; i++ {
		if _, ok := r.remove(i); !ok {
			t.Fatalf("remove(%d) failed", i)
		}
	}
	if len(r.slots) >= grownCap {
		t.Fatalf("registry did not shrink after removals: cap=%d, was %d", len(r.slots), grownCap)
	}
	if r.len() != 2 {
		t.Fatalf("registry.len() = %d, want 2", r.len())
	}

	for _, c := range conns {
		c.Close()
	}
}

func TestClientRegistry_NeverShrinksBelowFloor(t *testing.T) {
	r := newClientRegistry(8)
	c, _ := net.Pipe()
	defer c.Close()
	r.insert(0, clientRecord{conn: c})
	r.remove(0)
	if len(r.slots) != minRegistryCapacity {
		t.Fatalf("capacity = %d, want floor %d", len(r.slots), minRegistryCapacity)
	}
}

func TestClientRegistry_Snapshot(t *testing.T) {
	r := newClientRegistry(16)
	conns := make([]net.Conn, 5)
	for i := range conns {
		c, _ := net.Pipe()
		conns[i] = c
		defer c.Close()
		r.insert(uint64(i), clientRecord{conn: c})
	}

	snap := r.snapshot()
	sort.Slice(snap, func(i, j int) bool { return snap[i].id < snap[j].id })

	want := make([]registryEntry, len(conns))
	for i, c := range conns {
		want[i] = registryEntry{id: uint64(i), record: clientRecord{conn: c}}
	}

	opt := cmp.AllowUnexported(registryEntry{}, clientRecord{})
	sameConn := cmp.Comparer(func(a, b net.Conn) bool { return a == b })
	if diff := cmp.Diff(want, snap, opt, sameConn, cmpopts.IgnoreFields(clientRecord{}, "key")); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}

	// Mutating the registry after taking a snapshot must not affect it.
	r.remove(0)
	if len(snap) != 5 {
		t.Fatalf("snapshot length changed after registry mutation: %d", len(snap))
	}
}

func TestClientRegistry_RespectsMaxClientsCeiling(t *testing.T) {
	r := newClientRegistry(4)
	conns := make([]net.Conn, 4)
	for i := range conns {
		c, _ := net.Pipe()
		conns[i] = c
		defer c.Close()
		if err := r.insert(uint64(i), clientRecord{conn: c}); err != nil {
			t.Fatalf("insert(%d): %v", i, err)
		}
	}
	if len(r.slots) > r.maxSlots {
		t.Fatalf("capacity %d exceeds ceiling %d", len(r.slots), r.maxSlots)
	}
}
