package codecache

import (
	"testing"

	"github.com/vmtrace/vmtrace/pkg/fragment"
	"github.com/vmtrace/vmtrace/pkg/hostarch"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(1<<16, 64, 90)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func insertFragment(t *testing.T, c *Cache, startPC hostarch.Addr, bytes []byte) *fragment.Fragment {
	t.Helper()
	frag := &fragment.Fragment{StartPC: startPC, Emitted: bytes, Incoming: make(map[hostarch.Addr]bool)}
	if err := c.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	if err := c.Insert(frag); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := c.EndWrite(); err != nil {
		t.Fatalf("EndWrite: %v", err)
	}
	return frag
}

func TestInsertAndLookup(t *testing.T) {
	c := newTestCache(t)
	frag := insertFragment(t, c, 0x400000, []byte{0x90, 0x90, 0xC3})

	got, ok := c.Lookup(0x400000)
	if !ok || got != frag {
		t.Fatalf("Lookup = %v, %v, want the inserted fragment", got, ok)
	}
	if frag.CacheBase == 0 {
		t.Error("Insert should have assigned a non-zero CacheBase via Relocate")
	}
	if _, ok := c.Lookup(0x500000); ok {
		t.Fatal("Lookup of an unmapped start PC should miss")
	}
}

func TestInsertWithoutWriteWindowFails(t *testing.T) {
	c := newTestCache(t)
	frag := &fragment.Fragment{StartPC: 0x400000, Emitted: []byte{0x90}, Incoming: make(map[hostarch.Addr]bool)}
	if err := c.Insert(frag); err == nil {
		t.Fatal("Insert outside a BeginWrite/EndWrite window should fail")
	}
}

func TestUtilizationAndNeedsEviction(t *testing.T) {
	c, err := New(100, 8, 50)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	insertFragment(t, c, 0x1000, make([]byte, 60))
	if !c.NeedsEviction() {
		t.Errorf("Utilization() = %d, want >= 50 to trigger eviction", c.Utilization())
	}
}

func TestRegisterStubLinksOnExistingTarget(t *testing.T) {
	c := newTestCache(t)
	target := insertFragment(t, c, 0x400100, []byte{0xC3})

	stub := &fragment.ExitStub{TargetPC: 0x400100, Owner: 0x400000}
	c.RegisterStub(stub)

	if stub.State != fragment.Linked {
		t.Fatal("RegisterStub should link immediately when the target already exists")
	}
	if stub.LinkedTo != target.CacheBase {
		t.Errorf("LinkedTo = %#x, want target's CacheBase %#x", uintptr(stub.LinkedTo), uintptr(target.CacheBase))
	}
	if !target.Incoming[stub.Owner] {
		t.Error("target.Incoming should record the stub's owner")
	}
}

func TestRegisterStubDefersUntilInsert(t *testing.T) {
	c := newTestCache(t)
	stub := &fragment.ExitStub{TargetPC: 0x400200, Owner: 0x400000}
	c.RegisterStub(stub)
	if stub.State == fragment.Linked {
		t.Fatal("a stub targeting a not-yet-built fragment should stay unlinked")
	}

	insertFragment(t, c, 0x400200, []byte{0xC3})
	if stub.State != fragment.Linked {
		t.Fatal("inserting the target fragment should link the pending stub")
	}
}

func TestRemoveUnlinksOutgoingAndIncoming(t *testing.T) {
	c := newTestCache(t)
	target := insertFragment(t, c, 0x400300, []byte{0xC3})
	caller := insertFragment(t, c, 0x400000, []byte{0x90})
	callerStub := &fragment.ExitStub{TargetPC: 0x400300, Owner: caller.StartPC, State: fragment.Unlinked}
	caller.Stubs = append(caller.Stubs, callerStub)
	c.RegisterStub(callerStub)
	if callerStub.State != fragment.Linked {
		t.Fatal("setup: stub should have linked to the already-present target")
	}

	c.Remove(target)

	if _, ok := c.Lookup(0x400300); ok {
		t.Error("Lookup should miss after Remove")
	}
	if callerStub.State != fragment.Unlinked {
		t.Error("Remove should unlink every stub pointing into the removed fragment")
	}
}

func TestIndirectInsertLookupRemove(t *testing.T) {
	c := newTestCache(t)
	if err := c.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	if err := c.IndirectInsert(0x1000, 0x2000); err != nil {
		t.Fatalf("IndirectInsert: %v", err)
	}
	if err := c.EndWrite(); err != nil {
		t.Fatalf("EndWrite: %v", err)
	}

	cachePC, ok := c.IndirectLookup(0x1000)
	if !ok || cachePC != 0x2000 {
		t.Fatalf("IndirectLookup = %#x, %v, want 0x2000, true", uintptr(cachePC), ok)
	}
	if _, ok := c.IndirectLookup(0x9999); ok {
		t.Fatal("IndirectLookup of a never-inserted key should miss")
	}

	c.IndirectRemove(0x1000)
	if _, ok := c.IndirectLookup(0x1000); ok {
		t.Fatal("IndirectLookup should miss after IndirectRemove")
	}
}

func TestIndirectInsertUpdatesExisting(t *testing.T) {
	c := newTestCache(t)
	if err := c.IndirectInsert(0x1000, 0x2000); err != nil {
		t.Fatalf("IndirectInsert: %v", err)
	}
	if err := c.IndirectInsert(0x1000, 0x3000); err != nil {
		t.Fatalf("IndirectInsert (update): %v", err)
	}
	cachePC, ok := c.IndirectLookup(0x1000)
	if !ok || cachePC != 0x3000 {
		t.Fatalf("IndirectLookup after update = %#x, %v, want 0x3000, true", uintptr(cachePC), ok)
	}
}

func TestResetClearsEverything(t *testing.T) {
	c := newTestCache(t)
	insertFragment(t, c, 0x400000, []byte{0xC3})
	if err := c.IndirectInsert(0x1000, 0x2000); err != nil {
		t.Fatalf("IndirectInsert: %v", err)
	}

	c.Reset()

	if _, ok := c.Lookup(0x400000); ok {
		t.Error("Lookup should miss after Reset")
	}
	if _, ok := c.IndirectLookup(0x1000); ok {
		t.Error("IndirectLookup should miss after Reset")
	}
	if c.Utilization() != 0 {
		t.Errorf("Utilization() after Reset = %d, want 0", c.Utilization())
	}
}
