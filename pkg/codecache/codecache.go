// Package codecache owns the executable arena fragments live in, the
// fragment index, the incoming-edge multimap that drives linking, and
// the indirect-branch hash table (spec §4.3). Storage is a bump
// allocator over a single mmap'd arena, matching the fixed-size
// contiguous region the teacher's sentry memory file reserves up
// front rather than growing piecemeal.
package codecache

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"github.com/vmtrace/vmtrace/pkg/encode"
	"github.com/vmtrace/vmtrace/pkg/fragment"
	"github.com/vmtrace/vmtrace/pkg/hostarch"
	"github.com/vmtrace/vmtrace/pkg/vmerr"
	"github.com/vmtrace/vmtrace/pkg/vtlog"
)

// fragByStart indexes fragments for the btree by their start application
// PC (the fragment index of spec §3).
type fragByStart struct {
	pc   hostarch.Addr
	frag *fragment.Fragment
}

func (f *fragByStart) Less(other btree.Item) bool {
	return f.pc < other.(*fragByStart).pc
}

// indirectSlot is one open-addressed entry in the indirect-branch hash
// table.
type indirectSlot struct {
	appPC     hostarch.Addr
	cachePC   hostarch.Addr
	occupied  bool
	tombstone bool
}

// Cache is the singleton per-address-space code cache.
type Cache struct {
	mu sync.RWMutex

	arena      []byte
	arenaBase  hostarch.Addr
	writable   bool
	bumpOffset int

	evictionThreshold int // percent

	index    *btree.BTree // application PC -> *fragment.Fragment
	incoming map[hostarch.Addr][]*fragment.ExitStub

	indirect []indirectSlot
}

// New reserves an arena of arenaBytes via an anonymous mmap and returns
// a Cache ready to hold fragments. The arena starts execute-only per
// spec §4.3's W-xor-X discipline; BeginWrite/EndWrite toggle it.
func New(arenaBytes uint64, indirectSlots int, evictionThresholdPercent int) (*Cache, error) {
	mem, err := unix.Mmap(-1, 0, int(arenaBytes), unix.PROT_READ|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, vmerr.Fatal(vmerr.KindOutOfCacheMemory, "codecache.New", fmt.Errorf("mmap arena: %w", err))
	}
	if indirectSlots <= 0 {
		indirectSlots = 1 << 16
	}
	if evictionThresholdPercent <= 0 || evictionThresholdPercent > 100 {
		evictionThresholdPercent = 90
	}
	return &Cache{
		arena:             mem,
		arenaBase:         hostarch.Addr(uintptr(firstByte(mem))),
		index:             btree.New(32),
		incoming:          make(map[hostarch.Addr][]*fragment.ExitStub),
		indirect:          make([]indirectSlot, indirectSlots),
		evictionThreshold: evictionThresholdPercent,
	}, nil
}

func firstByte(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// Close unmaps the arena.
func (c *Cache) Close() error {
	if c.arena == nil {
		return nil
	}
	err := unix.Munmap(c.arena)
	c.arena = nil
	return err
}

// Utilization returns the arena's current fill percentage, the signal
// the eviction policy of spec §4.3 triggers on.
func (c *Cache) Utilization() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.arena) == 0 {
		return 0
	}
	return (c.bumpOffset * 100) / len(c.arena)
}

// NeedsEviction reports whether utilisation has crossed the configured
// threshold.
func (c *Cache) NeedsEviction() bool {
	return c.Utilization() >= c.evictionThreshold
}

// BeginWrite makes the arena writable (and non-executable), per the
// W-xor-X discipline: the cache-writer lock must be held by the caller
// for the duration between BeginWrite and EndWrite.
func (c *Cache) BeginWrite() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.beginWriteLocked()
}

// EndWrite restores the arena to execute-only.
func (c *Cache) EndWrite() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endWriteLocked()
}

// beginWriteLocked/endWriteLocked are BeginWrite/EndWrite's bodies,
// factored out so linkStubLocked can open its own write window when
// called outside one (from RegisterStub's immediate-link path) without
// recursively taking c.mu.
func (c *Cache) beginWriteLocked() error {
	if c.writable {
		return nil
	}
	err := unix.Mprotect(c.arena, unix.PROT_READ|unix.PROT_WRITE)
	if err == nil {
		c.writable = true
	}
	return err
}

func (c *Cache) endWriteLocked() error {
	if !c.writable {
		return nil
	}
	err := unix.Mprotect(c.arena, unix.PROT_READ|unix.PROT_EXEC)
	if err == nil {
		c.writable = false
	}
	return err
}

// Insert places frag's emitted bytes into the arena, relocates its
// PC-relative fields to the final address, adds it to the fragment
// index, and links every already-present exit stub that targets its
// start PC (spec §4.3 "Linking"). The caller must have called
// BeginWrite first.
func (c *Cache) Insert(frag *fragment.Fragment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.writable {
		return vmerr.Fatal(vmerr.KindEncode, "codecache.Insert", fmt.Errorf("arena is not in a write window"))
	}
	need := len(frag.Emitted)
	if c.bumpOffset+need > len(c.arena) {
		return vmerr.New(vmerr.KindOutOfCacheMemory, "codecache.Insert", fmt.Errorf("arena exhausted: need %d, have %d", need, len(c.arena)-c.bumpOffset))
	}
	base := c.arenaBase + hostarch.Addr(c.bumpOffset)
	copy(c.arena[c.bumpOffset:], frag.Emitted)
	c.bumpOffset += need
	frag.Relocate(base)

	c.index.ReplaceOrInsert(&fragByStart{pc: frag.StartPC, frag: frag})
	vtlog.Debugf("codecache: inserted fragment %#x at cache base %#x (%d bytes)", uintptr(frag.StartPC), uintptr(base), need)

	for _, pendingStub := range c.incoming[frag.StartPC] {
		c.linkStubLocked(pendingStub, frag)
	}
	return nil
}

// Lookup returns the live fragment whose start PC is appPC, if any.
func (c *Cache) Lookup(appPC hostarch.Addr) (*fragment.Fragment, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item := c.index.Get(&fragByStart{pc: appPC})
	if item == nil {
		return nil, false
	}
	return item.(*fragByStart).frag, true
}

// RegisterStub records that stub, emitted inside owner, targets
// stub.TargetPC; if the target fragment already exists it is linked
// immediately, otherwise the stub is added to the incoming-edge
// multimap and remains unlinked until a matching Insert occurs.
func (c *Cache) RegisterStub(stub *fragment.ExitStub) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item := c.index.Get(&fragByStart{pc: stub.TargetPC}); item != nil {
		c.linkStubLocked(stub, item.(*fragByStart).frag)
		return
	}
	c.incoming[stub.TargetPC] = append(c.incoming[stub.TargetPC], stub)
}

// linkStubLocked rewrites stub's emitted JMP rel32 bytes in the arena to
// target directly at target's cache entry, then updates bookkeeping.
// Caller must hold c.mu; a write window is opened here if one isn't
// already active (Insert calls this from inside its own BeginWrite/
// EndWrite window, RegisterStub's immediate-link path does not).
func (c *Cache) linkStubLocked(stub *fragment.ExitStub, target *fragment.Fragment) {
	openedHere := !c.writable
	if openedHere {
		if err := c.beginWriteLocked(); err != nil {
			vtlog.Errorf("codecache: linkStubLocked: mprotect writable: %v", err)
			return
		}
	}

	off := int(stub.CachePC - c.arenaBase)
	if off < 0 || off+encode.JMPRel32Len > len(c.arena) {
		vtlog.Errorf("codecache: linkStubLocked: stub CachePC %#x out of arena bounds", uintptr(stub.CachePC))
	} else if _, err := encode.EncodeJMPRel32(c.arena[off:], stub.CachePC, target.CacheBase); err != nil {
		vtlog.Errorf("codecache: linkStubLocked: patch stub at %#x: %v", uintptr(stub.CachePC), err)
	}

	if openedHere {
		if err := c.endWriteLocked(); err != nil {
			vtlog.Errorf("codecache: linkStubLocked: mprotect exec-only: %v", err)
		}
	}

	stub.State = fragment.Linked
	stub.LinkedTo = target.CacheBase
	target.Incoming[stub.Owner] = true
	vtlog.Debugf("codecache: linked stub at %#x -> fragment %#x", uintptr(stub.CachePC), uintptr(target.StartPC))
}

// Remove evicts frag: unlinks its own outgoing stubs back to the
// dispatcher, unlinks every stub (anywhere in the cache) that points
// into it, and removes it from both the fragment index and the
// incoming-edge multimap. Per spec §4.3's flush protocol, freeing the
// underlying storage is deferred to the caller until a synch-all
// confirms no thread's PC lies inside frag.
func (c *Cache) Remove(frag *fragment.Fragment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index.Delete(&fragByStart{pc: frag.StartPC})

	// Unlink frag's own outgoing stubs.
	for _, s := range frag.Stubs {
		s.State = fragment.Unlinked
	}

	// Unlink every stub anywhere in the cache that points into frag: for
	// each recorded owner, find that owner's fragment and its stub
	// targeting frag.StartPC.
	for owner := range frag.Incoming {
		if ownerItem := c.index.Get(&fragByStart{pc: owner}); ownerItem != nil {
			ownerFrag := ownerItem.(*fragByStart).frag
			for _, s := range ownerFrag.Stubs {
				if s.State == fragment.Linked && s.TargetPC == frag.StartPC {
					s.State = fragment.Unlinked
				}
			}
		}
	}
	delete(c.incoming, frag.StartPC)
}

// IndirectLookup resolves appPC via the indirect-branch hash table
// (spec §4.3), with open addressing and a tombstone convention so
// deletions don't break probe chains. Safe to call with no locks, as
// required for the reader path emitted into stub code.
func (c *Cache) IndirectLookup(appPC hostarch.Addr) (hostarch.Addr, bool) {
	n := len(c.indirect)
	if n == 0 {
		return 0, false
	}
	h := indirectHash(appPC) % uint64(n)
	for i := 0; i < n; i++ {
		slot := &c.indirect[(h+uint64(i))%uint64(n)]
		if !slot.occupied && !slot.tombstone {
			return 0, false
		}
		if slot.occupied && slot.appPC == appPC {
			return slot.cachePC, true
		}
	}
	return 0, false
}

// IndirectInsert adds or updates the indirect-branch table entry for
// appPC. Must be called under the cache-writer lock.
func (c *Cache) IndirectInsert(appPC, cachePC hostarch.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.indirect)
	h := indirectHash(appPC) % uint64(n)
	firstTombstone := -1
	for i := 0; i < n; i++ {
		idx := (h + uint64(i)) % uint64(n)
		slot := &c.indirect[idx]
		if slot.occupied && slot.appPC == appPC {
			slot.cachePC = cachePC
			return nil
		}
		if slot.tombstone && firstTombstone < 0 {
			firstTombstone = int(idx)
		}
		if !slot.occupied && !slot.tombstone {
			target := idx
			if firstTombstone >= 0 {
				target = uint64ToIdx(firstTombstone)
			}
			c.indirect[target] = indirectSlot{appPC: appPC, cachePC: cachePC, occupied: true}
			return nil
		}
	}
	return vmerr.New(vmerr.KindOutOfCacheMemory, "codecache.IndirectInsert", fmt.Errorf("indirect-branch table full"))
}

func uint64ToIdx(i int) uint64 { return uint64(i) }

// IndirectRemove tombstones the entry for appPC, if present.
func (c *Cache) IndirectRemove(appPC hostarch.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.indirect)
	if n == 0 {
		return
	}
	h := indirectHash(appPC) % uint64(n)
	for i := 0; i < n; i++ {
		slot := &c.indirect[(h+uint64(i))%uint64(n)]
		if !slot.occupied && !slot.tombstone {
			return
		}
		if slot.occupied && slot.appPC == appPC {
			*slot = indirectSlot{tombstone: true}
			return
		}
	}
}

func indirectHash(a hostarch.Addr) uint64 {
	v := uint64(a)
	// A cheap avalanche mix (splitmix64's finaliser); application PCs are
	// page-aligned-ish and clustered, so a plain modulo would cluster
	// badly without this.
	v ^= v >> 30
	v *= 0xbf58476d1ce4e5b9
	v ^= v >> 27
	v *= 0x94d049bb133111eb
	v ^= v >> 31
	return v
}

// Reset flushes the entire cache: every fragment, every stub link, and
// every indirect-branch entry. Used for the whole-cache eviction policy
// of spec §4.3 and for detach.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index = btree.New(32)
	c.incoming = make(map[hostarch.Addr][]*fragment.ExitStub)
	for i := range c.indirect {
		c.indirect[i] = indirectSlot{}
	}
	c.bumpOffset = 0
	vtlog.Infof("codecache: full reset")
}
