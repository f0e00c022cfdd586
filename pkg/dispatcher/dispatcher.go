// Package dispatcher implements the per-thread state machine every
// control-flow transition that cannot stay inside the cache funnels
// through (spec §4.4): cold misses, indirect-branch misses, syscalls,
// signal returns, and thread starts. It is the coordinator that ties
// together pkg/fragment (build) and pkg/codecache (index/link) the way
// the teacher's subprocess loop ties together thread, signal, and
// syscall handling.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/vmtrace/vmtrace/pkg/codecache"
	"github.com/vmtrace/vmtrace/pkg/fragment"
	"github.com/vmtrace/vmtrace/pkg/hostarch"
	"github.com/vmtrace/vmtrace/pkg/vmerr"
	"github.com/vmtrace/vmtrace/pkg/vtlog"
)

// State is one of the per-thread dispatcher states of spec §4.4.
type State int

// States.
const (
	InCache State = iota
	InDispatcher
	InBuilder
	InSyscall
)

func (s State) String() string {
	switch s {
	case InCache:
		return "IN_CACHE"
	case InDispatcher:
		return "IN_DISPATCHER"
	case InBuilder:
		return "IN_BUILDER"
	case InSyscall:
		return "IN_SYSCALL"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Dispatcher coordinates the code cache and fragment builder for one
// address space. One Dispatcher is shared by every thread in the
// process; per-thread state lives in ThreadState.
type Dispatcher struct {
	cache   *codecache.Cache
	builder *fragment.Builder

	// buildLocks serialises concurrent builds of the same start PC
	// (spec §4.4's "serialised through the builder for that PC"), using
	// one counting semaphore of weight 1 per PC, created lazily.
	buildMu    sync.Mutex
	buildLocks map[hostarch.Addr]*semaphore.Weighted
}

// New returns a Dispatcher over the given cache and builder.
func New(cache *codecache.Cache, builder *fragment.Builder) *Dispatcher {
	return &Dispatcher{
		cache:      cache,
		builder:    builder,
		buildLocks: make(map[hostarch.Addr]*semaphore.Weighted),
	}
}

// ThreadState is one thread's current dispatcher state.
type ThreadState struct {
	mu    sync.Mutex
	State State
	// ApplicationPC is valid whenever State != InCache: it is the PC the
	// thread would resume at if interrupted right now. While InCache, the
	// PC must be recovered via the current fragment's translation table
	// instead (spec §4.7's suspension-point rule).
	ApplicationPC hostarch.Addr
	CurrentFrag   *fragment.Fragment
}

// Snapshot returns a copy of the thread's state under lock, for readers
// (the signal mediator, synch-all) that must not race a concurrent
// transition.
func (t *ThreadState) Snapshot() (State, hostarch.Addr, *fragment.Fragment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State, t.ApplicationPC, t.CurrentFrag
}

func (t *ThreadState) set(s State, pc hostarch.Addr, frag *fragment.Fragment) {
	t.mu.Lock()
	t.State = s
	t.ApplicationPC = pc
	t.CurrentFrag = frag
	t.mu.Unlock()
}

// Enter is the dispatcher's main entry point: given the application PC
// a thread should resume at, it returns the cache address to jump to.
// This implements the IN_DISPATCHER state's lookup/hit/miss logic of
// spec §4.4.
func (d *Dispatcher) Enter(ts *ThreadState, appPC hostarch.Addr) (hostarch.Addr, error) {
	ts.set(InDispatcher, appPC, nil)

	if frag, ok := d.cache.Lookup(appPC); ok {
		ts.set(InCache, appPC, frag)
		return frag.CacheBase, nil
	}

	ts.set(InBuilder, appPC, nil)
	frag, err := d.buildSerialized(appPC)
	if err != nil {
		return 0, err
	}
	ts.set(InCache, appPC, frag)
	return frag.CacheBase, nil
}

// buildSerialized builds (or waits for a concurrent build of) the
// fragment starting at appPC, then inserts and links it. Only one
// goroutine per appPC actually runs the builder; the rest block on the
// semaphore and then observe the hit on retry, per spec §4.4's
// "loser observes the hit on retry" tie-break.
func (d *Dispatcher) buildSerialized(appPC hostarch.Addr) (*fragment.Fragment, error) {
	lock := d.lockFor(appPC)
	if err := lock.Acquire(context.Background(), 1); err != nil {
		return nil, vmerr.New(vmerr.KindTranslation, "dispatcher.buildSerialized", err)
	}
	defer lock.Release(1)
	defer d.dropLock(appPC, lock)

	// Another goroutine may have finished building while we waited.
	if frag, ok := d.cache.Lookup(appPC); ok {
		return frag, nil
	}

	frag, err := d.builder.Build(appPC)
	if err != nil {
		return nil, err
	}

	if err := d.cache.BeginWrite(); err != nil {
		return nil, vmerr.Fatal(vmerr.KindOutOfCacheMemory, "dispatcher.buildSerialized", err)
	}
	insertErr := d.cache.Insert(frag)
	_ = d.cache.EndWrite()
	if insertErr != nil {
		if d.cache.NeedsEviction() {
			d.cache.Reset()
			if err := d.cache.BeginWrite(); err != nil {
				return nil, vmerr.Fatal(vmerr.KindOutOfCacheMemory, "dispatcher.buildSerialized", err)
			}
			insertErr = d.cache.Insert(frag)
			_ = d.cache.EndWrite()
		}
		if insertErr != nil {
			return nil, vmerr.Fatal(vmerr.KindOutOfCacheMemory, "dispatcher.buildSerialized", insertErr)
		}
	}

	for _, stub := range frag.Stubs {
		if stub.Kind == fragment.StubDirect || stub.Kind == fragment.StubConditionalTaken || stub.Kind == fragment.StubConditionalFallThrough {
			d.cache.RegisterStub(stub)
		}
	}
	vtlog.Debugf("dispatcher: built fragment at %#x", uintptr(appPC))
	return frag, nil
}

func (d *Dispatcher) lockFor(appPC hostarch.Addr) *semaphore.Weighted {
	d.buildMu.Lock()
	defer d.buildMu.Unlock()
	l, ok := d.buildLocks[appPC]
	if !ok {
		l = semaphore.NewWeighted(1)
		d.buildLocks[appPC] = l
	}
	return l
}

// dropLock removes appPC's build semaphore once its build has finished,
// so buildLocks does not grow for the life of the process. Any
// goroutine that already holds a reference to lock (acquired via
// lockFor before this runs) is unaffected: the map only gates which
// semaphore object the *next* lockFor call hands out.
func (d *Dispatcher) dropLock(appPC hostarch.Addr, lock *semaphore.Weighted) {
	d.buildMu.Lock()
	defer d.buildMu.Unlock()
	if d.buildLocks[appPC] == lock {
		delete(d.buildLocks, appPC)
	}
}

// EnterSyscall transitions a thread into InSyscall, recording the
// application PC it must resume at once the syscall completes (spec
// §4.4's syscall pre-path).
func (d *Dispatcher) EnterSyscall(ts *ThreadState, resumePC hostarch.Addr) {
	ts.set(InSyscall, resumePC, nil)
}

// LeaveSyscall is the syscall post-path: it translates any interruption
// and re-enters the dispatcher at resumePC.
func (d *Dispatcher) LeaveSyscall(ts *ThreadState, resumePC hostarch.Addr) (hostarch.Addr, error) {
	return d.Enter(ts, resumePC)
}

// ResolveIndirect looks up an indirect-branch target in the code
// cache's hash table. A hit returns the cached entry point directly
// (without transitioning through InDispatcher's fragment-index lookup);
// a miss falls through to a full Enter, per spec §4.2's indirect-stub
// contract.
func (d *Dispatcher) ResolveIndirect(ts *ThreadState, appPC hostarch.Addr) (hostarch.Addr, error) {
	if cachePC, ok := d.cache.IndirectLookup(appPC); ok {
		ts.set(InCache, appPC, nil)
		return cachePC, nil
	}
	target, err := d.Enter(ts, appPC)
	if err != nil {
		return 0, err
	}
	if err := d.cache.BeginWrite(); err == nil {
		_ = d.cache.IndirectInsert(appPC, target)
		_ = d.cache.EndWrite()
	}
	return target, nil
}
