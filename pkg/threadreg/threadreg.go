// Package threadreg is the thread registry (spec §4.7): it owns every
// runtime thread record and provides synch-all, the operation that
// suspends every other thread, translates each one's suspended PC to
// application space, performs a global mutation, and resumes them. It
// generalises the teacher's subprocess pool — one goroutine-safe
// registry instead of one pool per sandboxed guest — using
// golang.org/x/sync/errgroup to fan the per-thread suspend/resume calls
// out and collect the first error, the way the rest of the pack uses
// errgroup for bounded parallel OS operations.
package threadreg

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/vmtrace/vmtrace/pkg/atomicbitops"
	"github.com/vmtrace/vmtrace/pkg/ctxswitch"
	"github.com/vmtrace/vmtrace/pkg/dispatcher"
	"github.com/vmtrace/vmtrace/pkg/fragment"
	"github.com/vmtrace/vmtrace/pkg/hostarch"
	"github.com/vmtrace/vmtrace/pkg/pool"
	"github.com/vmtrace/vmtrace/pkg/vmerr"
	"github.com/vmtrace/vmtrace/pkg/vtlog"
)

// maxTrackedThreads bounds the dense slot space handed out to threads as
// they attach; it is far above any realistic thread count and exists
// only so the slot pool has a fixed upper limit, the way the teacher's
// sysmsgStackPool is bounded by maxGuestThreads.
const maxTrackedThreads = 1 << 20

// SuspensionState is where a thread was observed when suspended, per
// spec §4.7's "Suspension points" list.
type SuspensionState int

// Suspension states.
const (
	Running SuspensionState = iota
	SuspendedAtSyscall
	SuspendedInCache
	SuspendedNative
)

// Thread is one tracked application thread (spec §3 Thread Entry).
type Thread struct {
	TID   int
	State dispatcher.ThreadState

	// Slot is a dense, reusable identifier in [0, maxTrackedThreads)
	// assigned at Add and released at Remove, for components that want a
	// small bounded index rather than a raw (and much larger, and
	// kernel-recycled) tid — e.g. a future per-thread scratch-page table
	// in pkg/osboundary.
	Slot uint64

	mu          sync.Mutex
	suspension  SuspensionState
	translated  hostarch.Addr
	pendingSigs []unix.Signal

	translationRequested atomicbitops.Bool
}

// Registry is the process-wide set of tracked threads.
type Registry struct {
	mu      sync.RWMutex
	threads map[int]*Thread
	slots   pool.Pool

	// writerLock is the global cache-writer lock of spec §5: held
	// exclusively by whichever goroutine is performing a synch-all'd
	// global operation (flush, fork, detach).
	writerLock sync.Mutex
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		threads: make(map[int]*Thread),
		slots:   pool.Pool{Start: 0, Limit: maxTrackedThreads},
	}
}

// Add registers a new thread, as observed at thread-creation or attach.
func (r *Registry) Add(tid int) *Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.slots.Get()
	if !ok {
		// Exhausting a million dense slots means something upstream is
		// leaking threads without ever detaching them; fall back to the
		// tid itself rather than fail thread tracking outright.
		slot = uint64(tid)
		vtlog.Warningf("threadreg: slot pool exhausted, falling back to tid %d as slot", tid)
	}
	t := &Thread{TID: tid, Slot: slot}
	r.threads[tid] = t
	vtlog.Debugf("threadreg: added thread %d (slot %d)", tid, slot)
	return t
}

// Remove unregisters a thread, as observed at thread-exit or detach.
func (r *Registry) Remove(tid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.threads[tid]; ok {
		r.slots.Put(t.Slot)
	}
	delete(r.threads, tid)
	vtlog.Debugf("threadreg: removed thread %d", tid)
}

// Get returns the Thread for tid, if tracked.
func (r *Registry) Get(tid int) (*Thread, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.threads[tid]
	return t, ok
}

// All returns a snapshot of every tracked thread.
func (r *Registry) All() []*Thread {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Thread, 0, len(r.threads))
	for _, t := range r.threads {
		out = append(out, t)
	}
	return out
}

// QueueSignal appends a signal to the thread's pending-delivery queue,
// preserving kernel delivery order (spec §4.6's ordering guarantee: the
// mediator only appends, never reorders).
func (t *Thread) QueueSignal(sig unix.Signal) {
	t.mu.Lock()
	t.pendingSigs = append(t.pendingSigs, sig)
	t.mu.Unlock()
}

// DequeueSignal pops the oldest pending signal, if any.
func (t *Thread) DequeueSignal() (unix.Signal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pendingSigs) == 0 {
		return 0, false
	}
	sig := t.pendingSigs[0]
	t.pendingSigs = t.pendingSigs[1:]
	return sig, true
}

// RequestTranslation marks that the next dispatcher boundary must
// translate this thread's PC before resuming it natively (e.g. for
// detach or a pending synch-all that raced a fast resume).
func (t *Thread) RequestTranslation() { t.translationRequested.Store(true) }

// TranslationRequested reports and clears the pending flag.
func (t *Thread) TranslationRequested() bool {
	if t.translationRequested.Load() {
		t.translationRequested.Store(false)
		return true
	}
	return false
}

// ApplicationPC returns the application PC a suspended thread would
// resume at, translating through its current fragment if it was
// suspended inside the cache.
func (t *Thread) ApplicationPC() hostarch.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.suspension == SuspendedInCache {
		return t.translated
	}
	state, pc, _ := t.State.Snapshot()
	if state == dispatcher.InCache {
		return pc // caller already translated before recording
	}
	return pc
}

// GlobalOp is a callback run once every tracked thread is suspended and
// translated, with the writer lock held exclusively.
type GlobalOp func(threads []*Thread) error

// SynchAll suspends every thread but the caller's own (tidSelf, 0 if
// none), waits up to timeout for each to stop, translates each one's
// cache PC to an application PC via fragToAppPC, runs op, then resumes
// every thread it suspended — even if op or the suspend phase returned
// an error, per spec §4.7's "abort leaves no fragment or stub in a torn
// state" cancellation contract.
func (r *Registry) SynchAll(tidSelf int, timeout time.Duration, fragToAppPC func(f *fragment.Fragment, cachePC hostarch.Addr) (hostarch.Addr, bool), op GlobalOp) error {
	r.writerLock.Lock()
	defer r.writerLock.Unlock()

	targets := r.All()
	var suspended []*Thread

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	for _, t := range targets {
		if t.TID == tidSelf {
			continue
		}
		t := t
		g.Go(func() error {
			if err := suspendThread(gctx, t); err != nil {
				return err
			}
			mu.Lock()
			suspended = append(suspended, t)
			mu.Unlock()
			return translateSuspendedPC(t, fragToAppPC)
		})
	}

	waitErr := g.Wait()
	if waitErr != nil {
		resumeAll(suspended)
		if ctx.Err() != nil {
			return vmerr.New(vmerr.KindSynchAllTimeout, "threadreg.SynchAll", waitErr)
		}
		return vmerr.Fatal(vmerr.KindTranslation, "threadreg.SynchAll", waitErr)
	}

	opErr := op(targets)
	resumeAll(suspended)
	return opErr
}

func suspendThread(ctx context.Context, t *Thread) error {
	if _, _, errno := unix.RawSyscall6(unix.SYS_TGKILL, uintptr(t.TID), uintptr(t.TID), uintptr(unix.SIGSTOP), 0, 0, 0); errno != 0 {
		return fmt.Errorf("suspend tid %d: %w", t.TID, errno)
	}
	var status unix.WaitStatus
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, err := unix.Wait4(t.TID, &status, unix.WUNTRACED, nil)
		if err != nil {
			return fmt.Errorf("wait4 tid %d: %w", t.TID, err)
		}
		if status.Stopped() {
			return nil
		}
	}
}

func translateSuspendedPC(t *Thread, fragToAppPC func(f *fragment.Fragment, cachePC hostarch.Addr) (hostarch.Addr, bool)) error {
	state, pc, frag := t.State.Snapshot()
	t.mu.Lock()
	defer t.mu.Unlock()
	switch state {
	case dispatcher.InCache:
		regs, err := ctxswitch.Save(t.TID)
		if err != nil {
			return err
		}
		appPC, ok := fragToAppPC(frag, hostarch.Addr(regs.Rip))
		if !ok {
			return vmerr.Fatal(vmerr.KindTranslation, "threadreg.translateSuspendedPC",
				fmt.Errorf("cache PC %#x in fragment %#x has no translation entry", regs.Rip, uintptr(frag.StartPC)))
		}
		t.suspension = SuspendedInCache
		t.translated = appPC
	case dispatcher.InSyscall:
		t.suspension = SuspendedAtSyscall
		t.translated = pc
	default:
		t.suspension = SuspendedNative
		t.translated = pc
	}
	return nil
}

func resumeAll(threads []*Thread) {
	for _, t := range threads {
		if _, _, errno := unix.RawSyscall6(unix.SYS_PTRACE, unix.PTRACE_CONT, uintptr(t.TID), 0, uintptr(unix.SIGCONT), 0, 0); errno != 0 {
			vtlog.Warningf("threadreg: resume tid %d failed: %v", t.TID, errno)
		}
		t.mu.Lock()
		t.suspension = Running
		t.mu.Unlock()
	}
}
