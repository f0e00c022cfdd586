// Package consistency is the cache consistency monitor (spec §4.8): it
// invalidates cached fragments whenever the application bytes they were
// built from change, via three detection strategies selected per page —
// a write-protect sandbox, an inline self-modifying-code checksum
// sandbox, and explicit syscall observation of protection/unmap calls.
package consistency

import (
	"bytes"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/vmtrace/vmtrace/pkg/codecache"
	"github.com/vmtrace/vmtrace/pkg/fragment"
	"github.com/vmtrace/vmtrace/pkg/hostarch"
	"github.com/vmtrace/vmtrace/pkg/vmerr"
	"github.com/vmtrace/vmtrace/pkg/vtlog"
)

// Strategy selects which detection strategy protects a given page.
type Strategy int

// Strategies, per spec §4.8.
const (
	// StrategyWriteProtect: the page is mapped PROT_READ|PROT_EXEC only;
	// a write fault is caught and repaired.
	StrategyWriteProtect Strategy = iota
	// StrategyInlineCheck: the monitor keeps a saved copy of the source
	// bytes, and CheckInline compares it against live bytes its caller
	// supplies; used when whole-page protection is infeasible (stack,
	// mixed code/data pages). The fragment builder emits no check code
	// into the fragment itself.
	StrategyInlineCheck
)

// PendingFree is a fragment that has been unlinked and removed from the
// index but whose storage cannot be reused until a synch-all confirms
// no thread's cache PC lies inside it (spec §4.8's flush protocol, step
// (d)).
type PendingFree struct {
	Frag  *fragment.Fragment
	Range hostarch.AddrRange // cache bytes, for the arena's reclaim pass
}

// Monitor tracks, per application page, which strategy protects it, and
// drives the flush protocol.
type Monitor struct {
	mu sync.Mutex

	cache *codecache.Cache

	strategies map[hostarch.Addr]Strategy // page-aligned addr -> strategy
	// sourceCopies holds the saved bytes for inline-check pages, keyed by
	// the fragment's start PC (one checksum per fragment, since a page
	// may back more than one fragment).
	sourceCopies map[hostarch.Addr][]byte
	// writeProtected is the set of page-aligned addresses currently
	// mapped read/execute-only by this monitor (so Repair knows to
	// single-step the faulting write and re-protect, rather than assume
	// some other subsystem owns the page).
	writeProtected map[hostarch.Addr]bool

	pending []PendingFree
}

// New returns an empty Monitor over cache.
func New(cache *codecache.Cache) *Monitor {
	return &Monitor{
		cache:          cache,
		strategies:     make(map[hostarch.Addr]Strategy),
		sourceCopies:   make(map[hostarch.Addr][]byte),
		writeProtected: make(map[hostarch.Addr]bool),
	}
}

// ProtectFragmentSource chooses a detection strategy for the page(s)
// backing frag's source instructions and, for StrategyWriteProtect,
// mprotects them read/execute-only in the application's address space.
// preferWriteProtect is false for pages the caller already knows are
// mixed code/data or stack-backed (spec §4.8's "infeasible" case).
func (m *Monitor) ProtectFragmentSource(pid int, frag *fragment.Fragment, sourceBytes []byte, preferWriteProtect bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	page := frag.StartPC.PageRoundDown()
	if preferWriteProtect {
		m.strategies[page] = StrategyWriteProtect
		if !m.writeProtected[page] {
			if err := protectPage(pid, page, unix.PROT_READ|unix.PROT_EXEC); err != nil {
				return vmerr.New(vmerr.KindForeignInterference, "consistency.ProtectFragmentSource", err)
			}
			m.writeProtected[page] = true
		}
		return nil
	}
	m.strategies[page] = StrategyInlineCheck
	m.sourceCopies[frag.StartPC] = append([]byte(nil), sourceBytes...)
	return nil
}

// IsWriteProtectFault reports whether addr falls on a page this monitor
// write-protected, satisfying pkg/signalmed.WriteProtectChecker.
func (m *Monitor) IsWriteProtectFault(addr hostarch.Addr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeProtected[addr.PageRoundDown()]
}

// Repair implements pkg/signalmed.WriteProtectChecker: flushes, via
// FlushRange, the fragment whose start PC is addr's page start, removes the write-protection (the
// caller's signal-delivery path is expected to single-step the faulting
// write instruction once execute access is no longer required), then
// the page is handed back to ReapplyProtection once the write has
// happened.
func (m *Monitor) Repair(addr hostarch.Addr) error {
	page := addr.PageRoundDown()
	m.FlushRange(hostarch.AddrRange{Start: page, End: page + hostarch.PageSize})
	m.mu.Lock()
	delete(m.writeProtected, page)
	m.mu.Unlock()
	return nil
}

// ReapplyProtection re-protects a page after its single-stepped write
// has completed, per spec §4.8's "write is replayed by single-step, the
// page is re-protected" sequence.
func (m *Monitor) ReapplyProtection(pid int, page hostarch.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := protectPage(pid, page, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return vmerr.New(vmerr.KindForeignInterference, "consistency.ReapplyProtection", err)
	}
	m.writeProtected[page] = true
	return nil
}

// CheckInline compares the live bytes at frag's source range against
// the saved copy, for fragments protected by StrategyInlineCheck. A
// mismatch means the fragment is stale.
func (m *Monitor) CheckInline(frag *fragment.Fragment, liveBytes []byte) bool {
	m.mu.Lock()
	saved, ok := m.sourceCopies[frag.StartPC]
	m.mu.Unlock()
	if !ok {
		return true
	}
	return bytes.Equal(saved, liveBytes)
}

// ObserveProtectionChange is the explicit-syscall-observation strategy:
// called when the syscall mediator sees mprotect/munmap/mremap affect
// r, it passes r to FlushRange, which flushes only the fragment whose
// start PC equals r.Start.
func (m *Monitor) ObserveProtectionChange(r hostarch.AddrRange) {
	vtlog.Debugf("consistency: observed protection change over %s", r)
	m.FlushRange(r)
}

// FlushRange invalidates the fragment whose start PC equals r.Start, if
// one is cached, through FlushFragment's flush protocol. Other
// fragments whose start PC or source bytes lie in r are not flushed.
func (m *Monitor) FlushRange(r hostarch.AddrRange) {
	// The fragment index only supports point lookup by start PC in
	// pkg/codecache; walking it here would need the tree exposed, so
	// callers that know the affected start PCs precisely should use
	// FlushFragment directly. FlushRange is the page-level entry point
	// used by Repair/ObserveProtectionChange, which act against a single
	// page's start PC.
	if frag, ok := m.cache.Lookup(r.Start); ok {
		m.FlushFragment(frag)
	}
}

// FlushFragment applies the flush protocol to a single fragment.
func (m *Monitor) FlushFragment(frag *fragment.Fragment) {
	if err := m.cache.BeginWrite(); err != nil {
		vtlog.Warningf("consistency: flush of %#x could not acquire write window: %v", uintptr(frag.StartPC), err)
		return
	}
	m.cache.Remove(frag)
	_ = m.cache.EndWrite()

	m.cache.IndirectRemove(frag.StartPC)

	m.mu.Lock()
	m.pending = append(m.pending, PendingFree{
		Frag:  frag,
		Range: hostarch.AddrRange{Start: frag.CacheBase, End: frag.CacheBase + hostarch.Addr(len(frag.Emitted))},
	})
	m.mu.Unlock()
	vtlog.Infof("consistency: flushed fragment %#x", uintptr(frag.StartPC))
}

// ReclaimConfirmed is called once a synch-all has confirmed no thread's
// PC lies in any pending region; it drops the bookkeeping so the
// storage may be reused by a future arena reset. vmtrace's arena is a
// bump allocator reclaimed wholesale on eviction (spec §4.3's "Fine-
// grained per-fragment free is permitted only for explicit consistency
// flushes" is satisfied by removing the fragment from all indexes
// immediately in FlushFragment; only the underlying bytes are reused
// lazily here), so this simply clears the pending list.
func (m *Monitor) ReclaimConfirmed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.pending)
	m.pending = nil
	return n
}

// Pending returns the cache byte ranges awaiting reclaim, for the
// thread registry's synch-all to check against every thread's current
// PC before calling ReclaimConfirmed.
func (m *Monitor) Pending() []PendingFree {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PendingFree(nil), m.pending...)
}

func protectPage(pid int, page hostarch.Addr, prot int) error {
	// vmtrace protects pages in the traced process's address space, not
	// its own, so this goes through process_vm-adjacent /proc/pid/mem
	// permission changes are not possible from outside; the actual
	// mechanism is PTRACE_POKETEXT-free mprotect injected as a remote
	// syscall (pkg/osboundary.RemoteMprotect), invoked here.
	return remoteMprotect(pid, page, hostarch.PageSize, prot)
}

// remoteMprotect defaults to an error; the production implementation
// lives in pkg/osboundary and is wired in by pkg/startup's newRuntime to avoid
// an import cycle (osboundary depends on nothing in this package).
var remoteMprotect = func(pid int, addr hostarch.Addr, length int, prot int) error {
	return fmt.Errorf("consistency: remoteMprotect not wired (pid=%d addr=%#x)", pid, uintptr(addr))
}

// SetRemoteMprotect installs the real remote-mprotect implementation.
func SetRemoteMprotect(fn func(pid int, addr hostarch.Addr, length int, prot int) error) {
	remoteMprotect = fn
}
