// Package signalmed is the signal/exception mediator (spec §4.6): it
// classifies every signal the traced application receives and routes
// it — repaired transparently, translated and queued for the
// application, or consumed for the runtime's own bookkeeping — the way
// the teacher's subprocess.wait classifies a ptrace stop by signal and
// trap cause before deciding what to do with it.
package signalmed

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/vmtrace/vmtrace/pkg/codecache"
	"github.com/vmtrace/vmtrace/pkg/ctxswitch"
	"github.com/vmtrace/vmtrace/pkg/fragment"
	"github.com/vmtrace/vmtrace/pkg/hostarch"
	"github.com/vmtrace/vmtrace/pkg/moduledb"
	"github.com/vmtrace/vmtrace/pkg/threadreg"
	"github.com/vmtrace/vmtrace/pkg/vmerr"
	"github.com/vmtrace/vmtrace/pkg/vtlog"
)

// Classification is the outcome of routing one delivered signal, per
// spec §4.6's four-way split.
type Classification int

// Classifications.
const (
	// RepairedInternal: a fault the runtime itself caused (e.g. a
	// write-protect trap on a page holding cached-from instructions).
	// The application is resumed at the same PC once repaired.
	RepairedInternal Classification = iota
	// TranslatedApplication: the faulting PC was inside the cache and has
	// been translated to the application PC it stands in for; queued for
	// delivery at the next safe point.
	TranslatedApplication
	// ApplicationRegistered: a signal the application itself installed a
	// handler for, delivered after translation.
	ApplicationRegistered
	// RuntimeInternal: a signal used for the runtime's own control plane
	// (suspend-for-synchronisation, attach handshake, detach); never
	// reaches the application.
	RuntimeInternal
)

// WriteProtectChecker reports whether addr falls on a page the cache
// consistency monitor write-protected (spec §4.8); if so the mediator
// repairs the fault instead of forwarding it.
type WriteProtectChecker interface {
	IsWriteProtectFault(addr hostarch.Addr) bool
	Repair(addr hostarch.Addr) error
}

// RestartRegion is a contiguous range of application instructions that
// must either complete atomically or be restarted from RestartPC if
// interrupted (spec §4.6 "Restartable sequences", the GLOSSARY's
// Restart region).
type RestartRegion struct {
	Range     hostarch.AddrRange
	RestartPC hostarch.Addr
}

// Mediator routes delivered signals for one traced process.
type Mediator struct {
	Cache       *codecache.Cache
	Modules     *moduledb.ModuleDB
	WriteProt   WriteProtectChecker
	Restarts    []RestartRegion
	// AppSigactions records which signals the application itself
	// registered a handler for, as observed through the syscall mediator
	// (spec §4.6's "honouring the application's sigaction mask").
	AppSigactions map[unix.Signal]bool
}

// New returns a Mediator with no restart regions or application
// handlers registered yet.
func New(cache *codecache.Cache, modules *moduledb.ModuleDB, wp WriteProtectChecker) *Mediator {
	return &Mediator{
		Cache:         cache,
		Modules:       modules,
		WriteProt:     wp,
		AppSigactions: make(map[unix.Signal]bool),
	}
}

// RegisterRestartRegion adds a restart region.
func (m *Mediator) RegisterRestartRegion(r RestartRegion) {
	m.Restarts = append(m.Restarts, r)
}

// restartPCFor returns the declared restart PC if pc falls inside a
// registered restart region.
func (m *Mediator) restartPCFor(pc hostarch.Addr) (hostarch.Addr, bool) {
	for _, r := range m.Restarts {
		if r.Range.Contains(pc) {
			return r.RestartPC, true
		}
	}
	return 0, false
}

// Handle classifies a signal delivered to thread t while it was stopped
// at faultAddr (meaningful for SIGSEGV/SIGBUS; ignored otherwise), and
// takes the appropriate action. It returns the classification for the
// caller (the dispatcher's signal-return path) to log or assert on.
func (m *Mediator) Handle(t *threadreg.Thread, sig unix.Signal, faultAddr hostarch.Addr) (Classification, error) {
	if cls := m.classifyRuntimeInternal(sig); cls != nil {
		return RuntimeInternal, nil
	}

	regs, err := ctxswitch.Save(t.TID)
	if err != nil {
		return 0, err
	}
	cachePC := regs.PC()

	if (sig == unix.SIGSEGV || sig == unix.SIGBUS) && m.WriteProt != nil && m.WriteProt.IsWriteProtectFault(faultAddr) {
		if err := m.WriteProt.Repair(faultAddr); err != nil {
			return 0, vmerr.New(vmerr.KindForeignInterference, "signalmed.Handle", err)
		}
		vtlog.Debugf("signalmed: repaired write-protect fault at %#x, resuming thread %d at %#x", uintptr(faultAddr), t.TID, uintptr(cachePC))
		return RepairedInternal, nil
	}

	_, _, frag := t.State.Snapshot()
	if frag != nil {
		appPC, ok := translate(frag, cachePC)
		if !ok {
			return 0, vmerr.Fatal(vmerr.KindTranslation, "signalmed.Handle",
				fmt.Errorf("cache PC %#x in fragment %#x has no translation entry", uintptr(cachePC), uintptr(frag.StartPC)))
		}
		if restartPC, ok := m.restartPCFor(appPC); ok {
			vtlog.Debugf("signalmed: thread %d interrupted in restart region at %#x, rewriting to %#x", t.TID, uintptr(appPC), uintptr(restartPC))
			appPC = restartPC
		}
		regs.SetPC(appPC)
		if err := ctxswitch.Restore(t.TID, regs); err != nil {
			return 0, err
		}
		t.QueueSignal(sig)
		if m.AppSigactions[sig] {
			return ApplicationRegistered, nil
		}
		return TranslatedApplication, nil
	}

	// Already-native PC: no translation needed, just honour ordering.
	t.QueueSignal(sig)
	if m.AppSigactions[sig] {
		return ApplicationRegistered, nil
	}
	return TranslatedApplication, nil
}

// classifyRuntimeInternal recognises the signals the runtime reserves
// for its own control plane (spec §4.6's fourth bucket): SIGSTOP/SIGCONT
// drive synch-all, and SIGURG is reserved for the attach handshake, mirroring how the teacher's subprocess reserves SIGSTOP
// around PTRACE_ATTACH/PTRACE_DETACH.
func (m *Mediator) classifyRuntimeInternal(sig unix.Signal) *struct{} {
	switch sig {
	case unix.SIGSTOP, unix.SIGCONT, unix.SIGURG:
		return &struct{}{}
	default:
		return nil
	}
}

// translate finds the translation entry covering cachePC and returns
// its application PC. Fragments are translated at instruction
// boundaries only (spec §3's totality invariant), so an exact match is
// required; a cachePC that doesn't appear in the table is a translation
// failure the caller must treat as fatal.
func translate(frag *fragment.Fragment, cachePC hostarch.Addr) (hostarch.Addr, bool) {
	for _, e := range frag.Translation {
		if e.CachePC == cachePC {
			return e.AppPC, true
		}
	}
	return 0, false
}

// TranslateFragmentPC is the exported form of translate, used by
// callers (the dispatcher, the thread registry's synch-all) that
// already know which fragment a thread is executing in.
func TranslateFragmentPC(frag *fragment.Fragment, cachePC hostarch.Addr) (hostarch.Addr, bool) {
	return translate(frag, cachePC)
}
