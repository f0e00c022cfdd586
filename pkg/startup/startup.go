// Package startup implements the runtime's entry points (spec §4.9):
// preload (entry redirected before the target's own entry point runs),
// attach to an already-running process, fork handling, and clean
// detach. Process and thread bookkeeping generalises the teacher's
// subprocess pool (one globalPool singleton reused across many guests)
// into a single Runtime value per traced process, threaded explicitly
// rather than held in a package-level global, per the spec's §9
// redesign note on global singletons.
package startup

import (
	"fmt"
	"os"
	"time"

	"github.com/vmtrace/vmtrace/pkg/client"
	"github.com/vmtrace/vmtrace/pkg/codecache"
	"github.com/vmtrace/vmtrace/pkg/config"
	"github.com/vmtrace/vmtrace/pkg/consistency"
	"github.com/vmtrace/vmtrace/pkg/ctxswitch"
	"github.com/vmtrace/vmtrace/pkg/decode"
	"github.com/vmtrace/vmtrace/pkg/dispatcher"
	"github.com/vmtrace/vmtrace/pkg/fragment"
	"github.com/vmtrace/vmtrace/pkg/hostarch"
	"github.com/vmtrace/vmtrace/pkg/ir"
	"github.com/vmtrace/vmtrace/pkg/moduledb"
	"github.com/vmtrace/vmtrace/pkg/osboundary"
	"github.com/vmtrace/vmtrace/pkg/signalmed"
	"github.com/vmtrace/vmtrace/pkg/threadreg"
	"github.com/vmtrace/vmtrace/pkg/vmerr"
	"github.com/vmtrace/vmtrace/pkg/vtlog"
)

// Runtime is the full set of process-wide state for one traced
// application: the code cache, module map, thread registry, dispatcher,
// consistency monitor, signal mediator, and client callback registry.
// It replaces the ambient-global pattern the teacher's subprocess pool
// uses with an explicit handle a caller threads through attach, build,
// and detach.
type Runtime struct {
	PID     int
	Config  *config.Config
	Cache   *codecache.Cache
	Modules *moduledb.ModuleDB
	Threads *threadreg.Registry
	Disp    *dispatcher.Dispatcher
	Monitor *consistency.Monitor
	Signals *signalmed.Mediator
	Clients *client.Registry
}

type pidMemReader struct {
	pid int
}

func (r pidMemReader) ReadMem(addr hostarch.Addr, p []byte) (int, error) {
	n, err := osboundary.ReadMemVM(r.pid, addr, p)
	if err != nil {
		return 0, fmt.Errorf("startup: read mem at %#x: %w", uintptr(addr), err)
	}
	return n, nil
}

func init() {
	client.SetDecodeFn(func(src []byte, pc hostarch.Addr, mode int) (*ir.Instruction, error) {
		return decode.Decode(src, pc, decode.Mode(mode))
	})
}

// newRuntime wires every core component together for pid, per the
// dependency order SPEC_FULL.md's layering implies (leaves first).
func newRuntime(pid int, cfg *config.Config) (*Runtime, error) {
	cache, err := codecache.New(cfg.CacheArenaBytes, cfg.IndirectTableSlots, cfg.EvictionThresholdPercent)
	if err != nil {
		return nil, err
	}
	modules := moduledb.New()
	if err := modules.Reload(pid); err != nil {
		cache.Close()
		return nil, vmerr.New(vmerr.KindAttach, "startup.newRuntime", err)
	}

	mem := pidMemReader{pid: pid}
	builder := fragment.NewBuilder(mem, modules, cfg.MaxBlockInstructions)
	disp := dispatcher.New(cache, builder)
	monitor := consistency.New(cache)
	mediator := signalmed.New(cache, modules, monitor)
	clients := client.New()

	// Fragment callbacks registered on the client registry run as a
	// builder instrumentation pass. The registry is consulted on every
	// build rather than snapshotted here, so callbacks a client adds
	// after attach still apply to every fragment built from then on.
	builder.Register(func(startPC hostarch.Addr, instrs []*ir.Instruction) []*ir.Instruction {
		for _, cb := range clients.FragmentCallbacks() {
			instrs = cb(startPC, instrs)
		}
		return instrs
	})

	injector := &osboundary.Injector{TID: pid}
	consistency.SetRemoteMprotect(func(_ int, addr hostarch.Addr, length int, prot int) error {
		return injector.RemoteMprotect(addr, length, prot)
	})

	return &Runtime{
		PID:     pid,
		Config:  cfg,
		Cache:   cache,
		Modules: modules,
		Threads: threadreg.New(),
		Disp:    disp,
		Monitor: monitor,
		Signals: mediator,
		Clients: clients,
	}, nil
}

// Preload is the loader-level entry point: it assumes pid is a freshly
// created, not-yet-started process (already attached by the launcher
// via PTRACE_TRACEME convention before exec), installs the dispatcher
// at the target's recorded entry point, and registers the main thread.
func Preload(pid int, entryPC hostarch.Addr, cfg *config.Config) (*Runtime, error) {
	rt, err := newRuntime(pid, cfg)
	if err != nil {
		return nil, err
	}
	t := rt.Threads.Add(pid)
	rt.Clients.NotifyThreadInit(pid)

	target, err := rt.Disp.Enter(&t.State, entryPC)
	if err != nil {
		rt.Cache.Close()
		return nil, err
	}
	vtlog.Infof("startup: preload redirecting pid %d entry %#x -> cache %#x", pid, uintptr(entryPC), uintptr(target))
	return rt, nil
}

// Attach implements spec §4.9's attach entry: suspend every application
// thread of an already-running process, capture each one's context,
// relocate it through the dispatcher, and resume. The process is
// assumed already mapped with the runtime's machinery (i.e. this is the
// second half of an injected attach, not the injection itself, which is
// the external control process's job per spec §6's OS boundary).
func Attach(pid int, cfg *config.Config) (*Runtime, error) {
	rt, err := newRuntime(pid, cfg)
	if err != nil {
		return nil, err
	}

	tids, err := listThreads(pid)
	if err != nil {
		rt.Cache.Close()
		return nil, vmerr.New(vmerr.KindAttach, "startup.Attach", err)
	}
	for _, tid := range tids {
		if err := osboundary.AttachThread(tid); err != nil {
			return nil, err
		}
		t := rt.Threads.Add(tid)
		regs, err := ctxswitch.Save(tid)
		if err != nil {
			return nil, err
		}
		if _, err := rt.Disp.Enter(&t.State, regs.PC()); err != nil {
			return nil, err
		}
		rt.Clients.NotifyThreadInit(tid)
	}
	vtlog.Infof("startup: attached to pid %d (%d threads)", pid, len(tids))
	return rt, nil
}

// Detach implements spec §4.9's detach entry: suspend every thread,
// translate its cache PC to an application PC, rewrite its context,
// tear down cache and trampolines, and resume threads running natively.
func Detach(rt *Runtime) error {
	synchAllTimeout := time.Duration(rt.Config.SynchAllTimeoutMillis) * time.Millisecond
	return rt.Threads.SynchAll(0, synchAllTimeout, signalmed.TranslateFragmentPC, func(threads []*threadreg.Thread) error {
		for _, t := range threads {
			if appPC := t.ApplicationPC(); appPC != 0 {
				if regs, err := ctxswitch.Save(t.TID); err == nil {
					regs.SetPC(appPC)
					_ = ctxswitch.Restore(t.TID, regs)
				}
			}
			if err := osboundary.DetachThread(t.TID); err != nil {
				vtlog.Warningf("startup: detach tid %d failed: %v", t.TID, err)
			}
			rt.Threads.Remove(t.TID)
			rt.Clients.NotifyThreadExit(t.TID)
		}
		rt.Cache.Reset()
		return nil
	})
}

// Fork implements spec §4.9's fork entry for a child process created
// without CLONE_VM (Run's handleClone does not call it; see there): it
// duplicates the parent Runtime's configuration
// (but never its live cache or thread registry) into a fresh Runtime
// for childPID so the child wakes up with its own, initially empty,
// cache and thread registry.
func Fork(parent *Runtime, childPID int) (*Runtime, error) {
	child, err := newRuntime(childPID, parent.Config)
	if err != nil {
		return nil, err
	}
	child.Threads.Add(childPID)
	child.Clients.NotifyThreadInit(childPID)
	vtlog.Infof("startup: forked child pid %d from parent pid %d with an empty cache", childPID, parent.PID)
	return child, nil
}

func listThreads(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, err
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		var tid int
		if _, err := fmt.Sscanf(e.Name(), "%d", &tid); err == nil {
			tids = append(tids, tid)
		}
	}
	return tids, nil
}
