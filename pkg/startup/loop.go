// Loop drives a Runtime once startup has attached or preloaded it: it
// is the outer wait4 loop, classifying every stop by signal and trap
// cause before deciding what to do with it, the way the teacher's
// subprocess.wait classifies a ptrace stop before dispatching to
// handlePtraceSyscall or its signal path. Unlike the teacher, which
// waits on a single sandboxed guest, Loop waits on every thread of the
// traced application and re-enters the dispatcher on each cache exit.
package startup

import (
	"golang.org/x/sys/unix"

	"github.com/vmtrace/vmtrace/pkg/ctxswitch"
	"github.com/vmtrace/vmtrace/pkg/dispatcher"
	"github.com/vmtrace/vmtrace/pkg/hostarch"
	"github.com/vmtrace/vmtrace/pkg/signalmed"
	"github.com/vmtrace/vmtrace/pkg/threadreg"
	"github.com/vmtrace/vmtrace/pkg/vmerr"
	"github.com/vmtrace/vmtrace/pkg/vtlog"
)

// syscallTrapBit is set in the stop signal by PTRACE_O_TRACESYSGOOD to
// disambiguate a syscall-stop from an ordinary SIGTRAP.
const syscallTrapBit = 0x80

// Run is the runtime's main loop: it waits for any tracked thread to
// stop, routes the stop through the dispatcher or the signal mediator,
// and resumes the thread, until every tracked thread has exited.
func Run(rt *Runtime) error {
	for {
		if len(rt.Threads.All()) == 0 {
			return nil
		}
		var status unix.WaitStatus
		tid, err := unix.Wait4(-1, &status, 0, nil)
		if err != nil {
			if err == unix.ECHILD {
				return nil
			}
			return vmerr.New(vmerr.KindAttach, "startup.Run", err)
		}

		t, ok := rt.Threads.Get(tid)
		if !ok {
			// Not one of ours: most likely the remote-syscall-injection
			// gadget's own trap, already consumed synchronously by
			// osboundary.Injector, or a grandchild this runtime has not
			// yet registered.
			continue
		}

		switch {
		case status.Exited(), status.Signaled():
			rt.Threads.Remove(tid)
			rt.Clients.NotifyThreadExit(tid)
			continue
		case status.Stopped():
			if err := rt.handleStop(t, status); err != nil {
				return err
			}
		}
	}
}

func (rt *Runtime) handleStop(t *threadreg.Thread, status unix.WaitStatus) error {
	sig := status.StopSignal()

	switch {
	case sig == unix.SIGTRAP && isEventStop(status, unix.PTRACE_EVENT_CLONE), sig == unix.SIGTRAP && isEventStop(status, unix.PTRACE_EVENT_FORK):
		return rt.handleClone(t)
	case uint32(sig)&syscallTrapBit != 0:
		return rt.handleSyscallStop(t)
	case sig == unix.SIGTRAP:
		return rt.handleCacheTrap(t)
	default:
		return rt.handleApplicationSignal(t, sig)
	}
}

func isEventStop(status unix.WaitStatus, event int) bool {
	return int(status)>>8 == (int(unix.SIGTRAP) | (event << 8))
}

// handleClone reacts to a clone/fork stop by registering the new
// thread or process in this Runtime's thread registry. It handles a
// fork event the same way as a clone: it does not call Fork, so a
// forked child shares this Runtime's cache and thread registry.
func (rt *Runtime) handleClone(t *threadreg.Thread) error {
	msg, err := unix.PtraceGetEventMsg(t.TID)
	if err != nil {
		vtlog.Warningf("startup: PTRACE_GETEVENTMSG tid=%d: %v", t.TID, err)
		return resume(t.TID)
	}
	childTID := int(msg)
	if _, ok := rt.Threads.Get(childTID); !ok {
		nt := rt.Threads.Add(childTID)
		regs, err := ctxswitch.Save(childTID)
		if err == nil {
			if _, err := rt.Disp.Enter(&nt.State, regs.PC()); err != nil {
				vtlog.Warningf("startup: dispatcher.Enter for cloned tid %d: %v", childTID, err)
			}
		}
		rt.Clients.NotifyThreadInit(childTID)
	}
	return resume(t.TID)
}

// handleSyscallStop implements the dispatcher's syscall pre/post path
// (spec §4.4): on syscall entry, record the resume PC and notify
// clients; on return, re-enter the dispatcher at the recorded PC.
func (rt *Runtime) handleSyscallStop(t *threadreg.Thread) error {
	regs, err := ctxswitch.Save(t.TID)
	if err != nil {
		return err
	}
	state, resumePC, _ := t.State.Snapshot()
	if state != dispatcher.InSyscall {
		rt.Disp.EnterSyscall(&t.State, regs.PC())
		rt.Clients.NotifySyscallPre(t.TID, uintptr(regs.OrigRax), [6]uintptr{
			uintptr(regs.Rdi), uintptr(regs.Rsi), uintptr(regs.Rdx), uintptr(regs.R10), uintptr(regs.R8), uintptr(regs.R9),
		})
		return resume(t.TID)
	}
	rt.Clients.NotifySyscallPost(t.TID, uintptr(regs.OrigRax), [6]uintptr{
		uintptr(regs.Rdi), uintptr(regs.Rsi), uintptr(regs.Rdx), uintptr(regs.R10), uintptr(regs.R8), uintptr(regs.R9),
	})
	if _, err := rt.Disp.LeaveSyscall(&t.State, resumePC); err != nil {
		return err
	}
	return resume(t.TID)
}

// handleCacheTrap handles a SIGTRAP raised from inside the cache: an
// unlinked exit stub, a self-modifying-code inline check, or an
// indirect-branch miss, all of which leave the application PC the
// thread should logically resume at in the current fragment's
// translation table rather than in Rip directly.
func (rt *Runtime) handleCacheTrap(t *threadreg.Thread) error {
	regs, err := ctxswitch.Save(t.TID)
	if err != nil {
		return err
	}
	_, _, frag := t.State.Snapshot()
	if frag == nil {
		return resume(t.TID)
	}
	appPC, ok := signalmed.TranslateFragmentPC(frag, regs.PC())
	if !ok {
		// Indirect-branch exit: Rax carries the application target by
		// the exit stub's calling convention.
		target, err := rt.Disp.ResolveIndirect(&t.State, hostarch.Addr(regs.Rax))
		if err != nil {
			return err
		}
		regs.SetPC(target)
		if err := ctxswitch.Restore(t.TID, regs); err != nil {
			return err
		}
		return resume(t.TID)
	}
	target, err := rt.Disp.Enter(&t.State, appPC)
	if err != nil {
		return err
	}
	regs.SetPC(target)
	if err := ctxswitch.Restore(t.TID, regs); err != nil {
		return err
	}
	return resume(t.TID)
}

func (rt *Runtime) handleApplicationSignal(t *threadreg.Thread, sig unix.Signal) error {
	cls, err := rt.Signals.Handle(t, sig, 0)
	if err != nil {
		return err
	}
	vtlog.Debugf("startup: thread %d signal %v classified %v", t.TID, sig, cls)
	return resume(t.TID)
}

func resume(tid int) error {
	if _, _, errno := unix.RawSyscall6(unix.SYS_PTRACE, unix.PTRACE_CONT, uintptr(tid), 0, 0, 0, 0); errno != 0 {
		return vmerr.New(vmerr.KindAttach, "startup.resume", errno)
	}
	return nil
}
