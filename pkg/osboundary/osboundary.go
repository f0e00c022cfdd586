// Package osboundary issues the raw system calls the runtime needs
// against the traced application: memory mapping and protection,
// thread creation and suspension, signal installation, and remote
// syscall injection for operations (mmap/mprotect) that must run in the
// target's own address space rather than the runtime's. It never goes
// through the target's C runtime, matching spec §6's OS-boundary
// contract, and is grounded directly on the teacher's thread.syscall
// remote-injection idiom: set registers, PTRACE_CONT to the
// post-syscall trap, read registers back for the return value.
package osboundary

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/vmtrace/vmtrace/pkg/ctxswitch"
	"github.com/vmtrace/vmtrace/pkg/hostarch"
	"github.com/vmtrace/vmtrace/pkg/vmerr"
)

// x86-64 syscall numbers the runtime injects remotely. Named rather
// than imported from unix.SYS_* because the injection path needs them
// as plain uintptr syscall numbers loaded into Rax, same as the
// teacher's createSyscallRegs would.
const (
	sysMmap     = 9
	sysMprotect = 10
	sysMunmap   = 11
)

// Injector issues remote syscalls inside a stopped tracee by
// clobbering its registers, pointing Rip at the `syscall; int3` gadget
// at GadgetPC, continuing the tracee with PTRACE_CONT until the gadget's
// int3 traps, and restoring the original registers afterward.
type Injector struct {
	TID int
	// GadgetPC is the address of a `syscall; int3` two-instruction
	// sequence inside the tracee's mapped text that the injector reuses
	// for every remote call, set once at attach time.
	GadgetPC hostarch.Addr
}

// inject sets up argument registers per the x86-64 syscall ABI, runs
// the gadget once, and returns the raw result.
func (in *Injector) inject(sysno uintptr, args ...uintptr) (uintptr, error) {
	saved, err := ctxswitch.Save(in.TID)
	if err != nil {
		return 0, err
	}
	defer ctxswitch.Restore(in.TID, saved)

	regs := *saved
	regs.Rax = uint64(sysno)
	argRegs := []*uint64{&regs.Rdi, &regs.Rsi, &regs.Rdx, &regs.R10, &regs.R8, &regs.R9}
	for i, a := range args {
		if i >= len(argRegs) {
			return 0, vmerr.Fatal(vmerr.KindAttach, "osboundary.inject", fmt.Errorf("too many syscall arguments: %d", len(args)))
		}
		*argRegs[i] = uint64(a)
	}
	regs.Rip = uint64(in.GadgetPC)

	if err := ctxswitch.Restore(in.TID, &regs); err != nil {
		return 0, err
	}

	for {
		if _, _, errno := unix.RawSyscall6(unix.SYS_PTRACE, unix.PTRACE_CONT, uintptr(in.TID), 0, 0, 0, 0); errno != 0 {
			return 0, vmerr.Fatal(vmerr.KindAttach, "osboundary.inject", fmt.Errorf("PTRACE_CONT: %w", errno))
		}
		var status unix.WaitStatus
		if _, err := unix.Wait4(in.TID, &status, 0, nil); err != nil {
			return 0, vmerr.Fatal(vmerr.KindAttach, "osboundary.inject", fmt.Errorf("wait4: %w", err))
		}
		if status.Stopped() && status.StopSignal() == unix.SIGTRAP {
			break
		}
		if status.Exited() || status.Signaled() {
			return 0, vmerr.Fatal(vmerr.KindAttach, "osboundary.inject", fmt.Errorf("tracee %d died during remote syscall", in.TID))
		}
	}

	after, err := ctxswitch.Save(in.TID)
	if err != nil {
		return 0, err
	}
	ret := after.Rax
	const errnoStart = ^uint64(0) - 4095
	if ret >= errnoStart {
		return 0, unix.Errno(^ret + 1)
	}
	return uintptr(ret), nil
}

// RemoteMmap injects an mmap(2) call into the tracee.
func (in *Injector) RemoteMmap(addr hostarch.Addr, length int, prot, flags int) (hostarch.Addr, error) {
	ret, err := in.inject(sysMmap, uintptr(addr), uintptr(length), uintptr(prot), uintptr(flags), ^uintptr(0), 0)
	if err != nil {
		return 0, err
	}
	return hostarch.Addr(ret), nil
}

// RemoteMprotect injects an mprotect(2) call into the tracee, used by
// pkg/consistency to toggle the write-protect sandbox.
func (in *Injector) RemoteMprotect(addr hostarch.Addr, length int, prot int) error {
	_, err := in.inject(sysMprotect, uintptr(addr), uintptr(length), uintptr(prot))
	return err
}

// RemoteMunmap injects a munmap(2) call into the tracee.
func (in *Injector) RemoteMunmap(addr hostarch.Addr, length int) error {
	_, err := in.inject(sysMunmap, uintptr(addr), uintptr(length))
	return err
}

// AttachThread performs PTRACE_ATTACH against tid and waits for the
// resulting group-stop, mirroring the teacher's thread.attach.
func AttachThread(tid int) error {
	if _, _, errno := unix.RawSyscall6(unix.SYS_PTRACE, unix.PTRACE_ATTACH, uintptr(tid), 0, 0, 0, 0); errno != 0 {
		return vmerr.New(vmerr.KindAttach, "osboundary.AttachThread", fmt.Errorf("PTRACE_ATTACH tid=%d: %w", tid, errno))
	}
	var status unix.WaitStatus
	if _, err := unix.Wait4(tid, &status, 0, nil); err != nil {
		return vmerr.New(vmerr.KindAttach, "osboundary.AttachThread", fmt.Errorf("wait4 tid=%d: %w", tid, err))
	}
	if _, _, errno := unix.RawSyscall6(unix.SYS_PTRACE, unix.PTRACE_SETOPTIONS, uintptr(tid), 0,
		unix.PTRACE_O_TRACESYSGOOD|unix.PTRACE_O_TRACEEXIT|unix.PTRACE_O_TRACECLONE|unix.PTRACE_O_TRACEFORK|unix.PTRACE_O_EXITKILL, 0, 0); errno != 0 {
		return vmerr.New(vmerr.KindAttach, "osboundary.AttachThread", fmt.Errorf("PTRACE_SETOPTIONS tid=%d: %w", tid, errno))
	}
	return nil
}

// DetachThread performs PTRACE_DETACH against tid, resuming it native.
func DetachThread(tid int) error {
	if _, _, errno := unix.RawSyscall6(unix.SYS_PTRACE, unix.PTRACE_DETACH, uintptr(tid), 0, 0, 0, 0); errno != 0 {
		return vmerr.New(vmerr.KindAttach, "osboundary.DetachThread", fmt.Errorf("PTRACE_DETACH tid=%d: %w", tid, errno))
	}
	return nil
}

// InstallSignalGadget maps a fresh executable page via RemoteMmap (which
// itself runs through the Injector's current GadgetPC), writes a
// `syscall; int3` sequence into it, and makes that page the Injector's
// GadgetPC for later remote calls.
func InstallSignalGadget(in *Injector) error {
	page, err := in.RemoteMmap(0, hostarch.PageSize, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return err
	}
	// 0F 05 (syscall) CC (int3)
	gadget := []byte{0x0F, 0x05, 0xCC}
	if err := pokeBytes(in.TID, page, gadget); err != nil {
		return err
	}
	in.GadgetPC = page
	return nil
}

// pokeBytes writes raw bytes into the tracee's address space via
// PTRACE_POKETEXT, word at a time, the way the teacher's sentry
// populates a guest's stub page.
func pokeBytes(tid int, addr hostarch.Addr, data []byte) error {
	const wordSize = 8
	for off := 0; off < len(data); off += wordSize {
		var word [wordSize]byte
		n := copy(word[:], data[off:])
		if n < wordSize {
			existing, err := peekWord(tid, addr+hostarch.Addr(off))
			if err != nil {
				return err
			}
			copy(word[n:], existing[n:])
		}
		val := leUint64(word[:])
		if _, _, errno := unix.RawSyscall6(unix.SYS_PTRACE, unix.PTRACE_POKETEXT, uintptr(tid), uintptr(addr)+uintptr(off), uintptr(val), 0, 0); errno != 0 {
			return vmerr.New(vmerr.KindAttach, "osboundary.pokeBytes", fmt.Errorf("PTRACE_POKETEXT tid=%d addr=%#x: %w", tid, uintptr(addr)+uintptr(off), errno))
		}
	}
	return nil
}

func peekWord(tid int, addr hostarch.Addr) ([8]byte, error) {
	var out [8]byte
	word, _, errno := unix.RawSyscall6(unix.SYS_PTRACE, unix.PTRACE_PEEKTEXT, uintptr(tid), uintptr(addr), 0, 0, 0)
	if errno != 0 {
		return out, vmerr.New(vmerr.KindAttach, "osboundary.peekWord", fmt.Errorf("PTRACE_PEEKTEXT tid=%d addr=%#x: %w", tid, uintptr(addr), errno))
	}
	putLeUint64(out[:], uint64(word))
	return out, nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	return v
}

func putLeUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

// ReadMem reads len(p) bytes from the tracee's address space at addr,
// satisfying pkg/fragment.MemReader via PTRACE_PEEKTEXT. Production use
// prefers process_vm_readv when available; ReadMemVM below wraps that
// path and callers should use it when the kernel supports it.
func ReadMem(tid int, addr hostarch.Addr, p []byte) (int, error) {
	n := 0
	for n < len(p) {
		word, err := peekWord(tid, addr+hostarch.Addr(n))
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}
		copy(p[n:], word[:])
		n += len(word)
	}
	return len(p), nil
}

// ReadMemVM reads via process_vm_readv(2), far cheaper than word-at-a-
// time PTRACE_PEEKTEXT for the fragment builder's larger read windows.
func ReadMemVM(pid int, addr hostarch.Addr, p []byte) (int, error) {
	local := []unix.Iovec{{Base: &p[0], Len: uint64(len(p))}}
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(p)}}
	n, err := unix.ProcessVMReadv(pid, local, remote, 0)
	if err != nil {
		return 0, fmt.Errorf("osboundary: process_vm_readv pid=%d addr=%#x: %w", pid, uintptr(addr), err)
	}
	return n, nil
}
