// Package ctxswitch is the per-ISA context switch: saving the complete
// application register file on entry to the runtime and restoring it
// symmetrically on exit (spec §4.5). Unlike the teacher's subprocess,
// which uses ptrace to inspect a sandboxed sentry guest, vmtrace uses
// ptrace to inspect the *instrumented application itself* — the
// mechanism is the same GETREGS/SETREGS/PEEKTEXT/POKETEXT idiom, the
// purpose differs.
package ctxswitch

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vmtrace/vmtrace/pkg/hostarch"
	"github.com/vmtrace/vmtrace/pkg/vmerr"
)

func unsafePtr(p *[fpRegsetSize]byte) unsafe.Pointer { return unsafe.Pointer(p) }

// RegisterSaveArea is the fixed-offset layout the runtime reads and
// mutates to implement instrumentation (spec §4.5's contract). Field
// order matches unix.PtraceRegs for amd64 so a save/restore is a direct
// copy with no shuffling.
type RegisterSaveArea struct {
	R15      uint64
	R14      uint64
	R13      uint64
	R12      uint64
	Rbp      uint64
	Rbx      uint64
	R11      uint64
	R10      uint64
	R9       uint64
	R8       uint64
	Rax      uint64
	Rcx      uint64
	Rdx      uint64
	Rsi      uint64
	Rdi      uint64
	OrigRax  uint64
	Rip      uint64
	Cs       uint64
	Eflags   uint64
	Rsp      uint64
	Ss       uint64
	FsBase   uint64
	GsBase   uint64
	Ds       uint64
	Es       uint64
	Fs       uint64
	Gs       uint64
}

// PC returns the application program counter.
func (r *RegisterSaveArea) PC() hostarch.Addr { return hostarch.Addr(r.Rip) }

// SetPC overwrites the application program counter, used by the
// dispatcher and signal mediator to relocate a thread.
func (r *RegisterSaveArea) SetPC(pc hostarch.Addr) { r.Rip = uint64(pc) }

// SP returns the application stack pointer.
func (r *RegisterSaveArea) SP() hostarch.Addr { return hostarch.Addr(r.Rsp) }

func toPtraceRegs(r *RegisterSaveArea) unix.PtraceRegs {
	return unix.PtraceRegs{
		R15: r.R15, R14: r.R14, R13: r.R13, R12: r.R12,
		Rbp: r.Rbp, Rbx: r.Rbx, R11: r.R11, R10: r.R10,
		R9: r.R9, R8: r.R8, Rax: r.Rax, Rcx: r.Rcx, Rdx: r.Rdx,
		Rsi: r.Rsi, Rdi: r.Rdi, Orig_rax: r.OrigRax, Rip: r.Rip,
		Cs: r.Cs, Eflags: r.Eflags, Rsp: r.Rsp, Ss: r.Ss,
		Fs_base: r.FsBase, Gs_base: r.GsBase,
		Ds: r.Ds, Es: r.Es, Fs: r.Fs, Gs: r.Gs,
	}
}

func fromPtraceRegs(p *unix.PtraceRegs) *RegisterSaveArea {
	return &RegisterSaveArea{
		R15: p.R15, R14: p.R14, R13: p.R13, R12: p.R12,
		Rbp: p.Rbp, Rbx: p.Rbx, R11: p.R11, R10: p.R10,
		R9: p.R9, R8: p.R8, Rax: p.Rax, Rcx: p.Rcx, Rdx: p.Rdx,
		Rsi: p.Rsi, Rdi: p.Rdi, OrigRax: p.Orig_rax, Rip: p.Rip,
		Cs: p.Cs, Eflags: p.Eflags, Rsp: p.Rsp, Ss: p.Ss,
		FsBase: p.Fs_base, GsBase: p.Gs_base,
		Ds: p.Ds, Es: p.Es, Fs: p.Fs, Gs: p.Gs,
	}
}

// Save reads the general-purpose register file of the stopped tracee
// tid via PTRACE_GETREGS.
func Save(tid int) (*RegisterSaveArea, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return nil, vmerr.Fatal(vmerr.KindTranslation, "ctxswitch.Save", fmt.Errorf("PTRACE_GETREGS tid=%d: %w", tid, err))
	}
	return fromPtraceRegs(&regs), nil
}

// Restore writes area back to the stopped tracee tid via
// PTRACE_SETREGS. Per spec §4.5's contract, any field the runtime
// changed must be consistent with the ISA's requirements; this function
// performs the write atomically from the kernel's perspective (a single
// ptrace request), which is as strong a guarantee as the ISA gives.
func Restore(tid int, area *RegisterSaveArea) error {
	regs := toPtraceRegs(area)
	if err := unix.PtraceSetRegs(tid, &regs); err != nil {
		return vmerr.Fatal(vmerr.KindTranslation, "ctxswitch.Restore", fmt.Errorf("PTRACE_SETREGS tid=%d: %w", tid, err))
	}
	return nil
}

// fpRegsetSize is sizeof(struct user_fpregs_struct) on amd64: the
// legacy FXSAVE area (control words, tags, MMX/x87 stack, XMM0-15,
// padding).
const fpRegsetSize = 512

// FPRegisterSaveArea holds the raw SIMD/x87 register file (FXSAVE
// layout), read and restored separately from the GPR file via
// PTRACE_GETFPREGS/PTRACE_SETFPREGS. It is kept as an opaque byte blob
// rather than a decomposed struct: the runtime only ever needs to save
// and restore it intact around a dispatcher transition, never inspect
// individual fields.
type FPRegisterSaveArea struct {
	raw [fpRegsetSize]byte
}

// SaveFP reads the floating-point/SIMD register file of the stopped
// tracee tid, using the same raw ptrace(2) idiom the teacher's
// subprocess uses for every other ptrace request.
func SaveFP(tid int) (*FPRegisterSaveArea, error) {
	area := &FPRegisterSaveArea{}
	_, _, errno := unix.RawSyscall6(unix.SYS_PTRACE, unix.PTRACE_GETFPREGS, uintptr(tid), 0, uintptr(unsafePtr(&area.raw)), 0, 0)
	if errno != 0 {
		return nil, vmerr.Fatal(vmerr.KindTranslation, "ctxswitch.SaveFP", fmt.Errorf("PTRACE_GETFPREGS tid=%d: %w", tid, errno))
	}
	return area, nil
}

// RestoreFP writes area back to tid.
func RestoreFP(tid int, area *FPRegisterSaveArea) error {
	_, _, errno := unix.RawSyscall6(unix.SYS_PTRACE, unix.PTRACE_SETFPREGS, uintptr(tid), 0, uintptr(unsafePtr(&area.raw)), 0, 0)
	if errno != 0 {
		return vmerr.Fatal(vmerr.KindTranslation, "ctxswitch.RestoreFP", fmt.Errorf("PTRACE_SETFPREGS tid=%d: %w", tid, errno))
	}
	return nil
}
