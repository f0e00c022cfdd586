// Package decode is the amd64 decoder/encoder leaf of the core (spec
// §4.1). Decoding is delegated to golang.org/x/arch/x86/x86asm — the
// same decoder the Go toolchain itself uses — and adapted onto
// pkg/ir.Instruction so the rest of the runtime never imports x86asm
// directly. Encoding has no upstream counterpart in x86asm (it is a
// decode-only package) and is implemented in pkg/encode.
package decode

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/vmtrace/vmtrace/pkg/hostarch"
	"github.com/vmtrace/vmtrace/pkg/ir"
	"github.com/vmtrace/vmtrace/pkg/vmerr"
)

// Mode is the processor mode decode operates in. Only 64-bit mode is
// exercised by the fragment builder; 32 and 16 are accepted because
// x86asm supports them and tests exercise the adapter directly.
type Mode int

// Supported modes.
const (
	Mode64 Mode = 64
	Mode32 Mode = 32
	Mode16 Mode = 16
)

// Decode decodes the instruction starting at src[0], which will execute
// at address pc. It returns the decoded instruction; the caller
// recovers the consumed length via the returned instruction's Len().
// A decode failure is reported as a *vmerr.Error of kind KindDecode;
// per spec §4.1 this is never fatal on its own — it is the fragment
// builder's job to decide what a decode failure means for the block it
// is building.
func Decode(src []byte, pc hostarch.Addr, mode Mode) (*ir.Instruction, error) {
	inst, err := x86asm.Decode(src, int(mode))
	if err != nil {
		return nil, vmerr.New(vmerr.KindDecode, "decode.Decode", err)
	}
	if inst.Len <= 0 || inst.Len > len(src) {
		return nil, vmerr.New(vmerr.KindDecode, "decode.Decode", fmt.Errorf("implausible length %d", inst.Len))
	}
	return adapt(&inst, src[:inst.Len], pc), nil
}

// adapt converts an x86asm.Inst into vmtrace's own tagged IR.
func adapt(inst *x86asm.Inst, raw []byte, pc hostarch.Addr) *ir.Instruction {
	name := strings.ToUpper(inst.Op.String())
	out := &ir.Instruction{
		Op:       uint32(inst.Op),
		Mnemonic: name,
		Raw:      append([]byte(nil), raw...),
		SourcePC: pc,
	}
	out.Category, out.Branch, out.BranchTarget = classify(name, inst, pc)

	if inst.PCRel > 0 {
		out.PCRelOff = inst.PCRelOff
		out.PCRelLen = inst.PCRel
		if out.Branch != ir.NotABranch && out.BranchTarget != 0 {
			out.PCRelTarget = out.BranchTarget
		} else if target, ok := ripRelativeTarget(inst, pc); ok {
			out.PCRelTarget = target
		}
	}

	for i, a := range inst.Args {
		if a == nil {
			continue
		}
		operand := adaptArg(a, inst, pc)
		// x86asm lists arguments in Intel order (destination first for
		// two-operand forms); we keep the first argument as the
		// canonical destination when the instruction is not purely a
		// comparison/branch/push, matching how instrumentation callbacks
		// expect to find "what this instruction writes" at Dst[0].
		if i == 0 && writesFirstArg(name) {
			out.Dst = append(out.Dst, operand)
		} else {
			out.Src = append(out.Src, operand)
		}
	}
	return out
}

// namesThatOnlyRead are opcodes whose first Intel-order argument is not
// a write target (comparisons, branches, and stack pushes).
var namesThatOnlyRead = map[string]bool{
	"CMP": true, "TEST": true, "JMP": true, "CALL": true, "RET": true,
	"PUSH": true, "NOP": true, "INT3": true, "INT": true, "SYSCALL": true,
}

func writesFirstArg(name string) bool {
	if strings.HasPrefix(name, "J") {
		return false
	}
	return !namesThatOnlyRead[name]
}

func adaptArg(a x86asm.Arg, inst *x86asm.Inst, pc hostarch.Addr) ir.Operand {
	switch v := a.(type) {
	case x86asm.Reg:
		w := regWidth(v)
		return ir.Operand{
			Kind:       ir.OperandRegister,
			Reg:        ir.Reg(v),
			WidthBytes: w,
			Size:       ir.SizeClassOf(w),
		}
	case x86asm.Mem:
		return ir.Operand{
			Kind: ir.OperandMemory,
			Mem: ir.Mem{
				Segment: ir.Reg(v.Segment),
				Base:    ir.Reg(v.Base),
				Index:   ir.Reg(v.Index),
				Scale:   v.Scale,
				Disp:    v.Disp,
			},
			WidthBytes: inst.MemBytes,
			Size:       ir.SizeClassOf(inst.MemBytes),
		}
	case x86asm.Imm:
		return ir.Operand{Kind: ir.OperandImmediate, Imm: int64(v)}
	case x86asm.Rel:
		target := hostarch.Addr(int64(pc) + int64(inst.Len) + int64(v))
		return ir.Operand{Kind: ir.OperandPCRelative, RelTarget: target}
	default:
		return ir.Operand{Kind: ir.OperandNone}
	}
}

// regWidth returns the width in bytes of a general-purpose/vector
// register, derived from the name x86asm assigns it (x86asm.Reg.String
// follows the conventional AL/AX/EAX/RAX/XMMn/YMMn/ZMMn naming used
// throughout the ISA documentation).
func regWidth(r x86asm.Reg) int {
	name := r.String()
	switch {
	case strings.HasPrefix(name, "ZMM"):
		return 64
	case strings.HasPrefix(name, "YMM"):
		return 32
	case strings.HasPrefix(name, "XMM"), strings.HasPrefix(name, "MM"):
		return 16
	case strings.HasPrefix(name, "R"):
		return 8
	case strings.HasPrefix(name, "E"):
		return 4
	case strings.HasSuffix(name, "L") || strings.HasSuffix(name, "H") || strings.HasSuffix(name, "B"):
		return 1
	case len(name) == 2:
		return 2
	default:
		return 8
	}
}

// classify derives the category bitmask, branch kind, and (if
// statically known) branch target for an instruction, per spec §3's
// category list and §4.1's terminator-flagging requirement. Matching is
// done on the opcode's rendered mnemonic rather than on x86asm's Op
// constants, which keeps this adapter insulated from upstream opcode
// table churn.
func classify(name string, inst *x86asm.Inst, pc hostarch.Addr) (ir.Category, ir.BranchKind, hostarch.Addr) {
	switch name {
	case "JMP", "JMPF":
		return ir.CategoryBranch, branchKindOf(inst), staticTarget(inst, pc)
	case "CALL", "CALLF":
		kind := ir.BranchCall
		if _, ok := firstRel(inst); !ok {
			kind = ir.BranchCallIndirect
		}
		return ir.CategoryBranch, kind, staticTarget(inst, pc)
	case "RET", "RETF", "IRET", "IRETD", "IRETQ":
		return ir.CategoryBranch, ir.BranchReturn, 0
	case "SYSCALL", "SYSENTER", "SYSRET", "SYSEXIT", "INT", "INT3", "INTO":
		return ir.CategoryBranch, ir.BranchSyscall, 0
	case "UD2", "HLT":
		return ir.CategoryBranch, ir.BranchTrap, 0
	}
	if isConditionalJump(name) {
		return ir.CategoryBranch, ir.BranchConditional, staticTarget(inst, pc)
	}

	var cat ir.Category
	if inst.MemBytes > 0 {
		if writesFirstArg(name) {
			cat |= ir.CategoryStore
		} else {
			cat |= ir.CategoryLoad
		}
	}
	switch {
	case isSIMDName(name):
		cat |= ir.CategorySIMD
	case isFPName(name):
		cat |= ir.CategoryFPMath
	case isIntMathName(name):
		cat |= ir.CategoryIntMath
	default:
		if cat == 0 {
			cat = ir.CategoryOther
		}
	}
	return cat, ir.NotABranch, 0
}

// ripRelativeTarget returns the absolute address a RIP-relative memory
// operand resolves to, if the instruction has one.
func ripRelativeTarget(inst *x86asm.Inst, pc hostarch.Addr) (hostarch.Addr, bool) {
	for _, a := range inst.Args {
		mem, ok := a.(x86asm.Mem)
		if !ok {
			continue
		}
		if mem.Base == x86asm.RIP {
			return hostarch.Addr(int64(pc) + int64(inst.Len) + mem.Disp), true
		}
	}
	return 0, false
}

func firstRel(inst *x86asm.Inst) (x86asm.Rel, bool) {
	if len(inst.Args) == 0 || inst.Args[0] == nil {
		return 0, false
	}
	r, ok := inst.Args[0].(x86asm.Rel)
	return r, ok
}

func branchKindOf(inst *x86asm.Inst) ir.BranchKind {
	if _, ok := firstRel(inst); ok {
		return ir.BranchDirect
	}
	return ir.BranchIndirect
}

func staticTarget(inst *x86asm.Inst, pc hostarch.Addr) hostarch.Addr {
	if rel, ok := firstRel(inst); ok {
		return hostarch.Addr(int64(pc) + int64(inst.Len) + int64(rel))
	}
	return 0
}

func isConditionalJump(name string) bool {
	if !strings.HasPrefix(name, "J") {
		return strings.HasPrefix(name, "LOOP")
	}
	switch name {
	case "JMP", "JMPF":
		return false
	default:
		return true
	}
}

func isSIMDName(name string) bool {
	for _, p := range []string{"MOVD", "MOVQ", "MOVAPS", "MOVUPS", "MOVSS", "MOVSD",
		"PADD", "PSUB", "PXOR", "PAND", "POR", "PMUL", "PSHUF", "PCMP",
		"ADDPS", "ADDPD", "SUBPS", "SUBPD", "MULPS", "MULPD", "DIVPS", "DIVPD",
		"VMOV", "VADD", "VSUB", "VMUL", "VPXOR"} {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return strings.Contains(name, "XMM") || strings.Contains(name, "YMM")
}

func isFPName(name string) bool {
	if strings.HasPrefix(name, "F") && name != "FS" {
		return true
	}
	switch {
	case strings.HasPrefix(name, "ADDS"), strings.HasPrefix(name, "SUBS"),
		strings.HasPrefix(name, "MULS"), strings.HasPrefix(name, "DIVS"),
		strings.HasPrefix(name, "COMIS"), strings.HasPrefix(name, "UCOMIS"),
		strings.HasPrefix(name, "CVT"):
		return true
	default:
		return false
	}
}

func isIntMathName(name string) bool {
	switch name {
	case "ADD", "SUB", "MUL", "IMUL", "DIV", "IDIV", "AND", "OR", "XOR",
		"NOT", "NEG", "SHL", "SHR", "SAR", "ROL", "ROR", "RCL", "RCR",
		"INC", "DEC", "ADC", "SBB", "CMP", "TEST", "LEA", "CDQ", "CQO", "CWD":
		return true
	default:
		return false
	}
}

// String renders a short description of an instruction, for logs and
// error messages.
func String(i *ir.Instruction) string {
	return fmt.Sprintf("%s @ %#x", i.Mnemonic, uintptr(i.SourcePC))
}
