// Package encode is the write side of the decoder/encoder leaf (spec
// §4.1). golang.org/x/arch/x86/x86asm is decode-only upstream, so
// encode is hand-written here; it covers exactly the forms the fragment
// builder and code cache need: relocating a previously-decoded
// instruction to a new cache address (the common case — the bytes
// decode produced are reused verbatim except for their PC-relative
// field), and synthesizing the small set of control-transfer and
// register-load instructions exit stubs and trampolines are built from.
//
// Encode is required to be a left inverse of Decode (decode(encode(i))
// == i, modulo the canonicalisation that choosing a fixed encoding for
// an instruction with multiple legal encodings implies): every encoder
// here always emits the same, fully-specified byte sequence for a given
// logical instruction, so feeding that sequence back through
// pkg/decode.Decode reproduces the same IR.
package encode

import (
	"encoding/binary"
	"fmt"

	"github.com/vmtrace/vmtrace/pkg/hostarch"
	"github.com/vmtrace/vmtrace/pkg/ir"
	"github.com/vmtrace/vmtrace/pkg/vmerr"
)

// ErrBufferFull is returned when cursor is too small for the encoding.
var ErrBufferFull = fmt.Errorf("encode: buffer full")

// Encode emits the bytes for i at newPC into cursor, returning the
// number of bytes written. If i carries a PC-relative field (a branch
// target or a RIP-relative memory operand, per pkg/ir's PCRelOff/
// PCRelLen/PCRelTarget), the field is recomputed relative to newPC;
// otherwise i.Raw is copied verbatim. This is the path the fragment
// builder's fix-up pass (spec §4.2) uses for every application-sourced
// instruction that survives instrumentation unchanged.
func Encode(i *ir.Instruction, cursor []byte, newPC hostarch.Addr) (int, error) {
	if len(i.Raw) == 0 {
		return 0, vmerr.Fatal(vmerr.KindEncode, "encode.Encode", fmt.Errorf("instruction %s has no raw encoding and no synthesis rule", i.Mnemonic))
	}
	n := len(i.Raw)
	if n > len(cursor) {
		return 0, vmerr.New(vmerr.KindEncode, "encode.Encode", ErrBufferFull)
	}
	copy(cursor, i.Raw)
	if i.PCRelLen > 0 {
		if i.PCRelOff+i.PCRelLen > n {
			return 0, vmerr.Fatal(vmerr.KindEncode, "encode.Encode", fmt.Errorf("instruction %s has out-of-range PC-relative field", i.Mnemonic))
		}
		newDisp := int64(i.PCRelTarget) - (int64(newPC) + int64(n))
		if !fitsSigned(newDisp, i.PCRelLen) {
			return 0, vmerr.Fatal(vmerr.KindEncode, "encode.Encode", fmt.Errorf("instruction %s: relocated displacement %d does not fit in %d bytes", i.Mnemonic, newDisp, i.PCRelLen))
		}
		putSigned(cursor[i.PCRelOff:i.PCRelOff+i.PCRelLen], newDisp)
	}
	i.TranslationPC = newPC
	return n, nil
}

func fitsSigned(v int64, width int) bool {
	bits := uint(width * 8)
	min := -(int64(1) << (bits - 1))
	max := (int64(1) << (bits - 1)) - 1
	return v >= min && v <= max
}

func putSigned(dst []byte, v int64) {
	switch len(dst) {
	case 1:
		dst[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(dst, uint16(int16(v)))
	case 4:
		binary.LittleEndian.PutUint32(dst, uint32(int32(v)))
	case 8:
		binary.LittleEndian.PutUint64(dst, uint64(v))
	default:
		// Unreached for x86: PC-relative fields are always 1, 2, 4, or 8
		// bytes wide.
		panic(fmt.Sprintf("encode: unsupported relocation width %d", len(dst)))
	}
}

// GPR is a general-purpose register selector for synthesized
// instructions, using the canonical x86-64 /r encoding order.
type GPR uint8

// Registers usable by the synthesizers below.
const (
	RAX GPR = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

func (r GPR) lowBits() byte  { return byte(r) & 0x7 }
func (r GPR) needsRex() bool { return r >= R8 }
func (r GPR) rexBit() byte {
	if r.needsRex() {
		return 1
	}
	return 0
}

// JMPRel32Len is the fixed length of a near relative jump.
const JMPRel32Len = 5

// JccRel32Len is the fixed length of a near relative conditional jump.
const JccRel32Len = 6

// CallRel32Len is the fixed length of a near relative call.
const CallRel32Len = 5

// MovImm64Len is the fixed length of a 64-bit immediate load.
const MovImm64Len = 10

// JmpIndirectLen is the fixed length of an indirect jump through a GPR.
const JmpIndirectLen = 3

// EncodeJMPRel32 emits E9 rel32, a near unconditional jump, at fromPC,
// targeting target. This is how an exit stub's unlinked state (jump to
// the dispatcher) and linked state (jump directly to a fragment) are
// both represented, per spec §4.3's linking contract.
func EncodeJMPRel32(cursor []byte, fromPC, target hostarch.Addr) (int, error) {
	if len(cursor) < JMPRel32Len {
		return 0, ErrBufferFull
	}
	disp := int64(target) - (int64(fromPC) + JMPRel32Len)
	if !fitsSigned(disp, 4) {
		return 0, fmt.Errorf("encode: JMP target %#x unreachable from %#x with rel32", target, fromPC)
	}
	cursor[0] = 0xE9
	binary.LittleEndian.PutUint32(cursor[1:5], uint32(int32(disp)))
	return JMPRel32Len, nil
}

// CondCode is an x86 condition-code nibble (the low nibble of 0x0F 0x8x
// Jcc opcodes), used to re-encode a conditional exit stub.
type CondCode uint8

// Condition codes needed by the conditional-branch exit-stub path.
const (
	CondO  CondCode = 0x0
	CondNO CondCode = 0x1
	CondB  CondCode = 0x2
	CondAE CondCode = 0x3
	CondE  CondCode = 0x4
	CondNE CondCode = 0x5
	CondBE CondCode = 0x6
	CondA  CondCode = 0x7
	CondS  CondCode = 0x8
	CondNS CondCode = 0x9
	CondP  CondCode = 0xA
	CondNP CondCode = 0xB
	CondL  CondCode = 0xC
	CondGE CondCode = 0xD
	CondLE CondCode = 0xE
	CondG  CondCode = 0xF
)

// EncodeJccRel32 emits 0F 8x rel32, a near conditional jump.
func EncodeJccRel32(cursor []byte, cc CondCode, fromPC, target hostarch.Addr) (int, error) {
	if len(cursor) < JccRel32Len {
		return 0, ErrBufferFull
	}
	disp := int64(target) - (int64(fromPC) + JccRel32Len)
	if !fitsSigned(disp, 4) {
		return 0, fmt.Errorf("encode: Jcc target %#x unreachable from %#x with rel32", target, fromPC)
	}
	cursor[0] = 0x0F
	cursor[1] = 0x80 | byte(cc)
	binary.LittleEndian.PutUint32(cursor[2:6], uint32(int32(disp)))
	return JccRel32Len, nil
}

// EncodeCallRel32 emits E8 rel32, a near relative call.
func EncodeCallRel32(cursor []byte, fromPC, target hostarch.Addr) (int, error) {
	if len(cursor) < CallRel32Len {
		return 0, ErrBufferFull
	}
	disp := int64(target) - (int64(fromPC) + CallRel32Len)
	if !fitsSigned(disp, 4) {
		return 0, fmt.Errorf("encode: CALL target %#x unreachable from %#x with rel32", target, fromPC)
	}
	cursor[0] = 0xE8
	binary.LittleEndian.PutUint32(cursor[1:5], uint32(int32(disp)))
	return CallRel32Len, nil
}

// EncodeMovImm64 emits REX.W B8+r imm64: mov reg, imm64. Used to load an
// indirect-branch lookup key or a dispatcher re-entry PC into a scratch
// register from within an exit stub.
func EncodeMovImm64(cursor []byte, reg GPR, imm uint64) (int, error) {
	if len(cursor) < MovImm64Len {
		return 0, ErrBufferFull
	}
	cursor[0] = 0x48 | reg.rexBit() // REX.W [.B]
	cursor[1] = 0xB8 + reg.lowBits()
	binary.LittleEndian.PutUint64(cursor[2:10], imm)
	return MovImm64Len, nil
}

// EncodeJMPIndirect emits FF /4: jmp reg, an indirect jump through a
// scratch register already loaded with a resolved target. Used by the
// indirect-branch stub's hit path (spec §4.2).
func EncodeJMPIndirect(cursor []byte, reg GPR) (int, error) {
	if len(cursor) < JmpIndirectLen {
		return 0, ErrBufferFull
	}
	n := 0
	if reg.needsRex() {
		cursor[0] = 0x41 // REX.B
		n = 1
	}
	cursor[n] = 0xFF
	cursor[n+1] = 0xE0 | reg.lowBits()
	return n + 2, nil
}

// EncodeINT3 emits a single-byte breakpoint trap, used as cache-page
// padding that will fault loudly if control ever reaches it.
func EncodeINT3(cursor []byte) (int, error) {
	if len(cursor) < 1 {
		return 0, ErrBufferFull
	}
	cursor[0] = 0xCC
	return 1, nil
}

// EncodeNOP emits n bytes of single-byte NOP padding.
func EncodeNOP(cursor []byte, n int) (int, error) {
	if len(cursor) < n {
		return 0, ErrBufferFull
	}
	for i := 0; i < n; i++ {
		cursor[i] = 0x90
	}
	return n, nil
}
