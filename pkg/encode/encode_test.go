package encode

import (
	"testing"

	"github.com/vmtrace/vmtrace/pkg/decode"
	"github.com/vmtrace/vmtrace/pkg/hostarch"
	"github.com/vmtrace/vmtrace/pkg/ir"
)

func TestEncodeJMPRel32RoundTrip(t *testing.T) {
	buf := make([]byte, JMPRel32Len)
	fromPC := hostarch.Addr(0x2000)
	target := hostarch.Addr(0x3000)
	n, err := EncodeJMPRel32(buf, fromPC, target)
	if err != nil {
		t.Fatalf("EncodeJMPRel32: %v", err)
	}
	if n != JMPRel32Len {
		t.Fatalf("n = %d, want %d", n, JMPRel32Len)
	}

	inst, err := decode.Decode(buf, fromPC, decode.Mode64)
	if err != nil {
		t.Fatalf("Decode of synthesized jmp: %v", err)
	}
	if inst.Branch != ir.BranchDirect {
		t.Errorf("Branch = %v, want BranchDirect", inst.Branch)
	}
	if inst.BranchTarget != target {
		t.Errorf("BranchTarget = %#x, want %#x", inst.BranchTarget, target)
	}
}

func TestEncodeCallRel32RoundTrip(t *testing.T) {
	buf := make([]byte, CallRel32Len)
	fromPC := hostarch.Addr(0x4000)
	target := hostarch.Addr(0x1000)
	if _, err := EncodeCallRel32(buf, fromPC, target); err != nil {
		t.Fatalf("EncodeCallRel32: %v", err)
	}
	inst, err := decode.Decode(buf, fromPC, decode.Mode64)
	if err != nil {
		t.Fatalf("Decode of synthesized call: %v", err)
	}
	if inst.Branch != ir.BranchCall {
		t.Errorf("Branch = %v, want BranchCall", inst.Branch)
	}
	if inst.BranchTarget != target {
		t.Errorf("BranchTarget = %#x, want %#x", inst.BranchTarget, target)
	}
}

func TestEncodeJccRel32RoundTrip(t *testing.T) {
	buf := make([]byte, JccRel32Len)
	fromPC := hostarch.Addr(0x5000)
	target := hostarch.Addr(0x5100)
	if _, err := EncodeJccRel32(buf, CondE, fromPC, target); err != nil {
		t.Fatalf("EncodeJccRel32: %v", err)
	}
	inst, err := decode.Decode(buf, fromPC, decode.Mode64)
	if err != nil {
		t.Fatalf("Decode of synthesized jcc: %v", err)
	}
	if inst.Branch != ir.BranchConditional {
		t.Errorf("Branch = %v, want BranchConditional", inst.Branch)
	}
	if inst.BranchTarget != target {
		t.Errorf("BranchTarget = %#x, want %#x", inst.BranchTarget, target)
	}
	if !inst.IsTerminator() {
		t.Error("Jcc must be a terminator")
	}
}

func TestEncodeJMPRel32OutOfRange(t *testing.T) {
	buf := make([]byte, JMPRel32Len)
	// A target far enough away that the displacement cannot fit in an
	// int32, forcing the range check to fire.
	_, err := EncodeJMPRel32(buf, 0, hostarch.Addr(1)<<40)
	if err == nil {
		t.Fatal("expected an out-of-range error")
	}
}

func TestEncodeMovImm64AndJMPIndirect(t *testing.T) {
	buf := make([]byte, MovImm64Len)
	if _, err := EncodeMovImm64(buf, RAX, 0x1122334455667788); err != nil {
		t.Fatalf("EncodeMovImm64: %v", err)
	}
	// REX.W (0x48) B8 (mov rax, imm64).
	if buf[0] != 0x48 || buf[1] != 0xB8 {
		t.Fatalf("unexpected encoding: % x", buf)
	}

	jbuf := make([]byte, JmpIndirectLen)
	n, err := EncodeJMPIndirect(jbuf, RAX)
	if err != nil {
		t.Fatalf("EncodeJMPIndirect: %v", err)
	}
	if n != 2 {
		t.Fatalf("jmp rax should not need a REX prefix, n = %d", n)
	}

	n, err = EncodeJMPIndirect(jbuf, R8)
	if err != nil {
		t.Fatalf("EncodeJMPIndirect(R8): %v", err)
	}
	if n != 3 {
		t.Fatalf("jmp r8 needs a REX.B prefix, n = %d", n)
	}
}

func TestEncodeINT3AndNOP(t *testing.T) {
	buf := make([]byte, 1)
	if _, err := EncodeINT3(buf); err != nil || buf[0] != 0xCC {
		t.Fatalf("EncodeINT3: buf=%v err=%v", buf, err)
	}
	nopBuf := make([]byte, 4)
	n, err := EncodeNOP(nopBuf, 4)
	if err != nil || n != 4 {
		t.Fatalf("EncodeNOP: n=%d err=%v", n, err)
	}
	for _, b := range nopBuf {
		if b != 0x90 {
			t.Fatalf("EncodeNOP: got %v, want all 0x90", nopBuf)
		}
	}
}

func TestEncodeRelocatesPCRelativeField(t *testing.T) {
	// Decode a near jmp rel8 (EB 05) at pc=0x1000, targeting 0x1007.
	raw := []byte{0xEB, 0x05}
	inst, err := decode.Decode(raw, 0x1000, decode.Mode64)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if inst.PCRelLen != 1 {
		t.Fatalf("PCRelLen = %d, want 1", inst.PCRelLen)
	}

	cursor := make([]byte, len(inst.Raw))
	newPC := hostarch.Addr(0x1010)
	if _, err := Encode(inst, cursor, newPC); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	relocated, err := decode.Decode(cursor, newPC, decode.Mode64)
	if err != nil {
		t.Fatalf("Decode of relocated bytes: %v", err)
	}
	if relocated.BranchTarget != inst.BranchTarget {
		t.Errorf("relocated BranchTarget = %#x, want unchanged target %#x", relocated.BranchTarget, inst.BranchTarget)
	}
}

func TestEncodeNoRawIsFatal(t *testing.T) {
	i := &ir.Instruction{Mnemonic: "SYNTH"}
	cursor := make([]byte, 16)
	if _, err := Encode(i, cursor, 0x1000); err == nil {
		t.Fatal("Encode of an instruction with no Raw and no synthesis rule should fail")
	}
}
