package decode

import (
	"testing"

	"github.com/vmtrace/vmtrace/pkg/hostarch"
	"github.com/vmtrace/vmtrace/pkg/ir"
)

func TestDecodeNOP(t *testing.T) {
	inst, err := Decode([]byte{0x90}, 0x1000, Mode64)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if inst.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", inst.Len())
	}
	if inst.IsTerminator() {
		t.Error("NOP must not be a terminator")
	}
	if inst.SourcePC != 0x1000 {
		t.Errorf("SourcePC = %#x, want 0x1000", inst.SourcePC)
	}
}

func TestDecodeRET(t *testing.T) {
	inst, err := Decode([]byte{0xC3}, 0x2000, Mode64)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !inst.Category.Has(ir.CategoryBranch) {
		t.Error("RET should be categorized as a branch")
	}
	if inst.Branch != ir.BranchReturn {
		t.Errorf("Branch = %v, want BranchReturn", inst.Branch)
	}
	if !inst.IsTerminator() {
		t.Error("RET must be a terminator")
	}
}

func TestDecodeINT3(t *testing.T) {
	inst, err := Decode([]byte{0xCC}, 0x3000, Mode64)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !inst.IsTerminator() {
		t.Error("INT3 must be a terminator")
	}
}

func TestDecodeJMPRel8(t *testing.T) {
	// EB 05: jmp rel8 +5, executing at 0x4000 -> target 0x4000+2+5.
	pc := hostarch.Addr(0x4000)
	inst, err := Decode([]byte{0xEB, 0x05}, pc, Mode64)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if inst.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", inst.Len())
	}
	if inst.Branch != ir.BranchDirect {
		t.Errorf("Branch = %v, want BranchDirect", inst.Branch)
	}
	wantTarget := pc + 2 + 5
	if inst.BranchTarget != wantTarget {
		t.Errorf("BranchTarget = %#x, want %#x", inst.BranchTarget, wantTarget)
	}
	if !inst.IsTerminator() {
		t.Error("JMP must be a terminator")
	}
}

func TestDecodeTruncatedBuffer(t *testing.T) {
	// E9 rel32 needs 5 bytes; give it one.
	if _, err := Decode([]byte{0xE9}, 0x1000, Mode64); err == nil {
		t.Fatal("Decode on a truncated instruction should fail")
	}
}

func TestDecodeEmptyBuffer(t *testing.T) {
	if _, err := Decode(nil, 0x1000, Mode64); err == nil {
		t.Fatal("Decode on an empty buffer should fail")
	}
}
