package ir

import "testing"

func TestCategoryHas(t *testing.T) {
	c := CategoryLoad | CategoryStore
	if !c.Has(CategoryLoad) {
		t.Error("Has(CategoryLoad) should be true")
	}
	if c.Has(CategoryBranch) {
		t.Error("Has(CategoryBranch) should be false")
	}
	if !c.Has(CategoryLoad | CategoryStore) {
		t.Error("Has should report true for the full mask it was built from")
	}
}

func TestIsTerminator(t *testing.T) {
	cases := []struct {
		name string
		inst Instruction
		want bool
	}{
		{"plain add", Instruction{Category: CategoryIntMath}, false},
		{"direct jmp", Instruction{Category: CategoryBranch, Branch: BranchDirect}, true},
		{"conditional jcc", Instruction{Category: CategoryBranch, Branch: BranchConditional}, true},
		{"ret", Instruction{Category: CategoryBranch, Branch: BranchReturn}, true},
		{"syscall", Instruction{Category: CategoryBranch, Branch: BranchSyscall}, true},
		{"branch category but NotABranch tag", Instruction{Category: CategoryBranch, Branch: NotABranch}, false},
	}
	for _, c := range cases {
		if got := c.inst.IsTerminator(); got != c.want {
			t.Errorf("%s: IsTerminator() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestSizeClassOf(t *testing.T) {
	cases := map[int]SizeClass{1: Size8, 2: Size16, 4: Size32, 8: Size64, 16: Size128, 32: Size256, 64: Size512, 3: SizeUnknown}
	for width, want := range cases {
		if got := SizeClassOf(width); got != want {
			t.Errorf("SizeClassOf(%d) = %v, want %v", width, got, want)
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	orig := &Instruction{
		Raw: []byte{0x90, 0x90},
		Src: []Operand{{Kind: OperandImmediate, Imm: 1}},
		Dst: []Operand{{Kind: OperandRegister, Reg: 1}},
	}
	clone := orig.Clone()
	clone.Raw[0] = 0xCC
	clone.Src[0].Imm = 99
	clone.Dst[0].Reg = 2

	if orig.Raw[0] != 0x90 {
		t.Error("mutating clone.Raw must not affect the original")
	}
	if orig.Src[0].Imm != 1 {
		t.Error("mutating clone.Src must not affect the original")
	}
	if orig.Dst[0].Reg != 1 {
		t.Error("mutating clone.Dst must not affect the original")
	}
}

func TestLen(t *testing.T) {
	i := &Instruction{Raw: []byte{0x48, 0x89, 0xe5}}
	if got := i.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}
}
