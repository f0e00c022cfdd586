package hostarch

import "testing"

func TestPageRounding(t *testing.T) {
	cases := []struct {
		addr     Addr
		wantDown Addr
		wantUp   Addr
	}{
		{0, 0, 0},
		{1, 0, PageSize},
		{PageSize, PageSize, PageSize},
		{PageSize + 1, PageSize, 2 * PageSize},
	}
	for _, c := range cases {
		if got := c.addr.PageRoundDown(); got != c.wantDown {
			t.Errorf("PageRoundDown(%#x) = %#x, want %#x", c.addr, got, c.wantDown)
		}
		up, ok := c.addr.PageRoundUp()
		if !ok || up != c.wantUp {
			t.Errorf("PageRoundUp(%#x) = (%#x, %v), want (%#x, true)", c.addr, up, ok, c.wantUp)
		}
	}
}

func TestPageRoundUpOverflow(t *testing.T) {
	if _, ok := Addr(^uintptr(0)).PageRoundUp(); ok {
		t.Fatal("PageRoundUp at max address should overflow")
	}
}

func TestAddrRangeContainsAndOverlaps(t *testing.T) {
	r := AddrRange{Start: 0x1000, End: 0x2000}
	if !r.Contains(0x1000) || !r.Contains(0x1fff) {
		t.Error("range should contain its own bounds (half-open)")
	}
	if r.Contains(0x2000) {
		t.Error("range end is exclusive")
	}
	if !r.Overlaps(AddrRange{Start: 0x1800, End: 0x3000}) {
		t.Error("overlapping ranges should report true")
	}
	if r.Overlaps(AddrRange{Start: 0x2000, End: 0x3000}) {
		t.Error("adjacent non-overlapping ranges should report false")
	}
}

func TestAddrToRange(t *testing.T) {
	r, ok := Addr(0x1000).ToRange(0x500)
	if !ok || r.Start != 0x1000 || r.End != 0x1500 {
		t.Fatalf("ToRange = %+v, %v", r, ok)
	}
	if _, ok := Addr(^uintptr(0)).ToRange(1); ok {
		t.Fatal("ToRange should report overflow")
	}
}
