package dispatcher

import (
	"testing"

	"github.com/vmtrace/vmtrace/pkg/codecache"
	"github.com/vmtrace/vmtrace/pkg/fragment"
	"github.com/vmtrace/vmtrace/pkg/hostarch"
	"github.com/vmtrace/vmtrace/pkg/moduledb"
)

type fakeMem struct {
	base  hostarch.Addr
	image []byte
}

func (f *fakeMem) ReadMem(addr hostarch.Addr, p []byte) (int, error) {
	if addr < f.base || addr >= f.base+hostarch.Addr(len(f.image)) {
		return 0, nil
	}
	return copy(p, f.image[addr-f.base:]), nil
}

func newTestDispatcher(t *testing.T, image []byte) (*Dispatcher, hostarch.Addr) {
	t.Helper()
	base := hostarch.Addr(0x400000)
	modules := moduledb.New()
	modules.Insert(&moduledb.Entry{
		Range: hostarch.AddrRange{Start: base, End: base + 0x1000},
		Perms: hostarch.AccessType{Read: true, Execute: true},
		Path:  "/bin/fixture",
	})
	mem := &fakeMem{base: base, image: image}
	builder := fragment.NewBuilder(mem, modules, 256)

	cache, err := codecache.New(1<<16, 64, 90)
	if err != nil {
		t.Fatalf("codecache.New: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	return New(cache, builder), base
}

func TestEnterBuildsAndCaches(t *testing.T) {
	d, base := newTestDispatcher(t, []byte{0x90, 0xC3}) // nop; ret
	ts := &ThreadState{}

	target1, err := d.Enter(ts, base)
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if target1 == 0 {
		t.Fatal("Enter should return a non-zero cache address")
	}
	state, pc, frag := ts.Snapshot()
	if state != InCache || pc != base || frag == nil {
		t.Fatalf("Snapshot after Enter = %v, %#x, %v, want InCache, %#x, non-nil", state, uintptr(pc), frag, uintptr(base))
	}

	// A second Enter at the same PC should hit the cache, not rebuild.
	target2, err := d.Enter(ts, base)
	if err != nil {
		t.Fatalf("second Enter: %v", err)
	}
	if target2 != target1 {
		t.Errorf("second Enter returned %#x, want cached %#x", uintptr(target2), uintptr(target1))
	}
}

func TestEnterSyscallAndLeaveSyscall(t *testing.T) {
	d, base := newTestDispatcher(t, []byte{0xC3})
	ts := &ThreadState{}

	d.EnterSyscall(ts, base)
	state, pc, frag := ts.Snapshot()
	if state != InSyscall || pc != base || frag != nil {
		t.Fatalf("Snapshot after EnterSyscall = %v, %#x, %v", state, uintptr(pc), frag)
	}

	target, err := d.LeaveSyscall(ts, base)
	if err != nil {
		t.Fatalf("LeaveSyscall: %v", err)
	}
	if target == 0 {
		t.Fatal("LeaveSyscall should re-enter the dispatcher and return a cache address")
	}
	state, _, _ = ts.Snapshot()
	if state != InCache {
		t.Errorf("state after LeaveSyscall = %v, want InCache", state)
	}
}

func TestResolveIndirectMissesThenHits(t *testing.T) {
	d, base := newTestDispatcher(t, []byte{0xC3})
	ts := &ThreadState{}

	target1, err := d.ResolveIndirect(ts, base)
	if err != nil {
		t.Fatalf("ResolveIndirect (miss): %v", err)
	}
	if target1 == 0 {
		t.Fatal("ResolveIndirect should build and return a cache address on miss")
	}

	target2, err := d.ResolveIndirect(ts, base)
	if err != nil {
		t.Fatalf("ResolveIndirect (hit): %v", err)
	}
	if target2 != target1 {
		t.Errorf("ResolveIndirect hit returned %#x, want %#x", uintptr(target2), uintptr(target1))
	}
}

func TestEnterFailsOnUnmappedPC(t *testing.T) {
	d, _ := newTestDispatcher(t, []byte{0xC3})
	ts := &ThreadState{}
	if _, err := d.Enter(ts, 0x999000); err == nil {
		t.Fatal("Enter at an unmapped PC should fail")
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		InCache:      "IN_CACHE",
		InDispatcher: "IN_DISPATCHER",
		InBuilder:    "IN_BUILDER",
		InSyscall:    "IN_SYSCALL",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
