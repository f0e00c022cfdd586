package client

import (
	"fmt"
	"sync"
	"testing"

	"github.com/vmtrace/vmtrace/pkg/hostarch"
	"github.com/vmtrace/vmtrace/pkg/ir"
	"github.com/vmtrace/vmtrace/pkg/moduledb"
)

func TestNotifyThreadInitAndExit(t *testing.T) {
	r := New()
	var mu sync.Mutex
	var inits, exits []int
	r.RegisterThreadInit(func(tid int) { mu.Lock(); inits = append(inits, tid); mu.Unlock() })
	r.RegisterThreadExit(func(tid int) { mu.Lock(); exits = append(exits, tid); mu.Unlock() })

	r.NotifyThreadInit(42)
	r.NotifyThreadExit(42)

	if len(inits) != 1 || inits[0] != 42 {
		t.Errorf("inits = %v, want [42]", inits)
	}
	if len(exits) != 1 || exits[0] != 42 {
		t.Errorf("exits = %v, want [42]", exits)
	}
}

func TestNotifyModuleLoadAndUnload(t *testing.T) {
	r := New()
	var loaded, unloaded *moduledb.Entry
	r.RegisterModuleLoad(func(e *moduledb.Entry) { loaded = e })
	r.RegisterModuleUnload(func(e *moduledb.Entry) { unloaded = e })

	entry := &moduledb.Entry{Path: "/lib/libc.so.6"}
	r.NotifyModuleLoad(entry)
	r.NotifyModuleUnload(entry)

	if loaded != entry {
		t.Error("module-load callback did not receive the entry")
	}
	if unloaded != entry {
		t.Error("module-unload callback did not receive the entry")
	}
}

func TestNotifySignal(t *testing.T) {
	r := New()
	var gotTid, gotSig int
	var gotPC hostarch.Addr
	r.RegisterSignal(func(tid, sig int, pc hostarch.Addr) {
		gotTid, gotSig, gotPC = tid, sig, pc
	})
	r.NotifySignal(7, 11, 0x4000)
	if gotTid != 7 || gotSig != 11 || gotPC != 0x4000 {
		t.Errorf("signal callback got (%d,%d,%#x), want (7,11,0x4000)", gotTid, gotSig, gotPC)
	}
}

func TestNotifySyscallPreAndPost(t *testing.T) {
	r := New()
	var preArgs, postArgs [6]uintptr
	r.RegisterSyscallPre(func(tid int, sysno uintptr, args [6]uintptr) { preArgs = args })
	r.RegisterSyscallPost(func(tid int, sysno uintptr, args [6]uintptr) { postArgs = args })

	args := [6]uintptr{1, 2, 3, 4, 5, 6}
	r.NotifySyscallPre(1, 0, args)
	r.NotifySyscallPost(1, 0, args)

	if preArgs != args || postArgs != args {
		t.Errorf("syscall callbacks did not receive args: pre=%v post=%v want=%v", preArgs, postArgs, args)
	}
}

func TestFragmentCallbacksOrderAndIsolation(t *testing.T) {
	r := New()
	r.RegisterFragmentCallback(func(pc hostarch.Addr, instrs []*ir.Instruction) []*ir.Instruction { return instrs })
	r.RegisterFragmentCallback(func(pc hostarch.Addr, instrs []*ir.Instruction) []*ir.Instruction { return instrs })

	cbs := r.FragmentCallbacks()
	if len(cbs) != 2 {
		t.Fatalf("len(cbs) = %d, want 2", len(cbs))
	}
	// Mutating the returned slice must not affect the registry's own copy.
	cbs[0] = nil
	if r.FragmentCallbacks()[0] == nil {
		t.Error("FragmentCallbacks should return a defensive copy")
	}
}

func TestQueryDecodeAtUsesWiredDecodeFn(t *testing.T) {
	mem := fakeMemReader{data: []byte{0xC3}}
	q := NewQuery(mem)

	want := &ir.Instruction{Mnemonic: "RET"}
	SetDecodeFn(func(src []byte, pc hostarch.Addr, mode int) (*ir.Instruction, error) {
		if len(src) == 0 || src[0] != 0xC3 {
			return nil, fmt.Errorf("unexpected src %v", src)
		}
		return want, nil
	})
	defer SetDecodeFn(func(src []byte, pc hostarch.Addr, mode int) (*ir.Instruction, error) {
		return nil, fmt.Errorf("client: decodeFn not wired")
	})

	got, err := q.DecodeAt(0x1000, 0)
	if err != nil {
		t.Fatalf("DecodeAt: %v", err)
	}
	if got != want {
		t.Errorf("DecodeAt returned %+v, want %+v", got, want)
	}
}

func TestCreateNativeThreadRuns(t *testing.T) {
	ran := make(chan struct{})
	done := CreateNativeThread(func() { close(ran) })
	<-done
	select {
	case <-ran:
	default:
		t.Error("CreateNativeThread's fn should have run before done closed")
	}
}

type fakeMemReader struct {
	data []byte
}

func (f fakeMemReader) ReadMem(addr hostarch.Addr, p []byte) (int, error) {
	n := copy(p, f.data)
	return n, nil
}
