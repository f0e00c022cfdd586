package threadreg

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestAddGetRemove(t *testing.T) {
	r := New()
	t1 := r.Add(100)
	if t1.TID != 100 {
		t.Fatalf("TID = %d, want 100", t1.TID)
	}
	if _, ok := r.Get(100); !ok {
		t.Fatal("Get should find a just-added thread")
	}
	if len(r.All()) != 1 {
		t.Fatalf("All() = %v, want 1 entry", r.All())
	}

	r.Remove(100)
	if _, ok := r.Get(100); ok {
		t.Fatal("Get should miss after Remove")
	}
	if len(r.All()) != 0 {
		t.Fatalf("All() after Remove = %v, want empty", r.All())
	}
}

func TestSlotReuse(t *testing.T) {
	r := New()
	t1 := r.Add(1)
	firstSlot := t1.Slot
	r.Remove(1)

	t2 := r.Add(2)
	if t2.Slot != firstSlot {
		t.Errorf("Slot = %d, want reused slot %d", t2.Slot, firstSlot)
	}
}

func TestSlotsAreDistinctWhileLive(t *testing.T) {
	r := New()
	t1 := r.Add(1)
	t2 := r.Add(2)
	if t1.Slot == t2.Slot {
		t.Errorf("two live threads should not share a slot: %d == %d", t1.Slot, t2.Slot)
	}
}

func TestQueueAndDequeueSignal(t *testing.T) {
	th := &Thread{TID: 1}
	if _, ok := th.DequeueSignal(); ok {
		t.Fatal("DequeueSignal on an empty queue should report false")
	}

	th.QueueSignal(unix.SIGUSR1)
	th.QueueSignal(unix.SIGUSR2)

	sig, ok := th.DequeueSignal()
	if !ok || sig != unix.SIGUSR1 {
		t.Fatalf("first dequeue = %v, %v, want SIGUSR1 preserving FIFO order", sig, ok)
	}
	sig, ok = th.DequeueSignal()
	if !ok || sig != unix.SIGUSR2 {
		t.Fatalf("second dequeue = %v, %v, want SIGUSR2", sig, ok)
	}
	if _, ok := th.DequeueSignal(); ok {
		t.Fatal("queue should be empty after draining both signals")
	}
}

func TestTranslationRequestedClearsOnRead(t *testing.T) {
	th := &Thread{TID: 1}
	if th.TranslationRequested() {
		t.Fatal("a fresh Thread should have no translation request pending")
	}
	th.RequestTranslation()
	if !th.TranslationRequested() {
		t.Fatal("TranslationRequested should report true once requested")
	}
	if th.TranslationRequested() {
		t.Fatal("TranslationRequested should clear the flag after reporting it")
	}
}

func TestApplicationPCDefaultsToZero(t *testing.T) {
	th := &Thread{TID: 1}
	if got := th.ApplicationPC(); got != 0 {
		t.Errorf("ApplicationPC() of a freshly created thread = %#x, want 0", got)
	}
}
