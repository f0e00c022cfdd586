package pool

import "testing"

func TestGetExhaustion(t *testing.T) {
	p := &Pool{Start: 0, Limit: 3}
	var got []uint64
	for i := 0; i < 3; i++ {
		id, ok := p.Get()
		if !ok {
			t.Fatalf("Get() #%d: pool exhausted early", i)
		}
		got = append(got, id)
	}
	if _, ok := p.Get(); ok {
		t.Fatal("Get() should fail once the pool is exhausted")
	}
	want := []uint64{0, 1, 2}
	for i, id := range got {
		if id != want[i] {
			t.Errorf("id[%d] = %d, want %d", i, id, want[i])
		}
	}
}

func TestPutReuse(t *testing.T) {
	p := &Pool{Start: 10, Limit: 11}
	id, ok := p.Get()
	if !ok || id != 10 {
		t.Fatalf("Get() = (%d, %v), want (10, true)", id, ok)
	}
	if _, ok := p.Get(); ok {
		t.Fatal("single-slot pool should be exhausted")
	}
	p.Put(id)
	again, ok := p.Get()
	if !ok || again != id {
		t.Fatalf("Get() after Put = (%d, %v), want (%d, true)", again, ok, id)
	}
}

func TestLen(t *testing.T) {
	p := &Pool{Start: 0, Limit: 5}
	if p.Len() != 0 {
		t.Fatalf("Len() on fresh pool = %d, want 0", p.Len())
	}
	a, _ := p.Get()
	b, _ := p.Get()
	if p.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", p.Len())
	}
	p.Put(a)
	if p.Len() != 1 {
		t.Fatalf("Len() after one Put = %d, want 1", p.Len())
	}
	p.Put(b)
	if p.Len() != 0 {
		t.Fatalf("Len() after both released = %d, want 0", p.Len())
	}
}
