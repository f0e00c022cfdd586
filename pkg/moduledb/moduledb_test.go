package moduledb

import (
	"testing"

	"github.com/vmtrace/vmtrace/pkg/hostarch"
)

func TestInsertAndLookup(t *testing.T) {
	db := New()
	db.Insert(&Entry{Range: hostarch.AddrRange{Start: 0x1000, End: 0x2000}, Path: "/lib/libc.so.6"})
	db.Insert(&Entry{Range: hostarch.AddrRange{Start: 0x3000, End: 0x4000}, Path: "/bin/app"})

	e, ok := db.Lookup(0x1500)
	if !ok || e.Path != "/lib/libc.so.6" {
		t.Fatalf("Lookup(0x1500) = %+v, %v", e, ok)
	}

	e, ok = db.Lookup(0x2500)
	if ok {
		t.Fatalf("Lookup in a gap should miss, got %+v", e)
	}

	if db.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", db.Len())
	}
}

func TestRemoveBumpsGeneration(t *testing.T) {
	db := New()
	db.Insert(&Entry{Range: hostarch.AddrRange{Start: 0x1000, End: 0x2000}, Path: "/lib/libfoo.so"})
	e, _ := db.Lookup(0x1000)
	if e.Generation != 0 {
		t.Fatalf("first mapping generation = %d, want 0", e.Generation)
	}

	db.Remove(hostarch.AddrRange{Start: 0x1000, End: 0x2000})
	if _, ok := db.Lookup(0x1000); ok {
		t.Fatal("Lookup should miss after Remove")
	}

	db.Insert(&Entry{Range: hostarch.AddrRange{Start: 0x5000, End: 0x6000}, Path: "/lib/libfoo.so"})
	e, ok := db.Lookup(0x5000)
	if !ok || e.Generation != 1 {
		t.Fatalf("re-mapped entry generation = %+v, %v, want Generation 1", e, ok)
	}
}

func TestRemoveOnlyOverlapping(t *testing.T) {
	db := New()
	db.Insert(&Entry{Range: hostarch.AddrRange{Start: 0x1000, End: 0x2000}, Path: "/a"})
	db.Insert(&Entry{Range: hostarch.AddrRange{Start: 0x3000, End: 0x4000}, Path: "/b"})

	db.Remove(hostarch.AddrRange{Start: 0x1800, End: 0x2800})
	if _, ok := db.Lookup(0x1000); ok {
		t.Fatal("overlapping entry should have been removed")
	}
	if _, ok := db.Lookup(0x3000); !ok {
		t.Fatal("non-overlapping entry should survive")
	}
}

func TestParseMapsLine(t *testing.T) {
	line := "7f1234400000-7f1234421000 r-xp 00001000 08:01 131076                     /lib/x86_64-linux-gnu/libc.so.6"
	e, ok, err := parseMapsLine(line)
	if err != nil || !ok {
		t.Fatalf("parseMapsLine: ok=%v err=%v", ok, err)
	}
	if e.Range.Start != 0x7f1234400000 || e.Range.End != 0x7f1234421000 {
		t.Fatalf("Range = %v", e.Range)
	}
	if !e.Perms.Read || !e.Perms.Execute || e.Perms.Write {
		t.Fatalf("Perms = %+v, want r-x", e.Perms)
	}
	if e.Offset != 0x1000 {
		t.Fatalf("Offset = %#x, want 0x1000", e.Offset)
	}
	if e.Path != "/lib/x86_64-linux-gnu/libc.so.6" {
		t.Fatalf("Path = %q", e.Path)
	}
}

func TestParseMapsLineAnonymous(t *testing.T) {
	line := "7f0000000000-7f0000021000 rw-p 00000000 00:00 0"
	e, ok, err := parseMapsLine(line)
	if err != nil || !ok {
		t.Fatalf("parseMapsLine: ok=%v err=%v", ok, err)
	}
	if e.Path != "" {
		t.Fatalf("Path = %q, want empty for anonymous mapping", e.Path)
	}
}

func TestParseMapsLineMalformed(t *testing.T) {
	if _, ok, err := parseMapsLine("garbage"); ok || err != nil {
		t.Fatalf("short line should be skipped without error: ok=%v err=%v", ok, err)
	}
}
