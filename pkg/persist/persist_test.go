package persist

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/vmtrace/vmtrace/pkg/config"
	"github.com/vmtrace/vmtrace/pkg/fragment"
	"github.com/vmtrace/vmtrace/pkg/hostarch"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	records := []Record{
		{
			ModulePath: "/bin/app",
			ModulePC:   0x400000,
			Translation: []fragment.TranslationEntry{
				{CachePC: 0x7f0000001000, AppPC: 0x400000},
				{CachePC: 0x7f0000001004, AppPC: 0x400004},
			},
			Emitted: []byte{0x90, 0x90, 0xC3},
		},
		{
			ModulePath:  "/lib/libc.so.6",
			ModulePC:    0x7f1234400000,
			Translation: nil,
			Emitted:     []byte{0xCC},
		},
	}

	path := filepath.Join(t.TempDir(), "cache.vmtc")
	if err := Save(path, config.ISAAMD64, records); err != nil {
		t.Fatalf("Save: %v", err)
	}

	isa, got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if isa != config.ISAAMD64 {
		t.Errorf("ISA = %v, want %v", isa, config.ISAAMD64)
	}
	if len(got) != len(records) {
		t.Fatalf("got %d records, want %d", len(got), len(records))
	}
	for i := range records {
		if got[i].ModulePath != records[i].ModulePath {
			t.Errorf("record %d: ModulePath = %q, want %q", i, got[i].ModulePath, records[i].ModulePath)
		}
		if got[i].ModulePC != records[i].ModulePC {
			t.Errorf("record %d: ModulePC = %#x, want %#x", i, got[i].ModulePC, records[i].ModulePC)
		}
		if !reflect.DeepEqual(got[i].Translation, records[i].Translation) && len(got[i].Translation)+len(records[i].Translation) > 0 {
			t.Errorf("record %d: Translation = %+v, want %+v", i, got[i].Translation, records[i].Translation)
		}
		if !reflect.DeepEqual(got[i].Emitted, records[i].Emitted) {
			t.Errorf("record %d: Emitted = %v, want %v", i, got[i].Emitted, records[i].Emitted)
		}
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.vmtc")
	if err := Save(path, config.ISAAMD64, nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// Corrupt the first byte of the magic.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	data[0] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, _, err := Load(path); err == nil {
		t.Fatal("Load of a file with a corrupted magic should fail")
	}
}

func TestLoadEmptyRecordSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.vmtc")
	if err := Save(path, config.ISAAMD64, nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	isa, records, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if isa != config.ISAAMD64 {
		t.Errorf("ISA = %v, want %v", isa, config.ISAAMD64)
	}
	if len(records) != 0 {
		t.Errorf("records = %v, want empty", records)
	}
}

func TestAddrType(t *testing.T) {
	// Exercises hostarch.Addr round-tripping through the uint64 wire
	// format used by Record.ModulePC.
	var a hostarch.Addr = 0x123456789a
	if hostarch.Addr(uint64(a)) != a {
		t.Fatal("Addr <-> uint64 round trip should be lossless")
	}
}
