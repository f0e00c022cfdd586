// Package config holds process-wide runtime tunables, loaded from a TOML
// file the way the launcher's --config flag points at, with defaults
// matching the compiled-in constants style of the teacher (stubInitAddress,
// maxGuestThreads, and friends in subprocess.go).
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// ISA identifies the instruction set the decoder/encoder/fragment
// builder are configured for. Only ISAAMD64 is implemented end to end;
// the field exists so the config schema and CLI surface do not need to
// change when a second ISA is added.
type ISA string

// Supported ISA values.
const (
	ISAAMD64 ISA = "amd64"
)

// Config is the full set of runtime tunables.
type Config struct {
	// ISA selects the decoder/encoder/context-switch backend.
	ISA ISA `toml:"isa"`

	// CacheArenaBytes is the size of the code cache's executable arena.
	CacheArenaBytes uint64 `toml:"cache_arena_bytes"`

	// EvictionThresholdPercent is the arena fill level at or above which
	// the dispatcher, after an insert fails, flushes the whole cache
	// (codecache.Cache.Reset) and retries the insert once.
	EvictionThresholdPercent int `toml:"eviction_threshold_percent"`

	// MaxBlockInstructions bounds fragment length (the "configured
	// maximum instruction count" termination rule of spec §4.2).
	MaxBlockInstructions int `toml:"max_block_instructions"`

	// IndirectTableSlots is the number of slots in the indirect-branch
	// hash table (open addressing with tombstones, spec §4.3).
	IndirectTableSlots int `toml:"indirect_table_slots"`

	// SynchAllTimeoutMillis bounds how long a synch-all operation waits
	// for every thread to reach a suspend point before aborting.
	SynchAllTimeoutMillis int `toml:"synch_all_timeout_millis"`

	// PersistPath names a persistent fragment cache file in the format of
	// pkg/persist. The runtime does not read this field: nothing loads the
	// file at startup or saves it at shutdown.
	PersistPath string `toml:"persist_path"`

	// LogLevel is one of "debug", "info", "warning", "error".
	LogLevel string `toml:"log_level"`

	// WriteProtectSandbox selects the write-protect detection strategy
	// (spec §4.8) for pages backing cached fragments. The runtime does not
	// read this field, and nothing calls consistency.Monitor's
	// ProtectFragmentSource, so no page is assigned either strategy.
	WriteProtectSandbox bool `toml:"write_protect_sandbox"`
}

// Default returns the teacher-style compiled-in defaults.
func Default() *Config {
	return &Config{
		ISA:                      ISAAMD64,
		CacheArenaBytes:          64 << 20, // 64 MiB
		EvictionThresholdPercent: 90,
		MaxBlockInstructions:     256,
		IndirectTableSlots:       1 << 16,
		SynchAllTimeoutMillis:    2000,
		LogLevel:                 "info",
		WriteProtectSandbox:      true,
	}
}

// Load reads a TOML config file, applying it on top of Default().
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return c, nil
}
