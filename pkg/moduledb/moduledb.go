// Package moduledb tracks the application's loaded modules (spec §2.3,
// §3 Module Entry): the ordered set of mapped image regions the
// translator needs to resolve a PC to a module, and that the cache
// consistency monitor needs to invalidate when an image is unmapped.
//
// The module map is read from /proc/<pid>/maps, the same source the
// teacher's sentry uses to reconstruct an address space out-of-process,
// and kept as an ordered btree.BTree (github.com/google/btree) keyed by
// start address so point lookups are O(log n) instead of the O(n)
// linear scan a slice would need on every translation. Remove still
// walks every entry to find the ones overlapping its range.
package moduledb

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/google/btree"

	"github.com/vmtrace/vmtrace/pkg/hostarch"
)

// Entry describes one mapped region of the application's address space.
type Entry struct {
	Range hostarch.AddrRange
	Perms hostarch.AccessType
	// Offset is the file offset the mapping starts at, in bytes.
	Offset uint64
	// Path is the backing file, or "" for anonymous mappings.
	Path string
	// Generation is bumped every time the region this entry was created
	// from is unmapped and re-mapped (e.g. dlopen/dlclose/dlopen of the
	// same path), so cached fragments can be tagged with the generation
	// they were built against (spec §4.8's invalidation contract).
	Generation uint64
}

func (e *Entry) Less(other btree.Item) bool {
	return e.Range.Start < other.(*Entry).Range.Start
}

// ModuleDB is the live module/image map for one traced process.
type ModuleDB struct {
	mu   sync.RWMutex
	tree *btree.BTree
	gen  map[string]uint64
}

// New returns an empty ModuleDB.
func New() *ModuleDB {
	return &ModuleDB{
		tree: btree.New(32),
		gen:  make(map[string]uint64),
	}
}

// Lookup returns the Entry covering addr, if any.
func (m *ModuleDB) Lookup(addr hostarch.Addr) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *Entry
	// btree doesn't support direct "greatest key <= x" on an Item value,
	// so we descend from the entry at-or-before addr and check coverage.
	pivot := &Entry{Range: hostarch.AddrRange{Start: addr}}
	m.tree.DescendLessOrEqual(pivot, func(i btree.Item) bool {
		e := i.(*Entry)
		if e.Range.Contains(addr) {
			found = e
		}
		return false
	})
	if found == nil {
		return nil, false
	}
	return found, true
}

// Insert adds or replaces the entry covering e.Range.Start.
func (m *ModuleDB) Insert(e *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Path != "" {
		e.Generation = m.gen[e.Path]
	}
	m.tree.ReplaceOrInsert(e)
}

// Remove deletes every entry overlapping r and, for any entry backed by
// a named file, bumps that file's generation counter so a later
// re-mapping of the same path is treated as a distinct image.
func (m *ModuleDB) Remove(r hostarch.AddrRange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []*Entry
	m.tree.Ascend(func(i btree.Item) bool {
		e := i.(*Entry)
		if e.Range.Overlaps(r) {
			stale = append(stale, e)
		}
		return true
	})
	for _, e := range stale {
		m.tree.Delete(e)
		if e.Path != "" {
			m.gen[e.Path]++
		}
	}
}

// Len returns the number of tracked mappings.
func (m *ModuleDB) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

// Reload replaces the entire map with the current contents of
// /proc/<pid>/maps. pkg/startup calls it once, when it creates a
// Runtime (preload, attach, fork); it is not called again after the
// application's mmap/munmap/mremap calls.
func (m *ModuleDB) Reload(pid int) error {
	entries, err := parseProcMaps(pid)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	oldGen := m.gen
	m.tree = btree.New(32)
	m.gen = make(map[string]uint64, len(oldGen))
	for k, v := range oldGen {
		m.gen[k] = v
	}
	for _, e := range entries {
		if e.Path != "" {
			e.Generation = m.gen[e.Path]
		}
		m.tree.ReplaceOrInsert(e)
	}
	return nil
}

func parseProcMaps(pid int) ([]*Entry, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, fmt.Errorf("moduledb: open maps: %w", err)
	}
	defer f.Close()

	var out []*Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		e, ok, err := parseMapsLine(scanner.Text())
		if err != nil {
			return nil, fmt.Errorf("moduledb: parse maps: %w", err)
		}
		if ok {
			out = append(out, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("moduledb: read maps: %w", err)
	}
	return out, nil
}

// parseMapsLine parses one /proc/pid/maps record, e.g.:
//
//	7f1234400000-7f1234421000 r-xp 00000000 08:01 131076  /lib/x86_64-linux-gnu/libc.so.6
func parseMapsLine(line string) (*Entry, bool, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return nil, false, nil
	}
	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return nil, false, fmt.Errorf("malformed address range %q", fields[0])
	}
	start, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return nil, false, err
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return nil, false, err
	}
	perms := fields[1]
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return nil, false, err
	}
	path := ""
	if len(fields) >= 6 {
		path = strings.Join(fields[5:], " ")
	}
	return &Entry{
		Range: hostarch.AddrRange{Start: hostarch.Addr(start), End: hostarch.Addr(end)},
		Perms: hostarch.AccessType{
			Read:    strings.Contains(perms, "r"),
			Write:   strings.Contains(perms, "w"),
			Execute: strings.Contains(perms, "x"),
		},
		Offset: offset,
		Path:   path,
	}, true, nil
}
