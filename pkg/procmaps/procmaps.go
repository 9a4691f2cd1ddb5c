// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux
// +build linux

// Package procmaps parses /proc/<pid>/maps into an ordered set of mapped
// regions, and answers the "is this range free" queries the stub-page
// allocator (pkg/stuballoc) needs.
package procmaps

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/btree"
)

// Region is one parsed line of /proc/<pid>/maps: a contiguous mapped range
// with its permissions and backing path (empty for anonymous mappings).
type Region struct {
	Base  uint64
	End   uint64
	Perms string
	Path  string
}

// Less implements btree.Item, ordering regions by their base address.
func (r *Region) Less(than btree.Item) bool {
	return r.Base < than.(*Region).Base
}

// Contains reports whether addr falls within [Base, End).
func (r *Region) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.End
}

// Readable, Writable, and Executable report the corresponding permission
// bit from the "perms" field (e.g. "rwxp").
func (r *Region) Readable() bool   { return strings.Contains(r.Perms, "r") }
func (r *Region) Writable() bool   { return strings.Contains(r.Perms, "w") }
func (r *Region) Executable() bool { return strings.Contains(r.Perms, "x") }

// btreeDegree is an arbitrary, conventional B-tree branching factor; maps
// files rarely exceed a few thousand regions, so this is not perf-critical.
const btreeDegree = 32

// Map is the ordered set of a tracee's mapped regions, read from
// /proc/<pid>/maps. It is kept as a *btree.BTree so that point lookups
// ("what covers this address") run in O(log n); Gaps walks every region in
// address order, so the gap search is linear in the number of regions.
type Map struct {
	tree *btree.BTree
}

// Read parses /proc/<pid>/maps for the given pid into a fresh Map.
func Read(pid int) (*Map, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, fmt.Errorf("procmaps: open: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads /proc/<pid>/maps-formatted text from r into a fresh Map. It is
// exported primarily so that package tests elsewhere in the engine (and this
// package's own tests) can build a Map from a literal fixture without a real
// /proc/<pid>/maps file.
func Parse(f io.Reader) (*Map, error) {
	m := &Map{tree: btree.New(btreeDegree)}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		r, err := parseLine(scanner.Text())
		if err != nil {
			return nil, err
		}
		m.tree.ReplaceOrInsert(r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("procmaps: scan: %w", err)
	}
	return m, nil
}

// parseLine parses one /proc/<pid>/maps line, e.g.:
//
//	00400000-00452000 r-xp 00000000 08:02 173521  /usr/bin/dbus-daemon
func parseLine(line string) (*Region, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil, fmt.Errorf("procmaps: malformed line %q", line)
	}
	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return nil, fmt.Errorf("procmaps: malformed address range %q", fields[0])
	}
	base, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return nil, fmt.Errorf("procmaps: base address %q: %w", addrs[0], err)
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return nil, fmt.Errorf("procmaps: end address %q: %w", addrs[1], err)
	}
	r := &Region{Base: base, End: end, Perms: fields[1]}
	if len(fields) >= 6 {
		r.Path = fields[5]
	}
	return r, nil
}

// Regions returns every region in the map, ordered by base address.
func (m *Map) Regions() []*Region {
	out := make([]*Region, 0, m.tree.Len())
	m.tree.Ascend(func(item btree.Item) bool {
		out = append(out, item.(*Region))
		return true
	})
	return out
}

// Lookup returns the region covering addr, if any.
func (m *Map) Lookup(addr uint64) (*Region, bool) {
	var found *Region
	m.tree.DescendLessOrEqual(&Region{Base: addr}, func(item btree.Item) bool {
		r := item.(*Region)
		if r.Contains(addr) {
			found = r
		}
		return false
	})
	return found, found != nil
}

// Clone returns a deep, independent copy of m using btree's O(1)
// copy-on-write Clone, so that fork's "deep-copy memory_map" requirement
// (spec.md §4.I) never lets mutations to the child's map leak back into the
// parent's.
func (m *Map) Clone() *Map {
	return &Map{tree: m.tree.Clone()}
}

// Insert records a newly mapped region (used after the patcher injects an
// mmap for a stub page, so the cached Map stays accurate without a full
// re-read of /proc/<pid>/maps).
func (m *Map) Insert(r *Region) {
	m.tree.ReplaceOrInsert(r)
}

// Gap is a free range between two mapped regions (or between a sentinel
// boundary and the nearest mapped region).
type Gap struct {
	Start, End uint64
}

// Size returns the length of the gap in bytes.
func (g Gap) Size() uint64 { return g.End - g.Start }

// sentinelLow and sentinelHigh bound the search space: Linux never maps
// below 1 MiB (ELF_ET_DYN_BASE headroom, vsyscall page aside) or above the
// top of the 47-bit canonical address range reserved for the kernel.
const (
	sentinelLow  = 1<<20 - 1<<12 // [1MiB-4KiB, 1MiB)
	sentinelHigh = 0xFFFFFFFFFFFF8000
)

// Gaps returns every free range between adjacent regions, plus the
// sentinel-bounded gaps below the lowest and above the highest mapping, in
// ascending order of Start.
func (m *Map) Gaps() []Gap {
	regions := m.Regions()
	var gaps []Gap

	// Both sentinel ranges count as occupied: the first gap starts where the
	// low sentinel ends and the last one ends where the high sentinel begins.
	prevEnd := uint64(sentinelLow + 1<<12)
	for _, r := range regions {
		if r.Base > prevEnd {
			gaps = append(gaps, Gap{Start: prevEnd, End: r.Base})
		}
		if r.End > prevEnd {
			prevEnd = r.End
		}
	}
	if prevEnd < sentinelHigh {
		gaps = append(gaps, Gap{Start: prevEnd, End: sentinelHigh})
	}
	return gaps
}
