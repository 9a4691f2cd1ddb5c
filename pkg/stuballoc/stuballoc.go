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

//go:build linux && amd64
// +build linux,amd64

// Package stuballoc finds unmapped regions reachable from a given
// instruction pointer by a 32-bit call/jmp displacement, for placing the
// indirect-jump stub pages the patcher needs (spec.md §4.F).
package stuballoc

import (
	"errors"

	"github.com/talismancer/reverie-go/pkg/layout"
	"github.com/talismancer/reverie-go/pkg/procmaps"
)

// ErrNoReachableGap is returned when no unmapped region of the requested
// size lies within the ±2GiB reach window of the hint address.
var ErrNoReachableGap = errors.New("stuballoc: no reachable gap")

const pageSize = 4096

// reachable reports whether the address this call would actually return
// (start) is within layout.ReachWindow of hint, using whichever of the
// region's two endpoints is farthest from hint as the bound: when the gap
// sits before hint, start is itself the far endpoint and is checked
// directly; when the gap sits at or after hint, start is the near endpoint
// and it is end — the far one — that must clear the window, since start's
// own distance is never greater than end's in that case.
//
// A straight OR of both endpoint checks (as opposed to this either/or split
// keyed on which side of hint the gap falls) would let a gap whose closer
// endpoint happens to clear the window satisfy the check while the
// returned address (start) itself falls outside it — exactly the defect
// this mirrors search_stub_page's two disjoint branches to avoid.
func reachable(hint, start, end uint64) bool {
	dist := func(a, b uint64) uint64 {
		if a > b {
			return a - b
		}
		return b - a
	}
	if start <= hint {
		return dist(hint, start) <= layout.ReachWindow
	}
	return dist(hint, end) <= layout.ReachWindow
}

func alignUp(addr uint64) uint64 {
	return (addr + pageSize - 1) &^ (pageSize - 1)
}

// Find searches m for the first gap of at least pages*4096 bytes that is
// reachable from hint, returning its (page-aligned) base address.
//
// Testable property #3 (spec.md §8): for every address returned at hint h,
// |addr - h| <= 2^31 - 2^20, and [addr, addr+n*4096) is disjoint from every
// mapped range — guaranteed here because candidates are drawn exclusively
// from procmaps.Map.Gaps(), which is already disjoint from every region by
// construction.
func Find(m *procmaps.Map, hint uint64, pages int) (uint64, error) {
	need := uint64(pages) * pageSize
	for _, g := range m.Gaps() {
		start := alignUp(g.Start)
		if start+need > g.End {
			continue
		}
		end := start + need
		if reachable(hint, start, end) {
			return start, nil
		}
	}
	return 0, ErrNoReachableGap
}
