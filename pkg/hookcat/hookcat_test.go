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

package hookcat

import "testing"

func TestMatchFirstExactWins(t *testing.T) {
	c := &Catalog{hooks: []Hook{
		{Name: "reverie_hook_read", Prologue: []byte{0x48, 0x89, 0xe0}, TotalReplacementLength: 5},
		{Name: "reverie_hook_write", Prologue: []byte{0x48, 0x89}, TotalReplacementLength: 4},
	}}

	window := []byte{0x48, 0x89, 0xe0, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90}
	hook, index, ok := c.Match(window)
	if !ok {
		t.Fatal("expected a match")
	}
	if hook.Name != "reverie_hook_read" {
		t.Errorf("got %q, want reverie_hook_read (first exact match)", hook.Name)
	}
	if index != 0 {
		t.Errorf("got index %d, want 0 (catalog position of reverie_hook_read)", index)
	}
}

func TestMatchNone(t *testing.T) {
	c := &Catalog{hooks: []Hook{
		{Name: "reverie_hook_read", Prologue: []byte{0x48, 0x89, 0xe0}},
	}}
	window := []byte{0x00, 0x01, 0x02}
	if _, _, ok := c.Match(window); ok {
		t.Error("expected no match")
	}
}

func TestMatchShortWindow(t *testing.T) {
	c := &Catalog{hooks: []Hook{
		{Name: "reverie_hook_read", Prologue: []byte{0x48, 0x89, 0xe0, 0x5d}},
	}}
	if _, _, ok := c.Match([]byte{0x48, 0x89}); ok {
		t.Error("expected no match when window shorter than prologue")
	}
}

func TestHooksPreservesEnumerationOrder(t *testing.T) {
	c := &Catalog{hooks: []Hook{
		{Name: "reverie_hook_write"},
		{Name: "reverie_hook_read"},
	}}
	hooks := c.Hooks()
	if len(hooks) != 2 {
		t.Fatalf("got %d hooks, want 2", len(hooks))
	}
	// Hooks() must return hooks in exactly the order they were stored (the
	// ELF enumeration order Load builds), not re-sorted by name: that order
	// is Match's tie-break for overlapping prologues.
	if hooks[0].Name != "reverie_hook_write" || hooks[1].Name != "reverie_hook_read" {
		t.Errorf("got order %q, %q; want enumeration order preserved", hooks[0].Name, hooks[1].Name)
	}
}

func TestMatchTieBreaksByEnumerationOrderNotName(t *testing.T) {
	// "reverie_hook_write" sorts after "reverie_hook_read" alphabetically,
	// but is enumerated first here; Match must prefer it, proving Match
	// doesn't depend on any alphabetical ordering of the catalog.
	c := &Catalog{hooks: []Hook{
		{Name: "reverie_hook_write", Prologue: []byte{0x48, 0x89}, TotalReplacementLength: 4},
		{Name: "reverie_hook_read", Prologue: []byte{0x48, 0x89}, TotalReplacementLength: 4},
	}}
	window := []byte{0x48, 0x89, 0xe0, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90}
	hook, index, ok := c.Match(window)
	if !ok {
		t.Fatal("expected a match")
	}
	if hook.Name != "reverie_hook_write" || index != 0 {
		t.Errorf("got %q at index %d, want reverie_hook_write at index 0 (first in catalog order)", hook.Name, index)
	}
}
