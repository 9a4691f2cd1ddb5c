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

// Package hookcat loads the catalog of syscall hooks exported by the
// preloaded helper library's ELF symbol table. The catalog is read once at
// tracer startup and is treated as immutable thereafter (spec.md §9: "Global
// SYSCALL_HOOKS table ... pass by borrowed reference to every task; never
// clone").
//
// debug/elf (standard library) is used here because no repository in the
// example pack provides a third-party ELF *reader*; see DESIGN.md.
package hookcat

import (
	"debug/elf"
	"fmt"
)

// TrampolinePrefix is the canonical prefix every exported hook symbol in the
// helper library begins with.
const TrampolinePrefix = "reverie_hook_"

// prologueWindow is the number of bytes captured after a hook's entry point
// to use as the patch-site match key (spec.md §4.C: "up to and including the
// first 14 instruction bytes").
const prologueWindow = 14

// Hook describes one rewrite target: a symbol in the helper library and the
// exact byte sequence a candidate patch site must match to be redirected to
// it.
type Hook struct {
	// Name is the exported symbol name, e.g. "reverie_hook_read".
	Name string
	// Offset is the symbol's value: its offset within the helper library,
	// to be added to the library's runtime load base to get an absolute
	// tracee address.
	Offset uint64
	// Prologue is the match key: the bytes found at Offset in the helper
	// library's own .text, up to prologueWindow bytes.
	Prologue []byte
	// TotalReplacementLength is 2 (the syscall instruction) plus however
	// many trailing bytes the patcher is permitted to overwrite for this
	// hook. Invariant: 2 <= TotalReplacementLength <= 11.
	TotalReplacementLength int
}

// Catalog is the immutable set of hooks loaded from one helper library, kept
// in the order their symbols were enumerated from the ELF symbol table. That
// order is load-bearing: it is the tie-break Match uses when two hooks'
// prologues share a common prefix (spec.md §4.G step 2, "first exact match
// wins"), so it must never be reordered after loading.
type Catalog struct {
	hooks []Hook
}

// Load parses the ELF file at path and extracts every exported symbol whose
// name begins with TrampolinePrefix into a Catalog. Failure is always
// bootstrap-fatal per spec.md §7.
func Load(path string) (*Catalog, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hookcat: open %s: %w", path, err)
	}
	defer f.Close()
	return load(f)
}

func load(f *elf.File) (*Catalog, error) {
	syms, err := f.Symbols()
	if err != nil {
		// Dynamic symbols live in a different ELF section for shared
		// objects built without a full symtab; fall back before giving up.
		syms, err = f.DynamicSymbols()
		if err != nil {
			return nil, fmt.Errorf("hookcat: reading symbols: %w", err)
		}
	}

	textSection := f.Section(".text")
	if textSection == nil {
		return nil, fmt.Errorf("hookcat: helper library has no .text section")
	}
	text, err := textSection.Data()
	if err != nil {
		return nil, fmt.Errorf("hookcat: reading .text: %w", err)
	}

	var hooks []Hook
	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC {
			continue
		}
		if len(sym.Name) <= len(TrampolinePrefix) || sym.Name[:len(TrampolinePrefix)] != TrampolinePrefix {
			continue
		}
		off := sym.Value - textSection.Addr
		if off >= uint64(len(text)) {
			return nil, fmt.Errorf("hookcat: symbol %s value %#x outside .text", sym.Name, sym.Value)
		}
		end := off + prologueWindow
		if end > uint64(len(text)) {
			end = uint64(len(text))
		}
		prologue := append([]byte(nil), text[off:end]...)

		length := 2 + len(prologue)
		if length > 11 {
			length = 11
			prologue = prologue[:9]
		}

		hooks = append(hooks, Hook{
			Name:                   sym.Name,
			Offset:                 sym.Value,
			Prologue:               prologue,
			TotalReplacementLength: length,
		})
	}
	if len(hooks) == 0 {
		return nil, fmt.Errorf("hookcat: no symbols with prefix %q found", TrampolinePrefix)
	}
	return &Catalog{hooks: hooks}, nil
}

// Hooks returns every hook in the catalog, in ELF symbol-table enumeration
// order (the same order Match iterates and indexes).
func (c *Catalog) Hooks() []Hook {
	return c.hooks
}

// Match returns the first hook whose Prologue is a prefix of window, per
// spec.md §4.G step 2 ("First exact match wins"). window should be at least
// 16 bytes, read starting at the byte after a syscall instruction minus 2.
// The returned index identifies the hook's fixed slot within any stub page
// this catalog fills (see pkg/patcher), so that every stub page allocated
// for this catalog places a given hook at the same slot number.
func (c *Catalog) Match(window []byte) (hook Hook, index int, ok bool) {
	for i, h := range c.hooks {
		if len(window) < len(h.Prologue) {
			continue
		}
		match := true
		for j, b := range h.Prologue {
			if window[j] != b {
				match = false
				break
			}
		}
		if match {
			return h, i, true
		}
	}
	return Hook{}, -1, false
}
