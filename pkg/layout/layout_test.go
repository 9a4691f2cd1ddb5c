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

package layout

import "testing"

// TestSlotOffsets checks testable property #1: offset(slot) = LOCAL_BASE +
// 8 * index for every slot.
func TestSlotOffsets(t *testing.T) {
	for i := 0; i < NumSlots; i++ {
		s := Slot(i)
		want := uint64(i) * 8
		if got := s.Offset(); got != want {
			t.Errorf("Slot(%d).Offset() = %d, want %d", i, got, want)
		}
		if got := s.Addr(); got != StubBase+want {
			t.Errorf("Slot(%d).Addr() = %#x, want %#x", i, got, StubBase+want)
		}
	}
}

func TestSlotCount(t *testing.T) {
	if NumSlots != 14 {
		t.Fatalf("NumSlots = %d, want 14 per the stub data area table", NumSlots)
	}
}

func TestStubBase(t *testing.T) {
	if StubBase != 0x70001000 {
		t.Fatalf("StubBase = %#x, want 0x70001000", StubBase)
	}
}

func TestSlotNamesUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < NumSlots; i++ {
		name := Slot(i).String()
		if name == "UNKNOWN_SLOT" {
			t.Errorf("Slot(%d) has no name", i)
		}
		if seen[name] {
			t.Errorf("duplicate slot name %q", name)
		}
		seen[name] = true
	}
}
