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

package gadget

import (
	"bytes"
	"testing"

	"github.com/talismancer/reverie-go/pkg/layout"
)

func TestPageBytesLayout(t *testing.T) {
	p := PageBytes()
	if len(p) != 32 {
		t.Fatalf("len(PageBytes()) = %d, want 32", len(p))
	}
	want := []byte{0x0f, 0x05, 0xc3, 0x90}
	if !bytes.Equal(p[0:4], want) {
		t.Errorf("untraced entry = % x, want % x", p[0:4], want)
	}
	if !bytes.Equal(p[4:8], want) {
		t.Errorf("traced entry = % x, want % x", p[4:8], want)
	}
	if !bytes.Equal(p[8:16], []byte{0xe8, 0xf3, 0xff, 0xff, 0xff, 0xcc, 0x66, 0x90}) {
		t.Errorf("untraced gadget = % x", p[8:16])
	}
	if !bytes.Equal(p[16:24], []byte{0xe8, 0xef, 0xff, 0xff, 0xff, 0xcc, 0x66, 0x90}) {
		t.Errorf("traced gadget = % x", p[16:24])
	}
}

// TestExtendedJumpLen checks testable property #2: every emitted extended
// jump is exactly 14 bytes.
func TestExtendedJumpLen(t *testing.T) {
	for _, target := range []uint64{0, 1, 0x7fffffffffff, 0xdeadbeefcafef00d} {
		j := ExtendedJump(target)
		if len(j) != StubSlotLen {
			t.Errorf("ExtendedJump(%#x) has length %d, want %d", target, len(j), StubSlotLen)
		}
		if j[0] != 0xff || j[1] != 0x25 {
			t.Errorf("ExtendedJump(%#x) opcode = % x, want ff 25", target, j[:2])
		}
	}
}

func TestSlotSizeFits(t *testing.T) {
	if layout.StubSlotSize%layout.StubSlotSize != 0 {
		t.Fatal("slot size must divide itself")
	}
	if 4096/layout.StubSlotSize != layout.SlotsPerPage {
		t.Fatalf("SlotsPerPage = %d, want %d", layout.SlotsPerPage, 4096/layout.StubSlotSize)
	}
	if layout.SlotsPerPage != 32 {
		t.Fatalf("SlotsPerPage = %d, want 32", layout.SlotsPerPage)
	}
	if layout.SlotsPerRegion != 64 {
		t.Fatalf("SlotsPerRegion = %d, want 64", layout.SlotsPerRegion)
	}
}

func TestRegionEmbedsTargets(t *testing.T) {
	targets := []uint64{0x1000, 0x2000, 0x3000}
	region, err := Region(targets)
	if err != nil {
		t.Fatalf("Region: %v", err)
	}
	if len(region) != layout.SlotsPerRegion*layout.StubSlotSize {
		t.Fatalf("len(region) = %d, want %d", len(region), layout.SlotsPerRegion*layout.StubSlotSize)
	}
	for i, target := range targets {
		slot := region[i*layout.StubSlotSize : i*layout.StubSlotSize+StubSlotLen]
		want := ExtendedJump(target)
		if !bytes.Equal(slot, want) {
			t.Errorf("slot %d = % x, want % x", i, slot, want)
		}
	}
}

func TestRegionTooManyTargets(t *testing.T) {
	targets := make([]uint64, layout.SlotsPerRegion+1)
	if _, err := Region(targets); err == nil {
		t.Error("expected error for too many targets")
	}
}

func TestSlotAddr(t *testing.T) {
	base := uint64(0x41000000)
	if got, want := SlotAddr(base, 0), base; got != want {
		t.Errorf("SlotAddr(base, 0) = %#x, want %#x", got, want)
	}
	if got, want := SlotAddr(base, 3), base+3*layout.StubSlotSize; got != want {
		t.Errorf("SlotAddr(base, 3) = %#x, want %#x", got, want)
	}
}
