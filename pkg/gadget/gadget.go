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

// Package gadget emits the two pieces of machine code the engine writes
// into a tracee: the fixed gadget page installed once during preinit, and
// the indirect-jump stub slots the patcher wires patched call sites to.
package gadget

import (
	"encoding/binary"
	"fmt"

	"github.com/talismancer/reverie-go/pkg/layout"
	"github.com/talismancer/reverie-go/pkg/remote"
)

// pageBytes is the byte-exact gadget page layout from spec.md §6. It is
// 32 bytes long (twice the 16 bytes of meaningful gadget code) so that a
// single read at PrivatePageAddr always returns a stable, page-aligned
// quantity for verification (spec.md §8 scenario E6).
var pageBytes = [32]byte{
	// +0x00: syscall; ret; nop            (untraced entry)
	0x0f, 0x05, 0xc3, 0x90,
	// +0x04: syscall; ret; nop            (traced entry)
	0x0f, 0x05, 0xc3, 0x90,
	// +0x08: call rel32(-13); int3; nop nop   (call untraced entry, breakpoint)
	0xe8, 0xf3, 0xff, 0xff, 0xff, 0xcc, 0x66, 0x90,
	// +0x10: call rel32(-17); int3; nop nop   (call traced entry, breakpoint)
	0xe8, 0xef, 0xff, 0xff, 0xff, 0xcc, 0x66, 0x90,
	// +0x18..0x20: unused padding, zero-filled.
}

// PageBytes returns a copy of the fixed 32-byte gadget page layout.
func PageBytes() []byte {
	out := make([]byte, len(pageBytes))
	copy(out, pageBytes[:])
	return out
}

// WritePage installs the gadget page into the tracee at layout.PrivatePageAddr.
//
// Per spec.md §4.E, this is done with 8-byte PTRACE_POKEDATA writes rather
// than a single process_vm_writev, because at the point preinit runs the
// tracee's dynamic loader may not yet have completed enough relocation work
// to guarantee process_vm_writev's remote_iov is honored correctly for an
// address the tracee itself has only just mmap'd.
func WritePage(mem remote.Mem) error {
	const wordSize = 8
	for off := 0; off < len(pageBytes); off += wordSize {
		if err := mem.WriteAt(layout.PrivatePageAddr+uint64(off), pageBytes[off:off+wordSize]); err != nil {
			return fmt.Errorf("gadget: writing page word at +%#x: %w", off, err)
		}
	}
	return nil
}

// StubSlotLen is the length of one emitted indirect-jump sequence, before
// padding to layout.StubSlotSize.
const StubSlotLen = 14

// ExtendedJump encodes the 14-byte absolute-indirect jump
//
//	ff 25 00 00 00 00         jmp qword ptr [rip+0]
//	<8 bytes: target, LE>
//
// which, placed immediately before its own embedded pointer, jumps to
// target regardless of where the jump itself is loaded — the property that
// lets a single 5-byte `call rel32` patch reach any hook in the helper
// library from anywhere within the ±2GiB window (spec.md §4.F).
func ExtendedJump(target uint64) []byte {
	buf := make([]byte, StubSlotLen)
	copy(buf, []byte{0xff, 0x25, 0x00, 0x00, 0x00, 0x00})
	binary.LittleEndian.PutUint64(buf[6:], target)
	return buf
}

// padSlot pads a StubSlotLen-byte jump sequence out to layout.StubSlotSize
// bytes. The filler is int3 (0xcc): if anything other than the embedded
// jmp's own indirect load ever reads this region as instructions, it traps
// immediately instead of executing garbage.
func padSlot(jump []byte) []byte {
	if len(jump) != StubSlotLen {
		panic(fmt.Sprintf("gadget: padSlot: jump is %d bytes, want %d", len(jump), StubSlotLen))
	}
	out := make([]byte, layout.StubSlotSize)
	copy(out, jump)
	for i := len(jump); i < len(out); i++ {
		out[i] = 0xcc
	}
	return out
}

// Region lays out one extended jump per hook target, each padded to its own
// layout.StubSlotSize-byte slot, and fills the remaining slots up to
// layout.SlotsPerRegion with int3 (0xcc). len(targets) must be
// <= layout.SlotsPerRegion.
func Region(targets []uint64) ([]byte, error) {
	if len(targets) > layout.SlotsPerRegion {
		return nil, fmt.Errorf("gadget: %d targets exceeds %d slots per region", len(targets), layout.SlotsPerRegion)
	}
	out := make([]byte, 0, layout.SlotsPerRegion*layout.StubSlotSize)
	for _, t := range targets {
		out = append(out, padSlot(ExtendedJump(t))...)
	}
	for len(out) < layout.SlotsPerRegion*layout.StubSlotSize {
		out = append(out, 0xcc)
	}
	return out, nil
}

// WriteRegion writes a full stub-page region of extended jumps to addr in
// the tracee.
func WriteRegion(mem remote.Mem, addr uint64, targets []uint64) error {
	region, err := Region(targets)
	if err != nil {
		return err
	}
	return mem.WriteAt(addr, region)
}

// SlotAddr returns the address of the i'th slot within a region based at
// base.
func SlotAddr(base uint64, i int) uint64 {
	return base + uint64(i)*layout.StubSlotSize
}
