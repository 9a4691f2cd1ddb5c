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

// Package layout defines the fixed virtual-memory contract every tracee is
// given after exec: the private code page holding the syscall gadgets and
// the stub data area the preloaded helper library reads by absolute
// address. These offsets are load-bearing — the helper library references
// them directly, so they must never be renumbered without also rebuilding
// the helper.
package layout

// PrivatePageAddr is the fixed address of the tracee's private rwx code
// page, installed by tracer bootstrap (pkg/tracer) during preinit.
const PrivatePageAddr = 0x70000000

// PrivatePageSize is the size of the private code page region (16 KiB).
const PrivatePageSize = 0x4000

// PrivatePageOffset locates the stub data area relative to PrivatePageAddr.
const PrivatePageOffset = 0x1000

// StubBase is the fixed address of the stub data area.
const StubBase = PrivatePageAddr + PrivatePageOffset

// Gadget addresses within the private code page. See §6 of the
// specification for the exact byte layout installed at each address.
const (
	UntracedEntryAddr   = PrivatePageAddr + 0x00
	TracedEntryAddr     = PrivatePageAddr + 0x04
	UntracedGadgetAddr  = PrivatePageAddr + 0x08
	TracedGadgetAddr    = PrivatePageAddr + 0x10
	untracedSyscallAddr = PrivatePageAddr + 0x02 // rip after `syscall` at UntracedEntryAddr
)

// UntracedSyscallRIP is the only rip value the installed seccomp filter
// allows to execute a bare `syscall` instruction without trapping.
func UntracedSyscallRIP() uint64 { return untracedSyscallAddr }

// Slot is a named 8-byte field in the stub data area.
type Slot int

// Stub data area slots, in the exact order the helper library expects them.
// Offsets are derived from their index so that the layout can never drift
// from slotSize * index without the compiler noticing (see layout_test.go).
const (
	SyscallHookSize Slot = iota
	SyscallHookAddr
	StubScratch
	StackNestingLevel
	SyscallTrampoline
	SystoolHook
	SyscallPatchLock
	SystoolLogLevel
	ReverieLocalState
	ReverieGlobalState
	SyscallHelper
	RPCHelper
	DPCFutex
	TLSGetAddrOffset

	numSlots
)

// slotSize is the width of every stub-area slot, in bytes.
const slotSize = 8

// NumSlots is the number of defined slots in the stub data area.
const NumSlots = int(numSlots)

// Offset returns the byte offset of slot s relative to StubBase.
func (s Slot) Offset() uint64 {
	return uint64(s) * slotSize
}

// Addr returns the absolute tracee address of slot s.
func (s Slot) Addr() uint64 {
	return StubBase + s.Offset()
}

// String names a slot for logging.
func (s Slot) String() string {
	switch s {
	case SyscallHookSize:
		return "SYSCALL_HOOK_SIZE"
	case SyscallHookAddr:
		return "SYSCALL_HOOK_ADDR"
	case StubScratch:
		return "STUB_SCRATCH"
	case StackNestingLevel:
		return "STACK_NESTING_LEVEL"
	case SyscallTrampoline:
		return "SYSCALL_TRAMPOLINE"
	case SystoolHook:
		return "SYSTOOL_HOOK"
	case SyscallPatchLock:
		return "SYSCALL_PATCH_LOCK"
	case SystoolLogLevel:
		return "SYSTOOL_LOG_LEVEL"
	case ReverieLocalState:
		return "REVERIE_LOCAL_STATE"
	case ReverieGlobalState:
		return "REVERIE_GLOBAL_STATE"
	case SyscallHelper:
		return "SYSCALL_HELPER"
	case RPCHelper:
		return "RPC_HELPER"
	case DPCFutex:
		return "DPC_FUTEX"
	case TLSGetAddrOffset:
		return "TLS_GET_ADDR_OFFSET"
	default:
		return "UNKNOWN_SLOT"
	}
}

// Reachability window for the 32-bit rel32 encodings used throughout the
// patcher and stub allocator: a `call rel32`/`jmp rel32` can reach any
// address within ±(2^31 - 1) bytes, but the allocator leaves a 1 MiB margin
// per spec.md §4.F so that further patches within an already-allocated
// region never overflow the window.
const ReachWindow = (1 << 31) - (1 << 20)

// GlobalStateName is the name passed to memfd_create for the tracer-owned
// global-state memfd.
const GlobalStateName = "reverie"

// GlobalStateSlabs and GlobalStateSlabSize determine the memfd's size:
// GlobalStateSlabs * GlobalStateSlabSize bytes, ftruncate'd once at
// bootstrap.
const (
	GlobalStateSlabs    = 32768
	GlobalStateSlabSize = 4096
)

// GlobalStateSize is the total size the global-state memfd is truncated to.
const GlobalStateSize = GlobalStateSlabs * GlobalStateSlabSize

// Fixed file descriptors inherited by every tracee.
const (
	GlobalStateFD = 1023
	RPCSocketFD   = 1022
)

// ExtendedJumpPages is the number of pages reserved per stub-page
// allocation (§4.E): two 4 KiB pages, yielding 64 128-byte indirect-jump
// slots.
const ExtendedJumpPages = 2

// StubSlotSize is the fixed size each indirect-jump stub is padded to.
const StubSlotSize = 128

// SlotsPerPage and SlotsPerRegion follow directly from StubSlotSize.
const (
	SlotsPerPage   = 4096 / StubSlotSize
	SlotsPerRegion = ExtendedJumpPages * SlotsPerPage
)
