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

// Package patcher implements the syscall-site rewrite at the center of the
// engine: on a SECCOMP trap, try to replace the trapped `syscall` instruction
// with a `call` into the helper library so future executions of that site
// never trap again (spec.md §4.G).
package patcher

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/talismancer/reverie-go/pkg/gadget"
	"github.com/talismancer/reverie-go/pkg/hookcat"
	"github.com/talismancer/reverie-go/pkg/inject"
	"github.com/talismancer/reverie-go/pkg/layout"
	"github.com/talismancer/reverie-go/pkg/procmaps"
	"github.com/talismancer/reverie-go/pkg/remote"
	"github.com/talismancer/reverie-go/pkg/stuballoc"
)

// StubPage records one previously-allocated indirect-jump region so later
// patch sites can reuse it instead of allocating a fresh one, provided it is
// still within reach. Every stub page is filled with the entire catalog at
// allocation time (up to layout.SlotsPerRegion hooks), so "reuse" just means
// indexing into a region that already contains the hook this site needs.
type StubPage struct {
	Address   uint64
	Size      uint64
	BytesUsed uint64
}

// Outcome classifies what Patch did to a call site.
type Outcome int

const (
	// Patched means the site was rewritten this call.
	Patched Outcome = iota
	// AlreadyPatched means the site was rewritten by an earlier call; no
	// memory or register state was touched (testable property #6).
	AlreadyPatched
	// Unpatchable means the site cannot be rewritten (no catalog match, no
	// reachable stub space, or a write failure) and has been recorded so no
	// later call repeats the attempt (testable property #7).
	Unpatchable
	// SkippedVfork means the site was not even considered because the task
	// is inside a vfork (spec.md §4.G skip rule; the child shares the
	// parent's address space until exec/exit).
	SkippedVfork
	// NotLoaded means the helper library's constructor has not yet run in
	// this tracee (env.HelperLoadBase is still 0), so no stub target could
	// be computed. Unlike Unpatchable, the site is not recorded: a later
	// trap on the same site must retry once HelperLoadBase resolves.
	NotLoaded
)

// Env is everything Patch needs about the tracee and the process it belongs
// to. The per-process fields (ProcMap, StubPages, PatchedSites,
// UnpatchableSites) are expected to be shared across every task in the same
// process per spec.md §9's sharing rules; the caller (pkg/task) owns their
// lifetime and passes pointers here.
type Env struct {
	Tid     int
	Mem     remote.Mem
	InVfork bool

	Catalog        *hookcat.Catalog
	HelperLoadBase uint64

	ProcMap *procmaps.Map

	StubPages        *[]*StubPage
	PatchedSites     map[uint64]struct{}
	UnpatchableSites map[uint64]struct{}

	// StopSiblings and ResumeSiblings bracket the memory write in step 5.
	// spec.md §9 leaves open what happens when a sibling thread of the same
	// process is executing inside the replacement window while a patch
	// commits; this engine resolves that open question by having the
	// scheduler (pkg/scheduler) stop every other task sharing this pid
	// before the write and resume them immediately after, rather than
	// relying on the helper's SYSCALL_PATCH_LOCK alone. Both may be nil,
	// e.g. in single-threaded tests, in which case no bracketing occurs.
	StopSiblings   func() error
	ResumeSiblings func() error
}

// nopTable gives the canonical multi-byte NOP encoding for each padding
// length from 0 to 9 bytes (spec.md §6's NOP-padding law, testable property
// #4). Index i holds the encoding used to pad i bytes.
var nopTable = [10][]byte{
	{},
	{0x90},
	{0x66, 0x90},
	{0x0f, 0x1f, 0x00},
	{0x0f, 0x1f, 0x40, 0x00},
	{0x0f, 0x1f, 0x44, 0x00, 0x00},
	{0x66, 0x0f, 0x1f, 0x44, 0x00, 0x00},
	{0x0f, 0x1f, 0x80, 0x00, 0x00, 0x00, 0x00},
	{0x0f, 0x1f, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x66, 0x0f, 0x1f, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
}

// buildPatchBytes constructs the replacement bytes for a patch site: a
// 5-byte `call rel32` to target, followed by a canonical NOP sequence
// padding out to hook.TotalReplacementLength (2 <= length <= 11).
func buildPatchBytes(site, target uint64, totalLen int) ([]byte, error) {
	const callLen = 5
	if totalLen < callLen {
		return nil, fmt.Errorf("patcher: replacement length %d shorter than a call instruction", totalLen)
	}
	rel := int64(target) - int64(site+callLen)
	if rel > (1<<31-1) || rel < -(1<<31) {
		return nil, fmt.Errorf("patcher: target %#x unreachable from site %#x (rel32 overflow)", target, site)
	}
	out := make([]byte, callLen, totalLen)
	out[0] = 0xe8
	out[1] = byte(rel)
	out[2] = byte(rel >> 8)
	out[3] = byte(rel >> 16)
	out[4] = byte(rel >> 24)

	padLen := totalLen - callLen
	if padLen >= len(nopTable) {
		return nil, fmt.Errorf("patcher: padding length %d exceeds known NOP encodings", padLen)
	}
	return append(out, nopTable[padLen]...), nil
}

// Patch is called on every SECCOMP-trap stop at the instruction immediately
// following the `syscall` opcode (rip == site+2). It returns an Outcome; the
// caller always resumes the tracee with a plain continue afterward,
// regardless of Outcome, mirroring spec.md §4.G's "continue the tracee" tail
// of every branch.
func Patch(env *Env, site uint64) (Outcome, error) {
	if env.InVfork {
		return SkippedVfork, nil
	}
	if _, ok := env.PatchedSites[site]; ok {
		return AlreadyPatched, nil
	}
	if _, ok := env.UnpatchableSites[site]; ok {
		return Unpatchable, nil
	}
	// _examples/original_source/src/traced_task.rs:272-278's patch_syscall
	// aborts here, before the early kernel-skip and before touching any
	// tracee state, when the helper library isn't loaded yet: a stub target
	// computed from a zero HelperLoadBase would point at a near-null
	// address (stubSlot: env.HelperLoadBase + h.Offset).
	if env.HelperLoadBase == 0 {
		return NotLoaded, nil
	}

	regs, err := remote.GetRegs(env.Tid)
	if err != nil {
		return 0, fmt.Errorf("patcher: get regs: %w", err)
	}
	savedOrigRax := regs.Orig_rax

	// Step 1 (spec.md §4.G): force the trapped syscall to return -ENOSYS to
	// the kernel without actually running it, by setting orig_rax to an
	// invalid syscall number before single-stepping the kernel's syscall
	// exit path. This is the "early kernel-skip" every candidate site pays
	// once, match or no match: it is what lets a later plain PTRACE_CONT
	// from an unpatchable site re-trigger a fresh, real SECCOMP trap rather
	// than silently losing the syscall.
	regs.Orig_rax = ^uint64(0)
	if err := remote.SetRegs(env.Tid, &regs); err != nil {
		return 0, fmt.Errorf("patcher: set skip regs: %w", err)
	}
	if err := singleStepAndWait(env.Tid); err != nil {
		return 0, fmt.Errorf("patcher: early kernel-skip: %w", err)
	}

	// Step 2: catalog lookup.
	window, err := remote.ReadBytes(env.Mem, site, 16)
	if err != nil {
		return 0, fmt.Errorf("patcher: read prologue window: %w", err)
	}
	hook, hookIndex, ok := env.Catalog.Match(window)
	if !ok {
		env.UnpatchableSites[site] = struct{}{}
		if err := rewindOrigRax(env.Tid, site, savedOrigRax); err != nil {
			return 0, err
		}
		return Unpatchable, nil
	}

	// Step 3: find or allocate a reachable stub slot.
	slotAddr, err := stubSlot(env, site, hook, hookIndex)
	if err != nil {
		env.UnpatchableSites[site] = struct{}{}
		if err := rewindOrigRax(env.Tid, site, savedOrigRax); err != nil {
			return 0, err
		}
		return Unpatchable, nil
	}

	// Step 4: build the replacement bytes.
	patchBytes, err := buildPatchBytes(site, slotAddr, hook.TotalReplacementLength)
	if err != nil {
		env.UnpatchableSites[site] = struct{}{}
		if err := rewindOrigRax(env.Tid, site, savedOrigRax); err != nil {
			return 0, err
		}
		return Unpatchable, nil
	}

	// Step 5: mprotect-bracketed write.
	if err := writeWithMprotectBracket(env, site, patchBytes); err != nil {
		env.UnpatchableSites[site] = struct{}{}
		if err := rewindOrigRax(env.Tid, site, savedOrigRax); err != nil {
			return 0, err
		}
		return Unpatchable, nil
	}

	// Step 6: rewind rip to the site and restore orig_rax for the benefit of
	// the now-patched instruction stream (the kernel no longer dispatches a
	// syscall here at all, but the register state must still look
	// untouched to anything inspecting it before the next continue).
	regs.Rip = site
	regs.Rax = savedOrigRax
	regs.Orig_rax = savedOrigRax
	if err := remote.SetRegs(env.Tid, &regs); err != nil {
		return 0, fmt.Errorf("patcher: rewind regs after patch: %w", err)
	}

	// Step 7: i-cache resync. Single-stepping once forces the core that
	// executes the tracee to observe the just-written bytes before the
	// engine hands control back with an ordinary continue; it also carries
	// out the first-ever traversal of the new `call`, landing rip inside
	// the stub slot's indirect jump.
	if err := singleStepAndWait(env.Tid); err != nil {
		return 0, fmt.Errorf("patcher: i-cache resync step: %w", err)
	}

	// Step 8: record the site as patched.
	env.PatchedSites[site] = struct{}{}
	return Patched, nil
}

// rewindOrigRax restores rip and the rax/orig_rax registers the early
// kernel-skip clobbered, for a site that turned out not to be patchable.
// Undoing the skip here (rather than leaving orig_rax as -1) means the next
// plain continue re-executes the real `syscall` instruction and produces a
// fresh SECCOMP trap carrying the real syscall number, which the
// already-unpatchable fast path then lets through untouched.
func rewindOrigRax(tid int, site uint64, savedOrigRax uint64) error {
	regs, err := remote.GetRegs(tid)
	if err != nil {
		return fmt.Errorf("patcher: get regs for rewind: %w", err)
	}
	regs.Rip = site
	regs.Rax = savedOrigRax
	regs.Orig_rax = savedOrigRax
	if err := remote.SetRegs(tid, &regs); err != nil {
		return fmt.Errorf("patcher: set regs for rewind: %w", err)
	}
	return nil
}

// singleStepAndWait issues one PTRACE_SINGLESTEP and waits for the tracee to
// stop again. Scoped to tid rather than the spec's literal single global
// waitpid(-1, __WALL) suspension point, on the same grounds documented in
// pkg/inject: at most one tracee is ever mid-dispatch inside a patch
// attempt, so a tid-scoped wait is behaviorally equivalent here.
func singleStepAndWait(tid int) error {
	if err := remote.SingleStep(tid); err != nil {
		return err
	}
	var status unix.WaitStatus
	wpid, err := unix.Wait4(tid, &status, 0, nil)
	if err != nil {
		return fmt.Errorf("wait4: %w", err)
	}
	if wpid != tid {
		return fmt.Errorf("wait4 returned pid %d, want %d", wpid, tid)
	}
	if status.Exited() || status.Signaled() {
		return fmt.Errorf("tid %d died during single-step (status %v)", tid, status)
	}
	return nil
}

// stubSlot finds a stub page already reachable from site that holds hook's
// slot, or allocates a fresh one.
func stubSlot(env *Env, site uint64, hook hookcat.Hook, hookIndex int) (uint64, error) {
	for _, sp := range *env.StubPages {
		if reachableRegion(site, sp.Address, sp.Address+sp.Size) {
			return gadget.SlotAddr(sp.Address, hookIndex), nil
		}
	}

	addr, err := stuballoc.Find(env.ProcMap, site, layout.ExtendedJumpPages)
	if err != nil {
		return 0, fmt.Errorf("patcher: allocate stub page: %w", err)
	}
	size := uint64(layout.ExtendedJumpPages) * 4096

	prot := unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	flags := unix.MAP_FIXED | unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	mmapArgs := inject.Args{addr, size, uint64(prot), uint64(flags), ^uint64(0), 0}
	if res, err := inject.Syscall(env.Tid, inject.Untraced, unix.SYS_MMAP, mmapArgs); err != nil || res.Err != nil {
		if err == nil {
			err = res.Err
		}
		return 0, fmt.Errorf("patcher: inject mmap for stub page: %w", err)
	}

	hooks := env.Catalog.Hooks()
	targets := make([]uint64, len(hooks))
	for i, h := range hooks {
		targets[i] = env.HelperLoadBase + h.Offset
	}
	if err := gadget.WriteRegion(env.Mem, addr, targets); err != nil {
		return 0, fmt.Errorf("patcher: write stub region: %w", err)
	}

	roArgs := inject.Args{addr, size, uint64(unix.PROT_READ | unix.PROT_EXEC), 0, 0, 0}
	if res, err := inject.Syscall(env.Tid, inject.Untraced, unix.SYS_MPROTECT, roArgs); err != nil || res.Err != nil {
		if err == nil {
			err = res.Err
		}
		return 0, fmt.Errorf("patcher: mprotect stub page read-exec: %w", err)
	}

	env.ProcMap.Insert(&procmaps.Region{Base: addr, End: addr + size, Perms: "r-xp"})
	*env.StubPages = append(*env.StubPages, &StubPage{
		Address:   addr,
		Size:      size,
		BytesUsed: uint64(len(targets)) * layout.StubSlotSize,
	})

	if hookIndex >= len(hooks) {
		return 0, fmt.Errorf("patcher: hook index %d out of range for %d-hook catalog", hookIndex, len(hooks))
	}
	return gadget.SlotAddr(addr, hookIndex), nil
}

// reachableRegion reports whether an already-mapped region is in reach of
// hint: it is when either endpoint lies within layout.ReachWindow of hint.
// Unlike stuballoc's check on a free gap, it does not single out one
// endpoint as the address that will be used.
func reachableRegion(hint, start, end uint64) bool {
	dist := func(a, b uint64) uint64 {
		if a > b {
			return a - b
		}
		return b - a
	}
	return dist(hint, start) <= layout.ReachWindow || dist(hint, end) <= layout.ReachWindow
}

// writeWithMprotectBracket makes the page(s) containing [site, site+len)
// writable, writes patchBytes, then restores read+execute. The span is
// 0x1000 if the write stays within one page, 0x2000 if it crosses a page
// boundary (spec.md §4.G step 5 / scenario E5).
func writeWithMprotectBracket(env *Env, site uint64, patchBytes []byte) error {
	const pageSize = 0x1000
	pageBase := site &^ (pageSize - 1)
	span := uint64(pageSize)
	if site+uint64(len(patchBytes)) > pageBase+pageSize {
		span = 2 * pageSize
	}

	rwArgs := inject.Args{pageBase, span, uint64(unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC), 0, 0, 0}
	if res, err := inject.Syscall(env.Tid, inject.Untraced, unix.SYS_MPROTECT, rwArgs); err != nil || res.Err != nil {
		if err == nil {
			err = res.Err
		}
		return fmt.Errorf("mprotect writable: %w", err)
	}

	if env.StopSiblings != nil {
		if err := env.StopSiblings(); err != nil {
			return fmt.Errorf("stop sibling tasks before patch write: %w", err)
		}
	}
	writeErr := env.Mem.WriteAt(site, patchBytes)
	if env.ResumeSiblings != nil {
		if err := env.ResumeSiblings(); err != nil && writeErr == nil {
			writeErr = fmt.Errorf("resume sibling tasks after patch write: %w", err)
		}
	}
	if writeErr != nil {
		return fmt.Errorf("write patch bytes: %w", writeErr)
	}

	roArgs := inject.Args{pageBase, span, uint64(unix.PROT_READ | unix.PROT_EXEC), 0, 0, 0}
	if res, err := inject.Syscall(env.Tid, inject.Untraced, unix.SYS_MPROTECT, roArgs); err != nil || res.Err != nil {
		if err == nil {
			err = res.Err
		}
		return fmt.Errorf("mprotect read-exec: %w", err)
	}
	return nil
}
