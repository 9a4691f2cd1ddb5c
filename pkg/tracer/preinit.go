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

// Package tracer bootstraps a fresh tracee: os.StartProcess with
// PTRACE_TRACEME (SysProcAttr.Ptrace),
// ptrace option setup, and the one-time post-exec preinit routine that maps
// the private gadget page and writes the syscall gadgets into it
// (spec.md §4.K, §4.I's EXEC row).
package tracer

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/talismancer/reverie-go/pkg/gadget"
	"github.com/talismancer/reverie-go/pkg/layout"
	"github.com/talismancer/reverie-go/pkg/remote"
)

// bpSyscallBp is the 4-byte pattern `cc 0f 05 cc` ("int3; syscall; int3")
// do_ptrace_exec overwrites the first four bytes at the fresh exec's rip
// with, so the tracer can steal two forced traps: one immediately (the
// leading int3) and one right after the injected syscall executes (the
// trailing int3).
var bpSyscallBp = [4]byte{0xcc, 0x0f, 0x05, 0xcc}

// Preinit runs once per EXEC event. It assumes the tracee is stopped exactly
// at the freshly exec'd entry point, with ptrace options already installed.
// On return the tracee is stopped again at the original entry point with its
// original registers restored, ready for task_reset and a plain continue.
func Preinit(tid int, mem remote.Mem) error {
	regs, err := remote.GetRegs(tid)
	if err != nil {
		return fmt.Errorf("tracer: preinit: get entry regs: %w", err)
	}
	entryRip := regs.Rip

	saved, err := remote.ReadBytes(mem, entryRip, 4)
	if err != nil {
		return fmt.Errorf("tracer: preinit: read entry bytes: %w", err)
	}
	if err := mem.WriteAt(entryRip, bpSyscallBp[:]); err != nil {
		return fmt.Errorf("tracer: preinit: write breakpoint-syscall-breakpoint: %w", err)
	}

	if err := remote.Cont(tid, 0); err != nil {
		return fmt.Errorf("tracer: preinit: cont to leading breakpoint: %w", err)
	}
	if err := waitExpectTrap(tid); err != nil {
		return fmt.Errorf("tracer: preinit: waiting for leading breakpoint: %w", err)
	}

	if err := injectPrivatePageMmap(tid); err != nil {
		return fmt.Errorf("tracer: preinit: mapping private page: %w", err)
	}

	if err := gadget.WritePage(mem); err != nil {
		return fmt.Errorf("tracer: preinit: writing gadget page: %w", err)
	}

	if err := mem.WriteAt(entryRip, saved); err != nil {
		return fmt.Errorf("tracer: preinit: restoring entry bytes: %w", err)
	}

	regs.Rip = entryRip
	if err := remote.SetRegs(tid, &regs); err != nil {
		return fmt.Errorf("tracer: preinit: restoring entry regs: %w", err)
	}
	return nil
}

// injectPrivatePageMmap sets up and executes, via direct register
// manipulation rather than pkg/inject's gadget-relative mechanism (the
// gadget page does not exist yet — this call is what creates it), the
// mmap(layout.PrivatePageAddr, layout.PrivatePageSize, RWX,
// FIXED|ANON|PRIVATE, -1, 0) that maps the private page.
func injectPrivatePageMmap(tid int) error {
	regs, err := remote.GetRegs(tid)
	if err != nil {
		return fmt.Errorf("get regs: %w", err)
	}
	saved := regs

	regs.Orig_rax = unix.SYS_MMAP
	regs.Rax = regs.Orig_rax
	regs.Rdi = layout.PrivatePageAddr
	regs.Rsi = layout.PrivatePageSize
	regs.Rdx = uint64(unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC)
	regs.R10 = uint64(unix.MAP_PRIVATE | unix.MAP_FIXED | unix.MAP_ANONYMOUS)
	regs.R8 = ^uint64(0) // fd = -1
	regs.R9 = 0

	if err := remote.SetRegs(tid, &regs); err != nil {
		return fmt.Errorf("set mmap regs: %w", err)
	}
	if err := remote.Cont(tid, 0); err != nil {
		return fmt.Errorf("cont to trailing breakpoint: %w", err)
	}
	if err := waitExpectTrap(tid); err != nil {
		return fmt.Errorf("waiting for trailing breakpoint: %w", err)
	}

	after, err := remote.GetRegs(tid)
	if err != nil {
		return fmt.Errorf("get result regs: %w", err)
	}
	ret := int64(after.Rax)
	if ret >= -4096 && ret <= -1 {
		return fmt.Errorf("mmap returned errno %d", -ret)
	}
	if uint64(ret) != layout.PrivatePageAddr {
		return fmt.Errorf("mmap returned %#x, want fixed address %#x", ret, uint64(layout.PrivatePageAddr))
	}

	// saved was taken just after the leading int3 trapped, so its rip is
	// one byte past the entry point; rewind by that breakpoint's one byte so
	// the restored registers resume at the entry point.
	saved.Rip--
	if err := remote.SetRegs(tid, &saved); err != nil {
		return fmt.Errorf("restore regs after mmap injection: %w", err)
	}
	return nil
}

func waitExpectTrap(tid int) error {
	var status unix.WaitStatus
	wpid, err := unix.Wait4(tid, &status, 0, nil)
	if err != nil {
		return fmt.Errorf("wait4: %w", err)
	}
	if wpid != tid {
		return fmt.Errorf("wait4 returned pid %d, want %d", wpid, tid)
	}
	if !status.Stopped() || status.StopSignal() != unix.SIGTRAP {
		return fmt.Errorf("unexpected wait status %v, want SIGTRAP stop", status)
	}
	return nil
}

// ReadHelperLoadBase reads the SYSCALL_TRAMPOLINE stub slot and, if
// non-zero, returns it rounded down to a page boundary — the
// helper_load_base invariant from spec.md §3. The slot is zero until the
// preloaded helper library's own constructor runs inside the tracee, which
// happens only after the tracer resumes it past preinit; callers should
// retry this on a later event (e.g. the first seccomp trap) rather than
// expecting a value immediately after Preinit returns.
func ReadHelperLoadBase(mem remote.Mem) (*uint64, error) {
	buf, err := remote.ReadBytes(mem, layout.SyscallTrampoline.Addr(), 8)
	if err != nil {
		return nil, fmt.Errorf("tracer: reading SYSCALL_TRAMPOLINE: %w", err)
	}
	v := binary.LittleEndian.Uint64(buf)
	if v == 0 {
		return nil, nil
	}
	base := v &^ 0xfff
	return &base, nil
}
