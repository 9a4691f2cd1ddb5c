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

// Package seccompfilter compiles the engine's one-rule allow-list (spec.md
// §6: allow a bare `syscall` instruction only at the untraced gadget entry,
// trap every other syscall) into a classic BPF program and installs it in
// the calling tracee via SECCOMP_SET_MODE_FILTER.
//
// This is an external-collaborator interface (SPEC_FULL.md §2): no
// third-party seccomp-BPF compiler exists anywhere in the example pack —
// cilium/ebpf targets the unrelated eBPF/bpf(2) map-and-program surface, not
// classic cBPF sock_fprog installation. The raw opcode constants and
// sockFilter/sockFprog shapes below are hand-defined the same way the other
// examples do it; see DESIGN.md.
package seccompfilter

import (
	"fmt"
	"syscall"
	"unsafe"

	"github.com/talismancer/reverie-go/pkg/layout"
)

// BPF instruction opcodes (linux/filter.h).
const (
	bpfLD  = 0x00
	bpfJMP = 0x05
	bpfRET = 0x06
	bpfW   = 0x00
	bpfABS = 0x20
	bpfJEQ = 0x10
	bpfK   = 0x00
)

// Seccomp return actions and installation constants (linux/seccomp.h,
// linux/prctl.h).
const (
	seccompRetAllow = 0x7fff0000
	seccompRetTrace = 0x7ff00000

	prSetNoNewPrivs      = 38
	seccompSetModeFilter = 1
	sysSeccomp           = 317 // x86-64 seccomp(2) syscall number
)

// seccomp_data field offsets (linux/seccomp.h), little-endian layout:
//
//	int nr;                    // offset 0
//	__u32 arch;                // offset 4
//	__u64 instruction_pointer; // offset 8
//	__u64 args[6];             // offset 16
const (
	ipLowOffset  = 8
	ipHighOffset = 12
)

// sockFilter is one classic BPF instruction, matching struct sock_filter.
type sockFilter struct {
	Code uint16
	Jt   uint8
	Jf   uint8
	K    uint32
}

// sockFprog matches struct sock_fprog, the argument to
// SECCOMP_SET_MODE_FILTER / PR_SET_SECCOMP.
type sockFprog struct {
	Len    uint16
	_      [6]byte // padding to match the kernel's pointer alignment
	Filter *sockFilter
}

// Program builds the classic BPF instruction list implementing the single
// rule: allow iff instruction_pointer == layout.UntracedSyscallRIP(),
// otherwise SECCOMP_RET_TRACE.
func Program() []sockFilter {
	rip := uint32(layout.UntracedSyscallRIP())
	return []sockFilter{
		{Code: bpfLD | bpfW | bpfABS, K: ipHighOffset},
		{Code: bpfJMP | bpfJEQ | bpfK, Jt: 0, Jf: 3, K: 0},
		{Code: bpfLD | bpfW | bpfABS, K: ipLowOffset},
		{Code: bpfJMP | bpfJEQ | bpfK, Jt: 0, Jf: 1, K: rip},
		{Code: bpfRET | bpfK, K: seccompRetAllow},
		{Code: bpfRET | bpfK, K: seccompRetTrace},
	}
}

// Install sets PR_SET_NO_NEW_PRIVS (required before an unprivileged seccomp
// filter install) and installs Program() via SECCOMP_SET_MODE_FILTER. Must
// be called from the tracee itself, not the tracer, since seccomp filters
// are a per-thread-group attribute of the calling process.
func Install() error {
	if _, _, errno := syscall.RawSyscall(syscall.SYS_PRCTL, prSetNoNewPrivs, 1, 0); errno != 0 {
		return fmt.Errorf("seccompfilter: PR_SET_NO_NEW_PRIVS: %w", errno)
	}
	insns := Program()
	prog := sockFprog{
		Len:    uint16(len(insns)),
		Filter: &insns[0],
	}
	if _, _, errno := syscall.RawSyscall(
		uintptr(sysSeccomp),
		seccompSetModeFilter,
		0,
		uintptr(unsafe.Pointer(&prog)),
	); errno != 0 {
		return fmt.Errorf("seccompfilter: SECCOMP_SET_MODE_FILTER: %w", errno)
	}
	return nil
}
