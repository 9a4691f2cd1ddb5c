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

// Package inject drives a stopped tracee through one arbitrary syscall by
// redirecting its rip to one of the gadget-page entry points, resuming it,
// and waiting for the breakpoint that follows the gadget's syscall
// instruction (spec.md §4.H).
package inject

import (
	"fmt"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"github.com/talismancer/reverie-go/pkg/layout"
	"github.com/talismancer/reverie-go/pkg/remote"
)

// Args holds the six SysV AMD64 syscall argument registers, in order
// (rdi, rsi, rdx, r10, r8, r9).
type Args [6]uint64

// Gadget selects which of the two syscall entry points in the gadget page an
// injection should redirect rip to.
type Gadget int

const (
	// Untraced directs the injected syscall through the gadget the seccomp
	// filter allows to execute without trapping.
	Untraced Gadget = iota
	// Traced directs the injected syscall through the gadget seccomp always
	// traps, used when the tracer wants to observe the injected call's own
	// SECCOMP event (rare; mostly a diagnostic path).
	Traced
)

func (g Gadget) addr() uint64 {
	if g == Traced {
		return layout.TracedGadgetAddr
	}
	return layout.UntracedGadgetAddr
}

// maxWaitRetries bounds how many times Syscall will swallow an intervening
// signal and re-continue before giving up; it exists purely to keep a
// misbehaving tracee from spinning the tracer forever (spec.md §5:
// "Cancellation ... There are no timeouts", which this still respects since
// the bound is generous and only trips on a tracee that is not actually
// converging on the expected trap).
const maxWaitRetries = 64

// Result is the outcome of one injected syscall.
type Result struct {
	// Return is the raw value of rax after the syscall; see Err for the
	// translated errno.
	Return uintptr
	// Err is non-nil if Return fell in the kernel's [-4096,-1] errno range.
	Err error
	// PendingSignal is a signal the tracee should still be delivered, if a
	// signal other than the expected breakpoint trap arrived mid-injection
	// (spec.md §4.H: "If SIGCHLD intervenes, store it as signal_to_deliver").
	// 0 means no signal is pending.
	PendingSignal int
}

// Syscall injects one syscall into the stopped tracee tid, using the gadget
// page at layout.PrivatePageAddr (already installed by preinit). Syscall
// takes its own snapshot of the tracee's current registers and writes it
// back before returning; after a failed wait the write-back is best effort,
// and it is skipped when reading the result registers fails.
func Syscall(tid int, which Gadget, sysno uint64, args Args) (Result, error) {
	saved, err := remote.GetRegs(tid)
	if err != nil {
		return Result{}, fmt.Errorf("inject: snapshot regs: %w", err)
	}

	call := saved
	call.Orig_rax = sysno
	call.Rax = sysno
	call.Rdi = args[0]
	call.Rsi = args[1]
	call.Rdx = args[2]
	call.R10 = args[3]
	call.R8 = args[4]
	call.R9 = args[5]
	call.Rip = which.addr()

	if err := remote.SetRegs(tid, &call); err != nil {
		return Result{}, fmt.Errorf("inject: set call regs: %w", err)
	}

	pendingSignal, err := waitForTrap(tid)
	if err != nil {
		// Best-effort restore so the tracee isn't left with clobbered
		// registers even if the injection itself failed.
		_ = remote.SetRegs(tid, &saved)
		return Result{}, err
	}

	after, err := remote.GetRegs(tid)
	if err != nil {
		return Result{}, fmt.Errorf("inject: read result regs: %w", err)
	}

	if err := remote.SetRegs(tid, &saved); err != nil {
		return Result{}, fmt.Errorf("inject: restore regs: %w", err)
	}

	ret := int64(after.Rax)
	res := Result{Return: uintptr(after.Rax), PendingSignal: pendingSignal, Err: translateErrno(ret)}
	return res, nil
}

// translateErrno implements spec.md §4.H's error convention: "if rax ∈
// [−4096, −1] translate to error".
func translateErrno(ret int64) error {
	if ret >= -4096 && ret <= -1 {
		return unix.Errno(-ret)
	}
	return nil
}

// waitForTrap continues tid and waits for the SIGTRAP delivered by the int3
// that follows the gadget's syscall instruction, swallowing and recording
// any other signal that arrives in the interim so the caller can redeliver
// it later rather than losing it.
func waitForTrap(tid int) (pendingSignal int, err error) {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(0), maxWaitRetries)

	deliver := 0
	op := func() error {
		if err := remote.Cont(tid, deliver); err != nil {
			return backoff.Permanent(fmt.Errorf("inject: cont: %w", err))
		}
		deliver = 0

		var status unix.WaitStatus
		wpid, err := unix.Wait4(tid, &status, 0, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("inject: wait4: %w", err))
		}
		if wpid != tid {
			return backoff.Permanent(fmt.Errorf("inject: wait4 returned pid %d, want %d", wpid, tid))
		}
		if status.Exited() || status.Signaled() {
			return backoff.Permanent(fmt.Errorf("inject: tid %d died mid-injection (status %v)", tid, status))
		}
		if !status.Stopped() {
			return fmt.Errorf("inject: tid %d stopped with unexpected status %v", tid, status)
		}
		if sig := status.StopSignal(); sig != unix.SIGTRAP {
			// Not our breakpoint: remember it and keep going without
			// delivering it now, per spec.md §4.H.
			pendingSignal = int(sig)
			return fmt.Errorf("inject: intervening signal %v", sig)
		}
		return nil
	}

	if err := backoff.Retry(op, b); err != nil {
		return pendingSignal, fmt.Errorf("inject: waiting for breakpoint trap: %w", err)
	}
	return pendingSignal, nil
}
