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

package tracer

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/talismancer/reverie-go/pkg/layout"
	"github.com/talismancer/reverie-go/pkg/task"
)

// Bootstrap holds everything component K sets up exactly once, before the
// first tracee exists: the global-state memfd and the reserved RPC socket,
// both installed at their fixed file descriptor numbers in the tracer's own
// process so that a plain fork (no special Files remapping) hands them to
// every descendant tracee at the same numbers (spec.md §3, §6).
type Bootstrap struct {
	rpcPeer *os.File // the tool-facing end of the reserved RPC socketpair
}

// NewBootstrap creates the global-state memfd and the RPC socketpair and
// installs them at layout.GlobalStateFD and layout.RPCSocketFD in the
// tracer's own descriptor table, clearing close-on-exec on both so ordinary
// fork+exec of the traced program inherits them unchanged. Failure here is
// always bootstrap-fatal (spec.md §7).
func NewBootstrap() (*Bootstrap, error) {
	memfd, err := unix.MemfdCreate(layout.GlobalStateName, 0)
	if err != nil {
		return nil, task.Wrap(0, task.KindBootstrapFatal, "memfd_create", err)
	}
	defer unix.Close(memfd)
	if err := unix.Ftruncate(memfd, layout.GlobalStateSize); err != nil {
		return nil, task.Wrap(0, task.KindBootstrapFatal, "ftruncate global-state memfd", err)
	}
	if err := dupToFixed(memfd, layout.GlobalStateFD); err != nil {
		return nil, task.Wrap(0, task.KindBootstrapFatal, "install global-state memfd", err)
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, task.Wrap(0, task.KindBootstrapFatal, "socketpair for RPC fd", err)
	}
	tracerEnd, toolEnd := fds[0], fds[1]
	defer unix.Close(tracerEnd)
	if err := dupToFixed(tracerEnd, layout.RPCSocketFD); err != nil {
		unix.Close(toolEnd)
		return nil, task.Wrap(0, task.KindBootstrapFatal, "install RPC socket fd", err)
	}

	return &Bootstrap{rpcPeer: os.NewFile(uintptr(toolEnd), "reverie-rpc")}, nil
}

// dupToFixed duplicates fd onto target with dup3 (closing whatever previously
// occupied target); the new descriptor does not have FD_CLOEXEC set. The
// original fd stays open for the caller to close.
func dupToFixed(fd, target int) error {
	if err := unix.Dup3(fd, target, 0); err != nil {
		return fmt.Errorf("dup3 %d -> %d: %w", fd, target, err)
	}
	return nil
}

// RPCPeer returns the tool-facing end of the reserved RPC socketpair, kept
// open in the tracer process for the tool-provided handler to read
// aggregated per-tool state from (out of scope for the core; see pkg/tool).
func (b *Bootstrap) RPCPeer() *os.File { return b.rpcPeer }

// Launch starts argv[0] as a fresh tracee: PTRACE_TRACEME before exec, with
// env and stdio as given. It does not wait for the initial exec-trap; the
// caller waits for that stop before calling SetOptions and handing the
// tracee to the scheduler.
//
// withNamespace mirrors --with-namespace (spec.md §6): the tracee is given
// fresh user/pid/mount/uts namespaces via Cloneflags, becoming pid 1 within
// its own pid namespace. ptrace across a pid-namespace boundary from an
// ancestor namespace is permitted by the kernel, so the tracer itself stays
// in its original namespace rather than re-executing itself into the new
// one — a deliberate simplification of spec.md's "tracer becomes pid 1"
// wording, recorded in DESIGN.md.
func Launch(argv, env []string, withNamespace bool) (*os.Process, error) {
	if len(argv) == 0 {
		return nil, task.Wrap(0, task.KindBootstrapFatal, "launch", fmt.Errorf("empty argv"))
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, task.Wrap(0, task.KindBootstrapFatal, "resolve program path", err)
	}

	sys := &syscall.SysProcAttr{
		Ptrace:    true,
		Pdeathsig: unix.SIGKILL,
	}
	if withNamespace {
		sys.Cloneflags = unix.CLONE_NEWUSER | unix.CLONE_NEWPID | unix.CLONE_NEWNS | unix.CLONE_NEWUTS
	}

	attr := &os.ProcAttr{
		Env:   env,
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
		Sys:   sys,
	}
	proc, err := os.StartProcess(path, argv, attr)
	if err != nil {
		return nil, task.Wrap(0, task.KindBootstrapFatal, "start traced process", err)
	}
	return proc, nil
}

// SetOptions installs the ptrace options the scheduler relies on to observe
// every lifecycle event named in spec.md §4.I, plus PTRACE_O_EXITKILL
// (spec.md §5: tracer death must kill every tracee).
func SetOptions(tid int) error {
	const options = unix.PTRACE_O_TRACECLONE |
		unix.PTRACE_O_TRACEEXEC |
		unix.PTRACE_O_TRACEEXIT |
		unix.PTRACE_O_TRACEFORK |
		unix.PTRACE_O_TRACEVFORK |
		unix.PTRACE_O_TRACEVFORKDONE |
		unix.PTRACE_O_TRACESECCOMP |
		unix.PTRACE_O_EXITKILL
	if err := unix.PtraceSetOptions(tid, options); err != nil {
		return task.Wrap(tid, task.KindBootstrapFatal, "PTRACE_SETOPTIONS", err)
	}
	return nil
}
