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

// Package scheduler implements the single-threaded cooperative wait loop
// that drives every tracee through execve, fork/vfork/clone, seccomp-trap,
// signal-delivery, and exit events (spec.md §4.J, §5).
package scheduler

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/talismancer/reverie-go/pkg/hookcat"
	"github.com/talismancer/reverie-go/pkg/patcher"
	"github.com/talismancer/reverie-go/pkg/procmaps"
	"github.com/talismancer/reverie-go/pkg/remote"
	"github.com/talismancer/reverie-go/pkg/task"
	"github.com/talismancer/reverie-go/pkg/tool"
	"github.com/talismancer/reverie-go/pkg/tracer"
)

// Stats accumulates the counters --show-perf-stats reports (spec.md §6,
// §9 supplemented feature; see SPEC_FULL.md §9).
type Stats struct {
	SeccompTraps     int64
	SitesPatched     int64
	SitesUnpatchable int64
	InjectedSyscalls int64
}

// Scheduler owns the runnable queue and the full set of known tasks.
type Scheduler struct {
	Log *logrus.Logger

	Catalog *hookcat.Catalog

	// Handler receives lifecycle and syscall notifications (SPEC_FULL.md
	// §2's "tool-provided dispatcher" collaborator). Nil is treated as
	// tool.NopHandler{}.
	Handler tool.Handler
	// DisableMonkeyPatcher mirrors --disable-monkey-patcher (spec.md §6):
	// when set, the scheduler never attempts to rewrite a syscall site and
	// every syscall runs the slow seccomp-trap path instead.
	DisableMonkeyPatcher bool

	queue []*task.TracedTask
	tasks map[int]*task.TracedTask

	rootPid  int
	exitCode int
	running  map[int]bool

	Stats Stats
}

func (s *Scheduler) handler() tool.Handler {
	if s.Handler != nil {
		return s.Handler
	}
	return tool.NopHandler{}
}

// New creates a Scheduler whose first task is rootTid, already stopped at
// its initial exec-trap (the caller is expected to have called
// tracer.Launch, waited for the first stop, and installed ptrace options).
func New(log *logrus.Logger, catalog *hookcat.Catalog, rootTid int) *Scheduler {
	root := &task.TracedTask{
		Tid: rootTid, Pid: rootTid, Ppid: 0, Pgid: rootTid,
		Catalog: catalog,
		Shared:  task.NewProcessState(),
	}
	root.SetEvent(int(unix.PTRACE_EVENT_EXEC))
	return &Scheduler{
		Log:     log,
		Catalog: catalog,
		queue:   []*task.TracedTask{root},
		tasks:   map[int]*task.TracedTask{rootTid: root},
		rootPid: rootTid,
		running: map[int]bool{},
	}
}

// Run drives every tracee to completion and returns the root tracee's exit
// code (spec.md §4.J: "the scheduler returns the exit code of the original
// root tracee").
func (s *Scheduler) Run() (int, error) {
	for {
		if len(s.queue) == 0 {
			if len(s.tasks) == 0 {
				return s.exitCode, nil
			}
			if err := s.waitAny(); err != nil {
				return s.exitCode, err
			}
			continue
		}
		t := s.queue[0]
		s.queue = s.queue[1:]

		children, done, err := s.dispatch(t)
		if err != nil {
			if task.IsKind(err, task.KindTaskFatal) {
				s.Log.WithError(err).WithField("tid", t.Tid).Warn("killing task after fatal error")
				delete(s.tasks, t.Tid)
				continue
			}
			return s.exitCode, err
		}
		if !done {
			s.running[t.Tid] = true
		}
		s.queue = append(s.queue, children...)
	}
}

// waitAny blocks on waitpid(-1, __WALL) (spec.md §5's single suspension
// point) and turns the result into a requeue of the matching task.
func (s *Scheduler) waitAny() error {
	var status unix.WaitStatus
	wpid, err := unix.Wait4(-1, &status, unix.WALL, nil)
	if err != nil {
		return fmt.Errorf("scheduler: wait4(-1): %w", err)
	}
	t, ok := s.tasks[wpid]
	if !ok {
		return fmt.Errorf("scheduler: wait4 returned unknown tid %d", wpid)
	}
	delete(s.running, wpid)

	switch {
	case status.Exited():
		s.finishExit(t, status.ExitStatus())
		return nil
	case status.Signaled():
		s.finishExit(t, 0x80|int(status.Signal()))
		return nil
	case status.Stopped():
		if status.StopSignal() == unix.SIGTRAP && status.TrapCause() != 0 {
			t.SetEvent(status.TrapCause())
		} else {
			t.SetStopped(int(status.StopSignal()))
		}
	default:
		return fmt.Errorf("scheduler: tid %d: unexpected wait status %v", wpid, status)
	}
	s.queue = append(s.queue, t)
	return nil
}

// dispatch runs one step for t: handles its current Event/Stopped state,
// returning any newly created children to enqueue and whether t itself is
// done (exited).
func (s *Scheduler) dispatch(t *task.TracedTask) (children []*task.TracedTask, done bool, err error) {
	if t.State() != task.Event {
		// A plain signal-delivery stop: redeliver and keep running.
		sig := 0
		if t.State() == task.Stopped {
			sig = t.StopSignal
		}
		if err := remote.Cont(t.Tid, sig); err != nil {
			return nil, false, task.Wrap(t.Tid, task.KindTaskFatal, "continue stopped task", err)
		}
		return nil, false, nil
	}

	switch t.RawEvent {
	case int(unix.PTRACE_EVENT_FORK):
		return s.handleFork(t, false)
	case int(unix.PTRACE_EVENT_VFORK):
		return s.handleFork(t, true)
	case int(unix.PTRACE_EVENT_CLONE):
		return s.handleClone(t)
	case int(unix.PTRACE_EVENT_EXEC):
		return nil, false, s.handleExec(t)
	case int(unix.PTRACE_EVENT_VFORK_DONE):
		if err := remote.Cont(t.Tid, 0); err != nil {
			return nil, false, task.Wrap(t.Tid, task.KindTaskFatal, "continue after vfork-done", err)
		}
		return nil, false, nil
	case int(unix.PTRACE_EVENT_EXIT):
		return nil, true, s.handleEventExit(t)
	case int(unix.PTRACE_EVENT_SECCOMP):
		return nil, false, s.handleSeccomp(t)
	default:
		return nil, false, task.Wrap(t.Tid, task.KindTaskFatal, "ptrace event",
			fmt.Errorf("unknown event %#x", t.RawEvent))
	}
}

func (s *Scheduler) handleFork(t *task.TracedTask, isVfork bool) ([]*task.TracedTask, bool, error) {
	msg, err := remote.GetEventMsg(t.Tid)
	if err != nil {
		return nil, false, task.Wrap(t.Tid, task.KindTaskFatal, "GETEVENTMSG fork", err)
	}
	childPid := int(msg)
	var child *task.TracedTask
	kind := "fork"
	if isVfork {
		child = t.Vfork(childPid)
		kind = "vfork"
	} else {
		child = t.Fork(childPid)
	}
	s.tasks[childPid] = child
	s.handler().OnTaskEvent(childPid, kind)

	if err := remote.Cont(t.Tid, 0); err != nil {
		return nil, false, task.Wrap(t.Tid, task.KindTaskFatal, "continue parent after fork", err)
	}
	child.SetStopped(int(unix.SIGSTOP))
	return []*task.TracedTask{child}, false, nil
}

func (s *Scheduler) handleClone(t *task.TracedTask) ([]*task.TracedTask, bool, error) {
	msg, err := remote.GetEventMsg(t.Tid)
	if err != nil {
		return nil, false, task.Wrap(t.Tid, task.KindTaskFatal, "GETEVENTMSG clone", err)
	}
	childTid := int(msg)
	child := t.Clone(childTid)
	s.tasks[childTid] = child
	s.handler().OnTaskEvent(childTid, "clone")

	if err := remote.Cont(t.Tid, 0); err != nil {
		return nil, false, task.Wrap(t.Tid, task.KindTaskFatal, "continue parent after clone", err)
	}
	child.SetStopped(int(unix.SIGSTOP))
	return []*task.TracedTask{child}, false, nil
}

func (s *Scheduler) handleExec(t *task.TracedTask) error {
	s.handler().OnTaskEvent(t.Tid, "exec")
	mem := remote.NewMem(t.Tid)
	if err := tracer.Preinit(t.Tid, mem); err != nil {
		return task.Wrap(t.Tid, task.KindTaskFatal, "tracee_preinit", err)
	}
	t.Reset()

	m, err := procmaps.Read(t.Pid)
	if err != nil {
		return task.Wrap(t.Tid, task.KindTaskFatal, "reading /proc/pid/maps after exec", err)
	}
	t.Shared.MemoryMap = m

	if err := remote.Cont(t.Tid, 0); err != nil {
		return task.Wrap(t.Tid, task.KindTaskFatal, "continue after preinit", err)
	}
	return nil
}

func (s *Scheduler) handleEventExit(t *task.TracedTask) error {
	sig := 0
	if t.SignalToDeliver != nil {
		sig = *t.SignalToDeliver
	}
	if _, err := remote.GetEventMsg(t.Tid); err != nil {
		return task.Wrap(t.Tid, task.KindTaskFatal, "GETEVENTMSG exit", err)
	}
	if err := remote.SingleStep(t.Tid); err != nil {
		return task.Wrap(t.Tid, task.KindTaskFatal, "single-step to confirm reap", err)
	}

	var status unix.WaitStatus
	wpid, err := unix.Wait4(t.Tid, &status, 0, nil)
	if err != nil {
		return task.Wrap(t.Tid, task.KindTaskFatal, "wait4 after exit single-step", err)
	}
	if wpid != t.Tid {
		return task.Wrap(t.Tid, task.KindTaskFatal, "wait4 after exit single-step", fmt.Errorf("returned pid %d", wpid))
	}

	switch {
	case status.Exited():
		s.finishExit(t, status.ExitStatus())
	case status.Signaled():
		if err := remote.Cont(t.Tid, int(status.Signal())); err != nil {
			s.Log.WithError(err).Debug("continue past signaled status during exit confirmation")
		}
		s.finishExit(t, 0x80|int(status.Signal()))
	default:
		return task.Wrap(t.Tid, task.KindTaskFatal, "exit confirmation", fmt.Errorf("unexpected status %v", status))
	}
	_ = sig
	return nil
}

func (s *Scheduler) handleSeccomp(t *task.TracedTask) error {
	s.Stats.SeccompTraps++

	msg, err := remote.GetEventMsg(t.Tid)
	if err != nil {
		return task.Wrap(t.Tid, task.KindTaskFatal, "GETEVENTMSG seccomp", err)
	}
	if msg == 0x7fff {
		return task.Wrap(t.Tid, task.KindTaskFatal, "seccomp event", fmt.Errorf("unfiltered syscall reached the tracer"))
	}

	regs, err := remote.GetRegs(t.Tid)
	if err != nil {
		return task.Wrap(t.Tid, task.KindTaskFatal, "GETREGS seccomp", err)
	}
	site := regs.Rip - 2

	// Lazily re-resolved per task, never cached scheduler-wide: each execve
	// loads the LD_PRELOAD helper at its own independent ASLR address, and
	// t.Reset() (called from handleExec) already nils this back out, so a
	// task that has execed since its last resolution starts over.
	if t.HelperLoadBase == nil {
		if base, err := tracer.ReadHelperLoadBase(remote.NewMem(t.Tid)); err == nil && base != nil {
			t.HelperLoadBase = base
		}
	}

	patched := false
	if s.DisableMonkeyPatcher {
		s.Stats.SitesUnpatchable++
	} else {
		helperBase := uint64(0)
		if t.HelperLoadBase != nil {
			helperBase = *t.HelperLoadBase
		}
		env := &patcher.Env{
			Tid:              t.Tid,
			Mem:              remote.NewMem(t.Tid),
			InVfork:          t.InVfork,
			Catalog:          t.Catalog,
			HelperLoadBase:   helperBase,
			ProcMap:          t.Shared.MemoryMap,
			StubPages:        &t.Shared.StubPages,
			PatchedSites:     t.Shared.PatchedSites,
			UnpatchableSites: t.Shared.UnpatchableSites,
			StopSiblings:     s.stopSiblings(t),
			ResumeSiblings:   s.resumeSiblings(t),
		}
		outcome, patchErr := patcher.Patch(env, site)
		if patchErr != nil {
			s.Log.WithError(patchErr).WithField("tid", t.Tid).Debug("patch attempt failed; handling via ptrace")
		}
		switch outcome {
		case patcher.Patched, patcher.AlreadyPatched:
			s.Stats.SitesPatched++
			patched = true
		case patcher.Unpatchable:
			s.Stats.SitesUnpatchable++
		case patcher.NotLoaded:
			// Left unrecorded: the next trap on this site retries once
			// t.HelperLoadBase resolves.
		}
	}
	s.handler().OnSyscall(t.Tid, regs.Orig_rax, [6]uint64{regs.Rdi, regs.Rsi, regs.Rdx, regs.R10, regs.R8, regs.R9}, patched)

	if err := remote.Cont(t.Tid, 0); err != nil {
		return task.Wrap(t.Tid, task.KindTaskFatal, "continue after seccomp dispatch", err)
	}
	return nil
}

// siblings returns every other known task sharing t's process id, for the
// sibling-thread-safety bracket around a patch write (spec.md §9's open
// question on a sibling thread executing inside the replacement window
// while a patch commits).
func (s *Scheduler) siblings(t *task.TracedTask) []*task.TracedTask {
	var out []*task.TracedTask
	for tid, other := range s.tasks {
		if tid == t.Tid || other.Pid != t.Pid {
			continue
		}
		out = append(out, other)
	}
	return out
}

// stopSiblings returns a patcher.Env.StopSiblings callback that group-stops
// every other task sharing t's process before the patch write commits. Each
// sibling is sent SIGSTOP directly and its stop is reaped with a
// tid-scoped wait4 rather than through the scheduler's own waitAny loop:
// nothing else runs concurrently during a patch attempt, so this cannot
// race the main wait4(-1) suspension point.
func (s *Scheduler) stopSiblings(t *task.TracedTask) func() error {
	return func() error {
		for _, sib := range s.siblings(t) {
			if err := unix.Tgkill(sib.Pid, sib.Tid, unix.SIGSTOP); err != nil {
				return fmt.Errorf("scheduler: SIGSTOP sibling tid=%d: %w", sib.Tid, err)
			}
			var status unix.WaitStatus
			wpid, err := unix.Wait4(sib.Tid, &status, unix.WALL, nil)
			if err != nil {
				return fmt.Errorf("scheduler: wait4 sibling tid=%d: %w", sib.Tid, err)
			}
			if wpid != sib.Tid {
				return fmt.Errorf("scheduler: wait4 sibling returned pid %d, want %d", wpid, sib.Tid)
			}
			sib.SetStopped(int(unix.SIGSTOP))
		}
		return nil
	}
}

// resumeSiblings returns a patcher.Env.ResumeSiblings callback that
// continues every sibling stopSiblings stopped.
func (s *Scheduler) resumeSiblings(t *task.TracedTask) func() error {
	return func() error {
		for _, sib := range s.siblings(t) {
			if sib.State() != task.Stopped {
				continue
			}
			if err := remote.Cont(sib.Tid, 0); err != nil {
				return fmt.Errorf("scheduler: continue sibling tid=%d: %w", sib.Tid, err)
			}
			sib.SetRunning()
		}
		return nil
	}
}

func (s *Scheduler) finishExit(t *task.TracedTask, code int) {
	s.handler().OnTaskEvent(t.Tid, "exit")
	t.SetExited(code)
	if t.Shared != nil {
		t.Shared.Release()
	}
	delete(s.tasks, t.Tid)
	if t.Tid == s.rootPid {
		s.exitCode = code
	}
}
