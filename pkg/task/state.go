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

// Package task implements the per-tracee state machine: identity, lifecycle
// state, and the process-shared metadata (memory map, stub pages, patched
// and unpatchable site sets) that fork deep-copies and clone shares
// (spec.md §4.I, §9).
package task

import (
	"sync/atomic"

	"github.com/mohae/deepcopy"

	"github.com/talismancer/reverie-go/pkg/hookcat"
	"github.com/talismancer/reverie-go/pkg/patcher"
	"github.com/talismancer/reverie-go/pkg/procmaps"
)

// State is one of the TracedTask lifecycle states from spec.md §3:
// Ready -> Running -> {Stopped, Signaled, Event}* -> Exited.
type State int

const (
	Ready State = iota
	Running
	Stopped
	Signaled
	Event
	Exited
)

func (s State) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Stopped:
		return "Stopped"
	case Signaled:
		return "Signaled"
	case Event:
		return "Event"
	case Exited:
		return "Exited"
	default:
		return "Unknown"
	}
}

// ProcessState is the metadata threads of one process share: a single
// instance is held by every TracedTask in that process via a
// reference-counted handle (spec.md §9's "cyclic ownership" design note).
// clone increments the refcount and shares the pointer; fork allocates a
// fresh handle that deep-copies the contents; exec drops the old handle (its
// refcount falls to 1, held only by whatever parent-side cleanup still
// references it, then to 0) and installs a brand new, empty one.
type ProcessState struct {
	refs int32

	MemoryMap        *procmaps.Map
	StubPages        []*patcher.StubPage
	PatchedSites     map[uint64]struct{}
	UnpatchableSites map[uint64]struct{}
}

// NewProcessState returns a fresh, empty, singly-referenced handle, used for
// a freshly execve'd process.
func NewProcessState() *ProcessState {
	return &ProcessState{
		refs:             1,
		PatchedSites:     make(map[uint64]struct{}),
		UnpatchableSites: make(map[uint64]struct{}),
	}
}

// Retain increments the refcount for a new clone sibling and returns the
// same handle.
func (p *ProcessState) Retain() *ProcessState {
	atomic.AddInt32(&p.refs, 1)
	return p
}

// Release decrements the refcount, returning the value after decrementing.
// A TracedTask calls this when it exits or execs away from this handle.
func (p *ProcessState) Release() int32 {
	return atomic.AddInt32(&p.refs, -1)
}

// RefCount reports the current refcount, mainly for tests verifying spec.md
// §9's exec-drops-the-old-handle invariant.
func (p *ProcessState) RefCount() int32 {
	return atomic.LoadInt32(&p.refs)
}

// Clone returns a fresh, singly-referenced deep copy of p, for fork
// (spec.md §4.I: "New task: deep-copy memory_map, stub_pages, patched_sites,
// unpatchable_sites"). MemoryMap uses btree's copy-on-write Clone; the plain
// map and slice fields use deepcopy, which is sufficient for them since
// their element types carry no unexported state of their own.
func (p *ProcessState) Clone() *ProcessState {
	clone := &ProcessState{refs: 1}
	if p.MemoryMap != nil {
		clone.MemoryMap = p.MemoryMap.Clone()
	}
	if p.StubPages != nil {
		clone.StubPages = deepcopy.Copy(p.StubPages).([]*patcher.StubPage)
	}
	clone.PatchedSites = deepcopy.Copy(p.PatchedSites).(map[uint64]struct{})
	clone.UnpatchableSites = deepcopy.Copy(p.UnpatchableSites).(map[uint64]struct{})
	return clone
}

// TracedTask is one tracee thread of control, per spec.md §3.
type TracedTask struct {
	Tid, Pid, Ppid, Pgid int

	state          State
	StopSignal     int
	SignaledSignal int
	RawEvent       int
	ExitCode       int

	InVfork bool

	// HelperLoadBase is nil until the scheduler reads a non-zero
	// SYSCALL_TRAMPOLINE slot on a seccomp trap and sets it. Nothing in the
	// engine sets InjectedPrivatePage. Reset sets both back to nil; spec.md
	// §3's Option<T> fields map directly to Go's nil-pointer idiom here.
	HelperLoadBase      *uint64
	InjectedPrivatePage *uint64

	// SignalToDeliver holds a signal that arrived mid-injection and must be
	// redelivered on the next continue (spec.md §4.H).
	SignalToDeliver *int

	// Catalog is borrowed from the tracer-global, load-once table; it is
	// never cloned (spec.md §9).
	Catalog *hookcat.Catalog

	// Shared is the process-shared metadata handle; fork allocates a new
	// one, clone retains the parent's.
	Shared *ProcessState
}

// State returns the task's current lifecycle state.
func (t *TracedTask) State() State { return t.state }

// SetStopped transitions the task to Stopped(signal).
func (t *TracedTask) SetStopped(signal int) {
	t.state = Stopped
	t.StopSignal = signal
}

// SetSignaled transitions the task to Signaled(signal).
func (t *TracedTask) SetSignaled(signal int) {
	t.state = Signaled
	t.SignaledSignal = signal
}

// SetEvent transitions the task to Event(rawEvent).
func (t *TracedTask) SetEvent(rawEvent int) {
	t.state = Event
	t.RawEvent = rawEvent
}

// SetRunning transitions the task to Running, e.g. right after a continue.
func (t *TracedTask) SetRunning() { t.state = Running }

// SetExited transitions the task to the terminal Exited(code) state.
// Per spec.md §4.I's EXIT handling, code is already folded with the
// 0x80|signal convention by the caller when the task died by signal.
func (t *TracedTask) SetExited(code int) {
	t.state = Exited
	t.ExitCode = code
}

// Fork returns a new child TracedTask for a PTRACE_EVENT_FORK event: the
// child deep-copies Shared and is not in a vfork.
func (t *TracedTask) Fork(childPid int) *TracedTask {
	return &TracedTask{
		Tid: childPid, Pid: childPid, Ppid: t.Pid, Pgid: t.Pgid,
		state:   Ready,
		Catalog: t.Catalog,
		Shared:  t.Shared.Clone(),
	}
}

// Vfork is Fork but marks the child as in_vfork, disabling patching until
// execve or exit (spec.md §4.I VFORK row, §4.G skip rule).
func (t *TracedTask) Vfork(childPid int) *TracedTask {
	child := t.Fork(childPid)
	child.InVfork = true
	return child
}

// Clone returns a new sibling TracedTask for a PTRACE_EVENT_CLONE event:
// same pid, a retained (shared, not copied) Shared handle.
func (t *TracedTask) Clone(childTid int) *TracedTask {
	return &TracedTask{
		Tid: childTid, Pid: t.Pid, Ppid: t.Ppid, Pgid: t.Pgid,
		state:   Ready,
		Catalog: t.Catalog,
		Shared:  t.Shared.Retain(),
	}
}

// Reset implements task_reset from spec.md §4.I's EXEC row: helper state is
// cleared and a brand-new, empty, singly-referenced Shared handle replaces
// the old one, whose refcount correspondingly drops (spec.md §9).
func (t *TracedTask) Reset() {
	if t.Shared != nil {
		t.Shared.Release()
	}
	t.HelperLoadBase = nil
	t.InjectedPrivatePage = nil
	t.InVfork = false
	t.SignalToDeliver = nil
	t.Shared = NewProcessState()
}
