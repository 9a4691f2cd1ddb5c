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

package task

import "testing"

func newRootTask(pid int) *TracedTask {
	return &TracedTask{
		Tid: pid, Pid: pid, Ppid: 1, Pgid: pid,
		state:  Ready,
		Shared: NewProcessState(),
	}
}

func TestForkDeepCopyIsIndependent(t *testing.T) {
	parent := newRootTask(100)
	parent.Shared.PatchedSites[0x400000] = struct{}{}

	child := parent.Fork(101)
	child.Shared.PatchedSites[0x500000] = struct{}{}

	if _, ok := parent.Shared.PatchedSites[0x500000]; ok {
		t.Error("child's patched site leaked back into parent: fork should deep-copy, not share")
	}
	if _, ok := child.Shared.PatchedSites[0x400000]; !ok {
		t.Error("child should have inherited the parent's patched sites at fork time")
	}
}

func TestVforkSetsInVfork(t *testing.T) {
	parent := newRootTask(100)
	child := parent.Vfork(101)
	if !child.InVfork {
		t.Error("Vfork child must have InVfork set")
	}
	if parent.InVfork {
		t.Error("Vfork must not set InVfork on the parent")
	}
}

func TestCloneSharesState(t *testing.T) {
	parent := newRootTask(100)
	sibling := parent.Clone(101)

	if sibling.Pid != parent.Pid {
		t.Errorf("clone sibling pid = %d, want %d", sibling.Pid, parent.Pid)
	}
	if sibling.Shared != parent.Shared {
		t.Error("clone must share the same Shared handle, not copy it")
	}

	sibling.Shared.PatchedSites[0x400000] = struct{}{}
	if _, ok := parent.Shared.PatchedSites[0x400000]; !ok {
		t.Error("a write through the clone's Shared handle must be visible to the parent")
	}

	if got := parent.Shared.RefCount(); got != 2 {
		t.Errorf("refcount after one clone = %d, want 2", got)
	}
}

func TestResetDropsOldHandle(t *testing.T) {
	parent := newRootTask(100)
	sibling := parent.Clone(101)
	if got := parent.Shared.RefCount(); got != 2 {
		t.Fatalf("refcount before reset = %d, want 2", got)
	}

	old := sibling.Shared
	sibling.Reset()

	if got := old.RefCount(); got != 1 {
		t.Errorf("old handle refcount after one sibling's reset = %d, want 1", got)
	}
	if sibling.Shared == old {
		t.Error("Reset must install a brand new Shared handle")
	}
	if len(sibling.Shared.PatchedSites) != 0 {
		t.Error("Reset's new handle must start with empty patched sites")
	}
}

func TestStateTransitions(t *testing.T) {
	tk := newRootTask(100)
	if tk.State() != Ready {
		t.Fatalf("new task state = %v, want Ready", tk.State())
	}
	tk.SetRunning()
	if tk.State() != Running {
		t.Fatalf("state = %v, want Running", tk.State())
	}
	tk.SetEvent(4)
	if tk.State() != Event || tk.RawEvent != 4 {
		t.Fatalf("state = %v rawEvent=%d, want Event(4)", tk.State(), tk.RawEvent)
	}
	tk.SetExited(0)
	if tk.State() != Exited {
		t.Fatalf("state = %v, want Exited", tk.State())
	}
}
