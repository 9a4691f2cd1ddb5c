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

package seccompfilter

import "testing"

func TestProgramShape(t *testing.T) {
	prog := Program()
	if len(prog) != 6 {
		t.Fatalf("len(Program()) = %d, want 6", len(prog))
	}
	last := prog[len(prog)-1]
	if last.Code != bpfRET|bpfK || last.K != seccompRetTrace {
		t.Errorf("final instruction = %+v, want unconditional SECCOMP_RET_TRACE", last)
	}
	allow := prog[4]
	if allow.Code != bpfRET|bpfK || allow.K != seccompRetAllow {
		t.Errorf("allow instruction = %+v, want SECCOMP_RET_ALLOW", allow)
	}
}

func TestProgramComparesBothHalvesOfRIP(t *testing.T) {
	prog := Program()
	if prog[0].K != ipHighOffset {
		t.Errorf("first load offset = %d, want %d (high 32 bits)", prog[0].K, ipHighOffset)
	}
	if prog[2].K != ipLowOffset {
		t.Errorf("second load offset = %d, want %d (low 32 bits)", prog[2].K, ipLowOffset)
	}
	// High-word mismatch must skip straight to the trace branch (3
	// instructions down from the jump), never falling through to the
	// low-word compare.
	if prog[1].Jf != 3 {
		t.Errorf("high-word mismatch jumps %d ahead, want 3 (straight to RET_TRACE)", prog[1].Jf)
	}
}

func TestSockFprogLenMatchesFilter(t *testing.T) {
	prog := Program()
	fp := sockFprog{Len: uint16(len(prog)), Filter: &prog[0]}
	if int(fp.Len) != len(prog) {
		t.Errorf("sockFprog.Len = %d, want %d", fp.Len, len(prog))
	}
}
