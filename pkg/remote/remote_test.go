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

package remote

import (
	"bytes"
	"testing"
)

// fakeMem is an in-process Mem backed by a flat byte slice, used by this
// package's tests that need a tracee's memory without a real
// ptrace-stopped process.
type fakeMem struct {
	base uint64
	data []byte
}

func newFakeMem(base uint64, size int) *fakeMem {
	return &fakeMem{base: base, data: make([]byte, size)}
}

func (f *fakeMem) ReadAt(addr uint64, buf []byte) error {
	off := addr - f.base
	copy(buf, f.data[off:off+uint64(len(buf))])
	return nil
}

func (f *fakeMem) WriteAt(addr uint64, buf []byte) error {
	off := addr - f.base
	copy(f.data[off:off+uint64(len(buf))], buf)
	return nil
}

func TestReadWriteBytes(t *testing.T) {
	m := newFakeMem(0x1000, 64)
	want := []byte{1, 2, 3, 4, 5}
	if err := m.WriteAt(0x1008, want); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got, err := ReadBytes(m, 0x1008, len(want))
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestReadWriteStructRoundTrip(t *testing.T) {
	type pod struct {
		A uint64
		B uint32
		C uint32
	}
	m := newFakeMem(0x2000, 64)
	in := pod{A: 0xdeadbeefcafef00d, B: 7, C: 9}
	if err := WriteStruct(m, 0x2010, &in); err != nil {
		t.Fatalf("WriteStruct: %v", err)
	}
	var out pod
	if err := ReadStruct(m, 0x2010, &out); err != nil {
		t.Fatalf("ReadStruct: %v", err)
	}
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
}
