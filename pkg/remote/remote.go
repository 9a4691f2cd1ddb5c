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

// Package remote provides typed read/write of a stopped tracee's memory and
// registers, plus the narrow slice of ptrace operations the rest of the
// engine needs (event read, single-step, signal-delivered continue).
//
// Every exported operation here assumes its tid is currently ptrace-stopped
// and that the calling goroutine has the OS thread locked: ptrace(2)
// operations are only valid from the thread that attached (or, for most
// requests, any thread in the same thread group as the tracer, but the
// codebase standardizes on "the attaching thread" to avoid relying on that
// nuance).
package remote

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Mem is the typed-memory-access boundary between the engine and an actual
// ptrace-stopped tracee. It exists so that package-level tests (patcher,
// stuballoc, inject) can substitute an in-memory fake instead of requiring
// CAP_SYS_PTRACE and a live kernel.
type Mem interface {
	// ReadAt fills buf from the tracee's address space starting at addr.
	ReadAt(addr uint64, buf []byte) error
	// WriteAt writes buf into the tracee's address space starting at addr.
	WriteAt(addr uint64, buf []byte) error
}

// ptraceMem is the real Mem backed by PTRACE_PEEKDATA/PTRACE_POKEDATA.
type ptraceMem struct {
	tid int
}

// NewMem returns the real, ptrace-backed Mem for the given tracee thread id.
func NewMem(tid int) Mem {
	return ptraceMem{tid: tid}
}

func (m ptraceMem) ReadAt(addr uint64, buf []byte) error {
	n, err := unix.PtracePeekData(m.tid, uintptr(addr), buf)
	if err != nil {
		return fmt.Errorf("remote: PEEKDATA tid=%d addr=%#x: %w", m.tid, addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("remote: PEEKDATA tid=%d addr=%#x: read %d bytes, want %d", m.tid, addr, n, len(buf))
	}
	return nil
}

func (m ptraceMem) WriteAt(addr uint64, buf []byte) error {
	n, err := unix.PtracePokeData(m.tid, uintptr(addr), buf)
	if err != nil {
		return fmt.Errorf("remote: POKEDATA tid=%d addr=%#x: %w", m.tid, addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("remote: POKEDATA tid=%d addr=%#x: wrote %d bytes, want %d", m.tid, addr, n, len(buf))
	}
	return nil
}

// ReadBytes is a convenience wrapper that allocates and returns n bytes read
// from addr.
func ReadBytes(m Mem, addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := m.ReadAt(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadStruct reads binary.Size(v) bytes at addr and decodes them
// little-endian into v, which must be a pointer to a fixed-size value.
//
// Per spec.md §9 ("uninitialized memory reads during peek"), this always
// reads into an explicit byte buffer first and only then parses it — it
// never constructs an uninitialized typed value and reinterprets tracee
// bytes directly over it.
func ReadStruct(m Mem, addr uint64, v any) error {
	size := binary.Size(v)
	if size < 0 {
		return fmt.Errorf("remote: ReadStruct: %T is not a fixed-size type", v)
	}
	buf, err := ReadBytes(m, addr, size)
	if err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, v)
}

// WriteStruct encodes v little-endian and writes it to addr.
func WriteStruct(m Mem, addr uint64, v any) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("remote: WriteStruct: %w", err)
	}
	return m.WriteAt(addr, buf.Bytes())
}

// GetRegs reads the general-purpose registers of tid.
func GetRegs(tid int) (unix.PtraceRegs, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return unix.PtraceRegs{}, fmt.Errorf("remote: GETREGS tid=%d: %w", tid, err)
	}
	return regs, nil
}

// SetRegs writes the general-purpose registers of tid.
func SetRegs(tid int, regs *unix.PtraceRegs) error {
	if err := unix.PtraceSetRegs(tid, regs); err != nil {
		return fmt.Errorf("remote: SETREGS tid=%d: %w", tid, err)
	}
	return nil
}

// GetEventMsg reads the ptrace event payload (e.g. the new pid on
// PTRACE_EVENT_FORK, or the exit code on PTRACE_EVENT_EXIT).
func GetEventMsg(tid int) (uint, error) {
	msg, err := unix.PtraceGetEventMsg(tid)
	if err != nil {
		return 0, fmt.Errorf("remote: GETEVENTMSG tid=%d: %w", tid, err)
	}
	return msg, nil
}

// Cont resumes tid, optionally re-delivering sig (0 for no signal).
func Cont(tid int, sig int) error {
	if err := unix.PtraceCont(tid, sig); err != nil {
		return fmt.Errorf("remote: CONT tid=%d sig=%d: %w", tid, sig, err)
	}
	return nil
}

// SingleStep resumes tid for exactly one instruction.
func SingleStep(tid int) error {
	if err := unix.PtraceSingleStep(tid); err != nil {
		return fmt.Errorf("remote: SINGLESTEP tid=%d: %w", tid, err)
	}
	return nil
}

// SetOptions installs the given PTRACE_O_* option bitmask on tid.
func SetOptions(tid, options int) error {
	if err := unix.PtraceSetOptions(tid, options); err != nil {
		return fmt.Errorf("remote: SETOPTIONS tid=%d: %w", tid, err)
	}
	return nil
}
