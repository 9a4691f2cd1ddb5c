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

package task

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a task-level failure into one of spec.md §7's four
// categories, so callers can decide whether to abort the tracer, kill one
// task, or simply record a site as unpatchable and move on.
type ErrorKind int

const (
	// KindBootstrapFatal aborts the whole tracer: the helper library could
	// not be found, the memfd could not be created, a ptrace option was
	// rejected, or the initial exec failed.
	KindBootstrapFatal ErrorKind = iota
	// KindTaskFatal kills the one task affected, leaving its siblings
	// running: an unexpected wait status, an unknown ptrace event, or a
	// ptrace I/O failure against a live task.
	KindTaskFatal
	// KindPatchFailure is always recoverable: the site is recorded
	// unpatchable and every future occurrence is handled via plain ptrace.
	KindPatchFailure
	// KindInjectedSyscall wraps an errno surfaced by pkg/inject.
	KindInjectedSyscall
)

// String names the kind for logging.
func (k ErrorKind) String() string {
	switch k {
	case KindBootstrapFatal:
		return "bootstrap-fatal"
	case KindTaskFatal:
		return "task-fatal"
	case KindPatchFailure:
		return "patch-failure"
	case KindInjectedSyscall:
		return "injected-syscall-error"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with its kind and the task it concerns.
type Error struct {
	Op   string
	Tid  int
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("task %d: %s: %s", e.Tid, e.Op, e.Kind)
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Wrap builds an *Error classifying err for task tid during operation op.
func Wrap(tid int, kind ErrorKind, op string, err error) *Error {
	return &Error{Op: op, Tid: tid, Kind: kind, Err: err}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}
