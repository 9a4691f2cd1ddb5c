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

// Package tool models the one out-of-scope external collaborator spec.md
// leaves as a boundary: whatever consumes the tracer's per-syscall and
// per-task-lifecycle events (a profiler, a sandboxing policy engine, a
// plain strace-style logger) and whatever reads the aggregated state the
// tracer accumulates in the global-state memfd (pkg/tracer.Bootstrap).
// Neither the wire format of that memfd's contents nor the RPC protocol
// over the reserved socket is specified (spec.md §1: "the helper library's
// C/assembly trampolines ... treated as a catalog"); pkg/tool only fixes
// the Go-side seam a concrete tool implementation would plug into.
package tool

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Handler receives the tracer's lifecycle and syscall notifications. The
// scheduler (component J) calls these synchronously from its single wait
// loop; a Handler must not block on anything that itself waits on the
// traced process, since the scheduler holds the only waitpid(-1) call.
type Handler interface {
	// OnBootstrap takes the global-state memfd. The engine's own launch
	// path (cmd/reverie and the scheduler) does not call it.
	OnBootstrap(globalState *os.File) error
	// OnTaskEvent reports a lifecycle transition (spec.md §4.I): kind is
	// one of "fork", "vfork", "clone", "exec", "exit".
	OnTaskEvent(tid int, kind string)
	// OnSyscall reports one observed syscall. patched is true when the
	// site has since been rewritten to call straight into the hook
	// (spec.md §4.G); false means it was handled via the slow
	// seccomp-trap-and-inject path (spec.md §4.H).
	OnSyscall(tid int, nr uint64, args [6]uint64, patched bool)
}

// NopHandler implements Handler by discarding every notification. It is the
// zero-value default when no tool-provided Handler is configured.
type NopHandler struct{}

func (NopHandler) OnBootstrap(*os.File) error             { return nil }
func (NopHandler) OnTaskEvent(int, string)                {}
func (NopHandler) OnSyscall(int, uint64, [6]uint64, bool) {}

// StraceLogger is the supplemented strace-style logging feature
// (SPEC_FULL.md §4.L, dropped from spec.md's distillation but present in
// the original `reverie` CLI): it renders every unpatched syscall and every
// task lifecycle transition through the ambient logger at Trace level,
// gated by --debug (spec.md §6 names `PROGRAM [ARGS...]` as "strace-style").
type StraceLogger struct {
	Log *logrus.Logger
}

// NewStraceLogger returns a StraceLogger writing through log.
func NewStraceLogger(log *logrus.Logger) *StraceLogger {
	return &StraceLogger{Log: log}
}

func (s *StraceLogger) OnBootstrap(*os.File) error { return nil }

func (s *StraceLogger) OnTaskEvent(tid int, kind string) {
	s.Log.WithField("tid", tid).Tracef("%s", kind)
}

func (s *StraceLogger) OnSyscall(tid int, nr uint64, args [6]uint64, patched bool) {
	mode := "unpatched"
	if patched {
		mode = "patched"
	}
	s.Log.WithFields(logrus.Fields{"tid": tid, "nr": nr, "mode": mode}).
		Tracef("syscall_%d(%#x, %#x, %#x, %#x, %#x, %#x) [%s]",
			nr, args[0], args[1], args[2], args[3], args[4], args[5], mode)
}

// PerfStats is the data show-perf-stats reports on exit (SPEC_FULL.md §9),
// accumulated by pkg/scheduler and handed here only for formatting.
type PerfStats struct {
	SeccompTraps     int64
	SitesPatched     int64
	SitesUnpatchable int64
	InjectedSyscalls int64
}

// LogPerfStats renders stats at info level, so --show-perf-stats output
// survives the default debug level: the four raw counters, then, when
// SeccompTraps is non-zero, one percentage line of SitesPatched over
// SeccompTraps.
func LogPerfStats(log *logrus.Logger, stats PerfStats) {
	log.Info("reverie statistics (tracer + tracees):")
	log.Infof("  seccomp traps seen:   %d", stats.SeccompTraps)
	log.Infof("  sites patched:        %d", stats.SitesPatched)
	log.Infof("  sites unpatchable:    %d", stats.SitesUnpatchable)
	log.Infof("  injected syscalls:    %d", stats.InjectedSyscalls)

	if stats.SeccompTraps == 0 {
		return
	}
	patchedPct := 100 * float64(stats.SitesPatched) / float64(stats.SeccompTraps)
	log.Info(fmt.Sprintf("  syscalls captured (w/ patching): %.2f%%", patchedPct))
}
