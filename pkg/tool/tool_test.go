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

package tool

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestStraceLoggerImplementsHandler(t *testing.T) {
	var _ Handler = (*StraceLogger)(nil)
	var _ Handler = NopHandler{}
}

func TestStraceLoggerOnSyscallLogsAtTrace(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	log.SetLevel(logrus.TraceLevel)

	s := NewStraceLogger(log)
	s.OnSyscall(42, 0, [6]uint64{1, 2, 3, 4, 5, 6}, false)

	if buf.Len() == 0 {
		t.Fatal("expected OnSyscall to produce log output at Trace level")
	}
}

func TestStraceLoggerOnSyscallSilentBelowTrace(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	log.SetLevel(logrus.InfoLevel)

	s := NewStraceLogger(log)
	s.OnSyscall(42, 0, [6]uint64{}, true)

	if buf.Len() != 0 {
		t.Errorf("expected no output below Trace level, got %q", buf.String())
	}
}

func TestLogPerfStatsZeroTrapsSkipsPercentage(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	log.SetLevel(logrus.InfoLevel)

	LogPerfStats(log, PerfStats{})
	if buf.Len() == 0 {
		t.Fatal("expected counter lines even with zero traps")
	}
	if strings.Contains(buf.String(), "syscalls captured") {
		t.Errorf("expected no percentage line with zero traps, got %q", buf.String())
	}
}
