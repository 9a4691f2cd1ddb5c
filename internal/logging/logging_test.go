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

package logging

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestLevelForDebugMonotone(t *testing.T) {
	want := []logrus.Level{logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel, logrus.DebugLevel, logrus.TraceLevel, logrus.TraceLevel}
	for n, w := range want {
		if got := LevelForDebug(n); got != w {
			t.Errorf("LevelForDebug(%d) = %v, want %v", n, got, w)
		}
	}
	if got := LevelForDebug(-1); got != logrus.ErrorLevel {
		t.Errorf("LevelForDebug(-1) = %v, want ErrorLevel", got)
	}
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reverie.log")
	log, err := New(3, path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if log.Level != logrus.DebugLevel {
		t.Errorf("level = %v, want DebugLevel", log.Level)
	}
	log.Info("hello")
}

func TestNewDefaultsToStderr(t *testing.T) {
	if _, err := New(0, ""); err != nil {
		t.Fatalf("New: %v", err)
	}
}
