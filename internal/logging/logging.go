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

// Package logging sets up the ambient structured logger (SPEC_FULL.md §6,
// "AMBIENT STACK"): a single *logrus.Logger shared by the scheduler,
// tracer, and patcher, with --debug N mapped onto logrus's level scale and
// --with-log steering its output.
package logging

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// LevelForDebug maps the CLI's --debug N (0-5, spec.md §6) onto a logrus
// level. 0 is the default (errors only); 5 is the most verbose.
func LevelForDebug(n int) logrus.Level {
	switch {
	case n <= 0:
		return logrus.ErrorLevel
	case n == 1:
		return logrus.WarnLevel
	case n == 2:
		return logrus.InfoLevel
	case n == 3:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}

// New builds the ambient logger for one run: level from debugLevel, output
// directed per dest ("stdout", "stderr", or a file path; "" behaves like
// "stderr", matching the teacher's own default-to-stderr convention).
func New(debugLevel int, dest string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetLevel(LevelForDebug(debugLevel))

	switch dest {
	case "", "stderr":
		log.SetOutput(os.Stderr)
	case "stdout":
		log.SetOutput(os.Stdout)
	default:
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("logging: open %s: %w", dest, err)
		}
		log.SetOutput(f)
	}
	return log, nil
}
