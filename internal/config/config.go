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

// Package config registers the engine's CLI flags (spec.md §6) and turns
// them into a Config, mirroring the shape of runsc/config/flags.go: one
// RegisterFlags(*flag.FlagSet) that binds package-level flag variables, and
// one NewFromFlags that assembles and validates a Config from them.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// envFlag accumulates repeated "--env K=V" occurrences, mirroring the
// pattern of a repeatable flag.Value the standard flag package expects for
// multi-valued flags (there is no built-in repeatable string flag).
type envFlag []string

func (e *envFlag) String() string {
	if e == nil {
		return ""
	}
	return strings.Join(*e, ",")
}

func (e *envFlag) Set(v string) error {
	if !strings.Contains(v, "=") {
		return fmt.Errorf("--env entry %q must have the form KEY=VALUE", v)
	}
	*e = append(*e, v)
	return nil
}

var (
	debug                int
	noHostEnvs           bool
	envs                 envFlag
	withNamespace        bool
	withLog              string
	disableMonkeyPatcher bool
	showPerfStats        bool
)

// RegisterFlags registers the flags used to populate a Config onto fs.
func RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&debug, "debug", 0, "debug verbosity, 0-5 (0=errors only, 5=trace every traced syscall)")
	fs.BoolVar(&noHostEnvs, "no-host-envs", false, "do not inherit the tracer's own environment into the traced program")
	fs.Var(&envs, "env", "KEY=VALUE to add to (or override in) the traced program's environment; may be repeated")
	fs.BoolVar(&withNamespace, "with-namespace", false, "run the traced program in new user/pid/mount/uts namespaces, where it is pid 1; the tracer itself stays in its original namespaces")
	fs.StringVar(&withLog, "with-log", "stderr", "where to send log output: stdout, stderr, or a file path")
	fs.BoolVar(&disableMonkeyPatcher, "disable-monkey-patcher", false, "never patch syscall sites; run every syscall through the slow seccomp-trap-and-inject path")
	fs.BoolVar(&showPerfStats, "show-perf-stats", false, "print the tracer-wide syscall counters on exit")
}

// Config holds the engine's run-time configuration, assembled from flags by
// NewFromFlags.
type Config struct {
	Debug                int
	NoHostEnvs           bool
	Env                  []string
	WithNamespace        bool
	WithLog              string
	DisableMonkeyPatcher bool
	ShowPerfStats        bool

	// Argv is the traced program and its arguments: fs.Args() after flag
	// parsing, spec.md §6's "PROGRAM [ARGS...]" positional.
	Argv []string
}

// NewFromFlags builds a Config from the package-level flag variables bound
// by RegisterFlags. fs must already have been Parse'd.
func NewFromFlags(fs *flag.FlagSet) (*Config, error) {
	if fs.NArg() == 0 {
		return nil, fmt.Errorf("config: missing PROGRAM argument")
	}
	if debug < 0 || debug > 5 {
		return nil, fmt.Errorf("config: --debug must be within 0-5, got %d", debug)
	}
	return &Config{
		Debug:                debug,
		NoHostEnvs:           noHostEnvs,
		Env:                  append([]string(nil), envs...),
		WithNamespace:        withNamespace,
		WithLog:              withLog,
		DisableMonkeyPatcher: disableMonkeyPatcher,
		ShowPerfStats:        showPerfStats,
		Argv:                 append([]string(nil), fs.Args()...),
	}, nil
}

// ComposeEnv implements the open question SPEC_FULL.md §9 resolves:
// --no-host-envs suppresses the tracer's own environment entirely, and then
// every --env K=V entry is applied on top of whatever base remains,
// overriding a same-key host entry rather than duplicating it.
func (c *Config) ComposeEnv() []string {
	var base []string
	if !c.NoHostEnvs {
		base = os.Environ()
	}

	index := make(map[string]int, len(base))
	for i, kv := range base {
		if k, _, ok := strings.Cut(kv, "="); ok {
			index[k] = i
		}
	}

	for _, kv := range c.Env {
		k, _, _ := strings.Cut(kv, "=")
		if i, ok := index[k]; ok {
			base[i] = kv
			continue
		}
		index[k] = len(base)
		base = append(base, kv)
	}
	return base
}

// ProcessSpec renders the traced program's argv and composed environment as
// an OCI runtime-spec Process, the same type the teacher uses to describe
// "what to exec" (runsc/boot/loader.go, runsc/sandbox/sandbox.go) — reused
// here rather than a bespoke struct, per SPEC_FULL.md's DOMAIN STACK table.
// Only the fields a bare ptrace launch actually has an opinion on are
// populated; the rest (User, Capabilities, Rlimits, ...) are a container
// runtime's concerns, not this engine's.
func (c *Config) ProcessSpec() *specs.Process {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return &specs.Process{
		Args: c.Argv,
		Env:  c.ComposeEnv(),
		Cwd:  cwd,
	}
}
