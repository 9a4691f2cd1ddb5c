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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"syscall"

	"github.com/google/subcommands"

	"github.com/talismancer/reverie-go/internal/config"
	"github.com/talismancer/reverie-go/internal/logging"
	"github.com/talismancer/reverie-go/pkg/hookcat"
	"github.com/talismancer/reverie-go/pkg/scheduler"
	"github.com/talismancer/reverie-go/pkg/tool"
	"github.com/talismancer/reverie-go/pkg/tracer"
)

// preloadEnvVar names the environment variable the operator sets to point
// the launcher at the preloaded helper library (spec.md §6, "Environment
// consumed by tracees": REVERIE_TRACEE_PRELOAD).
const preloadEnvVar = "REVERIE_TRACEE_PRELOAD"

// toolLogEnvVar is the integer log level forwarded into the tracee so the
// helper library's own logging matches --debug (spec.md §6: TOOL_LOG).
const toolLogEnvVar = "TOOL_LOG"

// runCmd implements subcommands.Command for reverie's one real subcommand:
// launch PROGRAM under the interception engine.
type runCmd struct{}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "run PROGRAM [ARGS...] under syscall interception" }
func (*runCmd) Usage() string {
	return `run [flags] PROGRAM [ARGS...] - launch PROGRAM as a traced child.
`
}

func (*runCmd) SetFlags(fs *flag.FlagSet) {
	config.RegisterFlags(fs)
}

func (*runCmd) Execute(_ context.Context, fs *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	code, err := runMain(fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "reverie:", err)
		return subcommands.ExitFailure
	}
	os.Exit(code)
	return subcommands.ExitSuccess
}

// runMain is the engine's real entry point, factored out of Execute so it
// can return an (exit code, error) pair instead of calling os.Exit directly
// from the middle of the happy path.
func runMain(fs *flag.FlagSet) (int, error) {
	conf, err := config.NewFromFlags(fs)
	if err != nil {
		return 0, err
	}

	log, err := logging.New(conf.Debug, conf.WithLog)
	if err != nil {
		return 0, err
	}

	preload := os.Getenv(preloadEnvVar)
	if preload == "" {
		return 0, fmt.Errorf("%s must name the preloaded helper library", preloadEnvVar)
	}
	catalog, err := hookcat.Load(preload)
	if err != nil {
		return 0, err
	}

	boot, err := tracer.NewBootstrap()
	if err != nil {
		return 0, err
	}
	defer boot.RPCPeer().Close()

	spec := conf.ProcessSpec()
	spec.Env = append(spec.Env, "LD_PRELOAD="+preload, fmt.Sprintf("%s=%d", toolLogEnvVar, conf.Debug))

	// Every ptrace request must come from the thread that started the
	// tracee, and the scheduler's wait loop runs on this goroutine.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	proc, err := tracer.Launch(spec.Args, spec.Env, conf.WithNamespace)
	if err != nil {
		return 0, err
	}
	// Wait for the stop the exec raises under PTRACE_TRACEME before
	// installing options.
	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(proc.Pid, &ws, 0, nil); err != nil {
		return 0, err
	}
	if !ws.Stopped() {
		return 0, fmt.Errorf("traced program did not stop after exec (status %v)", ws)
	}
	if err := tracer.SetOptions(proc.Pid); err != nil {
		return 0, err
	}

	sched := scheduler.New(log, catalog, proc.Pid)
	sched.Handler = tool.NewStraceLogger(log)
	sched.DisableMonkeyPatcher = conf.DisableMonkeyPatcher

	code, err := sched.Run()
	if err != nil {
		return 0, err
	}
	if conf.ShowPerfStats {
		tool.LogPerfStats(log, tool.PerfStats(sched.Stats))
	}
	return code, nil
}
