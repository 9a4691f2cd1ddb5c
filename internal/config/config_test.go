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

package config

import (
	"flag"
	"os"
	"sort"
	"testing"
)

func parse(t *testing.T, args []string) *Config {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c, err := NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	return c
}

func TestNewFromFlagsRequiresProgram(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := NewFromFlags(fs); err == nil {
		t.Fatal("NewFromFlags with no PROGRAM argument should fail")
	}
}

func TestNewFromFlagsDefaults(t *testing.T) {
	c := parse(t, []string{"/bin/true"})
	if c.Debug != 0 || c.NoHostEnvs || c.WithNamespace || c.DisableMonkeyPatcher || c.ShowPerfStats {
		t.Errorf("unexpected non-default Config: %+v", c)
	}
	if c.WithLog != "stderr" {
		t.Errorf("WithLog default = %q, want stderr", c.WithLog)
	}
	if got := c.Argv; len(got) != 1 || got[0] != "/bin/true" {
		t.Errorf("Argv = %v, want [/bin/true]", got)
	}
}

func TestNewFromFlagsRepeatableEnv(t *testing.T) {
	c := parse(t, []string{"--env", "A=1", "--env", "B=2", "/bin/true", "arg1"})
	if len(c.Env) != 2 || c.Env[0] != "A=1" || c.Env[1] != "B=2" {
		t.Errorf("Env = %v, want [A=1 B=2]", c.Env)
	}
	if len(c.Argv) != 2 || c.Argv[1] != "arg1" {
		t.Errorf("Argv = %v, want [/bin/true arg1]", c.Argv)
	}
}

func TestComposeEnvNoHostEnvsSuppressesHost(t *testing.T) {
	os.Setenv("REVERIE_TEST_HOST_VAR", "host")
	defer os.Unsetenv("REVERIE_TEST_HOST_VAR")

	c := &Config{NoHostEnvs: true, Env: []string{"ONLY=mine"}}
	got := c.ComposeEnv()
	if len(got) != 1 || got[0] != "ONLY=mine" {
		t.Errorf("ComposeEnv = %v, want [ONLY=mine]", got)
	}
}

func TestComposeEnvOverridesHostKey(t *testing.T) {
	os.Setenv("REVERIE_TEST_OVERRIDE", "host-value")
	defer os.Unsetenv("REVERIE_TEST_OVERRIDE")

	c := &Config{Env: []string{"REVERIE_TEST_OVERRIDE=mine"}}
	got := c.ComposeEnv()

	found := false
	for _, kv := range got {
		if kv == "REVERIE_TEST_OVERRIDE=host-value" {
			t.Fatalf("host value for REVERIE_TEST_OVERRIDE survived override: %v", got)
		}
		if kv == "REVERIE_TEST_OVERRIDE=mine" {
			found = true
		}
	}
	if !found {
		t.Errorf("override REVERIE_TEST_OVERRIDE=mine missing from %v", got)
	}
}

func TestComposeEnvAppendsNewKeys(t *testing.T) {
	c := &Config{NoHostEnvs: true, Env: []string{"A=1", "B=2", "A=3"}}
	got := c.ComposeEnv()
	sort.Strings(got)
	if len(got) != 2 {
		t.Fatalf("ComposeEnv = %v, want 2 entries (A re-set, B new)", got)
	}
}
