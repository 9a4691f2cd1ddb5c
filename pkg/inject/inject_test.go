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

package inject

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/talismancer/reverie-go/pkg/layout"
)

func TestGadgetAddr(t *testing.T) {
	if got, want := Untraced.addr(), uint64(layout.UntracedGadgetAddr); got != want {
		t.Errorf("Untraced.addr() = %#x, want %#x", got, want)
	}
	if got, want := Traced.addr(), uint64(layout.TracedGadgetAddr); got != want {
		t.Errorf("Traced.addr() = %#x, want %#x", got, want)
	}
}

func TestTranslateErrno(t *testing.T) {
	cases := []struct {
		ret     int64
		wantErr bool
	}{
		{0, false},
		{42, false},
		{-1, true},
		{-4096, true},
		{-4097, false},
	}
	for _, c := range cases {
		err := translateErrno(c.ret)
		if (err != nil) != c.wantErr {
			t.Errorf("translateErrno(%d) = %v, wantErr %v", c.ret, err, c.wantErr)
		}
		if err != nil {
			if errno, ok := err.(unix.Errno); !ok || int64(-errno) != c.ret {
				t.Errorf("translateErrno(%d) = %v, want errno %d", c.ret, err, -c.ret)
			}
		}
	}
}
