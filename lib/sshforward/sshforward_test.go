/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sshforward

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func discardLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(bytes.NewBuffer(nil))
	return l
}

// longRunningScript writes a tiny shell script that sleeps regardless
// of the argv the supervisor appends, so Start's fixed --socks-port
// flag doesn't need to be a flag the child understands.
func longRunningScript(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-forwarder.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nsleep 5\n"), 0o700))
	return path
}

func TestStartLaunchesChildAndStopTerminatesIt(t *testing.T) {
	s := New(longRunningScript(t), 0, "127.0.0.1:1", discardLog())
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	require.Error(t, s.Start(ctx), "a second Start before Stop must be rejected")

	require.NoError(t, s.Stop())

	select {
	case <-s.Exited():
	case <-time.After(2 * time.Second):
		t.Fatal("child process did not report exit after Stop")
	}
}

func TestProbeFailsAgainstClosedPort(t *testing.T) {
	s := New("", 0, "127.0.0.1:1", discardLog())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := s.Probe(ctx)
	require.Error(t, err)
}
