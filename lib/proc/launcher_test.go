/*
 * Hotpool
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package proc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/hotpool/lib/kernel"
	logutils "github.com/gravitational/hotpool/lib/utils/log"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// newTestLauncher builds a launcher writing connection files into a
// per-test directory. Kernels left running are killed on cleanup.
func newTestLauncher(t *testing.T, specs map[string]CommandSpec, grace time.Duration) (*Launcher, string) {
	t.Helper()
	connDir := t.TempDir()
	l, err := NewLauncher(Config{
		Specs:         specs,
		ConnectionDir: connDir,
		ShutdownGrace: grace,
		Logger:        logutils.DiscardLogger(),
	})
	require.NoError(t, err)
	return l, connDir
}

func launchKernel(t *testing.T, l *Launcher, kernelType string, opts kernel.LaunchOptions) *Kernel {
	t.Helper()
	handle, err := l.Launch(testContext(t), kernelType, opts)
	require.NoError(t, err)
	k := handle.(*Kernel)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = k.Shutdown(ctx, false)
	})
	return k
}

func readFileEventually(t *testing.T, path string) string {
	t.Helper()
	var data []byte
	require.Eventually(t, func() bool {
		var err error
		data, err = os.ReadFile(path)
		return err == nil && len(data) > 0
	}, 5*time.Second, 10*time.Millisecond, "waiting for %v", path)
	return strings.TrimSpace(string(data))
}

func TestConfigCheckAndSetDefaults(t *testing.T) {
	t.Parallel()
	specs := map[string]CommandSpec{
		"python3": {Command: []string{"python3", "-m", "ipykernel", "-f", "{connection_file}"}},
	}

	tests := []struct {
		name     string
		cfg      Config
		errCheck require.ErrorAssertionFunc
	}{
		{
			name:     "valid",
			cfg:      Config{Specs: specs},
			errCheck: require.NoError,
		},
		{
			name: "no specs",
			cfg:  Config{},
			errCheck: func(t require.TestingT, err error, _ ...any) {
				require.True(t, trace.IsBadParameter(err))
			},
		},
		{
			name: "empty command",
			cfg:  Config{Specs: map[string]CommandSpec{"broken": {}}},
			errCheck: func(t require.TestingT, err error, _ ...any) {
				require.True(t, trace.IsBadParameter(err))
			},
		},
		{
			name: "negative grace",
			cfg:  Config{Specs: specs, ShutdownGrace: -time.Second},
			errCheck: func(t require.TestingT, err error, _ ...any) {
				require.True(t, trace.IsBadParameter(err))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.CheckAndSetDefaults()
			tt.errCheck(t, err)
			if err == nil {
				require.NotNil(t, tt.cfg.Clock)
				require.NotNil(t, tt.cfg.Logger)
				require.NotEmpty(t, tt.cfg.ConnectionDir)
				require.NotZero(t, tt.cfg.ShutdownGrace)
			}
		})
	}
}

func TestLaunchWritesConnectionFile(t *testing.T) {
	t.Parallel()
	l, _ := newTestLauncher(t, map[string]CommandSpec{
		"sleeper": {Command: []string{"sh", "-c", "exec sleep 60"}},
	}, 0)

	k := launchKernel(t, l, "sleeper", kernel.LaunchOptions{})
	require.True(t, k.IsAlive())
	require.Equal(t, "sleeper", k.Type())

	fi, err := os.Stat(k.ConnectionFile())
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	data, err := os.ReadFile(k.ConnectionFile())
	require.NoError(t, err)
	var info connectionInfo
	require.NoError(t, json.Unmarshal(data, &info))
	require.Equal(t, "sleeper", info.KernelName)
	require.Equal(t, "127.0.0.1", info.IP)
	require.Equal(t, "tcp", info.Transport)
	require.Equal(t, "hmac-sha256", info.SignatureScheme)
	require.Len(t, info.Key, 64)

	ports := []int{info.ShellPort, info.IOPubPort, info.StdinPort, info.ControlPort, info.HBPort}
	seen := make(map[int]bool)
	for _, port := range ports {
		require.Positive(t, port)
		require.False(t, seen[port], "duplicate port %v", port)
		seen[port] = true
	}

	require.NoError(t, k.Shutdown(testContext(t), false))
	require.False(t, k.IsAlive())
	_, err = os.Stat(k.ConnectionFile())
	require.True(t, os.IsNotExist(err))
}

func TestCommandInterpolationAndOptions(t *testing.T) {
	t.Parallel()
	workDir := t.TempDir()
	outFile := filepath.Join(workDir, "out.txt")

	l, _ := newTestLauncher(t, map[string]CommandSpec{
		"echoer": {
			Command: []string{"sh", "-c", `echo "{connection_file} $PWD $GREETING" > ` + outFile + `; exec sleep 60`},
			Env:     map[string]string{"GREETING": "spec-level"},
		},
	}, 0)

	k := launchKernel(t, l, "echoer", kernel.LaunchOptions{
		WorkingDir: workDir,
		Env:        map[string]string{"GREETING": "launch-level"},
	})

	out := readFileEventually(t, outFile)
	fields := strings.Fields(out)
	require.Len(t, fields, 3)
	require.Equal(t, k.ConnectionFile(), fields[0])
	require.Equal(t, workDir, fields[1])
	// per-launch environment overrides the spec environment
	require.Equal(t, "launch-level", fields[2])
}

func TestUnknownTypeRejected(t *testing.T) {
	t.Parallel()
	l, _ := newTestLauncher(t, map[string]CommandSpec{
		"sleeper": {Command: []string{"sh", "-c", "exec sleep 60"}},
	}, 0)

	_, err := l.Launch(testContext(t), "no-such-type", kernel.LaunchOptions{})
	require.True(t, trace.IsBadParameter(err))
}

func TestLaunchFailureCleansUp(t *testing.T) {
	t.Parallel()
	l, connDir := newTestLauncher(t, map[string]CommandSpec{
		"broken": {Command: []string{"/no/such/binary"}},
	}, 0)

	_, err := l.Launch(testContext(t), "broken", kernel.LaunchOptions{})
	require.Error(t, err)

	entries, err := os.ReadDir(connDir)
	require.NoError(t, err)
	require.Empty(t, entries, "connection file of a failed launch must be removed")
}

func TestGracefulShutdown(t *testing.T) {
	t.Parallel()
	l, _ := newTestLauncher(t, map[string]CommandSpec{
		"polite": {Command: []string{"sh", "-c", `trap "exit 0" TERM; while true; do sleep 0.1; done`}},
	}, 0)

	k := launchKernel(t, l, "polite", kernel.LaunchOptions{})
	require.True(t, k.IsAlive())

	require.NoError(t, k.Shutdown(testContext(t), true))
	require.False(t, k.IsAlive())
}

func TestStubbornKernelGetsKilled(t *testing.T) {
	t.Parallel()
	l, _ := newTestLauncher(t, map[string]CommandSpec{
		"stubborn": {Command: []string{"sh", "-c", `trap "" TERM; while true; do sleep 0.1; done`}},
	}, 100*time.Millisecond)

	k := launchKernel(t, l, "stubborn", kernel.LaunchOptions{})
	require.True(t, k.IsAlive())

	// the graceful path escalates to SIGKILL once the grace period runs out
	require.NoError(t, k.Shutdown(testContext(t), true))
	require.False(t, k.IsAlive())
}

func TestRestartReplacesProcess(t *testing.T) {
	t.Parallel()
	outFile := filepath.Join(t.TempDir(), "runs.txt")
	l, _ := newTestLauncher(t, map[string]CommandSpec{
		"counter": {Command: []string{"sh", "-c", `echo run >> ` + outFile + `; exec sleep 60`}},
	}, 0)

	k := launchKernel(t, l, "counter", kernel.LaunchOptions{})
	readFileEventually(t, outFile)
	connFile := k.ConnectionFile()

	require.NoError(t, k.Restart(testContext(t), true))
	require.True(t, k.IsAlive())
	// the connection file survives a restart so clients can reconnect
	require.Equal(t, connFile, k.ConnectionFile())
	_, err := os.Stat(connFile)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(outFile)
		return err == nil && strings.Count(string(data), "run") == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestInterruptSignalsProcess(t *testing.T) {
	t.Parallel()
	outFile := filepath.Join(t.TempDir(), "int.txt")
	l, _ := newTestLauncher(t, map[string]CommandSpec{
		"trapper": {Command: []string{"sh", "-c", `trap "echo interrupted > ` + outFile + `" INT; while true; do sleep 0.1; done`}},
	}, 0)

	k := launchKernel(t, l, "trapper", kernel.LaunchOptions{})
	require.NoError(t, k.Interrupt())
	require.Equal(t, "interrupted", readFileEventually(t, outFile))

	require.NoError(t, k.Shutdown(testContext(t), false))
	require.True(t, trace.IsNotFound(k.Interrupt()))
}

func TestOutputCountsAsActivity(t *testing.T) {
	t.Parallel()
	l, _ := newTestLauncher(t, map[string]CommandSpec{
		"chatty": {Command: []string{"sh", "-c", `while true; do echo tick; sleep 0.05; done`}},
	}, 0)

	k := launchKernel(t, l, "chatty", kernel.LaunchOptions{})
	started := k.LastActivity()
	require.Eventually(t, func() bool {
		return k.LastActivity().After(started)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestActivityRecorder(t *testing.T) {
	t.Parallel()
	l, _ := newTestLauncher(t, map[string]CommandSpec{
		"sleeper": {Command: []string{"sh", "-c", "exec sleep 60"}},
	}, 0)

	k := launchKernel(t, l, "sleeper", kernel.LaunchOptions{})
	var recorder kernel.ActivityRecorder = k
	recorder.SetConnections(4)
	require.Equal(t, 4, k.Connections())

	before := k.LastActivity()
	time.Sleep(10 * time.Millisecond)
	recorder.Touch()
	require.True(t, k.LastActivity().After(before))
}

func TestLauncherTypes(t *testing.T) {
	t.Parallel()
	l, _ := newTestLauncher(t, map[string]CommandSpec{
		"python3": {Command: []string{"sh", "-c", "exec sleep 60"}},
		"ir":      {Command: []string{"sh", "-c", "exec sleep 60"}},
		"julia":   {Command: []string{"sh", "-c", "exec sleep 60"}},
	}, 0)
	require.Equal(t, []string{"ir", "julia", "python3"}, l.Types())
}
