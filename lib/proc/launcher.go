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

// Package proc launches kernels as local child processes. Each kernel gets
// a fresh connection file describing its ZMQ ports and HMAC key, and its
// command line is rendered from a per-type spec with the {connection_file}
// placeholder substituted.
package proc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/hotpool"
	"github.com/gravitational/hotpool/lib/defaults"
	"github.com/gravitational/hotpool/lib/kernel"
	"github.com/gravitational/hotpool/lib/utils"
	logutils "github.com/gravitational/hotpool/lib/utils/log"
)

// ConnectionFilePlaceholder is replaced in command arguments with the path
// of the kernel's connection file.
const ConnectionFilePlaceholder = "{connection_file}"

// CommandSpec describes how to start kernels of one type.
type CommandSpec struct {
	// Command is the argv of the kernel process. Arguments may reference
	// {connection_file}.
	Command []string `yaml:"command"`
	// Env is extra environment applied to every kernel of this type,
	// before any per-launch environment.
	Env map[string]string `yaml:"env,omitempty"`
}

// Config holds the process launcher settings.
type Config struct {
	// Specs maps kernel type names to their launch commands.
	Specs map[string]CommandSpec
	// ConnectionDir is where connection files are written. Defaults to
	// the system temp directory.
	ConnectionDir string
	// ShutdownGrace is how long a graceful shutdown waits after SIGTERM
	// before sending SIGKILL.
	ShutdownGrace time.Duration
	// Clock is used for activity timestamps and shutdown timing.
	Clock clockwork.Clock
	// Logger emits launcher and kernel output logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if len(c.Specs) == 0 {
		return trace.BadParameter("missing parameter Specs")
	}
	for name, spec := range c.Specs {
		if len(spec.Command) == 0 {
			return trace.BadParameter("kernel type %q has an empty command", name)
		}
	}
	if c.ShutdownGrace < 0 {
		return trace.BadParameter("parameter ShutdownGrace cannot be negative")
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = defaults.ShutdownGrace
	}
	if c.ConnectionDir == "" {
		c.ConnectionDir = os.TempDir()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(hotpool.ComponentKey, hotpool.ComponentProc)
	}
	return nil
}

// Launcher spawns kernel processes according to configured command specs.
// It implements kernel.Launcher.
type Launcher struct {
	cfg    Config
	logger *slog.Logger
}

// NewLauncher returns a process launcher for the given config.
func NewLauncher(cfg Config) (*Launcher, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Launcher{cfg: cfg, logger: cfg.Logger}, nil
}

// Types lists the kernel types this launcher can start, sorted.
func (l *Launcher) Types() []string {
	types := make([]string, 0, len(l.cfg.Specs))
	for name := range l.cfg.Specs {
		types = append(types, name)
	}
	slices.Sort(types)
	return types
}

// Launch starts a kernel process of the given type and returns its handle.
// The process inherits the launcher environment extended with the spec and
// per-launch environment, and runs in opts.WorkingDir when set.
func (l *Launcher) Launch(ctx context.Context, kernelType string, opts kernel.LaunchOptions) (kernel.Handle, error) {
	spec, ok := l.cfg.Specs[kernelType]
	if !ok {
		return nil, trace.BadParameter("unknown kernel type %q", kernelType)
	}
	if err := ctx.Err(); err != nil {
		return nil, trace.Wrap(err)
	}

	connFile, err := l.writeConnectionFile(kernelType)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	k := &Kernel{
		kernelType: kernelType,
		opts:       opts,
		connFile:   connFile,
		argv:       renderCommand(spec.Command, connFile),
		env:        buildEnv(spec.Env, opts.Env),
		dir:        opts.WorkingDir,
		grace:      l.cfg.ShutdownGrace,
		clock:      l.cfg.Clock,
		logger: l.logger.With(
			"kernel_type", kernelType,
			"connection_file", filepath.Base(connFile),
		),
	}
	k.lastActivity = l.cfg.Clock.Now()

	if err := k.spawn(); err != nil {
		if rmErr := os.Remove(connFile); rmErr != nil {
			l.logger.WarnContext(ctx, "Failed to remove connection file of failed launch.",
				"file", connFile, "error", rmErr)
		}
		return nil, trace.Wrap(err)
	}
	l.logger.InfoContext(ctx, "Launched kernel process.",
		"kernel_type", kernelType, "pid", k.pid())
	return k, nil
}

// writeConnectionFile allocates the kernel's ports and key and writes the
// connection file the kernel command is pointed at.
func (l *Launcher) writeConnectionFile(kernelType string) (string, error) {
	ports, err := freePorts(5)
	if err != nil {
		return "", trace.Wrap(err)
	}
	key, err := utils.CryptoRandomHex(32)
	if err != nil {
		return "", trace.Wrap(err)
	}
	nonce, err := utils.CryptoRandomHex(8)
	if err != nil {
		return "", trace.Wrap(err)
	}

	info := connectionInfo{
		ShellPort:       ports[0],
		IOPubPort:       ports[1],
		StdinPort:       ports[2],
		ControlPort:     ports[3],
		HBPort:          ports[4],
		IP:              "127.0.0.1",
		Key:             key,
		Transport:       "tcp",
		SignatureScheme: "hmac-sha256",
		KernelName:      kernelType,
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return "", trace.Wrap(err)
	}

	path := filepath.Join(l.cfg.ConnectionDir, fmt.Sprintf("kernel-%s.json", nonce))
	if err := os.WriteFile(path, data, defaults.ConnectionFilePerms); err != nil {
		return "", trace.ConvertSystemError(err)
	}
	return path, nil
}

// connectionInfo is the standard Jupyter connection file payload.
type connectionInfo struct {
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	HBPort          int    `json:"hb_port"`
	IP              string `json:"ip"`
	Key             string `json:"key"`
	Transport       string `json:"transport"`
	SignatureScheme string `json:"signature_scheme"`
	KernelName      string `json:"kernel_name"`
}

// freePorts reserves n distinct loopback TCP ports. The listeners stay open
// until all ports are allocated so the kernel cannot be handed duplicates.
func freePorts(n int) ([]int, error) {
	listeners := make([]net.Listener, 0, n)
	defer func() {
		for _, lsn := range listeners {
			lsn.Close()
		}
	}()

	ports := make([]int, 0, n)
	for range n {
		lsn, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, trace.Wrap(err)
		}
		listeners = append(listeners, lsn)
		ports = append(ports, lsn.Addr().(*net.TCPAddr).Port)
	}
	return ports, nil
}

func renderCommand(command []string, connFile string) []string {
	argv := make([]string, 0, len(command))
	for _, arg := range command {
		argv = append(argv, strings.ReplaceAll(arg, ConnectionFilePlaceholder, connFile))
	}
	return argv
}

// buildEnv layers the spec environment and the per-launch environment over
// the inherited one. Later entries win in os/exec.
func buildEnv(specEnv, optsEnv map[string]string) []string {
	env := os.Environ()
	for _, extra := range []map[string]string{specEnv, optsEnv} {
		keys := make([]string, 0, len(extra))
		for key := range extra {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		for _, key := range keys {
			env = append(env, key+"="+extra[key])
		}
	}
	return env
}

// Kernel is the handle of one kernel child process. It implements
// kernel.Handle and kernel.ActivityRecorder; process output counts as
// activity, and the embedding host reports client connections.
type Kernel struct {
	kernelType string
	opts       kernel.LaunchOptions
	connFile   string
	argv       []string
	env        []string
	dir        string
	grace      time.Duration
	clock      clockwork.Clock
	logger     *slog.Logger

	mu           sync.Mutex
	cmd          *exec.Cmd
	done         chan struct{}
	lastActivity time.Time
	connections  int
	removedFile  bool
}

// spawn starts a fresh kernel process and installs its exit watcher. It is
// called once by Launch and again by Restart, never concurrently with
// itself.
func (k *Kernel) spawn() error {
	cmd := exec.Command(k.argv[0], k.argv[1:]...)
	cmd.Env = k.env
	cmd.Dir = k.dir
	cmd.Stdout = &activityWriter{kernel: k, logger: k.logger.With("stream", "stdout")}
	cmd.Stderr = &activityWriter{kernel: k, logger: k.logger.With("stream", "stderr")}
	// an orphaned grandchild holding the output pipes must not keep Wait
	// from observing the kernel's death
	cmd.WaitDelay = k.grace
	if err := cmd.Start(); err != nil {
		return trace.Wrap(err)
	}

	done := make(chan struct{})
	go func() {
		err := cmd.Wait()
		k.logger.DebugContext(context.Background(), "Kernel process exited.",
			"pid", cmd.Process.Pid, "error", err)
		close(done)
	}()

	k.mu.Lock()
	k.cmd = cmd
	k.done = done
	k.mu.Unlock()
	return nil
}

func (k *Kernel) pid() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cmd.Process.Pid
}

func (k *Kernel) process() (*exec.Cmd, chan struct{}) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cmd, k.done
}

// Type returns the kernel type this process was launched as.
func (k *Kernel) Type() string { return k.kernelType }

// Options returns the launch options the process was started with.
func (k *Kernel) Options() kernel.LaunchOptions { return k.opts }

// ConnectionFile returns the path of the kernel's connection file.
func (k *Kernel) ConnectionFile() string { return k.connFile }

// IsAlive reports whether the kernel process is still running.
func (k *Kernel) IsAlive() bool {
	_, done := k.process()
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Shutdown terminates the kernel process and removes its connection file.
// A graceful shutdown sends SIGTERM first and escalates to SIGKILL after
// the grace period.
func (k *Kernel) Shutdown(ctx context.Context, graceful bool) error {
	err := k.halt(ctx, graceful)
	k.removeConnectionFile()
	return trace.Wrap(err)
}

// halt stops the current kernel process. Signal errors on an already dead
// process are not failures.
func (k *Kernel) halt(ctx context.Context, graceful bool) error {
	cmd, done := k.process()
	select {
	case <-done:
		return nil
	default:
	}

	if graceful {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return trace.Wrap(err)
		}
		select {
		case <-done:
			return nil
		case <-k.clock.After(k.grace):
			k.logger.WarnContext(ctx, "Kernel ignored SIGTERM, killing it.",
				"pid", cmd.Process.Pid, "grace", k.grace)
		case <-ctx.Done():
		}
	}

	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return trace.Wrap(err)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

// Restart replaces the kernel process with a fresh one reusing the same
// connection file, so clients holding the file can reconnect.
func (k *Kernel) Restart(ctx context.Context, now bool) error {
	if err := k.halt(ctx, !now); err != nil {
		return trace.Wrap(err)
	}
	if err := ctx.Err(); err != nil {
		return trace.Wrap(err)
	}
	if err := k.spawn(); err != nil {
		return trace.Wrap(err)
	}
	k.Touch()
	k.logger.InfoContext(ctx, "Restarted kernel process.", "pid", k.pid())
	return nil
}

// Interrupt sends an interrupt signal to the kernel process.
func (k *Kernel) Interrupt() error {
	cmd, done := k.process()
	select {
	case <-done:
		return trace.NotFound("kernel process has already exited")
	default:
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return trace.Wrap(err)
	}
	return nil
}

// LastActivity returns the time of the most recent observed activity.
func (k *Kernel) LastActivity() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastActivity
}

// Connections returns the externally reported client connection count.
func (k *Kernel) Connections() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.connections
}

// Touch records kernel activity at the current time.
func (k *Kernel) Touch() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lastActivity = k.clock.Now()
}

// SetConnections records the current client connection count.
func (k *Kernel) SetConnections(n int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.connections = n
}

func (k *Kernel) removeConnectionFile() {
	k.mu.Lock()
	removed := k.removedFile
	k.removedFile = true
	k.mu.Unlock()
	if removed {
		return
	}
	if err := os.Remove(k.connFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		k.logger.WarnContext(context.Background(), "Failed to remove connection file.",
			"file", k.connFile, "error", err)
	}
}

// activityWriter forwards kernel output to the log and counts it as kernel
// activity.
type activityWriter struct {
	kernel *Kernel
	logger *slog.Logger
}

func (w *activityWriter) Write(p []byte) (int, error) {
	w.kernel.Touch()
	w.logger.DebugContext(context.Background(), "Kernel output.", "data", string(p))
	return len(p), nil
}
