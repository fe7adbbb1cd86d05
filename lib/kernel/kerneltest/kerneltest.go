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

// Package kerneltest provides an in-memory kernel launcher for tests.
package kerneltest

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/hotpool/lib/kernel"
)

// Kernel is a fake kernel handle. It implements kernel.Handle plus the
// optional ActivityRecorder and BusyReporter capabilities.
type Kernel struct {
	clock      clockwork.Clock
	kernelType string
	opts       kernel.LaunchOptions

	mu                sync.Mutex
	alive             bool
	busy              bool
	connections       int
	lastActivity      time.Time
	restarts          int
	interrupts        int
	gracefulShutdowns int
	forcedShutdowns   int
	shutdownErr       error
}

// Type returns the kernel type this fake was launched as.
func (k *Kernel) Type() string { return k.kernelType }

// Options returns the launch options this fake was launched with.
func (k *Kernel) Options() kernel.LaunchOptions { return k.opts }

// IsAlive implements kernel.Handle.
func (k *Kernel) IsAlive() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.alive
}

// Shutdown implements kernel.Handle. If an error was injected with
// SetShutdownError it is returned and the fake stays alive, mimicking a
// kernel the collaborator failed to reap.
func (k *Kernel) Shutdown(ctx context.Context, graceful bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.shutdownErr != nil {
		return k.shutdownErr
	}
	if graceful {
		k.gracefulShutdowns++
	} else {
		k.forcedShutdowns++
	}
	k.alive = false
	return nil
}

// Restart implements kernel.Handle.
func (k *Kernel) Restart(ctx context.Context, now bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.alive {
		return trace.BadParameter("cannot restart a dead kernel")
	}
	k.restarts++
	k.lastActivity = k.clock.Now()
	return nil
}

// Interrupt implements kernel.Handle.
func (k *Kernel) Interrupt() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.interrupts++
	return nil
}

// LastActivity implements kernel.Handle.
func (k *Kernel) LastActivity() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastActivity
}

// Connections implements kernel.Handle.
func (k *Kernel) Connections() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.connections
}

// Touch implements kernel.ActivityRecorder.
func (k *Kernel) Touch() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lastActivity = k.clock.Now()
}

// SetConnections implements kernel.ActivityRecorder.
func (k *Kernel) SetConnections(n int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.connections = n
}

// Busy implements kernel.BusyReporter.
func (k *Kernel) Busy() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.busy
}

// SetBusy marks the fake as executing work.
func (k *Kernel) SetBusy(busy bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.busy = busy
}

// SetShutdownError makes subsequent Shutdown calls fail with err.
func (k *Kernel) SetShutdownError(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.shutdownErr = err
}

// Restarts returns how many times the fake was restarted.
func (k *Kernel) Restarts() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.restarts
}

// Interrupts returns how many times the fake was interrupted.
func (k *Kernel) Interrupts() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.interrupts
}

// Shutdowns returns how many graceful and forced shutdowns completed.
func (k *Kernel) Shutdowns() (graceful, forced int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.gracefulShutdowns, k.forcedShutdowns
}

// Launcher is a fake kernel.Launcher. The zero configuration launches
// immediately and never fails; tests can queue failures and hold launches
// in flight to exercise the async paths.
type Launcher struct {
	clock clockwork.Clock

	mu       sync.Mutex
	kernels  []*Kernel
	attempts int
	failures []error
	holdC    chan struct{}
}

// NewLauncher creates a fake launcher stamping kernel activity with clock.
func NewLauncher(clock clockwork.Clock) *Launcher {
	return &Launcher{clock: clock}
}

// Launch implements kernel.Launcher.
func (l *Launcher) Launch(ctx context.Context, kernelType string, opts kernel.LaunchOptions) (kernel.Handle, error) {
	l.mu.Lock()
	l.attempts++
	hold := l.holdC
	l.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, trace.Wrap(ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, trace.Wrap(err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.failures) > 0 {
		err := l.failures[0]
		l.failures = l.failures[1:]
		return nil, trace.Wrap(err)
	}
	k := &Kernel{
		clock:        l.clock,
		kernelType:   kernelType,
		opts:         opts,
		alive:        true,
		lastActivity: l.clock.Now(),
	}
	l.kernels = append(l.kernels, k)
	return k, nil
}

// FailNext queues err for the next n launch attempts.
func (l *Launcher) FailNext(err error, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for range n {
		l.failures = append(l.failures, err)
	}
}

// HoldLaunches blocks subsequent launches in flight until the returned
// release function is called.
func (l *Launcher) HoldLaunches() (release func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	hold := make(chan struct{})
	l.holdC = hold
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.holdC == hold {
				l.holdC = nil
			}
			l.mu.Unlock()
			close(hold)
		})
	}
}

// Kernels returns all successfully launched fakes in launch order.
func (l *Launcher) Kernels() []*Kernel {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Kernel, len(l.kernels))
	copy(out, l.kernels)
	return out
}

// Attempts returns the total number of launch attempts, including failed
// and held ones.
func (l *Launcher) Attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}
