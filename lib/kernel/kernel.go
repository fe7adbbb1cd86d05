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

// Package kernel defines the domain types shared by the kernel lifecycle
// components and the contract a kernel launcher implementation must satisfy.
package kernel

import (
	"context"
	"maps"
	"time"

	"github.com/google/uuid"
)

// ID uniquely identifies a kernel within one manager instance. IDs are
// assigned at claim time; callers may supply their own as long as it is not
// already in use.
type ID string

// NewID returns a fresh random kernel id.
func NewID() ID {
	return ID(uuid.NewString())
}

// State describes where a kernel is in its lifecycle.
type State string

const (
	// StatePending marks a kernel that was launched for a pool and is
	// waiting to be claimed.
	StatePending State = "pending"

	// StateActive marks a kernel claimed by a client.
	StateActive State = "active"

	// StateShuttingDown marks a kernel whose teardown has begun. The
	// transition into this state is won exactly once, which is what
	// prevents a user-initiated and a cull-initiated shutdown from
	// racing each other.
	StateShuttingDown State = "shutting_down"
)

// LaunchOptions carries per-launch parameters passed through to the
// launcher. A pool only serves claims whose options equal the options its
// kernels were pre-launched with.
type LaunchOptions struct {
	// Env is extra environment for the kernel process.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	// WorkingDir is the working directory of the kernel process.
	WorkingDir string `json:"cwd,omitempty" yaml:"cwd,omitempty"`
}

// Equal reports whether two option sets request the same launch.
func (o LaunchOptions) Equal(other LaunchOptions) bool {
	return o.WorkingDir == other.WorkingDir && maps.Equal(o.Env, other.Env)
}

// IsZero reports whether no options were set.
func (o LaunchOptions) IsZero() bool {
	return o.WorkingDir == "" && len(o.Env) == 0
}

// Handle is the control surface of one launched kernel, owned by the
// launcher that created it. A handle is held by exactly one registry record
// for the kernel's lifetime.
type Handle interface {
	// IsAlive reports whether the underlying kernel process is running.
	IsAlive() bool
	// Shutdown terminates the kernel. When graceful, the kernel is given
	// a chance to exit cleanly before being killed.
	Shutdown(ctx context.Context, graceful bool) error
	// Restart replaces the kernel process, keeping its identity. When
	// now is set the old process is killed rather than drained.
	Restart(ctx context.Context, now bool) error
	// Interrupt delivers an interrupt to the kernel.
	Interrupt() error
	// LastActivity is the time of the last observed kernel activity.
	// It is maintained by the launcher or the embedding host; the
	// lifecycle manager only reads it.
	LastActivity() time.Time
	// Connections is the number of live client connections attributed
	// to the kernel, maintained externally like LastActivity.
	Connections() int
}

// ActivityRecorder is implemented by handles whose activity and connection
// counts are fed by the embedding host, e.g. through the activity API.
type ActivityRecorder interface {
	// Touch records kernel activity at the current time.
	Touch()
	// SetConnections records the current client connection count.
	SetConnections(n int)
}

// BusyReporter is implemented by handles that know whether their kernel is
// executing work right now. The idle monitor exempts busy kernels unless
// configured otherwise; handles without this capability are treated as not
// busy.
type BusyReporter interface {
	Busy() bool
}

// Launcher spawns kernels. Launching may take seconds; implementations must
// honor ctx cancellation while the kernel process does not exist yet.
// Operation timeouts are the launcher's responsibility.
type Launcher interface {
	Launch(ctx context.Context, kernelType string, opts LaunchOptions) (Handle, error)
}
