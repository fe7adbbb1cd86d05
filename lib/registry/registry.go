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

// Package registry implements the kernel registry, the single source of
// truth for which kernels exist and what state they are in. The registry
// holds no scheduling logic; all mutation is driven by the lifecycle
// manager.
package registry

import (
	"slices"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/hotpool/lib/kernel"
)

// RecordSpec describes a kernel registration.
type RecordSpec struct {
	// ID is the kernel id. Required.
	ID kernel.ID
	// Type is the kernel type the launcher started. Required.
	Type string
	// Handle is the launcher-owned control surface. Required.
	Handle kernel.Handle
	// State is the initial lifecycle state.
	State kernel.State
	// StartedAt is when the launch completed.
	StartedAt time.Time
}

// Record is one registered kernel. The record exclusively owns its handle
// for the kernel's lifetime; state transitions go through the CAS methods
// so concurrent teardown paths cannot both win.
type Record struct {
	id         kernel.ID
	kernelType string
	handle     kernel.Handle
	startedAt  time.Time

	mu    sync.Mutex
	state kernel.State
}

// NewRecord creates a record from spec.
func NewRecord(spec RecordSpec) *Record {
	return &Record{
		id:         spec.ID,
		kernelType: spec.Type,
		handle:     spec.Handle,
		startedAt:  spec.StartedAt,
		state:      spec.State,
	}
}

// ID returns the kernel id.
func (r *Record) ID() kernel.ID { return r.id }

// Type returns the kernel type.
func (r *Record) Type() string { return r.kernelType }

// Handle returns the launcher handle.
func (r *Record) Handle() kernel.Handle { return r.handle }

// StartedAt returns when the kernel launch completed.
func (r *Record) StartedAt() time.Time { return r.startedAt }

// State returns the current lifecycle state.
func (r *Record) State() kernel.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Activate transitions the record from pending to active and reports
// whether this caller won the transition.
func (r *Record) Activate() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != kernel.StatePending {
		return false
	}
	r.state = kernel.StateActive
	return true
}

// BeginShutdown transitions the record into shutting_down and reports
// whether this caller won the transition. Exactly one caller wins; losers
// must treat the kernel as already being torn down.
func (r *Record) BeginShutdown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == kernel.StateShuttingDown {
		return false
	}
	r.state = kernel.StateShuttingDown
	return true
}

// LastActivity reads the kernel's last activity through its handle.
func (r *Record) LastActivity() time.Time { return r.handle.LastActivity() }

// Connections reads the kernel's live connection count through its handle.
func (r *Record) Connections() int { return r.handle.Connections() }

// IsAlive reports whether the underlying kernel process is running.
func (r *Record) IsAlive() bool { return r.handle.IsAlive() }

// Registry maps kernel ids to records.
type Registry struct {
	mu      sync.RWMutex
	kernels map[kernel.ID]*Record
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{kernels: make(map[kernel.ID]*Record)}
}

// Register adds a record. It fails with a trace.AlreadyExistsError when the
// id is taken; ids only become reusable after the previous kernel was fully
// unregistered.
func (r *Registry) Register(rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kernels[rec.ID()]; ok {
		return trace.AlreadyExists("kernel %q is already registered", rec.ID())
	}
	r.kernels[rec.ID()] = rec
	return nil
}

// Unregister removes the record with the given id, failing with a
// trace.NotFoundError when it is absent.
func (r *Registry) Unregister(id kernel.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kernels[id]; !ok {
		return trace.NotFound("kernel %q is not registered", id)
	}
	delete(r.kernels, id)
	return nil
}

// Get returns the record for id, failing with a trace.NotFoundError when it
// is absent.
func (r *Registry) Get(id kernel.ID) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.kernels[id]
	if !ok {
		return nil, trace.NotFound("kernel %q is not registered", id)
	}
	return rec, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id kernel.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.kernels[id]
	return ok
}

// Len returns the number of registered kernels, pooled ones included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.kernels)
}

// IDs returns all registered kernel ids in sorted order.
func (r *Registry) IDs() []kernel.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]kernel.ID, 0, len(r.kernels))
	for id := range r.kernels {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Records returns a snapshot of all registered records.
func (r *Registry) Records() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	recs := make([]*Record, 0, len(r.kernels))
	for _, rec := range r.kernels {
		recs = append(recs, rec)
	}
	return recs
}

// Active returns a snapshot of records in the active state. Pending pool
// kernels and kernels already shutting down are excluded, which is what
// keeps them out of cull scans.
func (r *Registry) Active() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	recs := make([]*Record, 0, len(r.kernels))
	for _, rec := range r.kernels {
		if rec.State() == kernel.StateActive {
			recs = append(recs, rec)
		}
	}
	return recs
}

// StateCounts returns the number of registered kernels per state.
func (r *Registry) StateCounts() map[kernel.State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[kernel.State]int)
	for _, rec := range r.kernels {
		counts[rec.State()]++
	}
	return counts
}
