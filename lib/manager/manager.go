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

// Package manager ties the kernel registry, the global kernel limit,
// the warm pools and the idle culler into a single lifecycle facade.
// Start requests are served from a warm pool when one matches and fall
// back to a direct launch otherwise; every launch, pooled or direct,
// reserves an admission against the kernel limit before it is issued.
package manager

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/hotpool"
	"github.com/gravitational/hotpool/lib/cull"
	"github.com/gravitational/hotpool/lib/defaults"
	"github.com/gravitational/hotpool/lib/kernel"
	"github.com/gravitational/hotpool/lib/limiter"
	"github.com/gravitational/hotpool/lib/pool"
	"github.com/gravitational/hotpool/lib/registry"
	logutils "github.com/gravitational/hotpool/lib/utils/log"
)

// Config configures the kernel Manager.
type Config struct {
	// Launcher launches kernel processes. Required.
	Launcher kernel.Launcher
	// DefaultType is the kernel type used when a start request does
	// not name one.
	DefaultType string
	// MaxKernels caps kernels under management, pooled launches
	// included. A value of zero or less disables the cap.
	MaxKernels int
	// KernelPools maps kernel type to the warm pool size to maintain.
	KernelPools map[string]int
	// PoolOptions are the launch options used for pooled kernels of
	// each type. Requests with different options bypass the pool.
	PoolOptions map[string]kernel.LaunchOptions
	// FillDelay is the minimum time between pooled launch issuances.
	FillDelay time.Duration
	// CullIdleTimeout is how long a kernel may idle before it is
	// culled. Zero disables culling.
	CullIdleTimeout time.Duration
	// CullInterval is the time between idle scans.
	CullInterval time.Duration
	// CullConnected allows culling kernels with open connections.
	CullConnected bool
	// CullBusy allows culling kernels that report being busy.
	CullBusy bool
	// Clock is the time source. A real clock is used if unset.
	Clock clockwork.Clock
	// Logger emits log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks parameters and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Launcher == nil {
		return trace.BadParameter("missing parameter Launcher")
	}
	if c.DefaultType == "" {
		c.DefaultType = defaults.KernelType
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(hotpool.ComponentKey, hotpool.ComponentManager)
	}
	return nil
}

// Manager is the kernel lifecycle facade.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	metrics *managerMetrics

	registry *registry.Registry
	limiter  *limiter.Limiter
	pools    *pool.Manager
	culler   *cull.Monitor
}

// New builds a Manager from the supplied config. Pool filling and idle
// scanning do not begin until Start is called.
func New(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	m := &Manager{
		cfg:      cfg,
		logger:   cfg.Logger,
		registry: registry.New(),
		limiter:  limiter.New(cfg.MaxKernels),
	}

	metrics, err := newManagerMetrics(m.registry)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	m.metrics = metrics

	pools, err := pool.NewManager(pool.Config{
		Launcher:  cfg.Launcher,
		Registry:  m.registry,
		Limiter:   m.limiter,
		Targets:   cfg.KernelPools,
		Options:   cfg.PoolOptions,
		FillDelay: cfg.FillDelay,
		Clock:     cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	m.pools = pools

	culler, err := cull.NewMonitor(cull.Config{
		Registry:      m.registry,
		Terminate:     m.cullTerminate,
		IdleTimeout:   cfg.CullIdleTimeout,
		Interval:      cfg.CullInterval,
		CullConnected: cfg.CullConnected,
		CullBusy:      cfg.CullBusy,
		Clock:         cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	m.culler = culler

	return m, nil
}

// Start launches the pool fill loops and the idle culler.
func (m *Manager) Start() {
	m.pools.Start()
	m.culler.Start()
}

// Close stops the background loops without touching running kernels.
// Use ShutdownAll first for a full teardown.
func (m *Manager) Close() {
	m.culler.Stop()
	m.pools.Close()
}

// StartRequest describes a kernel start.
type StartRequest struct {
	// Type is the kernel type to start. Empty means the default type.
	Type string
	// ID optionally pins the kernel id. Requests with an ID always
	// launch fresh so the caller-picked id is honored.
	ID kernel.ID
	// Options are the launch options for the kernel.
	Options kernel.LaunchOptions
}

// StartKernel starts a kernel and returns its record. The request is
// served from a warm pool when one exists for the type with matching
// options; otherwise a fresh kernel is launched, counted against the
// kernel limit before the launch is issued.
func (m *Manager) StartKernel(ctx context.Context, req StartRequest) (*registry.Record, error) {
	kernelType := req.Type
	if kernelType == "" {
		kernelType = m.cfg.DefaultType
	}

	if req.ID != "" {
		if m.registry.Has(req.ID) {
			return nil, trace.AlreadyExists("kernel %q already exists", req.ID)
		}
		rec, err := m.launchDirect(ctx, kernelType, req.ID, req.Options)
		return rec, trace.Wrap(err)
	}

	for {
		rec, err := m.pools.Claim(ctx, kernelType, req.Options)
		if errors.Is(err, pool.ErrNoPooledKernel) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, trace.Wrap(err)
			}
			return nil, trace.ConnectionProblem(err, "pooled kernel of type %q failed to launch", kernelType)
		}
		if !rec.Activate() {
			// The pooled kernel was shut down between launch and
			// claim; try the next slot.
			continue
		}
		// Claiming counts as activity so a long-warmed kernel is not
		// culled before its first client shows up.
		if recorder, ok := rec.Handle().(kernel.ActivityRecorder); ok {
			recorder.Touch()
		}
		m.metrics.starts.WithLabelValues(hotpool.TagPooled).Inc()
		m.logger.InfoContext(ctx, "Started kernel from pool.",
			"kernel_id", rec.ID(),
			"kernel_type", rec.Type(),
		)
		return rec, nil
	}

	rec, err := m.launchDirect(ctx, kernelType, kernel.NewID(), req.Options)
	return rec, trace.Wrap(err)
}

// launchDirect launches a fresh kernel under the given id. The
// admission is reserved before the launch so concurrent starts cannot
// overshoot the kernel limit, and released again if the launch fails.
func (m *Manager) launchDirect(ctx context.Context, kernelType string, id kernel.ID, opts kernel.LaunchOptions) (*registry.Record, error) {
	if err := m.limiter.Acquire(1); err != nil {
		m.metrics.denials.Inc()
		return nil, trace.Wrap(err)
	}

	handle, err := m.cfg.Launcher.Launch(ctx, kernelType, opts)
	if err != nil {
		m.limiter.Release(1)
		return nil, trace.ConnectionProblem(err, "kernel of type %q failed to launch", kernelType)
	}

	rec := registry.NewRecord(registry.RecordSpec{
		ID:        id,
		Type:      kernelType,
		Handle:    handle,
		State:     kernel.StateActive,
		StartedAt: m.cfg.Clock.Now(),
	})
	if err := m.registry.Register(rec); err != nil {
		// The id was taken while the launch was in flight. Do not
		// leak the fresh kernel.
		if serr := handle.Shutdown(ctx, false); serr != nil {
			m.logger.WarnContext(ctx, "Failed to shut down unregistered kernel.",
				"kernel_id", id,
				"error", serr,
			)
		}
		m.limiter.Release(1)
		return nil, trace.Wrap(err)
	}

	m.metrics.starts.WithLabelValues(hotpool.TagDirect).Inc()
	m.logger.InfoContext(ctx, "Started kernel.",
		"kernel_id", rec.ID(),
		"kernel_type", rec.Type(),
	)
	return rec, nil
}

// ShutdownKernel shuts the kernel down and forgets it. When now is set
// the kernel is killed instead of being asked to exit. Shutting down a
// kernel already on its way out is a no-op.
func (m *Manager) ShutdownKernel(ctx context.Context, id kernel.ID, now bool) error {
	rec, err := m.registry.Get(id)
	if err != nil {
		return trace.Wrap(err)
	}
	if !rec.BeginShutdown() {
		return nil
	}
	return trace.Wrap(m.teardown(ctx, rec, now, "request"))
}

// teardown tears a kernel down after its record has been moved to the
// shutting down state. The kernel is always forgotten, even when its
// shutdown fails, so a wedged process cannot hold an admission slot
// forever; the shutdown error is still returned after cleanup.
func (m *Manager) teardown(ctx context.Context, rec *registry.Record, now bool, trigger string) error {
	err := rec.Handle().Shutdown(ctx, !now)
	if err != nil {
		m.logger.WarnContext(ctx, "Kernel shutdown reported an error.",
			"kernel_id", rec.ID(),
			"error", err,
		)
	}
	if uerr := m.registry.Unregister(rec.ID()); uerr == nil {
		m.limiter.Release(1)
	}
	m.metrics.shutdowns.WithLabelValues(trigger).Inc()
	m.logger.InfoContext(ctx, "Kernel shut down.",
		"kernel_id", rec.ID(),
		"kernel_type", rec.Type(),
		"trigger", trigger,
	)
	return trace.Wrap(err)
}

// cullTerminate implements cull.TerminateFunc. Errors are already
// logged by the teardown; the culler has no caller to hand them to.
func (m *Manager) cullTerminate(ctx context.Context, rec *registry.Record) {
	_ = m.teardown(ctx, rec, false, "cull")
}

// ShutdownAll drains the pools and shuts down every kernel, concurrently.
// Shutdown failures are collected rather than aborting the sweep, so one
// wedged kernel cannot keep the rest alive. Calling ShutdownAll again is
// a no-op; the pools stay drained and later starts fall back to direct
// launches.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	var errs []error
	if err := m.pools.Drain(ctx); err != nil {
		errs = append(errs, err)
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, rec := range m.registry.Records() {
		if !rec.BeginShutdown() {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.teardown(ctx, rec, false, "shutdown-all"); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return trace.NewAggregate(errs...)
}

// RestartKernel restarts the kernel in place. The kernel keeps its id
// and record; only the underlying process is replaced.
func (m *Manager) RestartKernel(ctx context.Context, id kernel.ID, now bool) error {
	rec, err := m.registry.Get(id)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(rec.Handle().Restart(ctx, now))
}

// InterruptKernel sends an interrupt to the kernel.
func (m *Manager) InterruptKernel(id kernel.ID) error {
	rec, err := m.registry.Get(id)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(rec.Handle().Interrupt())
}

// GetKernel returns the record of the kernel with the given id.
func (m *Manager) GetKernel(id kernel.ID) (*registry.Record, error) {
	rec, err := m.registry.Get(id)
	return rec, trace.Wrap(err)
}

// ListKernels returns all kernel records ordered by id.
func (m *Manager) ListKernels() []*registry.Record {
	recs := m.registry.Records()
	slices.SortFunc(recs, func(a, b *registry.Record) int {
		return cmp.Compare(a.ID(), b.ID())
	})
	return recs
}

// ListKernelIDs returns the ids of all kernels, sorted.
func (m *Manager) ListKernelIDs() []kernel.ID {
	return m.registry.IDs()
}

// HasKernel reports whether a kernel with the given id exists.
func (m *Manager) HasKernel(id kernel.ID) bool {
	return m.registry.Has(id)
}

// CountKernels returns the number of kernels under management,
// pooled kernels included.
func (m *Manager) CountKernels() int {
	return m.registry.Len()
}

// WaitForPools blocks until every warm pool has reached its target at
// least once or cannot grow further under the kernel limit.
func (m *Manager) WaitForPools(ctx context.Context) error {
	return trace.Wrap(m.pools.WaitReady(ctx))
}

// PoolsReady reports whether every warm pool has reached readiness.
func (m *Manager) PoolsReady() bool {
	return m.pools.Ready()
}

// PoolStats returns per-pool statistics sorted by kernel type.
func (m *Manager) PoolStats() []pool.Stats {
	return m.pools.PoolStats()
}
