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

// Package pool maintains warm pools of pre-launched kernels, one pool
// per kernel type. Each pool is kept at a configured target size by a
// background fill loop; claiming a kernel hands out the oldest pooled
// launch and wakes the fill loop to replace it. Pooled kernels are
// registered in the pending state and count against the global kernel
// limit from the moment their launch is issued.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/hotpool"
	"github.com/gravitational/hotpool/lib/defaults"
	"github.com/gravitational/hotpool/lib/kernel"
	"github.com/gravitational/hotpool/lib/limiter"
	"github.com/gravitational/hotpool/lib/registry"
	logutils "github.com/gravitational/hotpool/lib/utils/log"
)

// ErrNoPooledKernel indicates that a claim could not be served from a
// pool, either because no pool exists for the kernel type, the
// requested launch options differ from the pool's, or the pool is
// empty. Callers are expected to fall back to a direct launch.
var ErrNoPooledKernel = errors.New("no pooled kernel available")

type testEvent string

const (
	launchIssued testEvent = "pool-launch-issued"
	launchOK     testEvent = "pool-launch-ok"
	launchFailed testEvent = "pool-launch-failed"
	fillBlocked  testEvent = "pool-fill-blocked"
	claimMissed  testEvent = "pool-claim-missed"
	claimOK      testEvent = "pool-claim-ok"
	drainDone    testEvent = "pool-drain-done"
)

// slot tracks a single pooled launch from issuance to claim. The done
// channel is closed exactly once, after which either rec or err is set.
type slot struct {
	done chan struct{}
	rec  *registry.Record
	err  error
}

func newSlot() *slot {
	return &slot{done: make(chan struct{})}
}

func (s *slot) resolve(rec *registry.Record) {
	s.rec = rec
	close(s.done)
}

func (s *slot) fail(err error) {
	s.err = err
	close(s.done)
}

func (s *slot) resolved() bool {
	select {
	case <-s.done:
		return s.rec != nil
	default:
		return false
	}
}

// warmPool is the per-type queue of pooled launches. Slots are claimed
// in FIFO order so the longest-warmed kernel is handed out first.
type warmPool struct {
	kernelType string
	target     int
	opts       kernel.LaunchOptions

	// nudgeC wakes the fill loop after a claim or a failed launch.
	// Capacity 1; a pending nudge is never stacked.
	nudgeC chan struct{}

	// readyC is closed the first time the pool reaches its target of
	// resolved launches, or when filling is blocked by the kernel
	// limit and the pool cannot grow until admissions free up.
	readyOnce sync.Once
	readyC    chan struct{}

	mu    sync.Mutex
	slots []*slot
}

func newWarmPool(kernelType string, target int, opts kernel.LaunchOptions) *warmPool {
	return &warmPool{
		kernelType: kernelType,
		target:     target,
		opts:       opts,
		nudgeC:     make(chan struct{}, 1),
		readyC:     make(chan struct{}),
	}
}

func (p *warmPool) push(s *slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots = append(p.slots, s)
}

// pushFront returns a slot to the head of the queue. Used when a claim
// is abandoned so the slot keeps its position.
func (p *warmPool) pushFront(s *slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots = append([]*slot{s}, p.slots...)
}

func (p *warmPool) pop() *slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.slots) == 0 {
		return nil
	}
	s := p.slots[0]
	p.slots = p.slots[1:]
	return s
}

func (p *warmPool) remove(target *slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots = slices.DeleteFunc(p.slots, func(s *slot) bool {
		return s == target
	})
}

func (p *warmPool) takeAll() []*slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	taken := p.slots
	p.slots = nil
	return taken
}

// size counts every queued slot, including launches still in flight.
func (p *warmPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

func (p *warmPool) resolvedSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int
	for _, s := range p.slots {
		if s.resolved() {
			n++
		}
	}
	return n
}

func (p *warmPool) nudge() {
	select {
	case p.nudgeC <- struct{}{}:
	default:
	}
}

func (p *warmPool) markReady() {
	p.readyOnce.Do(func() {
		close(p.readyC)
	})
}

func (p *warmPool) ready() bool {
	select {
	case <-p.readyC:
		return true
	default:
		return false
	}
}

// Config configures the pool Manager.
type Config struct {
	// Launcher launches pooled kernels.
	Launcher kernel.Launcher
	// Registry is where pooled kernels are registered as pending.
	Registry *registry.Registry
	// Limiter admits kernel launches against the global limit.
	Limiter *limiter.Limiter
	// Targets maps kernel type to the pool size to maintain for it.
	// Types with a zero target get no pool.
	Targets map[string]int
	// Options are the launch options used for each type's pooled
	// kernels. Claims requesting different options bypass the pool.
	Options map[string]kernel.LaunchOptions
	// FillDelay is the minimum time between successive pooled launch
	// issuances. Zero disables the throttle.
	FillDelay time.Duration
	// Clock is used to pace fills and stamp records.
	Clock clockwork.Clock
	// Logger emits log messages.
	Logger *slog.Logger

	// testEvents is used in tests to observe the fill and claim flow.
	testEvents chan testEvent
}

// CheckAndSetDefaults checks parameters and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Launcher == nil {
		return trace.BadParameter("missing parameter Launcher")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Limiter == nil {
		return trace.BadParameter("missing parameter Limiter")
	}
	for kernelType, target := range c.Targets {
		if target < 0 {
			return trace.BadParameter("negative pool size %d for kernel type %q", target, kernelType)
		}
	}
	if c.FillDelay < 0 {
		return trace.BadParameter("negative fill delay %v", c.FillDelay)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(hotpool.ComponentKey, hotpool.ComponentPool)
	}
	return nil
}

// Manager maintains the warm pools and serves claims from them.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	metrics *poolMetrics

	// pools is built once at construction and never mutated after.
	pools map[string]*warmPool

	closeCtx context.Context
	cancel   context.CancelFunc

	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewManager builds a pool Manager from the supplied config. Pools are
// not filled until Start is called.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	metrics, err := newPoolMetrics()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	pools := make(map[string]*warmPool)
	for kernelType, target := range cfg.Targets {
		if target == 0 {
			continue
		}
		pools[kernelType] = newWarmPool(kernelType, target, cfg.Options[kernelType])
	}

	closeCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		logger:   cfg.Logger,
		metrics:  metrics,
		pools:    pools,
		closeCtx: closeCtx,
		cancel:   cancel,
	}, nil
}

// Start launches the fill loops. Calling Start more than once has no
// effect.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		for _, p := range m.pools {
			m.wg.Add(1)
			go m.fillLoop(p)
		}
	})
}

// Close stops the fill loops and aborts launches still in flight. It
// does not tear down pooled kernels; use Drain for that.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) fillLoop(p *warmPool) {
	defer m.wg.Done()
	for {
		m.fill(p)
		select {
		case <-p.nudgeC:
		case <-m.closeCtx.Done():
			return
		}
	}
}

// fill issues launches until the pool queue is back at target or the
// kernel limit blocks further admissions. Issuances are spaced by
// FillDelay.
func (m *Manager) fill(p *warmPool) {
	for m.closeCtx.Err() == nil {
		if p.size() >= p.target {
			return
		}
		if err := m.cfg.Limiter.Acquire(1); err != nil {
			// The pool cannot reach its target until admissions free
			// up. Claims fall back to direct launches meanwhile, and
			// every claim nudges the loop to try again.
			m.logger.DebugContext(m.closeCtx, "Pool fill blocked by kernel limit.",
				"kernel_type", p.kernelType,
				"size", p.size(),
				"target", p.target,
			)
			p.markReady()
			m.emit(fillBlocked)
			return
		}

		s := newSlot()
		p.push(s)
		m.setPoolGauge(p)
		m.wg.Add(1)
		go m.launchSlot(p, s)
		m.emit(launchIssued)

		if m.cfg.FillDelay > 0 {
			select {
			case <-m.cfg.Clock.After(m.cfg.FillDelay):
			case <-m.closeCtx.Done():
				return
			}
		}
	}
}

// launchSlot performs a single pooled launch and resolves its slot. A
// launch that does not finish within LaunchTimeout counts as failed. A
// failed launch releases the reserved admission, drops the slot from
// the queue and nudges the fill loop; the fill loop's pacing ensures
// the retry is spaced from the failed issuance by at least FillDelay.
func (m *Manager) launchSlot(p *warmPool, s *slot) {
	defer m.wg.Done()

	launchCtx, cancel := context.WithTimeout(m.closeCtx, defaults.LaunchTimeout)
	defer cancel()

	start := m.cfg.Clock.Now()
	handle, err := m.cfg.Launcher.Launch(launchCtx, p.kernelType, p.opts)
	if err != nil {
		m.cfg.Limiter.Release(1)
		p.remove(s)
		m.setPoolGauge(p)
		m.metrics.launches.WithLabelValues(p.kernelType, hotpool.TagFailure).Inc()
		m.logger.WarnContext(m.closeCtx, "Pooled kernel launch failed.",
			"kernel_type", p.kernelType,
			"error", err,
		)
		s.fail(trace.Wrap(err))
		m.emit(launchFailed)
		p.nudge()
		return
	}

	rec := registry.NewRecord(registry.RecordSpec{
		ID:        kernel.NewID(),
		Type:      p.kernelType,
		Handle:    handle,
		State:     kernel.StatePending,
		StartedAt: m.cfg.Clock.Now(),
	})
	if err := m.cfg.Registry.Register(rec); err != nil {
		// Colliding with a fresh uuid should not happen; treat it as
		// a failed launch and do not leak the kernel.
		m.cfg.Limiter.Release(1)
		p.remove(s)
		m.setPoolGauge(p)
		m.metrics.launches.WithLabelValues(p.kernelType, hotpool.TagFailure).Inc()
		m.logger.ErrorContext(m.closeCtx, "Failed to register pooled kernel.",
			"kernel_type", p.kernelType,
			"kernel_id", rec.ID(),
			"error", err,
		)
		if serr := handle.Shutdown(m.closeCtx, false); serr != nil {
			m.logger.WarnContext(m.closeCtx, "Failed to shut down unregistered kernel.",
				"kernel_id", rec.ID(),
				"error", serr,
			)
		}
		s.fail(trace.Wrap(err))
		m.emit(launchFailed)
		p.nudge()
		return
	}

	m.metrics.launches.WithLabelValues(p.kernelType, hotpool.TagSuccess).Inc()
	m.metrics.launchLatency.WithLabelValues(p.kernelType).Observe(m.cfg.Clock.Since(start).Seconds())
	m.logger.DebugContext(m.closeCtx, "Pooled kernel ready.",
		"kernel_type", p.kernelType,
		"kernel_id", rec.ID(),
	)
	s.resolve(rec)
	if p.resolvedSize() >= p.target {
		p.markReady()
	}
	m.emit(launchOK)
}

// Claim hands out the oldest pooled kernel of the given type and wakes
// the fill loop to replace it. The returned record is still pending;
// activating it is up to the caller. If the claimed slot's launch is
// still in flight, Claim waits for it and surfaces a launch failure to
// the caller. Claims that cannot be served return ErrNoPooledKernel.
func (m *Manager) Claim(ctx context.Context, kernelType string, opts kernel.LaunchOptions) (*registry.Record, error) {
	p := m.pools[kernelType]
	if p == nil || !opts.Equal(p.opts) {
		m.emit(claimMissed)
		return nil, trace.Wrap(ErrNoPooledKernel)
	}
	s := p.pop()
	if s == nil {
		m.emit(claimMissed)
		return nil, trace.Wrap(ErrNoPooledKernel)
	}
	m.setPoolGauge(p)
	p.nudge()

	select {
	case <-s.done:
	case <-ctx.Done():
		p.pushFront(s)
		m.setPoolGauge(p)
		return nil, trace.Wrap(ctx.Err())
	}
	if s.err != nil {
		m.metrics.claims.WithLabelValues(p.kernelType, hotpool.TagFailure).Inc()
		return nil, trace.Wrap(s.err)
	}

	m.metrics.claims.WithLabelValues(p.kernelType, hotpool.TagSuccess).Inc()
	m.logger.DebugContext(ctx, "Claimed pooled kernel.",
		"kernel_type", p.kernelType,
		"kernel_id", s.rec.ID(),
	)
	m.emit(claimOK)
	return s.rec, nil
}

// Drain stops the fill loops and tears down every pooled kernel.
// Launches still in flight are awaited so their admissions are
// accounted for. After a drain the pools stay empty; claims fall back
// to direct launches.
func (m *Manager) Drain(ctx context.Context) error {
	m.cancel()

	var errs []error
	for _, p := range m.poolList() {
		for _, s := range p.takeAll() {
			<-s.done
			if s.rec == nil {
				// Failed or aborted launches already released their
				// admission.
				continue
			}
			rec := s.rec
			if !rec.BeginShutdown() {
				continue
			}
			if err := rec.Handle().Shutdown(ctx, true); err != nil {
				m.logger.WarnContext(ctx, "Failed to shut down pooled kernel.",
					"kernel_id", rec.ID(),
					"error", err,
				)
				errs = append(errs, trace.Wrap(err))
			}
			if err := m.cfg.Registry.Unregister(rec.ID()); err == nil {
				m.cfg.Limiter.Release(1)
			}
		}
		m.setPoolGauge(p)
		p.markReady()
	}

	m.wg.Wait()
	m.emit(drainDone)
	return trace.NewAggregate(errs...)
}

// WaitReady blocks until every pool has either reached its target of
// resolved launches at least once or is blocked by the kernel limit.
func (m *Manager) WaitReady(ctx context.Context) error {
	for _, p := range m.poolList() {
		select {
		case <-p.readyC:
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		}
	}
	return nil
}

// Ready reports whether every pool has reached readiness. A manager
// with no pools is always ready.
func (m *Manager) Ready() bool {
	for _, p := range m.pools {
		if !p.ready() {
			return false
		}
	}
	return true
}

// Stats describes the current shape of one warm pool.
type Stats struct {
	// Type is the kernel type the pool serves.
	Type string `json:"type"`
	// Target is the configured pool size.
	Target int `json:"target"`
	// Size counts queued launches, including those still in flight.
	Size int `json:"size"`
	// Ready reports whether the pool has reached readiness.
	Ready bool `json:"ready"`
}

// PoolStats returns per-pool statistics sorted by kernel type.
func (m *Manager) PoolStats() []Stats {
	stats := make([]Stats, 0, len(m.pools))
	for _, p := range m.poolList() {
		stats = append(stats, Stats{
			Type:   p.kernelType,
			Target: p.target,
			Size:   p.size(),
			Ready:  p.ready(),
		})
	}
	return stats
}

func (m *Manager) poolList() []*warmPool {
	types := slices.Sorted(maps.Keys(m.pools))
	pools := make([]*warmPool, 0, len(types))
	for _, kernelType := range types {
		pools = append(pools, m.pools[kernelType])
	}
	return pools
}

func (m *Manager) setPoolGauge(p *warmPool) {
	m.metrics.pooledKernels.WithLabelValues(p.kernelType).Set(float64(p.size()))
}

func (m *Manager) emit(event testEvent) {
	if m.cfg.testEvents == nil {
		return
	}
	m.cfg.testEvents <- event
}
