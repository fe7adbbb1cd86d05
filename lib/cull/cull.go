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

// Package cull shuts down kernels that have been idle past a configured
// timeout. A single monitor goroutine scans the registry periodically;
// scans never overlap, and only active kernels are considered. Kernels
// warming a pool are in the pending state and are never culled.
package cull

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/hotpool"
	"github.com/gravitational/hotpool/lib/defaults"
	"github.com/gravitational/hotpool/lib/kernel"
	"github.com/gravitational/hotpool/lib/registry"
	"github.com/gravitational/hotpool/lib/utils/interval"
	logutils "github.com/gravitational/hotpool/lib/utils/log"
)

type testEvent string

const (
	scanDone      testEvent = "cull-scan-done"
	cullIssued    testEvent = "cull-issued"
	skipConnected testEvent = "cull-skip-connected"
	skipBusy      testEvent = "cull-skip-busy"
)

// TerminateFunc tears down a kernel whose record has already been moved
// to the shutting down state by the monitor.
type TerminateFunc func(ctx context.Context, rec *registry.Record)

// Config configures the cull Monitor.
type Config struct {
	// Registry is scanned for idle kernels.
	Registry *registry.Registry
	// Terminate is invoked for every kernel the monitor decides to
	// cull. Required.
	Terminate TerminateFunc
	// IdleTimeout is how long a kernel may sit without activity before
	// it is culled. Zero disables culling entirely.
	IdleTimeout time.Duration
	// Interval is the time between scans.
	Interval time.Duration
	// CullConnected allows culling kernels with open connections.
	CullConnected bool
	// CullBusy allows culling kernels that report being busy.
	CullBusy bool
	// Clock is the time source for scans and idle measurement.
	Clock clockwork.Clock
	// Logger emits log messages.
	Logger *slog.Logger

	// testEvents is used in tests to observe scan decisions.
	testEvents chan testEvent
}

// CheckAndSetDefaults checks parameters and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Terminate == nil {
		return trace.BadParameter("missing parameter Terminate")
	}
	if c.IdleTimeout < 0 {
		return trace.BadParameter("negative cull idle timeout %v", c.IdleTimeout)
	}
	if c.Interval < 0 {
		return trace.BadParameter("negative cull interval %v", c.Interval)
	}
	if c.Interval == 0 {
		c.Interval = defaults.CullInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(hotpool.ComponentKey, hotpool.ComponentCull)
	}
	return nil
}

// Monitor periodically scans for idle kernels and terminates them.
type Monitor struct {
	cfg     Config
	logger  *slog.Logger
	metrics *cullMetrics

	closeCtx context.Context
	cancel   context.CancelFunc

	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewMonitor builds a cull Monitor from the supplied config. Scanning
// does not begin until Start is called.
func NewMonitor(cfg Config) (*Monitor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	metrics, err := newCullMetrics()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	closeCtx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		cfg:      cfg,
		logger:   cfg.Logger,
		metrics:  metrics,
		closeCtx: closeCtx,
		cancel:   cancel,
	}, nil
}

// Start launches the scan loop. A monitor with no idle timeout never
// scans. Calling Start more than once has no effect.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		if m.cfg.IdleTimeout == 0 {
			m.logger.InfoContext(m.closeCtx, "Idle culling is disabled.")
			return
		}
		m.logger.InfoContext(m.closeCtx, "Starting idle culler.",
			"idle_timeout", m.cfg.IdleTimeout,
			"interval", m.cfg.Interval,
			"cull_connected", m.cfg.CullConnected,
			"cull_busy", m.cfg.CullBusy,
		)
		m.wg.Add(1)
		go m.run()
	})
}

// Stop halts the scan loop and waits for an in-progress scan to finish.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := interval.New(interval.Config{
		Duration: m.cfg.Interval,
		Jitter:   interval.SeventhJitter,
		Clock:    m.cfg.Clock,
	})
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Next():
			m.scan()
		case <-m.closeCtx.Done():
			return
		}
	}
}

// scan walks the active kernels once and terminates the idle ones.
// Scans are issued from a single goroutine and the ticker drops
// unconsumed ticks, so scans never overlap.
func (m *Monitor) scan() {
	now := m.cfg.Clock.Now()
	for _, rec := range m.cfg.Registry.Active() {
		if m.closeCtx.Err() != nil {
			return
		}
		if conns := rec.Connections(); conns > 0 && !m.cfg.CullConnected {
			m.emit(skipConnected)
			continue
		}
		if !m.cfg.CullBusy {
			if reporter, ok := rec.Handle().(kernel.BusyReporter); ok && reporter.Busy() {
				m.emit(skipBusy)
				continue
			}
		}
		idle := now.Sub(rec.LastActivity())
		if idle < m.cfg.IdleTimeout {
			continue
		}
		if !rec.BeginShutdown() {
			// Another shutdown path claimed the kernel between the
			// registry snapshot and now.
			continue
		}
		m.logger.InfoContext(m.closeCtx, "Culling idle kernel.",
			"kernel_id", rec.ID(),
			"kernel_type", rec.Type(),
			"idle", idle,
		)
		m.metrics.culled.WithLabelValues(rec.Type()).Inc()
		m.cfg.Terminate(m.closeCtx, rec)
		m.emit(cullIssued)
	}
	m.metrics.scans.Inc()
	m.emit(scanDone)
}

func (m *Monitor) emit(event testEvent) {
	if m.cfg.testEvents == nil {
		return
	}
	m.cfg.testEvents <- event
}
