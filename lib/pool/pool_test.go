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

package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/hotpool/lib/kernel"
	"github.com/gravitational/hotpool/lib/kernel/kerneltest"
	"github.com/gravitational/hotpool/lib/limiter"
	"github.com/gravitational/hotpool/lib/registry"
	logutils "github.com/gravitational/hotpool/lib/utils/log"
)

type poolSuite struct {
	clock    *clockwork.FakeClock
	launcher *kerneltest.Launcher
	reg      *registry.Registry
	lim      *limiter.Limiter
	events   chan testEvent
	mgr      *Manager
}

// newPoolSuite builds a pool manager around fakes. The caller supplies
// Targets, Options and FillDelay via cfg; everything else is filled in.
func newPoolSuite(t *testing.T, limit int, cfg Config) *poolSuite {
	t.Helper()
	s := &poolSuite{
		clock:  clockwork.NewFakeClock(),
		reg:    registry.New(),
		lim:    limiter.New(limit),
		events: make(chan testEvent, 1024),
	}
	s.launcher = kerneltest.NewLauncher(s.clock)

	cfg.Launcher = s.launcher
	cfg.Registry = s.reg
	cfg.Limiter = s.lim
	cfg.Clock = s.clock
	cfg.Logger = logutils.DiscardLogger()
	cfg.testEvents = s.events

	mgr, err := NewManager(cfg)
	require.NoError(t, err)
	s.mgr = mgr
	t.Cleanup(mgr.Close)
	return s
}

// awaitEvents consumes events until each expected event has been seen,
// in any order. Unexpected events are discarded.
func awaitEvents(t *testing.T, events <-chan testEvent, expect ...testEvent) {
	t.Helper()
	want := make(map[testEvent]int)
	for _, event := range expect {
		want[event]++
	}
	timeout := time.After(10 * time.Second)
	for len(want) > 0 {
		select {
		case event := <-events:
			if want[event] > 0 {
				want[event]--
				if want[event] == 0 {
					delete(want, event)
				}
			}
		case <-timeout:
			require.FailNow(t, "timeout waiting for events", "missing: %v", want)
		}
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConfigCheckAndSetDefaults(t *testing.T) {
	t.Parallel()

	launcher := kerneltest.NewLauncher(clockwork.NewFakeClock())
	valid := func() Config {
		return Config{
			Launcher: launcher,
			Registry: registry.New(),
			Limiter:  limiter.New(0),
		}
	}

	tests := []struct {
		desc      string
		mutate    func(*Config)
		assertErr require.ErrorAssertionFunc
	}{
		{
			desc:      "minimal config is valid",
			mutate:    func(cfg *Config) {},
			assertErr: require.NoError,
		},
		{
			desc:      "missing launcher",
			mutate:    func(cfg *Config) { cfg.Launcher = nil },
			assertErr: require.Error,
		},
		{
			desc:      "missing registry",
			mutate:    func(cfg *Config) { cfg.Registry = nil },
			assertErr: require.Error,
		},
		{
			desc:      "missing limiter",
			mutate:    func(cfg *Config) { cfg.Limiter = nil },
			assertErr: require.Error,
		},
		{
			desc:      "negative pool target",
			mutate:    func(cfg *Config) { cfg.Targets = map[string]int{"python3": -1} },
			assertErr: require.Error,
		},
		{
			desc:      "negative fill delay",
			mutate:    func(cfg *Config) { cfg.FillDelay = -time.Second },
			assertErr: require.Error,
		},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.CheckAndSetDefaults()
			tt.assertErr(t, err)
			if err == nil {
				require.NotNil(t, cfg.Clock)
				require.NotNil(t, cfg.Logger)
			}
		})
	}
}

func TestFillReachesTarget(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	s := newPoolSuite(t, 0, Config{
		Targets: map[string]int{"python3": 2},
	})

	s.mgr.Start()
	require.NoError(t, s.mgr.WaitReady(ctx))

	require.Equal(t, 2, s.reg.Len())
	require.Equal(t, 2, s.lim.InUse())
	for _, rec := range s.reg.Records() {
		require.Equal(t, kernel.StatePending, rec.State())
		require.Equal(t, "python3", rec.Type())
	}

	stats := s.mgr.PoolStats()
	require.Len(t, stats, 1)
	require.Equal(t, Stats{Type: "python3", Target: 2, Size: 2, Ready: true}, stats[0])
	require.True(t, s.mgr.Ready())
}

func TestNoPoolsIsAlwaysReady(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	s := newPoolSuite(t, 0, Config{})

	s.mgr.Start()
	require.True(t, s.mgr.Ready())
	require.NoError(t, s.mgr.WaitReady(ctx))
	require.Empty(t, s.mgr.PoolStats())
}

func TestClaimTriggersRefill(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	s := newPoolSuite(t, 0, Config{
		Targets: map[string]int{"python3": 2},
	})

	s.mgr.Start()
	require.NoError(t, s.mgr.WaitReady(ctx))

	rec, err := s.mgr.Claim(ctx, "python3", kernel.LaunchOptions{})
	require.NoError(t, err)
	require.Equal(t, kernel.StatePending, rec.State())
	require.True(t, s.reg.Has(rec.ID()))

	// the claimed kernel stays registered while a replacement is
	// launched behind it
	require.Eventually(t, func() bool {
		return s.reg.Len() == 3 && s.mgr.PoolStats()[0].Size == 2
	}, 10*time.Second, time.Millisecond)
	require.Equal(t, 3, s.lim.InUse())
}

func TestClaimMisses(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	poolOpts := kernel.LaunchOptions{Env: map[string]string{"PYTHONSTARTUP": "warm.py"}}
	s := newPoolSuite(t, 0, Config{
		Targets: map[string]int{"python3": 1},
		Options: map[string]kernel.LaunchOptions{"python3": poolOpts},
	})

	s.mgr.Start()
	require.NoError(t, s.mgr.WaitReady(ctx))

	// no pool for the type
	_, err := s.mgr.Claim(ctx, "ir", kernel.LaunchOptions{})
	require.ErrorIs(t, err, ErrNoPooledKernel)

	// launch options differ from the pool's
	_, err = s.mgr.Claim(ctx, "python3", kernel.LaunchOptions{WorkingDir: "/tmp"})
	require.ErrorIs(t, err, ErrNoPooledKernel)

	// matching options claim the pooled kernel
	rec, err := s.mgr.Claim(ctx, "python3", poolOpts)
	require.NoError(t, err)
	require.Equal(t, poolOpts, rec.Handle().(*kerneltest.Kernel).Options())
}

func TestFillDelaySpacesLaunches(t *testing.T) {
	t.Parallel()
	s := newPoolSuite(t, 0, Config{
		Targets:   map[string]int{"python3": 3},
		FillDelay: time.Second,
	})

	s.mgr.Start()

	// the first launch goes out immediately, the rest wait out the
	// fill delay one by one
	awaitEvents(t, s.events, launchIssued, launchOK)
	require.Equal(t, 1, s.launcher.Attempts())

	s.clock.BlockUntil(1) // fill loop parked on the delay timer
	s.clock.Advance(time.Second)
	awaitEvents(t, s.events, launchIssued, launchOK)
	require.Equal(t, 2, s.launcher.Attempts())

	s.clock.BlockUntil(1)
	s.clock.Advance(time.Second)
	awaitEvents(t, s.events, launchIssued, launchOK)
	require.Equal(t, 3, s.launcher.Attempts())
}

func TestClaimOldestFirst(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	s := newPoolSuite(t, 0, Config{
		Targets:   map[string]int{"python3": 2},
		FillDelay: time.Second,
	})

	s.mgr.Start()
	awaitEvents(t, s.events, launchOK)
	require.Len(t, s.launcher.Kernels(), 1)
	first := s.launcher.Kernels()[0]

	s.clock.BlockUntil(1)
	s.clock.Advance(time.Second)
	awaitEvents(t, s.events, launchOK)

	rec, err := s.mgr.Claim(ctx, "python3", kernel.LaunchOptions{})
	require.NoError(t, err)
	require.Same(t, first, rec.Handle().(*kerneltest.Kernel))
}

func TestFailedLaunchRetried(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	s := newPoolSuite(t, 0, Config{
		Targets: map[string]int{"python3": 1},
	})
	s.launcher.FailNext(errors.New("spawn failed"), 1)

	s.mgr.Start()
	awaitEvents(t, s.events, launchFailed, launchOK)
	require.NoError(t, s.mgr.WaitReady(ctx))

	require.Equal(t, 2, s.launcher.Attempts())
	require.Equal(t, 1, s.reg.Len())
	require.Equal(t, 1, s.lim.InUse())
	require.Equal(t, 1, s.mgr.PoolStats()[0].Size)
}

func TestClaimSurfacesLaunchFailure(t *testing.T) {
	t.Parallel()
	s := newPoolSuite(t, 0, Config{
		Targets: map[string]int{"python3": 1},
	})
	release := s.launcher.HoldLaunches()
	defer release()

	s.mgr.Start()
	awaitEvents(t, s.events, launchIssued)

	claimErr := make(chan error, 1)
	go func() {
		_, err := s.mgr.Claim(context.Background(), "python3", kernel.LaunchOptions{})
		claimErr <- err
	}()

	// the refill issued on claim proves the claimant holds the
	// in-flight slot; fail both held launches so the claimed one
	// cannot slip through
	awaitEvents(t, s.events, launchIssued)
	s.launcher.FailNext(errors.New("spawn failed"), 2)
	release()

	err := <-claimErr
	require.Error(t, err)
	require.ErrorContains(t, err, "spawn failed")
	require.NotErrorIs(t, err, ErrNoPooledKernel)

	// the failed admissions were released and the pool refills
	require.Eventually(t, func() bool {
		return s.reg.Len() == 1 && s.mgr.PoolStats()[0].Size == 1
	}, 10*time.Second, time.Millisecond)
	require.Equal(t, 1, s.lim.InUse())
	require.Equal(t, 3, s.launcher.Attempts())
}

func TestFillBlockedByLimit(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	s := newPoolSuite(t, 1, Config{
		Targets: map[string]int{"python3": 2},
	})

	s.mgr.Start()
	awaitEvents(t, s.events, launchOK, fillBlocked)

	// the pool reports ready even though the limit keeps it short of
	// target, so waiters are not stuck behind admissions that may
	// never free up
	require.NoError(t, s.mgr.WaitReady(ctx))
	require.Equal(t, 1, s.reg.Len())

	stats := s.mgr.PoolStats()
	require.Equal(t, Stats{Type: "python3", Target: 2, Size: 1, Ready: true}, stats[0])
}

func TestClaimAbandonedOnContextCancel(t *testing.T) {
	t.Parallel()
	s := newPoolSuite(t, 0, Config{
		Targets: map[string]int{"python3": 1},
	})
	release := s.launcher.HoldLaunches()
	defer release()

	s.mgr.Start()
	awaitEvents(t, s.events, launchIssued)

	ctx, cancel := context.WithCancel(context.Background())
	claimErr := make(chan error, 1)
	go func() {
		_, err := s.mgr.Claim(ctx, "python3", kernel.LaunchOptions{})
		claimErr <- err
	}()

	awaitEvents(t, s.events, launchIssued) // refill issued after the pop
	cancel()
	require.ErrorIs(t, <-claimErr, context.Canceled)

	// the abandoned slot went back to the head of the queue and can
	// still be claimed
	release()
	rec, err := s.mgr.Claim(context.Background(), "python3", kernel.LaunchOptions{})
	require.NoError(t, err)
	require.True(t, s.reg.Has(rec.ID()))
}

func TestDrainShutsDownPooledKernels(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	s := newPoolSuite(t, 0, Config{
		Targets: map[string]int{"python3": 2, "ir": 1},
	})

	s.mgr.Start()
	require.NoError(t, s.mgr.WaitReady(ctx))
	require.Equal(t, 3, s.reg.Len())

	require.NoError(t, s.mgr.Drain(ctx))
	require.Zero(t, s.reg.Len())
	require.Zero(t, s.lim.InUse())
	for _, k := range s.launcher.Kernels() {
		require.False(t, k.IsAlive())
		graceful, forced := k.Shutdowns()
		require.Equal(t, 1, graceful)
		require.Zero(t, forced)
	}
	for _, stats := range s.mgr.PoolStats() {
		require.Zero(t, stats.Size)
	}

	// pools stay empty after a drain; claims fall back to direct
	// launches
	_, err := s.mgr.Claim(ctx, "python3", kernel.LaunchOptions{})
	require.ErrorIs(t, err, ErrNoPooledKernel)

	// draining again is a no-op
	require.NoError(t, s.mgr.Drain(ctx))
}

func TestDrainAggregatesShutdownErrors(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	s := newPoolSuite(t, 0, Config{
		Targets: map[string]int{"python3": 2},
	})

	s.mgr.Start()
	require.NoError(t, s.mgr.WaitReady(ctx))
	for _, k := range s.launcher.Kernels() {
		k.SetShutdownError(errors.New("wedged"))
	}

	err := s.mgr.Drain(ctx)
	require.Error(t, err)
	require.ErrorContains(t, err, "wedged")

	// kernels are forgotten even when their shutdown fails
	require.Zero(t, s.reg.Len())
	require.Zero(t, s.lim.InUse())
}

func TestDrainAbortsInFlightLaunches(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	s := newPoolSuite(t, 0, Config{
		Targets: map[string]int{"python3": 1},
	})
	release := s.launcher.HoldLaunches()
	defer release()

	s.mgr.Start()
	awaitEvents(t, s.events, launchIssued)

	require.NoError(t, s.mgr.Drain(ctx))
	require.Zero(t, s.reg.Len())
	require.Zero(t, s.lim.InUse())
	require.Empty(t, s.launcher.Kernels())
}
