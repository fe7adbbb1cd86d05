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

// Package service assembles the kernel launcher, the lifecycle manager and
// the HTTP API into one runnable process.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/hotpool"
	"github.com/gravitational/hotpool/lib/defaults"
	"github.com/gravitational/hotpool/lib/kernel"
	"github.com/gravitational/hotpool/lib/manager"
	"github.com/gravitational/hotpool/lib/proc"
	logutils "github.com/gravitational/hotpool/lib/utils/log"
	"github.com/gravitational/hotpool/lib/web"
)

// Config is the full runtime configuration of a hotpool process. It is
// usually produced by MakeDefaultConfig and overlaid with a config file via
// config.ApplyFileConfig.
type Config struct {
	// ListenAddr is the address the HTTP API binds to.
	ListenAddr string
	// LogSeverity is the minimum severity the process logs at.
	LogSeverity string
	// LogFormat selects text or JSON log output.
	LogFormat string

	// DefaultType is the kernel type started when a request names none.
	DefaultType string
	// MaxKernels caps kernels under management. Zero or less means no cap.
	MaxKernels int
	// KernelPools maps kernel type to the warm pool size to maintain.
	KernelPools map[string]int
	// PoolOptions are the launch options pooled kernels are started with.
	PoolOptions map[string]kernel.LaunchOptions
	// FillDelay is the minimum time between pooled launch issuances.
	FillDelay time.Duration

	// CullIdleTimeout is how long a kernel may idle before it is culled.
	// Zero disables culling.
	CullIdleTimeout time.Duration
	// CullInterval is the time between idle scans.
	CullInterval time.Duration
	// CullConnected allows culling kernels with open connections.
	CullConnected bool
	// CullBusy allows culling kernels that report being busy.
	CullBusy bool

	// KernelSpecs maps kernel type to the command that starts it.
	KernelSpecs map[string]proc.CommandSpec
	// ConnectionDir is where kernel connection files are written.
	ConnectionDir string
	// ShutdownGrace is how long a graceful kernel shutdown waits before
	// killing the process.
	ShutdownGrace time.Duration

	// Clock is the process time source.
	Clock clockwork.Clock
	// Logger emits service logs.
	Logger *slog.Logger
}

// MakeDefaultConfig returns a config with every default filled in. Kernel
// command specs have no default; they come from the config file.
func MakeDefaultConfig() *Config {
	return &Config{
		ListenAddr:    defaults.HTTPListenAddr,
		DefaultType:   defaults.KernelType,
		MaxKernels:    defaults.MaxKernels,
		FillDelay:     defaults.FillDelay,
		CullInterval:  defaults.CullInterval,
		ShutdownGrace: defaults.ShutdownGrace,
	}
}

// CheckAndSetDefaults checks parameters and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if len(c.KernelSpecs) == 0 {
		return trace.BadParameter("no kernel types configured, define at least one under the kernels section")
	}
	if c.DefaultType == "" {
		c.DefaultType = defaults.KernelType
	}
	if _, ok := c.KernelSpecs[c.DefaultType]; !ok {
		return trace.BadParameter("default kernel type %q has no command configured", c.DefaultType)
	}
	for kernelType := range c.KernelPools {
		if _, ok := c.KernelSpecs[kernelType]; !ok {
			return trace.BadParameter("pooled kernel type %q has no command configured", kernelType)
		}
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.HTTPListenAddr
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(hotpool.ComponentKey, hotpool.ComponentService)
	}
	return nil
}

// Run starts the hotpool service and blocks until ctx is canceled or the
// HTTP server fails. On cancellation it stops accepting requests, shuts
// down every kernel and returns.
func Run(ctx context.Context, cfg *Config) error {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	logger := cfg.Logger

	launcher, err := proc.NewLauncher(proc.Config{
		Specs:         cfg.KernelSpecs,
		ConnectionDir: cfg.ConnectionDir,
		ShutdownGrace: cfg.ShutdownGrace,
		Clock:         cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	mgr, err := manager.New(manager.Config{
		Launcher:        launcher,
		DefaultType:     cfg.DefaultType,
		MaxKernels:      cfg.MaxKernels,
		KernelPools:     cfg.KernelPools,
		PoolOptions:     cfg.PoolOptions,
		FillDelay:       cfg.FillDelay,
		CullIdleTimeout: cfg.CullIdleTimeout,
		CullInterval:    cfg.CullInterval,
		CullConnected:   cfg.CullConnected,
		CullBusy:        cfg.CullBusy,
		Clock:           cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	api, err := web.NewAPIServer(web.Config{Manager: mgr})
	if err != nil {
		return trace.Wrap(err)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return trace.Wrap(err, "binding %v", cfg.ListenAddr)
	}

	srv := &http.Server{
		Handler:           api,
		ReadHeaderTimeout: defaults.ReadHeaderTimeout,
		IdleTimeout:       defaults.HTTPIdleTimeout,
	}

	mgr.Start()
	logger.InfoContext(ctx, "Hotpool service is listening.",
		"addr", listener.Addr().String(),
		"kernel_types", launcher.Types(),
		"max_kernels", cfg.MaxKernels,
		"pools", cfg.KernelPools)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	})
	g.Go(func() error {
		// pool readiness is informational; requests are served before it
		if err := mgr.WaitForPools(gctx); err == nil {
			logger.InfoContext(gctx, "Warm kernel pools are ready.")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.InfoContext(ctx, "Shutting down.")

		drainCtx, cancel := context.WithTimeout(context.Background(), defaults.HTTPShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(drainCtx); err != nil {
			logger.WarnContext(ctx, "HTTP server shutdown failed.", "error", err)
		}

		if err := mgr.ShutdownAll(context.Background()); err != nil {
			logger.WarnContext(ctx, "Some kernels failed to shut down cleanly.", "error", err)
		}
		mgr.Close()
		return nil
	})
	return trace.Wrap(g.Wait())
}
