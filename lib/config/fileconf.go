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

// Package config reads the hotpool YAML configuration file and applies it
// onto the service runtime config.
package config

import (
	"io"
	"maps"
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v2"

	"github.com/gravitational/hotpool/lib/kernel"
	"github.com/gravitational/hotpool/lib/proc"
	"github.com/gravitational/hotpool/lib/service"
	logutils "github.com/gravitational/hotpool/lib/utils/log"
)

// Duration is a time.Duration that unmarshals from either a duration
// string ("90s", "5m") or a bare number of seconds.
type Duration time.Duration

// Value returns the duration as a time.Duration.
func (d Duration) Value() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return trace.Wrap(err)
	}
	switch value := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return trace.BadParameter("invalid duration %q: %v", value, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(value) * time.Second)
	case float64:
		*d = Duration(time.Duration(value * float64(time.Second)))
	default:
		return trace.BadParameter("invalid duration value %v, expected a duration string or a number of seconds", raw)
	}
	return nil
}

// Log configures process logging.
type Log struct {
	// Severity is the minimum severity to log, e.g. INFO or DEBUG.
	Severity string `yaml:"severity,omitempty"`
	// Format is "text" or "json".
	Format string `yaml:"format,omitempty"`
}

// FileConfig is the on-disk YAML configuration. Unknown keys are rejected.
type FileConfig struct {
	// ListenAddr is the HTTP API listen address.
	ListenAddr string `yaml:"listen_addr,omitempty"`
	// Log configures logging.
	Log Log `yaml:"log,omitempty"`

	// MaxKernels caps kernels under management, pooled ones included.
	MaxKernels int `yaml:"max_kernels,omitempty"`
	// DefaultKernel is the kernel type started when a request names none.
	DefaultKernel string `yaml:"default_kernel,omitempty"`
	// KernelPools maps kernel type to its warm pool target size.
	KernelPools map[string]int `yaml:"kernel_pools,omitempty"`
	// FillDelay spaces out pool launches. Left unset it keeps the
	// built-in default; an explicit zero disables the spacing.
	FillDelay *Duration `yaml:"fill_delay,omitempty"`
	// PoolOptions are the launch options pooled kernels are started
	// with, per type.
	PoolOptions map[string]kernel.LaunchOptions `yaml:"pool_kwargs,omitempty"`

	// CullIdleTimeout culls kernels idle this long. Zero disables.
	CullIdleTimeout Duration `yaml:"cull_idle_timeout,omitempty"`
	// CullInterval is the period between idle scans.
	CullInterval Duration `yaml:"cull_interval,omitempty"`
	// CullConnected culls kernels even when clients are connected.
	CullConnected bool `yaml:"cull_connected,omitempty"`
	// CullBusy culls kernels even when they report being busy.
	CullBusy bool `yaml:"cull_busy,omitempty"`

	// Kernels maps kernel type to the command that launches it.
	Kernels map[string]proc.CommandSpec `yaml:"kernels"`
	// RuntimeDir is where kernel connection files are written.
	RuntimeDir string `yaml:"runtime_dir,omitempty"`
	// ShutdownGrace is how long graceful kernel shutdowns wait before
	// escalating to a kill.
	ShutdownGrace Duration `yaml:"shutdown_grace,omitempty"`
}

// ReadConfig parses a YAML config from a reader.
func ReadConfig(reader io.Reader) (*FileConfig, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, trace.Wrap(err, "failed to read config")
	}
	var fc FileConfig
	if err := yaml.UnmarshalStrict(data, &fc); err != nil {
		return nil, trace.BadParameter("failed to parse config: %v", err)
	}
	return &fc, nil
}

// ReadFromFile reads and parses the YAML config at path.
func ReadFromFile(path string) (*FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	fc, err := ReadConfig(f)
	return fc, trace.Wrap(err)
}

// ApplyFileConfig overlays the file config onto cfg. A nil file config
// leaves cfg untouched.
func ApplyFileConfig(fc *FileConfig, cfg *service.Config) error {
	if fc == nil {
		return nil
	}

	if fc.Log.Severity != "" {
		if _, err := logutils.ParseSeverity(fc.Log.Severity); err != nil {
			return trace.Wrap(err)
		}
		cfg.LogSeverity = fc.Log.Severity
	}
	switch fc.Log.Format {
	case "", logutils.FormatText, logutils.FormatJSON:
		if fc.Log.Format != "" {
			cfg.LogFormat = fc.Log.Format
		}
	default:
		return trace.BadParameter("unsupported log format %q, expected %q or %q",
			fc.Log.Format, logutils.FormatText, logutils.FormatJSON)
	}

	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}

	if fc.MaxKernels < 0 {
		return trace.BadParameter("max_kernels cannot be negative, use 0 for no limit")
	}
	if fc.MaxKernels > 0 {
		cfg.MaxKernels = fc.MaxKernels
	}
	if fc.DefaultKernel != "" {
		cfg.DefaultType = fc.DefaultKernel
	}

	for kernelType, target := range fc.KernelPools {
		if target < 0 {
			return trace.BadParameter("kernel pool %q has a negative target size %v", kernelType, target)
		}
	}
	if len(fc.KernelPools) > 0 {
		cfg.KernelPools = maps.Clone(fc.KernelPools)
	}
	if fc.FillDelay != nil {
		if fc.FillDelay.Value() < 0 {
			return trace.BadParameter("fill_delay cannot be negative")
		}
		cfg.FillDelay = fc.FillDelay.Value()
	}
	if len(fc.PoolOptions) > 0 {
		cfg.PoolOptions = maps.Clone(fc.PoolOptions)
	}

	if fc.CullIdleTimeout.Value() < 0 {
		return trace.BadParameter("cull_idle_timeout cannot be negative, use 0 to disable culling")
	}
	cfg.CullIdleTimeout = fc.CullIdleTimeout.Value()
	if fc.CullInterval.Value() < 0 {
		return trace.BadParameter("cull_interval cannot be negative")
	}
	if fc.CullInterval.Value() > 0 {
		cfg.CullInterval = fc.CullInterval.Value()
	}
	cfg.CullConnected = fc.CullConnected
	cfg.CullBusy = fc.CullBusy

	for kernelType, spec := range fc.Kernels {
		if len(spec.Command) == 0 {
			return trace.BadParameter("kernel type %q has an empty command", kernelType)
		}
	}
	if len(fc.Kernels) > 0 {
		cfg.KernelSpecs = maps.Clone(fc.Kernels)
	}
	if fc.RuntimeDir != "" {
		cfg.ConnectionDir = fc.RuntimeDir
	}
	if fc.ShutdownGrace.Value() < 0 {
		return trace.BadParameter("shutdown_grace cannot be negative")
	}
	if fc.ShutdownGrace.Value() > 0 {
		cfg.ShutdownGrace = fc.ShutdownGrace.Value()
	}
	return nil
}
