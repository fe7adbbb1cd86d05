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

// Package log configures the process-wide slog logger and provides helpers
// for package-scoped loggers.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gravitational/trace"
)

// TraceLevel is a log level more verbose than slog.LevelDebug, used for
// wire-level dumps.
const TraceLevel slog.Level = slog.LevelDebug - 1

// TraceLevelText is the text representation of TraceLevel.
const TraceLevelText = "TRACE"

// SupportedLevelsText lists the supported log severities in their text
// representation, all uppercase.
var SupportedLevelsText = []string{
	TraceLevelText,
	slog.LevelDebug.String(),
	slog.LevelInfo.String(),
	slog.LevelWarn.String(),
	slog.LevelError.String(),
}

const (
	// FormatText renders log records as human-readable lines.
	FormatText = "text"
	// FormatJSON renders log records as JSON objects.
	FormatJSON = "json"
)

// Config configures the process-wide logger.
type Config struct {
	// Output receives the rendered records. Defaults to stderr.
	Output io.Writer
	// Severity is the minimum level emitted, one of SupportedLevelsText.
	// Defaults to INFO.
	Severity string
	// Format is FormatText or FormatJSON. Defaults to FormatText.
	Format string
}

// Initialize builds a logger from cfg, installs it as the slog default and
// returns it.
func Initialize(cfg Config) (*slog.Logger, error) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	level := slog.LevelInfo
	if cfg.Severity != "" {
		parsed, err := ParseSeverity(cfg.Severity)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		level = parsed
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.Format {
	case "", FormatText:
		handler = slog.NewTextHandler(cfg.Output, opts)
	case FormatJSON:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	default:
		return nil, trace.BadParameter("unsupported log format %q, expected one of %q or %q", cfg.Format, FormatText, FormatJSON)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

// ParseSeverity converts a text severity to a slog level.
func ParseSeverity(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case TraceLevelText:
		return TraceLevel, nil
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String(), "WARNING":
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	}
	return slog.LevelInfo, trace.BadParameter("unsupported log severity %q, expected one of %v", s, SupportedLevelsText)
}

// NewPackageLogger creates a logger for a package, carrying the given
// key/value attributes on every record.
func NewPackageLogger(keysAndValues ...any) *slog.Logger {
	return slog.With(keysAndValues...)
}

// DiscardLogger returns a logger that drops every record, for tests and
// optional loggers.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
