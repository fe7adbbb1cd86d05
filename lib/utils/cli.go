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

// Package utils contains small helpers shared by the hotpool packages.
package utils

import (
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
)

// InitCLIParser configures a kingpin application with the conventions shared
// by hotpool binaries.
func InitCLIParser(appName, appHelp string) *kingpin.Application {
	app := kingpin.New(appName, appHelp)
	app.HelpFlag.Short('h')
	app.UsageTemplate(kingpin.DefaultUsageTemplate)
	return app
}

// FatalError prints the error to stderr and exits with a non-zero code. When
// HOTPOOL_DEBUG is set the full trace report is printed instead of the user
// message.
func FatalError(err error) {
	fmt.Fprintln(os.Stderr, UserMessageFromError(err))
	os.Exit(1)
}

// UserMessageFromError returns a printable error message for CLI users.
func UserMessageFromError(err error) string {
	if os.Getenv("HOTPOOL_DEBUG") != "" {
		return trace.DebugReport(err)
	}
	return fmt.Sprintf("ERROR: %v", trace.UserMessage(err))
}
