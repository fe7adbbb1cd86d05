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

// Package hotpool holds constants shared across the project.
package hotpool

import "strings"

// Version is the semantic version of the hotpool release.
const Version = "0.3.0"

const (
	// ComponentKey is the log field that identifies the component
	// a log line originates from.
	ComponentKey = "component"

	// ComponentManager is the kernel lifecycle manager facade.
	ComponentManager = "manager"

	// ComponentPool is the warm kernel pool.
	ComponentPool = "pool"

	// ComponentCull is the idle kernel monitor.
	ComponentCull = "cull"

	// ComponentProc is the process-backed kernel launcher.
	ComponentProc = "proc"

	// ComponentWeb is the HTTP API server.
	ComponentWeb = "web"

	// ComponentService is the long-running service runtime.
	ComponentService = "service"

	// ComponentCLI is the hotpool command line tool.
	ComponentCLI = "cli"
)

const (
	// Text is the CLI text output format.
	Text = "text"

	// JSON is the CLI JSON output format.
	JSON = "json"
)

// Component generates a colon-joined component name for logging,
// e.g. Component("pool", "python3") -> "pool:python3".
func Component(parts ...string) string {
	return strings.Join(parts, ":")
}
