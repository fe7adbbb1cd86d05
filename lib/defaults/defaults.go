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

// Package defaults contains default constants set in various parts of
// the hotpool codebase.
package defaults

import "time"

const (
	// KernelType is the kernel type started when a request does not
	// name one.
	KernelType = "python3"

	// MaxKernels is the default global kernel limit. Zero means the
	// number of concurrently admitted kernels is unbounded.
	MaxKernels = 0

	// FillDelay is the minimum spacing between successive pool launch
	// issuances. It throttles replenishment so a drained pool does not
	// stampede the host with simultaneous process starts.
	FillDelay = time.Second

	// CullIdleTimeout is the default idle time after which an active
	// kernel becomes a culling candidate. Zero disables culling.
	CullIdleTimeout = 0

	// CullInterval is the period between cull scans when culling is
	// enabled.
	CullInterval = 5 * time.Minute

	// ShutdownGrace is how long a graceful kernel shutdown waits after
	// SIGTERM before escalating to SIGKILL.
	ShutdownGrace = 5 * time.Second

	// LaunchTimeout bounds a single kernel launch, pooled or direct.
	LaunchTimeout = 40 * time.Second

	// HTTPListenAddr is the default address the API server binds to.
	HTTPListenAddr = "127.0.0.1:8888"

	// HTTPShutdownTimeout bounds the graceful drain of the API server.
	HTTPShutdownTimeout = 10 * time.Second

	// HTTPIdleTimeout is the keep-alive idle timeout for API
	// connections.
	HTTPIdleTimeout = time.Minute

	// ReadHeaderTimeout bounds how long the API server waits for
	// request headers.
	ReadHeaderTimeout = 10 * time.Second
)

// ConnectionFilePerms is the file mode for kernel connection files. They
// carry the HMAC key, so they are readable by the owner only.
const ConnectionFilePerms = 0o600
