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

package hotpool

const (
	// MetricPooledKernels is the number of launched, unclaimed kernels
	// currently warming each pool.
	MetricPooledKernels = "hotpool_pooled_kernels"

	// MetricPoolLaunches counts pool launch attempts by type and result.
	MetricPoolLaunches = "hotpool_pool_launches_total"

	// MetricPoolClaims counts pool claims by type and result.
	MetricPoolClaims = "hotpool_pool_claims_total"

	// MetricRegisteredKernels is the number of kernels currently present
	// in the registry, labeled by state.
	MetricRegisteredKernels = "hotpool_registered_kernels"

	// MetricKernelStarts counts facade start requests by result.
	MetricKernelStarts = "hotpool_kernel_starts_total"

	// MetricKernelShutdowns counts completed kernel shutdowns by trigger.
	MetricKernelShutdowns = "hotpool_kernel_shutdowns_total"

	// MetricAdmissionDenials counts launches rejected by the global
	// kernel limit.
	MetricAdmissionDenials = "hotpool_admission_denials_total"

	// MetricCulledKernels counts kernels shut down by the idle monitor.
	MetricCulledKernels = "hotpool_culled_kernels_total"

	// MetricCullScans counts completed cull scans.
	MetricCullScans = "hotpool_cull_scans_total"

	// MetricLaunchLatency measures kernel launch latency in seconds.
	MetricLaunchLatency = "hotpool_kernel_launch_seconds"
)

const (
	// TagResult is the metric label distinguishing outcomes.
	TagResult = "result"

	// TagKernelType is the metric label carrying the kernel type.
	TagKernelType = "type"

	// TagState is the metric label carrying a kernel state.
	TagState = "state"

	// TagTrigger is the metric label distinguishing what initiated
	// a shutdown.
	TagTrigger = "trigger"

	// TagSuccess is a TagResult value for successful operations.
	TagSuccess = "success"

	// TagFailure is a TagResult value for failed operations.
	TagFailure = "failure"

	// TagPooled is a TagResult value for starts served from a warm pool.
	TagPooled = "pooled"

	// TagDirect is a TagResult value for starts served by a fresh launch.
	TagDirect = "direct"
)
