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
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/hotpool"
	"github.com/gravitational/hotpool/lib/utils"
)

// poolMetrics is a collection of metrics for the warm kernel pools.
type poolMetrics struct {
	pooledKernels *prometheus.GaugeVec
	launches      *prometheus.CounterVec
	claims        *prometheus.CounterVec
	launchLatency *prometheus.HistogramVec
}

// newPoolMetrics inits and registers the pool prometheus collectors.
func newPoolMetrics() (*poolMetrics, error) {
	pm := &poolMetrics{
		pooledKernels: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: hotpool.MetricPooledKernels,
				Help: "Number of launched, unclaimed kernels warming each pool.",
			},
			[]string{hotpool.TagKernelType},
		),
		launches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: hotpool.MetricPoolLaunches,
				Help: "Counts pool launch attempts by kernel type and result.",
			},
			[]string{hotpool.TagKernelType, hotpool.TagResult},
		),
		claims: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: hotpool.MetricPoolClaims,
				Help: "Counts pool claims by kernel type and result.",
			},
			[]string{hotpool.TagKernelType, hotpool.TagResult},
		),
		launchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: hotpool.MetricLaunchLatency,
				Help: "Measures pooled kernel launch latency in seconds.",
				// lowest bucket at 50 ms; kernel processes take a
				// while to come up
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{hotpool.TagKernelType},
		),
	}

	if err := utils.RegisterPrometheusCollectors(
		pm.pooledKernels,
		pm.launches,
		pm.claims,
		pm.launchLatency,
	); err != nil {
		return nil, trace.Wrap(err)
	}

	return pm, nil
}
