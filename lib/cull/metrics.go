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

package cull

import (
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/hotpool"
	"github.com/gravitational/hotpool/lib/utils"
)

// cullMetrics is a collection of metrics for the idle culler.
type cullMetrics struct {
	culled *prometheus.CounterVec
	scans  prometheus.Counter
}

// newCullMetrics inits and registers the cull prometheus collectors.
func newCullMetrics() (*cullMetrics, error) {
	cm := &cullMetrics{
		culled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: hotpool.MetricCulledKernels,
				Help: "Counts kernels shut down for idleness by kernel type.",
			},
			[]string{hotpool.TagKernelType},
		),
		scans: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: hotpool.MetricCullScans,
				Help: "Counts completed idle scans.",
			},
		),
	}

	if err := utils.RegisterPrometheusCollectors(cm.culled, cm.scans); err != nil {
		return nil, trace.Wrap(err)
	}

	return cm, nil
}
