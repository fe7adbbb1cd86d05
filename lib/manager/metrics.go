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

package manager

import (
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/hotpool"
	"github.com/gravitational/hotpool/lib/kernel"
	"github.com/gravitational/hotpool/lib/registry"
	"github.com/gravitational/hotpool/lib/utils"
)

// managerMetrics is a collection of metrics for the kernel manager.
type managerMetrics struct {
	starts    *prometheus.CounterVec
	shutdowns *prometheus.CounterVec
	denials   prometheus.Counter
}

// newManagerMetrics inits and registers the manager prometheus
// collectors. The registered kernel gauge reads the registry live so it
// cannot drift from the kernels the pools register on their own.
func newManagerMetrics(reg *registry.Registry) (*managerMetrics, error) {
	mm := &managerMetrics{
		starts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: hotpool.MetricKernelStarts,
				Help: "Counts started kernels by how the start was served.",
			},
			[]string{hotpool.TagResult},
		),
		shutdowns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: hotpool.MetricKernelShutdowns,
				Help: "Counts kernel shutdowns by what triggered them.",
			},
			[]string{hotpool.TagTrigger},
		),
		denials: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: hotpool.MetricAdmissionDenials,
				Help: "Counts kernel starts refused by the kernel limit.",
			},
		),
	}

	if err := utils.RegisterPrometheusCollectors(
		mm.starts,
		mm.shutdowns,
		mm.denials,
		newRegistryCollector(reg),
	); err != nil {
		return nil, trace.Wrap(err)
	}

	return mm, nil
}

// registryCollector exports the number of registered kernels by state,
// sampled from the registry at scrape time.
type registryCollector struct {
	registry *registry.Registry
	desc     *prometheus.Desc
}

func newRegistryCollector(reg *registry.Registry) *registryCollector {
	return &registryCollector{
		registry: reg,
		desc: prometheus.NewDesc(
			hotpool.MetricRegisteredKernels,
			"Number of registered kernels by state.",
			[]string{hotpool.TagState},
			nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *registryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect implements prometheus.Collector.
func (c *registryCollector) Collect(ch chan<- prometheus.Metric) {
	counts := c.registry.StateCounts()
	for _, state := range []kernel.State{kernel.StatePending, kernel.StateActive, kernel.StateShuttingDown} {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts[state]), string(state))
	}
}
