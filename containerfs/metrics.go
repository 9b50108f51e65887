// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package containerfs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors a mounted FS updates as it
// serves operations. A nil *Metrics (the zero value from an FS that never
// called EnableMetrics) is safe to use; every method on it is a no-op.
type Metrics struct {
	freeBytes   prometheus.Gauge
	openHandles prometheus.Gauge
	ops         *prometheus.CounterVec
	opErrors    *prometheus.CounterVec
}

// NewMetrics registers the container filesystem's collectors against reg.
// Pass prometheus.DefaultRegisterer to expose them on the default
// /metrics handler, or a fresh prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		freeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "containerfuse",
			Name:      "free_bytes",
			Help:      "Bytes currently on the container's free list.",
		}),
		openHandles: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "containerfuse",
			Name:      "open_handles",
			Help:      "Number of live entries in the handle table.",
		}),
		ops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "containerfuse",
			Name:      "ops_total",
			Help:      "Container filesystem operations, by operation name.",
		}, []string{"op"}),
		opErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "containerfuse",
			Name:      "op_errors_total",
			Help:      "Container filesystem operation failures, by operation name and error kind.",
		}, []string{"op", "kind"}),
	}
}

// EnableMetrics attaches m to fs; subsequent operations update it.
func (fs *FS) EnableMetrics(m *Metrics) { fs.metrics = m }

func (m *Metrics) observe(op string, err error) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(op).Inc()
	if err != nil {
		m.opErrors.WithLabelValues(op, KindOf(err).String()).Inc()
	}
}

// refreshGauges recomputes the free-bytes and open-handle gauges. Called
// at the end of every MkFile and RmFile; walking the free list is
// O(free block count).
func (fs *FS) refreshGauges() {
	if fs.metrics == nil {
		return
	}
	if free, err := fs.alloc.FreeBytes(); err == nil {
		fs.metrics.freeBytes.Set(float64(free))
	}
	fs.metrics.openHandles.Set(float64(fs.handles.Len()))
}
