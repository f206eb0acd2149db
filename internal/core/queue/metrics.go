// Copyright 2025 Tom Barlow
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

package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the fixed per-topic queue gauges/counters of §4.B,
// registered directly against prometheus/client_golang — the
// reference codebase's own exporter wiring, generalised here from
// per-provider LLM metrics to per-topic queue metrics. These are the
// only metrics the process exports; the observability package builds
// traces only and registers no otel/metric instruments.
type Metrics struct {
	enqueued  *prometheus.CounterVec
	succeeded *prometheus.CounterVec
	failed    *prometheus.CounterVec
	waiting   *prometheus.GaugeVec
	oldestAge *prometheus.GaugeVec
}

// NewMetrics constructs and registers the runloop_queue_* family
// against reg. Pass prometheus.NewRegistry() in tests to avoid
// colliding with the global default registry across test runs.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runloop_queue_enqueued_total",
			Help: "Jobs enqueued, by topic.",
		}, []string{"topic"}),
		succeeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runloop_queue_succeeded_total",
			Help: "Jobs whose handler returned nil, by topic.",
		}, []string{"topic"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runloop_queue_failed_total",
			Help: "Jobs moved to the topic's DLQ, by topic.",
		}, []string{"topic"}),
		waiting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "runloop_queue_waiting",
			Help: "Jobs currently ready or delayed, by topic.",
		}, []string{"topic"}),
		oldestAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "runloop_queue_oldest_age_ms",
			Help: "Age in milliseconds of the oldest waiting job, by topic.",
		}, []string{"topic"}),
	}
	reg.MustRegister(m.enqueued, m.succeeded, m.failed, m.waiting, m.oldestAge)
	return m
}

func (m *Metrics) ObserveEnqueue(topic string) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(topic).Inc()
}

func (m *Metrics) ObserveSuccess(topic string) {
	if m == nil {
		return
	}
	m.succeeded.WithLabelValues(topic).Inc()
}

func (m *Metrics) ObserveFailure(topic string) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(topic).Inc()
}

// ObserveDepth records the current counts and the age of the oldest
// waiting job, called after every enqueue/success/failure per §4.B.
func (m *Metrics) ObserveDepth(topic string, counts Counts, oldestWaiting time.Time) {
	if m == nil {
		return
	}
	m.waiting.WithLabelValues(topic).Set(float64(counts.Ready + counts.Delayed))
	if oldestWaiting.IsZero() {
		m.oldestAge.WithLabelValues(topic).Set(0)
		return
	}
	m.oldestAge.WithLabelValues(topic).Set(float64(time.Since(oldestWaiting).Milliseconds()))
}
