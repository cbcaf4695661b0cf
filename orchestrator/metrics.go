// Copyright 2025 Gaigentic AI
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

package orchestrator

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics exported on GET /metrics.
var (
	promEventsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regulens_events_submitted_total",
			Help: "Events accepted for agent fan-out, by event type.",
		},
		[]string{"event_type"},
	)

	promSubmitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regulens_submit_rejections_total",
			Help: "Submissions refused before enqueue, by reason.",
		},
		[]string{"reason"},
	)

	promDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regulens_decisions_total",
			Help: "Decisions emitted by agents, by agent type and decision.",
		},
		[]string{"agent_type", "decision"},
	)

	promDecisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "regulens_decision_duration_milliseconds",
			Help:    "Wall time from dequeue to decision, per agent type.",
			Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000},
		},
		[]string{"agent_type"},
	)

	promAgentFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regulens_agent_faults_total",
			Help: "Agent runs converted to fault decisions, by agent type.",
		},
		[]string{"agent_type"},
	)

	promQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "regulens_queue_depth",
			Help: "Events waiting in the per-agent queue.",
		},
		[]string{"agent"},
	)
)

func init() {
	prometheus.MustRegister(
		promEventsSubmitted,
		promSubmitRejections,
		promDecisions,
		promDecisionDuration,
		promAgentFaults,
		promQueueDepth,
	)
}

// maxLatencySamples bounds the per-agent latency window the collector keeps
// for percentile math.
const maxLatencySamples = 1000

// EventMetrics counts submissions and refusals.
type EventMetrics struct {
	SubmittedTotal      int64            `json:"submitted_total"`
	ByType              map[string]int64 `json:"by_type"`
	ValidationRejects   int64            `json:"validation_rejects"`
	BackpressureRejects int64            `json:"backpressure_rejects"`
}

// DecisionMetrics counts emitted decisions and derives latency stats.
type DecisionMetrics struct {
	Total        int64            `json:"total"`
	ByAgentType  map[string]int64 `json:"by_agent_type"`
	ByDecision   map[string]int64 `json:"by_decision"`
	AvgLatencyMS float64          `json:"avg_latency_ms"`
	P95LatencyMS float64          `json:"p95_latency_ms"`
	P99LatencyMS float64          `json:"p99_latency_ms"`
}

// FaultMetrics counts agent runs the worker boundary converted to fault
// decisions.
type FaultMetrics struct {
	Total       int64            `json:"total"`
	ByAgentType map[string]int64 `json:"by_agent_type"`
}

// Metrics is one deep-copied snapshot of the collector.
type Metrics struct {
	Events         EventMetrics    `json:"events"`
	Decisions      DecisionMetrics `json:"decisions"`
	Faults         FaultMetrics    `json:"faults"`
	UptimeSeconds  float64         `json:"uptime_seconds"`
	CollectedSince time.Time       `json:"collected_since"`
}

// MetricsCollector keeps the in-process counters behind the stats endpoint.
// Writers touch it on every decision, so recording stays O(1) under one
// lock; percentiles are derived only at snapshot time.
type MetricsCollector struct {
	mu             sync.RWMutex
	since          time.Time
	events         EventMetrics
	decisions      DecisionMetrics
	faults         FaultMetrics
	latencies      []float64
	totalLatencyMS float64
}

// NewMetricsCollector returns a collector with the window anchored at now.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		since: time.Now().UTC(),
		events: EventMetrics{
			ByType: make(map[string]int64),
		},
		decisions: DecisionMetrics{
			ByAgentType: make(map[string]int64),
			ByDecision:  make(map[string]int64),
		},
		faults: FaultMetrics{
			ByAgentType: make(map[string]int64),
		},
	}
}

// RecordSubmission counts one accepted event.
func (mc *MetricsCollector) RecordSubmission(eventType string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.events.SubmittedTotal++
	mc.events.ByType[eventType]++
}

// RecordValidationReject counts one submission refused for a validation
// failure (bad event or no subscribers).
func (mc *MetricsCollector) RecordValidationReject() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.events.ValidationRejects++
}

// RecordBackpressureReject counts one submission refused because a
// subscribed agent's queue was full.
func (mc *MetricsCollector) RecordBackpressureReject() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.events.BackpressureRejects++
}

// RecordDecision counts one emitted decision with its dequeue-to-decision
// latency.
func (mc *MetricsCollector) RecordDecision(agentType, decision string, latencyMS float64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.decisions.Total++
	mc.decisions.ByAgentType[agentType]++
	mc.decisions.ByDecision[decision]++
	mc.totalLatencyMS += latencyMS
	if len(mc.latencies) >= maxLatencySamples {
		mc.latencies = mc.latencies[1:]
	}
	mc.latencies = append(mc.latencies, latencyMS)
}

// RecordFault counts one agent run converted to a fault decision.
func (mc *MetricsCollector) RecordFault(agentType string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.faults.Total++
	mc.faults.ByAgentType[agentType]++
}

// GetMetrics returns a deep-copied snapshot with derived latency stats, so
// callers can serialize it without holding the collector lock.
func (mc *MetricsCollector) GetMetrics() Metrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	snap := Metrics{
		Events: EventMetrics{
			SubmittedTotal:      mc.events.SubmittedTotal,
			ByType:              copyCounts(mc.events.ByType),
			ValidationRejects:   mc.events.ValidationRejects,
			BackpressureRejects: mc.events.BackpressureRejects,
		},
		Decisions: DecisionMetrics{
			Total:       mc.decisions.Total,
			ByAgentType: copyCounts(mc.decisions.ByAgentType),
			ByDecision:  copyCounts(mc.decisions.ByDecision),
		},
		Faults: FaultMetrics{
			Total:       mc.faults.Total,
			ByAgentType: copyCounts(mc.faults.ByAgentType),
		},
		UptimeSeconds:  time.Since(mc.since).Seconds(),
		CollectedSince: mc.since,
	}

	if mc.decisions.Total > 0 {
		snap.Decisions.AvgLatencyMS = mc.totalLatencyMS / float64(mc.decisions.Total)
	}
	snap.Decisions.P95LatencyMS = percentile(mc.latencies, 0.95)
	snap.Decisions.P99LatencyMS = percentile(mc.latencies, 0.99)
	return snap
}

func copyCounts(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// percentile computes the p-th percentile over a copy of samples. Zero
// samples yield zero.
func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
