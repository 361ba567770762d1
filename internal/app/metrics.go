package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nuetzliches/relayq/internal/relay"
)

// runtimeMetrics keeps hot-path counters in atomics and renders a
// plaintext exposition for /metrics. Queue depth figures are read from
// the store on scrape and cached briefly.
type runtimeMetrics struct {
	tracingEnabled           atomic.Int64
	tracingInitFailuresTotal atomic.Int64
	tracingExportErrorsTotal atomic.Int64

	dispatchAttemptsTotal atomic.Int64

	outcomeMu         sync.Mutex
	outcomeTotals     map[string]int64
	outcomeByDep      map[string]int64
	outcomeQueueNames map[string]struct{}

	service *relay.Service
	statsMu sync.Mutex
	statsAt time.Time
	statsOK bool
	stats   map[string]relay.Stats
	// statsTTL bounds store load from scrapes.
	statsTTL time.Duration
	now      func() time.Time
}

func newRuntimeMetrics() *runtimeMetrics {
	return &runtimeMetrics{
		outcomeTotals:     make(map[string]int64),
		outcomeByDep:      make(map[string]int64),
		outcomeQueueNames: make(map[string]struct{}),
		statsTTL:          time.Second,
		now:               time.Now,
	}
}

func (m *runtimeMetrics) setTracingEnabled(enabled bool) {
	if m == nil {
		return
	}
	if enabled {
		m.tracingEnabled.Store(1)
		return
	}
	m.tracingEnabled.Store(0)
}

func (m *runtimeMetrics) incTracingInitFailures() {
	if m == nil {
		return
	}
	m.tracingInitFailuresTotal.Add(1)
}

func (m *runtimeMetrics) incTracingExportErrors() {
	if m == nil {
		return
	}
	m.tracingExportErrorsTotal.Add(1)
}

// observeOutcome matches the dispatcher's ObserveOutcome hook.
func (m *runtimeMetrics) observeOutcome(queueName, dependency, outcome string) {
	if m == nil {
		return
	}
	m.dispatchAttemptsTotal.Add(1)
	m.outcomeMu.Lock()
	m.outcomeTotals[outcome]++
	m.outcomeByDep[dependency+"\x00"+outcome]++
	m.outcomeQueueNames[queueName] = struct{}{}
	m.outcomeMu.Unlock()
}

func (m *runtimeMetrics) queueStats() (map[string]relay.Stats, bool) {
	if m == nil || m.service == nil {
		return nil, false
	}

	m.outcomeMu.Lock()
	queues := make([]string, 0, len(m.outcomeQueueNames))
	for q := range m.outcomeQueueNames {
		queues = append(queues, q)
	}
	m.outcomeMu.Unlock()

	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	if m.statsOK && m.now().Sub(m.statsAt) < m.statsTTL {
		return m.stats, true
	}

	fresh := make(map[string]relay.Stats, len(queues))
	for _, q := range queues {
		st, err := m.service.Stats(context.Background(), q)
		if err != nil {
			continue
		}
		fresh[q] = st
	}
	m.stats = fresh
	m.statsAt = m.now()
	m.statsOK = true
	return fresh, true
}

func (m *runtimeMetrics) render() string {
	if m == nil {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "relayq_tracing_enabled %d\n", m.tracingEnabled.Load())
	fmt.Fprintf(&b, "relayq_tracing_init_failures_total %d\n", m.tracingInitFailuresTotal.Load())
	fmt.Fprintf(&b, "relayq_tracing_export_errors_total %d\n", m.tracingExportErrorsTotal.Load())
	fmt.Fprintf(&b, "relayq_dispatch_attempts_total %d\n", m.dispatchAttemptsTotal.Load())

	m.outcomeMu.Lock()
	outcomes := make([]string, 0, len(m.outcomeTotals))
	for o := range m.outcomeTotals {
		outcomes = append(outcomes, o)
	}
	sort.Strings(outcomes)
	for _, o := range outcomes {
		fmt.Fprintf(&b, "relayq_dispatch_outcome_total{outcome=%q} %d\n", o, m.outcomeTotals[o])
	}
	depKeys := make([]string, 0, len(m.outcomeByDep))
	for k := range m.outcomeByDep {
		depKeys = append(depKeys, k)
	}
	sort.Strings(depKeys)
	for _, k := range depKeys {
		dep, outcome, _ := strings.Cut(k, "\x00")
		fmt.Fprintf(&b, "relayq_dependency_outcome_total{dependency=%q,outcome=%q} %d\n", dep, outcome, m.outcomeByDep[k])
	}
	m.outcomeMu.Unlock()

	if stats, ok := m.queueStats(); ok {
		queues := make([]string, 0, len(stats))
		for q := range stats {
			queues = append(queues, q)
		}
		sort.Strings(queues)
		for _, q := range queues {
			st := stats[q]
			fmt.Fprintf(&b, "relayq_queue_items{queue=%q,status=\"pending\"} %d\n", q, st.Pending)
			fmt.Fprintf(&b, "relayq_queue_items{queue=%q,status=\"processing\"} %d\n", q, st.Processing)
			fmt.Fprintf(&b, "relayq_queue_items{queue=%q,status=\"completed\"} %d\n", q, st.Completed)
			fmt.Fprintf(&b, "relayq_queue_items{queue=%q,status=\"failed\"} %d\n", q, st.Failed)
			fmt.Fprintf(&b, "relayq_queue_items{queue=%q,status=\"dead_letter\"} %d\n", q, st.DeadLetter)
			fmt.Fprintf(&b, "relayq_queue_index_depth{queue=%q} %d\n", q, st.IndexDepth)
			fmt.Fprintf(&b, "relayq_queue_avg_processing_seconds{queue=%q} %g\n", q, st.AvgProcessingSeconds)
			fmt.Fprintf(&b, "relayq_queue_success_rate{queue=%q} %g\n", q, st.SuccessRate)
		}
	}

	return b.String()
}
