package tools

import (
	"sync"
	"time"
)

// Metrics tracks per-tool invocation counters for the tooling/metrics
// resource.
type Metrics struct {
	mu      sync.Mutex
	started time.Time
	perTool map[string]*toolStats
}

type toolStats struct {
	calls  int64
	errors int64
	total  time.Duration
	lastTS time.Time
}

// NewMetrics builds an empty counter set.
func NewMetrics() *Metrics {
	return &Metrics{started: time.Now().UTC(), perTool: make(map[string]*toolStats)}
}

// Record accounts one invocation.
func (m *Metrics) Record(tool string, latency time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.perTool[tool]
	if !ok {
		st = &toolStats{}
		m.perTool[tool] = st
	}
	st.calls++
	if failed {
		st.errors++
	}
	st.total += latency
	st.lastTS = time.Now().UTC()
}

// ToolMetrics is the exported view of one tool's counters.
type ToolMetrics struct {
	Calls        int64      `json:"calls"`
	Errors       int64      `json:"errors"`
	AvgLatencyMS float64    `json:"avg_latency_ms"`
	LastCallTS   *time.Time `json:"last_call_ts,omitempty"`
}

// Snapshot is the full metrics payload.
type Snapshot struct {
	UptimeSeconds float64                `json:"uptime_seconds"`
	Tools         map[string]ToolMetrics `json:"tools"`
}

// Snapshot copies the counters out under the lock.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := Snapshot{
		UptimeSeconds: time.Since(m.started).Seconds(),
		Tools:         make(map[string]ToolMetrics, len(m.perTool)),
	}
	for name, st := range m.perTool {
		tm := ToolMetrics{Calls: st.calls, Errors: st.errors}
		if st.calls > 0 {
			tm.AvgLatencyMS = float64(st.total.Microseconds()) / float64(st.calls) / 1000
		}
		if !st.lastTS.IsZero() {
			ts := st.lastTS
			tm.LastCallTS = &ts
		}
		out.Tools[name] = tm
	}
	return out
}
