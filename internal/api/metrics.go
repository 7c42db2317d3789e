package api

import (
	"sync/atomic"
	"time"

	"github.com/7byte/fatiguemonitor/internal/fatigue"
)

// Metrics are process-wide counters served on /api/metrics.
type Metrics struct {
	analyses       atomic.Int64
	failures       atomic.Int64
	noFace         atomic.Int64
	frames         atomic.Int64
	totalLatencyMS atomic.Int64
	activeSessions atomic.Int32
	wsClients      atomic.Int32
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordResult counts one finished analysis.
func (m *Metrics) RecordResult(res fatigue.AnalysisResult) {
	m.analyses.Add(1)
	m.frames.Add(int64(res.FramesAnalyzed))
	m.totalLatencyMS.Add(res.ProcessingTime.Milliseconds())
	switch res.ErrorKind {
	case fatigue.KindNone:
	case fatigue.KindNoFace:
		m.noFace.Add(1)
	default:
		m.failures.Add(1)
	}
}

func (m *Metrics) sessionStarted() { m.activeSessions.Add(1) }
func (m *Metrics) sessionDone()    { m.activeSessions.Add(-1) }

func (m *Metrics) GetAvgLatency() time.Duration {
	n := m.analyses.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(m.totalLatencyMS.Load()/n) * time.Millisecond
}

type MetricsSnapshot struct {
	Analyses        int64   `json:"analyses"`
	Failures        int64   `json:"failures"`
	NoFace          int64   `json:"no_face"`
	FramesProcessed int64   `json:"frames_processed"`
	AvgLatencyMS    float64 `json:"avg_latency_ms"`
	ActiveSessions  int     `json:"active_sessions"`
	WSClients       int     `json:"ws_clients"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Analyses:        m.analyses.Load(),
		Failures:        m.failures.Load(),
		NoFace:          m.noFace.Load(),
		FramesProcessed: m.frames.Load(),
		AvgLatencyMS:    float64(m.GetAvgLatency().Milliseconds()),
		ActiveSessions:  int(m.activeSessions.Load()),
		WSClients:       int(m.wsClients.Load()),
	}
}
