package services

import (
	"sync"
	"sync/atomic"
	"time"
)

type Metrics struct {
	ticks         atomic.Int64
	ticksSkipped  atomic.Int64
	framesSent    atomic.Int64
	framesDropped atomic.Int64
	sendLatency   atomic.Int64
	lastFrameTime atomic.Int64

	results   atomic.Int64
	malformed atomic.Int64
	alerts    atomic.Int64
	alarmErrs atomic.Int64

	sessionsStarted    atomic.Int64
	sessionsTerminated atomic.Int64
	connectionsLost    atomic.Int64
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

func NewMetrics() *Metrics {
	return &Metrics{}
}

func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = NewMetrics()
	})
	return metricsInstance
}

func (m *Metrics) IncrementTicks() {
	m.ticks.Add(1)
}

func (m *Metrics) IncrementSkipped() {
	m.ticksSkipped.Add(1)
}

func (m *Metrics) IncrementFramesSent(latency time.Duration) {
	m.framesSent.Add(1)
	m.sendLatency.Add(latency.Microseconds())
	m.lastFrameTime.Store(time.Now().Unix())
}

func (m *Metrics) IncrementDropped() {
	m.framesDropped.Add(1)
}

func (m *Metrics) IncrementResults() {
	m.results.Add(1)
}

func (m *Metrics) IncrementMalformed() {
	m.malformed.Add(1)
}

func (m *Metrics) IncrementAlerts() {
	m.alerts.Add(1)
}

func (m *Metrics) IncrementAlarmErrors() {
	m.alarmErrs.Add(1)
}

func (m *Metrics) IncrementSessionsStarted() {
	m.sessionsStarted.Add(1)
}

func (m *Metrics) IncrementSessionsTerminated() {
	m.sessionsTerminated.Add(1)
}

func (m *Metrics) IncrementConnectionsLost() {
	m.connectionsLost.Add(1)
}

func (m *Metrics) GetFramesSent() int64 {
	return m.framesSent.Load()
}

func (m *Metrics) GetSkipped() int64 {
	return m.ticksSkipped.Load()
}

func (m *Metrics) GetDropped() int64 {
	return m.framesDropped.Load()
}

func (m *Metrics) GetMalformed() int64 {
	return m.malformed.Load()
}

func (m *Metrics) GetAlerts() int64 {
	return m.alerts.Load()
}

func (m *Metrics) GetAlarmErrors() int64 {
	return m.alarmErrs.Load()
}

// GetAvgSendLatency returns the mean encode+send time in milliseconds.
func (m *Metrics) GetAvgSendLatency() float64 {
	frames := m.framesSent.Load()
	if frames == 0 {
		return 0
	}
	return float64(m.sendLatency.Load()) / float64(frames) / 1000
}

func (m *Metrics) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"ticks_total":               m.ticks.Load(),
		"ticks_skipped_total":       m.ticksSkipped.Load(),
		"frames_sent_total":         m.framesSent.Load(),
		"frames_dropped_total":      m.framesDropped.Load(),
		"avg_send_latency_ms":       m.GetAvgSendLatency(),
		"last_frame_unix":           m.lastFrameTime.Load(),
		"results_total":             m.results.Load(),
		"malformed_messages_total":  m.malformed.Load(),
		"alerts_total":              m.alerts.Load(),
		"alarm_errors_total":        m.alarmErrs.Load(),
		"sessions_started_total":    m.sessionsStarted.Load(),
		"sessions_terminated_total": m.sessionsTerminated.Load(),
		"connections_lost_total":    m.connectionsLost.Load(),
	}
}
