// Package alert watches enforcement denials and raises abuse alerts when a
// subject is rate limited repeatedly. Alerts are advisory; they never affect
// the admit/deny decision.
package alert

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gateguard/gateguard/internal/metrics"
)

type Level string

const (
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

type Alert struct {
	SubjectID string
	Operation string
	Level     Level
	Denials   int
	Window    time.Duration
	Timestamp time.Time
}

type Handler func(alert Alert)

// Thresholds are denial counts within the observation window.
type Thresholds struct {
	Warning  int
	Critical int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  25,
		Critical: 100,
	}
}

// Monitor counts denials per subject+operation over a rolling window and
// fires each level at most once per window per subject, so a hammering
// client does not flood the alert channel.
type Monitor struct {
	mu         sync.Mutex
	thresholds Thresholds
	window     time.Duration
	handlers   []Handler
	counts     map[string]*denialWindow
	lastLevels map[string]Level
	nowFn      func() time.Time
}

type denialWindow struct {
	count     int
	startedAt time.Time
}

func NewMonitor(thresholds Thresholds, window time.Duration) *Monitor {
	if window <= 0 {
		window = time.Minute
	}
	return &Monitor{
		thresholds: thresholds,
		window:     window,
		handlers:   make([]Handler, 0),
		counts:     make(map[string]*denialWindow),
		lastLevels: make(map[string]Level),
		nowFn:      time.Now,
	}
}

func (m *Monitor) OnAlert(handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// RecordDenial counts one denial and fires an alert when a threshold is
// crossed for the first time in the current window.
func (m *Monitor) RecordDenial(subjectID, operation string) {
	now := m.nowFn()
	key := subjectID + ":" + operation

	m.mu.Lock()

	w, ok := m.counts[key]
	if !ok || now.Sub(w.startedAt) > m.window {
		w = &denialWindow{startedAt: now}
		m.counts[key] = w
		delete(m.lastLevels, key)
	}
	w.count++

	var level Level
	switch {
	case w.count >= m.thresholds.Critical:
		level = LevelCritical
	case w.count >= m.thresholds.Warning:
		level = LevelWarning
	default:
		m.mu.Unlock()
		return
	}

	if m.lastLevels[key] == level {
		m.mu.Unlock()
		return
	}
	m.lastLevels[key] = level

	alert := Alert{
		SubjectID: subjectID,
		Operation: operation,
		Level:     level,
		Denials:   w.count,
		Window:    m.window,
		Timestamp: now,
	}
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	metrics.RecordAlert(string(level))
	for _, handler := range handlers {
		handler(alert)
	}
}

func LogHandler(alert Alert) {
	slog.Warn("repeated rate limit denials",
		"subject_id", alert.SubjectID,
		"operation", alert.Operation,
		"level", alert.Level,
		"denials", alert.Denials,
		"window", alert.Window,
	)
}
