package scheduler

import (
	"sync"
	"time"
)

// maxConsecutiveFailures is the number of failed runs in a row after which
// a job is reported unhealthy.
const maxConsecutiveFailures = 3

// JobMonitor tracks one job's run history for health checks.
type JobMonitor struct {
	mu                sync.RWMutex
	cadence           time.Duration
	now               func() time.Time
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
}

// NewJobMonitor creates a monitor for a job that runs every cadence.
func NewJobMonitor(cadence time.Duration) *JobMonitor {
	return &JobMonitor{cadence: cadence, now: time.Now}
}

// RecordSuccess records a successful run.
func (m *JobMonitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.lastSuccess = now
	m.lastAttempt = now
	m.consecutiveErrors = 0
	m.lastError = ""
}

// RecordFailure records a failed run.
func (m *JobMonitor) RecordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAttempt = m.now()
	m.consecutiveErrors++
	if err != nil {
		m.lastError = err.Error()
	}
}

// IsHealthy reports whether the job is keeping up. A job is unhealthy when
// it has failed more than three times in a row, or when it has run before
// but not succeeded within two cadences. A job that has never run is
// healthy; long cadences mean a fresh process may not have reached its
// first tick.
func (m *JobMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthyLocked()
}

func (m *JobMonitor) healthyLocked() bool {
	if m.consecutiveErrors > maxConsecutiveFailures {
		return false
	}
	if m.lastAttempt.IsZero() {
		return true
	}
	if m.lastSuccess.IsZero() {
		return m.consecutiveErrors == 0
	}
	if m.cadence > 0 && m.now().Sub(m.lastSuccess) > 2*m.cadence {
		return false
	}
	return true
}

// JobHealth is a job's health snapshot.
type JobHealth struct {
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Health returns the current snapshot.
func (m *JobMonitor) Health() JobHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h := JobHealth{Healthy: m.healthyLocked()}
	if !m.lastSuccess.IsZero() {
		h.LastSuccess = m.lastSuccess.Format(time.RFC3339)
		h.TimeSinceSuccess = m.now().Sub(m.lastSuccess).Round(time.Second).String()
	}
	if !m.lastAttempt.IsZero() {
		h.LastAttempt = m.lastAttempt.Format(time.RFC3339)
	}
	if m.consecutiveErrors > 0 {
		h.ConsecutiveErrors = m.consecutiveErrors
		h.LastError = m.lastError
	}
	return h
}
