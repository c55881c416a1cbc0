package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike     AlertType = "login_failure_spike"
	AlertTwoFactorFailureSpike AlertType = "2fa_failure_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// slidingCounter counts events inside a trailing window and fires once the
// threshold is reached.
type slidingCounter struct {
	times     []time.Time
	window    time.Duration
	threshold int
}

func (c *slidingCounter) add(now time.Time) (int, bool) {
	c.times = append(c.times, now)
	c.times = trimWindow(c.times, now, c.window)
	n := len(c.times)
	if n < c.threshold {
		return n, false
	}
	// Reset to avoid repeated alerts within the same spike.
	c.times = c.times[:0]
	return n, true
}

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	loginFailures     slidingCounter
	twoFactorFailures slidingCounter

	alertFn AlertFunc
}

const (
	defaultLoginFailureWindow        = 1 * time.Minute
	defaultLoginFailureThreshold     = 50
	defaultTwoFactorFailureWindow    = 5 * time.Minute
	defaultTwoFactorFailureThreshold = 20
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		loginFailures: slidingCounter{
			window:    defaultLoginFailureWindow,
			threshold: defaultLoginFailureThreshold,
		},
		twoFactorFailures: slidingCounter{
			window:    defaultTwoFactorFailureWindow,
			threshold: defaultTwoFactorFailureThreshold,
		},
		alertFn: alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditLoginFailure:
		m.record(&m.loginFailures, AlertLoginFailureSpike, "login failure rate exceeds threshold")
	case AuditTwoFactorFailure:
		m.record(&m.twoFactorFailures, AlertTwoFactorFailureSpike, "two-factor failure rate exceeds threshold")
	}
}

func (m *metricsCollector) record(c *slidingCounter, typ AlertType, msg string) {
	m.mu.Lock()
	now := time.Now()
	count, fire := c.add(now)
	threshold := c.threshold
	m.mu.Unlock()

	if fire {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     count,
			Threshold: threshold,
			Timestamp: now,
		})
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
