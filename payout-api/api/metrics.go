package api

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// requestMetrics collects per-request timings and logs them as one entry.
type requestMetrics struct {
	logger           *log.Logger
	route            string
	start            time.Time
	authDuration     time.Duration
	dispatchDuration time.Duration
	attempts         int
	subject          string
	errorStage       string
}

func newRequestMetrics(logger *log.Logger, route string) *requestMetrics {
	return &requestMetrics{logger: logger, route: route, start: time.Now()}
}

func (m *requestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *requestMetrics) ObserveDispatch(d time.Duration, attempts int) {
	if d > 0 {
		m.dispatchDuration = d
	}
	m.attempts = attempts
}

func (m *requestMetrics) SetSubject(subject string) { m.subject = subject }

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

func (m *requestMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}
	fields := log.Fields{
		"route":    m.route,
		"status":   status,
		"total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.subject != "" {
		fields["subject"] = m.subject
	}
	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.dispatchDuration > 0 {
		fields["dispatch_ms"] = durationToMillis(m.dispatchDuration)
	}
	if m.attempts > 1 {
		fields["attempts"] = m.attempts
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Info("payouts.request.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
