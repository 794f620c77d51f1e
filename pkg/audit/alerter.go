package audit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/platinummonkey/clinicguard/pkg/observability"
)

// Alert reasons
const (
	AlertFlushExhausted = "flush_exhausted"
	AlertJournalFailure = "journal_failure"
)

// Alerter escalates audit pipeline failures to operators
type Alerter interface {
	Alert(ctx context.Context, reason string, err error, entries int)
}

// LogAlerter raises alerts as ERROR logs and a metric, throttled so a
// sustained outage produces a steady trickle rather than a flood.
type LogAlerter struct {
	logger  *observability.Logger
	metrics *observability.Metrics
	limiter *rate.Limiter

	mu         sync.Mutex
	suppressed int
}

// NewLogAlerter allows one alert per interval with the given burst
func NewLogAlerter(logger *observability.Logger, metrics *observability.Metrics, interval time.Duration, burst int) *LogAlerter {
	if interval <= 0 {
		interval = time.Minute
	}
	if burst <= 0 {
		burst = 1
	}
	return &LogAlerter{
		logger:  observability.OrDefault(logger),
		metrics: metrics,
		limiter: rate.NewLimiter(rate.Every(interval), burst),
	}
}

// Alert logs the failure unless throttled. Throttled alerts are counted and
// reported with the next one that gets through.
func (a *LogAlerter) Alert(ctx context.Context, reason string, err error, entries int) {
	if a.metrics != nil {
		a.metrics.AuditAlertsTotal.WithLabelValues(reason).Inc()
	}

	a.mu.Lock()
	if !a.limiter.Allow() {
		a.suppressed++
		a.mu.Unlock()
		return
	}
	suppressed := a.suppressed
	a.suppressed = 0
	a.mu.Unlock()

	a.logger.WithError(err).WithFields(map[string]interface{}{
		"alert":      reason,
		"entries":    entries,
		"suppressed": suppressed,
	}).Error("audit pipeline alert")
}

// Suppressed returns the number of alerts throttled since the last one logged
func (a *LogAlerter) Suppressed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.suppressed
}
