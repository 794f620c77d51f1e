package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/clinicguard/pkg/observability"
)

// DefaultSchedule runs the engine daily at 02:30 UTC
const DefaultSchedule = "30 2 * * *"

// Runner is the work a Scheduler triggers
type Runner interface {
	Run(ctx context.Context) (RunSummary, error)
}

// Scheduler triggers Runner on a cron schedule. Overlapping runs are skipped.
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	logger  *observability.Logger
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler parses schedule (five-field cron syntax) and prepares runner.
// timeout bounds one run; zero means no bound.
func NewScheduler(runner Runner, schedule string, timeout time.Duration, logger *observability.Logger) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	logger = observability.OrDefault(logger)
	cl := cronLogger{logger: logger}

	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner:  runner,
		logger:  logger,
		timeout: timeout,
	}
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins scheduling; runs derive their context from ctx
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	for _, entry := range s.cron.Entries() {
		s.logger.WithField("next_run", entry.Next.Format(time.RFC3339)).Info("retention scheduler started")
	}
}

// Stop cancels the running pass, if any, and waits for it to return
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
}

func (s *Scheduler) tick() {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	summary, err := s.runner.Run(ctx)
	if err != nil {
		s.logger.WithError(err).WithField("destroyed", summary.Destroyed).Error("retention run finished with errors")
	}
}

// cronLogger adapts the structured logger to cron's logging interface
type cronLogger struct {
	logger *observability.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(pairs(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(pairs(keysAndValues)).Error("cron: " + msg)
}

func pairs(kv []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}
