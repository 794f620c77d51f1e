package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/clinicguard/pkg/access"
	"github.com/platinummonkey/clinicguard/pkg/async"
	"github.com/platinummonkey/clinicguard/pkg/observability"
	"github.com/platinummonkey/clinicguard/pkg/tenancy"
)

// Config tunes the recorder pipeline
type Config struct {
	QueueCapacity     int
	FlushWorkers      int
	BatchSize         int
	FlushInterval     time.Duration
	FlushTimeout      time.Duration
	RetryInitial      time.Duration
	RetryMaxElapsed   time.Duration
	ReconcileInterval time.Duration
	DedupeSize        int
	DedupeTTL         time.Duration
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		QueueCapacity:     1024,
		FlushWorkers:      2,
		BatchSize:         100,
		FlushInterval:     200 * time.Millisecond,
		FlushTimeout:      10 * time.Second,
		RetryInitial:      100 * time.Millisecond,
		RetryMaxElapsed:   30 * time.Second,
		ReconcileInterval: 30 * time.Second,
		DedupeSize:        8192,
		DedupeTTL:         10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.FlushWorkers <= 0 {
		c.FlushWorkers = d.FlushWorkers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = d.FlushTimeout
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = d.RetryInitial
	}
	if c.RetryMaxElapsed <= 0 {
		c.RetryMaxElapsed = d.RetryMaxElapsed
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = d.ReconcileInterval
	}
	if c.DedupeSize <= 0 {
		c.DedupeSize = d.DedupeSize
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = d.DedupeTTL
	}
	return c
}

// Option configures a Recorder
type Option func(*Recorder)

// WithJournal sets the write-ahead journal (default: in memory)
func WithJournal(j Journal) Option {
	return func(r *Recorder) { r.journal = j }
}

// WithAlerter sets the operational alerter
func WithAlerter(a Alerter) Option {
	return func(r *Recorder) { r.alerter = a }
}

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// Recorder accepts audit events without blocking the caller on the store.
// Each entry is journaled before Record returns, then flushed in batches by
// a worker pool with bounded retry. Entries that cannot be flushed stay in
// the journal and are re-offered by the reconcile loop.
type Recorder struct {
	cfg     Config
	store   Store
	journal Journal
	alerter Alerter
	logger  *observability.Logger
	metrics *observability.Metrics
	clock   *clock

	queue    chan Entry
	mu       sync.Mutex
	inflight map[string]struct{}
	flushed  *expirable.LRU[string, struct{}]

	pool          *async.WorkerPool
	stop          chan struct{}
	collectorDone chan struct{}
	started       bool
	closed        bool
	closeOnce     sync.Once
}

// NewRecorder creates a recorder writing to store. Call Start to begin
// flushing and Close to drain.
func NewRecorder(store Store, cfg Config, opts ...Option) *Recorder {
	cfg = cfg.withDefaults()
	r := &Recorder{
		cfg:      cfg,
		store:    store,
		clock:    newClock(time.Now),
		queue:    make(chan Entry, cfg.QueueCapacity),
		inflight: make(map[string]struct{}),
		flushed:  expirable.NewLRU[string, struct{}](cfg.DedupeSize, nil, cfg.DedupeTTL),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = observability.OrDefault(r.logger).WithField("component", "audit")
	if r.journal == nil {
		r.journal = NewMemoryJournal()
	}
	if r.alerter == nil {
		r.alerter = NewLogAlerter(r.logger, r.metrics, time.Minute, 1)
	}
	return r
}

// Start replays the journal and starts the flush and reconcile loops
func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.collectorDone = make(chan struct{})
	r.mu.Unlock()

	r.pool = async.NewWorkerPool(ctx, r.cfg.FlushWorkers, "audit flush",
		r.cfg.RetryMaxElapsed+r.cfg.FlushTimeout,
		async.WithLogger(r.logger), async.WithQueueSize(r.cfg.FlushWorkers*2))

	if n := r.reconcile(); n > 0 {
		r.logger.WithField("entries", n).Info("replayed unacknowledged audit entries from journal")
	}

	go r.collect(ctx)
	go r.reconcileLoop(ctx)
}

// Record accepts an event for the caller described by ac. It never fails
// and never returns an error to the business operation.
func (r *Recorder) Record(ctx context.Context, ac *access.Context, spec EventSpec) {
	r.submit(ctx, r.build(ac, spec))
}

// RecordSystem records an event whose actor is the platform itself
func (r *Recorder) RecordSystem(ctx context.Context, spec EventSpec) {
	r.submit(ctx, r.build(nil, spec))
}

// RecordEntry records an event and returns the entry as accepted, for
// callers that must reference the event id (destruction certificates).
func (r *Recorder) RecordEntry(ctx context.Context, ac *access.Context, spec EventSpec) Entry {
	e := r.build(ac, spec)
	r.submit(ctx, e)
	return e
}

// Prepare builds an entry without recording it, so its id can be
// referenced before the event is final. Submit records it.
func (r *Recorder) Prepare(ac *access.Context, spec EventSpec) Entry {
	return r.build(ac, spec)
}

// Submit records an entry returned by Prepare
func (r *Recorder) Submit(ctx context.Context, e Entry) {
	r.submit(ctx, e)
}

// RecordDenial implements access.DenialRecorder
func (r *Recorder) RecordDenial(ctx context.Context, ac *access.Context, d access.Denial) {
	if r.metrics != nil {
		r.metrics.PermissionDenialsTotal.WithLabelValues(d.Permission.String()).Inc()
	}
	r.Record(ctx, ac, EventSpec{
		Action:        ActionPermissionDenied,
		Category:      CategorySecurity,
		Severity:      SeverityWarning,
		Target:        Target{Type: d.Resource, ID: d.ResourceID},
		Sensitivity:   NotProtected(),
		Outcome:       OutcomeDenied,
		OutcomeReason: "missing " + d.Permission.String(),
		Metadata:      map[string]string{"permission": d.Permission.String()},
	})
}

// RecordScopeViolation implements tenancy.ViolationRecorder
func (r *Recorder) RecordScopeViolation(ctx context.Context, ac *access.Context, v *tenancy.ViolationError) {
	r.Record(ctx, ac, EventSpec{
		Action:        ActionScopeViolation,
		Category:      CategorySecurity,
		Severity:      SeverityCritical,
		Target:        Target{Type: v.Class},
		Sensitivity:   NotProtected(),
		Outcome:       OutcomeDenied,
		OutcomeReason: v.Reason,
		Metadata: map[string]string{
			"operation":         string(v.Operation),
			"active_tenant":     v.ActiveTenant,
			"requested_tenants": strings.Join(v.RequestedTenants, ","),
		},
	})
}

// RecordCrossTenantAccess implements tenancy.ViolationRecorder
func (r *Recorder) RecordCrossTenantAccess(ctx context.Context, ac *access.Context, class string) {
	r.Record(ctx, ac, EventSpec{
		Action:      ActionCrossTenantRead,
		Category:    CategorySecurity,
		Severity:    SeverityWarning,
		Target:      Target{Type: class},
		Sensitivity: NotProtected(),
		Outcome:     OutcomeSuccess,
	})
}

// RecordBypassAttempt implements tenancy.ViolationRecorder
func (r *Recorder) RecordBypassAttempt(ctx context.Context, ac *access.Context, class, forgedTenant string) {
	r.Record(ctx, ac, EventSpec{
		Action:        ActionBypassAttempt,
		Category:      CategorySecurity,
		Severity:      SeverityCritical,
		Target:        Target{Type: class},
		Sensitivity:   NotProtected(),
		Outcome:       OutcomeDenied,
		OutcomeReason: "caller supplied a foreign tenant id on create",
		Metadata: map[string]string{
			"active_tenant": ac.ActiveTenant(),
			"forged_tenant": forgedTenant,
		},
	})
}

func (r *Recorder) build(ac *access.Context, spec EventSpec) Entry {
	ts, id := r.clock.next()
	e := Entry{
		EventID:         id,
		Timestamp:       ts,
		ActorType:       ActorSystem,
		ActorID:         SystemActorID,
		Action:          spec.Action,
		Category:        spec.Category,
		Severity:        spec.Severity,
		Target:          spec.Target,
		TenantID:        spec.TenantID,
		Outcome:         spec.Outcome,
		OutcomeReason:   spec.OutcomeReason,
		Before:          cloneMap(spec.Before),
		After:           cloneMap(spec.After),
		RefersTo:        spec.RefersTo,
		RetentionExempt: spec.RetentionExempt,
		Metadata:        make(map[string]string, len(spec.Metadata)+4),
	}
	for k, v := range spec.Metadata {
		e.Metadata[k] = v
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if e.Category == "" {
		e.Category = CategoryAccess
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}

	if ac != nil {
		e.ActorType = ActorUser
		e.ActorID = ac.UserID()
		if e.TenantID == "" {
			e.TenantID = ac.ActiveTenant()
		}
		meta := ac.Meta()
		setIf(e.Metadata, "request_id", meta.RequestID)
		setIf(e.Metadata, "ip_address", meta.IPAddress)
		setIf(e.Metadata, "user_agent", meta.UserAgent)
		setIf(e.Metadata, "session_id", ac.SessionID())
	}

	switch {
	case !spec.Sensitivity.declared:
		// Undeclared is treated as protected
		e.ProtectedData = true
		e.Metadata["sensitivity"] = "undeclared"
		r.logger.WithField("action", spec.Action).Warn("audit event recorded without a protected-data declaration")
	case spec.Sensitivity.protected:
		e.ProtectedData = true
		e.ProtectedCategories = append([]string(nil), spec.Sensitivity.categories...)
	}
	if len(e.Metadata) == 0 {
		e.Metadata = nil
	}
	return e
}

func setIf(m map[string]string, k, v string) {
	if v != "" {
		m[k] = v
	}
}

// submit journals e and offers it to the flush queue
func (r *Recorder) submit(ctx context.Context, e Entry) {
	if r.metrics != nil {
		r.metrics.AuditRecordedTotal.WithLabelValues(string(e.Severity)).Inc()
	}

	if err := r.journal.Append(e); err != nil {
		if r.metrics != nil {
			r.metrics.AuditJournalErrorsTotal.Inc()
		}
		r.logger.WithError(err).WithField("event_id", e.EventID).Error("audit journal append failed")
		r.alerter.Alert(ctx, AlertJournalFailure, err, 1)
		// Without a journal record the queue is the only copy, so a full
		// queue or a closed recorder falls back to a direct write.
		if r.isClosed() || !r.offer(e) {
			r.writeThrough(ctx, e)
		}
		return
	}

	if !r.offer(e) {
		if r.metrics != nil {
			r.metrics.AuditQueueOverflowTotal.Inc()
		}
		r.logger.WithField("event_id", e.EventID).Warn("audit queue full, entry left in journal for reconcile")
	}
}

func (r *Recorder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Recorder) writeThrough(ctx context.Context, e Entry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.FlushTimeout)
	defer cancel()
	if err := r.store.Append(ctx, e); err != nil {
		r.alerter.Alert(ctx, AlertFlushExhausted, fmt.Errorf("%w: %v", ErrAuditWriteFailure, err), 1)
		return
	}
	r.flushed.Add(e.EventID, struct{}{})
}

// offer enqueues e without blocking
func (r *Recorder) offer(e Entry) bool {
	r.mu.Lock()
	if _, ok := r.inflight[e.EventID]; ok {
		r.mu.Unlock()
		return true
	}
	r.inflight[e.EventID] = struct{}{}
	r.mu.Unlock()

	select {
	case r.queue <- e:
		if r.metrics != nil {
			r.metrics.AuditQueueDepth.Set(float64(len(r.queue)))
		}
		return true
	default:
		r.release(e.EventID)
		return false
	}
}

func (r *Recorder) release(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.inflight, id)
	}
}

func (r *Recorder) isInflight(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inflight[id]
	return ok
}

func (r *Recorder) collect(ctx context.Context) {
	defer close(r.collectorDone)
	defer observability.RecoverPanic(r.logger, "audit collector")

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, r.cfg.BatchSize)
	dispatch := func() {
		if len(batch) == 0 {
			return
		}
		b := batch
		batch = make([]Entry, 0, r.cfg.BatchSize)
		if r.metrics != nil {
			r.metrics.AuditQueueDepth.Set(float64(len(r.queue)))
		}
		if err := r.pool.Submit(func(ctx context.Context) error { return r.flush(ctx, b) }); err != nil {
			r.release(eventIDs(b)...)
		}
	}

	for {
		select {
		case e := <-r.queue:
			batch = append(batch, e)
			if len(batch) >= r.cfg.BatchSize {
				dispatch()
			}
		case <-ticker.C:
			dispatch()
		case <-r.stop:
			for {
				select {
				case e := <-r.queue:
					batch = append(batch, e)
					if len(batch) >= r.cfg.BatchSize {
						dispatch()
					}
				default:
					dispatch()
					return
				}
			}
		case <-ctx.Done():
			r.release(eventIDs(batch)...)
			return
		}
	}
}

// flush appends a batch with bounded exponential backoff. On exhaustion
// the alerter is raised and the entries remain pending in the journal.
func (r *Recorder) flush(ctx context.Context, batch []Entry) error {
	ids := eventIDs(batch)
	defer r.release(ids...)
	start := time.Now()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryInitial
	b.MaxElapsedTime = r.cfg.RetryMaxElapsed

	err := backoff.Retry(func() error {
		return r.store.Append(ctx, batch...)
	}, backoff.WithContext(b, ctx))

	if r.metrics != nil {
		r.metrics.AuditFlushDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if r.metrics != nil {
			r.metrics.AuditFlushFailuresTotal.Inc()
		}
		werr := fmt.Errorf("%w: %v", ErrAuditWriteFailure, err)
		r.alerter.Alert(ctx, AlertFlushExhausted, werr, len(batch))
		return werr
	}

	for _, id := range ids {
		r.flushed.Add(id, struct{}{})
	}
	if err := r.journal.Ack(ids...); err != nil {
		// Entries are stored; a lost ack only causes an idempotent re-append
		r.logger.WithError(err).Warn("failed to acknowledge audit entries in journal")
	}
	if r.metrics != nil {
		r.metrics.AuditFlushedTotal.Add(float64(len(batch)))
	}
	return nil
}

func (r *Recorder) reconcileLoop(ctx context.Context) {
	defer observability.RecoverPanic(r.logger, "audit reconcile")
	ticker := time.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := r.reconcile(); n > 0 {
				r.logger.WithField("entries", n).Info("re-offered unacknowledged audit entries")
			}
			if err := r.journal.Compact(); err != nil {
				r.logger.WithError(err).Warn("audit journal compaction failed")
			}
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// reconcile re-offers journal entries that are neither queued nor flushed
func (r *Recorder) reconcile() int {
	pending, err := r.journal.Pending()
	if err != nil {
		r.logger.WithError(err).Error("failed to read audit journal")
		return 0
	}

	var acked []string
	offered := 0
	for _, e := range pending {
		if r.isInflight(e.EventID) {
			continue
		}
		if r.flushed.Contains(e.EventID) {
			acked = append(acked, e.EventID)
			continue
		}
		if !r.offer(e) {
			break
		}
		offered++
	}
	if len(acked) > 0 {
		if err := r.journal.Ack(acked...); err != nil {
			r.logger.WithError(err).Warn("failed to acknowledge audit entries in journal")
		}
	}
	if offered > 0 && r.metrics != nil {
		r.metrics.AuditReplayedTotal.Add(float64(offered))
	}
	return offered
}

// Sync flushes every pending entry before returning, or returns the store
// error or ctx's error. Used at shutdown and by batch jobs.
func (r *Recorder) Sync(ctx context.Context) error {
	for {
		// Take what the collector has not picked up yet
		var batch []Entry
	drain:
		for {
			select {
			case e := <-r.queue:
				batch = append(batch, e)
			default:
				break drain
			}
		}

		pending, err := r.journal.Pending()
		if err != nil {
			return err
		}
		waiting := false
		seen := make(map[string]struct{}, len(batch))
		for _, e := range batch {
			seen[e.EventID] = struct{}{}
		}
		for _, e := range pending {
			if _, ok := seen[e.EventID]; ok {
				continue
			}
			if r.isInflight(e.EventID) {
				waiting = true
				continue
			}
			r.mu.Lock()
			r.inflight[e.EventID] = struct{}{}
			r.mu.Unlock()
			batch = append(batch, e)
		}

		if len(batch) > 0 {
			if err := r.flush(ctx, batch); err != nil {
				return err
			}
			continue
		}
		if !waiting {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Close drains the queue, waits for in-flight flushes, compacts and closes
// the journal. Entries that could not be stored remain in the journal.
func (r *Recorder) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stop)

		r.mu.Lock()
		started := r.started
		r.closed = true
		r.mu.Unlock()

		if started {
			select {
			case <-r.collectorDone:
			case <-ctx.Done():
			}
			timeout := r.cfg.RetryMaxElapsed + r.cfg.FlushTimeout
			if deadline, ok := ctx.Deadline(); ok {
				timeout = time.Until(deadline)
			}
			if perr := r.pool.Shutdown(timeout); perr != nil {
				err = perr
			}
		}

		if cerr := r.journal.Compact(); cerr != nil {
			r.logger.WithError(cerr).Warn("audit journal compaction failed")
		}
		if cerr := r.journal.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

func eventIDs(entries []Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.EventID
	}
	return ids
}
