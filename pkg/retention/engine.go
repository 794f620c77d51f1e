package retention

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/clinicguard/pkg/access"
	"github.com/platinummonkey/clinicguard/pkg/async"
	"github.com/platinummonkey/clinicguard/pkg/audit"
	"github.com/platinummonkey/clinicguard/pkg/observability"
	"github.com/platinummonkey/clinicguard/pkg/rbac"
	"github.com/platinummonkey/clinicguard/pkg/tenancy"
)

// Audit action codes written by the engine
const (
	EventArchived             = "retention.archived"
	EventDestructionScheduled = "retention.destruction_scheduled"
	EventDestructionApproved  = "retention.destruction_approved"
	EventDestructionDeferred  = "retention.destruction_deferred"
	EventDestructionCancelled = "retention.destruction_cancelled"
	EventDestroyed            = "retention.destroyed"
	EventHoldCreated          = "retention.legal_hold_created"
	EventHoldReleased         = "retention.legal_hold_released"
	EventHoldExpired          = "retention.legal_hold_expired"
	EventPolicyCreated        = "retention.policy_created"
	EventPolicyUpdated        = "retention.policy_updated"
	EventPolicyDeleted        = "retention.policy_deleted"
)

const targetRecordSet = "record_set"

var validate = validator.New()

// Options configures an Engine
type Options struct {
	// Archiver receives exported sets on ARCHIVED. Nil records the
	// transition without an upload.
	Archiver Archiver
	// DeferInterval is how long a held destruction waits before the next attempt
	DeferInterval time.Duration
	Workers       int
	TaskTimeout   time.Duration
	Logger        *observability.Logger
	Metrics       *observability.Metrics
	Now           func() time.Time
}

// Engine walks record sets through their retention lifecycle
type Engine struct {
	store    Store
	locker   Locker
	recorder *audit.Recorder
	authz    *access.Authorizer
	archiver Archiver

	mu      sync.RWMutex
	sources map[string]Source

	deferInterval time.Duration
	workers       int
	taskTimeout   time.Duration
	logger        *observability.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

// NewEngine creates an engine. recorder receives every transition.
func NewEngine(store Store, locker Locker, recorder *audit.Recorder, authz *access.Authorizer, opts Options) *Engine {
	if opts.DeferInterval <= 0 {
		opts.DeferInterval = time.Hour
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	if authz == nil {
		authz = access.NewAuthorizer(recorder, opts.Logger)
	}
	return &Engine{
		store:         store,
		locker:        locker,
		recorder:      recorder,
		authz:         authz,
		archiver:      opts.Archiver,
		sources:       make(map[string]Source),
		deferInterval: opts.DeferInterval,
		workers:       opts.Workers,
		taskTimeout:   opts.TaskTimeout,
		logger:        observability.OrDefault(opts.Logger),
		metrics:       opts.Metrics,
		now:           opts.Now,
	}
}

// RegisterSource makes a record class governable
func (e *Engine) RegisterSource(src Source) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources[src.RecordClass()] = src
}

func (e *Engine) source(class string) (Source, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	src, ok := e.sources[class]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSource, class)
	}
	return src, nil
}

func (e *Engine) registered() []Source {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Source, 0, len(e.sources))
	for _, s := range e.sources {
		out = append(out, s)
	}
	return out
}

// RunSummary counts what one evaluation pass did
type RunSummary struct {
	Discovered int `json:"discovered"`
	Archived   int `json:"archived"`
	Scheduled  int `json:"scheduled"`
	Frozen     int `json:"frozen"`
	Destroyed  int `json:"destroyed"`
	Deferred   int `json:"deferred"`
	Skipped    int `json:"skipped"`
}

type runState struct {
	mu      sync.Mutex
	summary RunSummary
}

func (r *runState) add(fn func(*RunSummary)) {
	r.mu.Lock()
	fn(&r.summary)
	r.mu.Unlock()
}

// errFrozen marks a transition refused by a hold found inside the tenant lock
var errFrozen = errors.New("record set frozen by legal hold")

// Run performs one evaluation pass. Held destructions are counted, not
// returned as errors.
func (e *Engine) Run(ctx context.Context) (RunSummary, error) {
	start := e.now()
	ctx, span := observability.Tracer().Start(ctx, "Retention.Run")
	defer span.End()

	var (
		state runState
		errs  []error
	)

	for _, src := range e.registered() {
		n, err := e.syncSource(ctx, src, start)
		if err != nil {
			errs = append(errs, err)
		}
		state.add(func(s *RunSummary) { s.Discovered += n })
	}

	holds, err := e.activeHolds(ctx, "", start)
	if err != nil {
		errs = append(errs, err)
		// Without the hold list nothing may transition
		return state.summary, errors.Join(errs...)
	}

	policies, err := e.store.ListPolicies(ctx)
	if err != nil {
		return state.summary, errors.Join(append(errs, fmt.Errorf("failed to list retention policies: %w", err))...)
	}

	for _, p := range policies {
		p := p
		sets, err := e.store.ListRecordSets(ctx, RecordSetFilter{
			RecordClass: p.RecordClass,
			States:      []State{StateActive, StateArchived},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list %s record sets: %w", p.RecordClass, err))
			continue
		}
		errs = append(errs, async.Batch(ctx, sets, e.workers, "retention evaluate", e.taskTimeout,
			func(ctx context.Context, set RecordSet) error {
				return e.evaluate(ctx, p, set, holds, start, &state)
			})...)
	}

	errs = append(errs, e.executeDue(ctx, start, &state)...)

	summary := state.summary
	if e.metrics != nil {
		e.metrics.RetentionRunDuration.Observe(time.Since(start).Seconds())
		e.metrics.RetentionFrozenSets.Set(float64(summary.Frozen))
	}
	e.logger.WithFields(map[string]interface{}{
		"discovered": summary.Discovered,
		"archived":   summary.Archived,
		"scheduled":  summary.Scheduled,
		"frozen":     summary.Frozen,
		"destroyed":  summary.Destroyed,
		"deferred":   summary.Deferred,
		"errors":     len(errs),
	}).Info("retention run complete")

	err = errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "retention run had failures")
	}
	return summary, err
}

// syncSource creates sets the engine has not seen and refreshes ACTIVE ones
func (e *Engine) syncSource(ctx context.Context, src Source, now time.Time) (int, error) {
	discovered, err := src.Discover(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to discover %s record sets: %w", src.RecordClass(), err)
	}

	var errs []error
	for _, d := range discovered {
		existing, err := e.store.GetRecordSetByKey(ctx, d.RecordClass, d.Key)
		switch {
		case errors.Is(err, ErrNotFound):
			d.ID = uuid.NewString()
			d.State = StateActive
			if err := e.store.CreateRecordSet(ctx, &d); err != nil {
				errs = append(errs, fmt.Errorf("failed to create record set %s: %w", d.Key, err))
			}
		case err != nil:
			errs = append(errs, err)
		case existing.State == StateActive &&
			(existing.RecordCount != d.RecordCount || !existing.LastActivity.Equal(d.LastActivity)):
			existing.RecordCount = d.RecordCount
			existing.LastActivity = d.LastActivity
			if err := e.store.UpdateRecordSet(ctx, existing, existing.Version); err != nil && !errors.Is(err, ErrVersionConflict) {
				errs = append(errs, err)
			}
		}
	}
	return len(discovered), errors.Join(errs...)
}

func (e *Engine) evaluate(ctx context.Context, p Policy, set RecordSet, holds []LegalHold, now time.Time, state *runState) error {
	if h, frozen := Frozen(holds, set, now); frozen {
		e.logger.WithFields(map[string]interface{}{
			"record_set": set.Key,
			"hold_id":    h.ID,
		}).Debug("record set frozen by legal hold")
		state.add(func(s *RunSummary) { s.Frozen++ })
		return nil
	}

	next, ok := NextState(p, set, now)
	if !ok {
		return nil
	}

	var err error
	switch next {
	case StateArchived:
		err = e.archive(ctx, p, set, now)
		if err == nil {
			state.add(func(s *RunSummary) { s.Archived++ })
		}
	case StatePendingDestruction:
		err = e.scheduleDestruction(ctx, p, set, now)
		if err == nil {
			state.add(func(s *RunSummary) { s.Scheduled++ })
		}
	}
	if errors.Is(err, errFrozen) {
		state.add(func(s *RunSummary) { s.Frozen++ })
		return nil
	}
	return err
}

func (e *Engine) archive(ctx context.Context, p Policy, set RecordSet, now time.Time) error {
	src, err := e.source(set.RecordClass)
	if err != nil {
		return err
	}

	location := ""
	if e.archiver != nil {
		payload, err := src.Export(ctx, set)
		if err != nil {
			return fmt.Errorf("failed to export record set %s: %w", set.Key, err)
		}
		location, err = e.archiver.Archive(ctx, set.RecordClass+"/"+set.Key, payload, map[string]string{
			"record-class": set.RecordClass,
			"tenant-id":    set.TenantID,
			"record-count": strconv.FormatInt(set.RecordCount, 10),
			"policy-id":    p.ID,
		})
		if err != nil {
			return fmt.Errorf("failed to archive record set %s: %w", set.Key, err)
		}
	}

	var action Action
	err = e.store.Tx(ctx, func(tx Store) error {
		if err := tx.LockTenant(ctx, set.TenantID); err != nil {
			return err
		}
		cur, err := e.lockedSet(ctx, tx, set.ID, StateActive, StateArchived, now)
		if err != nil || cur == nil {
			return err
		}
		cur.State = StateArchived
		cur.ArchiveLocation = location
		if err := tx.UpdateRecordSet(ctx, cur, cur.Version); err != nil {
			return err
		}

		executed := now
		action = Action{
			ID:               uuid.NewString(),
			Type:             ActionArchive,
			RecordSetID:      cur.ID,
			RecordClass:      cur.RecordClass,
			TenantID:         cur.TenantID,
			PolicyID:         p.ID,
			Status:           StatusExecuted,
			LegalHoldCleared: true,
			Attempts:         1,
			Result:           &Result{Message: "archived to " + orNone(location), ExecutedAt: &executed},
		}
		return tx.CreateAction(ctx, &action)
	})
	if err != nil || action.ID == "" {
		return err
	}

	e.transitioned(set.RecordClass, StateActive, StateArchived)
	e.recorder.RecordSystem(ctx, audit.EventSpec{
		Action:      EventArchived,
		Category:    audit.CategoryRetention,
		Target:      audit.Target{Type: targetRecordSet, ID: set.ID},
		TenantID:    set.TenantID,
		Sensitivity: audit.NotProtected(),
		Metadata: map[string]string{
			"record_class":     set.RecordClass,
			"key":              set.Key,
			"archive_location": location,
			"action_id":        action.ID,
		},
	})
	return nil
}

func (e *Engine) scheduleDestruction(ctx context.Context, p Policy, set RecordSet, now time.Time) error {
	var action Action
	err := e.store.Tx(ctx, func(tx Store) error {
		if err := tx.LockTenant(ctx, set.TenantID); err != nil {
			return err
		}
		cur, err := e.lockedSet(ctx, tx, set.ID, StateArchived, StatePendingDestruction, now)
		if err != nil || cur == nil {
			return err
		}
		cur.State = StatePendingDestruction
		if err := tx.UpdateRecordSet(ctx, cur, cur.Version); err != nil {
			return err
		}
		action = Action{
			ID:          uuid.NewString(),
			Type:        ActionDestruction,
			RecordSetID: cur.ID,
			RecordClass: cur.RecordClass,
			TenantID:    cur.TenantID,
			PolicyID:    p.ID,
			Status:      StatusAwaitingApproval,
		}
		return tx.CreateAction(ctx, &action)
	})
	if err != nil || action.ID == "" {
		return err
	}

	e.transitioned(set.RecordClass, StateArchived, StatePendingDestruction)
	e.recorder.RecordSystem(ctx, audit.EventSpec{
		Action:      EventDestructionScheduled,
		Category:    audit.CategoryRetention,
		Target:      audit.Target{Type: targetRecordSet, ID: set.ID},
		TenantID:    set.TenantID,
		Sensitivity: audit.NotProtected(),
		Metadata: map[string]string{
			"record_class": set.RecordClass,
			"key":          set.Key,
			"action_id":    action.ID,
			"policy_id":    p.ID,
		},
	})
	return nil
}

// lockedSet reloads the set inside the tenant lock. It returns nil when the
// set already moved past from, and errFrozen when a hold now covers it.
func (e *Engine) lockedSet(ctx context.Context, tx Store, id string, from, to State, now time.Time) (*RecordSet, error) {
	cur, err := tx.GetRecordSet(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.State != from {
		return nil, nil
	}
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	holds, err := tx.ListHolds(ctx, HoldFilter{TenantID: holdTenant(cur.TenantID), Statuses: []HoldStatus{HoldActive}})
	if err != nil {
		return nil, err
	}
	if _, frozen := Frozen(holds, *cur, now); frozen {
		return nil, errFrozen
	}
	return cur, nil
}

func (e *Engine) executeDue(ctx context.Context, now time.Time, state *runState) []error {
	actions, err := e.store.ListActions(ctx, ActionFilter{
		Type:     ActionDestruction,
		Statuses: []ActionStatus{StatusApproved, StatusDeferred},
	})
	if err != nil {
		return []error{fmt.Errorf("failed to list due actions: %w", err)}
	}

	var errs []error
	for _, a := range actions {
		if !a.due(now) {
			continue
		}
		_, err := e.execute(ctx, nil, a.ID, nil)
		switch {
		case err == nil:
			state.add(func(s *RunSummary) { s.Destroyed++ })
		case errors.Is(err, ErrHoldActive):
			state.add(func(s *RunSummary) { s.Deferred++ })
		case errors.Is(err, ErrWitnessRequired):
			// Approved without a witness; waits for a manual Execute
			e.logger.WithField("action_id", a.ID).Warn("approved destruction has no witness, skipping")
			state.add(func(s *RunSummary) { s.Skipped++ })
		default:
			errs = append(errs, err)
		}
	}
	return errs
}

// Execute destroys an approved action's record set. A covering legal hold
// defers the action and returns ErrHoldActive, which callers should treat
// as an expected outcome. witness may be nil when approval supplied it.
func (e *Engine) Execute(ctx context.Context, ac *access.Context, actionID string, witness *Witness) (*Certificate, error) {
	if err := e.authz.Require(ctx, ac, rbac.RetentionActionExecute, string(rbac.ResourceRetentionAction), actionID); err != nil {
		return nil, err
	}
	a, err := e.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if err := e.authorizeTenant(ctx, ac, "retention_action", a.TenantID, tenancy.OpUpdate); err != nil {
		return nil, err
	}
	return e.execute(ctx, ac, actionID, witness)
}

// execute runs the check-then-destroy sequence. ac is nil for scheduled runs.
func (e *Engine) execute(ctx context.Context, ac *access.Context, actionID string, witness *Witness) (*Certificate, error) {
	ctx, span := observability.Tracer().Start(ctx, "Retention.Execute",
		trace.WithAttributes(attribute.String("retention.action_id", actionID)))
	defer span.End()

	pre, err := e.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if pre.Type != ActionDestruction {
		return nil, fmt.Errorf("%w: %s actions are not executable", ErrInvalidTransition, pre.Type)
	}

	unlock, err := e.locker.Acquire(ctx, pre.TenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		heldBy   string
		deferred Action
		set      RecordSet
		work     purgeWork
	)
	// Phase one commits the intent to destroy: the count, the certificate id
	// and the witness. Nothing has been purged when it fails.
	err = e.store.Tx(ctx, func(tx Store) error {
		if err := tx.LockTenant(ctx, pre.TenantID); err != nil {
			return err
		}
		a, err := tx.GetAction(ctx, actionID)
		if err != nil {
			return err
		}
		switch a.Status {
		case StatusExecuted, StatusCancelled, StatusFailed:
			return fmt.Errorf("%w: action is %s", ErrInvalidTransition, a.Status)
		case StatusAwaitingApproval:
			return ErrApprovalRequired
		}
		if a.Approval == nil {
			return ErrApprovalRequired
		}

		s, err := tx.GetRecordSet(ctx, a.RecordSetID)
		if err != nil {
			return err
		}
		if s.State != StatePendingDestruction || !CanTransition(s.State, StateDestroyed) {
			return fmt.Errorf("%w: record set is %s", ErrInvalidTransition, s.State)
		}
		set = *s

		// Holds are re-read here, under the lock hold creation also takes
		now := e.now()
		holds, err := tx.ListHolds(ctx, HoldFilter{TenantID: holdTenant(s.TenantID), Statuses: []HoldStatus{HoldActive}})
		if err != nil {
			return err
		}
		if h, frozen := Frozen(holds, *s, now); frozen {
			next := now.Add(e.deferInterval)
			a.Status = StatusDeferred
			a.LegalHoldCleared = false
			a.NextEvaluationAt = &next
			a.Attempts++
			a.Result = a.Result.deferredBy(h.ID)
			if err := tx.UpdateAction(ctx, a, a.Version); err != nil {
				return err
			}
			heldBy = h.ID
			deferred = *a
			return nil
		}

		w := witness
		if w == nil {
			w = a.Witness
		}
		if w == nil {
			return ErrWitnessRequired
		}
		if err := validate.Struct(w); err != nil {
			return fmt.Errorf("%w: %v", ErrWitnessRequired, err)
		}

		src, err := e.source(s.RecordClass)
		if err != nil {
			return err
		}
		method := ""
		if p, err := tx.GetPolicy(ctx, a.PolicyID); err == nil {
			method = p.DestructionMethod
		}
		pending, err := src.Count(ctx, *s)
		if err != nil {
			return err
		}

		certID := uuid.NewString()
		if a.purgeStarted() {
			// An earlier attempt may have purged already; keep its count
			certID = a.Result.CertificateID
			if a.Result.PendingCount > pending {
				pending = a.Result.PendingCount
			}
		}
		a.LegalHoldCleared = true
		a.Witness = w
		a.Attempts++
		a.Result = &Result{
			Message:        "purge started",
			CertificateID:  certID,
			PendingCount:   pending,
			PurgeStartedAt: &now,
		}
		if err := tx.UpdateAction(ctx, a, a.Version); err != nil {
			return err
		}
		work = purgeWork{source: src, certID: certID, pending: pending, method: method, witness: *w, approvedBy: a.Approval.ApprovedBy}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrWitnessRequired) && !errors.Is(err, ErrApprovalRequired) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "destruction failed")
		}
		return nil, err
	}

	if heldBy != "" {
		if e.metrics != nil {
			e.metrics.RetentionDeferralsTotal.WithLabelValues(set.RecordClass).Inc()
		}
		e.logger.WithFields(map[string]interface{}{
			"action_id":  actionID,
			"record_set": set.Key,
			"hold_id":    heldBy,
		}).Info("destruction deferred by legal hold")
		e.recorder.Record(ctx, ac, audit.EventSpec{
			Action:        EventDestructionDeferred,
			Category:      audit.CategoryRetention,
			Severity:      audit.SeverityWarning,
			Target:        audit.Target{Type: targetRecordSet, ID: set.ID},
			TenantID:      set.TenantID,
			Sensitivity:   audit.NotProtected(),
			Outcome:       audit.OutcomeFailure,
			OutcomeReason: "legal hold active",
			Metadata: map[string]string{
				"action_id":          actionID,
				"hold_id":            heldBy,
				"next_evaluation_at": deferred.NextEvaluationAt.Format(time.RFC3339),
			},
		})
		return nil, fmt.Errorf("%w: hold %s", ErrHoldActive, heldBy)
	}

	// Phase two runs in the source's own storage. The action stays
	// executable, so a failure here or below is retried.
	purged, err := work.source.Purge(ctx, set)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "purge failed")
		e.logger.WithError(err).WithField("action_id", actionID).Error("record set purge failed, will retry")
		return nil, err
	}
	destroyed := work.pending
	if purged > destroyed {
		destroyed = purged
	}

	cert, entry, err := e.finalize(ctx, ac, actionID, set.ID, work, destroyed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "destruction not certified")
		e.logger.WithError(err).WithField("action_id", actionID).Error("record set purged but not certified, will retry")
		return nil, err
	}
	// Only a committed destruction is recorded
	e.recorder.Submit(ctx, entry)

	e.transitioned(set.RecordClass, StatePendingDestruction, StateDestroyed)
	if e.metrics != nil {
		e.metrics.RetentionDestroyedRecords.WithLabelValues(set.RecordClass).Add(float64(cert.DestroyedCount))
	}
	e.logger.WithFields(map[string]interface{}{
		"action_id":       actionID,
		"record_set":      set.Key,
		"destroyed_count": cert.DestroyedCount,
		"certificate_id":  cert.ID,
	}).Info("record set destroyed")
	return cert, nil
}

// purgeWork is what phase one of execute hands to the purge
type purgeWork struct {
	source     Source
	certID     string
	pending    int64
	method     string
	witness    Witness
	approvedBy string
}

// finalize marks the set destroyed and issues the certificate. The audit
// entry it returns is prepared, not recorded.
func (e *Engine) finalize(ctx context.Context, ac *access.Context, actionID, setID string, work purgeWork, destroyed int64) (*Certificate, audit.Entry, error) {
	var (
		cert  *Certificate
		entry audit.Entry
	)
	err := e.store.Tx(ctx, func(tx Store) error {
		a, err := tx.GetAction(ctx, actionID)
		if err != nil {
			return err
		}
		if err := tx.LockTenant(ctx, a.TenantID); err != nil {
			return err
		}
		if !a.purgeStarted() || a.Result.CertificateID != work.certID {
			return fmt.Errorf("%w: action %s changed during purge", ErrInvalidTransition, actionID)
		}
		s, err := tx.GetRecordSet(ctx, setID)
		if err != nil {
			return err
		}

		now := e.now()
		entry = e.recorder.Prepare(ac, audit.EventSpec{
			Action:          EventDestroyed,
			Category:        audit.CategoryRetention,
			Severity:        audit.SeverityWarning,
			Target:          audit.Target{Type: targetRecordSet, ID: s.ID},
			TenantID:        s.TenantID,
			Sensitivity:     audit.NotProtected(),
			RetentionExempt: true,
			Metadata: map[string]string{
				"record_class":    s.RecordClass,
				"key":             s.Key,
				"action_id":       a.ID,
				"certificate_id":  work.certID,
				"destroyed_count": strconv.FormatInt(destroyed, 10),
				"method":          work.method,
				"witness_id":      work.witness.WitnessID,
				"approved_by":     work.approvedBy,
			},
		})

		s.State = StateDestroyed
		if err := tx.UpdateRecordSet(ctx, s, s.Version); err != nil {
			return err
		}
		cert = &Certificate{
			ID:             work.certID,
			ActionID:       a.ID,
			RecordSet:      *s,
			DestroyedCount: destroyed,
			Method:         work.method,
			Witness:        work.witness,
			ApprovedBy:     work.approvedBy,
			ExecutedBy:     actorID(ac),
			ExecutedAt:     now,
			AuditEventID:   entry.EventID,
		}
		if err := tx.CreateCertificate(ctx, cert); err != nil {
			return err
		}

		a.Status = StatusExecuted
		a.NextEvaluationAt = nil
		a.Result = &Result{
			Message:        "destroyed",
			DestroyedCount: destroyed,
			CertificateID:  work.certID,
			ExecutedAt:     &now,
		}
		return tx.UpdateAction(ctx, a, a.Version)
	})
	if err != nil {
		return nil, audit.Entry{}, err
	}
	return cert, entry, nil
}

// Approve makes a destruction executable. Approval does not clear holds;
// those are checked again at execution.
func (e *Engine) Approve(ctx context.Context, ac *access.Context, actionID, note string, witness *Witness) (*Action, error) {
	if err := e.authz.Require(ctx, ac, rbac.RetentionActionApprove, string(rbac.ResourceRetentionAction), actionID); err != nil {
		return nil, err
	}
	if witness != nil {
		if err := validate.Struct(witness); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWitnessRequired, err)
		}
	}

	a, err := e.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if err := e.authorizeTenant(ctx, ac, "retention_action", a.TenantID, tenancy.OpUpdate); err != nil {
		return nil, err
	}
	if a.Type != ActionDestruction || a.Status != StatusAwaitingApproval {
		return nil, fmt.Errorf("%w: cannot approve %s %s action", ErrInvalidTransition, a.Status, a.Type)
	}

	a.Status = StatusApproved
	a.Approval = &Approval{ApprovedBy: ac.UserID(), ApprovedAt: e.now().UTC(), Note: note}
	if witness != nil {
		a.Witness = witness
	}
	if err := e.store.UpdateAction(ctx, a, a.Version); err != nil {
		return nil, err
	}

	e.recorder.Record(ctx, ac, audit.EventSpec{
		Action:      EventDestructionApproved,
		Category:    audit.CategoryRetention,
		Target:      audit.Target{Type: targetRecordSet, ID: a.RecordSetID},
		TenantID:    a.TenantID,
		Sensitivity: audit.NotProtected(),
		Metadata:    map[string]string{"action_id": a.ID, "note": note},
	})
	return a, nil
}

// Cancel withdraws a destruction that has not executed and returns the set
// to ARCHIVED.
func (e *Engine) Cancel(ctx context.Context, ac *access.Context, actionID, reason string) (*Action, error) {
	if err := e.authz.Require(ctx, ac, rbac.RetentionActionApprove, string(rbac.ResourceRetentionAction), actionID); err != nil {
		return nil, err
	}
	if reason == "" {
		return nil, ErrReasonRequired
	}

	pre, err := e.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if err := e.authorizeTenant(ctx, ac, "retention_action", pre.TenantID, tenancy.OpUpdate); err != nil {
		return nil, err
	}

	unlock, err := e.locker.Acquire(ctx, pre.TenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out *Action
	err = e.store.Tx(ctx, func(tx Store) error {
		a, err := tx.GetAction(ctx, actionID)
		if err != nil {
			return err
		}
		if a.Type != ActionDestruction {
			return fmt.Errorf("%w: %s actions cannot be cancelled", ErrInvalidTransition, a.Type)
		}
		switch a.Status {
		case StatusAwaitingApproval, StatusApproved, StatusDeferred:
		default:
			return fmt.Errorf("%w: action is %s", ErrInvalidTransition, a.Status)
		}
		if a.purgeStarted() {
			return fmt.Errorf("%w: destruction already started", ErrInvalidTransition)
		}
		s, err := tx.GetRecordSet(ctx, a.RecordSetID)
		if err != nil {
			return err
		}
		if s.State != StatePendingDestruction || !CanTransition(s.State, StateArchived) {
			return fmt.Errorf("%w: record set is %s", ErrInvalidTransition, s.State)
		}
		s.State = StateArchived
		if err := tx.UpdateRecordSet(ctx, s, s.Version); err != nil {
			return err
		}
		a.Status = StatusCancelled
		a.CancelReason = reason
		a.NextEvaluationAt = nil
		if err := tx.UpdateAction(ctx, a, a.Version); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.transitioned(out.RecordClass, StatePendingDestruction, StateArchived)
	e.recorder.Record(ctx, ac, audit.EventSpec{
		Action:        EventDestructionCancelled,
		Category:      audit.CategoryRetention,
		Target:        audit.Target{Type: targetRecordSet, ID: out.RecordSetID},
		TenantID:      out.TenantID,
		Sensitivity:   audit.NotProtected(),
		OutcomeReason: reason,
		Metadata:      map[string]string{"action_id": out.ID},
	})
	return out, nil
}

// ListActions returns actions in the caller's tenant scope
func (e *Engine) ListActions(ctx context.Context, ac *access.Context, f ActionFilter) ([]Action, error) {
	if err := e.authz.Require(ctx, ac, rbac.RetentionActionView, string(rbac.ResourceRetentionAction), ""); err != nil {
		return nil, err
	}
	tenants, err := e.visibleTenants(ctx, ac, "retention_action", f.TenantIDs)
	if err != nil {
		return nil, err
	}
	f.TenantIDs = tenants
	return e.store.ListActions(ctx, f)
}

// GetAction returns one action in the caller's tenant scope
func (e *Engine) GetAction(ctx context.Context, ac *access.Context, id string) (*Action, error) {
	if err := e.authz.Require(ctx, ac, rbac.RetentionActionView, string(rbac.ResourceRetentionAction), id); err != nil {
		return nil, err
	}
	a, err := e.store.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.authorizeTenant(ctx, ac, "retention_action", a.TenantID, tenancy.OpRead); err != nil {
		return nil, err
	}
	return a, nil
}

// GetCertificate returns a destruction certificate in the caller's scope
func (e *Engine) GetCertificate(ctx context.Context, ac *access.Context, id string) (*Certificate, error) {
	if err := e.authz.Require(ctx, ac, rbac.RetentionActionView, "retention:certificate", id); err != nil {
		return nil, err
	}
	c, err := e.store.GetCertificate(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.authorizeTenant(ctx, ac, "retention_certificate", c.RecordSet.TenantID, tenancy.OpRead); err != nil {
		return nil, err
	}
	return c, nil
}

// ListCertificates returns certificates in the caller's scope
func (e *Engine) ListCertificates(ctx context.Context, ac *access.Context) ([]Certificate, error) {
	if err := e.authz.Require(ctx, ac, rbac.RetentionActionView, "retention:certificate", ""); err != nil {
		return nil, err
	}
	tenants, err := e.visibleTenants(ctx, ac, "retention_certificate", nil)
	if err != nil {
		return nil, err
	}
	return e.store.ListCertificates(ctx, tenants)
}

// authorizeTenant admits GLOBAL callers anywhere and everyone else only in
// their active tenant. Refusals are recorded as scope violations.
func (e *Engine) authorizeTenant(ctx context.Context, ac *access.Context, class, tenant string, op tenancy.Operation) error {
	if ac == nil {
		return access.ErrUnauthenticated
	}
	if ac.AuthorizedTenants().IsAll() {
		return nil
	}
	if tenant != "" && tenant != SystemScope && tenant == ac.ActiveTenant() {
		return nil
	}
	v := &tenancy.ViolationError{
		Class:            class,
		Operation:        op,
		UserID:           ac.UserID(),
		ActiveTenant:     ac.ActiveTenant(),
		RequestedTenants: []string{tenant},
		Reason:           "target outside the caller's tenant scope",
	}
	e.logger.WithError(v).Warn("retention scope violation")
	e.recorder.RecordScopeViolation(ctx, ac, v)
	return v
}

// visibleTenants resolves a tenant filter: nil for GLOBAL callers without
// a request, otherwise the active tenant.
func (e *Engine) visibleTenants(ctx context.Context, ac *access.Context, class string, requested []string) ([]string, error) {
	if ac.AuthorizedTenants().IsAll() {
		return requested, nil
	}
	if !ac.HasActiveTenant() {
		return nil, access.ErrNoTenantContext
	}
	for _, t := range requested {
		if t != ac.ActiveTenant() {
			return nil, e.authorizeTenant(ctx, ac, class, t, tenancy.OpRead)
		}
	}
	return []string{ac.ActiveTenant()}, nil
}

func (e *Engine) transitioned(class string, from, to State) {
	if e.metrics != nil {
		e.metrics.RetentionTransitionsTotal.WithLabelValues(class, string(from), string(to)).Inc()
	}
}

func actorID(ac *access.Context) string {
	if ac == nil {
		return audit.SystemActorID
	}
	return ac.UserID()
}

func orNone(location string) string {
	if location == "" {
		return "(no archive sink)"
	}
	return location
}
