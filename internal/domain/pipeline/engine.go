package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/acceptance"
	"github.com/lims/lims/internal/domain/workflow"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/telemetry"
)

// Operation names used in logs and metrics.
const (
	OpEnterPipeline = "enter_pipeline"
	OpEnterSection  = "enter_section"
	OpComplete      = "complete_section"
	OpReject        = "reject_section"
)

// ItemRegistry is the part of the acceptance store the pipeline reads.
type ItemRegistry interface {
	GetItem(ctx context.Context, id uuid.UUID) (*acceptance.Item, error)
	GetAcceptance(ctx context.Context, id uuid.UUID) (*acceptance.Acceptance, error)
	ListItems(ctx context.Context, acceptanceID uuid.UUID) ([]*acceptance.Item, error)
	LockItem(ctx context.Context, id uuid.UUID) error
	SampleByBarcode(ctx context.Context, barcode string) (*acceptance.Sample, error)
	ActiveSample(ctx context.Context, itemID uuid.UUID) (*acceptance.Sample, error)
	ActiveItemsForSample(ctx context.Context, sampleID uuid.UUID) ([]*acceptance.Item, error)
}

// Workflows resolves the steps of an item's method.
type Workflows interface {
	StepsForMethod(ctx context.Context, methodID uuid.UUID) ([]workflow.Step, error)
}

// Authorizer decides whether an actor may act on an item in a section.
type Authorizer interface {
	CanActInSection(ctx context.Context, actorID string, itemID, sectionID uuid.UUID) (bool, error)
}

type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Engine performs the state transitions of items moving through their
// workflows. Every transition of one item runs under that item's lock and
// inside one transaction that also row-locks the item, so transitions of
// one item are linearized while different items never wait on each other.
type Engine struct {
	states    Repository
	items     ItemRegistry
	workflows Workflows
	authz     Authorizer
	tx        Transactor

	locks    *itemLocks
	logger   zerolog.Logger
	metrics  *telemetry.PipelineMetrics
	notifier Notifier
	now      func() time.Time

	completeAttempts int
	retryBackoff     time.Duration
}

type Option func(*Engine)

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithMetrics(m *telemetry.PipelineMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRetry sets how many times complete-and-spawn runs before a storage
// failure is returned, and the initial delay between runs.
func WithRetry(attempts int, initial time.Duration) Option {
	return func(e *Engine) {
		if attempts > 0 {
			e.completeAttempts = attempts
		}
		if initial > 0 {
			e.retryBackoff = initial
		}
	}
}

func NewEngine(states Repository, items ItemRegistry, workflows Workflows, authz Authorizer, tx Transactor, opts ...Option) *Engine {
	e := &Engine{
		states:           states,
		items:            items,
		workflows:        workflows,
		authz:            authz,
		tx:               tx,
		locks:            newItemLocks(),
		logger:           zerolog.Nop(),
		now:              func() time.Time { return time.Now().UTC() },
		completeAttempts: 3,
		retryBackoff:     25 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.notifier == nil {
		e.notifier = NewLogNotifier(e.logger)
	}
	return e
}

// EnterPipeline creates the item's first row: WAITING at the workflow's
// entry step, carrying the item's active sample. It is called when an item
// is accepted and fails if the item already has any row.
func (e *Engine) EnterPipeline(ctx context.Context, itemID uuid.UUID) (stateID uuid.UUID, err error) {
	start := time.Now()
	defer func() { e.observe(ctx, OpEnterPipeline, start, err) }()

	item, err := e.getItem(ctx, itemID)
	if err != nil {
		return uuid.Nil, err
	}
	steps, err := e.stepsFor(ctx, item)
	if err != nil {
		return uuid.Nil, err
	}
	entry, _ := workflow.FirstStep(steps)

	var created *State
	err = e.inItemTx(ctx, OpEnterPipeline, itemID, false, func(ctx context.Context) error {
		created = nil
		entered, err := e.states.HasAny(ctx, itemID)
		if err != nil {
			return fmt.Errorf("check pipeline rows of item %s: %w", itemID, err)
		}
		if entered {
			latest, err := e.states.Latest(ctx, itemID)
			if err != nil {
				return fmt.Errorf("latest state of item %s: %w", itemID, err)
			}
			return newError(ErrAlreadyEnteredPipeline, itemID).actual(latest)
		}
		sampleID, err := e.activeSampleID(ctx, itemID)
		if err != nil {
			return err
		}
		st := &State{
			ItemID:         itemID,
			SectionID:      entry.SectionID,
			SectionName:    entry.SectionName,
			SampleID:       sampleID,
			Order:          entry.Order,
			Status:         StatusWaiting,
			IsFirstSection: true,
		}
		if err := e.states.Create(ctx, st); err != nil {
			return fmt.Errorf("create entry state of item %s: %w", itemID, err)
		}
		created = st
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	e.logTransition(OpEnterPipeline, created, "")
	return created.ID, nil
}

// EnterSection is the station scan. The barcode resolves to a sample and
// the items it is currently active for; each item whose latest row is
// WAITING in sectionID moves to PROCESSING stamped with actor. Re-scanning
// an item the same actor already started in this section changes nothing.
// If no item was started or left unchanged, the first item's refusal is
// returned as the error.
func (e *Engine) EnterSection(ctx context.Context, barcode string, sectionID uuid.UUID, actor string) (res *ScanResult, err error) {
	start := time.Now()
	defer func() { e.observe(ctx, OpEnterSection, start, err) }()

	if actor == "" {
		return nil, newError(ErrActorRequired, uuid.Nil)
	}
	sample, err := e.items.SampleByBarcode(ctx, barcode)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, newError(ErrSampleNotFound, uuid.Nil).wrap(fmt.Errorf("barcode %q", barcode))
		}
		return nil, fmt.Errorf("lookup barcode %q: %w", barcode, err)
	}
	items, err := e.items.ActiveItemsForSample(ctx, sample.ID)
	if err != nil {
		return nil, fmt.Errorf("items of sample %s: %w", sample.ID, err)
	}
	if len(items) == 0 {
		return nil, newError(ErrNoActiveItems, uuid.Nil).wrap(fmt.Errorf("barcode %q", barcode))
	}

	res = &ScanResult{Sample: sample, Started: []*State{}, Unchanged: []*State{}, Skipped: []SkippedItem{}}
	for _, item := range items {
		st, started, err := e.startItem(ctx, item.ID, sectionID, actor)
		var de *Error
		switch {
		case errors.As(err, &de):
			res.Skipped = append(res.Skipped, SkippedItem{ItemID: item.ID, Error: de})
		case err != nil:
			return nil, err
		case started:
			res.Started = append(res.Started, st)
		default:
			res.Unchanged = append(res.Unchanged, st)
		}
	}
	if len(res.Started) == 0 && len(res.Unchanged) == 0 {
		return nil, res.Skipped[0].Error
	}
	return res, nil
}

func (e *Engine) startItem(ctx context.Context, itemID, sectionID uuid.UUID, actor string) (*State, bool, error) {
	if err := e.authorize(ctx, actor, itemID, sectionID); err != nil {
		return nil, false, err
	}
	var (
		result  *State
		started bool
	)
	err := e.inItemTx(ctx, OpEnterSection, itemID, false, func(ctx context.Context) error {
		result, started = nil, false
		latest, err := e.latest(ctx, itemID)
		if err != nil {
			return err
		}
		if latest != nil && latest.SectionID == sectionID && latest.Status == StatusProcessing {
			if latest.StartedBy != nil && *latest.StartedBy == actor {
				result = latest
				return nil
			}
			return newError(ErrAlreadyStarted, itemID).
				expect(sectionID, StatusWaiting).
				actual(latest).
				wrap(fmt.Errorf("already started by %s", deref(latest.StartedBy)))
		}
		if latest == nil || latest.SectionID != sectionID || latest.Status != StatusWaiting {
			return newError(ErrNoWaitingStateInSection, itemID).
				expect(sectionID, StatusWaiting).
				actual(latest)
		}

		now := e.now()
		latest.Status = StatusProcessing
		latest.StartedBy = &actor
		latest.StartedAt = &now
		if err := e.states.Transition(ctx, latest, StatusWaiting); err != nil {
			return fmt.Errorf("start state %s: %w", latest.ID, err)
		}
		result, started = latest, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if started {
		e.logTransition(OpEnterSection, result, actor)
	}
	return result, started, nil
}

// CompleteSection finishes a PROCESSING row, merging the captured
// parameters and checking them against the step's schema. Unless the row
// is at the exit step, the next step's WAITING row is created in the same
// transaction. Storage failures rerun the whole transaction.
func (e *Engine) CompleteSection(ctx context.Context, stateID uuid.UUID, actor string, params map[string]interface{}) (res *CompleteResult, err error) {
	start := time.Now()
	defer func() { e.observe(ctx, OpComplete, start, err) }()

	st, item, steps, err := e.prepare(ctx, stateID, actor)
	if err != nil {
		return nil, err
	}
	step, ok := workflow.StepAt(steps, st.Order)
	if !ok {
		return nil, newError(ErrMisconfigured, item.ID).withState(stateID).
			wrap(fmt.Errorf("%w: order %d", workflow.ErrStepNotFound, st.Order))
	}
	first, _ := workflow.FirstStep(steps)

	err = e.inItemTx(ctx, OpComplete, item.ID, true, func(ctx context.Context) error {
		res = nil
		cur, err := e.getState(ctx, stateID)
		if err != nil {
			return err
		}
		if cur.Status != StatusProcessing {
			return newError(ErrStateNotProcessing, item.ID).withState(stateID).
				expect(cur.SectionID, StatusProcessing).actual(cur)
		}
		merged := workflow.MergeParameters(cur.Parameters, params)
		if err := workflow.ValidateParameters(step.ParameterSchema, merged); err != nil {
			return newError(ErrInvalidParameters, item.ID).withState(stateID).wrap(err)
		}

		now := e.now()
		cur.Status = StatusFinished
		cur.FinishedBy = &actor
		cur.FinishedAt = &now
		cur.Parameters = merged
		if err := e.states.Transition(ctx, cur, StatusProcessing); err != nil {
			return fmt.Errorf("finish state %s: %w", stateID, err)
		}
		out := &CompleteResult{State: cur}

		next, ok := workflow.StepAfter(steps, cur.Order)
		if !ok {
			out.Exited = true
			res = out
			return nil
		}
		sampleID, err := e.activeSampleID(ctx, item.ID)
		if err != nil {
			return err
		}
		ns := &State{
			ItemID:         item.ID,
			SectionID:      next.SectionID,
			SectionName:    next.SectionName,
			SampleID:       sampleID,
			Order:          next.Order,
			Status:         StatusWaiting,
			IsFirstSection: next.Order == first.Order,
		}
		if err := e.states.Create(ctx, ns); err != nil {
			return fmt.Errorf("create next state of item %s: %w", item.ID, err)
		}
		out.NextStateID = &ns.ID
		res = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logTransition(OpComplete, res.State, actor)
	if res.Exited {
		ev := ExitEvent{
			ItemID:       item.ID,
			AcceptanceID: item.AcceptanceID,
			StateID:      res.State.ID,
			SectionID:    res.State.SectionID,
			FinishedBy:   actor,
			FinishedAt:   *res.State.FinishedAt,
		}
		if nerr := e.notifier.ItemExited(ctx, ev); nerr != nil {
			e.logger.Warn().Err(nerr).Str("item_id", item.ID.String()).Msg("exit notification failed")
		}
	}
	return res, nil
}

// RejectSection closes a PROCESSING row as REJECTED and sends the item back
// to targetSectionID, which must be an earlier step of the workflow. When
// the section appears several times before the current step, the nearest
// earlier visit is used. Returns the new WAITING row.
func (e *Engine) RejectSection(ctx context.Context, stateID uuid.UUID, actor string, targetSectionID uuid.UUID) (created *State, err error) {
	start := time.Now()
	defer func() { e.observe(ctx, OpReject, start, err) }()

	st, item, steps, err := e.prepare(ctx, stateID, actor)
	if err != nil {
		return nil, err
	}
	first, _ := workflow.FirstStep(steps)

	err = e.inItemTx(ctx, OpReject, item.ID, false, func(ctx context.Context) error {
		created = nil
		cur, err := e.getState(ctx, stateID)
		if err != nil {
			return err
		}
		if cur.Status != StatusProcessing {
			return newError(ErrStateNotProcessing, item.ID).withState(stateID).
				expect(cur.SectionID, StatusProcessing).actual(cur)
		}
		target, ok := workflow.NearestBefore(steps, cur.Order, targetSectionID)
		if !ok {
			rerr := newError(ErrInvalidRejectionTarget, item.ID).withState(stateID)
			rerr.ActualSection = targetSectionID
			return rerr
		}

		now := e.now()
		cur.Status = StatusRejected
		cur.FinishedBy = &actor
		cur.FinishedAt = &now
		if err := e.states.Transition(ctx, cur, StatusProcessing); err != nil {
			return fmt.Errorf("reject state %s: %w", stateID, err)
		}
		sampleID, err := e.activeSampleID(ctx, item.ID)
		if err != nil {
			return err
		}
		ns := &State{
			ItemID:         item.ID,
			SectionID:      target.SectionID,
			SectionName:    target.SectionName,
			SampleID:       sampleID,
			Order:          target.Order,
			Status:         StatusWaiting,
			IsFirstSection: target.Order == first.Order,
		}
		if err := e.states.Create(ctx, ns); err != nil {
			return fmt.Errorf("create rework state of item %s: %w", item.ID, err)
		}
		created = ns
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info().
		Str("op", OpReject).
		Str("item_id", item.ID.String()).
		Str("state_id", stateID.String()).
		Str("section_id", st.SectionID.String()).
		Str("target_section_id", created.SectionID.String()).
		Int("target_order", created.Order).
		Str("actor", actor).
		Msg("pipeline transition")
	return created, nil
}

// AvailableRejectionTargets lists the steps before the row's step, in
// workflow order.
func (e *Engine) AvailableRejectionTargets(ctx context.Context, stateID uuid.UUID) ([]RejectionTarget, error) {
	st, err := e.getState(ctx, stateID)
	if err != nil {
		return nil, err
	}
	item, err := e.getItem(ctx, st.ItemID)
	if err != nil {
		return nil, err
	}
	steps, err := e.stepsFor(ctx, item)
	if err != nil {
		return nil, err
	}
	before := workflow.StepsBefore(steps, st.Order)
	targets := make([]RejectionTarget, 0, len(before))
	for _, s := range before {
		targets = append(targets, RejectionTarget{SectionID: s.SectionID, SectionName: s.SectionName, Order: s.Order})
	}
	return targets, nil
}

// prepare loads the row, its item and workflow, and authorizes actor in
// the row's section.
func (e *Engine) prepare(ctx context.Context, stateID uuid.UUID, actor string) (*State, *acceptance.Item, []workflow.Step, error) {
	if actor == "" {
		return nil, nil, nil, newError(ErrActorRequired, uuid.Nil).withState(stateID)
	}
	st, err := e.getState(ctx, stateID)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := e.authorize(ctx, actor, st.ItemID, st.SectionID); err != nil {
		return nil, nil, nil, err
	}
	item, err := e.getItem(ctx, st.ItemID)
	if err != nil {
		return nil, nil, nil, err
	}
	steps, err := e.stepsFor(ctx, item)
	if err != nil {
		return nil, nil, nil, err
	}
	return st, item, steps, nil
}

// inItemTx runs fn in a transaction holding the item's in-process lock and
// its row lock. A lost race is retried once and then reported as
// ErrStateConflict. With retryStorage, other storage failures rerun the
// transaction until completeAttempts runs have failed. Domain errors are
// returned as they are.
func (e *Engine) inItemTx(ctx context.Context, op string, itemID uuid.UUID, retryStorage bool, fn func(ctx context.Context) error) error {
	unlock, err := e.locks.Lock(ctx, itemID)
	if err != nil {
		return err
	}
	defer unlock()

	var conflicts, failures int
	run := func() error {
		err := e.tx.InTx(ctx, func(ctx context.Context) error {
			if err := e.items.LockItem(ctx, itemID); err != nil {
				if db.IsNotFound(err) {
					return newError(ErrItemNotFound, itemID)
				}
				return fmt.Errorf("lock item %s: %w", itemID, err)
			}
			return fn(ctx)
		})
		var de *Error
		switch {
		case err == nil:
			return nil
		case errors.As(err, &de), ctx.Err() != nil:
			return backoff.Permanent(err)
		case isConflict(err):
			conflicts++
			if conflicts > 1 {
				return backoff.Permanent(newError(ErrStateConflict, itemID).wrap(err))
			}
		case retryStorage:
			failures++
			if failures >= e.completeAttempts {
				return backoff.Permanent(err)
			}
		default:
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		e.metrics.RecordRetry(ctx, op)
		e.logger.Warn().Err(err).
			Str("op", op).
			Str("item_id", itemID.String()).
			Dur("backoff", wait).
			Msg("retrying pipeline transaction")
	}
	return backoff.RetryNotify(run, backoff.WithContext(e.newBackOff(), ctx), notify)
}

func (e *Engine) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryBackoff
	b.MaxInterval = 20 * e.retryBackoff
	b.MaxElapsedTime = 0
	return b
}

func isConflict(err error) bool {
	return errors.Is(err, errConcurrentUpdate) || db.IsLockConflict(err)
}

func (e *Engine) authorize(ctx context.Context, actor string, itemID, sectionID uuid.UUID) error {
	if actor == "" {
		return newError(ErrActorRequired, itemID)
	}
	ok, err := e.authz.CanActInSection(ctx, actor, itemID, sectionID)
	if err != nil {
		return fmt.Errorf("authorize %s in section %s: %w", actor, sectionID, err)
	}
	if !ok {
		return newError(ErrForbidden, itemID).wrap(fmt.Errorf("actor %s, section %s", actor, sectionID))
	}
	return nil
}

func (e *Engine) getItem(ctx context.Context, id uuid.UUID) (*acceptance.Item, error) {
	item, err := e.items.GetItem(ctx, id)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, newError(ErrItemNotFound, id)
		}
		return nil, fmt.Errorf("get item %s: %w", id, err)
	}
	return item, nil
}

func (e *Engine) getState(ctx context.Context, id uuid.UUID) (*State, error) {
	st, err := e.states.GetByID(ctx, id)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, newError(ErrStateNotFound, uuid.Nil).withState(id)
		}
		return nil, fmt.Errorf("get state %s: %w", id, err)
	}
	return st, nil
}

// latest returns nil when the item has no rows.
func (e *Engine) latest(ctx context.Context, itemID uuid.UUID) (*State, error) {
	st, err := e.states.Latest(ctx, itemID)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest state of item %s: %w", itemID, err)
	}
	return st, nil
}

func (e *Engine) stepsFor(ctx context.Context, item *acceptance.Item) ([]workflow.Step, error) {
	steps, err := e.workflows.StepsForMethod(ctx, item.MethodID)
	if err != nil {
		if workflow.IsConfigurationError(err) || errors.Is(err, workflow.ErrMethodNotFound) {
			return nil, newError(ErrMisconfigured, item.ID).wrap(err)
		}
		return nil, fmt.Errorf("resolve workflow of item %s: %w", item.ID, err)
	}
	return steps, nil
}

func (e *Engine) activeSampleID(ctx context.Context, itemID uuid.UUID) (*uuid.UUID, error) {
	sample, err := e.items.ActiveSample(ctx, itemID)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("active sample of item %s: %w", itemID, err)
	}
	id := sample.ID
	return &id, nil
}

func (e *Engine) observe(ctx context.Context, op string, start time.Time, err error) {
	e.metrics.RecordTransition(ctx, op, outcome(err), time.Since(start))
}

func outcome(err error) string {
	if err == nil {
		return telemetry.OutcomeOK
	}
	var de *Error
	if !errors.As(err, &de) {
		return telemetry.OutcomeError
	}
	if de.Kind == KindConflict {
		return telemetry.OutcomeConflict
	}
	return telemetry.OutcomeRejected
}

func (e *Engine) logTransition(op string, st *State, actor string) {
	e.logger.Info().
		Str("op", op).
		Str("item_id", st.ItemID.String()).
		Str("state_id", st.ID.String()).
		Str("section_id", st.SectionID.String()).
		Int("order", st.Order).
		Str("status", st.Status).
		Str("actor", actor).
		Msg("pipeline transition")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
