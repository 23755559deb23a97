package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lims/lims/internal/domain/report"
	"github.com/lims/lims/internal/platform/db"
)

// Reports exposes the reporting module's active report per item.
type Reports interface {
	ActiveForItem(ctx context.Context, itemID uuid.UUID) (*report.Report, error)
}

// Evaluator answers read-only questions about items in the pipeline:
// readiness for reporting, derived status, history and worklists. It
// never writes.
type Evaluator struct {
	states      Repository
	items       ItemRegistry
	reports     Reports
	concurrency int
}

func NewEvaluator(states Repository, items ItemRegistry, reports Reports, concurrency int) *Evaluator {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Evaluator{states: states, items: items, reports: reports, concurrency: concurrency}
}

// Reasons an item is not reportable.
const (
	ReasonNotInPipeline    = "item has not entered the pipeline"
	ReasonNotFinished      = "latest state is not finished"
	ReasonActiveState      = "item still has a waiting or processing state"
	ReasonNoActiveSample   = "item has no active sample"
	ReasonAcceptanceClosed = "acceptance is not in progress"
	ReasonReportPublished  = "item already has a published report"
)

// Check evaluates every readiness condition for one item.
func (ev *Evaluator) Check(ctx context.Context, itemID uuid.UUID) (*Readiness, error) {
	item, err := ev.items.GetItem(ctx, itemID)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, newError(ErrItemNotFound, itemID)
		}
		return nil, fmt.Errorf("get item %s: %w", itemID, err)
	}
	r := &Readiness{ItemID: itemID}

	rows, err := ev.states.ListByItem(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("states of item %s: %w", itemID, err)
	}
	if len(rows) == 0 {
		r.Reason = ReasonNotInPipeline
		return r, nil
	}
	if rows[len(rows)-1].Status != StatusFinished {
		r.Reason = ReasonNotFinished
		return r, nil
	}
	for _, st := range rows {
		if IsActiveStatus(st.Status) {
			r.Reason = ReasonActiveState
			return r, nil
		}
	}

	if _, err := ev.items.ActiveSample(ctx, itemID); err != nil {
		if db.IsNotFound(err) {
			r.Reason = ReasonNoActiveSample
			return r, nil
		}
		return nil, fmt.Errorf("active sample of item %s: %w", itemID, err)
	}

	acc, err := ev.items.GetAcceptance(ctx, item.AcceptanceID)
	if err != nil {
		return nil, fmt.Errorf("acceptance of item %s: %w", itemID, err)
	}
	if !acc.IsInProgress() {
		r.Reason = ReasonAcceptanceClosed
		return r, nil
	}

	rep, err := ev.reports.ActiveForItem(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("active report of item %s: %w", itemID, err)
	}
	if rep != nil && rep.IsPublished() {
		r.Reason = ReasonReportPublished
		return r, nil
	}

	r.Reportable = true
	return r, nil
}

func (ev *Evaluator) IsReportable(ctx context.Context, itemID uuid.UUID) (bool, error) {
	r, err := ev.Check(ctx, itemID)
	if err != nil {
		return false, err
	}
	return r.Reportable, nil
}

// ReportableItems returns the reportable items of an acceptance in item
// order. Items are evaluated concurrently up to the configured limit.
func (ev *Evaluator) ReportableItems(ctx context.Context, acceptanceID uuid.UUID) ([]uuid.UUID, error) {
	items, err := ev.items.ListItems(ctx, acceptanceID)
	if err != nil {
		return nil, fmt.Errorf("items of acceptance %s: %w", acceptanceID, err)
	}
	ready := make([]bool, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ev.concurrency)
	for i, item := range items {
		g.Go(func() error {
			ok, err := ev.IsReportable(gctx, item.ID)
			if err != nil {
				return err
			}
			ready[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ids := []uuid.UUID{}
	for i, item := range items {
		if ready[i] {
			ids = append(ids, item.ID)
		}
	}
	return ids, nil
}

// History returns every row of the item in creation order.
func (ev *Evaluator) History(ctx context.Context, itemID uuid.UUID) ([]*State, error) {
	if _, err := ev.items.GetItem(ctx, itemID); err != nil {
		if db.IsNotFound(err) {
			return nil, newError(ErrItemNotFound, itemID)
		}
		return nil, fmt.Errorf("get item %s: %w", itemID, err)
	}
	rows, err := ev.states.ListByItem(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("states of item %s: %w", itemID, err)
	}
	if rows == nil {
		rows = []*State{}
	}
	return rows, nil
}

// Worklist returns what a station has waiting or in progress.
func (ev *Evaluator) Worklist(ctx context.Context, sectionID uuid.UUID, limit, offset int) ([]*State, int, error) {
	rows, total, err := ev.states.Worklist(ctx, sectionID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("worklist of section %s: %w", sectionID, err)
	}
	if rows == nil {
		rows = []*State{}
	}
	return rows, total, nil
}
