package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lims/lims/internal/domain/report"
	"github.com/lims/lims/internal/platform/db"
)

const (
	SummaryNotInPipeline  = "Not in pipeline"
	SummaryAwaitingReport = "Awaiting Report"
)

// DeriveStatus renders an item's status from its latest row and active
// report. An active report wins; a finished item awaits its report;
// otherwise the item is "<Status> in <Section>".
func DeriveStatus(latest *State, rep *report.Report) string {
	switch {
	case rep != nil && rep.Active:
		return rep.Describe()
	case latest == nil:
		return SummaryNotInPipeline
	case latest.Status == StatusFinished:
		return SummaryAwaitingReport
	}
	section := latest.SectionName
	if section == "" {
		section = latest.SectionID.String()
	}
	return fmt.Sprintf("%s in %s", statusLabel(latest.Status), section)
}

func statusLabel(status string) string {
	if status == "" {
		return status
	}
	return strings.ToUpper(status[:1]) + status[1:]
}

// CurrentStatus derives the item's status on every call; nothing is cached.
func (ev *Evaluator) CurrentStatus(ctx context.Context, itemID uuid.UUID) (*ItemStatus, error) {
	if _, err := ev.items.GetItem(ctx, itemID); err != nil {
		if db.IsNotFound(err) {
			return nil, newError(ErrItemNotFound, itemID)
		}
		return nil, fmt.Errorf("get item %s: %w", itemID, err)
	}

	latest, err := ev.states.Latest(ctx, itemID)
	if err != nil && !db.IsNotFound(err) {
		return nil, fmt.Errorf("latest state of item %s: %w", itemID, err)
	}
	if err != nil {
		latest = nil
	}
	rep, err := ev.reports.ActiveForItem(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("active report of item %s: %w", itemID, err)
	}

	out := &ItemStatus{ItemID: itemID, Summary: DeriveStatus(latest, rep)}
	if latest != nil {
		out.StateID = &latest.ID
		out.SectionID = &latest.SectionID
		out.SectionName = latest.SectionName
		out.State = latest.Status
	}
	if rep != nil && rep.Active {
		out.Report = rep.Status
	}
	return out, nil
}

// AcceptanceStatus derives the status of every item of an acceptance.
func (ev *Evaluator) AcceptanceStatus(ctx context.Context, acceptanceID uuid.UUID) ([]*ItemStatus, error) {
	if _, err := ev.items.GetAcceptance(ctx, acceptanceID); err != nil {
		if db.IsNotFound(err) {
			return nil, newError(ErrAcceptanceNotFound, uuid.Nil).wrap(fmt.Errorf("acceptance %s", acceptanceID))
		}
		return nil, fmt.Errorf("get acceptance %s: %w", acceptanceID, err)
	}
	items, err := ev.items.ListItems(ctx, acceptanceID)
	if err != nil {
		return nil, fmt.Errorf("items of acceptance %s: %w", acceptanceID, err)
	}
	out := make([]*ItemStatus, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ev.concurrency)
	for i, item := range items {
		g.Go(func() error {
			st, err := ev.CurrentStatus(gctx, item.ID)
			if err != nil {
				return err
			}
			out[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
