package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ExitEvent is published when an item completes its workflow's exit step.
type ExitEvent struct {
	ItemID       uuid.UUID `json:"item_id"`
	AcceptanceID uuid.UUID `json:"acceptance_id"`
	StateID      uuid.UUID `json:"state_id"`
	SectionID    uuid.UUID `json:"section_id"`
	FinishedBy   string    `json:"finished_by"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Notifier is told about items leaving the pipeline so reporting does not
// have to poll. It runs after the completion has committed; a failure is
// logged and never undoes the completion.
type Notifier interface {
	ItemExited(ctx context.Context, ev ExitEvent) error
}

// LogNotifier writes exit events to the log.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) ItemExited(_ context.Context, ev ExitEvent) error {
	n.logger.Info().
		Str("type", "pipeline_exit").
		Str("item_id", ev.ItemID.String()).
		Str("acceptance_id", ev.AcceptanceID.String()).
		Str("state_id", ev.StateID.String()).
		Str("section_id", ev.SectionID.String()).
		Str("actor", ev.FinishedBy).
		Time("finished_at", ev.FinishedAt).
		Msg("item ready for reporting")
	return nil
}
