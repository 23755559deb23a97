package pipeline

import (
	"context"

	"github.com/google/uuid"
)

// Repository stores the per-visit state rows. Rows are never deleted.
type Repository interface {
	// Create inserts a WAITING row. It fails with a concurrent-update error
	// when the item already holds an active row.
	Create(ctx context.Context, s *State) error
	GetByID(ctx context.Context, id uuid.UUID) (*State, error)
	// Latest returns the item's most recently created row, or pgx.ErrNoRows.
	Latest(ctx context.Context, itemID uuid.UUID) (*State, error)
	HasAny(ctx context.Context, itemID uuid.UUID) (bool, error)
	// ListByItem returns every row of the item in creation order.
	ListByItem(ctx context.Context, itemID uuid.UUID) ([]*State, error)
	// Transition writes s if the stored row still has fromStatus at
	// s.Version, then bumps s.Version.
	Transition(ctx context.Context, s *State, fromStatus string) error
	// Worklist returns the WAITING and PROCESSING rows in a section, oldest
	// first.
	Worklist(ctx context.Context, sectionID uuid.UUID, limit, offset int) ([]*State, int, error)
}
