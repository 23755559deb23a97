package report

import (
	"context"

	"github.com/google/uuid"
)

// Repository is read-mostly: the reporting module writes reports, this
// service only needs to see which one is active. Create exists for
// seeding and tests.
type Repository interface {
	Create(ctx context.Context, r *Report) error
	// ActiveForItem returns nil, nil when the item has no active report.
	ActiveForItem(ctx context.Context, itemID uuid.UUID) (*Report, error)
}
