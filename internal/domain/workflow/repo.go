package workflow

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Create inserts the workflow and its steps.
	Create(ctx context.Context, w *Workflow) error
	GetByID(ctx context.Context, id uuid.UUID) (*Workflow, error)
	// ListSteps returns the steps sorted by order, with section names.
	ListSteps(ctx context.Context, workflowID uuid.UUID) ([]Step, error)
	GetMethod(ctx context.Context, id uuid.UUID) (*Method, error)
}
