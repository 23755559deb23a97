package section

import (
	"context"

	"github.com/google/uuid"
)

type SectionRepository interface {
	Create(ctx context.Context, s *Section) error
	GetByID(ctx context.Context, id uuid.UUID) (*Section, error)
	List(ctx context.Context, activeOnly bool, limit, offset int) ([]*Section, int, error)
}

type GroupRepository interface {
	Create(ctx context.Context, g *Group) error
	GetByID(ctx context.Context, id uuid.UUID) (*Group, error)
}
