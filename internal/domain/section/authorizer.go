package section

import (
	"context"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/platform/auth"
)

// Authorizer answers whether the caller may work items in a section. A
// scope naming the section or any enclosing group grants it; admins pass.
type Authorizer struct {
	svc *Service
}

func NewAuthorizer(svc *Service) *Authorizer {
	return &Authorizer{svc: svc}
}

// CanActInSection checks the scopes carried on ctx. actorID and itemID are
// accepted for callers that authorize per item; scopes are per section.
func (a *Authorizer) CanActInSection(ctx context.Context, actorID string, itemID, sectionID uuid.UUID) (bool, error) {
	if actorID == "" {
		return false, nil
	}
	if auth.IsAdmin(ctx) {
		return true, nil
	}
	path, err := a.svc.PathOf(ctx, sectionID)
	if err != nil {
		return false, err
	}
	return auth.HasScope(ctx, path.Permission), nil
}
