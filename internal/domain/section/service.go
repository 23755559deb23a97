package section

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/platform/db"
)

var (
	ErrSectionNotFound = errors.New("section not found")
	ErrGroupNotFound   = errors.New("section group not found")
)

type Service struct {
	sections SectionRepository
	groups   GroupRepository
}

func NewService(sections SectionRepository, groups GroupRepository) *Service {
	return &Service{sections: sections, groups: groups}
}

func (s *Service) CreateSection(ctx context.Context, sec *Section) error {
	sec.Name = strings.TrimSpace(sec.Name)
	if sec.Name == "" {
		return fmt.Errorf("name is required")
	}
	if sec.GroupID != nil {
		if _, err := s.GetGroup(ctx, *sec.GroupID); err != nil {
			return err
		}
	}
	return s.sections.Create(ctx, sec)
}

func (s *Service) GetSection(ctx context.Context, id uuid.UUID) (*Section, error) {
	sec, err := s.sections.GetByID(ctx, id)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrSectionNotFound, id)
		}
		return nil, fmt.Errorf("get section %s: %w", id, err)
	}
	return sec, nil
}

func (s *Service) ListSections(ctx context.Context, activeOnly bool, limit, offset int) ([]*Section, int, error) {
	return s.sections.List(ctx, activeOnly, limit, offset)
}

// CreateGroup adds a group under an existing parent. A new group cannot
// close a cycle, but the parent chain is walked anyway so a corrupted tree
// is reported instead of extended.
func (s *Service) CreateGroup(ctx context.Context, g *Group) error {
	g.Name = strings.TrimSpace(g.Name)
	if g.Name == "" {
		return fmt.Errorf("name is required")
	}
	if g.ParentID != nil {
		if _, err := s.GetGroup(ctx, *g.ParentID); err != nil {
			return err
		}
		if _, err := PathToRoot(ctx, s.groups, *g.ParentID); err != nil {
			return err
		}
	}
	return s.groups.Create(ctx, g)
}

func (s *Service) GetGroup(ctx context.Context, id uuid.UUID) (*Group, error) {
	g, err := s.groups.GetByID(ctx, id)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, id)
		}
		return nil, fmt.Errorf("get section group %s: %w", id, err)
	}
	return g, nil
}

// PathOf returns the section, its groups root first, and its permission string.
func (s *Service) PathOf(ctx context.Context, id uuid.UUID) (*Path, error) {
	sec, err := s.GetSection(ctx, id)
	if err != nil {
		return nil, err
	}
	var leafFirst []*Group
	if sec.GroupID != nil {
		leafFirst, err = PathToRoot(ctx, s.groups, *sec.GroupID)
		if err != nil {
			return nil, err
		}
	}
	rootFirst := make([]*Group, len(leafFirst))
	for i, g := range leafFirst {
		rootFirst[len(leafFirst)-1-i] = g
	}
	return &Path{Section: sec, Groups: rootFirst, Permission: Permission(sec, leafFirst)}, nil
}
