package section

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// -- Mock Repositories --

type mockSectionRepo struct {
	store map[uuid.UUID]*Section
}

func newMockSectionRepo() *mockSectionRepo {
	return &mockSectionRepo{store: make(map[uuid.UUID]*Section)}
}

func (m *mockSectionRepo) Create(_ context.Context, s *Section) error {
	s.ID = uuid.New()
	m.store[s.ID] = s
	return nil
}

func (m *mockSectionRepo) GetByID(_ context.Context, id uuid.UUID) (*Section, error) {
	s, ok := m.store[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return s, nil
}

func (m *mockSectionRepo) List(_ context.Context, activeOnly bool, limit, offset int) ([]*Section, int, error) {
	var r []*Section
	for _, s := range m.store {
		if activeOnly && !s.Active {
			continue
		}
		r = append(r, s)
	}
	return r, len(r), nil
}

type mockGroupRepo struct {
	store map[uuid.UUID]*Group
}

func newMockGroupRepo() *mockGroupRepo {
	return &mockGroupRepo{store: make(map[uuid.UUID]*Group)}
}

func (m *mockGroupRepo) Create(_ context.Context, g *Group) error {
	g.ID = uuid.New()
	m.store[g.ID] = g
	return nil
}

func (m *mockGroupRepo) GetByID(_ context.Context, id uuid.UUID) (*Group, error) {
	g, ok := m.store[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return g, nil
}

func newTestService() (*Service, *mockSectionRepo, *mockGroupRepo) {
	sections, groups := newMockSectionRepo(), newMockGroupRepo()
	return NewService(sections, groups), sections, groups
}

// -- Service Tests --

func TestCreateSection_Success(t *testing.T) {
	svc, _, _ := newTestService()
	sec := &Section{Name: "  Reception ", Active: true}
	if err := svc.CreateSection(context.Background(), sec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sec.ID == uuid.Nil {
		t.Error("expected ID to be set")
	}
	if sec.Name != "Reception" {
		t.Errorf("expected trimmed name, got %q", sec.Name)
	}
}

func TestCreateSection_MissingName(t *testing.T) {
	svc, _, _ := newTestService()
	if err := svc.CreateSection(context.Background(), &Section{Name: " "}); err == nil {
		t.Error("expected error for blank name")
	}
}

func TestCreateSection_UnknownGroup(t *testing.T) {
	svc, _, _ := newTestService()
	gid := uuid.New()
	err := svc.CreateSection(context.Background(), &Section{Name: "CBC", GroupID: &gid})
	if !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("expected ErrGroupNotFound, got %v", err)
	}
}

func TestGetSection_NotFound(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.GetSection(context.Background(), uuid.New())
	if !errors.Is(err, ErrSectionNotFound) {
		t.Fatalf("expected ErrSectionNotFound, got %v", err)
	}
}

func TestListSections_ActiveOnly(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	svc.CreateSection(ctx, &Section{Name: "Reception", Active: true})
	svc.CreateSection(ctx, &Section{Name: "Retired", Active: false})

	items, total, err := svc.ListSections(ctx, true, 20, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(items) != 1 || items[0].Name != "Reception" {
		t.Errorf("expected only the active section, got %d", total)
	}
}

func TestCreateGroup_WithParent(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	root := &Group{Name: "Laboratory", Active: true}
	if err := svc.CreateGroup(ctx, root); err != nil {
		t.Fatal(err)
	}
	child := &Group{Name: "Hematology", ParentID: &root.ID, Active: true}
	if err := svc.CreateGroup(ctx, child); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	missing := uuid.New()
	if err := svc.CreateGroup(ctx, &Group{Name: "Orphan", ParentID: &missing}); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("expected ErrGroupNotFound, got %v", err)
	}
}

func TestPathOf_RootFirstWithPermission(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	lab := &Group{Name: "Laboratory"}
	svc.CreateGroup(ctx, lab)
	hem := &Group{Name: "Hematology", ParentID: &lab.ID}
	svc.CreateGroup(ctx, hem)
	sec := &Section{Name: "Cell Count", GroupID: &hem.ID, Active: true}
	svc.CreateSection(ctx, sec)

	path, err := svc.PathOf(ctx, sec.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(path.Groups) != 2 || path.Groups[0].ID != lab.ID || path.Groups[1].ID != hem.ID {
		t.Fatalf("expected [Laboratory Hematology], got %v", path.Groups)
	}
	if path.Permission != "sections.laboratory.hematology.cell_count" {
		t.Errorf("unexpected permission %q", path.Permission)
	}
}

func TestPathOf_UngroupedSection(t *testing.T) {
	svc, _, _ := newTestService()
	sec := &Section{Name: "Reception", Active: true}
	svc.CreateSection(context.Background(), sec)

	path, err := svc.PathOf(context.Background(), sec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(path.Groups) != 0 || path.Permission != "sections.reception" {
		t.Errorf("unexpected path %+v", path)
	}
}
