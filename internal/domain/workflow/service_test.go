package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lims/lims/internal/domain/section"
)

// -- Mocks --

type mockRepo struct {
	workflows map[uuid.UUID]*Workflow
	steps     map[uuid.UUID][]Step
	methods   map[uuid.UUID]*Method
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		workflows: make(map[uuid.UUID]*Workflow),
		steps:     make(map[uuid.UUID][]Step),
		methods:   make(map[uuid.UUID]*Method),
	}
}

func (m *mockRepo) Create(_ context.Context, w *Workflow) error {
	w.ID = uuid.New()
	for i := range w.Steps {
		w.Steps[i].WorkflowID = w.ID
	}
	stored := *w
	stored.Steps = nil
	m.workflows[w.ID] = &stored
	m.steps[w.ID] = append([]Step(nil), w.Steps...)
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Workflow, error) {
	w, ok := m.workflows[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *w
	return &cp, nil
}

func (m *mockRepo) ListSteps(_ context.Context, workflowID uuid.UUID) ([]Step, error) {
	return append([]Step(nil), m.steps[workflowID]...), nil
}

func (m *mockRepo) GetMethod(_ context.Context, id uuid.UUID) (*Method, error) {
	mt, ok := m.methods[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return mt, nil
}

type mockSections map[uuid.UUID]*section.Section

func (m mockSections) GetSection(_ context.Context, id uuid.UUID) (*section.Section, error) {
	s, ok := m[id]
	if !ok {
		return nil, section.ErrSectionNotFound
	}
	return s, nil
}

type passthroughTx struct{ calls int }

func (p *passthroughTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	p.calls++
	return fn(ctx)
}

func newTestService() (*Service, *mockRepo, mockSections) {
	repo := newMockRepo()
	secs := mockSections{
		reception:  {ID: reception, Name: "Reception", Active: true},
		extraction: {ID: extraction, Name: "Extraction", Active: true},
		analysis:   {ID: analysis, Name: "Analysis", Active: true},
	}
	return NewService(repo, secs, &passthroughTx{}), repo, secs
}

func createThreeStep(t *testing.T, svc *Service) *Workflow {
	t.Helper()
	w := &Workflow{Name: "PCR", Steps: []Step{
		{SectionID: analysis, Order: 2},
		{SectionID: reception, Order: 0},
		{SectionID: extraction, Order: 1},
	}}
	if err := svc.CreateWorkflow(context.Background(), w); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	return w
}

func TestCreateWorkflow_SortsAndNamesSteps(t *testing.T) {
	svc, _, _ := newTestService()
	w := createThreeStep(t, svc)
	if w.ID == uuid.Nil {
		t.Fatal("expected ID to be set")
	}
	if w.Steps[0].SectionID != reception || w.Steps[0].SectionName != "Reception" {
		t.Errorf("unexpected first step %+v", w.Steps[0])
	}
	if w.Steps[2].SectionName != "Analysis" {
		t.Errorf("unexpected last step %+v", w.Steps[2])
	}
}

func TestCreateWorkflow_RunsInTransaction(t *testing.T) {
	repo := newMockRepo()
	tx := &passthroughTx{}
	svc := NewService(repo, mockSections{reception: {ID: reception, Name: "Reception", Active: true}}, tx)
	w := &Workflow{Name: "Single", Steps: []Step{{SectionID: reception, Order: 0}}}
	if err := svc.CreateWorkflow(context.Background(), w); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx.calls != 1 {
		t.Errorf("expected one transaction, got %d", tx.calls)
	}
}

func TestCreateWorkflow_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		w       *Workflow
		inact   bool
		wantErr error
	}{
		{"missing name", &Workflow{Name: "  ", Steps: []Step{{SectionID: reception}}}, false, ErrInvalidDefinition},
		{"no steps", &Workflow{Name: "x"}, false, ErrWorkflowHasNoSteps},
		{"unknown section", &Workflow{Name: "x", Steps: []Step{{SectionID: uuid.New()}}}, false, ErrInvalidDefinition},
		{"inactive section", &Workflow{Name: "x", Steps: []Step{{SectionID: extraction}}}, true, ErrInvalidDefinition},
		{"bad schema", &Workflow{Name: "x", Steps: []Step{{SectionID: reception, ParameterSchema: json.RawMessage(`{"type": 1}`)}}}, false, ErrInvalidDefinition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo, secs := newTestService()
			if tt.inact {
				secs[extraction].Active = false
			}
			err := svc.CreateWorkflow(context.Background(), tt.w)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if len(repo.workflows) != 0 {
				t.Error("rejected workflow must not be stored")
			}
		})
	}
}

func TestGetWorkflow_NotFound(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.GetWorkflow(context.Background(), uuid.New())
	if !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
	}
}

func TestServiceStepNavigation(t *testing.T) {
	svc, _, _ := newTestService()
	w := createThreeStep(t, svc)
	ctx := context.Background()

	first, err := svc.FirstStep(ctx, w.ID)
	if err != nil || first.SectionID != reception {
		t.Fatalf("first step = %+v, %v", first, err)
	}
	last, err := svc.LastStep(ctx, w.ID)
	if err != nil || last.SectionID != analysis {
		t.Fatalf("last step = %+v, %v", last, err)
	}
	next, ok, err := svc.StepAfter(ctx, w.ID, 1)
	if err != nil || !ok || next.SectionID != analysis {
		t.Fatalf("step after 1 = %+v ok=%v err=%v", next, ok, err)
	}
	if _, ok, _ := svc.StepAfter(ctx, w.ID, 2); ok {
		t.Error("exit step has no successor")
	}
	before, err := svc.StepsBefore(ctx, w.ID, 2)
	if err != nil || len(before) != 2 {
		t.Fatalf("steps before 2 = %+v, %v", before, err)
	}
}

func TestStepsOf_EmptyWorkflow(t *testing.T) {
	svc, repo, _ := newTestService()
	id := uuid.New()
	repo.workflows[id] = &Workflow{ID: id, Name: "empty"}
	_, err := svc.StepsOf(context.Background(), id)
	if !errors.Is(err, ErrWorkflowHasNoSteps) || !IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestStepsForMethod(t *testing.T) {
	svc, repo, _ := newTestService()
	w := createThreeStep(t, svc)

	withWorkflow := &Method{ID: uuid.New(), Name: "SARS-CoV-2 PCR", WorkflowID: &w.ID, Active: true}
	without := &Method{ID: uuid.New(), Name: "Manual", Active: true}
	repo.methods[withWorkflow.ID] = withWorkflow
	repo.methods[without.ID] = without

	steps, err := svc.StepsForMethod(context.Background(), withWorkflow.ID)
	if err != nil || len(steps) != 3 {
		t.Fatalf("steps = %d, err = %v", len(steps), err)
	}

	_, err = svc.StepsForMethod(context.Background(), without.ID)
	if !errors.Is(err, ErrMethodHasNoWorkflow) || !IsConfigurationError(err) {
		t.Fatalf("expected ErrMethodHasNoWorkflow, got %v", err)
	}

	_, err = svc.StepsForMethod(context.Background(), uuid.New())
	if !errors.Is(err, ErrMethodNotFound) {
		t.Fatalf("expected ErrMethodNotFound, got %v", err)
	}
}
