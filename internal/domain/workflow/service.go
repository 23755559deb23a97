package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/section"
	"github.com/lims/lims/internal/platform/db"
)

// SectionLookup resolves the sections a definition refers to.
type SectionLookup interface {
	GetSection(ctx context.Context, id uuid.UUID) (*section.Section, error)
}

type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Service struct {
	repo     Repository
	sections SectionLookup
	tx       Transactor
}

func NewService(repo Repository, sections SectionLookup, tx Transactor) *Service {
	return &Service{repo: repo, sections: sections, tx: tx}
}

// CreateWorkflow validates and stores a definition. Steps must number
// 0..n-1, reference active sections and carry compilable parameter schemas.
func (s *Service) CreateWorkflow(ctx context.Context, w *Workflow) error {
	w.Name = strings.TrimSpace(w.Name)
	if w.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	SortSteps(w.Steps)
	if err := ValidateSteps(w.Steps); err != nil {
		return err
	}
	for i := range w.Steps {
		st := &w.Steps[i]
		sec, err := s.sections.GetSection(ctx, st.SectionID)
		if err != nil {
			return fmt.Errorf("%w: step %d: %v", ErrInvalidDefinition, st.Order, err)
		}
		if !sec.Active {
			return fmt.Errorf("%w: step %d: section %q is inactive", ErrInvalidDefinition, st.Order, sec.Name)
		}
		st.SectionName = sec.Name
		if err := CompileSchema(st.ParameterSchema); err != nil {
			return fmt.Errorf("step %d: %w", st.Order, err)
		}
	}
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		return s.repo.Create(ctx, w)
	})
}

// GetWorkflow returns the workflow with its steps.
func (s *Service) GetWorkflow(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	w, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
		}
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}
	steps, err := s.repo.ListSteps(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list steps of workflow %s: %w", id, err)
	}
	w.Steps = steps
	return w, nil
}

// StepsOf returns the workflow's steps in order. A workflow without steps is
// a configuration error.
func (s *Service) StepsOf(ctx context.Context, workflowID uuid.UUID) ([]Step, error) {
	w, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if len(w.Steps) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowHasNoSteps, workflowID)
	}
	return w.Steps, nil
}

func (s *Service) FirstStep(ctx context.Context, workflowID uuid.UUID) (Step, error) {
	steps, err := s.StepsOf(ctx, workflowID)
	if err != nil {
		return Step{}, err
	}
	st, _ := FirstStep(steps)
	return st, nil
}

func (s *Service) LastStep(ctx context.Context, workflowID uuid.UUID) (Step, error) {
	steps, err := s.StepsOf(ctx, workflowID)
	if err != nil {
		return Step{}, err
	}
	st, _ := LastStep(steps)
	return st, nil
}

// StepAfter returns the next step, or ok=false when order is the exit step.
func (s *Service) StepAfter(ctx context.Context, workflowID uuid.UUID, order int) (Step, bool, error) {
	steps, err := s.StepsOf(ctx, workflowID)
	if err != nil {
		return Step{}, false, err
	}
	st, ok := StepAfter(steps, order)
	return st, ok, nil
}

func (s *Service) StepsBefore(ctx context.Context, workflowID uuid.UUID, order int) ([]Step, error) {
	steps, err := s.StepsOf(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return StepsBefore(steps, order), nil
}

// GetMethod looks up a method by id.
func (s *Service) GetMethod(ctx context.Context, id uuid.UUID) (*Method, error) {
	m, err := s.repo.GetMethod(ctx, id)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, id)
		}
		return nil, fmt.Errorf("get method %s: %w", id, err)
	}
	return m, nil
}

// StepsForMethod resolves the method's workflow and its steps. It is the
// check run before an item is accepted: a method without a workflow or a
// workflow without steps fails here, never mid-pipeline.
func (s *Service) StepsForMethod(ctx context.Context, methodID uuid.UUID) ([]Step, error) {
	m, err := s.GetMethod(ctx, methodID)
	if err != nil {
		return nil, err
	}
	if m.WorkflowID == nil {
		return nil, fmt.Errorf("%w: method %q (%s)", ErrMethodHasNoWorkflow, m.Name, m.ID)
	}
	return s.StepsOf(ctx, *m.WorkflowID)
}
