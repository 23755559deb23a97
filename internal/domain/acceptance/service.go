package acceptance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/workflow"
	"github.com/lims/lims/internal/platform/db"
)

var (
	ErrAcceptanceNotFound = errors.New("acceptance not found")
	ErrItemNotFound       = errors.New("acceptance item not found")
	ErrSampleNotFound     = errors.New("sample not found")
	ErrBarcodeRequired    = errors.New("barcode is required")
)

// MethodSteps resolves the workflow an item's method runs through.
type MethodSteps interface {
	StepsForMethod(ctx context.Context, methodID uuid.UUID) ([]workflow.Step, error)
}

// Enterer places an accepted item at the entry step of its workflow.
type Enterer interface {
	EnterPipeline(ctx context.Context, itemID uuid.UUID) (uuid.UUID, error)
}

type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Service struct {
	repo    Repository
	methods MethodSteps
	tx      Transactor
	enterer Enterer
}

func NewService(repo Repository, methods MethodSteps, tx Transactor) *Service {
	return &Service{repo: repo, methods: methods, tx: tx}
}

// SetEnterer wires the pipeline after construction; the engine itself
// depends on this package's repository.
func (s *Service) SetEnterer(e Enterer) {
	s.enterer = e
}

func (s *Service) GetAcceptance(ctx context.Context, id uuid.UUID) (*Acceptance, error) {
	a, err := s.repo.GetAcceptance(ctx, id)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrAcceptanceNotFound, id)
		}
		return nil, fmt.Errorf("get acceptance %s: %w", id, err)
	}
	return a, nil
}

func (s *Service) GetItem(ctx context.Context, id uuid.UUID) (*Item, error) {
	item, err := s.repo.GetItem(ctx, id)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
		}
		return nil, fmt.Errorf("get item %s: %w", id, err)
	}
	return item, nil
}

// AcceptItem checks the item's method resolves to a workflow with steps and
// then enters the item into its pipeline. Misconfigured methods fail here
// with a workflow configuration error and the item never gets a state row.
func (s *Service) AcceptItem(ctx context.Context, itemID uuid.UUID) (uuid.UUID, error) {
	item, err := s.GetItem(ctx, itemID)
	if err != nil {
		return uuid.Nil, err
	}
	if _, err := s.methods.StepsForMethod(ctx, item.MethodID); err != nil {
		return uuid.Nil, fmt.Errorf("accept item %s: %w", itemID, err)
	}
	if s.enterer == nil {
		return uuid.Nil, errors.New("pipeline is not configured")
	}
	return s.enterer.EnterPipeline(ctx, itemID)
}

// Resample makes the sample with the given barcode the item's active sample,
// creating it when the barcode is new. In-flight pipeline rows keep the
// sample they started with; rows created afterwards carry the new one.
func (s *Service) Resample(ctx context.Context, itemID uuid.UUID, in *Sample) (*Sample, error) {
	in.Barcode = strings.TrimSpace(in.Barcode)
	if in.Barcode == "" {
		return nil, ErrBarcodeRequired
	}

	var sample *Sample
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.LockItem(ctx, itemID); err != nil {
			if db.IsNotFound(err) {
				return fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
			}
			return fmt.Errorf("lock item %s: %w", itemID, err)
		}
		existing, err := s.repo.SampleByBarcode(ctx, in.Barcode)
		switch {
		case err == nil:
			sample = existing
		case db.IsNotFound(err):
			if err := s.repo.CreateSample(ctx, in); err != nil {
				return fmt.Errorf("create sample %s: %w", in.Barcode, err)
			}
			sample = in
		default:
			return fmt.Errorf("lookup sample %s: %w", in.Barcode, err)
		}
		return s.repo.LinkSample(ctx, itemID, sample.ID)
	})
	if err != nil {
		return nil, err
	}
	return sample, nil
}

// ActiveSample returns the item's active sample or nil when it has none.
func (s *Service) ActiveSample(ctx context.Context, itemID uuid.UUID) (*Sample, error) {
	sample, err := s.repo.ActiveSample(ctx, itemID)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("active sample of item %s: %w", itemID, err)
	}
	return sample, nil
}

// LookupBarcode resolves a scanned barcode to its sample and the items the
// sample is currently active for.
func (s *Service) LookupBarcode(ctx context.Context, barcode string) (*BarcodeLookup, error) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return nil, ErrBarcodeRequired
	}
	sample, err := s.repo.SampleByBarcode(ctx, barcode)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrSampleNotFound, barcode)
		}
		return nil, fmt.Errorf("lookup sample %s: %w", barcode, err)
	}
	items, err := s.repo.ActiveItemsForSample(ctx, sample.ID)
	if err != nil {
		return nil, fmt.Errorf("items of sample %s: %w", barcode, err)
	}
	if items == nil {
		items = []*Item{}
	}
	return &BarcodeLookup{Sample: sample, Items: items}, nil
}
