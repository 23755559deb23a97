package acceptance

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	CreateAcceptance(ctx context.Context, a *Acceptance) error
	GetAcceptance(ctx context.Context, id uuid.UUID) (*Acceptance, error)
	CreateItem(ctx context.Context, item *Item) error
	GetItem(ctx context.Context, id uuid.UUID) (*Item, error)
	ListItems(ctx context.Context, acceptanceID uuid.UUID) ([]*Item, error)
	// LockItem takes a row lock on the item for the rest of the transaction.
	LockItem(ctx context.Context, id uuid.UUID) error

	CreateSample(ctx context.Context, s *Sample) error
	SampleByBarcode(ctx context.Context, barcode string) (*Sample, error)
	// ActiveSample returns pgx.ErrNoRows when the item has no active sample.
	ActiveSample(ctx context.Context, itemID uuid.UUID) (*Sample, error)
	// ActiveItemsForSample returns the items whose active link is sampleID.
	ActiveItemsForSample(ctx context.Context, sampleID uuid.UUID) ([]*Item, error)
	// LinkSample deactivates the item's current link and makes sampleID the
	// active sample.
	LinkSample(ctx context.Context, itemID, sampleID uuid.UUID) error
}
