package acceptance

import (
	"time"

	"github.com/google/uuid"
)

// Acceptance statuses. Cancelled and void orders are closed; items of a
// closed order never become reportable.
const (
	StatusPending    = "pending"
	StatusSampling   = "sampling"
	StatusProcessing = "processing"
	StatusReported   = "reported"
	StatusCancelled  = "cancelled"
	StatusVoid       = "void"
)

// Acceptance is a patient order: the set of tests received together.
type Acceptance struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// IsInProgress reports whether the order is still open: anything but
// cancelled or void.
func (a *Acceptance) IsInProgress() bool {
	return a.Status != StatusCancelled && a.Status != StatusVoid
}

// Item is one ordered test of an acceptance.
type Item struct {
	ID               uuid.UUID              `db:"id" json:"id"`
	AcceptanceID     uuid.UUID              `db:"acceptance_id" json:"acceptance_id"`
	MethodID         uuid.UUID              `db:"method_id" json:"method_id"`
	CustomParameters map[string]interface{} `db:"custom_parameters" json:"custom_parameters,omitempty"`
	CreatedAt        time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time              `db:"updated_at" json:"updated_at"`
}

// Sample is a physical specimen identified by its barcode.
type Sample struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	Barcode     string     `db:"barcode" json:"barcode"`
	SampleType  *string    `db:"sample_type" json:"sample_type,omitempty"`
	PatientName *string    `db:"patient_name" json:"patient_name,omitempty"`
	CollectedAt *time.Time `db:"collected_at" json:"collected_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// BarcodeLookup is what a station shows after a scan.
type BarcodeLookup struct {
	Sample *Sample `json:"sample"`
	Items  []*Item `json:"items"`
}
