package report

import (
	"time"

	"github.com/google/uuid"
)

// Report statuses, owned by the reporting module.
const (
	StatusDraft            = "draft"
	StatusAwaitingApproval = "awaiting_approval"
	StatusApproved         = "approved"
	StatusPublished        = "published"
)

// Report is the result document of an item. At most one report per item is
// active; superseded reports stay for audit with Active false.
type Report struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	AcceptanceItemID uuid.UUID  `db:"acceptance_item_id" json:"acceptance_item_id"`
	Status           string     `db:"status" json:"status"`
	Active           bool       `db:"active" json:"active"`
	ApprovedAt       *time.Time `db:"approved_at" json:"approved_at,omitempty"`
	PublishedAt      *time.Time `db:"published_at" json:"published_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

func (r *Report) IsPublished() bool { return r.Status == StatusPublished }

// Describe renders the report sub-state shown as an item's status.
func (r *Report) Describe() string {
	switch r.Status {
	case StatusPublished:
		return "Report Published"
	case StatusApproved:
		return "Report Approved"
	default:
		return "Awaiting Report Approval"
	}
}
