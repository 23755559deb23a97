package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/acceptance"
)

// State statuses. A row is created WAITING, moves to PROCESSING when a
// station scans the sample, and ends FINISHED or REJECTED.
const (
	StatusWaiting    = "waiting"
	StatusProcessing = "processing"
	StatusFinished   = "finished"
	StatusRejected   = "rejected"
)

// IsActiveStatus reports WAITING and PROCESSING, the statuses of which an
// item holds at most one row at a time.
func IsActiveStatus(status string) bool {
	return status == StatusWaiting || status == StatusProcessing
}

// State is one visit of an item to a section. Completion and rejection
// never move a row to another section; they close it and append a new one.
type State struct {
	ID             uuid.UUID              `db:"id" json:"id"`
	Seq            int64                  `db:"seq" json:"seq"`
	ItemID         uuid.UUID              `db:"acceptance_item_id" json:"acceptance_item_id"`
	SectionID      uuid.UUID              `db:"section_id" json:"section_id"`
	SectionName    string                 `json:"section_name,omitempty"`
	SampleID       *uuid.UUID             `db:"sample_id" json:"sample_id,omitempty"`
	Order          int                    `db:"order" json:"order"`
	Status         string                 `db:"status" json:"status"`
	Parameters     map[string]interface{} `db:"parameters" json:"parameters,omitempty"`
	StartedBy      *string                `db:"started_by" json:"started_by,omitempty"`
	FinishedBy     *string                `db:"finished_by" json:"finished_by,omitempty"`
	StartedAt      *time.Time             `db:"started_at" json:"started_at,omitempty"`
	FinishedAt     *time.Time             `db:"finished_at" json:"finished_at,omitempty"`
	IsFirstSection bool                   `db:"is_first_section" json:"is_first_section"`
	Version        int                    `db:"version" json:"version"`
	CreatedAt      time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time              `db:"updated_at" json:"updated_at"`
}

func (s *State) clone() *State {
	cp := *s
	if s.Parameters != nil {
		cp.Parameters = make(map[string]interface{}, len(s.Parameters))
		for k, v := range s.Parameters {
			cp.Parameters[k] = v
		}
	}
	return &cp
}

// ScanResult is the outcome of scanning one sample at a station. A sample
// can be active for several items; each is reported in exactly one list.
type ScanResult struct {
	Sample    *acceptance.Sample `json:"sample"`
	Started   []*State           `json:"started"`
	Unchanged []*State           `json:"unchanged"`
	Skipped   []SkippedItem      `json:"skipped"`
}

// SkippedItem is an item the scan did not start, with the reason.
type SkippedItem struct {
	ItemID uuid.UUID `json:"item_id"`
	Error  *Error    `json:"error"`
}

// CompleteResult is the outcome of completing a section. NextStateID is
// nil when the completed step was the workflow's exit.
type CompleteResult struct {
	State       *State     `json:"state"`
	NextStateID *uuid.UUID `json:"next_state_id,omitempty"`
	Exited      bool       `json:"exited"`
}

// RejectionTarget is an earlier step an item can be sent back to.
type RejectionTarget struct {
	SectionID   uuid.UUID `json:"section_id"`
	SectionName string    `json:"section_name"`
	Order       int       `json:"order"`
}

// ItemStatus is the derived, never stored, status of an item.
type ItemStatus struct {
	ItemID      uuid.UUID  `json:"item_id"`
	StateID     *uuid.UUID `json:"state_id,omitempty"`
	SectionID   *uuid.UUID `json:"section_id,omitempty"`
	SectionName string     `json:"section_name,omitempty"`
	State       string     `json:"state,omitempty"`
	Report      string     `json:"report_status,omitempty"`
	Summary     string     `json:"summary"`
}

// Readiness explains whether an item may be reported.
type Readiness struct {
	ItemID     uuid.UUID `json:"item_id"`
	Reportable bool      `json:"reportable"`
	Reason     string    `json:"reason,omitempty"`
}
