package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/workflow"
)

// Kind classifies domain errors for callers deciding whether to retry.
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindForbidden     Kind = "forbidden"
	KindPrecondition  Kind = "precondition"
	KindConflict      Kind = "conflict"
	KindConfiguration Kind = "configuration"
	KindInvalid       Kind = "invalid"
)

// Error is a pipeline domain error. It carries the item and the expected
// and actual section/status so a station can explain a refused action.
// errors.Is matches on Code, so the package sentinels match any error
// built from them.
type Error struct {
	Kind    Kind
	Code    string
	Message string

	ItemID          uuid.UUID
	StateID         uuid.UUID
	ExpectedSection uuid.UUID
	ActualSection   uuid.UUID
	ExpectedStatus  string
	ActualStatus    string

	Err error
}

var (
	ErrAcceptanceNotFound      = &Error{Kind: KindNotFound, Code: "acceptance_not_found", Message: "acceptance not found"}
	ErrItemNotFound            = &Error{Kind: KindNotFound, Code: "item_not_found", Message: "acceptance item not found"}
	ErrStateNotFound           = &Error{Kind: KindNotFound, Code: "state_not_found", Message: "pipeline state not found"}
	ErrSampleNotFound          = &Error{Kind: KindNotFound, Code: "sample_not_found", Message: "no sample with this barcode"}
	ErrForbidden               = &Error{Kind: KindForbidden, Code: "forbidden", Message: "actor may not act on this item in this section"}
	ErrActorRequired           = &Error{Kind: KindInvalid, Code: "actor_required", Message: "an actor is required"}
	ErrAlreadyEnteredPipeline  = &Error{Kind: KindPrecondition, Code: "already_entered_pipeline", Message: "item has already entered the pipeline"}
	ErrNoWaitingStateInSection = &Error{Kind: KindPrecondition, Code: "no_waiting_state_in_section", Message: "item is not waiting in this section"}
	ErrNoActiveItems           = &Error{Kind: KindPrecondition, Code: "no_active_items", Message: "sample is not the active sample of any item"}
	ErrStateNotProcessing      = &Error{Kind: KindPrecondition, Code: "state_not_processing", Message: "state is not being processed"}
	ErrInvalidRejectionTarget  = &Error{Kind: KindPrecondition, Code: "invalid_rejection_target", Message: "target section is not an earlier step of this item's workflow"}
	ErrAlreadyStarted          = &Error{Kind: KindConflict, Code: "already_started", Message: "another actor already started this item in this section"}
	ErrStateConflict           = &Error{Kind: KindConflict, Code: "state_conflict", Message: "item was changed concurrently, resubmit"}
	ErrMisconfigured           = &Error{Kind: KindConfiguration, Code: "workflow_misconfigured", Message: "item's workflow is misconfigured"}
	ErrInvalidParameters       = &Error{Kind: KindInvalid, Code: "invalid_parameters", Message: "captured parameters do not match the step's schema"}
)

// errConcurrentUpdate is returned by repositories when a compare-and-swap
// misses or the one-active-row index rejects an insert.
var errConcurrentUpdate = errors.New("concurrent update of pipeline state")

func newError(sentinel *Error, itemID uuid.UUID) *Error {
	e := *sentinel
	e.ItemID = itemID
	return &e
}

func (e *Error) withState(id uuid.UUID) *Error {
	e.StateID = id
	return e
}

func (e *Error) expect(section uuid.UUID, status string) *Error {
	e.ExpectedSection = section
	e.ExpectedStatus = status
	return e
}

// actual records what was found; a nil state means the item has no rows.
func (e *Error) actual(s *State) *Error {
	if s == nil {
		e.ActualStatus = "none"
		return e
	}
	e.ActualSection = s.SectionID
	e.ActualStatus = s.Status
	if e.StateID == uuid.Nil {
		e.StateID = s.ID
	}
	return e
}

func (e *Error) wrap(err error) *Error {
	e.Err = err
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.ItemID != uuid.Nil {
		fmt.Fprintf(&b, " (item %s", e.ItemID)
		if e.StateID != uuid.Nil {
			fmt.Fprintf(&b, ", state %s", e.StateID)
		}
		b.WriteString(")")
	}
	if e.ExpectedStatus != "" || e.ActualStatus != "" {
		fmt.Fprintf(&b, ": expected %s", orAny(e.ExpectedStatus))
		if e.ExpectedSection != uuid.Nil {
			fmt.Fprintf(&b, " in section %s", e.ExpectedSection)
		}
		fmt.Fprintf(&b, ", found %s", orAny(e.ActualStatus))
		if e.ActualSection != uuid.Nil {
			fmt.Fprintf(&b, " in section %s", e.ActualSection)
		}
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func orAny(s string) string {
	if s == "" {
		return "any"
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// StatusCode maps the error kind to an HTTP status.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindPrecondition, KindConflict:
		return http.StatusConflict
	case KindConfiguration, KindInvalid:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type problem struct {
	Code            string                `json:"code"`
	Kind            Kind                  `json:"kind"`
	Message         string                `json:"message"`
	Detail          string                `json:"detail,omitempty"`
	ItemID          *uuid.UUID            `json:"item_id,omitempty"`
	StateID         *uuid.UUID            `json:"state_id,omitempty"`
	ExpectedSection *uuid.UUID            `json:"expected_section_id,omitempty"`
	ActualSection   *uuid.UUID            `json:"actual_section_id,omitempty"`
	ExpectedStatus  string                `json:"expected_status,omitempty"`
	ActualStatus    string                `json:"actual_status,omitempty"`
	Retryable       bool                  `json:"retryable"`
	Fields          []workflow.FieldError `json:"fields,omitempty"`
}

// MarshalJSON renders the error as the problem body returned to clients.
func (e *Error) MarshalJSON() ([]byte, error) {
	p := problem{
		Code:            e.Code,
		Kind:            e.Kind,
		Message:         e.Message,
		ItemID:          nonNil(e.ItemID),
		StateID:         nonNil(e.StateID),
		ExpectedSection: nonNil(e.ExpectedSection),
		ActualSection:   nonNil(e.ActualSection),
		ExpectedStatus:  e.ExpectedStatus,
		ActualStatus:    e.ActualStatus,
		Retryable:       e.Code == ErrStateConflict.Code,
	}
	var perr *workflow.ParameterError
	if errors.As(e.Err, &perr) {
		p.Fields = perr.Fields
	} else if e.Err != nil && e.Code != ErrStateConflict.Code {
		p.Detail = e.Err.Error()
	}
	return json.Marshal(p)
}

func nonNil(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

// IsRetryable reports errors a client can resubmit unchanged.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == ErrStateConflict.Code
}
