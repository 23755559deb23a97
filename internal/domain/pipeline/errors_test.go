package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestError_IsMatchesCode(t *testing.T) {
	itemID := uuid.New()
	err := newError(ErrNoWaitingStateInSection, itemID)
	wrapped := fmt.Errorf("scan: %w", err)

	if !errors.Is(wrapped, ErrNoWaitingStateInSection) {
		t.Error("wrapped domain error must match its sentinel")
	}
	if errors.Is(wrapped, ErrStateNotProcessing) {
		t.Error("different codes must not match")
	}
	if ErrNoWaitingStateInSection.ItemID != uuid.Nil {
		t.Error("building an error must not modify the sentinel")
	}
}

func TestError_StatusCodes(t *testing.T) {
	tests := []struct {
		err  *Error
		want int
	}{
		{ErrStateNotFound, http.StatusNotFound},
		{ErrForbidden, http.StatusForbidden},
		{ErrNoWaitingStateInSection, http.StatusConflict},
		{ErrStateConflict, http.StatusConflict},
		{ErrMisconfigured, http.StatusUnprocessableEntity},
		{ErrInvalidParameters, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		if got := tt.err.StatusCode(); got != tt.want {
			t.Errorf("%s: got %d, want %d", tt.err.Code, got, tt.want)
		}
	}
}

func TestError_MessageCarriesContext(t *testing.T) {
	itemID, expected, actual := uuid.New(), uuid.New(), uuid.New()
	err := newError(ErrNoWaitingStateInSection, itemID).
		expect(expected, StatusWaiting).
		actual(&State{ID: uuid.New(), SectionID: actual, Status: StatusProcessing})

	msg := err.Error()
	for _, want := range []string{itemID.String(), expected.String(), actual.String(), "expected waiting", "found processing"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q lacks %q", msg, want)
		}
	}
}

func TestError_ProblemBody(t *testing.T) {
	itemID, section := uuid.New(), uuid.New()
	err := newError(ErrStateConflict, itemID).expect(section, StatusWaiting)
	body, jerr := json.Marshal(err)
	if jerr != nil {
		t.Fatalf("marshal: %v", jerr)
	}
	var p map[string]interface{}
	json.Unmarshal(body, &p)
	if p["code"] != "state_conflict" || p["kind"] != "conflict" || p["retryable"] != true {
		t.Errorf("unexpected problem %s", body)
	}
	if p["item_id"] != itemID.String() || p["expected_section_id"] != section.String() {
		t.Errorf("problem must carry context, got %s", body)
	}
	if _, ok := p["state_id"]; ok {
		t.Errorf("unset ids must be omitted, got %s", body)
	}
}
