package workflow

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// The helpers below operate on a workflow's steps sorted by Order, as
// returned by the repository.

func FirstStep(steps []Step) (Step, bool) {
	if len(steps) == 0 {
		return Step{}, false
	}
	return steps[0], true
}

func LastStep(steps []Step) (Step, bool) {
	if len(steps) == 0 {
		return Step{}, false
	}
	return steps[len(steps)-1], true
}

// StepAt returns the step with the given order.
func StepAt(steps []Step, order int) (Step, bool) {
	i := sort.Search(len(steps), func(i int) bool { return steps[i].Order >= order })
	if i < len(steps) && steps[i].Order == order {
		return steps[i], true
	}
	return Step{}, false
}

// StepAfter returns the step immediately following order. ok is false at
// the exit step.
func StepAfter(steps []Step, order int) (Step, bool) {
	i := sort.Search(len(steps), func(i int) bool { return steps[i].Order > order })
	if i < len(steps) {
		return steps[i], true
	}
	return Step{}, false
}

// StepsBefore returns the steps with order strictly less than order, in
// workflow order.
func StepsBefore(steps []Step, order int) []Step {
	i := sort.Search(len(steps), func(i int) bool { return steps[i].Order >= order })
	out := make([]Step, i)
	copy(out, steps[:i])
	return out
}

// NearestBefore returns the latest step before order that visits sectionID.
// A section can appear more than once in a workflow; rejection targets the
// closest earlier visit.
func NearestBefore(steps []Step, order int, sectionID uuid.UUID) (Step, bool) {
	before := StepsBefore(steps, order)
	for i := len(before) - 1; i >= 0; i-- {
		if before[i].SectionID == sectionID {
			return before[i], true
		}
	}
	return Step{}, false
}

// IsExit reports whether order is the workflow's last step.
func IsExit(steps []Step, order int) bool {
	last, ok := LastStep(steps)
	return ok && last.Order == order
}

// SortSteps orders steps by Order in place.
func SortSteps(steps []Step) {
	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
}

// ValidateSteps checks that a definition is non-empty, names a section in
// every step and numbers its steps 0..n-1 without gaps or duplicates.
// steps must already be sorted.
func ValidateSteps(steps []Step) error {
	if len(steps) == 0 {
		return ErrWorkflowHasNoSteps
	}
	for i, st := range steps {
		if st.SectionID == uuid.Nil {
			return fmt.Errorf("%w: step %d has no section", ErrInvalidDefinition, i)
		}
		if st.Order != i {
			return fmt.Errorf("%w: step orders must be contiguous from 0, found %d at position %d",
				ErrInvalidDefinition, st.Order, i)
		}
	}
	return nil
}
