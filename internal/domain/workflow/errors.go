package workflow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrWorkflowNotFound    = errors.New("workflow not found")
	ErrWorkflowHasNoSteps  = errors.New("workflow has no steps")
	ErrMethodNotFound      = errors.New("method not found")
	ErrMethodHasNoWorkflow = errors.New("method has no workflow")
	ErrStepNotFound        = errors.New("workflow step not found")
	ErrInvalidDefinition   = errors.New("invalid workflow definition")
	ErrInvalidParameters   = errors.New("invalid step parameters")
)

// IsConfigurationError reports the misconfigurations that must stop an item
// from being accepted.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrWorkflowHasNoSteps) ||
		errors.Is(err, ErrMethodHasNoWorkflow)
}

// FieldError is one JSON Schema violation.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ParameterError lists every violation found while validating captured
// parameters against a step's schema.
type ParameterError struct {
	Fields []FieldError
}

func (e *ParameterError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return fmt.Sprintf("%s: %s", ErrInvalidParameters, strings.Join(parts, "; "))
}

func (e *ParameterError) Unwrap() error { return ErrInvalidParameters }
