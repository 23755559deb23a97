package workflow

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Workflow is the fixed, linear route a method's items take through the
// laboratory. Rework happens only through rejection back to an earlier step.
type Workflow struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description *string   `db:"description" json:"description,omitempty"`
	Steps       []Step    `json:"steps,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Step places a section at a 0-based position in a workflow. Parameters are
// per-step instructions; ParameterSchema is the JSON Schema that values
// captured when completing this step must satisfy.
type Step struct {
	WorkflowID      uuid.UUID              `db:"workflow_id" json:"workflow_id"`
	SectionID       uuid.UUID              `db:"section_id" json:"section_id"`
	SectionName     string                 `json:"section_name,omitempty"`
	Order           int                    `db:"order" json:"order"`
	Parameters      map[string]interface{} `db:"parameters" json:"parameters,omitempty"`
	ParameterSchema json.RawMessage        `db:"parameter_schema" json:"parameter_schema,omitempty"`
}

// Method is a billable procedure. Items reference a method; the method
// owns the workflow they run through.
type Method struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	Name       string     `db:"name" json:"name"`
	WorkflowID *uuid.UUID `db:"workflow_id" json:"workflow_id,omitempty"`
	Active     bool       `db:"active" json:"active"`
}
