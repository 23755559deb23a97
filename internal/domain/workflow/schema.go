package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// CompileSchema checks that a step's declared parameter shape is a usable
// JSON Schema. An empty schema is accepted and means "any object".
func CompileSchema(schema json.RawMessage) error {
	if isEmptySchema(schema) {
		return nil
	}
	if _, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema)); err != nil {
		return fmt.Errorf("%w: parameter schema does not compile: %v", ErrInvalidDefinition, err)
	}
	return nil
}

// ValidateParameters checks captured values against a step's schema and
// returns a *ParameterError listing every violation.
func ValidateParameters(schema json.RawMessage, params map[string]interface{}) error {
	if isEmptySchema(schema) {
		return nil
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewGoLoader(params))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if result.Valid() {
		return nil
	}

	perr := &ParameterError{Fields: make([]FieldError, 0, len(result.Errors()))}
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		perr.Fields = append(perr.Fields, FieldError{Field: field, Message: desc.Description()})
	}
	return perr
}

// MergeParameters overlays captured onto existing without mutating either.
func MergeParameters(existing, captured map[string]interface{}) map[string]interface{} {
	if len(existing) == 0 && len(captured) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(existing)+len(captured))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range captured {
		out[k] = v
	}
	return out
}

func isEmptySchema(schema json.RawMessage) bool {
	trimmed := bytes.TrimSpace(schema)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}"))
}
