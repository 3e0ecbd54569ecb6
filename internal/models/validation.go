package models

import (
	"fmt"
	"strings"
)

// FieldError associates a validation error with the field that caused it.
type FieldError struct {
	Field string
	Err   error
}

// ValidationErrors aggregates per-field validation failures.
type ValidationErrors struct {
	Errors []FieldError
}

// Add records a validation failure for a field.
func (v *ValidationErrors) Add(field string, err error) {
	v.Errors = append(v.Errors, FieldError{Field: field, Err: err})
}

// Err returns the aggregate as an error, or nil if no failures were recorded.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

func (v *ValidationErrors) Error() string {
	parts := make([]string, len(v.Errors))
	for i, fe := range v.Errors {
		parts[i] = fmt.Sprintf("%s: %v", fe.Field, fe.Err)
	}
	return strings.Join(parts, "; ")
}
