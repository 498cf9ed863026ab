package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a single validation failure with field context.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (ve ValidationError) Error() string {
	if ve.Field == "" {
		return ve.Message
	}
	return fmt.Sprintf("%s: %s", ve.Field, ve.Message)
}

// ValidationErrors aggregates every validation failure found in a config
// document so the caller sees all of them at once rather than just the
// first.
type ValidationErrors []ValidationError

// Error implements the error interface for the aggregated set.
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	if len(ve) == 1 {
		return ve[0].Error()
	}
	messages := make([]string, 0, len(ve))
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("invalid configuration (%d errors): %s", len(ve), strings.Join(messages, "; "))
}

// HasErrors reports whether any validation error was collected.
func (ve ValidationErrors) HasErrors() bool {
	return len(ve) > 0
}

// Add appends a new validation error.
func (ve *ValidationErrors) Add(field, messageFmt string, args ...interface{}) {
	*ve = append(*ve, ValidationError{Field: field, Message: fmt.Sprintf(messageFmt, args...)})
}
