package config

import (
	"errors"
	"fmt"
)

// Sentinel errors for configuration loading.
var (
	ErrConfigNotFound = errors.New("configuration file not found")
	ErrInvalidTOML    = errors.New("invalid TOML")
)

// ValidationError names the section and field that failed validation.
type ValidationError struct {
	Section string
	Name    string
	Field   string
	Err     error
}

// NewValidationError builds a ValidationError.
func NewValidationError(section, name, field string, err error) *ValidationError {
	return &ValidationError{Section: section, Name: name, Field: field, Err: err}
}

func (e *ValidationError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s %q: %s: %v", e.Section, e.Name, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Section, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }
