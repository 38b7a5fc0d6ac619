// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the request collides with the current state,
// e.g. starting servers that are already running.
var ErrConflict = errors.New("conflict")

// ErrValidation indicates a command or configuration failed validation.
// Wrap it with fmt.Errorf("%w: ...", ErrValidation) to carry the detail.
var ErrValidation = errors.New("validation failed")
