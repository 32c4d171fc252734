// Package apperr defines sentinel errors shared across storage and API layers.
package apperr

import "errors"

var (
	ErrNotFound = errors.New("not found")
	ErrNotReady = errors.New("not ready")
)
