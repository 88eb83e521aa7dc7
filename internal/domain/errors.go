package domain

import "errors"

var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrMalformedToken    = errors.New("malformed push token")
	ErrInvalidTransition = errors.New("invalid status transition")
)
