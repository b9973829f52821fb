package common

import "errors"

// Error taxonomy shared by the guard, registry, router and onboarding.
// Handlers map these to HTTP status codes with errors.Is.
var (
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("forbidden")
	ErrConflict             = errors.New("conflict")
	ErrNotFound             = errors.New("not found")
	ErrInvalidInput         = errors.New("invalid input")
	ErrStorageFailure       = errors.New("storage failure")
	ErrUpstreamVerification = errors.New("upstream verification failure")
)
