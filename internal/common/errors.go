// Package common defines sentinel errors and typed error values shared by the
// upload coordinator and its clients. Callers should use errors.Is and
// errors.As to match them.
package common

import "errors"

var (
	// Request validation.
	ErrInvalidInput = errors.New("invalid input")

	// Store lookups.
	ErrNotFound = errors.New("not found")

	// Session lifecycle.
	ErrStatusConflict  = errors.New("session status conflict")
	ErrMergeInProgress = errors.New("merge in progress")
	ErrSessionExpired  = errors.New("upload session expired")

	// Chunk and merge outcomes.
	ErrChunkMissing         = errors.New("chunk missing")
	ErrAuthorizationExpired = errors.New("authorization expired")
	ErrMergeExhausted       = errors.New("merge strategies exhausted")

	// Object store reachability.
	ErrGatewayUnavailable = errors.New("object store unavailable")
)
