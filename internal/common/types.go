package common

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError reports a rejected request field. It matches ErrInvalidInput.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// ChunkProblem describes why a single chunk failed verification.
type ChunkProblem struct {
	PartNumber           int    `json:"partNumber"`
	Reason               string `json:"reason"`
	AuthorizationExpired bool   `json:"authorizationExpired,omitempty"`
}

// ChunkMissingError lists every chunk that is absent or has the wrong size.
// It matches ErrChunkMissing, and ErrAuthorizationExpired as well when at
// least one of those chunks can no longer be written with its issued URL.
type ChunkMissingError struct {
	Problems []ChunkProblem
}

func (e *ChunkMissingError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, fmt.Sprintf("%d (%s)", p.PartNumber, p.Reason))
	}
	return "chunk missing: parts " + strings.Join(parts, ", ")
}

// Parts returns the offending part numbers in the order they were recorded.
func (e *ChunkMissingError) Parts() []int {
	out := make([]int, 0, len(e.Problems))
	for _, p := range e.Problems {
		out = append(out, p.PartNumber)
	}
	return out
}

func (e *ChunkMissingError) Unwrap() []error {
	errs := []error{ErrChunkMissing}
	for _, p := range e.Problems {
		if p.AuthorizationExpired {
			errs = append(errs, ErrAuthorizationExpired)
			break
		}
	}
	return errs
}

// StrategyAttempt is the diagnostic record of one merge strategy run.
type StrategyAttempt struct {
	Strategy string        `json:"strategy"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"durationNs"`
}

// MergeExhaustedError is returned when every merge strategy failed.
type MergeExhaustedError struct {
	Attempts []StrategyAttempt
}

func (e *MergeExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.Strategy+": "+a.Error)
	}
	return "merge strategies exhausted: " + strings.Join(parts, "; ")
}

func (e *MergeExhaustedError) Unwrap() error { return ErrMergeExhausted }
