package client

import (
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophupload/internal/common"
	"github.com/dmitrijs2005/gophupload/internal/server/models"
)

var ErrUnavailable = errors.New("server unavailable")

// APIError is a non-2xx answer from the coordinator.
type APIError struct {
	StatusCode int                          `json:"-"`
	Message    string                       `json:"error"`
	Code       string                       `json:"code"`
	Action     common.Action                `json:"action"`
	Parts      []common.ChunkProblem        `json:"parts,omitempty"`
	Attempts   []models.StrategyAttemptView `json:"attempts,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

var codeSentinels = map[string]error{
	"invalid_input":         common.ErrInvalidInput,
	"not_found":             common.ErrNotFound,
	"authorization_expired": common.ErrAuthorizationExpired,
	"session_expired":       common.ErrSessionExpired,
	"chunk_missing":         common.ErrChunkMissing,
	"merge_in_progress":     common.ErrMergeInProgress,
	"status_conflict":       common.ErrStatusConflict,
	"merge_exhausted":       common.ErrMergeExhausted,
	"gateway_unavailable":   common.ErrGatewayUnavailable,
}

// Unwrap maps the error code back to a sentinel. Chunk problems reported
// with an expired authorization also match ErrChunkMissing.
func (e *APIError) Unwrap() []error {
	var errs []error
	if s, ok := codeSentinels[e.Code]; ok {
		errs = append(errs, s)
	}
	if e.Code == "authorization_expired" && len(e.Parts) > 0 {
		errs = append(errs, common.ErrChunkMissing)
	}
	if e.StatusCode >= 500 && e.Code != "merge_exhausted" {
		errs = append(errs, ErrUnavailable)
	}
	return errs
}

// MissingParts lists the part numbers the server reported as absent.
func (e *APIError) MissingParts() []int {
	parts := make([]int, 0, len(e.Parts))
	for _, p := range e.Parts {
		parts = append(parts, p.PartNumber)
	}
	return parts
}

// IsRetriable reports whether repeating the same request may succeed.
func IsRetriable(err error) bool {
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	return common.ActionFor(err) == common.ActionRetry
}
