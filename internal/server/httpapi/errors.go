package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/dmitrijs2005/gophupload/internal/common"
	"github.com/dmitrijs2005/gophupload/internal/server/models"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error    string                       `json:"error"`
	Code     string                       `json:"code"`
	Action   common.Action                `json:"action"`
	Parts    []common.ChunkProblem        `json:"parts,omitempty"`
	Attempts []models.StrategyAttemptView `json:"attempts,omitempty"`
}

type errorKind struct {
	target error
	status int
	code   string
}

// errorKinds is matched in order; the first hit wins. Authorization expiry is
// checked before chunk missing because an expired chunk carries both.
var errorKinds = []errorKind{
	{common.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{common.ErrNotFound, http.StatusNotFound, "not_found"},
	{common.ErrAuthorizationExpired, http.StatusGone, "authorization_expired"},
	{common.ErrSessionExpired, http.StatusGone, "session_expired"},
	{common.ErrChunkMissing, http.StatusConflict, "chunk_missing"},
	{common.ErrMergeInProgress, http.StatusConflict, "merge_in_progress"},
	{common.ErrStatusConflict, http.StatusConflict, "status_conflict"},
	{common.ErrMergeExhausted, http.StatusBadGateway, "merge_exhausted"},
	{common.ErrGatewayUnavailable, http.StatusServiceUnavailable, "gateway_unavailable"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
}

// classify maps err to an HTTP status and the error body.
func classify(err error) (int, ErrorResponse) {
	body := ErrorResponse{
		Error:  err.Error(),
		Code:   "internal",
		Action: common.ActionFor(err),
	}
	status := http.StatusInternalServerError
	for _, k := range errorKinds {
		if errors.Is(err, k.target) {
			status, body.Code = k.status, k.code
			break
		}
	}

	var missing *common.ChunkMissingError
	if errors.As(err, &missing) {
		body.Parts = missing.Problems
	}
	var exhausted *common.MergeExhaustedError
	if errors.As(err, &exhausted) {
		for _, a := range exhausted.Attempts {
			body.Attempts = append(body.Attempts, models.StrategyAttemptView{
				Strategy:   a.Strategy,
				Error:      a.Error,
				DurationMs: a.Duration.Milliseconds(),
			})
		}
	}
	return status, body
}
