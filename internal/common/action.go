package common

import (
	"context"
	"errors"
)

// Action tells a caller how to recover from a failed operation.
type Action string

const (
	ActionNone            Action = ""
	ActionRetry           Action = "retry"
	ActionRetryChunks     Action = "retry_chunks"
	ActionFixRequest      Action = "fix_request"
	ActionContactOperator Action = "contact_operator"
)

// ActionFor classifies err into a recovery action.
func ActionFor(err error) Action {
	switch {
	case err == nil:
		return ActionNone
	// Every strategy already retried its own transient failures, so an
	// automatic retry would repeat the same cascade. The chunks are kept and
	// the same request may be sent again once an operator has checked the
	// store.
	case errors.Is(err, ErrMergeExhausted):
		return ActionContactOperator
	case errors.Is(err, ErrChunkMissing), errors.Is(err, ErrAuthorizationExpired):
		return ActionRetryChunks
	case errors.Is(err, ErrGatewayUnavailable),
		errors.Is(err, ErrMergeInProgress),
		errors.Is(err, context.DeadlineExceeded):
		return ActionRetry
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrStatusConflict),
		errors.Is(err, ErrSessionExpired):
		return ActionFixRequest
	default:
		return ActionContactOperator
	}
}
