package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/gophupload/internal/common"
	"github.com/dmitrijs2005/gophupload/internal/server/gateway"
)

// reservedSuffix matches chunk objects and compose intermediates.
var reservedSuffix = regexp.MustCompile(`_(part_\d+|batch_\d+_\d+)$`)

// IsReservedKey reports whether key names a chunk or an intermediate object
// rather than an uploaded file.
func IsReservedKey(key string) bool {
	return reservedSuffix.MatchString(key)
}

// ChunkKey is the object key chunk partNumber of objectName is uploaded to.
func ChunkKey(objectName string, partNumber int) string {
	return fmt.Sprintf("%s_part_%d", objectName, partNumber)
}

const maxFileNameLength = 255

func validateFileName(name string) error {
	switch {
	case name == "":
		return common.NewValidationError("fileName", "is required")
	case len(name) > maxFileNameLength:
		return common.NewValidationError("fileName", fmt.Sprintf("longer than %d bytes", maxFileNameLength))
	case name == "." || name == "..":
		return common.NewValidationError("fileName", "is not a file name")
	case strings.ContainsAny(name, `/\`):
		return common.NewValidationError("fileName", "must not contain path separators")
	case strings.IndexFunc(name, unicode.IsControl) >= 0:
		return common.NewValidationError("fileName", "must not contain control characters")
	case IsReservedKey(name):
		return common.NewValidationError("fileName", "ends with a reserved suffix")
	}
	return nil
}

func validateUploadID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return common.NewValidationError("uploadId", "is not a valid id")
	}
	return nil
}

// gatewayError translates a gateway failure into the caller-facing taxonomy:
// a missing object becomes ErrNotFound and everything else ErrGatewayUnavailable.
func gatewayError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	case gateway.IsNotFound(err):
		return fmt.Errorf("%s: %w: %w", op, common.ErrNotFound, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, common.ErrGatewayUnavailable, err)
	}
}
