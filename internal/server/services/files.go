package services

import (
	"context"
	"strings"

	"github.com/dmitrijs2005/gophupload/internal/common"
	"github.com/dmitrijs2005/gophupload/internal/retryx"
	"github.com/dmitrijs2005/gophupload/internal/server/gateway"
	"github.com/dmitrijs2005/gophupload/internal/server/models"
)

// GetDownloadAuthorization returns a read URL for an uploaded file.
func (s *CompletionService) GetDownloadAuthorization(ctx context.Context, objectName string) (*models.DownloadResponse, error) {
	switch {
	case objectName == "":
		return nil, common.NewValidationError("objectName", "is required")
	case !strings.HasPrefix(objectName, s.upload.ObjectPrefix):
		return nil, common.NewValidationError("objectName", "is outside the upload area")
	case IsReservedKey(objectName):
		return nil, common.NewValidationError("objectName", "names a chunk, not a file")
	}

	_, err := retryx.Value(ctx, s.retry, func(ctx context.Context) (gateway.ObjectInfo, error) {
		return s.gw.Stat(ctx, objectName)
	}, gateway.IsRetriable)
	if err != nil {
		return nil, gatewayError("stat object", err)
	}

	url, err := s.readURL(ctx, objectName)
	if err != nil {
		return nil, err
	}

	return &models.DownloadResponse{
		ObjectName: objectName,
		ReadURL:    url,
		ExpiresAt:  s.now().Add(s.upload.ReadAuthorizationTTL),
	}, nil
}

// ListUploadedFiles lists finished files. Chunk objects and compose
// intermediates are left out.
func (s *CompletionService) ListUploadedFiles(ctx context.Context) ([]models.FileEntry, error) {
	objects, err := retryx.Value(ctx, s.retry, func(ctx context.Context) ([]gateway.ObjectInfo, error) {
		return s.gw.List(ctx, s.upload.ObjectPrefix)
	}, gateway.IsRetriable)
	if err != nil {
		return nil, gatewayError("list objects", err)
	}

	files := make([]models.FileEntry, 0, len(objects))
	for _, o := range objects {
		if IsReservedKey(o.Key) {
			continue
		}
		files = append(files, models.FileEntry{
			ObjectName:   o.Key,
			Size:         o.Size,
			LastModified: o.LastModified,
		})
	}
	return files, nil
}
