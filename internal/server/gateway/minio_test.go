package gateway

import (
	"errors"
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/gophupload/internal/server/config"
)

func TestSplitEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		endpoint   string
		useSSL     bool
		wantHost   string
		wantSecure bool
	}{
		{"bare host keeps flag", "minio:9000", true, "minio:9000", true},
		{"http scheme", "http://127.0.0.1:9000", true, "127.0.0.1:9000", false},
		{"https scheme", "https://s3.example.com/", false, "s3.example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, secure, err := splitEndpoint(tt.endpoint, tt.useSSL)
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantSecure, secure)
		})
	}
}

func TestClassifyMinio(t *testing.T) {
	assert.ErrorIs(t, classifyMinio(minio.ErrorResponse{Code: "NoSuchKey"}), ErrObjectNotFound)
	assert.ErrorIs(t, classifyMinio(minio.ErrorResponse{StatusCode: http.StatusNotFound}), ErrObjectNotFound)
	assert.ErrorIs(t, classifyMinio(minio.ErrorResponse{Code: "NotImplemented"}), ErrUnsupported)
	assert.ErrorIs(t, classifyMinio(minio.ErrorResponse{Code: "EntityTooSmall"}), ErrInvalidPart)

	plain := errors.New("connection reset")
	assert.Equal(t, plain, classifyMinio(plain))
}

func TestNewMinioGateway(t *testing.T) {
	var c config.Config
	c.LoadDefaults()
	cfg := c.Gateway
	cfg.MaxComposeSources = 0

	g, err := NewMinioGateway(cfg)
	require.NoError(t, err)
	assert.Equal(t, "uploads", g.Bucket())
	assert.Equal(t, 32, g.MaxComposeSources())
}
