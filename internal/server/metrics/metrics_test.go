package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware_RecordsStatus(t *testing.T) {
	m := New()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/uploads", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/uploads", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("409", http.MethodPost)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inflight))
}

func TestHandler_ExposesRegistry(t *testing.T) {
	m := New()
	m.Uploads.Planned(true)
	m.Gateway.Observe("put", 128, nil, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `gophupload_uploads_plans_total{mode="direct"} 1`))
	assert.True(t, strings.Contains(body, `gophupload_gateway_bytes_total{op="put"} 128`))
}

func TestUploadMetrics(t *testing.T) {
	m := New()
	u := m.Uploads

	u.Planned(false)
	u.AuthorizationIssued(nil)
	u.AuthorizationIssued(errors.New("x"))
	u.ChunkReported()
	u.MergeAttempt("compose", errors.New("unsupported"), time.Second)
	u.MergeAttempt("multipart", nil, time.Second)
	u.Completed("complete")
	u.CleanupDelete(nil)
	u.Swept(3, 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(u.plans.WithLabelValues("chunked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(u.authorizations.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(u.mergeAttempts.WithLabelValues("compose", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(u.mergeAttempts.WithLabelValues("multipart", "ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(u.sweptSessions))
	assert.Equal(t, 2.0, testutil.ToFloat64(u.abortedUploads))
}
