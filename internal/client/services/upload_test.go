package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/gophupload/internal/client/client"
	"github.com/dmitrijs2005/gophupload/internal/common"
	"github.com/dmitrijs2005/gophupload/internal/logging"
	"github.com/dmitrijs2005/gophupload/internal/retryx"
	"github.com/dmitrijs2005/gophupload/internal/server/models"
)

/*************
 * Fake object store
 *************/

// fakeStore accepts PUTs on /parts/{n}. reject maps a part to the status it
// answers with, for as many times as listed.
type fakeStore struct {
	*httptest.Server

	mu     sync.Mutex
	parts  map[int][]byte
	reject map[int][]int
	puts   map[int]int
}

func newFakeStore(t *testing.T) *fakeStore {
	s := &fakeStore{parts: map[int][]byte{}, reject: map[int][]int{}, puts: map[int]int{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var part int
		_, _ = fmt.Sscanf(r.URL.Path, "/parts/%d", &part)
		body, _ := io.ReadAll(r.Body)

		s.mu.Lock()
		defer s.mu.Unlock()
		s.puts[part]++
		if codes := s.reject[part]; len(codes) > 0 {
			s.reject[part] = codes[1:]
			http.Error(w, "rejected", codes[0])
			return
		}
		s.parts[part] = body
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *fakeStore) url(part, generation int) string {
	return fmt.Sprintf("%s/parts/%d?gen=%d", s.URL, part, generation)
}

func (s *fakeStore) assembled(n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for i := range n {
		out = append(out, s.parts[i+1]...)
	}
	return out
}

/*************
 * Fake coordinator client
 *************/

type fakeClient struct {
	store     *fakeStore
	chunkSize int64

	mu          sync.Mutex
	plan        *models.PlanResponse
	noURL       []int
	reissued    [][]int
	reported    []int
	completeErr []error
	completes   int
	direct      []byte
}

func (f *fakeClient) chunk(part int, fileSize int64, gen int) models.ChunkAuthorization {
	start := int64(part-1) * f.chunkSize
	end := min(start+f.chunkSize, fileSize) - 1
	return models.ChunkAuthorization{PartNumber: part, StartByte: start, EndByte: end, WriteURL: f.store.url(part, gen)}
}

func (f *fakeClient) Plan(ctx context.Context, req models.PlanRequest) (*models.PlanResponse, error) {
	if req.FileSize <= f.chunkSize {
		return &models.PlanResponse{ShouldDirectUpload: true}, nil
	}
	total := int((req.FileSize + f.chunkSize - 1) / f.chunkSize)
	plan := &models.PlanResponse{
		UploadID:    "u1",
		ObjectName:  "uploads/u1/" + req.FileName,
		TotalChunks: total,
		ChunkSize:   f.chunkSize,
		Concurrency: 3,
	}
	for i := range total {
		c := f.chunk(i+1, req.FileSize, 0)
		if slices.Contains(f.noURL, c.PartNumber) {
			c.WriteURL = ""
			plan.MissingAuthorizations = append(plan.MissingAuthorizations, c.PartNumber)
		}
		plan.Chunks = append(plan.Chunks, c)
	}
	f.plan = plan
	return plan, nil
}

func (f *fakeClient) Reissue(ctx context.Context, uploadID string, parts []int) (*models.ReissueResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reissued = append(f.reissued, parts)

	size := f.plan.Chunks[len(f.plan.Chunks)-1].EndByte + 1
	resp := &models.ReissueResponse{UploadID: uploadID}
	for _, p := range parts {
		resp.Chunks = append(resp.Chunks, f.chunk(p, size, len(f.reissued)))
	}
	return resp, nil
}

func (f *fakeClient) ReportChunk(ctx context.Context, uploadID string, partNumber int) (*models.ChunkReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reported = append(f.reported, partNumber)
	return &models.ChunkReport{UploadID: uploadID, PartNumber: partNumber}, nil
}

func (f *fakeClient) Complete(ctx context.Context, uploadID string, req models.CompleteRequest) (*models.CompleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completes++
	if len(f.completeErr) > 0 {
		err := f.completeErr[0]
		f.completeErr = f.completeErr[1:]
		return nil, err
	}
	return &models.CompleteResponse{UploadID: uploadID, Location: req.ObjectName, ReadURL: "https://read/" + req.ObjectName, Strategy: "compose"}, nil
}

func (f *fakeClient) Status(ctx context.Context, uploadID string) (*models.StatusResponse, error) {
	return nil, common.ErrNotFound
}

func (f *fakeClient) Abandon(ctx context.Context, uploadID string) error { return nil }

func (f *fakeClient) DirectUpload(ctx context.Context, fileName string, body io.Reader, size int64) (*models.DirectUploadResponse, error) {
	b, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	f.direct = b
	return &models.DirectUploadResponse{Location: "uploads/d/" + fileName, ReadURL: "https://read/d", Size: size}, nil
}

var _ client.Client = (*fakeClient)(nil)

/*************
 * Helpers
 *************/

func writeFile(t *testing.T, n int) (string, []byte) {
	t.Helper()
	data := []byte(strings.Repeat("0123456789", n/10+1)[:n])
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path, data
}

func newService(t *testing.T) (*fakeClient, *fakeStore, UploadService) {
	store := newFakeStore(t)
	fc := &fakeClient{store: store, chunkSize: 10}
	svc := NewUploadService(fc, store.Client(), Options{
		MaxReissues: 2,
		Retry:       retryx.Policy{Attempts: 3, BaseDelay: time.Millisecond},
	}, logging.Discard())
	return fc, store, svc
}

/*************
 * Tests
 *************/

func TestUpload_AllChunks(t *testing.T) {
	fc, store, svc := newService(t)
	path, data := writeFile(t, 45)

	res, err := svc.Upload(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "u1", res.UploadID)
	assert.Equal(t, "uploads/u1/data.bin", res.Location)
	assert.Equal(t, "compose", res.Strategy)
	assert.Equal(t, int64(45), res.Size)
	assert.False(t, res.Direct)

	assert.Equal(t, data, store.assembled(5))
	assert.ElementsMatch(t, []int{1, 2, 3, 4, 5}, fc.reported)
	assert.Empty(t, fc.reissued)
	assert.Equal(t, 1, fc.completes)
}

func TestUpload_Direct(t *testing.T) {
	fc, _, svc := newService(t)
	path, data := writeFile(t, 8)

	res, err := svc.Upload(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, res.Direct)
	assert.Equal(t, "uploads/d/data.bin", res.Location)
	assert.Equal(t, data, fc.direct)
	assert.Zero(t, fc.completes)
}

func TestUpload_ReissuesMissingAuthorization(t *testing.T) {
	fc, store, svc := newService(t)
	fc.noURL = []int{2}
	path, data := writeFile(t, 30)

	_, err := svc.Upload(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, [][]int{{2}}, fc.reissued)
	assert.Equal(t, data, store.assembled(3))
}

func TestUpload_ReissuesExpiredURL(t *testing.T) {
	fc, store, svc := newService(t)
	store.reject[3] = []int{http.StatusForbidden}
	path, data := writeFile(t, 30)

	_, err := svc.Upload(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, [][]int{{3}}, fc.reissued)
	assert.Equal(t, data, store.assembled(3))
	// the rejected URL is not retried in place
	assert.Equal(t, 2, store.puts[3])
}

func TestUpload_RetriesStoreErrors(t *testing.T) {
	fc, store, svc := newService(t)
	store.reject[1] = []int{http.StatusServiceUnavailable, http.StatusInternalServerError}
	path, data := writeFile(t, 30)

	_, err := svc.Upload(context.Background(), path)
	require.NoError(t, err)

	assert.Empty(t, fc.reissued)
	assert.Equal(t, 3, store.puts[1])
	assert.Equal(t, data, store.assembled(3))
}

func TestUpload_ResendsChunksReportedMissing(t *testing.T) {
	fc, store, svc := newService(t)
	fc.completeErr = []error{&client.APIError{
		StatusCode: http.StatusConflict,
		Code:       "chunk_missing",
		Message:    "chunk missing",
		Parts:      []common.ChunkProblem{{PartNumber: 2, Reason: "not found"}},
	}}
	path, data := writeFile(t, 30)

	_, err := svc.Upload(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, [][]int{{2}}, fc.reissued)
	assert.Equal(t, 2, fc.completes)
	assert.Equal(t, 2, store.puts[2])
	assert.Equal(t, data, store.assembled(3))
}

func TestUpload_GivesUpAfterReissueLimit(t *testing.T) {
	fc, store, svc := newService(t)
	store.reject[2] = []int{http.StatusForbidden, http.StatusForbidden, http.StatusForbidden}
	path, _ := writeFile(t, 30)

	_, err := svc.Upload(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrChunkMissing)
	assert.Len(t, fc.reissued, 2)
	assert.Zero(t, fc.completes)
}

func TestUpload_FatalCompleteError(t *testing.T) {
	fc, _, svc := newService(t)
	fc.completeErr = []error{&client.APIError{StatusCode: http.StatusBadGateway, Code: "merge_exhausted", Message: "exhausted"}}
	path, _ := writeFile(t, 30)

	_, err := svc.Upload(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrMergeExhausted)
	assert.Equal(t, 1, fc.completes)
	assert.Empty(t, fc.reissued)
}

func TestUpload_MissingFile(t *testing.T) {
	_, _, svc := newService(t)
	_, err := svc.Upload(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
