package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGateway_PutGetStatDelete(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway("media", 0)
	require.Equal(t, 32, g.MaxComposeSources())

	require.NoError(t, g.Put(ctx, "a/b", strings.NewReader("hello"), 5))

	info, err := g.Stat(ctx, "a/b")
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)
	assert.NotEmpty(t, info.ETag)

	rc, err := g.Get(ctx, "a/b")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, g.Delete(ctx, "a/b"))
	_, err = g.Stat(ctx, "a/b")
	assert.True(t, IsNotFound(err))

	// deleting a missing object is not an error
	assert.NoError(t, g.Delete(ctx, "a/b"))
}

func TestMemoryGateway_PutSizeMismatch(t *testing.T) {
	g := NewMemoryGateway("media", 0)
	err := g.Put(context.Background(), "k", strings.NewReader("abc"), 10)
	require.Error(t, err)
	_, ok := g.Bytes("k")
	assert.False(t, ok)
}

func TestMemoryGateway_Compose(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway("media", 2)
	g.PutBytes("p1", []byte("ab"))
	g.PutBytes("p2", []byte("cd"))
	g.PutBytes("p3", []byte("ef"))

	require.NoError(t, g.Compose(ctx, "out", []string{"p1", "p2"}))
	got, ok := g.Bytes("out")
	require.True(t, ok)
	assert.Equal(t, "abcd", string(got))

	err := g.Compose(ctx, "out2", []string{"p1", "p2", "p3"})
	assert.ErrorIs(t, err, ErrTooManySources)

	err = g.Compose(ctx, "out3", []string{"p1", "missing"})
	assert.True(t, IsNotFound(err))
	_, ok = g.Bytes("out3")
	assert.False(t, ok)

	g.ComposeDisabled = true
	err = g.Compose(ctx, "out4", []string{"p1"})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestMemoryGateway_Multipart(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway("media", 0)

	id, err := g.InitiateMultipart(ctx, "obj")
	require.NoError(t, err)

	e2, err := g.UploadPart(ctx, "obj", id, 2, strings.NewReader("world"), 5)
	require.NoError(t, err)
	e1, err := g.UploadPart(ctx, "obj", id, 1, strings.NewReader("hello "), 6)
	require.NoError(t, err)

	err = g.CompleteMultipart(ctx, "obj", id, []CompletedPart{{2, e2}, {1, e1}})
	assert.ErrorIs(t, err, ErrInvalidPart)

	err = g.CompleteMultipart(ctx, "obj", id, []CompletedPart{{1, "bogus"}, {2, e2}})
	assert.ErrorIs(t, err, ErrInvalidPart)

	require.NoError(t, g.CompleteMultipart(ctx, "obj", id, []CompletedPart{{1, e1}, {2, e2}}))
	got, _ := g.Bytes("obj")
	assert.Equal(t, "hello world", string(got))
	assert.Equal(t, 0, g.PendingMultipart())
}

func TestMemoryGateway_AbortStaleMultipart(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway("media", 0)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	g.Now = func() time.Time { return now }

	_, err := g.InitiateMultipart(ctx, "uploads/old")
	require.NoError(t, err)
	_, err = g.InitiateMultipart(ctx, "other/old")
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = g.InitiateMultipart(ctx, "uploads/new")
	require.NoError(t, err)

	n, err := g.AbortStaleMultipart(ctx, "uploads/", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, g.PendingMultipart())
}

func TestMemoryGateway_List(t *testing.T) {
	g := NewMemoryGateway("media", 0)
	g.PutBytes("u/b", []byte("1"))
	g.PutBytes("u/a", []byte("22"))
	g.PutBytes("x/c", []byte("3"))

	out, err := g.List(context.Background(), "u/")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "u/a", out[0].Key)
	assert.Equal(t, int64(2), out[0].Size)
	assert.Equal(t, "u/b", out[1].Key)
}

func TestMemoryGateway_Fault(t *testing.T) {
	boom := errors.New("boom")
	g := NewMemoryGateway("media", 0)
	g.Fault = func(op, key string) error {
		if op == "stat" && key == "bad" {
			return boom
		}
		return nil
	}
	g.PutBytes("bad", []byte("x"))

	_, err := g.Stat(context.Background(), "bad")
	assert.ErrorIs(t, err, boom)

	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "stat", gwErr.Op)

	_, err = g.Stat(context.Background(), "good")
	assert.True(t, IsNotFound(err))
}

func TestMemoryGateway_Handler(t *testing.T) {
	g := NewMemoryGateway("media", 0)
	srv := httptest.NewServer(http.StripPrefix("/_store", g.Handler()))
	defer srv.Close()
	g.BaseURL = srv.URL + "/_store"

	ctx := context.Background()
	putURL, err := g.IssueWriteAuthorization(ctx, "uploads/f.bin", time.Minute)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(putURL, srv.URL+"/_store/uploads/f.bin?"))

	req, _ := http.NewRequest(http.MethodPut, putURL, bytes.NewReader([]byte("payload")))
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("ETag"))

	got, ok := g.Bytes("uploads/f.bin")
	require.True(t, ok)
	assert.Equal(t, "payload", string(got))

	// a write authorization does not grant reads
	resp, err = srv.Client().Get(putURL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	getURL, err := g.IssueReadAuthorization(ctx, "uploads/f.bin", time.Minute)
	require.NoError(t, err)
	resp, err = srv.Client().Get(getURL)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "payload", string(body))

	// tampered key
	resp, err = srv.Client().Get(strings.Replace(getURL, "f.bin", "g.bin", 1))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMemoryGateway_HandlerExpired(t *testing.T) {
	g := NewMemoryGateway("media", 0)
	now := time.Now()
	g.Now = func() time.Time { return now }
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()
	g.BaseURL = srv.URL

	putURL, err := g.IssueWriteAuthorization(context.Background(), "k", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	req, _ := http.NewRequest(http.MethodPut, putURL, strings.NewReader("x"))
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
