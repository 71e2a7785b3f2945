package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memObject struct {
	data     []byte
	etag     string
	modified time.Time
}

type memMultipart struct {
	key       string
	parts     map[int][]byte
	etags     map[int]string
	initiated time.Time
}

// MemoryGateway keeps objects in process memory. When BaseURL is set the
// authorizations it issues are real URLs served by Handler.
type MemoryGateway struct {
	mu         sync.RWMutex
	bucket     string
	objects    map[string]memObject
	multipart  map[string]*memMultipart
	maxSources int
	secret     []byte

	// BaseURL prefixes issued authorizations, e.g. "http://localhost:8080/_store".
	BaseURL string
	// ComposeDisabled makes Compose return ErrUnsupported.
	ComposeDisabled bool
	// Fault, when set, is consulted before every operation; a non-nil
	// result is returned instead of performing it.
	Fault func(op, key string) error
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

func NewMemoryGateway(bucket string, maxSources int) *MemoryGateway {
	if maxSources <= 0 {
		maxSources = 32
	}
	return &MemoryGateway{
		bucket:     bucket,
		objects:    make(map[string]memObject),
		multipart:  make(map[string]*memMultipart),
		maxSources: maxSources,
		secret:     []byte(uuid.NewString()),
		Now:        time.Now,
	}
}

func (g *MemoryGateway) Bucket() string { return g.bucket }

func (g *MemoryGateway) MaxComposeSources() int { return g.maxSources }

func (g *MemoryGateway) fault(op, key string) error {
	if g.Fault == nil {
		return nil
	}
	if err := g.Fault(op, key); err != nil {
		return newError(op, g.bucket, key, err)
	}
	return nil
}

func (g *MemoryGateway) notFound(op, key string) error {
	return newError(op, g.bucket, key, ErrObjectNotFound)
}

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func (g *MemoryGateway) IssueWriteAuthorization(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := g.fault("presign_put", key); err != nil {
		return "", err
	}
	return g.sign(http.MethodPut, key, ttl), nil
}

func (g *MemoryGateway) IssueReadAuthorization(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := g.fault("presign_get", key); err != nil {
		return "", err
	}
	return g.sign(http.MethodGet, key, ttl), nil
}

func (g *MemoryGateway) signature(method, key string, expires int64) string {
	mac := hmac.New(sha256.New, g.secret)
	fmt.Fprintf(mac, "%s\n%s\n%s\n%d", method, g.bucket, key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

func (g *MemoryGateway) sign(method, key string, ttl time.Duration) string {
	expires := g.Now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("method", method)
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("signature", g.signature(method, key, expires))

	base := g.BaseURL
	if base == "" {
		base = "memory://" + g.bucket
	}
	return strings.TrimSuffix(base, "/") + "/" + key + "?" + q.Encode()
}

// verify checks the method, expiry and signature of a presigned request.
func (g *MemoryGateway) verify(method, key string, q url.Values) error {
	if q.Get("method") != method {
		return errors.New("method mismatch")
	}
	expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil {
		return errors.New("malformed expiry")
	}
	if g.Now().Unix() > expires {
		return errors.New("request has expired")
	}
	want := g.signature(method, key, expires)
	if !hmac.Equal([]byte(want), []byte(q.Get("signature"))) {
		return errors.New("signature mismatch")
	}
	return nil
}

// Handler serves presigned PUT and GET requests. It expects to be mounted
// with the BaseURL path prefix stripped.
func (g *MemoryGateway) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/")
		if key == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		if err := g.verify(r.Method, key, r.URL.Query()); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}

		switch r.Method {
		case http.MethodPut:
			if err := g.Put(r.Context(), key, r.Body, r.ContentLength); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			info, _ := g.Stat(r.Context(), key)
			w.Header().Set("ETag", info.ETag)
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			body, err := g.Get(r.Context(), key)
			if err != nil {
				if IsNotFound(err) {
					http.Error(w, err.Error(), http.StatusNotFound)
					return
				}
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			defer body.Close()
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = io.Copy(w, body)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func (g *MemoryGateway) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	if err := g.fault("stat", key); err != nil {
		return ObjectInfo{}, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	obj, ok := g.objects[key]
	if !ok {
		return ObjectInfo{}, g.notFound("stat", key)
	}
	return ObjectInfo{Key: key, Size: int64(len(obj.data)), ETag: obj.etag, LastModified: obj.modified}, nil
}

func (g *MemoryGateway) Compose(ctx context.Context, dest string, sources []string) error {
	if err := g.fault("compose", dest); err != nil {
		return err
	}
	if g.ComposeDisabled {
		return newError("compose", g.bucket, dest, ErrUnsupported)
	}
	if len(sources) == 0 {
		return newError("compose", g.bucket, dest, errors.New("no sources"))
	}
	if len(sources) > g.maxSources {
		return newError("compose", g.bucket, dest, ErrTooManySources)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var buf bytes.Buffer
	for _, src := range sources {
		obj, ok := g.objects[src]
		if !ok {
			return g.notFound("compose", src)
		}
		buf.Write(obj.data)
	}
	g.store(dest, buf.Bytes())
	return nil
}

// store must be called with mu held.
func (g *MemoryGateway) store(key string, data []byte) {
	g.objects[key] = memObject{data: data, etag: etagOf(data), modified: g.Now()}
}

func (g *MemoryGateway) InitiateMultipart(ctx context.Context, key string) (string, error) {
	if err := g.fault("initiate_multipart", key); err != nil {
		return "", err
	}
	id := uuid.NewString()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.multipart[id] = &memMultipart{
		key:       key,
		parts:     make(map[int][]byte),
		etags:     make(map[int]string),
		initiated: g.Now(),
	}
	return id, nil
}

func (g *MemoryGateway) UploadPart(ctx context.Context, key, uploadID string, partNumber int, body io.Reader, size int64) (string, error) {
	if err := g.fault("upload_part", key); err != nil {
		return "", err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", newError("upload_part", g.bucket, key, err)
	}
	if size >= 0 && int64(len(data)) != size {
		return "", newError("upload_part", g.bucket, key, fmt.Errorf("read %d bytes, expected %d", len(data), size))
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	mp, ok := g.multipart[uploadID]
	if !ok || mp.key != key {
		return "", newError("upload_part", g.bucket, key, fmt.Errorf("%w: no such upload %s", ErrObjectNotFound, uploadID))
	}
	etag := etagOf(data)
	mp.parts[partNumber] = data
	mp.etags[partNumber] = etag
	return etag, nil
}

func (g *MemoryGateway) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	if err := g.fault("complete_multipart", key); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	mp, ok := g.multipart[uploadID]
	if !ok || mp.key != key {
		return newError("complete_multipart", g.bucket, key, fmt.Errorf("%w: no such upload %s", ErrObjectNotFound, uploadID))
	}

	var buf bytes.Buffer
	prev := 0
	for _, p := range parts {
		if p.PartNumber <= prev {
			return newError("complete_multipart", g.bucket, key, fmt.Errorf("%w: parts out of order", ErrInvalidPart))
		}
		prev = p.PartNumber
		data, ok := mp.parts[p.PartNumber]
		if !ok || mp.etags[p.PartNumber] != p.ETag {
			return newError("complete_multipart", g.bucket, key, fmt.Errorf("%w: part %d", ErrInvalidPart, p.PartNumber))
		}
		buf.Write(data)
	}

	g.store(key, buf.Bytes())
	delete(g.multipart, uploadID)
	return nil
}

func (g *MemoryGateway) AbortMultipart(ctx context.Context, key, uploadID string) error {
	if err := g.fault("abort_multipart", key); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.multipart[uploadID]; !ok {
		return newError("abort_multipart", g.bucket, key, fmt.Errorf("%w: no such upload %s", ErrObjectNotFound, uploadID))
	}
	delete(g.multipart, uploadID)
	return nil
}

func (g *MemoryGateway) AbortStaleMultipart(ctx context.Context, prefix string, olderThan time.Time) (int, error) {
	if err := g.fault("list_multipart", prefix); err != nil {
		return 0, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	aborted := 0
	for id, mp := range g.multipart {
		if strings.HasPrefix(mp.key, prefix) && mp.initiated.Before(olderThan) {
			delete(g.multipart, id)
			aborted++
		}
	}
	return aborted, nil
}

// PendingMultipart reports the number of native uploads in progress.
func (g *MemoryGateway) PendingMultipart() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.multipart)
}

func (g *MemoryGateway) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := g.fault("get", key); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	obj, ok := g.objects[key]
	if !ok {
		return nil, g.notFound("get", key)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (g *MemoryGateway) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	if err := g.fault("put", key); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return newError("put", g.bucket, key, err)
	}
	if size >= 0 && int64(len(data)) != size {
		return newError("put", g.bucket, key, fmt.Errorf("read %d bytes, expected %d", len(data), size))
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.store(key, data)
	return nil
}

func (g *MemoryGateway) Delete(ctx context.Context, key string) error {
	if err := g.fault("delete", key); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.objects, key)
	return nil
}

func (g *MemoryGateway) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := g.fault("list", prefix); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []ObjectInfo
	for key, obj := range g.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, ObjectInfo{Key: key, Size: int64(len(obj.data)), ETag: obj.etag, LastModified: obj.modified})
		}
	}
	slices.SortFunc(out, func(a, b ObjectInfo) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}

func (g *MemoryGateway) Ping(ctx context.Context) error {
	return g.fault("ping", "")
}

// PutBytes stores data under key, bypassing fault injection.
func (g *MemoryGateway) PutBytes(key string, data []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.store(key, bytes.Clone(data))
}

// Bytes returns a copy of the object stored under key.
func (g *MemoryGateway) Bytes(key string) ([]byte, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	obj, ok := g.objects[key]
	if !ok {
		return nil, false
	}
	return bytes.Clone(obj.data), true
}
