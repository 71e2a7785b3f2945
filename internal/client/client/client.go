package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/dmitrijs2005/gophupload/internal/server/models"
)

type Client interface {
	Plan(ctx context.Context, req models.PlanRequest) (*models.PlanResponse, error)
	Reissue(ctx context.Context, uploadID string, parts []int) (*models.ReissueResponse, error)
	ReportChunk(ctx context.Context, uploadID string, partNumber int) (*models.ChunkReport, error)
	Complete(ctx context.Context, uploadID string, req models.CompleteRequest) (*models.CompleteResponse, error)
	Status(ctx context.Context, uploadID string) (*models.StatusResponse, error)
	Abandon(ctx context.Context, uploadID string) error
	DirectUpload(ctx context.Context, fileName string, body io.Reader, size int64) (*models.DirectUploadResponse, error)
}

// HTTPClient implements Client over the coordinator's JSON API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

func NewHTTPClient(baseURL string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &HTTPClient{baseURL: strings.TrimSuffix(baseURL, "/"), http: hc}
}

func (c *HTTPClient) Plan(ctx context.Context, req models.PlanRequest) (*models.PlanResponse, error) {
	var resp models.PlanResponse
	if err := c.call(ctx, http.MethodPost, "/api/uploads", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) Reissue(ctx context.Context, uploadID string, parts []int) (*models.ReissueResponse, error) {
	var resp models.ReissueResponse
	path := "/api/uploads/" + url.PathEscape(uploadID) + "/authorizations"
	if err := c.call(ctx, http.MethodPost, path, models.ReissueRequest{PartNumbers: parts}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) ReportChunk(ctx context.Context, uploadID string, partNumber int) (*models.ChunkReport, error) {
	var resp models.ChunkReport
	path := fmt.Sprintf("/api/uploads/%s/chunks/%d", url.PathEscape(uploadID), partNumber)
	if err := c.call(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) Complete(ctx context.Context, uploadID string, req models.CompleteRequest) (*models.CompleteResponse, error) {
	var resp models.CompleteResponse
	path := "/api/uploads/" + url.PathEscape(uploadID) + "/complete"
	if err := c.call(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) Status(ctx context.Context, uploadID string) (*models.StatusResponse, error) {
	var resp models.StatusResponse
	if err := c.call(ctx, http.MethodGet, "/api/uploads/"+url.PathEscape(uploadID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) Abandon(ctx context.Context, uploadID string) error {
	return c.call(ctx, http.MethodDelete, "/api/uploads/"+url.PathEscape(uploadID), nil, nil)
}

func (c *HTTPClient) DirectUpload(ctx context.Context, fileName string, body io.Reader, size int64) (*models.DirectUploadResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/api/direct-uploads/"+url.PathEscape(fileName), body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	var resp models.DirectUploadResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if json.Unmarshal(b, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(b))
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
