// Package httpapi exposes the upload coordinator operations as a JSON API
// on top of net/http.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/dmitrijs2005/gophupload/internal/common"
	"github.com/dmitrijs2005/gophupload/internal/logging"
	"github.com/dmitrijs2005/gophupload/internal/server/models"
)

// maxJSONBody bounds request bodies of the JSON endpoints.
const maxJSONBody = 1 << 20

// UploadAPI is the session side of the coordinator.
type UploadAPI interface {
	PlanUpload(ctx context.Context, req models.PlanRequest) (*models.PlanResponse, error)
	ReissueAuthorizations(ctx context.Context, uploadID string, partNumbers []int) (*models.ReissueResponse, error)
	ReportChunkUploaded(ctx context.Context, uploadID string, partNumber int) (*models.ChunkReport, error)
	GetStatus(ctx context.Context, uploadID string) (*models.StatusResponse, error)
	DirectUpload(ctx context.Context, fileName string, body io.Reader, size int64) (*models.DirectUploadResponse, error)
	Abandon(ctx context.Context, uploadID string) error
}

// CompletionAPI merges sessions and serves finished files.
type CompletionAPI interface {
	CompleteUpload(ctx context.Context, uploadID string, req models.CompleteRequest) (*models.CompleteResponse, error)
	GetDownloadAuthorization(ctx context.Context, objectName string) (*models.DownloadResponse, error)
	ListUploadedFiles(ctx context.Context) ([]models.FileEntry, error)
}

type Handler struct {
	uploads    UploadAPI
	completion CompletionAPI
	logger     logging.Logger
}

func NewHandler(uploads UploadAPI, completion CompletionAPI, logger logging.Logger) *Handler {
	return &Handler{
		uploads:    uploads,
		completion: completion,
		logger:     logger.With("module", "httpapi"),
	}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/uploads", h.plan)
	mux.HandleFunc("GET /api/uploads/{uploadId}", h.status)
	mux.HandleFunc("POST /api/uploads/{uploadId}/authorizations", h.reissue)
	mux.HandleFunc("POST /api/uploads/{uploadId}/chunks/{partNumber}", h.reportChunk)
	mux.HandleFunc("POST /api/uploads/{uploadId}/complete", h.complete)
	mux.HandleFunc("DELETE /api/uploads/{uploadId}", h.abandon)
	mux.HandleFunc("PUT /api/direct-uploads/{fileName}", h.direct)
	mux.HandleFunc("GET /api/files", h.files)
	mux.HandleFunc("GET /api/download/{objectName...}", h.download)
}

func (h *Handler) plan(w http.ResponseWriter, r *http.Request) {
	var req models.PlanRequest
	if err := decode(w, r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}

	resp, err := h.uploads.PlanUpload(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusCreated
	if resp.ShouldDirectUpload {
		status = http.StatusOK
	}
	h.respond(w, r, status, resp)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	resp, err := h.uploads.GetStatus(r.Context(), r.PathValue("uploadId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, resp)
}

func (h *Handler) reissue(w http.ResponseWriter, r *http.Request) {
	var req models.ReissueRequest
	if err := decode(w, r, &req, true); err != nil {
		h.fail(w, r, err)
		return
	}

	resp, err := h.uploads.ReissueAuthorizations(r.Context(), r.PathValue("uploadId"), req.PartNumbers)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, resp)
}

func (h *Handler) reportChunk(w http.ResponseWriter, r *http.Request) {
	part, err := strconv.Atoi(r.PathValue("partNumber"))
	if err != nil {
		h.fail(w, r, common.NewValidationError("partNumber", "must be an integer"))
		return
	}

	resp, err := h.uploads.ReportChunkUploaded(r.Context(), r.PathValue("uploadId"), part)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, resp)
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	var req models.CompleteRequest
	if err := decode(w, r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}

	resp, err := h.completion.CompleteUpload(r.Context(), r.PathValue("uploadId"), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, resp)
}

func (h *Handler) abandon(w http.ResponseWriter, r *http.Request) {
	if err := h.uploads.Abandon(r.Context(), r.PathValue("uploadId")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) direct(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength < 0 {
		h.fail(w, r, common.NewValidationError("Content-Length", "is required"))
		return
	}
	body := http.MaxBytesReader(w, r.Body, r.ContentLength)

	resp, err := h.uploads.DirectUpload(r.Context(), r.PathValue("fileName"), body, r.ContentLength)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusCreated, resp)
}

func (h *Handler) files(w http.ResponseWriter, r *http.Request) {
	files, err := h.completion.ListUploadedFiles(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, files)
}

func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	resp, err := h.completion.GetDownloadAuthorization(r.Context(), r.PathValue("objectName"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, resp)
}

// decode reads a JSON body into v. When optional is set an empty body is
// accepted and leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return common.NewValidationError("body", err.Error())
	}
	return nil
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn(r.Context(), "write response failed", "path", r.URL.Path, "error", err)
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		h.logger.Debug(r.Context(), "request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	h.respond(w, r, status, body)
}
