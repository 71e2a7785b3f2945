// Package models holds the upload session data model and the request and
// response shapes of the exposed operations.
package models

import "time"

type PlanRequest struct {
	FileName        string `json:"fileName"`
	FileSize        int64  `json:"fileSize"`
	ChunkSizeHint   int64  `json:"chunkSize,omitempty"`
	ConcurrencyHint int    `json:"concurrency,omitempty"`
}

// ChunkAuthorization is a chunk plus the URL the caller writes it to.
// WriteURL is empty when issuance failed; the part is then also listed in
// PlanResponse.MissingAuthorizations.
type ChunkAuthorization struct {
	PartNumber int       `json:"partNumber"`
	StartByte  int64     `json:"startByte"`
	EndByte    int64     `json:"endByte"`
	WriteURL   string    `json:"url,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt,omitzero"`
}

type PlanResponse struct {
	ShouldDirectUpload    bool                 `json:"shouldDirectUpload,omitempty"`
	UploadID              string               `json:"uploadId,omitempty"`
	ObjectName            string               `json:"objectName,omitempty"`
	TotalChunks           int                  `json:"totalChunks,omitempty"`
	ChunkSize             int64                `json:"chunkSize,omitempty"`
	Concurrency           int                  `json:"concurrency,omitempty"`
	Chunks                []ChunkAuthorization `json:"chunks,omitempty"`
	MissingAuthorizations []int                `json:"missingAuthorizations,omitempty"`
	ExpiresAt             time.Time            `json:"expiresAt,omitzero"`
}

type ReissueRequest struct {
	PartNumbers []int `json:"partNumbers"`
}

type ReissueResponse struct {
	UploadID              string               `json:"uploadId"`
	Chunks                []ChunkAuthorization `json:"chunks"`
	MissingAuthorizations []int                `json:"missingAuthorizations,omitempty"`
}

type ChunkReport struct {
	UploadID   string   `json:"uploadId"`
	PartNumber int      `json:"partNumber"`
	Progress   Progress `json:"progress"`
}

type CompleteRequest struct {
	ObjectName  string `json:"objectName"`
	TotalChunks int    `json:"totalChunks"`
}

type StrategyAttemptView struct {
	Strategy   string `json:"strategy"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

type CompleteResponse struct {
	UploadID    string                `json:"uploadId"`
	Location    string                `json:"location"`
	ReadURL     string                `json:"url"`
	Strategy    string                `json:"strategy"`
	Attempts    []StrategyAttemptView `json:"attempts,omitempty"`
	AlreadyDone bool                  `json:"alreadyComplete,omitempty"`
}

type StatusResponse struct {
	UploadID   string        `json:"uploadId"`
	ObjectName string        `json:"objectName"`
	FileName   string        `json:"fileName"`
	FileSize   int64         `json:"fileSize"`
	Status     SessionStatus `json:"status"`
	Strategy   string        `json:"strategy,omitempty"`
	LastError  string        `json:"lastError,omitempty"`
	Progress   Progress      `json:"progress"`
	Pending    []int         `json:"pendingParts,omitempty"`
	ExpiresAt  time.Time     `json:"expiresAt"`
}

type DirectUploadResponse struct {
	Location string `json:"location"`
	ReadURL  string `json:"url"`
	Size     int64  `json:"size"`
}

type DownloadResponse struct {
	ObjectName string    `json:"objectName"`
	ReadURL    string    `json:"url"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type FileEntry struct {
	ObjectName   string    `json:"objectName"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}
