package models

import (
	"slices"
	"time"
)

// SessionStatus is the lifecycle state of an upload session.
type SessionStatus string

const (
	StatusPlanning       SessionStatus = "planning"
	StatusAwaitingChunks SessionStatus = "awaiting-chunks"
	StatusMerging        SessionStatus = "merging"
	StatusComplete       SessionStatus = "complete"
	StatusFailed         SessionStatus = "failed"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case StatusPlanning, StatusAwaitingChunks, StatusMerging, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// ChunkStatus tracks a single chunk from issuance to merge.
type ChunkStatus string

const (
	ChunkPending  ChunkStatus = "pending"
	ChunkUploaded ChunkStatus = "uploaded"
	ChunkVerified ChunkStatus = "verified"
	ChunkMerged   ChunkStatus = "merged"
)

// ChunkDescriptor is one contiguous byte range of the source file and the
// object key it is uploaded to. StartByte and EndByte are inclusive.
type ChunkDescriptor struct {
	PartNumber             int         `json:"partNumber" dynamodbav:"part_number"`
	ObjectKey              string      `json:"objectKey" dynamodbav:"object_key"`
	StartByte              int64       `json:"startByte" dynamodbav:"start_byte"`
	EndByte                int64       `json:"endByte" dynamodbav:"end_byte"`
	Status                 ChunkStatus `json:"status" dynamodbav:"status"`
	Size                   int64       `json:"size,omitempty" dynamodbav:"size"`
	ETag                   string      `json:"etag,omitempty" dynamodbav:"etag"`
	AuthorizationExpiresAt time.Time   `json:"authorizationExpiresAt,omitzero" dynamodbav:"authorization_expires_at"`
}

// Length is the number of bytes the chunk must contain.
func (c ChunkDescriptor) Length() int64 {
	return c.EndByte - c.StartByte + 1
}

// AuthorizationExpired reports whether the write URL issued for the chunk
// has lapsed at now. A chunk that never received a URL counts as expired.
func (c ChunkDescriptor) AuthorizationExpired(now time.Time) bool {
	return c.AuthorizationExpiresAt.IsZero() || !now.Before(c.AuthorizationExpiresAt)
}

// UploadSession is the server-side record of one in-flight upload.
type UploadSession struct {
	UploadID    string            `json:"uploadId" dynamodbav:"upload_id"`
	ObjectName  string            `json:"objectName" dynamodbav:"object_name"`
	FileName    string            `json:"fileName" dynamodbav:"file_name"`
	FileSize    int64             `json:"fileSize" dynamodbav:"file_size"`
	ChunkSize   int64             `json:"chunkSize" dynamodbav:"chunk_size"`
	TotalChunks int               `json:"totalChunks" dynamodbav:"total_chunks"`
	Concurrency int               `json:"concurrency" dynamodbav:"concurrency"`
	Status      SessionStatus     `json:"status" dynamodbav:"status"`
	Strategy    string            `json:"strategy,omitempty" dynamodbav:"strategy"`
	LastError   string            `json:"lastError,omitempty" dynamodbav:"last_error"`
	Chunks      []ChunkDescriptor `json:"chunks" dynamodbav:"chunks"`
	CreatedAt   time.Time         `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt   time.Time         `json:"updatedAt" dynamodbav:"updated_at"`
	ExpiresAt   time.Time         `json:"expiresAt" dynamodbav:"expires_at"`
}

// Chunk returns the descriptor for partNumber.
func (s *UploadSession) Chunk(partNumber int) (*ChunkDescriptor, bool) {
	if partNumber < 1 || partNumber > len(s.Chunks) {
		return nil, false
	}
	c := &s.Chunks[partNumber-1]
	if c.PartNumber != partNumber {
		i := slices.IndexFunc(s.Chunks, func(c ChunkDescriptor) bool { return c.PartNumber == partNumber })
		if i < 0 {
			return nil, false
		}
		c = &s.Chunks[i]
	}
	return c, true
}

func (s *UploadSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// ChunkKeys returns every chunk object key in ascending part order.
func (s *UploadSession) ChunkKeys() []string {
	keys := make([]string, 0, len(s.Chunks))
	for _, c := range s.Chunks {
		keys = append(keys, c.ObjectKey)
	}
	return keys
}

// Progress summarizes chunk states of a session.
type Progress struct {
	Total    int `json:"total"`
	Uploaded int `json:"uploaded"`
	Verified int `json:"verified"`
	Percent  int `json:"percent"`
}

func (s *UploadSession) Progress() Progress {
	p := Progress{Total: len(s.Chunks)}
	for _, c := range s.Chunks {
		switch c.Status {
		case ChunkUploaded:
			p.Uploaded++
		case ChunkVerified, ChunkMerged:
			p.Uploaded++
			p.Verified++
		}
	}
	if s.Status == StatusComplete {
		p.Percent = 100
	} else if p.Total > 0 {
		p.Percent = p.Uploaded * 100 / p.Total
	}
	return p
}

// Clone returns a deep copy so callers can mutate it without sharing chunks.
func (s *UploadSession) Clone() *UploadSession {
	cp := *s
	cp.Chunks = slices.Clone(s.Chunks)
	return &cp
}
