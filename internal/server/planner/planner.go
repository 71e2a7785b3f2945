// Package planner decides how a file of a given size is split into chunks
// and how many of them a caller should upload at once.
//
// The decision is a pure function of the file size and optional caller hints.
// Hints are clamped into the bounds of the matching size band and are never
// trusted as is.
package planner

import (
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophupload/internal/common"
)

const (
	KiB int64 = 1 << 10
	MiB int64 = 1 << 20
	GiB int64 = 1 << 30
	TiB int64 = 1 << 40
)

// MaxParts is the part count limit of S3-style multipart uploads.
const MaxParts = 10000

// Band is one row of the size policy. It applies to files up to and including
// MaxFileSize; a zero MaxFileSize marks the open-ended last band.
type Band struct {
	MaxFileSize        int64 `json:"max_file_size" yaml:"max_file_size"`
	DefaultChunkSize   int64 `json:"default_chunk_size" yaml:"default_chunk_size"`
	MinChunkSize       int64 `json:"min_chunk_size" yaml:"min_chunk_size"`
	MaxChunkSize       int64 `json:"max_chunk_size" yaml:"max_chunk_size"`
	DefaultConcurrency int   `json:"default_concurrency" yaml:"default_concurrency"`
	MaxConcurrency     int   `json:"max_concurrency" yaml:"max_concurrency"`
}

// Policy is the complete planning table.
type Policy struct {
	// Files at or below DirectThreshold are uploaded in one request.
	DirectThreshold int64
	// MaxFileSize rejects larger files; zero disables the check.
	MaxFileSize int64
	// MaxParts caps the chunk count; zero means MaxParts.
	MaxParts int
	Bands    []Band
}

// DefaultPolicy returns the built-in size bands.
func DefaultPolicy() Policy {
	return Policy{
		DirectThreshold: 10 * MiB,
		MaxFileSize:     5 * TiB,
		MaxParts:        MaxParts,
		Bands: []Band{
			{MaxFileSize: 50 * MiB, DefaultChunkSize: 10 * MiB, MinChunkSize: 5 * MiB, MaxChunkSize: 16 * MiB, DefaultConcurrency: 4, MaxConcurrency: 8},
			{MaxFileSize: 200 * MiB, DefaultChunkSize: 20 * MiB, MinChunkSize: 5 * MiB, MaxChunkSize: 32 * MiB, DefaultConcurrency: 8, MaxConcurrency: 12},
			{MaxFileSize: 1 * GiB, DefaultChunkSize: 50 * MiB, MinChunkSize: 8 * MiB, MaxChunkSize: 64 * MiB, DefaultConcurrency: 12, MaxConcurrency: 16},
			{DefaultChunkSize: 64 * MiB, MinChunkSize: 16 * MiB, MaxChunkSize: 128 * MiB, DefaultConcurrency: 16, MaxConcurrency: 20},
		},
	}
}

// Validate checks that the bands are ordered, open-ended and monotonic.
func (p Policy) Validate() error {
	if len(p.Bands) == 0 {
		return errors.New("planner: no bands")
	}
	if p.DirectThreshold < 0 {
		return errors.New("planner: negative direct threshold")
	}

	var prev *Band
	for i := range p.Bands {
		b := &p.Bands[i]
		last := i == len(p.Bands)-1

		switch {
		case last && b.MaxFileSize != 0:
			return errors.New("planner: last band must be open-ended")
		case !last && b.MaxFileSize <= 0:
			return fmt.Errorf("planner: band %d has no upper bound", i)
		case b.MinChunkSize <= 0 || b.MinChunkSize > b.MaxChunkSize:
			return fmt.Errorf("planner: band %d has invalid chunk bounds", i)
		case b.DefaultChunkSize < b.MinChunkSize || b.DefaultChunkSize > b.MaxChunkSize:
			return fmt.Errorf("planner: band %d default chunk size out of bounds", i)
		case b.DefaultConcurrency < 1 || b.DefaultConcurrency > b.MaxConcurrency:
			return fmt.Errorf("planner: band %d has invalid concurrency", i)
		}

		if prev != nil {
			if !last && b.MaxFileSize <= prev.MaxFileSize {
				return fmt.Errorf("planner: band %d is not ascending", i)
			}
			if b.DefaultChunkSize < prev.DefaultChunkSize ||
				b.DefaultConcurrency < prev.DefaultConcurrency ||
				b.MaxConcurrency < prev.MaxConcurrency {
				return fmt.Errorf("planner: band %d is not monotonic", i)
			}
		}
		prev = b
	}
	return nil
}

// Plan is the outcome of planning one file.
type Plan struct {
	FileSize    int64
	Direct      bool
	ChunkSize   int64
	Concurrency int
	TotalChunks int
}

// Range is the inclusive byte range of one chunk.
type Range struct {
	PartNumber int
	Start      int64
	End        int64
}

// Ranges splits the file into contiguous, non-overlapping chunk ranges.
// Only the last range may be shorter than ChunkSize.
func (p Plan) Ranges() []Range {
	out := make([]Range, 0, p.TotalChunks)
	for i := 0; i < p.TotalChunks; i++ {
		start := int64(i) * p.ChunkSize
		end := min(start+p.ChunkSize, p.FileSize) - 1
		out = append(out, Range{PartNumber: i + 1, Start: start, End: end})
	}
	return out
}

type Planner struct {
	policy Policy
}

func New(policy Policy) (*Planner, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if policy.MaxParts <= 0 {
		policy.MaxParts = MaxParts
	}
	return &Planner{policy: policy}, nil
}

// Plan picks the chunk size and concurrency for a file. Zero hints mean
// "use the default of the band".
func (p *Planner) Plan(fileSize, chunkSizeHint int64, concurrencyHint int) (Plan, error) {
	if fileSize <= 0 {
		return Plan{}, common.NewValidationError("fileSize", "must be positive")
	}
	if p.policy.MaxFileSize > 0 && fileSize > p.policy.MaxFileSize {
		return Plan{}, common.NewValidationError("fileSize", fmt.Sprintf("exceeds maximum of %d bytes", p.policy.MaxFileSize))
	}

	if fileSize <= p.policy.DirectThreshold {
		return Plan{FileSize: fileSize, Direct: true, ChunkSize: fileSize, Concurrency: 1, TotalChunks: 1}, nil
	}

	band := p.band(fileSize)

	chunkSize := band.DefaultChunkSize
	if chunkSizeHint > 0 {
		chunkSize = clamp(chunkSizeHint, band.MinChunkSize, band.MaxChunkSize)
	}
	// The part limit wins over the band bounds.
	if floor := ceilDiv(fileSize, int64(p.policy.MaxParts)); chunkSize < floor {
		chunkSize = floor
	}

	concurrency := band.DefaultConcurrency
	if concurrencyHint > 0 {
		concurrency = clamp(concurrencyHint, 1, band.MaxConcurrency)
	}

	return Plan{
		FileSize:    fileSize,
		ChunkSize:   chunkSize,
		Concurrency: concurrency,
		TotalChunks: int(ceilDiv(fileSize, chunkSize)),
	}, nil
}

// DirectThreshold is the largest size accepted for single-shot upload.
func (p *Planner) DirectThreshold() int64 {
	return p.policy.DirectThreshold
}

func (p *Planner) band(fileSize int64) Band {
	for _, b := range p.policy.Bands {
		if b.MaxFileSize == 0 || fileSize <= b.MaxFileSize {
			return b
		}
	}
	return p.policy.Bands[len(p.policy.Bands)-1]
}

func clamp[T int | int64](v, lo, hi T) T {
	return max(lo, min(v, hi))
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
