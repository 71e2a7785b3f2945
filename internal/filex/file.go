// Package filex manages local spill areas used when chunks have to be
// staged on disk before being re-uploaded.
package filex

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureDir creates dir (and parents) if needed and returns its absolute path.
// An empty dir resolves to the system temp directory.
func EnsureDir(dir string) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("abs %s: %w", dir, err)
	}

	if err := os.MkdirAll(abs, 0o770); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", abs, err)
	}

	return abs, nil
}

// SpillArea is a private temporary directory holding one file per chunk.
type SpillArea struct {
	dir string
}

// NewSpillArea creates a fresh directory under base named after prefix.
func NewSpillArea(base, prefix string) (*SpillArea, error) {
	root, err := EnsureDir(base)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(root, prefix+"-")
	if err != nil {
		return nil, fmt.Errorf("mkdir temp: %w", err)
	}

	return &SpillArea{dir: dir}, nil
}

func (s *SpillArea) Dir() string {
	return s.dir
}

// PartPath returns the file path used for the given part number.
// Names are zero padded so lexical and numeric order agree.
func (s *SpillArea) PartPath(partNumber int) string {
	return filepath.Join(s.dir, fmt.Sprintf("part-%05d", partNumber))
}

// Remove deletes the whole area. It is safe to call more than once.
func (s *SpillArea) Remove() error {
	return os.RemoveAll(s.dir)
}
