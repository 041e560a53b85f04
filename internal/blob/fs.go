// Package blob stores audio payloads on the local filesystem under names
// derived deterministically from the owning session and question, so a
// resubmission for the same question overwrites the earlier blob.
package blob

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store is the audio payload store used by the response workflow.
type Store interface {
	Put(sessionID string, questionIndex int, mediaType string, data []byte) (string, error)
	Get(path string) ([]byte, error)
}

// FSStore writes blobs under a single directory.
type FSStore struct {
	dir string
}

func NewFSStore(dir string) (*FSStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("blob dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir %s: %w", dir, err)
	}
	return &FSStore{dir: dir}, nil
}

// Put writes the payload to {sessionID}_{questionIndex}{ext} and returns the
// path. The last writer for a given key wins.
func (s *FSStore) Put(sessionID string, questionIndex int, mediaType string, data []byte) (string, error) {
	name := fmt.Sprintf("%s_%d%s", sessionID, questionIndex, extFor(mediaType))
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob %s: %w", path, err)
	}
	return path, nil
}

func (s *FSStore) Get(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", path, err)
	}
	return data, nil
}

func extFor(mediaType string) string {
	mt := mediaType
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = mt[:i]
	}
	switch strings.TrimSpace(strings.ToLower(mt)) {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return ".m4a"
	default:
		// Browser recorders default to webm.
		return ".webm"
	}
}
