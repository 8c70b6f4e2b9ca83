package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileStore keeps each document as a JSON file under a data directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the data directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Load reads a document. A missing or empty file reports ErrNotFound.
func (s *FileStore) Load(key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, ErrNotFound
	}
	return data, nil
}

// Save writes the document to a temp file and renames it into place, so a
// crash mid-write never leaves a truncated document behind.
func (s *FileStore) Save(key string, blob []byte) error {
	target := s.path(key)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Backup moves a corrupted document aside with a timestamped suffix so the
// operator can inspect it after the pool recovers with a fresh document.
func (s *FileStore) Backup(key string) error {
	target := s.path(key)
	backup := fmt.Sprintf("%s.corrupted.%d", target, time.Now().Unix())
	return os.Rename(target, backup)
}
