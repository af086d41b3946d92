// Package store persists small opaque blobs, one file per key.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	blobExt = ".bin"
	tmpExt  = ".tmp"
)

// ErrInvalidKey is returned for keys that sanitize to nothing.
var ErrInvalidKey = errors.New("invalid key")

// BlobStore maps keys to files in a single directory. Safe for concurrent use
// within one process.
type BlobStore struct {
	dir    string
	logger *logrus.Logger
	mu     sync.Mutex
}

// Open returns a store rooted at dir, creating it when missing.
func Open(dir string, logger *logrus.Logger) (*BlobStore, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}
	return &BlobStore{dir: dir, logger: logger}, nil
}

// Dir returns the backing directory.
func (s *BlobStore) Dir() string { return s.dir }

// SanitizeKey keeps letters, digits, '-', '_' and '.', replacing anything
// else with '_'. Leading dots are dropped.
func SanitizeKey(key string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(key) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.TrimLeft(b.String(), ".")
}

func (s *BlobStore) path(key string) (string, error) {
	k := SanitizeKey(key)
	if k == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.dir, k+blobExt), nil
}

// Load returns the blob stored under key. ok is false when there is none.
func (s *BlobStore) Load(key string) (blob []byte, ok bool, err error) {
	p, err := s.path(key)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err = os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading %s: %w", key, err)
	}
	return blob, true, nil
}

// Save writes blob under key through a temp file and rename, so readers never
// observe a partial blob.
func (s *BlobStore) Save(key string, blob []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.CreateTemp(s.dir, filepath.Base(p)+"-*"+tmpExt)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := f.Name()

	if _, err := f.Write(blob); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing %s: %w", key, err)
	}
	if err := os.Rename(tmpPath, p); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("moving %s into place: %w", key, err)
	}

	s.logger.WithFields(logrus.Fields{"key": key, "bytes": len(blob)}).Debug("Blob saved")
	return nil
}

// Delete removes key. Missing keys are not an error.
func (s *BlobStore) Delete(key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", key, err)
	}
	return nil
}

// Keys lists stored keys in sorted order. Keys are returned in sanitized form.
func (s *BlobStore) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys()
}

func (s *BlobStore) keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing store: %w", err)
	}

	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, blobExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, blobExt))
	}
	sort.Strings(keys)
	return keys, nil
}

// Reset removes every blob and returns how many were removed.
func (s *BlobStore) Reset() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.keys()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, k := range keys {
		if err := os.Remove(filepath.Join(s.dir, k+blobExt)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("removing %s: %w", k, err)
		}
		removed++
	}
	s.logger.WithFields(logrus.Fields{"dir": s.dir, "removed": removed}).Info("Store reset")
	return removed, nil
}
