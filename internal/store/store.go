package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/spf13/afero"
)

var (
	ErrInvalidKey = errors.New("invalid store key")
	ErrCorrupt    = errors.New("stored document is corrupt")
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

const (
	docSuffix = ".json"
	tmpSuffix = ".json.tmp"
)

// Store persists one JSON document per key under a directory. Every access to
// a key is serialized in arrival order, and writes replace the document
// atomically so a reader never observes a torn document.
type Store struct {
	fs     afero.Fs
	dir    string
	logger *slog.Logger
	locks  *keyLocks
}

func New(fs afero.Fs, dir string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("store directory is required")
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", dir, err)
	}
	return &Store{fs: fs, dir: dir, logger: logger, locks: newKeyLocks()}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Read decodes the document for key into v. When no document exists v is left
// untouched, so callers pre-fill it with their default.
func (s *Store) Read(ctx context.Context, key string, v any) (bool, error) {
	var found bool
	err := s.WithLock(ctx, key, func(cur []byte, ok bool) ([]byte, error) {
		found = ok
		if !ok {
			return nil, nil
		}
		if err := json.Unmarshal(cur, v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		return nil, nil
	})
	return found, err
}

func (s *Store) Write(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.WithLock(ctx, key, func([]byte, bool) ([]byte, error) {
		return data, nil
	})
}

// WithLock runs fn with exclusive access to key. fn receives the current
// document (found=false when none exists) and returns the next one; a nil
// result leaves the stored document unchanged.
func (s *Store) WithLock(ctx context.Context, key string, fn func(cur []byte, found bool) ([]byte, error)) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if err := s.locks.acquire(ctx, key); err != nil {
		return err
	}
	defer s.locks.release(key)

	cur, found, err := s.readLocked(key)
	if err != nil {
		return err
	}
	next, err := fn(cur, found)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	return s.writeLocked(key, next)
}

// Load returns the document for key decoded as T, or def when none exists.
func Load[T any](ctx context.Context, s *Store, key string, def T) (T, error) {
	out := def
	if _, err := s.Read(ctx, key, &out); err != nil {
		return def, err
	}
	return out, nil
}

// Update applies fn to the current document (def when none exists) and
// persists the result under the key's lock.
func Update[T any](ctx context.Context, s *Store, key string, def T, fn func(T) (T, error)) (T, error) {
	var result T
	err := s.WithLock(ctx, key, func(cur []byte, found bool) ([]byte, error) {
		v := def
		if found {
			if err := json.Unmarshal(cur, &v); err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
		}
		next, err := fn(v)
		if err != nil {
			return nil, err
		}
		data, err := json.MarshalIndent(next, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		result = next
		return data, nil
	})
	return result, err
}

func (s *Store) docPath(key string) string {
	return filepath.Join(s.dir, key+docSuffix)
}

func (s *Store) tmpPath(key string) string {
	return filepath.Join(s.dir, key+tmpSuffix)
}

func (s *Store) readLocked(key string) ([]byte, bool, error) {
	target, tmp := s.docPath(key), s.tmpPath(key)

	data, err := afero.ReadFile(s.fs, target)
	switch {
	case err == nil && json.Valid(data):
		s.discardTemp(tmp)
		return data, true, nil
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return nil, false, fmt.Errorf("read %s: %w", target, err)
	}
	targetExists := err == nil

	// The committed document is missing or torn: a complete temp file means
	// the process died mid-copy after the temp was fully written.
	staged, tmpErr := afero.ReadFile(s.fs, tmp)
	if tmpErr == nil && json.Valid(staged) {
		s.logger.Warn("recovering document from staged write", "key", key)
		if err := s.commitLocked(tmp, target); err != nil {
			return nil, false, err
		}
		return staged, true, nil
	}
	s.discardTemp(tmp)
	if targetExists {
		return nil, false, fmt.Errorf("%w: %s", ErrCorrupt, target)
	}
	return nil, false, nil
}

func (s *Store) writeLocked(key string, data []byte) error {
	target, tmp := s.docPath(key), s.tmpPath(key)

	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	return s.commitLocked(tmp, target)
}

// commitLocked moves the staged temp over the target. When rename is not
// possible the temp is copied into place first and only removed once the copy
// is durable, so a crash leaves at least one complete document behind.
func (s *Store) commitLocked(tmp, target string) error {
	renameErr := s.fs.Rename(tmp, target)
	if renameErr == nil {
		return nil
	}
	s.logger.Debug("rename failed, copying staged document", "target", target, "error", renameErr)
	if err := s.copyFile(tmp, target); err != nil {
		return fmt.Errorf("commit %s: rename: %v; copy: %w", target, renameErr, err)
	}
	if err := s.fs.Remove(tmp); err != nil {
		s.logger.Warn("remove staged document failed", "path", tmp, "error", err)
	}
	return nil
}

func (s *Store) copyFile(src, dst string) error {
	in, err := s.fs.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := s.fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func (s *Store) discardTemp(tmp string) {
	if err := s.fs.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Debug("remove stale temp failed", "path", tmp, "error", err)
	}
}
