package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"

	"github.com/felixgeelhaar/settle/internal/billing/application"
	"github.com/felixgeelhaar/settle/internal/shared/infrastructure/security"
	"github.com/spf13/afero"
)

// Store keeps artifacts under a root directory of an afero filesystem.
// References are slash-separated paths relative to the root.
type Store struct {
	fs afero.Fs
}

// NewStore creates a store rooted at dir on the given filesystem.
func NewStore(filesystem afero.Fs, dir string) *Store {
	return &Store{fs: afero.NewBasePathFs(filesystem, dir)}
}

// NewOSStore stores artifacts on the local disk.
func NewOSStore(dir string) *Store {
	return NewStore(afero.NewOsFs(), dir)
}

// NewMemoryStore stores artifacts in memory.
func NewMemoryStore() *Store {
	return NewStore(afero.NewMemMapFs(), "/")
}

// Put writes data atomically under key and returns its reference.
func (s *Store) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref, err := security.CleanKey(key)
	if err != nil {
		return "", err
	}
	if err := s.fs.MkdirAll(path.Dir(ref), 0o755); err != nil {
		return "", fmt.Errorf("failed to create document directory: %w", err)
	}

	tmp := ref + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write document: %w", err)
	}
	if err := s.fs.Rename(tmp, ref); err != nil {
		_ = s.fs.Remove(tmp)
		return "", fmt.Errorf("failed to store document: %w", err)
	}
	return ref, nil
}

// Open returns the artifact for ref, or application.ErrDocumentMissing.
func (s *Store) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := security.CleanKey(ref)
	if err != nil {
		return nil, err
	}
	f, err := s.fs.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", application.ErrDocumentMissing, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open document: %w", err)
	}
	return f, nil
}

// Delete removes an artifact. Missing artifacts are ignored.
func (s *Store) Delete(ctx context.Context, ref string) error {
	name, err := security.CleanKey(ref)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

var _ application.DocumentStore = (*Store)(nil)
