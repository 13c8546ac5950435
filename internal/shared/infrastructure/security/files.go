// Package security guards the places where operator or gateway input turns
// into file access.
package security

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// ErrTooLarge is returned when a file exceeds the read limit.
var ErrTooLarge = errors.New("file exceeds size limit")

// ErrInvalidKey is returned for storage keys that escape their root.
var ErrInvalidKey = errors.New("invalid storage key")

// ReadFile reads at most limit bytes of name from fsys. A larger file is
// rejected rather than truncated.
func ReadFile(fsys afero.Fs, name string, limit int64) ([]byte, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("file path is required")
	}
	info, err := fsys.Stat(name)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", name, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", name)
	}
	if info.Size() > limit {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrTooLarge, name, info.Size(), limit)
	}

	f, err := fsys.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	// The file may grow between Stat and Read.
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s, limit %d", ErrTooLarge, name, limit)
	}
	return data, nil
}

// CleanKey turns a slash-separated storage key into a rooted path. Keys
// with parent references, control characters or backslashes are rejected.
func CleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if strings.ContainsAny(key, "\\\x00\r\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	p := path.Clean("/" + key)
	if p == "/" {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return p, nil
}
