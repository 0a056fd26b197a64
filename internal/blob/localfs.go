package blob

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var ErrInvalidPath = errors.New("invalid blob path")

// LocalFS stores blobs under Root. Keys are slash-separated relative paths;
// anything escaping Root is rejected.
type LocalFS struct {
	Root string
}

// Path resolves a key to its absolute location on disk.
func (l LocalFS) Path(relPath string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(relPath))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, relPath)
	}
	return filepath.Join(l.Root, clean), nil
}

// Put writes r to the key and returns the absolute path written. A partial
// file is removed when the copy fails.
func (l LocalFS) Put(relPath string, r io.Reader) (string, error) {
	abs, err := l.Path(relPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(abs)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(abs)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(abs)
		return "", err
	}
	return abs, nil
}

func (l LocalFS) Open(relPath string) (*os.File, error) {
	abs, err := l.Path(relPath)
	if err != nil {
		return nil, err
	}
	return os.Open(abs)
}

func (l LocalFS) Exists(relPath string) bool {
	abs, err := l.Path(relPath)
	if err != nil {
		return false
	}
	st, err := os.Stat(abs)
	return err == nil && !st.IsDir()
}

// Remove deletes a key and, if it was the last entry, its parent directory.
func (l LocalFS) Remove(relPath string) error {
	abs, err := l.Path(relPath)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if dir := filepath.Dir(abs); dir != filepath.Clean(l.Root) {
		os.Remove(dir) // fails harmlessly when not empty
	}
	return nil
}
