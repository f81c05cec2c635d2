package staticfiles

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

var (
	// ErrNotFound reports that the named file does not exist.
	ErrNotFound = errors.New("file not found")
	// ErrIsDirectory reports that the name refers to a directory.
	ErrIsDirectory = errors.New("is a directory")
)

// Source loads file contents by slash-separated name relative to a root.
type Source interface {
	Fetch(ctx context.Context, name string) ([]byte, error)
}

// DiskSource reads files below Root.
type DiskSource struct {
	Root string
}

// Fetch implements Source.
func (d DiskSource) Fetch(_ context.Context, name string) ([]byte, error) {
	full := filepath.Join(d.Root, filepath.FromSlash(name))
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}
	if info.IsDir() {
		return nil, ErrIsDirectory
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}
