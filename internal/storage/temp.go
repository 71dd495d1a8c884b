package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// TempFiles manages per-job scratch files under one directory.
type TempFiles struct {
	dir string
}

// NewTempFiles creates the directory if needed. An empty dir falls back to
// a clipcoach folder under os.TempDir().
func NewTempFiles(dir string) (*TempFiles, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "clipcoach")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create temp directory: %w", err)
	}
	return &TempFiles{dir: dir}, nil
}

func (t *TempFiles) Dir() string {
	return t.dir
}

// SaveTemp copies data into a new file named name_<random><ext> and returns
// its path. Nothing is left behind on failure.
func (t *TempFiles) SaveTemp(ctx context.Context, name, ext string, data io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context cancelled: %w", err)
	}

	f, err := os.CreateTemp(t.dir, name+"_*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	fileName := f.Name()
	if _, err := io.Copy(f, readerWithContext{ctx: ctx, r: data}); err != nil {
		_ = f.Close()
		_ = os.Remove(fileName)
		return "", fmt.Errorf("write temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(fileName)
		return "", fmt.Errorf("close temp file: %w", err)
	}

	return fileName, nil
}

// CleanupTemp removes paths, ignoring ones already gone. It keeps going after
// a failure and returns the first error.
func (t *TempFiles) CleanupTemp(paths ...string) error {
	var firstErr error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("remove temp file %s: %w", p, err)
		}
	}
	return firstErr
}

// readerWithContext stops a long copy once ctx is done.
type readerWithContext struct {
	ctx context.Context
	r   io.Reader
}

func (r readerWithContext) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
