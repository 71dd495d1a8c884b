package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore serves objects from root/<bucket>/<key> on disk. Used for local
// development and tests in place of S3.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalStore{root: abs}, nil
}

func (s *LocalStore) Download(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	p, err := s.resolve(bucket, key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(p) // #nosec G304 - path is confined to root by resolve
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
	}
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	return f, nil
}

// resolve joins bucket and key under root, rejecting anything that escapes it.
func (s *LocalStore) resolve(bucket, key string) (string, error) {
	sep := string(os.PathSeparator)
	dir := filepath.Join(s.root, bucket)
	p := filepath.Join(dir, filepath.FromSlash(key))
	if bucket == "" || key == "" ||
		!strings.HasPrefix(dir, s.root+sep) || !strings.HasPrefix(p, dir+sep) {
		return "", fmt.Errorf("%w: invalid object path %s/%s", ErrObjectNotFound, bucket, key)
	}
	return p, nil
}
