// Package storage reads uploaded clips from object storage and manages the
// scratch files the analysis pipeline works on.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned when the bucket or key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is the read side of the video object storage.
type ObjectStore interface {
	// Download opens the object for reading. The caller must close it.
	Download(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}
