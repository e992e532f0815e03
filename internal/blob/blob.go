package blob

import (
	"context"
	"io"
)

// Storage keeps reference images outside the database.
type Storage interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}
