package adapter

import (
	"context"
	"io"
)

// ObjectStorage persists job artifacts. Upload returns a publicly
// addressable URL for the stored object.
type ObjectStorage interface {
	Upload(ctx context.Context, key, contentType string, r io.Reader) (url string, err error)
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}
