package blob

import (
	"context"
	"errors"
)

// BlobStore holds snapshot rasters under opaque keys.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

var ErrBlobNotFound = errors.New("blob does not exist")
