// Package blobs fetches and caches serialized models by content hash.
package blobs

import "context"

// ModelRef identifies a serialized model blob by its content hash.
type ModelRef struct {
	Hash string
}

type ModelReader interface {
	// Fetch downloads the model blob to destPath. If no such blob exists,
	// Fetch returns an error for which errors.Is(err, os.ErrNotExist) is true.
	Fetch(ctx context.Context, ref ModelRef, destPath string) error
}

type ModelStore interface {
	ModelReader
	// Put uploads the file at sourcePath, keyed by the ref's hash. If a blob
	// with the same hash already exists, Put does nothing and returns no
	// error.
	Put(ctx context.Context, sourcePath string, ref ModelRef) error
}
