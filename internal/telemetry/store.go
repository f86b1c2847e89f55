package telemetry

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by ObjectStore.Get when nothing is stored at the key.
	ErrNotFound = errors.New("object not found")

	// ErrConflict is returned by ObjectStore.Put when the expected version no
	// longer matches the stored one.
	ErrConflict = errors.New("version conflict")

	// ErrFetch marks failures of the read step.
	ErrFetch = errors.New("fetch failed")

	// ErrPublish marks failures of the write step.
	ErrPublish = errors.New("publish failed")
)

// Blob is a stored object as seen through the contents API.
type Blob struct {
	// Content is the base64 text of the object, possibly line-wrapped.
	Content string
	// Version is the opaque token used for optimistic concurrency.
	Version string
}

// ObjectStore is the remote, optimistically versioned file store the series
// lives in. An empty expectedVersion on Put means "create".
type ObjectStore interface {
	Get(ctx context.Context, key string) (Blob, error)
	Put(ctx context.Context, key string, content []byte, expectedVersion, message string) (string, error)
}
