package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads objects to blob storage.
type BlobWriter interface {
	// Put uploads data to the given path with the given content type.
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Archiver exports settled position history to blob storage.
type Archiver interface {
	// ArchivePositions exports positions settled within [from, to) and
	// returns the number of records written.
	ArchivePositions(ctx context.Context, from, to time.Time) (int64, error)
}
