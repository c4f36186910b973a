package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/perpdesk/perpdesk/internal/domain"
)

// SettledPositionStore provides read access to settled positions for
// archival purposes. The Postgres position store satisfies it implicitly.
type SettledPositionStore interface {
	// ListClosedBetween returns closed and liquidated positions settled
	// within [from, to).
	ListClosedBetween(ctx context.Context, from, to time.Time) ([]domain.Position, error)
}

// ArchiveImpl implements domain.Archiver by querying the position store for
// settled records, serializing them to JSONL, and uploading the result to S3.
//
// Deletion of the archived records from the primary store is intentionally
// not performed here; that is a separate, explicit step executed after the
// archive has been verified.
type ArchiveImpl struct {
	writer domain.BlobWriter
	store  SettledPositionStore
	audit  domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, store SettledPositionStore, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		store:  store,
		audit:  audit,
	}
}

// ArchivePositions queries positions settled within [from, to), serializes
// them to JSONL, and uploads the file to archive/positions/YYYY-MM-DD.jsonl.
// The archival event is recorded in the audit log and the count of archived
// records is returned.
func (a *ArchiveImpl) ArchivePositions(ctx context.Context, from, to time.Time) (int64, error) {
	positions, err := a.store.ListClosedBetween(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(positions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}

	path := archivePath("positions", to)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}

	count := int64(len(positions))

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.positions", map[string]any{
			"path":  path,
			"count": count,
			"from":  from.Format(time.RFC3339),
			"to":    to.Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive positions audit log: %w", err)
		}
	}

	return count, nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// day of the cutoff time. One export per window must map to its own key;
// a coarser partition would overwrite the previous window's file.
//
//	archive/positions/2025-01-15.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01-02"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON. Each
// element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface checks.
var (
	_ domain.BlobWriter = (*Writer)(nil)
	_ domain.Archiver   = (*ArchiveImpl)(nil)
)
