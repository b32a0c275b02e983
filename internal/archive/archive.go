package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/v0ropaev/image-processing-service/internal/entities"
)

// ErrNoVariants means the job has no stored variant records, so there is
// nothing to archive. Callers surface this as a not-found.
var ErrNoVariants = errors.New("no variants stored for job")

// RecordSource lists the variant records of one job.
type RecordSource interface {
	VariantsByJob(ctx context.Context, jobID string) ([]entities.VariantRecord, error)
}

// BlobSource fetches a stored blob by its object key.
type BlobSource interface {
	Get(ctx context.Context, key string) ([]byte, string, error)
}

// Builder assembles the download archive of one job. Blobs are fetched one
// at a time and written straight into the zip stream, so memory stays
// bounded by the largest single variant, not the whole archive.
type Builder struct {
	records RecordSource
	blobs   BlobSource
}

func NewBuilder(records RecordSource, blobs BlobSource) *Builder {
	return &Builder{records: records, blobs: blobs}
}

// Write streams a zip with one entry per stored variant, each named by its
// object key, into w. The zip is finalized only when every entry landed: on
// error the writer is abandoned unclosed, so a failure before the first
// entry leaves w untouched and callers can still answer with a real status
// instead of a valid-but-empty archive.
func (b *Builder) Write(ctx context.Context, jobID string, w io.Writer) error {
	records, err := b.records.VariantsByJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("list variants for job %s: %w", jobID, err)
	}
	if len(records) == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrNoVariants)
	}

	zw := zip.NewWriter(w)
	for _, record := range records {
		data, _, err := b.blobs.Get(ctx, record.ObjectKey)
		if err != nil {
			return fmt.Errorf("fetch blob %s: %w", record.ObjectKey, err)
		}

		entry, err := zw.Create(record.ObjectKey)
		if err != nil {
			return fmt.Errorf("create archive entry %s: %w", record.ObjectKey, err)
		}
		if _, err := entry.Write(data); err != nil {
			return fmt.Errorf("write archive entry %s: %w", record.ObjectKey, err)
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize archive for job %s: %w", jobID, err)
	}
	return nil
}
