// Package archive keeps every completed upload: bytes in a blob bucket,
// catalogue rows in SQLite.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/fileblob" // file:// URLs
	_ "gocloud.dev/blob/memblob"  // mem:// URLs

	"github.com/outaqua/aquarium/internal/storage"
	"github.com/outaqua/aquarium/internal/transfer"
)

// ErrNotFound is returned when no stored image matches.
var ErrNotFound = errors.New("image not found")

const keyPrefix = "images/"

// Archive stores uploads. It satisfies relay.Library.
type Archive struct {
	bucket *blob.Bucket
	db     *storage.DB
	log    *zap.Logger
	now    func() time.Time
}

// Open opens the bucket at bucketURL (mem://, file:///path, ...) and pairs
// it with db.
func Open(ctx context.Context, bucketURL string, db *storage.DB, log *zap.Logger) (*Archive, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Archive{bucket: bucket, db: db, log: log, now: time.Now}, nil
}

// Close closes the bucket. The database is owned by the caller.
func (a *Archive) Close() error {
	return a.bucket.Close()
}

// Save writes the upload's bytes and records it in the catalogue.
func (a *Archive) Save(ctx context.Context, up *transfer.Upload) error {
	id := uuid.NewString()
	key := keyPrefix + id + "/" + safeName(up.Filename)

	if err := a.bucket.WriteAll(ctx, key, up.Data, &blob.WriterOptions{
		ContentType: up.MimeType,
		Metadata:    map[string]string{"session": up.SessionID},
	}); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}

	// Ordered by the archive's clock, not the sender's.
	created := a.now().UnixMilli()
	row := &storage.Upload{
		ID:        id,
		SessionID: up.SessionID,
		Filename:  up.Filename,
		MimeType:  up.MimeType,
		Size:      int64(len(up.Data)),
		Digest:    up.Digest(),
		BlobKey:   key,
		CreatedAt: created,
	}
	if err := a.db.CreateUpload(row); err != nil {
		if derr := a.bucket.Delete(ctx, key); derr != nil {
			a.log.Warn("remove orphaned blob", zap.String("key", key), zap.Error(derr))
		}
		return err
	}
	a.log.Info("image archived",
		zap.String("id", id),
		zap.String("filename", up.Filename),
		zap.Int64("bytes", row.Size),
	)
	return nil
}

// Latest loads the newest image for every filename, oldest first. Rows
// whose blob has gone missing are skipped.
func (a *Archive) Latest(ctx context.Context) ([]*transfer.Upload, error) {
	rows, err := a.db.LatestUploads()
	if err != nil {
		return nil, err
	}
	out := make([]*transfer.Upload, 0, len(rows))
	for i := range rows {
		up, err := a.load(ctx, &rows[i])
		if errors.Is(err, ErrNotFound) {
			a.log.Warn("catalogue row without blob", zap.String("key", rows[i].BlobKey))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, up)
	}
	return out, nil
}

// Open returns the newest image stored under filename.
func (a *Archive) Open(ctx context.Context, filename string) (*transfer.Upload, error) {
	row, err := a.db.LatestByFilename(filename)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a.load(ctx, row)
}

// Delete removes the upload with the given catalogue id, blob first. A blob
// that is already gone does not stop the row from being removed.
func (a *Archive) Delete(ctx context.Context, id string) error {
	row, err := a.db.GetUpload(id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := a.bucket.Delete(ctx, row.BlobKey); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("delete %s: %w", row.BlobKey, err)
	}
	if err := a.db.DeleteUpload(id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	a.log.Info("image deleted", zap.String("id", id), zap.String("filename", row.Filename))
	return nil
}

// List returns catalogue rows, newest first.
func (a *Archive) List(limit int) ([]storage.Upload, error) {
	return a.db.ListUploads(limit)
}

func (a *Archive) load(ctx context.Context, row *storage.Upload) (*transfer.Upload, error) {
	data, err := a.bucket.ReadAll(ctx, row.BlobKey)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", row.BlobKey, err)
	}
	return &transfer.Upload{
		Metadata: transfer.Metadata{
			SessionID:   row.SessionID,
			Filename:    row.Filename,
			Filesize:    row.Size,
			TotalChunks: 1,
			MimeType:    row.MimeType,
			Timestamp:   row.CreatedAt,
		},
		Data: data,
	}, nil
}

// safeName reduces a client-supplied filename to a single path element.
func safeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return "upload"
	}
	return name
}
