package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outaqua/aquarium/internal/storage"
	"github.com/outaqua/aquarium/internal/transfer"
)

func newArchive(t *testing.T) *Archive {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	a, err := Open(context.Background(), "mem://", db, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func img(name string, ts int64, data string) *transfer.Upload {
	return &transfer.Upload{
		Metadata: transfer.Metadata{SessionID: "s-" + name, Filename: name, MimeType: "image/png", Timestamp: ts},
		Data:     []byte(data),
	}
}

func TestArchive_SaveAndOpen(t *testing.T) {
	ctx := context.Background()
	a := newArchive(t)

	require.NoError(t, a.Save(ctx, img("character1.png", 1, "old")))
	require.NoError(t, a.Save(ctx, img("character1.png", 2, "new")))

	got, err := a.Open(ctx, "character1.png")
	require.NoError(t, err)
	assert.Equal(t, "new", string(got.Data))
	assert.Equal(t, "image/png", got.MimeType)
	assert.Equal(t, int64(3), got.Filesize)

	_, err = a.Open(ctx, "nope.png")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestArchive_Latest(t *testing.T) {
	ctx := context.Background()
	a := newArchive(t)
	require.NoError(t, a.Save(ctx, img("character1.png", 1, "a1")))
	require.NoError(t, a.Save(ctx, img("character2.png", 2, "b1")))
	require.NoError(t, a.Save(ctx, img("character1.png", 3, "a2")))

	ups, err := a.Latest(ctx)
	require.NoError(t, err)
	require.Len(t, ups, 2)
	assert.Equal(t, "b1", string(ups[0].Data))
	assert.Equal(t, "a2", string(ups[1].Data))

	rows, err := a.List(0)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	assert.Equal(t, ups[1].Digest(), rows[0].Digest)
}

func TestArchive_OrdersByArchiveClock(t *testing.T) {
	ctx := context.Background()
	a := newArchive(t)
	now := time.UnixMilli(1_700_000_000_000)
	a.now = func() time.Time { return now }

	// The first controller's clock runs far ahead of the second's.
	require.NoError(t, a.Save(ctx, img("character1.png", 2_000_000_000_000, "OLD")))
	now = now.Add(time.Second)
	require.NoError(t, a.Save(ctx, img("character1.png", 1_700_000_000_000, "NEW")))

	got, err := a.Open(ctx, "character1.png")
	require.NoError(t, err)
	assert.Equal(t, "NEW", string(got.Data))
	assert.Equal(t, now.UnixMilli(), got.Timestamp)

	ups, err := a.Latest(ctx)
	require.NoError(t, err)
	require.Len(t, ups, 1)
	assert.Equal(t, "NEW", string(ups[0].Data))
}

func TestArchive_Delete(t *testing.T) {
	ctx := context.Background()
	a := newArchive(t)
	require.NoError(t, a.Save(ctx, img("character1.png", 1, "old")))
	require.NoError(t, a.Save(ctx, img("character1.png", 2, "new")))

	rows, err := a.List(0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	newest := rows[0]

	require.NoError(t, a.Delete(ctx, newest.ID))
	exists, err := a.bucket.Exists(ctx, newest.BlobKey)
	require.NoError(t, err)
	assert.False(t, exists)

	got, err := a.Open(ctx, "character1.png")
	require.NoError(t, err)
	assert.Equal(t, "old", string(got.Data), "previous image is served again")

	assert.ErrorIs(t, a.Delete(ctx, newest.ID), ErrNotFound)
	assert.ErrorIs(t, a.Delete(ctx, "missing"), ErrNotFound)
}

func TestArchive_DeleteWithoutBlob(t *testing.T) {
	ctx := context.Background()
	a := newArchive(t)
	require.NoError(t, a.Save(ctx, img("character1.png", 1, "x")))
	rows, err := a.List(0)
	require.NoError(t, err)
	require.NoError(t, a.bucket.Delete(ctx, rows[0].BlobKey))

	require.NoError(t, a.Delete(ctx, rows[0].ID))
	rows, err = a.List(0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestArchive_MissingBlobSkipped(t *testing.T) {
	ctx := context.Background()
	a := newArchive(t)
	require.NoError(t, a.Save(ctx, img("character1.png", 1, "x")))

	rows, err := a.List(0)
	require.NoError(t, err)
	require.NoError(t, a.bucket.Delete(ctx, rows[0].BlobKey))

	ups, err := a.Latest(ctx)
	require.NoError(t, err)
	assert.Empty(t, ups)

	_, err = a.Open(ctx, "character1.png")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSafeName(t *testing.T) {
	cases := map[string]string{
		"character1.png":        "character1.png",
		"../../etc/passwd":      "passwd",
		`C:\Users\x\walk-1.gif`: "walk-1.gif",
		"..":                    "upload",
		"":                      "upload",
	}
	for in, want := range cases {
		assert.Equal(t, want, safeName(in), in)
	}
}
