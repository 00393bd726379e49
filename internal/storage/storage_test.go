package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/product-harvester/internal/models"
)

func testRecord(id, title string) *models.ProductRecord {
	rec := models.NewProductRecord(id, "https://www.aliexpress.com/item/100.html", "aliexpress")
	rec.Title = title
	rec.Status = models.StatusOK
	rec.CapturedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return rec
}

func TestIndexResolveIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")

	idx, err := NewIndex(path)
	require.NoError(t, err)

	id, created, err := idx.Resolve("https://www.aliexpress.com/item/100.html?spm=a2g0o&gatewayAdapt=glo2usa")
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := idx.Resolve("https://WWW.aliexpress.com/item/100.html#reviews")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again)

	reopened, err := NewIndex(path)
	require.NoError(t, err)

	fromDisk, created, err := reopened.Resolve("https://www.aliexpress.com/item/100.html")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, fromDisk)

	other, _, err := reopened.Resolve("https://www.aliexpress.com/item/200.html")
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
	assert.Equal(t, 2, reopened.Len())

	_, _, err = reopened.Resolve("")
	assert.Error(t, err)
}

func TestIndexCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewIndex(path)
	assert.Error(t, err)
}

func TestRecordStoreRoundTrip(t *testing.T) {
	rs, err := NewRecordStore(t.TempDir())
	require.NoError(t, err)

	rec := testRecord("p1", "Wireless Earbuds")
	require.NoError(t, rs.Save(rec))

	loaded, err := rs.Load("p1")
	require.NoError(t, err)
	assert.Equal(t, rec, loaded)

	_, err = rs.Load("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, rs.Save(testRecord("../escape", "x")))
}

func TestRecordStoreListAndDelete(t *testing.T) {
	dir := t.TempDir()
	rs, err := NewRecordStore(dir)
	require.NoError(t, err)

	older := testRecord("a", "Older")
	newer := testRecord("b", "Newer")
	newer.CapturedAt = older.CapturedAt.Add(time.Hour)

	require.NoError(t, rs.Save(older))
	require.NoError(t, rs.Save(newer))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	list, err := rs.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ProductID)
	assert.Equal(t, "a", list[1].ProductID)

	require.NoError(t, rs.Delete("a"))
	assert.ErrorIs(t, rs.Delete("a"), ErrNotFound)
}

func TestCrashDuringWriteKeepsPreviousVersion(t *testing.T) {
	rs, err := NewRecordStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, rs.Save(testRecord("p1", "First capture")))

	crash := errors.New("simulated crash")
	orig := beforeRename
	beforeRename = func(tmp, final string) error {
		// the temp file is complete, the final path still holds the old version
		data, err := os.ReadFile(final)
		require.NoError(t, err)
		assert.Contains(t, string(data), "First capture")
		return crash
	}
	t.Cleanup(func() { beforeRename = orig })

	err = rs.Save(testRecord("p1", "Second capture"))
	require.ErrorIs(t, err, crash)

	loaded, err := rs.Load("p1")
	require.NoError(t, err)
	assert.Equal(t, "First capture", loaded.Title)

	entries, err := os.ReadDir(rs.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp file left behind")
	assert.Equal(t, "p1.json", entries[0].Name())
}

type fakeMirror struct {
	name  string
	err   error
	calls int
	last  *models.ProductRecord
}

func (m *fakeMirror) Name() string { return m.name }

func (m *fakeMirror) PutRecord(_ context.Context, rec *models.ProductRecord) error {
	m.calls++
	m.last = rec
	return m.err
}

type fakeImageCache struct {
	removed []string
}

func (c *fakeImageCache) Remove(productID string) error {
	c.removed = append(c.removed, productID)
	return nil
}

func newTestStore(t *testing.T, mirrors ...Mirror) (*Store, *fakeImageCache) {
	t.Helper()
	dir := t.TempDir()

	rs, err := NewRecordStore(filepath.Join(dir, "products"))
	require.NoError(t, err)
	idx, err := NewIndex(filepath.Join(dir, "index.json"))
	require.NoError(t, err)

	cache := &fakeImageCache{}
	return NewStore(rs, idx, cache, mirrors, nil), cache
}

func TestStoreSaveMirrorFailureIsNotFatal(t *testing.T) {
	broken := &fakeMirror{name: "dynamodb", err: errors.New("AccessDeniedException")}
	healthy := &fakeMirror{name: "postgres"}
	store, _ := newTestStore(t, broken, healthy)

	rec := testRecord("p1", "Wireless Earbuds")
	report, err := store.Save(context.Background(), rec)
	require.NoError(t, err)

	assert.True(t, report.Local)
	assert.Equal(t, []string{"postgres"}, report.Mirrored)
	assert.ErrorContains(t, report.Failed["dynamodb"], "AccessDenied")
	assert.Equal(t, 1, broken.calls)
	assert.Equal(t, 1, healthy.calls)

	loaded, err := store.Load("p1")
	require.NoError(t, err)
	assert.Equal(t, rec, loaded)
}

func TestStoreSaveLocalFailureSkipsMirrors(t *testing.T) {
	m := &fakeMirror{name: "dynamodb"}
	store, _ := newTestStore(t, m)

	_, err := store.Save(context.Background(), testRecord("", "no id"))
	assert.Error(t, err)
	assert.Zero(t, m.calls)
}

func TestStoreDeleteKeepsIdentity(t *testing.T) {
	store, cache := newTestStore(t)

	id, _, err := store.Index().Resolve("https://www.aliexpress.com/item/100.html")
	require.NoError(t, err)

	_, err = store.Save(context.Background(), testRecord(id, "Earbuds"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(id))
	assert.Equal(t, []string{id}, cache.removed)

	_, err = store.Load(id)
	assert.ErrorIs(t, err, ErrNotFound)

	again, created, err := store.Index().Resolve("https://www.aliexpress.com/item/100.html")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again)

	assert.ErrorIs(t, store.Delete(id), ErrNotFound)
}

func TestStoreUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("missing record", func(t *testing.T) {
		store, _ := newTestStore(t)

		var seen *models.ProductRecord
		report, err := store.Update(ctx, "p1", func(current *models.ProductRecord) (*models.ProductRecord, error) {
			seen = current
			return nil, nil
		})
		require.NoError(t, err)
		assert.Nil(t, seen)
		assert.False(t, report.Local)

		_, err = store.Load("p1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("modifies and saves", func(t *testing.T) {
		m := &fakeMirror{name: "postgres"}
		store, _ := newTestStore(t, m)
		_, err := store.Save(ctx, testRecord("p1", "Earbuds"))
		require.NoError(t, err)

		report, err := store.Update(ctx, "p1", func(current *models.ProductRecord) (*models.ProductRecord, error) {
			current.Title = "Earbuds Pro"
			return current, nil
		})
		require.NoError(t, err)
		assert.True(t, report.Local)
		assert.Equal(t, 2, m.calls)

		loaded, err := store.Load("p1")
		require.NoError(t, err)
		assert.Equal(t, "Earbuds Pro", loaded.Title)
	})

	t.Run("callback error saves nothing", func(t *testing.T) {
		store, _ := newTestStore(t)
		_, err := store.Save(ctx, testRecord("p1", "Earbuds"))
		require.NoError(t, err)

		_, err = store.Update(ctx, "p1", func(current *models.ProductRecord) (*models.ProductRecord, error) {
			current.Title = "changed"
			return nil, context.Canceled
		})
		assert.ErrorIs(t, err, context.Canceled)

		loaded, err := store.Load("p1")
		require.NoError(t, err)
		assert.Equal(t, "Earbuds", loaded.Title)
	})

	t.Run("mismatched id", func(t *testing.T) {
		store, _ := newTestStore(t)
		_, err := store.Update(ctx, "p1", func(*models.ProductRecord) (*models.ProductRecord, error) {
			return testRecord("p2", "other"), nil
		})
		assert.Error(t, err)
	})
}

func TestStoreUpdateSerializesWriters(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	_, err := store.Save(ctx, testRecord("p1", "Earbuds"))
	require.NoError(t, err)

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, "p1", func(current *models.ProductRecord) (*models.ProductRecord, error) {
				current.Images = append(current.Images, models.ImageRef{SourceURL: "https://ae01.alicdn.com/kf/a.jpg", Role: models.RoleGallery})
				return current, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	loaded, err := store.Load("p1")
	require.NoError(t, err)
	assert.Len(t, loaded.Images, writers, "no update is lost")
	assert.Empty(t, store.locks, "released locks are dropped")
}

func TestStoreSaveWaitsForUpdate(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	_, err := store.Save(ctx, testRecord("p1", "Earbuds"))
	require.NoError(t, err)

	saved := make(chan struct{})
	_, err = store.Update(ctx, "p1", func(current *models.ProductRecord) (*models.ProductRecord, error) {
		go func() {
			defer close(saved)
			_, err := store.Save(ctx, testRecord("p1", "Earbuds v2"))
			assert.NoError(t, err)
		}()

		select {
		case <-saved:
			t.Error("save ran while the update held the lock")
		case <-time.After(50 * time.Millisecond):
		}
		current.Title = "Earbuds republished"
		return current, nil
	})
	require.NoError(t, err)
	<-saved

	loaded, err := store.Load("p1")
	require.NoError(t, err)
	assert.Equal(t, "Earbuds v2", loaded.Title)
}
