package database

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/product-harvester/internal/models"
)

// setupTestDB connects to TEST_DATABASE_URL, migrates and empties the
// tables. Tests skip when the variable is unset.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := New(ctx, Config{URL: url})
	require.NoError(t, err)

	_, dirty, err := RunMigrations(db)
	require.NoError(t, err)
	require.False(t, dirty)

	_, err = db.pool.Exec(ctx, "TRUNCATE outbox_event, product_records")
	require.NoError(t, err)

	return db
}

func TestOutboxRepository_InsertWithTx(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	repo := NewOutboxRepository(db)

	t.Run("insert with transaction", func(t *testing.T) {
		event := &OutboxEvent{
			AggregateType: AggregateProductRecord,
			AggregateID:   "p-1",
			EventType:     EventProductCaptured,
			Payload:       json.RawMessage(`{"product_id":"p-1"}`),
		}

		err := db.WithTx(ctx, func(tx pgx.Tx) error {
			return repo.InsertWithTx(ctx, tx, event)
		})

		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, event.ID)
		assert.Equal(t, OutboxStatusPending, event.Status)
		assert.Equal(t, DefaultRecordStream, event.TargetStream)
		assert.False(t, event.CreatedAt.IsZero())
	})

	t.Run("rollback on transaction failure", func(t *testing.T) {
		event := &OutboxEvent{
			AggregateType: AggregateProductRecord,
			AggregateID:   "p-rollback",
			EventType:     EventProductCaptured,
			Payload:       json.RawMessage(`{"product_id":"p-rollback"}`),
		}

		err := db.WithTx(ctx, func(tx pgx.Tx) error {
			if err := repo.InsertWithTx(ctx, tx, event); err != nil {
				return err
			}
			return pgx.ErrTxClosed
		})
		assert.Error(t, err)

		events, err := repo.GetPending(ctx, 10)
		require.NoError(t, err)
		for _, e := range events {
			assert.NotEqual(t, "p-rollback", e.AggregateID)
		}
	})
}

func TestOutboxRepository_GetPending(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	repo := NewOutboxRepository(db)

	now := time.Now()
	for _, tc := range []struct {
		id     string
		status string
	}{
		{"p-1", OutboxStatusPending},
		{"p-2", OutboxStatusProcessed},
		{"p-3", OutboxStatusPending},
		{"p-4", OutboxStatusFailed},
	} {
		event := &OutboxEvent{
			AggregateType: AggregateProductRecord,
			AggregateID:   tc.id,
			EventType:     EventProductCaptured,
			Payload:       json.RawMessage(`{}`),
			Status:        tc.status,
			NextRetryAt:   &now,
		}
		require.NoError(t, db.WithTx(ctx, func(tx pgx.Tx) error {
			return repo.InsertWithTx(ctx, tx, event)
		}))
	}

	t.Run("limit", func(t *testing.T) {
		pending, err := repo.GetPending(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, pending, 2)
		for _, e := range pending {
			assert.Contains(t, []string{OutboxStatusPending, OutboxStatusFailed}, e.Status)
		}
	})

	t.Run("ordered by created_at", func(t *testing.T) {
		pending, err := repo.GetPending(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, pending, 3)
		for i := 1; i < len(pending); i++ {
			assert.False(t, pending[i].CreatedAt.Before(pending[i-1].CreatedAt))
		}
	})

	t.Run("respects next_retry_at", func(t *testing.T) {
		_, err := db.pool.Exec(ctx,
			"UPDATE outbox_event SET next_retry_at = $1 WHERE aggregate_id = $2",
			time.Now().Add(time.Hour), "p-4")
		require.NoError(t, err)

		pending, err := repo.GetPending(ctx, 10)
		require.NoError(t, err)
		for _, e := range pending {
			assert.NotEqual(t, "p-4", e.AggregateID)
		}
	})

	t.Run("stats", func(t *testing.T) {
		stats, err := repo.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutboxStats{Pending: 3, DeadLetter: 0}, stats)
	})
}

func TestOutboxRepository_MarkProcessedAndFailed(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	repo := NewOutboxRepository(db)

	insert := func(id string, retries int) *OutboxEvent {
		event := &OutboxEvent{
			AggregateType: AggregateProductRecord,
			AggregateID:   id,
			EventType:     EventProductCaptured,
			Payload:       json.RawMessage(`{}`),
			RetryCount:    retries,
		}
		require.NoError(t, db.WithTx(ctx, func(tx pgx.Tx) error {
			return repo.InsertWithTx(ctx, tx, event)
		}))
		return event
	}

	t.Run("mark processed", func(t *testing.T) {
		event := insert("p-1", 0)
		require.NoError(t, repo.MarkProcessed(ctx, event.ID))

		var status string
		err := db.pool.QueryRow(ctx, "SELECT status FROM outbox_event WHERE id = $1", event.ID).Scan(&status)
		require.NoError(t, err)
		assert.Equal(t, OutboxStatusProcessed, status)

		assert.ErrorIs(t, repo.MarkProcessed(ctx, uuid.New()), ErrEventNotFound)
	})

	t.Run("mark failed schedules a retry", func(t *testing.T) {
		event := insert("p-2", 0)
		require.NoError(t, repo.MarkFailed(ctx, event.ID, assert.AnError))

		var status string
		var retryCount int
		var nextRetry time.Time
		err := db.pool.QueryRow(ctx,
			"SELECT status, retry_count, next_retry_at FROM outbox_event WHERE id = $1",
			event.ID).Scan(&status, &retryCount, &nextRetry)
		require.NoError(t, err)

		assert.Equal(t, OutboxStatusFailed, status)
		assert.Equal(t, 1, retryCount)
		assert.True(t, nextRetry.After(time.Now()))
	})

	t.Run("dead letter after max retries", func(t *testing.T) {
		event := insert("p-3", MaxRetryCount-1)
		require.NoError(t, repo.MarkFailed(ctx, event.ID, assert.AnError))

		var status string
		err := db.pool.QueryRow(ctx, "SELECT status FROM outbox_event WHERE id = $1", event.ID).Scan(&status)
		require.NoError(t, err)
		assert.Equal(t, OutboxStatusDeadLetter, status)
	})
}

func TestRecordRepository_PutRecord(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	repo := NewRecordRepository(db, "", 0)
	outbox := NewOutboxRepository(db)

	amount := 12.99
	rec := models.NewProductRecord("p-1", "https://www.aliexpress.com/item/100.html", "aliexpress")
	rec.Title = "Wireless Earbuds"
	rec.CurrentPrice = models.Price{Text: "US $12.99", Amount: &amount, Currency: "$"}
	rec.Status = models.StatusPartial
	rec.CapturedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.PutRecord(ctx, rec))

	rec.Title = "Wireless Earbuds Pro"
	require.NoError(t, repo.PutRecord(ctx, rec))

	stored, err := repo.GetRecord(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "Wireless Earbuds Pro", stored.Title)
	assert.Equal(t, 12.99, *stored.CurrentPrice.Amount)

	events, err := outbox.GetPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2, "one event per write")
	assert.Equal(t, EventProductCaptured, events[0].EventType)
	assert.Equal(t, "p-1", events[0].AggregateID)

	_, err = repo.GetRecord(ctx, "missing")
	assert.ErrorIs(t, err, pgx.ErrNoRows)
}

func TestNewRecordRepositoryDefaults(t *testing.T) {
	repo := NewRecordRepository(nil, "", 0)
	assert.Equal(t, DefaultRecordStream, repo.stream)
	assert.Equal(t, 15*time.Second, repo.timeout)

	repo = NewRecordRepository(nil, "stream:custom", 2*time.Second)
	assert.Equal(t, "stream:custom", repo.stream)
	assert.Equal(t, 2*time.Second, repo.timeout)
}

func TestRecordRepository_PutRecordTimeout(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	repo := NewRecordRepository(db, "", time.Nanosecond)
	rec := models.NewProductRecord("p-slow", "https://www.aliexpress.com/item/200.html", "aliexpress")
	rec.CapturedAt = time.Now()

	start := time.Now()
	assert.Error(t, repo.PutRecord(ctx, rec))
	assert.Less(t, time.Since(start), 5*time.Second)

	_, err := NewRecordRepository(db, "", 0).GetRecord(ctx, "p-slow")
	assert.ErrorIs(t, err, pgx.ErrNoRows)
}
