package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/maltedev/product-harvester/internal/models"
)

// CapturedPayload is the body of a product.captured event.
type CapturedPayload struct {
	ProductID     string        `json:"product_id"`
	SourceURL     string        `json:"source_url"`
	SourceSite    string        `json:"source_site"`
	Title         string        `json:"title"`
	Status        models.Status `json:"status"`
	CurrentPrice  *float64      `json:"current_price,omitempty"`
	Currency      string        `json:"currency,omitempty"`
	ImageCount    int           `json:"image_count"`
	VariantCount  int           `json:"variant_count"`
	HasEnrichment bool          `json:"has_enrichment"`
	CapturedAt    time.Time     `json:"captured_at"`
}

func NewCapturedPayload(rec *models.ProductRecord) CapturedPayload {
	return CapturedPayload{
		ProductID:     rec.ProductID,
		SourceURL:     rec.SourceURL,
		SourceSite:    rec.SourceSite,
		Title:         rec.Title,
		Status:        rec.Status,
		CurrentPrice:  rec.CurrentPrice.Amount,
		Currency:      rec.CurrentPrice.Currency,
		ImageCount:    len(rec.Images),
		VariantCount:  len(rec.SKUVariants),
		HasEnrichment: rec.Enrichment != nil,
		CapturedAt:    rec.CapturedAt,
	}
}

// RecordRepository mirrors product records into Postgres.
type RecordRepository struct {
	db      *DB
	outbox  *OutboxRepository
	stream  string
	timeout time.Duration
}

func NewRecordRepository(db *DB, stream string, timeout time.Duration) *RecordRepository {
	if stream == "" {
		stream = DefaultRecordStream
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RecordRepository{
		db:      db,
		outbox:  NewOutboxRepository(db),
		stream:  stream,
		timeout: timeout,
	}
}

func (r *RecordRepository) Name() string {
	return "postgres"
}

// PutRecord upserts rec and enqueues a product.captured event in the same
// transaction.
func (r *RecordRepository) PutRecord(ctx context.Context, rec *models.ProductRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", rec.ProductID, err)
	}

	payload, err := json.Marshal(NewCapturedPayload(rec))
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	query := `
		INSERT INTO product_records (
			product_id, source_url, source_site, source_item_id, title,
			current_price, original_price, currency, status, record,
			captured_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW()
		)
		ON CONFLICT (product_id) DO UPDATE SET
			source_url = EXCLUDED.source_url,
			source_site = EXCLUDED.source_site,
			source_item_id = EXCLUDED.source_item_id,
			title = EXCLUDED.title,
			current_price = EXCLUDED.current_price,
			original_price = EXCLUDED.original_price,
			currency = EXCLUDED.currency,
			status = EXCLUDED.status,
			record = EXCLUDED.record,
			captured_at = EXCLUDED.captured_at,
			updated_at = NOW()`

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, query,
			rec.ProductID, rec.SourceURL, rec.SourceSite, nullable(rec.SourceItemID), rec.Title,
			rec.CurrentPrice.Amount, rec.OriginalPrice.Amount, nullable(rec.CurrentPrice.Currency),
			string(rec.Status), doc, rec.CapturedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert record %s: %w", rec.ProductID, err)
		}

		return r.outbox.InsertWithTx(ctx, tx, &OutboxEvent{
			AggregateType: AggregateProductRecord,
			AggregateID:   rec.ProductID,
			EventType:     EventProductCaptured,
			Payload:       payload,
			TargetStream:  r.stream,
		})
	})
}

// GetRecord returns the mirrored copy of a record.
func (r *RecordRepository) GetRecord(ctx context.Context, productID string) (*models.ProductRecord, error) {
	var doc []byte
	err := r.db.pool.QueryRow(ctx,
		"SELECT record FROM product_records WHERE product_id = $1", productID).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("record %s not mirrored: %w", productID, err)
		}
		return nil, fmt.Errorf("failed to get record %s: %w", productID, err)
	}

	var rec models.ProductRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse mirrored record %s: %w", productID, err)
	}
	return &rec, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
