package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/maltedev/product-harvester/internal/models"
)

var ErrNotFound = errors.New("record not found")

// RecordStore keeps one JSON file per product under dir. This layout is read
// by other tooling and must stay {dir}/{product_id}.json.
type RecordStore struct {
	dir string
}

func NewRecordStore(dir string) (*RecordStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create product cache %s: %w", dir, err)
	}
	return &RecordStore{dir: dir}, nil
}

func (s *RecordStore) Dir() string {
	return s.dir
}

func (s *RecordStore) Path(productID string) string {
	return filepath.Join(s.dir, productID+".json")
}

func (s *RecordStore) Save(rec *models.ProductRecord) error {
	if err := validateID(rec.ProductID); err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", rec.ProductID, err)
	}

	return WriteFileAtomic(s.Path(rec.ProductID), data, 0o644)
}

func (s *RecordStore) Load(productID string) (*models.ProductRecord, error) {
	if err := validateID(productID); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.Path(productID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var rec models.ProductRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse record %s: %w", productID, err)
	}
	return &rec, nil
}

// List returns every readable record, newest capture first. Unreadable files
// are skipped.
func (s *RecordStore) List() ([]*models.ProductRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.dir, err)
	}

	records := []*models.ProductRecord{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}

		rec, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		records = append(records, rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CapturedAt.After(records[j].CapturedAt)
	})
	return records, nil
}

func (s *RecordStore) Delete(productID string) error {
	if err := validateID(productID); err != nil {
		return err
	}

	err := os.Remove(s.Path(productID))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

func validateID(productID string) error {
	if productID == "" || strings.ContainsAny(productID, `/\`) || strings.HasPrefix(productID, ".") {
		return fmt.Errorf("invalid product id %q", productID)
	}
	return nil
}
