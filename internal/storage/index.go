package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/product-harvester/internal/parser"
)

// IndexEntry ties a canonical source URL to the product id assigned on first
// sight.
type IndexEntry struct {
	ProductID string    `json:"product_id"`
	SourceURL string    `json:"source_url"`
	AddedAt   time.Time `json:"added_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Index keeps product ids stable across runs. Entries are never removed, so
// a deleted record that is scraped again gets its old id back.
type Index struct {
	mu       sync.RWMutex
	entries  map[string]*IndexEntry
	filename string
	now      func() time.Time
}

func NewIndex(filename string) (*Index, error) {
	idx := &Index{
		entries:  make(map[string]*IndexEntry),
		filename: filename,
		now:      time.Now,
	}

	if err := idx.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return idx, nil
}

// Resolve returns the product id for sourceURL, assigning a new one when the
// URL has not been seen. created reports whether an id was assigned.
func (idx *Index) Resolve(sourceURL string) (string, bool, error) {
	key := parser.CleanURL(sourceURL)
	if key == "" {
		return "", false, fmt.Errorf("source url is required")
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	now := idx.now().UTC()

	if entry, ok := idx.entries[key]; ok {
		entry.UpdatedAt = now
		if err := idx.save(); err != nil {
			return "", false, err
		}
		return entry.ProductID, false, nil
	}

	entry := &IndexEntry{
		ProductID: uuid.New().String(),
		SourceURL: key,
		AddedAt:   now,
		UpdatedAt: now,
	}
	idx.entries[key] = entry

	if err := idx.save(); err != nil {
		delete(idx.entries, key)
		return "", false, err
	}
	return entry.ProductID, true, nil
}

// Lookup returns the product id for sourceURL without assigning one.
func (idx *Index) Lookup(sourceURL string) (string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	entry, ok := idx.entries[parser.CleanURL(sourceURL)]
	if !ok {
		return "", false
	}
	return entry.ProductID, true
}

func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

func (idx *Index) save() error {
	data, err := json.MarshalIndent(idx.entries, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(idx.filename, data, 0o644)
}

func (idx *Index) load() error {
	data, err := os.ReadFile(idx.filename)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, &idx.entries); err != nil {
		return fmt.Errorf("failed to parse index %s: %w", idx.filename, err)
	}
	return nil
}
