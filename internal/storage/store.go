package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/maltedev/product-harvester/internal/models"
)

// Mirror is a remote structured store. A mirror failure never affects the
// local record.
type Mirror interface {
	Name() string
	PutRecord(ctx context.Context, rec *models.ProductRecord) error
}

// ImageCache is the part of the normalized image cache that record deletion
// needs.
type ImageCache interface {
	Remove(productID string) error
}

// SaveReport describes one Save. Local is always true when Save returns nil.
type SaveReport struct {
	Local    bool
	Mirrored []string
	Failed   map[string]error
}

// Store writes records locally first and then to each mirror. Writes to
// one product id are serialized.
type Store struct {
	records *RecordStore
	index   *Index
	images  ImageCache
	mirrors []Mirror
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[string]*productLock
}

type productLock struct {
	mu   sync.Mutex
	refs int
}

func NewStore(records *RecordStore, index *Index, images ImageCache, mirrors []Mirror, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		records: records,
		index:   index,
		images:  images,
		mirrors: mirrors,
		logger:  logger.With("component", "store"),
		locks:   make(map[string]*productLock),
	}
}

// Lock blocks until the caller holds the write lock for productID and
// returns the function that releases it.
func (s *Store) Lock(productID string) (unlock func()) {
	s.mu.Lock()
	l, ok := s.locks[productID]
	if !ok {
		l = &productLock{}
		s.locks[productID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, productID)
		}
		s.mu.Unlock()
	}
}

func (s *Store) Records() *RecordStore {
	return s.records
}

func (s *Store) Index() *Index {
	return s.index
}

// Save persists rec. The returned error covers the local write only.
func (s *Store) Save(ctx context.Context, rec *models.ProductRecord) (SaveReport, error) {
	defer s.Lock(rec.ProductID)()
	return s.save(ctx, rec)
}

// Update runs fn with the stored record for productID, or nil when there is
// none, and saves the record fn returns. Load, fn and save run under the
// product's write lock. A nil record from fn saves nothing; an error from fn
// is returned unchanged.
func (s *Store) Update(ctx context.Context, productID string, fn func(current *models.ProductRecord) (*models.ProductRecord, error)) (SaveReport, error) {
	defer s.Lock(productID)()

	current, err := s.records.Load(productID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("stored record unreadable", "product_id", productID, "error", err)
		}
		current = nil
	}

	rec, err := fn(current)
	if err != nil {
		return SaveReport{}, err
	}
	if rec == nil {
		return SaveReport{}, nil
	}
	if rec.ProductID != productID {
		return SaveReport{}, fmt.Errorf("record id %q does not match %q", rec.ProductID, productID)
	}
	return s.save(ctx, rec)
}

func (s *Store) save(ctx context.Context, rec *models.ProductRecord) (SaveReport, error) {
	var report SaveReport

	if err := s.records.Save(rec); err != nil {
		return report, fmt.Errorf("failed to write record %s: %w", rec.ProductID, err)
	}
	report.Local = true

	for _, m := range s.mirrors {
		if err := m.PutRecord(ctx, rec); err != nil {
			if report.Failed == nil {
				report.Failed = make(map[string]error)
			}
			report.Failed[m.Name()] = err
			s.logger.Warn("remote mirror unavailable, record kept locally",
				"mirror", m.Name(), "product_id", rec.ProductID, "error", err)
			continue
		}
		report.Mirrored = append(report.Mirrored, m.Name())
	}

	return report, nil
}

func (s *Store) Load(productID string) (*models.ProductRecord, error) {
	return s.records.Load(productID)
}

func (s *Store) List() ([]*models.ProductRecord, error) {
	return s.records.List()
}

// Delete removes the record file and its cached images. The index entry is
// kept so the product gets the same id if it is scraped again.
func (s *Store) Delete(productID string) error {
	defer s.Lock(productID)()

	if err := s.records.Delete(productID); err != nil {
		return err
	}

	if s.images != nil {
		if err := s.images.Remove(productID); err != nil {
			s.logger.Warn("failed to remove cached images", "product_id", productID, "error", err)
		}
	}
	return nil
}
