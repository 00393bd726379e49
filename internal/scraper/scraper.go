package scraper

import (
	"context"
	"errors"

	"github.com/maltedev/product-harvester/internal/enrich"
	"github.com/maltedev/product-harvester/internal/images"
	"github.com/maltedev/product-harvester/internal/models"
	"github.com/maltedev/product-harvester/internal/storage"
)

var (
	ErrPageLoad     = errors.New("product page failed to load")
	ErrNoIdentifier = errors.New("no item id in product url")
	// ErrLocalStore is the only product error that ends a batch.
	ErrLocalStore = errors.New("local product cache unwritable")
)

// Field names looked up in the site profile.
const (
	FieldTitle             = "title"
	FieldCurrentPrice      = "current_price"
	FieldOriginalPrice     = "original_price"
	FieldGallery           = "gallery"
	FieldDescription       = "description"
	FieldSellerPoints      = "seller_points"
	FieldDescriptionImages = "description_images"
)

type Enricher interface {
	Enabled() bool
	Enrich(ctx context.Context, in enrich.Input) (*models.Enrichment, error)
}

type ImageProcessor interface {
	Process(ctx context.Context, productID string, refs []models.ImageRef) ([]models.ImageRef, images.Report)
}

type RecordStore interface {
	Update(ctx context.Context, productID string, fn func(current *models.ProductRecord) (*models.ProductRecord, error)) (storage.SaveReport, error)
}

// Identities maps source URLs to stable product ids.
type Identities interface {
	Resolve(sourceURL string) (string, bool, error)
	Lookup(sourceURL string) (string, bool)
}
