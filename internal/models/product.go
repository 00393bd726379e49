package models

import (
	"time"
)

// Unknown marks a field that no extraction strategy could fill.
const Unknown = "unknown"

type Status string

const (
	StatusOK      Status = "ok"
	StatusPartial Status = "partial"
	StatusError   Status = "error"
)

type ImageRole string

const (
	RoleMain        ImageRole = "main"
	RoleGallery     ImageRole = "gallery"
	RoleDescription ImageRole = "description"
	RoleSKU         ImageRole = "sku"
)

// ProductRecord is the persisted unit: one file per ProductID in the product cache.
type ProductRecord struct {
	ProductID            string                `json:"product_id"`
	SourceURL            string                `json:"source_url"`
	SourceSite           string                `json:"source_site"`
	SourceItemID         string                `json:"source_item_id,omitempty"`
	Title                string                `json:"title"`
	CurrentPrice         Price                 `json:"current_price"`
	OriginalPrice        Price                 `json:"original_price"`
	Images               []ImageRef            `json:"images"`
	SKUVariants          []SKUVariant          `json:"sku_variants"`
	DescriptionText      string                `json:"description_text"`
	SellerPoints         string                `json:"seller_points"`
	CompetitorPriceStats *CompetitorPriceStats `json:"competitor_price_stats,omitempty"`
	Enrichment           *Enrichment           `json:"enrichment,omitempty"`
	Status               Status                `json:"status"`
	DefaultedFields      []string              `json:"defaulted_fields,omitempty"`
	LastError            string                `json:"last_error,omitempty"`
	CapturedAt           time.Time             `json:"captured_at"`
}

// Price keeps the displayed text next to the parsed amount. Text is Unknown
// when the price could not be read; Amount is nil when the text did not parse.
type Price struct {
	Text     string   `json:"text"`
	Amount   *float64 `json:"amount,omitempty"`
	Currency string   `json:"currency,omitempty"`
}

func UnknownPrice() Price {
	return Price{Text: Unknown}
}

func (p Price) Known() bool {
	return p.Text != "" && p.Text != Unknown
}

type ImageRef struct {
	SourceURL    string    `json:"source_url"`
	PublishedURL string    `json:"published_url,omitempty"`
	Role         ImageRole `json:"role"`
	Index        int       `json:"index"`
}

type SKUVariant struct {
	VariantLabel  string `json:"variant_label"`
	VariantImage  string `json:"variant_image,omitempty"`
	Price         Price  `json:"price"`
	OriginalPrice Price  `json:"original_price"`
}

type CompetitorPriceStats struct {
	Avg             float64 `json:"avg"`
	Min             float64 `json:"min"`
	MinListingTitle string  `json:"min_listing_title"`
	MinListingURL   string  `json:"min_listing_url"`
	SampleCount     int     `json:"sample_count"`
}

type Enrichment struct {
	SuggestedTitle       string   `json:"suggested_title"`
	SuggestedPoints      []string `json:"suggested_points"`
	SuggestedDescription string   `json:"suggested_description"`
}

// NewProductRecord returns a record with every extractable field set to Unknown.
func NewProductRecord(productID, sourceURL, sourceSite string) *ProductRecord {
	return &ProductRecord{
		ProductID:       productID,
		SourceURL:       sourceURL,
		SourceSite:      sourceSite,
		Title:           Unknown,
		CurrentPrice:    UnknownPrice(),
		OriginalPrice:   UnknownPrice(),
		Images:          []ImageRef{},
		SKUVariants:     []SKUVariant{},
		DescriptionText: Unknown,
		SellerPoints:    Unknown,
	}
}

// MarkDefaulted records a field that fell back to Unknown.
func (r *ProductRecord) MarkDefaulted(field string) {
	for _, f := range r.DefaultedFields {
		if f == field {
			return
		}
	}
	r.DefaultedFields = append(r.DefaultedFields, field)
}

// ComputeStatus derives the status from the defaulted fields. Page-level
// failures set StatusError directly and are not overridden here.
func (r *ProductRecord) ComputeStatus() Status {
	if r.Status == StatusError {
		return StatusError
	}
	if len(r.DefaultedFields) > 0 {
		return StatusPartial
	}
	return StatusOK
}

// ImagesByRole returns the images with the given role in index order.
func (r *ProductRecord) ImagesByRole(role ImageRole) []ImageRef {
	var out []ImageRef
	for _, img := range r.Images {
		if img.Role == role {
			out = append(out, img)
		}
	}
	return out
}

// Summary is the listing view of a record used by the operator API.
type Summary struct {
	ProductID  string    `json:"product_id"`
	SourceURL  string    `json:"source_url"`
	Title      string    `json:"title"`
	Status     Status    `json:"status"`
	CapturedAt time.Time `json:"captured_at"`
}

func (r *ProductRecord) Summary() Summary {
	return Summary{
		ProductID:  r.ProductID,
		SourceURL:  r.SourceURL,
		Title:      r.Title,
		Status:     r.Status,
		CapturedAt: r.CapturedAt,
	}
}
