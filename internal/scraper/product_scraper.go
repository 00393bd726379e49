package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maltedev/product-harvester/internal/browser"
	"github.com/maltedev/product-harvester/internal/captcha"
	"github.com/maltedev/product-harvester/internal/config"
	"github.com/maltedev/product-harvester/internal/crossmarket"
	"github.com/maltedev/product-harvester/internal/enrich"
	"github.com/maltedev/product-harvester/internal/extract"
	"github.com/maltedev/product-harvester/internal/models"
	"github.com/maltedev/product-harvester/internal/parser"
	"github.com/maltedev/product-harvester/internal/ratelimit"
	"github.com/maltedev/product-harvester/internal/sku"
)

// Deps are the collaborators of a product pass. SKU, Competitor, Enricher
// and Images are optional.
type Deps struct {
	Profile    *config.Profile
	Gate       *captcha.Gate
	SKU        *sku.Sampler
	Competitor *crossmarket.Sampler
	Enricher   Enricher
	Images     ImageProcessor
	Store      RecordStore
	Identities Identities
}

type Options struct {
	ElementTimeout    time.Duration
	CompetitorEnabled bool
}

type ProcessOptions struct {
	SkipCompetitor bool
}

type ProductScraper struct {
	deps   Deps
	opts   Options
	sleep  func(ctx context.Context, r ratelimit.Range) error
	now    func() time.Time
	logger *slog.Logger
}

func NewProductScraper(deps Deps, opts Options, logger *slog.Logger) *ProductScraper {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ElementTimeout <= 0 {
		opts.ElementTimeout = 10 * time.Second
	}
	return &ProductScraper{
		deps:   deps,
		opts:   opts,
		sleep:  ratelimit.Sleep,
		now:    time.Now,
		logger: logger.With("component", "product_scraper", "site", deps.Profile.Site),
	}
}

// Process harvests one product page into a saved record.
//
// Page-level failures (no item id, page not loading) are not returned as
// errors: the record comes back with status error and, when the URL was
// captured before, the previous fields are saved again under that status.
// A returned error ends the batch and the product is not saved: the local
// cache is unwritable (ErrLocalStore), the gate was closed, or ctx is done.
func (s *ProductScraper) Process(ctx context.Context, page browser.Page, sourceURL string, opts ProcessOptions) (*models.ProductRecord, error) {
	sourceURL = parser.CleanURL(sourceURL)
	logger := s.logger.With("url", sourceURL)
	profile := s.deps.Profile

	itemID, ok := profile.ItemID(sourceURL)
	if !ok {
		logger.Warn("no item id in product url")
		return s.failed(ctx, sourceURL, fmt.Errorf("%w: %s", ErrNoIdentifier, sourceURL))
	}

	logger.Info("processing product", "item_id", itemID)

	if err := s.load(ctx, page, sourceURL); err != nil {
		if aborted(ctx, err) {
			return nil, err
		}
		logger.Warn("product page failed", "error", err)
		return s.failed(ctx, sourceURL, err)
	}

	// Variant controls are sampled before anything scrolls; lazy loading
	// can detach the variant subtree.
	variants := []models.SKUVariant{}
	if s.deps.SKU != nil {
		variants = s.deps.SKU.Sample(ctx, page)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := s.reveal(ctx, page); err != nil {
		return nil, err
	}

	rec := models.NewProductRecord("", sourceURL, profile.Site)
	rec.SourceItemID = itemID
	rec.SKUVariants = variants
	for i, v := range variants {
		if !v.Price.Known() {
			rec.MarkDefaulted(fmt.Sprintf("sku_variants[%d].price", i))
		}
	}

	ex := extract.New(page, profile.Fields, s.opts.ElementTimeout, s.logger)
	s.extractFields(ctx, ex, rec)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.opts.CompetitorEnabled && !opts.SkipCompetitor && s.deps.Competitor != nil && rec.Title != models.Unknown {
		stats, err := s.deps.Competitor.Sample(ctx, page, rec.Title)
		if err != nil {
			return nil, err
		}
		rec.CompetitorPriceStats = stats
	}

	if s.deps.Enricher != nil && s.deps.Enricher.Enabled() {
		enrichment, err := s.deps.Enricher.Enrich(ctx, enrich.Input{
			Title:         rec.Title,
			SellerPoints:  rec.SellerPoints,
			Description:   rec.DescriptionText,
			CurrentPrice:  rec.CurrentPrice,
			OriginalPrice: rec.OriginalPrice,
			Competitor:    rec.CompetitorPriceStats,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("enrichment unavailable", "error", err)
		} else {
			rec.Enrichment = enrichment
		}
	}

	id, created, err := s.deps.Identities.Resolve(sourceURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLocalStore, err)
	}
	rec.ProductID = id

	// image processing and the save run under the product's write lock
	var abort error
	_, err = s.deps.Store.Update(ctx, id, func(prev *models.ProductRecord) (*models.ProductRecord, error) {
		if !created && prev != nil {
			carryPublished(rec.Images, prev.Images)
		}

		if s.deps.Images != nil && len(rec.Images) > 0 {
			refs, report := s.deps.Images.Process(ctx, id, rec.Images)
			if err := ctx.Err(); err != nil {
				abort = err
				return nil, err
			}
			rec.Images = refs
			logger.Info("images processed",
				"total", report.Total,
				"downloaded", report.Downloaded,
				"cached", report.Cached,
				"published", report.Published,
				"failed", report.Failed,
			)
		}

		rec.Status = rec.ComputeStatus()
		rec.CapturedAt = s.now().UTC()
		return rec, nil
	})
	if abort != nil {
		return nil, abort
	}
	if err != nil {
		return rec, fmt.Errorf("%w: %v", ErrLocalStore, err)
	}

	logger.Info("product saved",
		"product_id", id,
		"new", created,
		"status", rec.Status,
		"variants", len(rec.SKUVariants),
		"defaulted", len(rec.DefaultedFields),
	)
	return rec, nil
}

func (s *ProductScraper) load(ctx context.Context, page browser.Page, url string) error {
	if err := page.Navigate(ctx, url); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrPageLoad, err)
	}
	if err := s.sleep(ctx, s.deps.Profile.Waits.PageLoad); err != nil {
		return err
	}
	return s.check(ctx, page, "product_load")
}

// reveal scrolls to a third of the page, opens collapsed sections and
// scrolls the rest so lazy content is in the DOM before extraction.
func (s *ProductScraper) reveal(ctx context.Context, page browser.Page) error {
	profile := s.deps.Profile
	waits := profile.Waits
	steps := profile.ScrollSteps

	if len(steps) > 0 {
		s.scroll(page, steps[0])
		if err := s.sleep(ctx, waits.Scroll); err != nil {
			return err
		}
	}
	if err := s.check(ctx, page, "product_scroll"); err != nil {
		return err
	}

	for _, sel := range profile.ExpandButtons {
		if n, err := page.Count(sel); err != nil || n == 0 {
			continue
		}
		if err := page.Click(sel); err != nil {
			s.logger.Debug("expand button not clickable", "selector", sel, "error", err)
			continue
		}
		if err := s.sleep(ctx, waits.BetweenActions); err != nil {
			return err
		}
	}

	for _, step := range steps[min(1, len(steps)):] {
		s.scroll(page, step)
		if err := s.sleep(ctx, waits.Scroll); err != nil {
			return err
		}
	}

	return s.sleep(ctx, waits.ElementLoad)
}

func (s *ProductScraper) scroll(page browser.Page, amount int) {
	if err := page.Scroll(amount); err != nil {
		s.logger.Debug("scroll failed", "amount", amount, "error", err)
	}
}

func (s *ProductScraper) check(ctx context.Context, page browser.Page, stage string) error {
	if s.deps.Gate == nil {
		return nil
	}
	_, err := s.deps.Gate.Check(ctx, page, stage, s.deps.Profile.Challenges)
	return err
}

func (s *ProductScraper) extractFields(ctx context.Context, ex *extract.Extractor, rec *models.ProductRecord) {
	if r := ex.Extract(ctx, FieldTitle); r.Defaulted {
		rec.MarkDefaulted(FieldTitle)
	} else {
		rec.Title = r.Value
	}

	rec.CurrentPrice = extractPrice(ctx, ex, rec, FieldCurrentPrice)
	rec.OriginalPrice = extractPrice(ctx, ex, rec, FieldOriginalPrice)

	if r := ex.Extract(ctx, FieldDescription); r.Defaulted {
		rec.MarkDefaulted(FieldDescription)
	} else {
		rec.DescriptionText = r.Value
	}

	if r := ex.ExtractList(ctx, FieldSellerPoints); r.Defaulted {
		rec.MarkDefaulted(FieldSellerPoints)
	} else {
		rec.SellerPoints = strings.Join(r.Values, "\n")
	}

	gallery := ex.ExtractList(ctx, FieldGallery)
	if gallery.Defaulted {
		rec.MarkDefaulted(FieldGallery)
	}

	// Many listings have no images in the description; an empty list is
	// a valid answer there.
	var described []string
	if ex.Has(FieldDescriptionImages) {
		described = ex.ExtractList(ctx, FieldDescriptionImages).Values
	}

	rec.Images = imageRefs(gallery.Values, described, rec.SKUVariants)
}

func extractPrice(ctx context.Context, ex *extract.Extractor, rec *models.ProductRecord, field string) models.Price {
	r := ex.Extract(ctx, field)
	if r.Defaulted {
		rec.MarkDefaulted(field)
		return models.UnknownPrice()
	}
	return parser.PriceFromText(r.Value)
}

// imageRefs orders images as main, gallery, description, sku. The first
// gallery image is the main image.
func imageRefs(gallery, described []string, variants []models.SKUVariant) []models.ImageRef {
	refs := []models.ImageRef{}
	seen := make(map[string]bool)
	counts := make(map[models.ImageRole]int)

	add := func(group string, role models.ImageRole, raw string) {
		u := parser.CleanImageURL(raw)
		if u == "" || seen[group+"|"+u] {
			return
		}
		seen[group+"|"+u] = true
		refs = append(refs, models.ImageRef{SourceURL: u, Role: role, Index: counts[role]})
		counts[role]++
	}

	for _, raw := range gallery {
		role := models.RoleGallery
		if counts[models.RoleMain] == 0 {
			role = models.RoleMain
		}
		add("gallery", role, raw)
	}
	for _, raw := range described {
		add("description", models.RoleDescription, raw)
	}
	for _, v := range variants {
		if v.VariantImage != "" {
			add("sku", models.RoleSKU, v.VariantImage)
		}
	}
	return refs
}

// carryPublished copies published URLs of unchanged images from the
// previous capture so they are not uploaded again.
func carryPublished(refs, previous []models.ImageRef) {
	type key struct {
		role  models.ImageRole
		index int
		url   string
	}
	published := make(map[key]string, len(previous))
	for _, p := range previous {
		if p.PublishedURL != "" {
			published[key{p.Role, p.Index, p.SourceURL}] = p.PublishedURL
		}
	}
	for i := range refs {
		if u, ok := published[key{refs[i].Role, refs[i].Index, refs[i].SourceURL}]; ok {
			refs[i].PublishedURL = u
		}
	}
}

// failed records a page-level failure. A URL that was never captured gets
// an unsaved record; no identity is assigned to a page that never loaded.
func (s *ProductScraper) failed(ctx context.Context, sourceURL string, cause error) (*models.ProductRecord, error) {
	id, known := s.deps.Identities.Lookup(sourceURL)
	if !known {
		rec := models.NewProductRecord("", sourceURL, s.deps.Profile.Site)
		rec.Status = models.StatusError
		rec.LastError = cause.Error()
		return rec, nil
	}

	var rec *models.ProductRecord
	_, err := s.deps.Store.Update(ctx, id, func(prev *models.ProductRecord) (*models.ProductRecord, error) {
		if prev == nil {
			rec = models.NewProductRecord(id, sourceURL, s.deps.Profile.Site)
			rec.Status = models.StatusError
			rec.LastError = cause.Error()
			return nil, nil
		}
		prev.Status = models.StatusError
		prev.LastError = cause.Error()
		rec = prev
		return prev, nil
	})
	if err != nil {
		return rec, fmt.Errorf("%w: %v", ErrLocalStore, err)
	}
	return rec, nil
}

func aborted(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, captcha.ErrGateClosed) || ctx.Err() != nil
}
