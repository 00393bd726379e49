package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/maltedev/product-harvester/internal/browser"
	"github.com/maltedev/product-harvester/internal/captcha"
	"github.com/maltedev/product-harvester/internal/config"
	"github.com/maltedev/product-harvester/internal/parser"
	"github.com/maltedev/product-harvester/internal/ratelimit"
)

const DefaultMaxProducts = 20

const defaultLinkSelector = "a[href]"

// Discoverer collects product links from the source marketplace search.
type Discoverer struct {
	profile *config.Profile
	gate    *captcha.Gate
	sleep   func(ctx context.Context, r ratelimit.Range) error
	logger  *slog.Logger
}

func NewDiscoverer(profile *config.Profile, gate *captcha.Gate, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{
		profile: profile,
		gate:    gate,
		sleep:   ratelimit.Sleep,
		logger:  logger.With("component", "discoverer", "site", profile.Site),
	}
}

// Discover returns up to limit canonical product URLs for query in result
// order. A limit of zero or less means DefaultMaxProducts.
func (d *Discoverer) Discover(ctx context.Context, page browser.Page, query string, limit int) ([]string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty search query")
	}
	if d.profile.SearchURL == "" {
		return nil, fmt.Errorf("profile %s has no search_url", d.profile.Site)
	}
	if limit <= 0 {
		limit = DefaultMaxProducts
	}

	searchURL := d.profile.SearchPage(query)
	d.logger.Info("searching", "query", query, "url", searchURL)

	if err := page.Navigate(ctx, searchURL); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrPageLoad, err)
	}
	if err := d.sleep(ctx, d.profile.Waits.PageLoad); err != nil {
		return nil, err
	}
	if err := d.check(ctx, page, "search"); err != nil {
		return nil, err
	}

	// results below the fold are lazy loaded
	for _, step := range d.profile.ScrollSteps {
		if err := page.Scroll(step); err != nil {
			d.logger.Debug("scroll failed", "error", err)
		}
		if err := d.sleep(ctx, d.profile.Waits.Scroll); err != nil {
			return nil, err
		}
	}
	if err := d.check(ctx, page, "search_scroll"); err != nil {
		return nil, err
	}

	html, err := page.Content()
	if err != nil {
		return nil, fmt.Errorf("failed to read search results: %w", err)
	}

	base := d.profile.BaseURL
	if base == "" {
		base = searchURL
	}
	selector := d.profile.ProductLinkSelector
	if selector == "" {
		selector = defaultLinkSelector
	}

	links, err := parser.ParseProductLinks(html, base, selector, d.profile.ItemRegexp(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to parse search results: %w", err)
	}

	d.logger.Info("search results collected", "query", query, "products", len(links))
	return links, nil
}

func (d *Discoverer) check(ctx context.Context, page browser.Page, stage string) error {
	if d.gate == nil {
		return nil
	}
	_, err := d.gate.Check(ctx, page, stage, d.profile.Challenges)
	return err
}
