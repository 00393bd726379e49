// Package crossmarket takes a one-off price sample from a second
// marketplace's search results using the live browser session.
package crossmarket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/maltedev/product-harvester/internal/browser"
	"github.com/maltedev/product-harvester/internal/captcha"
	"github.com/maltedev/product-harvester/internal/models"
	"github.com/maltedev/product-harvester/internal/parser"
	"github.com/maltedev/product-harvester/internal/ratelimit"
)

type Settings struct {
	Site string
	// SearchURL contains a {query} placeholder.
	SearchURL      string
	Listing        parser.ListingSelectors
	Challenges     []string
	PageLoad       ratelimit.Range
	MaxResults     int
	QueryMaxLength int
}

type Sampler struct {
	settings Settings
	gate     *captcha.Gate
	sleep    func(ctx context.Context, r ratelimit.Range) error
	logger   *slog.Logger
}

func NewSampler(settings Settings, gate *captcha.Gate, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	if settings.MaxResults <= 0 {
		settings.MaxResults = 10
	}
	if settings.QueryMaxLength <= 0 {
		settings.QueryMaxLength = 80
	}
	return &Sampler{
		settings: settings,
		gate:     gate,
		sleep:    ratelimit.Sleep,
		logger:   logger.With("component", "crossmarket", "site", settings.Site),
	}
}

// Sample searches for title on the competitor marketplace in the given page
// and returns statistics over the priced results. A failed search or an
// empty result yields nil stats; a missing sample is never reported as a
// zero price. The error is non-nil only when ctx is done or the gate was
// closed while a challenge was pending.
func (s *Sampler) Sample(ctx context.Context, page browser.Page, title string) (*models.CompetitorPriceStats, error) {
	listings, err := s.Search(ctx, page, title)
	if err != nil {
		if errors.Is(err, captcha.ErrGateClosed) || ctx.Err() != nil {
			return nil, err
		}
		s.logger.Warn("competitor search failed", "error", err)
		return nil, nil
	}

	stats := ComputeStats(listings)
	if stats == nil {
		s.logger.Info("no priced competitor listings", "results", len(listings))
		return nil, nil
	}

	s.logger.Info("competitor prices sampled",
		"samples", stats.SampleCount,
		"avg", stats.Avg,
		"min", stats.Min,
	)
	return stats, nil
}

// Search loads the competitor results page and parses up to MaxResults
// listings, dropping repeated titles.
func (s *Sampler) Search(ctx context.Context, page browser.Page, title string) ([]parser.Listing, error) {
	query := Query(title, s.settings.QueryMaxLength)
	if query == "" || query == models.Unknown {
		return nil, fmt.Errorf("no title to search for")
	}

	searchURL := strings.ReplaceAll(s.settings.SearchURL, "{query}", url.QueryEscape(query))

	if err := page.Navigate(ctx, searchURL); err != nil {
		return nil, err
	}
	if err := s.sleep(ctx, s.settings.PageLoad); err != nil {
		return nil, err
	}
	if s.gate != nil {
		if _, err := s.gate.Check(ctx, page, "competitor_search", s.settings.Challenges); err != nil {
			return nil, err
		}
	}

	html, err := page.Content()
	if err != nil {
		return nil, err
	}

	listings, err := parser.ParseListings(html, searchURL, s.settings.Listing, 0)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	out := make([]parser.Listing, 0, s.settings.MaxResults)
	for _, l := range listings {
		if seen[l.Title] {
			continue
		}
		seen[l.Title] = true
		out = append(out, l)
		if len(out) == s.settings.MaxResults {
			break
		}
	}
	return out, nil
}

// ComputeStats averages the priced listings and picks the cheapest. It
// returns nil when no listing carries a price.
func ComputeStats(listings []parser.Listing) *models.CompetitorPriceStats {
	var (
		sum      float64
		count    int
		cheapest *parser.Listing
	)

	for i := range listings {
		l := &listings[i]
		if !l.HasPrice || l.Price <= 0 {
			continue
		}
		sum += l.Price
		count++
		if cheapest == nil || l.Price < cheapest.Price {
			cheapest = l
		}
	}

	if count == 0 {
		return nil
	}

	return &models.CompetitorPriceStats{
		Avg:             roundCents(sum / float64(count)),
		Min:             roundCents(cheapest.Price),
		MinListingTitle: cheapest.Title,
		MinListingURL:   cheapest.URL,
		SampleCount:     count,
	}
}

// Query trims a product title to at most limit runes on a word boundary.
func Query(title string, limit int) string {
	title = strings.Join(strings.Fields(title), " ")
	if limit <= 0 || utf8.RuneCountInString(title) <= limit {
		return title
	}

	runes := []rune(title)
	cut := string(runes[:limit])
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
