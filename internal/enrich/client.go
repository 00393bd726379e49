// Package enrich asks an external text-generation endpoint for advisory
// listing copy. Every failure degrades to no enrichment.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/maltedev/product-harvester/internal/models"
)

var (
	ErrForbiddenMarker = errors.New("enrichment response contains a forbidden marker")
	ErrInvalidResponse = errors.New("invalid enrichment response")
	ErrDisabled        = errors.New("enrichment endpoint not configured")
)

var DefaultForbiddenMarkers = []string{"prompt", "assistant", "json"}

const maxResponseBytes = 1 << 20

type Config struct {
	URL               string
	APIKey            string
	Headers           map[string]string
	Timeout           time.Duration
	RequestsPerMinute int
	ForbiddenMarkers  []string
}

// Input is what the pipeline knows about a product before enrichment.
type Input struct {
	Title         string
	SellerPoints  string
	Description   string
	CurrentPrice  models.Price
	OriginalPrice models.Price
	Competitor    *models.CompetitorPriceStats
}

// Request is the wire payload.
type Request struct {
	InputText    string       `json:"input_text"`
	PriceContext PriceContext `json:"price_context"`
}

type PriceContext struct {
	SourcePrice         string                       `json:"source_price"`
	SourceOriginalPrice string                       `json:"source_original_price,omitempty"`
	SourceAmount        *float64                     `json:"source_amount,omitempty"`
	Currency            string                       `json:"currency,omitempty"`
	Competitor          *models.CompetitorPriceStats `json:"competitor,omitempty"`
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ForbiddenMarkers == nil {
		cfg.ForbiddenMarkers = DefaultForbiddenMarkers
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		logger:     logger.With("component", "enrich"),
	}
}

func (c *Client) Enabled() bool {
	return c.cfg.URL != ""
}

// Enrich performs a single call. It never retries; callers treat any error
// as "no enrichment" and keep the rest of the record as is.
func (c *Client) Enrich(ctx context.Context, in Input) (*models.Enrichment, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("enrichment throttle: %w", err)
	}

	body, err := json.Marshal(BuildRequest(in))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal enrichment request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build enrichment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("x-api-key", c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("enrichment request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read enrichment response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrInvalidResponse, resp.StatusCode, truncate(string(data), 200))
	}

	enrichment, err := ParseResponse(data)
	if err != nil {
		return nil, err
	}

	if marker := FindForbiddenMarker(enrichment, c.cfg.ForbiddenMarkers); marker != "" {
		return nil, fmt.Errorf("%w: %q", ErrForbiddenMarker, marker)
	}

	c.logger.Debug("enrichment received", "duration", time.Since(start), "points", len(enrichment.SuggestedPoints))
	return enrichment, nil
}

// BuildRequest joins title, seller points and description with blank lines
// and attaches the price context. Unknown fields are left out of the text.
func BuildRequest(in Input) Request {
	var parts []string
	for _, p := range []string{in.Title, in.SellerPoints, in.Description} {
		p = strings.TrimSpace(p)
		if p != "" && p != models.Unknown {
			parts = append(parts, p)
		}
	}

	pc := PriceContext{
		SourcePrice: in.CurrentPrice.Text,
		Currency:    in.CurrentPrice.Currency,
		Competitor:  in.Competitor,
	}
	if in.CurrentPrice.Amount != nil {
		amount := *in.CurrentPrice.Amount
		pc.SourceAmount = &amount
	}
	if in.OriginalPrice.Known() {
		pc.SourceOriginalPrice = in.OriginalPrice.Text
	}

	return Request{
		InputText:    strings.Join(parts, "\n\n"),
		PriceContext: pc,
	}
}

// FindForbiddenMarker returns the first marker found in the generated text,
// compared case-insensitively.
func FindForbiddenMarker(e *models.Enrichment, markers []string) string {
	text := strings.ToLower(strings.Join(append([]string{e.SuggestedTitle, e.SuggestedDescription}, e.SuggestedPoints...), " "))
	for _, m := range markers {
		if m != "" && strings.Contains(text, strings.ToLower(m)) {
			return m
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
