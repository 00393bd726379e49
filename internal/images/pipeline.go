// Package images downloads, normalizes and publishes product images. Each
// image degrades on its own: a failure leaves its published URL empty and
// keeps the source URL for a later retry.
package images

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/maltedev/product-harvester/internal/models"
)

const maxDownloadBytes = 20 << 20

type Config struct {
	Size    int
	Padding float64
	Quality int
}

func DefaultConfig() Config {
	return Config{Size: 1600, Padding: 0.05, Quality: 90}
}

// Downloader fetches source image bytes.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

type HTTPDownloader struct {
	client    *http.Client
	userAgent string
}

func NewHTTPDownloader(timeout time.Duration, userAgent string) *HTTPDownloader {
	return &HTTPDownloader{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

func (d *HTTPDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", url, err)
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	req.Header.Set("Accept", "image/avif,image/webp,image/png,image/jpeg,*/*;q=0.8")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download %s: status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}
	if len(data) > maxDownloadBytes {
		return nil, fmt.Errorf("image %s exceeds %d bytes", url, maxDownloadBytes)
	}
	return data, nil
}

// Report counts the outcome of one Process or Republish call.
type Report struct {
	Total      int `json:"total"`
	Downloaded int `json:"downloaded"`
	Cached     int `json:"cached"`
	Published  int `json:"published"`
	Failed     int `json:"failed"`
}

type Pipeline struct {
	cfg        Config
	downloader Downloader
	cache      *Cache
	publisher  Publisher
	logger     *slog.Logger
}

// NewPipeline builds the pipeline. A nil publisher keeps normalized copies
// local only.
func NewPipeline(cfg Config, downloader Downloader, cache *Cache, publisher Publisher, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Size <= 0 {
		cfg = DefaultConfig()
	}
	return &Pipeline{
		cfg:        cfg,
		downloader: downloader,
		cache:      cache,
		publisher:  publisher,
		logger:     logger.With("component", "images"),
	}
}

// Process normalizes and publishes every ref, returning a copy of refs with
// published URLs filled in where publishing succeeded. Source URLs and
// order are never changed.
func (p *Pipeline) Process(ctx context.Context, productID string, refs []models.ImageRef) ([]models.ImageRef, Report) {
	out := make([]models.ImageRef, len(refs))
	copy(out, refs)

	report := Report{Total: len(refs)}

	for i := range out {
		ref := &out[i]
		if ref.SourceURL == "" {
			report.Failed++
			continue
		}

		data, fromCache, err := p.normalized(ctx, productID, *ref)
		if err != nil {
			p.logger.Warn("image not normalized", "product_id", productID, "role", ref.Role, "index", ref.Index, "error", err)
			report.Failed++
			continue
		}
		if fromCache {
			report.Cached++
		} else {
			report.Downloaded++
		}

		if p.publisher == nil || (ref.PublishedURL != "" && fromCache) {
			continue
		}

		if !p.publish(ctx, productID, ref, data) {
			report.Failed++
			continue
		}
		report.Published++
	}

	return out, report
}

// Republish publishes refs that lack a published URL using only the local
// normalized cache. Images without a cached copy are skipped.
func (p *Pipeline) Republish(ctx context.Context, productID string, refs []models.ImageRef) ([]models.ImageRef, Report) {
	out := make([]models.ImageRef, len(refs))
	copy(out, refs)

	report := Report{Total: len(refs)}

	for i := range out {
		ref := &out[i]
		if ref.PublishedURL != "" || p.publisher == nil {
			continue
		}

		data, ok := p.cache.Load(productID, *ref)
		if !ok {
			report.Failed++
			continue
		}
		report.Cached++

		if !p.publish(ctx, productID, ref, data) {
			report.Failed++
			continue
		}
		report.Published++
	}

	return out, report
}

func (p *Pipeline) normalized(ctx context.Context, productID string, ref models.ImageRef) ([]byte, bool, error) {
	if data, ok := p.cache.Load(productID, ref); ok {
		return data, true, nil
	}

	raw, err := p.downloader.Download(ctx, ref.SourceURL)
	if err != nil {
		return nil, false, err
	}

	data, err := Process(raw, p.cfg.Size, p.cfg.Padding, p.cfg.Quality)
	if err != nil {
		return nil, false, err
	}

	if err := p.cache.Store(productID, ref, data); err != nil {
		// still publishable from memory
		p.logger.Warn("failed to cache normalized image", "product_id", productID, "error", err)
	}
	return data, false, nil
}

func (p *Pipeline) publish(ctx context.Context, productID string, ref *models.ImageRef, data []byte) bool {
	key := ObjectKey(productID, ref.Role, ref.Index, ref.SourceURL)
	url, err := p.publisher.Publish(ctx, key, data)
	if err != nil {
		p.logger.Warn("image not published", "product_id", productID, "key", key, "error", err)
		return false
	}

	ref.PublishedURL = url
	return true
}
