package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maltedev/product-harvester/internal/browser"
	"github.com/maltedev/product-harvester/internal/models"
	"github.com/maltedev/product-harvester/internal/parser"
	"github.com/maltedev/product-harvester/internal/queue"
	"github.com/maltedev/product-harvester/internal/ratelimit"
)

var ErrBatchRunning = errors.New("a batch is already running")

// Status is a snapshot of the current or last batch.
type Status struct {
	Running       bool       `json:"running"`
	BatchID       string     `json:"batch_id,omitempty"`
	Query         string     `json:"query,omitempty"`
	CurrentURL    string     `json:"current_url,omitempty"`
	Total         int        `json:"total"`
	Processed     int        `json:"processed"`
	OK            int        `json:"ok"`
	Partial       int        `json:"partial"`
	Errors        int        `json:"errors"`
	StopRequested bool       `json:"stop_requested"`
	Stopped       bool       `json:"stopped"`
	LastError     string     `json:"last_error,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Runner drives one batch at a time through a single page. Products run
// sequentially; a stop request is honored only between products.
type Runner struct {
	opener      browser.PageOpener
	products    *ProductScraper
	discoverer  *Discoverer
	pacer       *ratelimit.Pacer
	maxProducts int
	logger      *slog.Logger

	mu     sync.Mutex
	status Status
	stop   bool
}

func NewRunner(opener browser.PageOpener, products *ProductScraper, discoverer *Discoverer, pacer *ratelimit.Pacer, maxProducts int, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if maxProducts <= 0 {
		maxProducts = DefaultMaxProducts
	}
	return &Runner{
		opener:      opener,
		products:    products,
		discoverer:  discoverer,
		pacer:       pacer,
		maxProducts: maxProducts,
		logger:      logger.With("component", "runner"),
	}
}

// Run processes the batch and returns its final status. Explicit URLs come
// first, then search results for the query, capped at the batch maximum.
// Products already saved stay saved whatever error ends the batch.
func (r *Runner) Run(ctx context.Context, req *queue.BatchRequest) (Status, error) {
	if err := req.Validate(); err != nil {
		return Status{}, err
	}
	if err := r.begin(req); err != nil {
		return r.Status(), err
	}

	logger := r.logger.With("batch_id", req.ID)
	logger.Info("batch started", "query", req.Query, "urls", len(req.URLs))

	page, err := r.opener.OpenPage()
	if err != nil {
		return r.finish(fmt.Errorf("failed to open page: %w", err))
	}
	defer page.Close()

	limit := req.MaxProducts
	if limit <= 0 {
		limit = r.maxProducts
	}

	urls, err := r.collect(ctx, page, req, limit)
	if err != nil {
		return r.finish(err)
	}

	r.mu.Lock()
	r.status.Total = len(urls)
	r.mu.Unlock()

	for _, u := range urls {
		if r.stopRequested() {
			logger.Info("stop requested, ending batch")
			return r.finish(nil)
		}

		if r.pacer != nil {
			if err := r.pacer.Wait(ctx); err != nil {
				return r.finish(err)
			}
		}

		// a stop that arrived during the pacing wait still lands before
		// the next product starts
		if r.stopRequested() {
			logger.Info("stop requested, ending batch")
			return r.finish(nil)
		}

		r.setCurrent(u)

		rec, err := r.products.Process(ctx, page, u, ProcessOptions{SkipCompetitor: req.SkipCompetitor})
		if err != nil {
			logger.Error("batch aborted", "url", u, "error", err)
			return r.finish(err)
		}
		r.record(rec)
	}

	return r.finish(nil)
}

func (r *Runner) collect(ctx context.Context, page browser.Page, req *queue.BatchRequest, limit int) ([]string, error) {
	seen := make(map[string]bool)
	var urls []string

	add := func(raw string) {
		u := parser.CleanURL(raw)
		if u == "" || seen[u] || len(urls) >= limit {
			return
		}
		seen[u] = true
		urls = append(urls, u)
	}

	for _, u := range req.URLs {
		add(u)
	}

	if req.Query != "" && len(urls) < limit && r.discoverer != nil {
		found, err := r.discoverer.Discover(ctx, page, req.Query, limit)
		if err != nil {
			return nil, fmt.Errorf("search %q: %w", req.Query, err)
		}
		for _, u := range found {
			add(u)
		}
	}

	return urls, nil
}

// Stop asks the running batch to end before its next product. It reports
// false when no batch is running.
func (r *Runner) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.status.Running {
		return false
	}
	r.stop = true
	r.status.StopRequested = true
	return true
}

func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Runner) begin(req *queue.BatchRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Running {
		return ErrBatchRunning
	}

	now := time.Now()
	r.stop = false
	r.status = Status{
		Running:   true,
		BatchID:   req.ID,
		Query:     req.Query,
		StartedAt: &now,
	}
	return nil
}

func (r *Runner) finish(err error) (Status, error) {
	r.mu.Lock()
	now := time.Now()
	r.status.Running = false
	r.status.CurrentURL = ""
	r.status.Stopped = r.stop
	r.status.FinishedAt = &now
	if err != nil {
		r.status.LastError = err.Error()
	}
	status := r.status
	r.mu.Unlock()

	r.logger.Info("batch finished",
		"batch_id", status.BatchID,
		"processed", status.Processed,
		"ok", status.OK,
		"partial", status.Partial,
		"errors", status.Errors,
		"stopped", status.Stopped,
	)
	return status, err
}

func (r *Runner) stopRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stop
}

func (r *Runner) setCurrent(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.CurrentURL = url
}

func (r *Runner) record(rec *models.ProductRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.status.Processed++
	switch rec.Status {
	case models.StatusOK:
		r.status.OK++
	case models.StatusPartial:
		r.status.Partial++
	default:
		r.status.Errors++
	}
}

// Worker feeds queued batches to the runner, one at a time.
type Worker struct {
	queue  queue.Queue
	runner *Runner
	logger *slog.Logger
}

func NewWorker(q queue.Queue, runner *Runner, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:  q,
		runner: runner,
		logger: logger.With("component", "worker"),
	}
}

// Start blocks until ctx is done or the queue is closed and drained. A
// failed batch is logged and the next one is taken.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("worker started")

	for {
		req, err := w.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) {
				w.logger.Info("queue closed, worker stopping")
				return nil
			}
			w.logger.Info("worker stopping")
			return err
		}

		if _, err := w.runner.Run(ctx, req); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("batch failed", "batch_id", req.ID, "error", err)
		}
	}
}
