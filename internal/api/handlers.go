package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/maltedev/product-harvester/internal/captcha"
	"github.com/maltedev/product-harvester/internal/database"
	"github.com/maltedev/product-harvester/internal/images"
	"github.com/maltedev/product-harvester/internal/models"
	"github.com/maltedev/product-harvester/internal/queue"
	"github.com/maltedev/product-harvester/internal/scraper"
	"github.com/maltedev/product-harvester/internal/storage"
)

const (
	pendingWarnThreshold     = 1000
	deadLetterErrorThreshold = 100
)

type Gate interface {
	State() captcha.State
	Notice() *captcha.Notice
	Suspensions() int
	Resume() bool
}

type Runner interface {
	Status() scraper.Status
	Stop() bool
}

type Products interface {
	List() ([]*models.ProductRecord, error)
	Load(productID string) (*models.ProductRecord, error)
	Delete(productID string) error
	Update(ctx context.Context, productID string, fn func(current *models.ProductRecord) (*models.ProductRecord, error)) (storage.SaveReport, error)
}

type Republisher interface {
	Republish(ctx context.Context, productID string, refs []models.ImageRef) ([]models.ImageRef, images.Report)
}

type OutboxStats interface {
	Stats(ctx context.Context) (database.OutboxStats, error)
}

// Deps wires the handlers. Images and Outbox are optional.
type Deps struct {
	Gate     Gate
	Runner   Runner
	Queue    queue.Queue
	Products Products
	Images   Republisher
	Outbox   OutboxStats
}

type Handlers struct {
	deps   Deps
	logger *slog.Logger
}

func NewHandlers(deps Deps, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		deps:   deps,
		logger: logger.With("component", "api"),
	}
}

// Health reports liveness plus outbox backlog when the Postgres mirror is on.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{"status": "ok"}
	status := http.StatusOK

	if h.deps.Outbox != nil {
		stats, err := h.deps.Outbox.Stats(r.Context())
		if err != nil {
			h.logger.Warn("failed to read outbox stats", "error", err)
			health["status"] = "warning"
			health["message"] = "outbox stats unavailable"
		} else {
			health["outbox"] = stats
			if stats.Pending > pendingWarnThreshold {
				health["status"] = "warning"
				health["message"] = "High number of pending outbox events"
			}
			if stats.DeadLetter > deadLetterErrorThreshold {
				health["status"] = "error"
				health["message"] = "High number of dead letter events"
				status = http.StatusServiceUnavailable
			}
		}
	}

	h.respondJSON(w, status, health)
}

type GateStatus struct {
	State       captcha.State   `json:"state"`
	Notice      *captcha.Notice `json:"notice,omitempty"`
	Suspensions int             `json:"suspensions"`
}

type StatusResponse struct {
	Gate      GateStatus     `json:"gate"`
	Runner    scraper.Status `json:"runner"`
	QueueSize int            `json:"queue_size"`
}

func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, StatusResponse{
		Gate: GateStatus{
			State:       h.deps.Gate.State(),
			Notice:      h.deps.Gate.Notice(),
			Suspensions: h.deps.Gate.Suspensions(),
		},
		Runner:    h.deps.Runner.Status(),
		QueueSize: h.deps.Queue.Size(),
	})
}

// ResumeCaptcha releases the pipeline after the operator solved a challenge.
func (h *Handlers) ResumeCaptcha(w http.ResponseWriter, r *http.Request) {
	if !h.deps.Gate.Resume() {
		h.respondError(w, http.StatusConflict, "no challenge pending")
		return
	}
	h.logger.Info("operator resumed pipeline")
	h.respondJSON(w, http.StatusOK, map[string]any{"state": h.deps.Gate.State()})
}

type CreateBatchRequest struct {
	Query          string   `json:"query"`
	URLs           []string `json:"urls"`
	MaxProducts    int      `json:"max_products"`
	SkipCompetitor bool     `json:"skip_competitor"`
	Priority       int      `json:"priority"`
}

type CreateBatchResponse struct {
	BatchID   string `json:"batch_id"`
	Status    string `json:"status"`
	QueueSize int    `json:"queue_size"`
}

func (h *Handlers) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	batch := &queue.BatchRequest{
		Query:          req.Query,
		URLs:           req.URLs,
		MaxProducts:    req.MaxProducts,
		SkipCompetitor: req.SkipCompetitor,
		Priority:       req.Priority,
	}
	if err := batch.Validate(); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.deps.Queue.Push(batch); err != nil {
		if errors.Is(err, queue.ErrQueueClosed) {
			h.respondError(w, http.StatusServiceUnavailable, "shutting down")
			return
		}
		h.logger.Error("failed to queue batch", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to queue batch")
		return
	}

	h.logger.Info("batch queued", "batch_id", batch.ID, "query", batch.Query, "urls", len(batch.URLs))
	h.respondJSON(w, http.StatusAccepted, CreateBatchResponse{
		BatchID:   batch.ID,
		Status:    "queued",
		QueueSize: h.deps.Queue.Size(),
	})
}

// StopBatch asks the running batch to end before its next product.
func (h *Handlers) StopBatch(w http.ResponseWriter, r *http.Request) {
	if !h.deps.Runner.Stop() {
		h.respondError(w, http.StatusConflict, "no batch running")
		return
	}
	h.respondJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (h *Handlers) ListProducts(w http.ResponseWriter, r *http.Request) {
	records, err := h.deps.Products.List()
	if err != nil {
		h.logger.Error("failed to list products", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list products")
		return
	}

	summaries := make([]models.Summary, 0, len(records))
	for _, rec := range records {
		summaries = append(summaries, rec.Summary())
	}
	h.respondJSON(w, http.StatusOK, summaries)
}

func (h *Handlers) GetProduct(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadProduct(w, r)
	if !ok {
		return
	}
	h.respondJSON(w, http.StatusOK, rec)
}

func (h *Handlers) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "productID")

	if err := h.deps.Products.Delete(id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "product not found")
			return
		}
		h.logger.Error("failed to delete product", "product_id", id, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to delete product")
		return
	}

	h.logger.Info("product deleted", "product_id", id)
	w.WriteHeader(http.StatusNoContent)
}

type RepublishResponse struct {
	ProductID string            `json:"product_id"`
	Report    images.Report     `json:"report"`
	Images    []models.ImageRef `json:"images"`
}

// Republish publishes cached normalized images that have no published URL
// yet and saves the record. Nothing is downloaded.
func (h *Handlers) Republish(w http.ResponseWriter, r *http.Request) {
	if h.deps.Images == nil {
		h.respondError(w, http.StatusServiceUnavailable, "image publishing disabled")
		return
	}

	id := chi.URLParam(r, "productID")

	// a capture of the same product in progress finishes before the record
	// is read
	var (
		refs   []models.ImageRef
		report images.Report
	)
	_, err := h.deps.Products.Update(r.Context(), id, func(rec *models.ProductRecord) (*models.ProductRecord, error) {
		if rec == nil {
			return nil, storage.ErrNotFound
		}
		refs, report = h.deps.Images.Republish(r.Context(), rec.ProductID, rec.Images)
		rec.Images = refs
		return rec, nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "product not found")
			return
		}
		h.logger.Error("failed to save republished product", "product_id", id, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to save product")
		return
	}

	h.respondJSON(w, http.StatusOK, RepublishResponse{
		ProductID: id,
		Report:    report,
		Images:    refs,
	})
}

func (h *Handlers) loadProduct(w http.ResponseWriter, r *http.Request) (*models.ProductRecord, bool) {
	id := chi.URLParam(r, "productID")

	rec, err := h.deps.Products.Load(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "product not found")
			return nil, false
		}
		h.logger.Error("failed to load product", "product_id", id, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to load product")
		return nil, false
	}
	return rec, true
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
