package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/product-harvester/internal/browser/browsertest"
	"github.com/maltedev/product-harvester/internal/captcha"
	"github.com/maltedev/product-harvester/internal/database"
	"github.com/maltedev/product-harvester/internal/images"
	"github.com/maltedev/product-harvester/internal/models"
	"github.com/maltedev/product-harvester/internal/queue"
	"github.com/maltedev/product-harvester/internal/ratelimit"
	"github.com/maltedev/product-harvester/internal/scraper"
	"github.com/maltedev/product-harvester/internal/storage"
)

type fakeRunner struct {
	status  scraper.Status
	stopped bool
}

func (f *fakeRunner) Status() scraper.Status { return f.status }

func (f *fakeRunner) Stop() bool {
	if !f.status.Running {
		return false
	}
	f.stopped = true
	return true
}

type MockOutbox struct {
	mock.Mock
}

func (m *MockOutbox) Stats(ctx context.Context) (database.OutboxStats, error) {
	args := m.Called(ctx)
	return args.Get(0).(database.OutboxStats), args.Error(1)
}

type fakeRepublisher struct {
	calls  int
	during func()
}

func (f *fakeRepublisher) Republish(_ context.Context, productID string, refs []models.ImageRef) ([]models.ImageRef, images.Report) {
	f.calls++
	if f.during != nil {
		f.during()
	}
	out := append([]models.ImageRef(nil), refs...)
	report := images.Report{Total: len(out)}
	for i := range out {
		if out[i].PublishedURL == "" {
			out[i].PublishedURL = "https://cdn.test/" + productID + "/" + string(out[i].Role)
			report.Published++
		}
	}
	return out, report
}

type testServer struct {
	handler http.Handler
	gate    *captcha.Gate
	runner  *fakeRunner
	queue   *queue.InMemoryQueue
	store   *storage.Store
}

func newTestServer(t *testing.T, mutate func(d *Deps)) *testServer {
	t.Helper()

	dir := t.TempDir()
	records, err := storage.NewRecordStore(filepath.Join(dir, "products"))
	require.NoError(t, err)
	index, err := storage.NewIndex(filepath.Join(dir, "index.json"))
	require.NoError(t, err)

	ts := &testServer{
		gate:   captcha.NewGate(nil, ratelimit.Range{}, nil),
		runner: &fakeRunner{},
		queue:  queue.NewInMemoryQueue(),
		store:  storage.NewStore(records, index, images.NewCache(filepath.Join(dir, "images")), nil, nil),
	}

	deps := Deps{
		Gate:     ts.gate,
		Runner:   ts.runner,
		Queue:    ts.queue,
		Products: ts.store,
	}
	if mutate != nil {
		mutate(&deps)
	}

	ts.handler = NewRouter(NewHandlers(deps, nil), nil)
	return ts
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) saveProduct(t *testing.T, id, title string) *models.ProductRecord {
	t.Helper()

	rec := models.NewProductRecord(id, "https://www.aliexpress.com/item/"+id+".html", "aliexpress")
	rec.Title = title
	rec.Status = models.StatusOK
	rec.CapturedAt = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	rec.Images = []models.ImageRef{
		{SourceURL: "https://ae01.alicdn.com/kf/a.jpg", Role: models.RoleMain},
		{SourceURL: "https://ae01.alicdn.com/kf/b.jpg", Role: models.RoleGallery, PublishedURL: "https://cdn.test/b.jpg"},
	}
	_, err := ts.store.Save(context.Background(), rec)
	require.NoError(t, err)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	t.Run("without outbox", func(t *testing.T) {
		ts := newTestServer(t, nil)

		rec := ts.do(http.MethodGet, "/health", "")
		require.Equal(t, http.StatusOK, rec.Code)

		body := decode[map[string]any](t, rec)
		assert.Equal(t, "ok", body["status"])
		assert.NotContains(t, body, "outbox")
	})

	tests := []struct {
		name       string
		stats      database.OutboxStats
		err        error
		wantCode   int
		wantStatus string
	}{
		{"healthy", database.OutboxStats{Pending: 3}, nil, http.StatusOK, "ok"},
		{"backlog", database.OutboxStats{Pending: 5000}, nil, http.StatusOK, "warning"},
		{"dead letters", database.OutboxStats{DeadLetter: 101}, nil, http.StatusServiceUnavailable, "error"},
		{"stats unavailable", database.OutboxStats{}, errors.New("connection refused"), http.StatusOK, "warning"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outbox := new(MockOutbox)
			outbox.On("Stats", mock.Anything).Return(tt.stats, tt.err)

			ts := newTestServer(t, func(d *Deps) { d.Outbox = outbox })

			rec := ts.do(http.MethodGet, "/health", "")
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantStatus, decode[map[string]any](t, rec)["status"])
			outbox.AssertExpectations(t)
		})
	}
}

func TestStatusAndResume(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.runner.status = scraper.Status{Running: true, BatchID: "b-1", Processed: 2, OK: 1, Partial: 1}

	rec := ts.do(http.MethodPost, "/api/v1/captcha/resume", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	page := browsertest.NewFakePage()
	page.CurrentURL = "https://www.aliexpress.com/item/1.html"
	page.SetVisible("#captcha", true)

	done := make(chan error, 1)
	go func() {
		_, err := ts.gate.Check(context.Background(), page, "product_load", []string{"#captcha"})
		done <- err
	}()
	require.Eventually(t, func() bool { return ts.gate.State() == captcha.StateSuspended }, time.Second, 5*time.Millisecond)

	status := decode[StatusResponse](t, ts.do(http.MethodGet, "/api/v1/status", ""))
	assert.Equal(t, captcha.StateSuspended, status.Gate.State)
	require.NotNil(t, status.Gate.Notice)
	assert.Equal(t, page.CurrentURL, status.Gate.Notice.URL)
	assert.Equal(t, "b-1", status.Runner.BatchID)
	assert.Equal(t, 2, status.Runner.Processed)

	page.SetVisible("#captcha", false)
	rec = ts.do(http.MethodPost, "/api/v1/captcha/resume", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("gate not released")
	}

	status = decode[StatusResponse](t, ts.do(http.MethodGet, "/api/v1/status", ""))
	assert.Equal(t, captcha.StateRunning, status.Gate.State)
	assert.Nil(t, status.Gate.Notice)
	assert.Equal(t, 1, status.Gate.Suspensions)
}

func TestCreateBatch(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/api/v1/batches", `{"query":"usb c hub","max_products":5,"skip_competitor":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	resp := decode[CreateBatchResponse](t, rec)
	assert.NotEmpty(t, resp.BatchID)
	assert.Equal(t, "queued", resp.Status)
	assert.Equal(t, 1, resp.QueueSize)

	batch, err := ts.queue.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, resp.BatchID, batch.ID)
	assert.Equal(t, "usb c hub", batch.Query)
	assert.Equal(t, 5, batch.MaxProducts)
	assert.True(t, batch.SkipCompetitor)

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/api/v1/batches", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/api/v1/batches", `{"query":`).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/api/v1/batches", `{"query":"x","max_products":-2}`).Code)

	require.NoError(t, ts.queue.Close())
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(http.MethodPost, "/api/v1/batches", `{"urls":["https://www.aliexpress.com/item/1.html"]}`).Code)
}

func TestStopBatch(t *testing.T) {
	ts := newTestServer(t, nil)

	assert.Equal(t, http.StatusConflict, ts.do(http.MethodPost, "/api/v1/batches/stop", "").Code)

	ts.runner.status.Running = true
	assert.Equal(t, http.StatusAccepted, ts.do(http.MethodPost, "/api/v1/batches/stop", "").Code)
	assert.True(t, ts.runner.stopped)
}

func TestProducts(t *testing.T) {
	ts := newTestServer(t, nil)
	saved := ts.saveProduct(t, "p-1", "Wireless Earbuds")
	ts.saveProduct(t, "p-2", "Phone Stand")

	list := decode[[]models.Summary](t, ts.do(http.MethodGet, "/api/v1/products", ""))
	assert.Len(t, list, 2)

	rec := ts.do(http.MethodGet, "/api/v1/products/p-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[models.ProductRecord](t, rec)
	assert.Equal(t, saved.Title, got.Title)
	assert.Equal(t, saved.Images, got.Images)

	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/api/v1/products/missing", "").Code)

	assert.Equal(t, http.StatusNoContent, ts.do(http.MethodDelete, "/api/v1/products/p-2", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodDelete, "/api/v1/products/p-2", "").Code)
	assert.Len(t, decode[[]models.Summary](t, ts.do(http.MethodGet, "/api/v1/products", "")), 1)
}

func TestRepublish(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		ts := newTestServer(t, nil)
		ts.saveProduct(t, "p-1", "Lamp")
		assert.Equal(t, http.StatusServiceUnavailable, ts.do(http.MethodPost, "/api/v1/products/p-1/republish", "").Code)
	})

	t.Run("publishes missing urls and saves", func(t *testing.T) {
		republisher := &fakeRepublisher{}
		ts := newTestServer(t, func(d *Deps) { d.Images = republisher })
		ts.saveProduct(t, "p-1", "Lamp")

		rec := ts.do(http.MethodPost, "/api/v1/products/p-1/republish", "")
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decode[RepublishResponse](t, rec)
		assert.Equal(t, 1, resp.Report.Published)
		assert.Equal(t, "https://cdn.test/p-1/main", resp.Images[0].PublishedURL)
		assert.Equal(t, "https://cdn.test/b.jpg", resp.Images[1].PublishedURL)

		stored, err := ts.store.Load("p-1")
		require.NoError(t, err)
		assert.Equal(t, resp.Images, stored.Images)
		assert.Equal(t, "https://ae01.alicdn.com/kf/a.jpg", stored.Images[0].SourceURL)

		assert.Equal(t, http.StatusNotFound, ts.do(http.MethodPost, "/api/v1/products/nope/republish", "").Code)
		assert.Equal(t, 1, republisher.calls)
	})

	t.Run("capture saved meanwhile is not overwritten", func(t *testing.T) {
		republisher := &fakeRepublisher{}
		ts := newTestServer(t, func(d *Deps) { d.Images = republisher })
		ts.saveProduct(t, "p-1", "Lamp")

		var wg sync.WaitGroup
		republisher.during = func() {
			newer := models.NewProductRecord("p-1", "https://www.aliexpress.com/item/p-1.html", "aliexpress")
			newer.Title = "Lamp v2"
			newer.Status = models.StatusOK
			newer.CapturedAt = time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)

			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := ts.store.Save(context.Background(), newer)
				assert.NoError(t, err)
			}()
			time.Sleep(50 * time.Millisecond)
		}

		require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/api/v1/products/p-1/republish", "").Code)
		wg.Wait()

		stored, err := ts.store.Load("p-1")
		require.NoError(t, err)
		assert.Equal(t, "Lamp v2", stored.Title)
		assert.Equal(t, time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC), stored.CapturedAt)
	})
}
