package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"

	"github.com/maltedev/product-harvester/internal/api"
	"github.com/maltedev/product-harvester/internal/config"
	"github.com/maltedev/product-harvester/internal/queue"
	"github.com/maltedev/product-harvester/internal/scraper"
)

type options struct {
	Query        string   `short:"q" long:"query" description:"search query used to discover product pages"`
	URLs         []string `short:"u" long:"url" description:"product page URL (repeatable)"`
	MaxProducts  int      `short:"n" long:"max-products" description:"maximum products in the batch"`
	Serve        bool     `long:"serve" description:"run the control API and process queued batches"`
	NoCompetitor bool     `long:"no-competitor" description:"skip the competitor price sample"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return
		}
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if opts.Serve {
		err = serve(ctx, a, cfg, logger)
	} else {
		err = runOnce(ctx, a, opts, logger)
	}
	// errors caused by an interrupt are part of a normal shutdown
	if err != nil && ctx.Err() == nil {
		logger.Error("harvester stopped with error", "error", err)
		a.Close()
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, handlerOpts))
}

// runOnce processes a single batch from the command line. Pressing Enter
// resumes after a challenge has been solved in the browser window.
func runOnce(ctx context.Context, a *app, opts options, logger *slog.Logger) error {
	req := &queue.BatchRequest{
		ID:             uuid.NewString(),
		Query:          strings.TrimSpace(opts.Query),
		URLs:           opts.URLs,
		MaxProducts:    opts.MaxProducts,
		SkipCompetitor: opts.NoCompetitor,
		CreatedAt:      time.Now(),
	}
	if err := req.Validate(); err != nil {
		return err
	}

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if a.gate.Resume() {
				logger.Info("resume requested from console")
			}
		}
	}()

	go func() {
		<-ctx.Done()
		a.gate.Close()
	}()

	status, err := a.runner.Run(ctx, req)
	logger.Info("batch summary",
		"total", status.Total,
		"processed", status.Processed,
		"ok", status.OK,
		"partial", status.Partial,
		"errors", status.Errors,
		"stopped", status.Stopped,
	)
	return err
}

// serve runs the control API, the queue worker and, with Redis configured,
// the stream intake until ctx is done.
func serve(ctx context.Context, a *app, cfg *config.Config, logger *slog.Logger) error {
	q := queue.NewInMemoryQueue()
	worker := scraper.NewWorker(q, a.runner, logger)

	workerDone := make(chan error, 1)
	go func() {
		workerDone <- worker.Start(ctx)
	}()

	if a.redis != nil && cfg.Redis.RequestStream != "" {
		intake := queue.NewStreamIntake(a.redis, q, queue.StreamConfig{Stream: cfg.Redis.RequestStream}, logger)
		go func() {
			if err := intake.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("stream intake stopped with error", "error", err)
			}
		}()
	}

	deps := api.Deps{
		Gate:     a.gate,
		Runner:   a.runner,
		Queue:    q,
		Products: a.store,
	}
	if a.images != nil {
		deps.Images = a.images
	}
	if a.outbox != nil {
		deps.Outbox = a.outbox
	}
	handlers := api.NewHandlers(deps, logger)

	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(handlers, cfg.Server.AllowedOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down server")

	// a batch suspended on a challenge returns once the gate closes
	a.gate.Close()
	q.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		logger.Warn("worker did not stop before shutdown timeout")
	}

	logger.Info("server exited")
	return nil
}
