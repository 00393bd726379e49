// Package captcha suspends the pipeline while a person solves an
// anti-automation challenge in the browser window.
package captcha

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maltedev/product-harvester/internal/browser"
	"github.com/maltedev/product-harvester/internal/ratelimit"
)

// ErrGateClosed is returned to a suspended caller when the gate shuts down.
var ErrGateClosed = errors.New("captcha gate closed")

type State string

const (
	StateRunning   State = "running"
	StateSuspended State = "suspended"
	StateResumed   State = "resumed"
)

// Notice describes a detected challenge for the operator.
type Notice struct {
	Stage      string    `json:"stage"`
	URL        string    `json:"url"`
	Signature  string    `json:"signature"`
	DetectedAt time.Time `json:"detected_at"`
	Message    string    `json:"message"`
}

// Gate blocks the pipeline from the moment a challenge is detected until
// Resume is called. There is no timeout on the suspended state.
type Gate struct {
	mu          sync.Mutex
	state       State
	notice      *Notice
	suspensions int

	resume    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	notifier  Notifier
	stabilize ratelimit.Range
	sleep     func(ctx context.Context, r ratelimit.Range) error
	now       func() time.Time
	logger    *slog.Logger
}

// NewGate creates a running gate. stabilize is the extra wait inserted after
// a resume before the page is inspected again.
func NewGate(notifier Notifier, stabilize ratelimit.Range, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = Notifiers{}
	}
	return &Gate{
		state:     StateRunning,
		resume:    make(chan struct{}, 1),
		closed:    make(chan struct{}),
		notifier:  notifier,
		stabilize: stabilize,
		sleep:     ratelimit.Sleep,
		now:       time.Now,
		logger:    logger.With("component", "captcha_gate"),
	}
}

// Check inspects the page for any of the challenge signatures. When one is
// visible the gate suspends, notifies the operator and blocks until Resume.
// After the stabilization wait the page is inspected again, so a challenge
// that is still showing suspends once more. The boolean reports whether a
// challenge was encountered.
func (g *Gate) Check(ctx context.Context, page browser.Page, stage string, signatures []string) (bool, error) {
	encountered := false

	for {
		signature, found := g.detect(page, signatures)
		if !found {
			return encountered, nil
		}
		encountered = true

		if err := g.suspend(ctx, page, stage, signature); err != nil {
			return encountered, err
		}
	}
}

func (g *Gate) suspend(ctx context.Context, page browser.Page, stage, signature string) error {
	notice := Notice{
		Stage:      stage,
		URL:        page.URL(),
		Signature:  signature,
		DetectedAt: g.now(),
		Message:    fmt.Sprintf("Challenge detected during %s. Solve it in the browser window, then resume.", stage),
	}

	g.mu.Lock()
	// drop a stale resume sent while running
	select {
	case <-g.resume:
	default:
	}
	g.state = StateSuspended
	g.notice = &notice
	g.suspensions++
	g.mu.Unlock()

	g.logger.Warn("pipeline suspended for challenge", "stage", stage, "url", notice.URL, "signature", signature)

	if err := g.notifier.OnCaptchaDetected(ctx, notice); err != nil {
		g.logger.Warn("failed to notify operator", "error", err)
	}

	select {
	case <-g.resume:
	case <-g.closed:
		return ErrGateClosed
	case <-ctx.Done():
		g.setRunning()
		return ctx.Err()
	}

	g.logger.Info("resumed, waiting for page to settle", "stage", stage)

	if err := g.sleep(ctx, g.stabilize); err != nil {
		g.setRunning()
		return err
	}

	g.setRunning()
	return nil
}

// Resume releases a suspended gate. It reports false when nothing was
// suspended.
func (g *Gate) Resume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != StateSuspended {
		return false
	}

	g.state = StateResumed
	g.notice = nil

	select {
	case g.resume <- struct{}{}:
	default:
	}
	return true
}

// Close releases any suspended caller with ErrGateClosed. Later checks that
// detect a challenge fail immediately.
func (g *Gate) Close() {
	g.closeOnce.Do(func() {
		close(g.closed)
	})
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.state
}

// Notice returns the pending notice, or nil when not suspended.
func (g *Gate) Notice() *Notice {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.notice == nil {
		return nil
	}
	n := *g.notice
	return &n
}

// Suspensions counts how many times the gate has suspended.
func (g *Gate) Suspensions() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.suspensions
}

func (g *Gate) setRunning() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state = StateRunning
	g.notice = nil
}

func (g *Gate) detect(page browser.Page, signatures []string) (string, bool) {
	for _, sig := range signatures {
		visible, err := page.Detect(sig)
		if err != nil {
			g.logger.Debug("challenge probe failed", "signature", sig, "error", err)
			continue
		}
		if visible {
			return sig, true
		}
	}
	return "", false
}
