package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Range is a randomized wait window. A zero Max means a fixed Min delay.
type Range struct {
	Min time.Duration `yaml:"min" json:"min"`
	Max time.Duration `yaml:"max" json:"max"`
}

func (r Range) Validate() error {
	if r.Min < 0 || r.Max < 0 {
		return fmt.Errorf("negative wait range %v-%v", r.Min, r.Max)
	}
	if r.Max != 0 && r.Min > r.Max {
		return fmt.Errorf("wait range min %v greater than max %v", r.Min, r.Max)
	}
	return nil
}

// Jitter picks a duration in [Min, Max).
func Jitter(r Range) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	delta := r.Max - r.Min
	return r.Min + time.Duration(rand.Int63n(int64(delta)))
}

// Sleep waits a jittered duration from r or until ctx is done.
func Sleep(ctx context.Context, r Range) error {
	d := Jitter(r)
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Pacer spaces consecutive actions by a randomized delay measured from the
// previous action, so slow work eats into the wait instead of adding to it.
type Pacer struct {
	mu         sync.Mutex
	delay      Range
	lastAction time.Time
}

func NewPacer(delay Range) *Pacer {
	return &Pacer{delay: delay}
}

func (p *Pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.lastAction.IsZero() {
		elapsed := time.Since(p.lastAction)
		delay := Jitter(p.delay)

		if elapsed < delay {
			timer := time.NewTimer(delay - elapsed)
			defer timer.Stop()

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	p.lastAction = time.Now()
	return nil
}

func (p *Pacer) SetDelay(delay Range) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.delay = delay
}

func (p *Pacer) Delay() Range {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.delay
}
