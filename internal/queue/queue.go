package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrQueueClosed = errors.New("queue is closed")
	ErrEmptyBatch  = errors.New("batch needs a query or at least one url")
)

// BatchRequest asks the worker to harvest the products found by Query, or
// the explicit URLs, in that order.
type BatchRequest struct {
	ID             string    `json:"id"`
	Query          string    `json:"query,omitempty"`
	URLs           []string  `json:"urls,omitempty"`
	MaxProducts    int       `json:"max_products,omitempty"`
	SkipCompetitor bool      `json:"skip_competitor,omitempty"`
	Priority       int       `json:"priority,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (r *BatchRequest) Validate() error {
	if r.Query == "" && len(r.URLs) == 0 {
		return ErrEmptyBatch
	}
	if r.MaxProducts < 0 {
		return errors.New("max_products must not be negative")
	}
	return nil
}

type Queue interface {
	Push(req *BatchRequest) error
	Pop(ctx context.Context) (*BatchRequest, error)
	Size() int
	Close() error
}

// InMemoryQueue orders requests by priority, then arrival.
type InMemoryQueue struct {
	mu     sync.Mutex
	items  []*BatchRequest
	notify chan struct{}
	done   chan struct{}
	closed bool
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		items:  make([]*BatchRequest, 0),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push assigns an id and creation time when missing.
func (q *InMemoryQueue) Push(req *BatchRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	q.items = append(q.items, req)
	sort.SliceStable(q.items, func(i, j int) bool {
		return q.items[i].Priority > q.items[j].Priority
	})

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop blocks until a request is available, the queue is closed and drained,
// or ctx is done.
func (q *InMemoryQueue) Pop(ctx context.Context) (*BatchRequest, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			req := q.items[0]
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()

			if more {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return req, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-q.done:
		}
	}
}

func (q *InMemoryQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	return nil
}
