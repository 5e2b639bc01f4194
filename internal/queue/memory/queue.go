// Package memory provides queue implementations for local development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

// Queue is an in-memory work unit queue with context-aware operations. Enqueue never blocks.
// Delayed units are held by timers until they are due.
type Queue struct {
	ready chan struct{}
	done  chan struct{}

	mu      sync.Mutex
	units   []harvest.WorkUnit
	closed  bool
	nextID  uint64
	delayed map[uint64]*time.Timer
}

// NewQueue constructs a new queue. capacity sizes the initial buffer.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
		units:   make([]harvest.WorkUnit, 0, max(capacity, 0)),
		delayed: make(map[uint64]*time.Timer),
	}
}

// Enqueue appends a unit to the queue.
func (q *Queue) Enqueue(ctx context.Context, unit harvest.WorkUnit) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return harvest.ErrQueueClosed
	}
	q.units = append(q.units, unit)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// EnqueueAfter makes unit visible to Dequeue once delay has elapsed.
func (q *Queue) EnqueueAfter(ctx context.Context, unit harvest.WorkUnit, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, unit)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return harvest.ErrQueueClosed
	}
	id := q.nextID
	q.nextID++
	q.delayed[id] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.delayed, id)
		q.mu.Unlock()
		_ = q.Enqueue(context.Background(), unit)
	})
	return nil
}

// Dequeue pops the next unit, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (harvest.WorkUnit, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return harvest.WorkUnit{}, harvest.ErrQueueClosed
		}
		if len(q.units) > 0 {
			unit := q.units[0]
			q.units[0] = harvest.WorkUnit{}
			q.units = q.units[1:]
			more := len(q.units) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return unit, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return harvest.WorkUnit{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.done:
			return harvest.WorkUnit{}, harvest.ErrQueueClosed
		case <-q.ready:
		}
	}
}

// Ack is a no-op: units leave the queue on Dequeue.
func (q *Queue) Ack(context.Context, harvest.WorkUnit) error {
	return nil
}

// Len reports how many units are ready for Dequeue.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.units)
}

// Pending reports how many units are waiting on a delay.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.delayed)
}

// Close stops delivery and drops delayed units. Safe to call twice.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.units = nil
	for id, t := range q.delayed {
		t.Stop()
		delete(q.delayed, id)
	}
	close(q.done)
}
