package memory

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan harvest.WorkUnit, 1)
	errCh := make(chan error, 1)

	go func() {
		unit, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- unit
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to start
	unit := harvest.WorkUnit{JobID: "job-1", Kind: harvest.UnitResolve}
	if err := q.Enqueue(context.Background(), unit); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		if got.JobID != "job-1" {
			t.Fatalf("expected job-1, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return unit")
	}
	if err := q.Ack(context.Background(), unit); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
}

func TestQueueEnqueueAfterDelays(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	start := time.Now()
	if err := q.EnqueueAfter(context.Background(), harvest.WorkUnit{ID: "later"}, 50*time.Millisecond); err != nil {
		t.Fatalf("EnqueueAfter() error = %v", err)
	}
	if q.Pending() != 1 {
		t.Fatalf("expected one pending unit, got %d", q.Pending())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if got.ID != "later" {
		t.Fatalf("unexpected unit %+v", got)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("unit delivered after %s, before its delay", elapsed)
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qDequeue := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := qDequeue.Dequeue(ctx); err == nil ||
		err.Error() != "dequeue canceled: context canceled" {
		t.Fatalf("expected dequeue cancel error, got %v", err)
	}

	qEnqueue := NewQueue(1)
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	if err := qEnqueue.Enqueue(ctx, harvest.WorkUnit{}); err == nil ||
		err.Error() != "enqueue canceled: context canceled" {
		t.Fatalf("expected enqueue cancel error, got %v", err)
	}
	if qEnqueue.Len() != 0 {
		t.Fatalf("canceled enqueue must not add a unit, got %d", qEnqueue.Len())
	}
}

func TestQueueEnqueueNeverBlocksAndKeepsOrder(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(context.Background(), harvest.WorkUnit{ID: id}); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", id, err)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("expected 3 ready units, got %d", q.Len())
	}
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Dequeue(context.Background())
		if err != nil {
			t.Fatalf("Dequeue() error = %v", err)
		}
		if got.ID != want {
			t.Fatalf("expected %s, got %s", want, got.ID)
		}
	}
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	if err := q.EnqueueAfter(context.Background(), harvest.WorkUnit{ID: "dropped"}, time.Hour); err != nil {
		t.Fatalf("EnqueueAfter() error = %v", err)
	}
	q.Close()
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, harvest.ErrQueueClosed) {
		t.Fatalf("expected queue closed error, got %v", err)
	}
	if err := q.Enqueue(context.Background(), harvest.WorkUnit{}); !errors.Is(err, harvest.ErrQueueClosed) {
		t.Fatalf("expected enqueue after close to fail, got %v", err)
	}
	if q.Pending() != 0 {
		t.Fatalf("expected delayed units to be dropped, got %d", q.Pending())
	}
	// Closing twice should be safe.
	q.Close()
}
