// Package worker implements the work unit execution loop.
package worker

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
	"github.com/JakeFAU/roster-harvester/internal/logging"
	"github.com/JakeFAU/roster-harvester/internal/metrics"
)

// Handler executes one work unit.
type Handler interface {
	Handle(ctx context.Context, unit harvest.WorkUnit) error
}

// Config controls Worker behavior.
type Config struct {
	// ID labels log lines from this worker.
	ID int
	// MaxAttempts drops a unit after this many RetryLater requeues. Zero means unbounded.
	MaxAttempts int
}

// Worker consumes queue units and hands them to the job machine.
type Worker struct {
	queue   harvest.Queue
	handler Handler
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Worker.
func New(queue harvest.Queue, handler Handler, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:   queue,
		handler: handler,
		cfg:     cfg,
		logger:  logger.With(zap.Int("worker", cfg.ID)),
	}
}

// Run blocks, consuming queue units until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		unit, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, harvest.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued unit", logging.UnitFields(unit)...)
		w.process(ctx, unit)
	}
}

func (w *Worker) process(ctx context.Context, unit harvest.WorkUnit) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	start := time.Now()
	err := w.handler.Handle(ctx, unit)
	outcome := "ok"

	if rl, ok := harvest.AsRetryLater(err); ok {
		outcome = "requeued"
		w.requeue(ctx, unit, rl)
	} else if err != nil {
		outcome = "failed"
		w.logger.Error("unit failed", append(logging.UnitFields(unit), zap.Error(err))...)
	}
	metrics.ObserveUnit(string(unit.Kind), outcome, time.Since(start))

	if err := w.queue.Ack(ctx, unit); err != nil {
		w.logger.Warn("ack failed", zap.String("job_id", unit.JobID), zap.Error(err))
	}
}

func (w *Worker) requeue(ctx context.Context, unit harvest.WorkUnit, rl *harvest.RetryLater) {
	next := unit
	next.Attempt++
	next.Receipt = ""
	if w.cfg.MaxAttempts > 0 && next.Attempt > w.cfg.MaxAttempts {
		w.logger.Error("unit dropped after max attempts", append(logging.UnitFields(next), zap.Error(rl.Cause))...)
		return
	}
	if err := w.queue.EnqueueAfter(ctx, next, rl.After); err != nil {
		w.logger.Error("requeue failed", zap.String("job_id", unit.JobID), zap.Error(err))
		return
	}
	w.logger.Debug("unit requeued",
		append(logging.UnitFields(next), zap.Duration("after", rl.After), zap.NamedError("reason", rl.Cause))...)
}
