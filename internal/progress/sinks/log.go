package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/roster-harvester/internal/progress"
)

// LogSink writes one structured line per lifecycle event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		c := evt.Change
		fields := []zap.Field{
			zap.String("topic", evt.Topic),
			zap.String("job_id", c.JobID),
			zap.String("run_id", c.RunID),
			zap.String("from", string(c.From)),
			zap.String("to", string(c.To)),
			zap.Int("records_extracted", c.Counters.RecordsExtracted),
		}
		if c.AccountID != "" {
			fields = append(fields, zap.String("account_id", c.AccountID))
		}
		if c.ErrorCode != "" {
			fields = append(fields, zap.String("error_code", string(c.ErrorCode)))
		}
		s.logger.Info("job state changed", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
