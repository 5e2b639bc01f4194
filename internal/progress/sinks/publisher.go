package sinks

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
	"github.com/JakeFAU/roster-harvester/internal/progress"
)

// PublisherSink forwards each event to a broker publisher.
type PublisherSink struct {
	publisher harvest.Publisher
}

// NewPublisherSink wraps publisher.
func NewPublisherSink(publisher harvest.Publisher) *PublisherSink {
	return &PublisherSink{publisher: publisher}
}

// Consume publishes the batch in order. Every event is attempted; failures are joined.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if _, err := s.publisher.Publish(ctx, evt.Topic, evt.Change); err != nil {
			errs = append(errs, errors.Wrapf(err, "publish %s for job %s", evt.Change.To, evt.Change.JobID))
		}
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; the publisher's owner stops it.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
