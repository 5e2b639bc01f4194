package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
	"github.com/JakeFAU/roster-harvester/internal/jobs"
)

type exampleCountingSink struct {
	total int
}

func (s *exampleCountingSink) Consume(_ context.Context, batch []Event) error {
	s.total += len(batch)
	return nil
}

func (s *exampleCountingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_Publish demonstrates handing a lifecycle event to the hub and flushing via Close.
func ExampleHub_Publish() {
	sink := &exampleCountingSink{}
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, sink)

	_, err := hub.Publish(context.Background(), "job-events", jobs.StateChanged{
		Type:  jobs.EventStateChanged,
		JobID: "job-1",
		From:  harvest.StatePending,
		To:    harvest.StateResolving,
		At:    time.Unix(0, 0),
	})
	if err != nil {
		panic(err)
	}
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("events forwarded: %d\n", sink.total)
	// Output:
	// events forwarded: 1
}
