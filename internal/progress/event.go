package progress

import (
	"errors"
	"time"

	"github.com/JakeFAU/roster-harvester/internal/jobs"
)

// Event is one lifecycle change queued for fan-out.
type Event struct {
	// Topic is the destination requested by the producer.
	Topic string
	// Change is the state transition being reported.
	Change jobs.StateChanged
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Change.JobID == "" {
		return errors.New("job id is required")
	}
	if e.Change.To == "" {
		return errors.New("target state is required")
	}
	if e.Change.At.IsZero() {
		return errors.New("timestamp is required")
	}
	return nil
}

// Elapsed returns the time between two events of the same run.
func Elapsed(start, end Event) time.Duration {
	d := end.Change.At.Sub(start.Change.At)
	if d < 0 {
		return 0
	}
	return d
}
