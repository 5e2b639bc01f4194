// Package jobs owns the job lifecycle: launching runs, executing stage work units, and
// moving jobs between states with conditional store transitions.
package jobs

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/JakeFAU/roster-harvester/internal/guard"
	"github.com/JakeFAU/roster-harvester/internal/harvest"
	"github.com/JakeFAU/roster-harvester/internal/metrics"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultBusyDelay          = 2 * time.Second
	DefaultMaxThrottleWait    = 30 * time.Minute
	DefaultResolveMaxAttempts = 8
	DefaultClassifyBatchSize  = 25
	DefaultEventsTopic        = "job-events"
)

// EventStateChanged is the type of every lifecycle event.
const EventStateChanged = "job.state_changed"

// Resolver maps a source item to a profile.
type Resolver interface {
	Resolve(ctx context.Context, item harvest.SourceItem) (harvest.Resolution, error)
}

// AccountResolver retries an item the public search found nothing for with an account session.
type AccountResolver interface {
	ResolveAs(
		ctx context.Context,
		lease *guard.Lease,
		session harvest.Session,
		item harvest.SourceItem,
	) (harvest.Resolution, error)
}

// Extractor fetches one page of person records under a lease.
type Extractor interface {
	ExtractPage(
		ctx context.Context,
		lease *guard.Lease,
		session harvest.Session,
		profile harvest.ResolvedProfile,
		cursor string,
	) (harvest.Page, error)
}

// Classifier scores person records against target roles. It never fails.
type Classifier interface {
	ClassifyBatch(
		ctx context.Context,
		records []harvest.PersonRecord,
		roles []string,
		mode harvest.ClassificationMode,
		prompt string,
	) []harvest.ClassificationResult
}

// ItemWriter stores a job's source items at creation.
type ItemWriter interface {
	PutSourceItems(ctx context.Context, jobID string, items []harvest.SourceItem) error
}

// Config tunes the machine.
type Config struct {
	// BusyDelay is the requeue delay for a unit whose account is leased elsewhere.
	BusyDelay time.Duration
	// MaxThrottleWait bounds the cooldown a single profile may accumulate before it is
	// finished as partial.
	MaxThrottleWait time.Duration
	// ResolveMaxAttempts bounds transient resolution retries per item.
	ResolveMaxAttempts int
	// ClassifyBatchSize is the number of records sent to the classifier per call.
	ClassifyBatchSize int
	// EventsTopic receives lifecycle events when a publisher is configured.
	EventsTopic string
}

// Deps are the machine's collaborators. Items, Publisher and AccountResolver are optional.
type Deps struct {
	Store           harvest.Store
	Input           harvest.InputAdapter
	Items           ItemWriter
	Queue           harvest.Queue
	Guard           *guard.Guard
	Resolver        Resolver
	// AccountResolver is consulted for elevated accounts when the public search is empty.
	AccountResolver AccountResolver
	Extractor       Extractor
	Classifier      Classifier
	Sessions        harvest.SessionProvider
	Publisher       harvest.Publisher
	Clock           harvest.Clock
	IDs             harvest.IDGenerator
}

// Machine runs jobs. All state lives in the store; a Machine may be shared by any number of workers.
type Machine struct {
	store      harvest.Store
	input      harvest.InputAdapter
	items      ItemWriter
	queue      harvest.Queue
	guard      *guard.Guard
	resolver   Resolver
	elevated   AccountResolver
	extractor  Extractor
	classifier Classifier
	sessions   harvest.SessionProvider
	publisher  harvest.Publisher
	clock      harvest.Clock
	ids        harvest.IDGenerator
	retry      *harvest.ExponentialRetryPolicy
	cfg        Config
	logger     *zap.Logger
}

// New validates deps and registers the machine for account expiry notifications.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Machine, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("jobs: store is required")
	case deps.Input == nil:
		return nil, errors.New("jobs: input adapter is required")
	case deps.Queue == nil:
		return nil, errors.New("jobs: queue is required")
	case deps.Guard == nil:
		return nil, errors.New("jobs: account guard is required")
	case deps.Resolver == nil:
		return nil, errors.New("jobs: resolver is required")
	case deps.Extractor == nil:
		return nil, errors.New("jobs: extractor is required")
	case deps.Classifier == nil:
		return nil, errors.New("jobs: classifier is required")
	case deps.Sessions == nil:
		return nil, errors.New("jobs: session provider is required")
	case deps.Clock == nil:
		return nil, errors.New("jobs: clock is required")
	case deps.IDs == nil:
		return nil, errors.New("jobs: id generator is required")
	}
	if cfg.BusyDelay <= 0 {
		cfg.BusyDelay = DefaultBusyDelay
	}
	if cfg.MaxThrottleWait <= 0 {
		cfg.MaxThrottleWait = DefaultMaxThrottleWait
	}
	if cfg.ResolveMaxAttempts <= 0 {
		cfg.ResolveMaxAttempts = DefaultResolveMaxAttempts
	}
	if cfg.ClassifyBatchSize <= 0 {
		cfg.ClassifyBatchSize = DefaultClassifyBatchSize
	}
	if cfg.EventsTopic == "" {
		cfg.EventsTopic = DefaultEventsTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Machine{
		store:      deps.Store,
		input:      deps.Input,
		items:      deps.Items,
		queue:      deps.Queue,
		guard:      deps.Guard,
		resolver:   deps.Resolver,
		elevated:   deps.AccountResolver,
		extractor:  deps.Extractor,
		classifier: deps.Classifier,
		sessions:   deps.Sessions,
		publisher:  deps.Publisher,
		clock:      deps.Clock,
		ids:        deps.IDs,
		retry:      harvest.NewExponentialRetryPolicy(cfg.ResolveMaxAttempts, time.Second, time.Minute),
		cfg:        cfg,
		logger:     logger,
	}
	deps.Guard.OnExpired(m.FailAccountJobs)
	return m, nil
}

// Handle executes one work unit. Units that belong to another run or stage are dropped.
func (m *Machine) Handle(ctx context.Context, unit harvest.WorkUnit) error {
	job, err := m.store.GetJob(ctx, unit.JobID)
	if err != nil {
		if errors.Is(err, harvest.ErrNotFound) {
			m.drop(unit, "unknown job")
			return nil
		}
		return harvest.Later(m.cfg.BusyDelay, errors.Wrapf(err, "load job %s", unit.JobID))
	}
	if job.RunID != unit.RunID {
		m.drop(unit, "stale run")
		return nil
	}
	if job.State != stageFor(unit.Kind) {
		m.drop(unit, "job is "+string(job.State))
		return nil
	}

	switch unit.Kind {
	case harvest.UnitResolve:
		return m.handleResolve(ctx, job, unit)
	case harvest.UnitExtract:
		return m.handleExtract(ctx, job, unit)
	case harvest.UnitClassify:
		return m.handleClassify(ctx, job, unit)
	default:
		m.drop(unit, "unknown kind")
		return nil
	}
}

func stageFor(kind harvest.UnitKind) harvest.JobState {
	switch kind {
	case harvest.UnitResolve:
		return harvest.StateResolving
	case harvest.UnitExtract:
		return harvest.StateExtracting
	case harvest.UnitClassify:
		return harvest.StateClassifying
	default:
		return ""
	}
}

func (m *Machine) drop(unit harvest.WorkUnit, reason string) {
	m.logger.Debug("unit dropped",
		zap.String("job_id", unit.JobID),
		zap.String("run_id", unit.RunID),
		zap.String("unit", string(unit.Kind)),
		zap.String("reason", reason),
	)
}

// transition applies a conditional state change and reports it.
func (m *Machine) transition(
	ctx context.Context,
	job harvest.Job,
	from []harvest.JobState,
	to harvest.JobState,
	patch harvest.JobPatch,
) (harvest.Job, error) {
	patch.At = m.clock.Now()
	updated, err := m.store.TransitionJob(ctx, job.ID, from, to, patch)
	if err != nil {
		return updated, errors.Wrapf(err, "transition job %s to %s", job.ID, to)
	}
	metrics.ObserveTransition(string(job.State), string(to))
	m.logger.Info("job transitioned",
		zap.String("job_id", updated.ID),
		zap.String("run_id", updated.RunID),
		zap.String("from", string(job.State)),
		zap.String("to", string(to)),
	)
	m.publish(ctx, job.State, updated)
	return updated, nil
}

// StateChanged is the payload of a lifecycle event.
type StateChanged struct {
	Type      string            `json:"type"`
	JobID     string            `json:"job_id"`
	RunID     string            `json:"run_id"`
	From      harvest.JobState  `json:"from"`
	To        harvest.JobState  `json:"to"`
	AccountID string            `json:"account_id,omitempty"`
	ErrorCode harvest.ErrorCode `json:"error_code,omitempty"`
	Counters  harvest.Counters  `json:"counters"`
	At        time.Time         `json:"at"`
}

// Attributes routes the event on brokers that filter by message attributes.
func (e StateChanged) Attributes() map[string]string {
	return map[string]string{"type": e.Type, "job_id": e.JobID, "state": string(e.To)}
}

func (m *Machine) publish(ctx context.Context, from harvest.JobState, job harvest.Job) {
	if m.publisher == nil {
		return
	}
	event := StateChanged{
		Type:      EventStateChanged,
		JobID:     job.ID,
		RunID:     job.RunID,
		From:      from,
		To:        job.State,
		AccountID: job.AccountID,
		ErrorCode: job.ErrorCode,
		Counters:  job.Counters,
		At:        job.UpdatedAt,
	}
	if _, err := m.publisher.Publish(ctx, m.cfg.EventsTopic, event); err != nil {
		m.logger.Warn("publish lifecycle event failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (m *Machine) enqueue(ctx context.Context, unit harvest.WorkUnit) error {
	id, err := m.ids.NewID()
	if err != nil {
		return errors.Wrap(err, "unit id")
	}
	unit.ID = id
	unit.Submitted = m.clock.Now().UnixNano()
	if err := m.queue.Enqueue(ctx, unit); err != nil {
		return errors.Wrapf(err, "enqueue %s unit for job %s", unit.Kind, unit.JobID)
	}
	return nil
}

func (m *Machine) addCounters(ctx context.Context, jobID string, delta harvest.Counters) error {
	if delta.IsZero() {
		return nil
	}
	if err := m.store.AddCounters(ctx, jobID, delta); err != nil {
		return errors.Wrapf(err, "add counters for job %s", jobID)
	}
	return nil
}

func (m *Machine) busyDelay(accountID string) time.Duration {
	if d := m.guard.CooldownRemaining(accountID); d > 0 {
		return d
	}
	return m.cfg.BusyDelay
}
