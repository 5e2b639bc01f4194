package harvest

import (
	"context"
	"time"
)

// JobStore persists job rows. TransitionJob is the only way to change a job's state.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// TransitionJob atomically moves a job from one of from to to, applying patch.
	// Returns ErrStateConflict when the current state is not in from.
	TransitionJob(ctx context.Context, jobID string, from []JobState, to JobState, patch JobPatch) (Job, error)
	AddCounters(ctx context.Context, jobID string, delta Counters) error
	ListJobsByAccount(ctx context.Context, accountID string) ([]Job, error)
	ListScheduledJobs(ctx context.Context) ([]Job, error)
	UpdateSchedule(ctx context.Context, jobID string, policy SchedulePolicy) error
}

// ProfileStore persists resolved profiles and their extraction checkpoints.
type ProfileStore interface {
	// SaveProfile returns false when the run already has a profile for the item.
	SaveProfile(ctx context.Context, profile ResolvedProfile) (bool, error)
	GetProfile(ctx context.Context, profileID string) (ResolvedProfile, error)
	ListProfiles(ctx context.Context, jobID, runID string) ([]ResolvedProfile, error)
	UpdateProfileProgress(ctx context.Context, profileID string, progress ProfileProgress) error
}

// RecordStore persists person records and their classifications.
type RecordStore interface {
	// AddRecords inserts records, merging duplicates on (profile, external URL).
	// Returns the number of newly inserted records.
	AddRecords(ctx context.Context, records []PersonRecord) (int, error)
	ListRecords(ctx context.Context, jobID, runID, profileID string) ([]PersonRecord, error)
	// SaveClassifications writes results for unclassified records only and returns how many were new.
	SaveClassifications(ctx context.Context, results []ClassificationResult) (int, error)
	ListClassifications(ctx context.Context, jobID, runID string) ([]ClassificationResult, error)
}

// AccountStore persists account health.
type AccountStore interface {
	GetAccount(ctx context.Context, accountID string) (Account, error)
	UpdateAccountHealth(ctx context.Context, accountID string, health Health, at time.Time) error
}

// Store is the full persistence contract.
type Store interface {
	JobStore
	ProfileStore
	RecordStore
	AccountStore
}

// InputAdapter lists a job's source items.
type InputAdapter interface {
	ListSourceItems(ctx context.Context, jobID string) ([]SourceItem, error)
}

// Searcher finds candidate profiles for a business name.
type Searcher interface {
	Search(ctx context.Context, name string) ([]Candidate, error)
}

// PageFetcher retrieves one authenticated page.
type PageFetcher interface {
	FetchPage(ctx context.Context, url, cursor string, session Session) (RawDocument, error)
}

// Parser extracts structured fields from a raw document.
type Parser interface {
	Parse(doc RawDocument, kind PageKind) (ParsedPage, error)
}

// ExternalClassifier scores a batch of titles against target roles.
type ExternalClassifier interface {
	ClassifyBatch(ctx context.Context, titles, roles []string, prompt string) ([]Verdict, error)
}

// SessionProvider derives a session from an account's opaque credentials.
type SessionProvider interface {
	Session(ctx context.Context, account Account) (Session, error)
}

// Queue carries work units with at-least-once delivery.
type Queue interface {
	Enqueue(ctx context.Context, unit WorkUnit) error
	EnqueueAfter(ctx context.Context, unit WorkUnit, delay time.Duration) error
	Dequeue(ctx context.Context) (WorkUnit, error)
	Ack(ctx context.Context, unit WorkUnit) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for archive naming.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
