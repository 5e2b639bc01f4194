// Package harvest defines the core domain types and contracts shared across subsystems.
package harvest

import (
	"strings"
	"time"
)

// JobKind selects which stages a job runs.
type JobKind string

// Job kinds.
const (
	// KindDiscovery resolves source items and stops.
	KindDiscovery JobKind = "discovery"
	// KindExtraction resolves, extracts person records and classifies them.
	KindExtraction JobKind = "extraction"
)

// Valid reports whether k is a known kind.
func (k JobKind) Valid() bool {
	return k == KindDiscovery || k == KindExtraction
}

// JobState is the lifecycle state of a job.
type JobState string

// Job states persisted in the store.
const (
	StatePending     JobState = "PENDING"
	StateResolving   JobState = "RESOLVING"
	StateExtracting  JobState = "EXTRACTING"
	StateClassifying JobState = "CLASSIFYING"
	StateCompleted   JobState = "COMPLETED"
	StateFailed      JobState = "FAILED"
	StatePaused      JobState = "PAUSED"
)

// ActiveStates lists the states in which a run is in progress.
var ActiveStates = []JobState{StateResolving, StateExtracting, StateClassifying}

// Active reports whether a run is in progress.
func (s JobState) Active() bool {
	return s == StateResolving || s == StateExtracting || s == StateClassifying
}

// Terminal reports whether the state only changes through a manual re-launch.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ClassificationMode selects how person records are scored against target roles.
type ClassificationMode string

// Classification modes.
const (
	ModeRule     ClassificationMode = "rule"
	ModeAssisted ClassificationMode = "assisted"
)

// ErrorCode is the stable, user-facing code stored with a failed job.
type ErrorCode string

// Job error codes.
const (
	CodeNone               ErrorCode = ""
	CodeAccountAuthInvalid ErrorCode = "ACCOUNT_AUTH_INVALID"
	CodeConfigInvalid      ErrorCode = "CONFIG_INVALID"
)

// Params captures per-job knobs supplied at creation time.
type Params struct {
	MaxItems             int                `json:"max_items"`
	MaxRecordsPerProfile int                `json:"max_records_per_profile"`
	TargetRoles          []string           `json:"target_roles"`
	Mode                 ClassificationMode `json:"mode"`
	Prompt               string             `json:"prompt,omitempty"`
	MinExtractConfidence Confidence         `json:"min_extract_confidence"`
}

// Counters tracks run progress. Updated incrementally and readable mid-run.
type Counters struct {
	ItemsResolved     int `json:"items_resolved"`
	ItemsMatched      int `json:"companies_matched"`
	CloseMatches      int `json:"close_matches"`
	ItemsNotFound     int `json:"companies_not_found"`
	ItemsErrored      int `json:"items_errored"`
	RecordsExtracted  int `json:"employees_scraped"`
	RecordsClassified int `json:"records_classified"`
	RecordsMatching   int `json:"matching_employees"`
	ProfilesPartial   int `json:"profiles_partial"`
}

// Add returns the field-wise sum of c and d.
func (c Counters) Add(d Counters) Counters {
	return Counters{
		ItemsResolved:     c.ItemsResolved + d.ItemsResolved,
		ItemsMatched:      c.ItemsMatched + d.ItemsMatched,
		CloseMatches:      c.CloseMatches + d.CloseMatches,
		ItemsNotFound:     c.ItemsNotFound + d.ItemsNotFound,
		ItemsErrored:      c.ItemsErrored + d.ItemsErrored,
		RecordsExtracted:  c.RecordsExtracted + d.RecordsExtracted,
		RecordsClassified: c.RecordsClassified + d.RecordsClassified,
		RecordsMatching:   c.RecordsMatching + d.RecordsMatching,
		ProfilesPartial:   c.ProfilesPartial + d.ProfilesPartial,
	}
}

// IsZero reports whether no counter is set.
func (c Counters) IsZero() bool {
	return c == Counters{}
}

// Job is the persisted job row. Mutated only by the job state machine.
type Job struct {
	ID                 string          `json:"id"`
	Kind               JobKind         `json:"kind"`
	State              JobState        `json:"state"`
	AccountID          string          `json:"account_id"`
	FallbackAccountIDs []string        `json:"fallback_account_ids,omitempty"`
	Params             Params          `json:"params"`
	Counters           Counters        `json:"counters"`
	LastError          string          `json:"last_error,omitempty"`
	ErrorCode          ErrorCode       `json:"error_code,omitempty"`
	Schedule           *SchedulePolicy `json:"schedule,omitempty"`
	RunID              string          `json:"run_id,omitempty"`
	RunNumber          int             `json:"run_number"`
	PausedFrom         JobState        `json:"paused_from,omitempty"`
	Version            int64           `json:"version"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	StartedAt          *time.Time      `json:"started_at,omitempty"`
	FinishedAt         *time.Time      `json:"finished_at,omitempty"`
}

// JobPatch describes the fields written alongside a conditional state transition.
// Zero-valued optional fields are left untouched.
type JobPatch struct {
	RunID         string
	RunNumber     int
	AccountID     string
	PausedFrom    JobState
	SetError      bool
	LastError     string
	ErrorCode     ErrorCode
	ResetCounters bool
	StartedAt     time.Time
	FinishedAt    time.Time
	At            time.Time
}

// Apply writes the patch and target state onto job. Stores call it under their own atomicity guarantees.
func (p JobPatch) Apply(job *Job, to JobState) {
	job.State = to
	job.PausedFrom = p.PausedFrom
	if p.RunID != "" {
		job.RunID = p.RunID
	}
	if p.RunNumber > 0 {
		job.RunNumber = p.RunNumber
	}
	if p.AccountID != "" {
		job.AccountID = p.AccountID
	}
	if p.SetError {
		job.LastError = p.LastError
		job.ErrorCode = p.ErrorCode
	}
	if p.ResetCounters {
		job.Counters = Counters{}
	}
	if !p.StartedAt.IsZero() {
		started := p.StartedAt
		job.StartedAt = &started
		job.FinishedAt = nil
	}
	if !p.FinishedAt.IsZero() {
		finished := p.FinishedAt
		job.FinishedAt = &finished
	}
	if !p.At.IsZero() {
		job.UpdatedAt = p.At
	}
	job.Version++
}

// SourceItem is one row of job input: a raw business name or a known profile URL.
type SourceItem struct {
	ID       string `json:"id"`
	JobID    string `json:"job_id"`
	Name     string `json:"name"`
	URL      string `json:"url,omitempty"`
	Location string `json:"location,omitempty"`
	Category string `json:"category,omitempty"`
}

// Valid reports whether the item carries anything to resolve.
func (s SourceItem) Valid() bool {
	return strings.TrimSpace(s.Name) != "" || strings.TrimSpace(s.URL) != ""
}

// ProfileStatus tracks a resolved profile through extraction.
type ProfileStatus string

// Profile statuses.
const (
	ProfileNotFound   ProfileStatus = "not_found"
	ProfileError      ProfileStatus = "error"
	ProfileResolved   ProfileStatus = "resolved"
	ProfileExtracting ProfileStatus = "extracting"
	ProfileDone       ProfileStatus = "done"
	ProfilePartial    ProfileStatus = "partial"
	ProfileCapped     ProfileStatus = "capped"
	ProfileSkipped    ProfileStatus = "skipped"
)

// Finished reports whether extraction for the profile has terminated.
func (s ProfileStatus) Finished() bool {
	switch s {
	case ProfileNotFound, ProfileError, ProfileDone, ProfilePartial, ProfileCapped, ProfileSkipped:
		return true
	default:
		return false
	}
}

// Resolution is the outcome of resolving one source item.
type Resolution struct {
	ProfileURL  string            `json:"profile_url,omitempty"`
	DisplayName string            `json:"display_name,omitempty"`
	Confidence  Confidence        `json:"confidence"`
	Score       float64           `json:"score"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	// Candidates counts the profile-shaped search results scored; zero for passthrough URLs.
	Candidates int `json:"candidates"`
}

// ResolvedProfile maps a source item to a canonical profile for one run.
type ResolvedProfile struct {
	ID           string            `json:"id"`
	JobID        string            `json:"job_id"`
	RunID        string            `json:"run_id"`
	ItemID       string            `json:"item_id"`
	ProfileURL   string            `json:"profile_url,omitempty"`
	DisplayName  string            `json:"display_name,omitempty"`
	Confidence   Confidence        `json:"confidence"`
	Score        float64           `json:"score"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Status       ProfileStatus     `json:"status"`
	Cursor       string            `json:"cursor,omitempty"`
	RecordCount  int               `json:"record_count"`
	ThrottledFor time.Duration     `json:"throttled_for"`
	Error        string            `json:"error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// ProfileProgress is the extraction checkpoint written after each page.
type ProfileProgress struct {
	Status       ProfileStatus
	Cursor       string
	RecordCount  int
	ThrottledFor time.Duration
	Error        string
	At           time.Time
}

// PersonRecord is one person extracted under a resolved profile.
type PersonRecord struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	RunID       string    `json:"run_id"`
	ProfileID   string    `json:"profile_id"`
	Name        string    `json:"name"`
	Title       string    `json:"title"`
	Location    string    `json:"location,omitempty"`
	ExternalURL string    `json:"external_url"`
	CreatedAt   time.Time `json:"created_at"`
}

// DedupeKey identifies a person within a profile.
// Records without a URL are keyed by name, title and location together, so anonymized rows that
// share a placeholder name stay distinct unless every visible field matches.
func (r PersonRecord) DedupeKey() string {
	if u := NormalizeURL(r.ExternalURL); u != "" {
		return r.ProfileID + "|" + u
	}
	fold := func(s string) string { return strings.Join(strings.Fields(strings.ToLower(s)), " ") }
	return r.ProfileID + "|anon:" + fold(r.Name) + "|" + fold(r.Title) + "|" + fold(r.Location)
}

// Merge fills r's empty fields from other, keeping first-seen non-empty values.
func (r *PersonRecord) Merge(other PersonRecord) {
	if r.Name == "" {
		r.Name = other.Name
	}
	if r.Title == "" {
		r.Title = other.Title
	}
	if r.Location == "" {
		r.Location = other.Location
	}
	if r.ExternalURL == "" {
		r.ExternalURL = other.ExternalURL
	}
}

// ClassificationResult is the verdict for one person record.
type ClassificationResult struct {
	RecordID    string             `json:"record_id"`
	JobID       string             `json:"job_id"`
	RunID       string             `json:"run_id"`
	Matched     bool               `json:"matched"`
	Confidence  Confidence         `json:"confidence"`
	MatchedRole string             `json:"matched_role,omitempty"`
	Score       float64            `json:"score"`
	Mode        ClassificationMode `json:"mode"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Health is the authentication health of an external account.
type Health string

// Account health values.
const (
	HealthActive   Health = "ACTIVE"
	HealthDegraded Health = "DEGRADED"
	HealthExpired  Health = "EXPIRED"
)

// Account is an external account used for authenticated extraction.
type Account struct {
	ID          string            `json:"id"`
	Health      Health            `json:"health"`
	Elevated    bool              `json:"elevated"`
	Credentials map[string]string `json:"-"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Session is the opaque authenticated context handed to the fetch capability.
type Session struct {
	AccountID string
	Cookies   map[string]string
	Headers   map[string]string
}

// FailureKind classifies an account-level failure report.
type FailureKind string

// Failure kinds reported to the account guard.
const (
	FailureAuthInvalid FailureKind = "AUTH_INVALID"
	FailureRateLimited FailureKind = "RATE_LIMITED"
)

// Frequency is a schedule recurrence.
type Frequency string

// Schedule frequencies.
const (
	FrequencyOnce    Frequency = "ONCE"
	FrequencyDaily   Frequency = "DAILY"
	FrequencyWeekly  Frequency = "WEEKLY"
	FrequencyMonthly Frequency = "MONTHLY"
)

// SchedulePolicy drives recurring launches of a job.
type SchedulePolicy struct {
	Frequency            Frequency `json:"frequency"`
	OccurrencesPerPeriod int       `json:"occurrences_per_period"`
	Enabled              bool      `json:"enabled"`
	LastFiredAt          time.Time `json:"last_fired_at,omitempty"`
}

// Candidate is one search hit for a business name.
type Candidate struct {
	DisplayName string            `json:"display_name"`
	URL         string            `json:"url"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// PageKind tells the parser what a raw document contains.
type PageKind string

// Page kinds.
const (
	PageSearch PageKind = "search"
	PagePeople PageKind = "people"
)

// RawDocument is a fetched, unparsed page.
type RawDocument struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	FetchedAt   time.Time
}

// PersonFields are the structured fields the parser extracts for one person.
type PersonFields struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	Location    string `json:"location"`
	ExternalURL string `json:"url"`
}

// ArchivedDocument records where a fetched page's raw body was archived.
type ArchivedDocument struct {
	JobID       string    `json:"job_id"`
	RunID       string    `json:"run_id"`
	ProfileID   string    `json:"profile_id"`
	URL         string    `json:"url"`
	Hash        string    `json:"hash"`
	BlobURI     string    `json:"blob_uri"`
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// ParsedPage is the parser's structured view of a raw document.
type ParsedPage struct {
	People     []PersonFields
	Candidates []Candidate
	NextCursor string
	// HasMore is nil when the document says nothing about further pages.
	HasMore *bool
}

// Page is one extracted page of person records.
type Page struct {
	Records    []PersonRecord
	NextCursor string
	Done       bool
}

// Verdict is the external classifier's answer for one title.
type Verdict struct {
	Matched     bool
	Confidence  Confidence
	MatchedRole string
}

// UnitKind is the stage a work unit belongs to.
type UnitKind string

// Work unit kinds.
const (
	UnitResolve  UnitKind = "resolve"
	UnitExtract  UnitKind = "extract"
	UnitClassify UnitKind = "classify"
)

// WorkUnit is one independent stage task carried by the queue.
type WorkUnit struct {
	ID        string   `json:"id"`
	JobID     string   `json:"job_id"`
	RunID     string   `json:"run_id"`
	Kind      UnitKind `json:"kind"`
	ItemID    string   `json:"item_id,omitempty"`
	ProfileID string   `json:"profile_id,omitempty"`
	Cursor    string   `json:"cursor,omitempty"`
	Attempt   int      `json:"attempt"`
	Submitted int64    `json:"submitted"`
	// Receipt is set by queues that need an acknowledgement handle.
	Receipt string `json:"-"`
}

// ResultFilter narrows GetResults.
type ResultFilter struct {
	ProfileID     string
	MatchedOnly   bool
	MinConfidence Confidence
	Offset        int
	Limit         int
}

// Result joins a person record with its profile and classification.
type Result struct {
	Profile        ResolvedProfile       `json:"profile"`
	Record         PersonRecord          `json:"record"`
	Classification *ClassificationResult `json:"classification,omitempty"`
}

// ResultPage is one page of results.
type ResultPage struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Offset  int      `json:"offset"`
	Limit   int      `json:"limit"`
}

// Progress is an eventually consistent snapshot of a job.
type Progress struct {
	JobID      string     `json:"job_id"`
	RunID      string     `json:"run_id,omitempty"`
	Kind       JobKind    `json:"kind"`
	State      JobState   `json:"state"`
	Counters   Counters   `json:"counters"`
	LastError  string     `json:"last_error,omitempty"`
	ErrorCode  ErrorCode  `json:"error_code,omitempty"`
	NextFireAt *time.Time `json:"next_fire_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// NormalizeURL lowercases scheme and host, drops query, fragment and trailing slash.
func NormalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	u = strings.TrimRight(u, "/")
	if i := strings.Index(u, "://"); i >= 0 {
		rest := u[i+3:]
		host, path, _ := strings.Cut(rest, "/")
		host = strings.TrimPrefix(strings.ToLower(host), "www.")
		u = strings.ToLower(u[:i]) + "://" + host
		if path != "" {
			u += "/" + path
		}
	}
	return u
}
