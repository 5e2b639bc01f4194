// Package extract retrieves paginated person records for a resolved profile under an account lease.
package extract

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/JakeFAU/roster-harvester/internal/guard"
	"github.com/JakeFAU/roster-harvester/internal/harvest"
	"github.com/JakeFAU/roster-harvester/internal/metrics"
)

// Defaults follow the upstream's observed tolerance: 2-5s between pages, ten people per page.
const (
	DefaultMinSpacing    = 2 * time.Second
	DefaultJitter        = 3 * time.Second
	DefaultPageSize      = 10
	DefaultArchivePrefix = "raw"
)

// Detector inspects fetched documents.
type Detector interface {
	Check(doc harvest.RawDocument) error
	ShouldPromote(doc harvest.RawDocument) bool
}

// sleeper is implemented by clocks that control their own waits.
type sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// ArchiveLog records archived documents.
type ArchiveLog interface {
	RecordDocument(ctx context.Context, doc harvest.ArchivedDocument) error
}

// Config tunes pacing and pagination.
type Config struct {
	MinSpacing    time.Duration
	Jitter        time.Duration
	PageSize      int
	ArchivePrefix string
}

// Engine fetches and parses people pages.
type Engine struct {
	fetcher  harvest.PageFetcher
	headless harvest.PageFetcher
	parser   harvest.Parser
	detector Detector
	retry    *harvest.ExponentialRetryPolicy
	clock    harvest.Clock
	blobs    harvest.BlobStore
	hasher   harvest.Hasher
	archived ArchiveLog
	cfg      Config
	logger   *zap.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(limit time.Duration) time.Duration
}

// New builds an engine. detector and retry may be nil; zero durations take the defaults.
func New(
	fetcher harvest.PageFetcher,
	parser harvest.Parser,
	detector Detector,
	retry *harvest.ExponentialRetryPolicy,
	clock harvest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if cfg.MinSpacing <= 0 {
		cfg.MinSpacing = DefaultMinSpacing
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = DefaultArchivePrefix
	}
	if retry == nil {
		retry = harvest.NewExponentialRetryPolicy(0, 0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sleep := harvest.Sleep
	if s, ok := clock.(sleeper); ok {
		sleep = s.Sleep
	}
	return &Engine{
		fetcher:  fetcher,
		parser:   parser,
		detector: detector,
		retry:    retry,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		sleep:    sleep,
		jitter:   harvest.RandomJitter,
	}
}

// WithHeadless sets a fetcher used when the detector says the page needs a browser.
func (e *Engine) WithHeadless(fetcher harvest.PageFetcher) *Engine {
	e.headless = fetcher
	return e
}

// WithArchive enables raw document archiving.
func (e *Engine) WithArchive(blobs harvest.BlobStore, hasher harvest.Hasher) *Engine {
	e.blobs = blobs
	e.hasher = hasher
	return e
}

// WithArchiveLog records every archived document in log.
func (e *Engine) WithArchiveLog(log ArchiveLog) *Engine {
	e.archived = log
	return e
}

// PageSize returns the configured page size.
func (e *Engine) PageSize() int {
	return e.cfg.PageSize
}

// ExtractPage fetches the page at cursor. It requires a valid lease for the whole call and
// never starts a fetch sooner than MinSpacing after the account's previous one.
//
// Errors: harvest.ErrLeaseLost when the lease is revoked, harvest.ErrAccountAuthInvalid and
// harvest.ErrRateLimited as reported by the upstream, harvest.ErrRetriesExhausted when transient
// failures outlast the retry budget.
func (e *Engine) ExtractPage(
	ctx context.Context,
	lease *guard.Lease,
	session harvest.Session,
	profile harvest.ResolvedProfile,
	cursor string,
) (harvest.Page, error) {
	offset := parseCursor(cursor)

	var (
		doc harvest.RawDocument
		err error
	)
	for attempt := 1; ; attempt++ {
		if !lease.Valid() {
			return harvest.Page{}, errors.Wrapf(harvest.ErrLeaseLost, "profile %s", profile.ID)
		}
		if err := e.pace(ctx, lease); err != nil {
			return harvest.Page{}, err
		}
		doc, err = e.fetch(ctx, lease, profile.ProfileURL, cursor, session)
		if err == nil {
			break
		}
		if errors.IsAny(err, harvest.ErrAccountAuthInvalid, harvest.ErrRateLimited) {
			return harvest.Page{}, err
		}
		if !e.retry.ShouldRetry(err, attempt) {
			if errors.Is(err, harvest.ErrTransientNetwork) {
				return harvest.Page{}, errors.Mark(
					errors.Wrapf(err, "profile %s after %d attempts", profile.ID, attempt),
					harvest.ErrRetriesExhausted,
				)
			}
			return harvest.Page{}, err
		}
		backoff := e.retry.Backoff(attempt)
		e.logger.Debug("retrying page fetch",
			zap.String("profile_id", profile.ID),
			zap.String("cursor", cursor),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if err := e.sleep(ctx, backoff); err != nil {
			return harvest.Page{}, err
		}
	}

	parsed, err := e.parser.Parse(doc, harvest.PagePeople)
	if err != nil {
		return harvest.Page{}, errors.Wrapf(err, "parse people page for profile %s", profile.ID)
	}
	e.archive(ctx, profile, doc)

	now := e.clock.Now()
	records := make([]harvest.PersonRecord, 0, len(parsed.People))
	for _, p := range parsed.People {
		if strings.TrimSpace(p.Name) == "" && strings.TrimSpace(p.ExternalURL) == "" {
			continue
		}
		records = append(records, harvest.PersonRecord{
			JobID:       profile.JobID,
			RunID:       profile.RunID,
			ProfileID:   profile.ID,
			Name:        strings.TrimSpace(p.Name),
			Title:       strings.TrimSpace(p.Title),
			Location:    strings.TrimSpace(p.Location),
			ExternalURL: strings.TrimSpace(p.ExternalURL),
			CreatedAt:   now,
		})
	}

	page := harvest.Page{Records: Dedupe(records)}
	page.NextCursor, page.Done = e.next(parsed, offset)
	return page, nil
}

// Fetch retrieves one document under lease with the same pacing and detector checks as
// ExtractPage, without retries or parsing.
func (e *Engine) Fetch(ctx context.Context, lease *guard.Lease, session harvest.Session, url string) (harvest.RawDocument, error) {
	if !lease.Valid() {
		return harvest.RawDocument{}, errors.Wrapf(harvest.ErrLeaseLost, "fetch %s", url)
	}
	if err := e.pace(ctx, lease); err != nil {
		return harvest.RawDocument{}, err
	}
	return e.fetch(ctx, lease, url, "", session)
}

func (e *Engine) next(parsed harvest.ParsedPage, offset int) (string, bool) {
	seen := len(parsed.People)
	switch {
	case parsed.NextCursor != "":
		return parsed.NextCursor, false
	case seen == 0:
		return "", true
	case parsed.HasMore != nil:
		if *parsed.HasMore {
			return strconv.Itoa(offset + seen), false
		}
		return "", true
	case seen < e.cfg.PageSize:
		return "", true
	default:
		return strconv.Itoa(offset + seen), false
	}
}

// pace blocks until MinSpacing plus jitter has elapsed since the account's last fetch.
func (e *Engine) pace(ctx context.Context, lease *guard.Lease) error {
	last := lease.LastFetch()
	if last.IsZero() {
		return nil
	}
	gap := e.cfg.MinSpacing + e.jitter(e.cfg.Jitter)
	wait := last.Add(gap).Sub(e.clock.Now())
	if wait <= 0 {
		return nil
	}
	metrics.ObserveRateLimitDelay("extract_spacing", wait)
	if err := e.sleep(ctx, wait); err != nil {
		return fmt.Errorf("pacing wait: %w", err)
	}
	return nil
}

func (e *Engine) fetch(
	ctx context.Context,
	lease *guard.Lease,
	url, cursor string,
	session harvest.Session,
) (harvest.RawDocument, error) {
	// Fetch instants are recorded on completion so the next start is spaced from this end.
	doc, err := e.fetcher.FetchPage(ctx, url, cursor, session)
	lease.MarkFetch(e.clock.Now())
	if err != nil {
		return harvest.RawDocument{}, err
	}
	if e.detector == nil {
		return doc, nil
	}
	if e.headless != nil && e.detector.ShouldPromote(doc) {
		if err := e.pace(ctx, lease); err != nil {
			return harvest.RawDocument{}, err
		}
		if !lease.Valid() {
			return harvest.RawDocument{}, errors.Wrapf(harvest.ErrLeaseLost, "headless fetch of %s", url)
		}
		e.logger.Debug("promoting page to headless fetch", zap.String("url", url), zap.String("cursor", cursor))
		doc, err = e.headless.FetchPage(ctx, url, cursor, session)
		lease.MarkFetch(e.clock.Now())
		if err != nil {
			return harvest.RawDocument{}, err
		}
	}
	if err := e.detector.Check(doc); err != nil {
		return harvest.RawDocument{}, err
	}
	return doc, nil
}

func (e *Engine) archive(ctx context.Context, profile harvest.ResolvedProfile, doc harvest.RawDocument) {
	if e.blobs == nil || e.hasher == nil || len(doc.Body) == 0 {
		return
	}
	digest, err := e.hasher.Hash(doc.Body)
	if err != nil {
		e.logger.Warn("hash raw document failed", zap.String("profile_id", profile.ID), zap.Error(err))
		return
	}
	ext := ".html"
	if strings.Contains(doc.ContentType, "json") {
		ext = ".json"
	}
	key := path.Join(e.cfg.ArchivePrefix, profile.JobID, profile.ID, digest+ext)
	uri, err := e.blobs.PutObject(ctx, key, doc.ContentType, doc.Body)
	if err != nil {
		e.logger.Warn("archive raw document failed", zap.String("path", key), zap.Error(err))
		return
	}
	if e.archived == nil {
		return
	}
	record := harvest.ArchivedDocument{
		JobID:       profile.JobID,
		RunID:       profile.RunID,
		ProfileID:   profile.ID,
		URL:         doc.URL,
		Hash:        digest,
		BlobURI:     uri,
		StatusCode:  doc.StatusCode,
		ContentType: doc.ContentType,
		FetchedAt:   doc.FetchedAt,
	}
	if err := e.archived.RecordDocument(ctx, record); err != nil {
		e.logger.Warn("record archived document failed", zap.String("uri", uri), zap.Error(err))
	}
}

// parseCursor reads an offset cursor. Opaque parser cursors carry no offset.
func parseCursor(cursor string) int {
	n, err := strconv.Atoi(cursor)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Dedupe collapses records sharing (profile, external URL), keeping first-seen non-empty fields.
func Dedupe(records []harvest.PersonRecord) []harvest.PersonRecord {
	if len(records) < 2 {
		return records
	}
	index := make(map[string]int, len(records))
	out := make([]harvest.PersonRecord, 0, len(records))
	for _, r := range records {
		key := r.DedupeKey()
		if i, ok := index[key]; ok {
			out[i].Merge(r)
			continue
		}
		index[key] = len(out)
		out = append(out, r)
	}
	return out
}
