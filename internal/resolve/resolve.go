// Package resolve maps raw business names to canonical profile URLs with a confidence tier.
package resolve

import (
	"context"
	"maps"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/JakeFAU/roster-harvester/internal/guard"
	"github.com/JakeFAU/roster-harvester/internal/harvest"
	"github.com/JakeFAU/roster-harvester/internal/metrics"
)

// DefaultCanonicalPattern matches company profile roots on the target site after harvest.NormalizeURL.
const DefaultCanonicalPattern = `^https?://(?:[a-z]{2}\.)?linkedin\.com/company/[^/]+`

// DefaultSearchKey is the limiter key shared by all name searches.
const DefaultSearchKey = "search"

// Waiter throttles outbound searches.
type Waiter interface {
	Wait(ctx context.Context, target string) error
}

// Fallback searches with an account session when the public search finds nothing.
type Fallback interface {
	SearchAs(ctx context.Context, lease *guard.Lease, session harvest.Session, name string) ([]harvest.Candidate, error)
}

// ScoreFunc computes the composite similarity of a candidate for an item.
type ScoreFunc func(item harvest.SourceItem, candidate harvest.Candidate) float64

// Config tunes the engine.
type Config struct {
	CanonicalPattern string
	SearchKey        string
	// Score overrides the composite similarity; nil uses Score.
	Score ScoreFunc
}

// Engine resolves source items.
type Engine struct {
	searcher  harvest.Searcher
	limiter   Waiter
	canonical *regexp.Regexp
	searchKey string
	score     ScoreFunc
	fallback  Fallback
	logger    *zap.Logger
}

// New builds an engine. limiter may be nil.
func New(searcher harvest.Searcher, limiter Waiter, cfg Config, logger *zap.Logger) (*Engine, error) {
	if searcher == nil {
		return nil, errors.New("searcher is required")
	}
	pattern := cfg.CanonicalPattern
	if pattern == "" {
		pattern = DefaultCanonicalPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.Wrap(err, "compile canonical pattern")
	}
	key := cfg.SearchKey
	if key == "" {
		key = DefaultSearchKey
	}
	score := cfg.Score
	if score == nil {
		score = Score
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		searcher:  searcher,
		limiter:   limiter,
		canonical: re,
		searchKey: key,
		score:     score,
		logger:    logger,
	}, nil
}

// WithFallback enables ResolveAs.
func (e *Engine) WithFallback(fb Fallback) *Engine {
	e.fallback = fb
	return e
}

// HasFallback reports whether ResolveAs can search.
func (e *Engine) HasFallback() bool {
	return e.fallback != nil
}

// Canonical returns the canonical profile URL for raw, if raw is one.
func (e *Engine) Canonical(raw string) (string, bool) {
	normalized := harvest.NormalizeURL(raw)
	if normalized == "" {
		return "", false
	}
	match := e.canonical.FindString(normalized)
	if match == "" {
		return "", false
	}
	return match, true
}

// Resolve maps item to a profile. Canonical URLs pass through as EXACT without searching.
// A failed search returns an error marked harvest.ErrTransientNetwork; zero candidates resolve to NONE.
func (e *Engine) Resolve(ctx context.Context, item harvest.SourceItem) (harvest.Resolution, error) {
	for _, raw := range []string{item.URL, item.Name} {
		if url, ok := e.Canonical(raw); ok {
			res := harvest.Resolution{
				ProfileURL:  url,
				DisplayName: displayName(item, url),
				Confidence:  harvest.ConfidenceExact,
				Score:       1,
			}
			metrics.ObserveResolution(res.Confidence.String())
			return res, nil
		}
	}

	name := strings.TrimSpace(item.Name)
	if name == "" || looksLikeURL(name) {
		metrics.ObserveResolution(harvest.ConfidenceNone.String())
		return harvest.Resolution{Confidence: harvest.ConfidenceNone}, nil
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, e.searchKey); err != nil {
			return harvest.Resolution{}, errors.Wrap(err, "search throttle")
		}
	}
	candidates, err := e.searcher.Search(ctx, name)
	if err != nil {
		if errors.IsAny(err, context.Canceled, context.DeadlineExceeded) {
			return harvest.Resolution{}, errors.Wrap(err, "search")
		}
		return harvest.Resolution{}, errors.Mark(errors.Wrapf(err, "search %q", name), harvest.ErrTransientNetwork)
	}

	res := e.best(item, candidates)
	metrics.ObserveResolution(res.Confidence.String())
	e.logger.Debug("item resolved",
		zap.String("item_id", item.ID),
		zap.String("name", name),
		zap.Int("candidates", len(candidates)),
		zap.Float64("score", res.Score),
		zap.Stringer("confidence", res.Confidence),
	)
	return res, nil
}

// ResolveAs searches item's name through the fallback with session while lease is held.
// Account failures (auth, rate limit, lost lease) keep their marks; other search failures are
// marked harvest.ErrTransientNetwork.
func (e *Engine) ResolveAs(
	ctx context.Context,
	lease *guard.Lease,
	session harvest.Session,
	item harvest.SourceItem,
) (harvest.Resolution, error) {
	name := strings.TrimSpace(item.Name)
	if e.fallback == nil || name == "" || looksLikeURL(name) {
		return harvest.Resolution{Confidence: harvest.ConfidenceNone}, nil
	}
	candidates, err := e.fallback.SearchAs(ctx, lease, session, name)
	if err != nil {
		if errors.IsAny(err,
			harvest.ErrAccountAuthInvalid, harvest.ErrRateLimited, harvest.ErrLeaseLost,
			context.Canceled, context.DeadlineExceeded,
		) {
			return harvest.Resolution{}, err
		}
		return harvest.Resolution{}, errors.Mark(errors.Wrapf(err, "account search %q", name), harvest.ErrTransientNetwork)
	}

	res := e.best(item, candidates)
	metrics.ObserveResolution(res.Confidence.String())
	e.logger.Debug("item resolved through account search",
		zap.String("item_id", item.ID),
		zap.String("account_id", session.AccountID),
		zap.Int("candidates", len(candidates)),
		zap.Stringer("confidence", res.Confidence),
	)
	return res, nil
}

// best scores the canonical candidates. Resolution.Candidates counts them.
func (e *Engine) best(item harvest.SourceItem, candidates []harvest.Candidate) harvest.Resolution {
	var (
		bestScore = -1.0
		bestURL   string
		bestCand  harvest.Candidate
		n         int
	)
	for _, c := range candidates {
		url, ok := e.Canonical(c.URL)
		if !ok {
			continue
		}
		n++
		if s := e.score(item, c); s > bestScore {
			bestScore, bestURL, bestCand = s, url, c
		}
	}
	if bestScore < 0 {
		return harvest.Resolution{Confidence: harvest.ConfidenceNone}
	}
	tier := TierFor(bestScore)
	if tier == harvest.ConfidenceNone {
		return harvest.Resolution{Confidence: tier, Score: bestScore, Candidates: n}
	}
	return harvest.Resolution{
		ProfileURL:  bestURL,
		DisplayName: bestCand.DisplayName,
		Confidence:  tier,
		Score:       bestScore,
		Metadata:    maps.Clone(bestCand.Metadata),
		Candidates:  n,
	}
}

func displayName(item harvest.SourceItem, url string) string {
	if name := strings.TrimSpace(item.Name); name != "" && !looksLikeURL(name) {
		return name
	}
	return url[strings.LastIndex(url, "/")+1:]
}

func looksLikeURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
