// Package search finds candidate company pages through a public web search.
package search

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

// Defaults.
const (
	DefaultEndpoint      = "https://www.google.com/search"
	DefaultMaxCandidates = 5
	DefaultSiteFilter    = "linkedin.com/company"
)

// Getter fetches a public page.
type Getter interface {
	Get(ctx context.Context, url string) (harvest.RawDocument, error)
}

// Config controls query construction.
type Config struct {
	Endpoint      string
	SiteFilter    string
	Location      string
	MaxCandidates int
}

// Searcher implements harvest.Searcher over a search results page.
type Searcher struct {
	cfg    Config
	getter Getter
	parser harvest.Parser
	logger *zap.Logger
}

// New builds a Searcher.
func New(getter Getter, parser harvest.Parser, cfg Config, logger *zap.Logger) (*Searcher, error) {
	if getter == nil || parser == nil {
		return nil, errors.New("search requires a getter and a parser")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, errors.Wrapf(err, "parse search endpoint %q", cfg.Endpoint)
	}
	if cfg.SiteFilter == "" {
		cfg.SiteFilter = DefaultSiteFilter
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultMaxCandidates
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Searcher{cfg: cfg, getter: getter, parser: parser, logger: logger.Named("search")}, nil
}

// Search returns up to MaxCandidates company pages for name, in result order.
func (s *Searcher) Search(ctx context.Context, name string) ([]harvest.Candidate, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	target := s.QueryURL(name)
	doc, err := s.getter.Get(ctx, target)
	if err != nil {
		return nil, errors.Wrapf(err, "search %q", name)
	}
	parsed, err := s.parser.Parse(doc, harvest.PageSearch)
	if err != nil {
		return nil, errors.Wrapf(err, "parse search results for %q", name)
	}
	candidates := parsed.Candidates
	if len(candidates) > s.cfg.MaxCandidates {
		candidates = candidates[:s.cfg.MaxCandidates]
	}
	s.logger.Debug("search complete", zap.String("name", name), zap.Int("candidates", len(candidates)))
	return candidates, nil
}

// QueryURL renders the search URL for name.
func (s *Searcher) QueryURL(name string) string {
	query := `site:` + s.cfg.SiteFilter + ` "` + strings.ReplaceAll(name, `"`, "") + `"`
	if s.cfg.Location != "" {
		query += " " + s.cfg.Location
	}
	u, _ := url.Parse(s.cfg.Endpoint)
	q := u.Query()
	q.Set("q", query)
	q.Set("num", strconv.Itoa(s.cfg.MaxCandidates))
	u.RawQuery = q.Encode()
	return u.String()
}
