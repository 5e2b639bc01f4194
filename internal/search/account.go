package search

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/JakeFAU/roster-harvester/internal/guard"
	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

// DefaultAccountEndpoint is the signed-in blended search API.
const DefaultAccountEndpoint = "https://www.linkedin.com/voyager/api/search/blended"

// LeasedFetcher retrieves one document with an account session while the account is leased.
type LeasedFetcher interface {
	Fetch(ctx context.Context, lease *guard.Lease, session harvest.Session, url string) (harvest.RawDocument, error)
}

// AccountSearcher queries the site's own company search with an account session.
type AccountSearcher struct {
	endpoint      string
	maxCandidates int
	fetcher       LeasedFetcher
	parser        harvest.Parser
	logger        *zap.Logger
}

// NewAccount builds an AccountSearcher. An empty endpoint takes DefaultAccountEndpoint.
func NewAccount(fetcher LeasedFetcher, parser harvest.Parser, endpoint string, maxCandidates int, logger *zap.Logger) (*AccountSearcher, error) {
	if fetcher == nil || parser == nil {
		return nil, errors.New("account search requires a fetcher and a parser")
	}
	if endpoint == "" {
		endpoint = DefaultAccountEndpoint
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, errors.Wrapf(err, "parse account search endpoint %q", endpoint)
	}
	if maxCandidates <= 0 {
		maxCandidates = DefaultMaxCandidates
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountSearcher{
		endpoint:      endpoint,
		maxCandidates: maxCandidates,
		fetcher:       fetcher,
		parser:        parser,
		logger:        logger.Named("account_search"),
	}, nil
}

// SearchAs returns company candidates for name as seen by session's account.
func (s *AccountSearcher) SearchAs(
	ctx context.Context,
	lease *guard.Lease,
	session harvest.Session,
	name string,
) ([]harvest.Candidate, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	doc, err := s.fetcher.Fetch(ctx, lease, session, s.QueryURL(name))
	if err != nil {
		return nil, errors.Wrapf(err, "account search %q", name)
	}
	parsed, err := s.parser.Parse(doc, harvest.PageSearch)
	if err != nil {
		return nil, errors.Wrapf(err, "parse account search results for %q", name)
	}
	candidates := parsed.Candidates
	if len(candidates) > s.maxCandidates {
		candidates = candidates[:s.maxCandidates]
	}
	s.logger.Debug("account search complete",
		zap.String("account_id", session.AccountID),
		zap.String("name", name),
		zap.Int("candidates", len(candidates)),
	)
	return candidates, nil
}

// QueryURL renders the company search URL for name.
func (s *AccountSearcher) QueryURL(name string) string {
	u, _ := url.Parse(s.endpoint)
	q := u.Query()
	q.Set("keywords", name)
	q.Set("origin", "GLOBAL_SEARCH_HEADER")
	q.Set("q", "all")
	q.Set("filters", "List(resultType->COMPANIES)")
	q.Set("count", strconv.Itoa(s.maxCandidates))
	q.Set("start", "0")
	u.RawQuery = q.Encode()
	return u.String()
}
