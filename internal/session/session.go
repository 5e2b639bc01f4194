// Package session derives request sessions from account credentials.
package session

import (
	"context"
	"maps"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

// Credential keys understood by Provider.
const (
	KeyAuthCookie = "li_at"
	KeyCSRFCookie = "JSESSIONID"
	// KeyCookiePrefix passes any other cookie through as cookie:<name>.
	KeyCookiePrefix = "cookie:"
	// KeyHeaderPrefix passes a header through as header:<name>.
	KeyHeaderPrefix = "header:"
)

// DefaultHeaders accompany every authenticated request.
var DefaultHeaders = map[string]string{
	"Accept":                    "application/vnd.linkedin.normalized+json+2.1",
	"X-Li-Lang":                 "en_US",
	"X-Restli-Protocol-Version": "2.0.0",
}

// Provider implements harvest.SessionProvider.
type Provider struct {
	headers map[string]string
}

// New builds a Provider. extra headers are merged over DefaultHeaders.
func New(extra map[string]string) *Provider {
	headers := maps.Clone(DefaultHeaders)
	maps.Copy(headers, extra)
	return &Provider{headers: headers}
}

// Session builds the cookie jar and headers for account. A missing auth cookie is an auth failure.
func (p *Provider) Session(_ context.Context, account harvest.Account) (harvest.Session, error) {
	auth := strings.TrimSpace(account.Credentials[KeyAuthCookie])
	if auth == "" {
		return harvest.Session{}, errors.Wrapf(harvest.ErrAccountAuthInvalid,
			"account %s has no %s credential", account.ID, KeyAuthCookie)
	}
	s := harvest.Session{
		AccountID: account.ID,
		Cookies:   map[string]string{KeyAuthCookie: auth},
		Headers:   maps.Clone(p.headers),
	}
	if csrf := strings.Trim(strings.TrimSpace(account.Credentials[KeyCSRFCookie]), `"`); csrf != "" {
		s.Cookies[KeyCSRFCookie] = csrf
		s.Headers["Csrf-Token"] = csrf
	}
	for key, value := range account.Credentials {
		switch {
		case strings.HasPrefix(key, KeyCookiePrefix):
			s.Cookies[strings.TrimPrefix(key, KeyCookiePrefix)] = value
		case strings.HasPrefix(key, KeyHeaderPrefix):
			s.Headers[strings.TrimPrefix(key, KeyHeaderPrefix)] = value
		}
	}
	return s, nil
}
