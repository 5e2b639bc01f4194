package headless

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

// ErrNotConfigured is returned by Noop.
var ErrNotConfigured = errors.New("headless fetcher not configured")

// Noop stands in when no browser is available. Extraction treats its error as a failed page.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// FetchPage always fails.
func (Noop) FetchPage(context.Context, string, string, harvest.Session) (harvest.RawDocument, error) {
	return harvest.RawDocument{}, ErrNotConfigured
}
