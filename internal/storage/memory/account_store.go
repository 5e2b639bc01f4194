package memory

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

// PutAccount creates or replaces an account.
func (s *Store) PutAccount(_ context.Context, account harvest.Account) error {
	if account.ID == "" {
		return errors.New("account id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	account.Credentials = maps.Clone(account.Credentials)
	s.accounts[account.ID] = account
	return nil
}

// GetAccount fetches an account by ID.
func (s *Store) GetAccount(_ context.Context, accountID string) (harvest.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return harvest.Account{}, errors.Wrapf(harvest.ErrNotFound, "account %s", accountID)
	}
	a.Credentials = maps.Clone(a.Credentials)
	return a, nil
}

// UpdateAccountHealth persists the guard's view of an account.
func (s *Store) UpdateAccountHealth(_ context.Context, accountID string, health harvest.Health, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return errors.Wrapf(harvest.ErrNotFound, "account %s", accountID)
	}
	a.Health = health
	a.UpdatedAt = at
	s.accounts[accountID] = a
	return nil
}

// PutSourceItems replaces a job's input set.
func (s *Store) PutSourceItems(_ context.Context, jobID string, items []harvest.SourceItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]harvest.SourceItem, len(items))
	for i, item := range items {
		item.JobID = jobID
		out[i] = item
	}
	s.items[jobID] = out
	return nil
}

// ListSourceItems implements harvest.InputAdapter.
func (s *Store) ListSourceItems(_ context.Context, jobID string) ([]harvest.SourceItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.items[jobID]), nil
}
