package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

// PutAccount creates or replaces an account.
func (s *Store) PutAccount(ctx context.Context, account harvest.Account) error {
	if account.ID == "" {
		return errors.New("account id is required")
	}
	creds := account.Credentials
	if creds == nil {
		creds = map[string]string{}
	}
	raw, err := json.Marshal(creds)
	if err != nil {
		return errors.Wrap(err, "marshal credentials")
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO accounts (id, health, elevated, credentials, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET
			health = EXCLUDED.health,
			elevated = EXCLUDED.elevated,
			credentials = EXCLUDED.credentials,
			updated_at = EXCLUDED.updated_at`,
		account.ID, string(account.Health), account.Elevated, raw, account.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "upsert account %s", account.ID)
	}
	return nil
}

// GetAccount fetches an account by ID.
func (s *Store) GetAccount(ctx context.Context, accountID string) (harvest.Account, error) {
	var (
		account harvest.Account
		health  string
		creds   []byte
	)
	err := s.pool.QueryRow(ctx, `SELECT id, health, elevated, credentials, updated_at FROM accounts WHERE id = $1`,
		accountID).Scan(&account.ID, &health, &account.Elevated, &creds, &account.UpdatedAt)
	if err != nil {
		return harvest.Account{}, notFound(err, "account %s", accountID)
	}
	account.Health = harvest.Health(health)
	if len(creds) > 0 {
		if err := json.Unmarshal(creds, &account.Credentials); err != nil {
			return harvest.Account{}, errors.Wrapf(err, "decode credentials for account %s", accountID)
		}
	}
	return account, nil
}

// UpdateAccountHealth persists the guard's view of an account.
func (s *Store) UpdateAccountHealth(ctx context.Context, accountID string, health harvest.Health, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE accounts SET health = $2, updated_at = $3 WHERE id = $1`,
		accountID, string(health), at)
	if err != nil {
		return errors.Wrapf(err, "update health for account %s", accountID)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(harvest.ErrNotFound, "account %s", accountID)
	}
	return nil
}

// PutSourceItems replaces a job's input set.
func (s *Store) PutSourceItems(ctx context.Context, jobID string, items []harvest.SourceItem) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin put source items")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if _, err = tx.Exec(ctx, `DELETE FROM source_items WHERE job_id = $1`, jobID); err != nil {
		return errors.Wrapf(err, "clear source items for job %s", jobID)
	}
	for i, item := range items {
		_, err = tx.Exec(ctx, `INSERT INTO source_items (job_id, id, position, name, url, location, category)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			jobID, item.ID, i, item.Name, item.URL, item.Location, item.Category)
		if err != nil {
			return errors.Wrapf(err, "insert source item %s", item.ID)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit source items")
	}
	return nil
}

// ListSourceItems implements harvest.InputAdapter.
func (s *Store) ListSourceItems(ctx context.Context, jobID string) ([]harvest.SourceItem, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, job_id, name, url, location, category
		FROM source_items WHERE job_id = $1 ORDER BY position`, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "list source items for job %s", jobID)
	}
	defer rows.Close()
	var out []harvest.SourceItem
	for rows.Next() {
		var item harvest.SourceItem
		if err := rows.Scan(&item.ID, &item.JobID, &item.Name, &item.URL, &item.Location, &item.Category); err != nil {
			return nil, errors.Wrap(err, "scan source item row")
		}
		out = append(out, item)
	}
	return out, errors.Wrap(rows.Err(), "iterate source item rows")
}
