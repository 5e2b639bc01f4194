package guard

import (
	"time"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

// Lease is the exclusive right to use one account for extraction. Pass it explicitly; never store it globally.
type Lease struct {
	AccountID  string
	AcquiredAt time.Time

	token uint64
	guard *Guard
}

// Token identifies the lease for logging.
func (l *Lease) Token() uint64 {
	return l.token
}

// Valid reports whether the lease is still held and the account is ACTIVE.
func (l *Lease) Valid() bool {
	if l == nil || l.guard == nil {
		return false
	}
	l.guard.mu.Lock()
	defer l.guard.mu.Unlock()
	st, ok := l.guard.accounts[l.AccountID]
	return ok && st.lease == l && st.health == harvest.HealthActive
}

// LastFetch returns the account's most recent fetch instant, across leases.
func (l *Lease) LastFetch() time.Time {
	l.guard.mu.Lock()
	defer l.guard.mu.Unlock()
	if st, ok := l.guard.accounts[l.AccountID]; ok {
		return st.lastFetch
	}
	return time.Time{}
}

// MarkFetch records a fetch instant for pacing.
func (l *Lease) MarkFetch(at time.Time) {
	l.guard.mu.Lock()
	defer l.guard.mu.Unlock()
	if st, ok := l.guard.accounts[l.AccountID]; ok && at.After(st.lastFetch) {
		st.lastFetch = at
	}
}
