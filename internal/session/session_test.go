package session

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

func TestSessionFromCredentials(t *testing.T) {
	t.Parallel()

	p := New(map[string]string{"User-Agent": "harvester-test"})
	s, err := p.Session(context.Background(), harvest.Account{
		ID: "acct-1",
		Credentials: map[string]string{
			KeyAuthCookie:          " token ",
			KeyCSRFCookie:          `"ajax:123"`,
			"cookie:lang":          "v=2&lang=en-us",
			"header:X-Li-Track":    "{}",
			"unrelated-credential": "ignored",
		},
	})
	require.NoError(t, err)
	require.Equal(t, "acct-1", s.AccountID)
	require.Equal(t, map[string]string{
		"li_at":      "token",
		"JSESSIONID": "ajax:123",
		"lang":       "v=2&lang=en-us",
	}, s.Cookies)
	require.Equal(t, "ajax:123", s.Headers["Csrf-Token"])
	require.Equal(t, "harvester-test", s.Headers["User-Agent"])
	require.Equal(t, "{}", s.Headers["X-Li-Track"])
	require.Equal(t, "2.0.0", s.Headers["X-Restli-Protocol-Version"])
}

func TestSessionWithoutAuthCookieIsAuthInvalid(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Session(context.Background(), harvest.Account{ID: "acct-1"})
	require.True(t, errors.Is(err, harvest.ErrAccountAuthInvalid))
}

func TestSessionsDoNotShareHeaderMaps(t *testing.T) {
	t.Parallel()

	p := New(nil)
	acct := harvest.Account{ID: "a", Credentials: map[string]string{KeyAuthCookie: "t"}}
	first, err := p.Session(context.Background(), acct)
	require.NoError(t, err)
	first.Headers["Accept"] = "mutated"

	second, err := p.Session(context.Background(), acct)
	require.NoError(t, err)
	require.Equal(t, DefaultHeaders["Accept"], second.Headers["Accept"])
}
