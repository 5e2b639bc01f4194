package detector

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

func TestHeuristic_InspectLoginWall(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	cases := []harvest.RawDocument{
		{URL: "https://www.linkedin.com/authwall?trk=x", StatusCode: 200},
		{URL: "https://www.linkedin.com/company/acme/people", StatusCode: 200, Body: []byte(`<h1>Sign in to see who you already know</h1>`)},
	}
	for _, doc := range cases {
		require.Equal(t, SignalLoginWall, h.Inspect(doc), doc.URL)
		require.True(t, errors.Is(h.Check(doc), harvest.ErrAccountAuthInvalid))
	}
}

func TestHeuristic_InspectChallenge(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	doc := harvest.RawDocument{
		URL:        "https://www.linkedin.com/company/acme/people",
		StatusCode: 200,
		Body:       []byte(`<p>We've detected unusual activity from your account</p>`),
	}
	require.Equal(t, SignalChallenge, h.Inspect(doc))
	require.True(t, errors.Is(h.Check(doc), harvest.ErrRateLimited))

	redirected := harvest.RawDocument{URL: "https://www.linkedin.com/checkpoint/lg/login-submit", StatusCode: 200}
	require.Equal(t, SignalChallenge, h.Inspect(redirected))
}

func TestHeuristic_CleanPage(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	doc := harvest.RawDocument{
		URL:         "https://www.linkedin.com/voyager/api/search?start=0",
		StatusCode:  200,
		ContentType: "application/json",
		Body:        []byte(`{"elements":[]}`),
	}
	require.Equal(t, SignalNone, h.Inspect(doc))
	require.NoError(t, h.Check(doc))
	require.False(t, h.ShouldPromote(doc), "json payloads are never promoted")
}

func TestHeuristic_ShouldPromote(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000)
	require.True(t, h.ShouldPromote(harvest.RawDocument{StatusCode: 200}))
	require.True(t, h.ShouldPromote(harvest.RawDocument{StatusCode: 200, Body: []byte(`<div id="__next"></div>`)}))
	require.True(t, h.ShouldPromote(harvest.RawDocument{
		StatusCode: 200,
		Body:       []byte(`<html><script>var a=1;</script><p>t</p></html>`),
	}))
	require.False(t, h.ShouldPromote(harvest.RawDocument{StatusCode: 404, Body: []byte("not found")}))
	require.False(t, h.ShouldPromote(harvest.RawDocument{StatusCode: 200, Body: []byte(`<ul><li>Jane Doe</li></ul>`)}))
}
