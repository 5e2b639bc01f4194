package classify

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeExternal struct {
	calls    [][]string
	verdicts []harvest.Verdict
	err      error
}

func (f *fakeExternal) ClassifyBatch(_ context.Context, titles, _ []string, _ string) ([]harvest.Verdict, error) {
	f.calls = append(f.calls, append([]string(nil), titles...))
	if f.err != nil {
		return nil, f.err
	}
	return f.verdicts, nil
}

var clinicRoles = []string{"Clinic Administrator", "Clinic Operations Manager"}

func TestRuleTiers(t *testing.T) {
	t.Parallel()

	cases := []struct {
		title string
		conf  harvest.Confidence
		role  string
		match bool
	}{
		{"Clinic Administrator", harvest.ConfidenceExact, "Clinic Administrator", true},
		{"clinic administrator.", harvest.ConfidenceExact, "Clinic Administrator", true},
		{"Senior Clinic Administrator", harvest.ConfidenceHigh, "Clinic Administrator", true},
		{"Director of Clinic Operations", harvest.ConfidenceMedium, "Clinic Operations Manager", true},
		{"Operations Analyst", harvest.ConfidenceLow, "Clinic Operations Manager", false},
		{"Pastry Chef", harvest.ConfidenceNone, "", false},
		{"", harvest.ConfidenceNone, "", false},
	}
	for _, tc := range cases {
		got := Rule(tc.title, clinicRoles)
		require.Equal(t, tc.conf, got.Confidence, tc.title)
		require.Equal(t, tc.role, got.MatchedRole, tc.title)
		require.Equal(t, tc.match, got.Matched, tc.title)
	}
}

func TestRuleExpandsAbbreviations(t *testing.T) {
	t.Parallel()

	got := Rule("Sr. VP, Eng", []string{"Senior Vice President Engineering"})
	require.Equal(t, harvest.ConfidenceExact, got.Confidence)

	got = Rule("CTO", []string{"Chief Technology Officer"})
	require.Equal(t, harvest.ConfidenceExact, got.Confidence)
}

func TestRuleContainmentIsWordBounded(t *testing.T) {
	t.Parallel()

	got := Rule("Directorate Assistant", []string{"Director"})
	require.NotEqual(t, harvest.ConfidenceHigh, got.Confidence)
}

func TestRuleTiesKeepRoleOrder(t *testing.T) {
	t.Parallel()

	roles := []string{"Practice Manager", "Office Manager"}
	require.Equal(t, "Practice Manager", Rule("Manager", roles).MatchedRole)
	require.Equal(t, "Office Manager", Rule("Manager", []string{"Office Manager", "Practice Manager"}).MatchedRole)
}

func TestClassifyIsDeterministic(t *testing.T) {
	t.Parallel()

	c := New(nil, fixedClock{t: time.Unix(1700000000, 0)}, zap.NewNop())
	rec := harvest.PersonRecord{ID: "r1", Title: "Head of Clinic Operations"}
	first := c.Classify(context.Background(), rec, clinicRoles, harvest.ModeRule)
	for i := 0; i < 20; i++ {
		require.Equal(t, first, c.Classify(context.Background(), rec, clinicRoles, harvest.ModeRule))
	}
	require.Equal(t, "r1", first.RecordID)
	require.InDelta(t, first.Confidence.Score(), first.Score, 1e-9)
}

func TestAssistedShortCircuitsStrongRuleMatches(t *testing.T) {
	t.Parallel()

	ext := &fakeExternal{verdicts: []harvest.Verdict{
		{Matched: true, Confidence: harvest.ConfidenceHigh, MatchedRole: "Clinic Administrator"},
		{Matched: false, Confidence: harvest.ConfidenceNone},
	}}
	c := New(ext, fixedClock{t: time.Unix(1700000000, 0)}, zap.NewNop())
	records := []harvest.PersonRecord{
		{ID: "1", Title: "Clinic Administrator"},
		{ID: "2", Title: "Practice Manager"},
		{ID: "3", Title: "Barista"},
		{ID: "4", Title: ""},
	}

	out := c.ClassifyBatch(context.Background(), records, clinicRoles, harvest.ModeAssisted, "dental clinics")
	require.Len(t, out, 4)
	require.Equal(t, [][]string{{"Practice Manager", "Barista"}}, ext.calls)

	require.Equal(t, harvest.ModeRule, out[0].Mode)
	require.Equal(t, harvest.ConfidenceExact, out[0].Confidence)

	require.Equal(t, harvest.ModeAssisted, out[1].Mode)
	require.True(t, out[1].Matched)
	require.Equal(t, "Clinic Administrator", out[1].MatchedRole)

	require.Equal(t, harvest.ModeAssisted, out[2].Mode)
	require.False(t, out[2].Matched)

	require.Equal(t, harvest.ModeRule, out[3].Mode)
	require.Equal(t, harvest.ConfidenceNone, out[3].Confidence)
}

func TestAssistedFallsBackToRulesOnFailure(t *testing.T) {
	t.Parallel()

	records := []harvest.PersonRecord{
		{ID: "1", Title: "Director of Clinic Operations"},
		{ID: "2", Title: "Barista"},
	}

	for name, ext := range map[string]*fakeExternal{
		"error":       {err: errors.New("overloaded")},
		"short reply": {verdicts: []harvest.Verdict{{Matched: true}}},
	} {
		c := New(ext, fixedClock{t: time.Unix(1700000000, 0)}, zap.NewNop())
		out := c.ClassifyBatch(context.Background(), records, clinicRoles, harvest.ModeAssisted, "")
		require.Len(t, out, 2, name)
		require.Equal(t, harvest.ModeRule, out[0].Mode, name)
		require.True(t, out[0].Matched, name)
		require.Equal(t, harvest.ConfidenceMedium, out[0].Confidence, name)
		require.False(t, out[1].Matched, name)
	}
}
