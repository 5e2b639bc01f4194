package harvest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestConfidenceOrderingAndText(t *testing.T) {
	t.Parallel()

	order := []Confidence{ConfidenceNone, ConfidenceLow, ConfidenceMedium, ConfidenceHigh, ConfidenceExact}
	for i := 1; i < len(order); i++ {
		require.Less(t, order[i-1], order[i])
		require.Less(t, order[i-1].Score(), order[i].Score())
	}

	data, err := json.Marshal(map[string]Confidence{"c": ConfidenceHigh})
	require.NoError(t, err)
	require.JSONEq(t, `{"c":"HIGH"}`, string(data))

	var decoded map[string]Confidence
	require.NoError(t, json.Unmarshal([]byte(`{"c":"medium"}`), &decoded))
	require.Equal(t, ConfidenceMedium, decoded["c"])

	_, err = ParseConfidence("bogus")
	require.Error(t, err)
}

func TestJobPatchApply(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	job := Job{ID: "job-1", State: StatePending, Counters: Counters{ItemsResolved: 4}, LastError: "old"}
	JobPatch{
		RunID:         "run-2",
		RunNumber:     2,
		SetError:      true,
		ResetCounters: true,
		StartedAt:     now,
		At:            now,
	}.Apply(&job, StateResolving)

	require.Equal(t, StateResolving, job.State)
	require.Equal(t, "run-2", job.RunID)
	require.Equal(t, 2, job.RunNumber)
	require.Empty(t, job.LastError)
	require.True(t, job.Counters.IsZero())
	require.NotNil(t, job.StartedAt)
	require.Nil(t, job.FinishedAt)
	require.Equal(t, int64(1), job.Version)
}

func TestCountersAdd(t *testing.T) {
	t.Parallel()

	sum := Counters{ItemsResolved: 1, RecordsExtracted: 3}.Add(Counters{ItemsResolved: 2, RecordsMatching: 1})
	require.Equal(t, Counters{ItemsResolved: 3, RecordsExtracted: 3, RecordsMatching: 1}, sum)
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://WWW.LinkedIn.com/in/jane-doe/?trk=x": "https://linkedin.com/in/jane-doe",
		"https://linkedin.com/in/jane-doe#about":      "https://linkedin.com/in/jane-doe",
		"  https://example.org/  ":                    "https://example.org",
		"":                                            "",
	}
	for in, want := range cases {
		require.Equal(t, want, NormalizeURL(in), in)
	}
}

func TestPersonRecordMergeKeepsFirstNonEmpty(t *testing.T) {
	t.Parallel()

	rec := PersonRecord{ProfileID: "p", Name: "Jane", ExternalURL: "https://x/in/jane"}
	rec.Merge(PersonRecord{Name: "Janet", Title: "CTO", Location: "Austin"})
	require.Equal(t, "Jane", rec.Name)
	require.Equal(t, "CTO", rec.Title)
	require.Equal(t, "Austin", rec.Location)
}

func TestDedupeKeyKeepsAnonymousRowsApart(t *testing.T) {
	t.Parallel()

	byURL := PersonRecord{ProfileID: "p", Name: "Jane", ExternalURL: "https://www.linkedin.com/in/jane/"}
	sameURL := PersonRecord{ProfileID: "p", Name: "Jane D.", Title: "CTO", ExternalURL: "https://linkedin.com/in/jane?trk=1"}
	require.Equal(t, byURL.DedupeKey(), sameURL.DedupeKey())

	hygienist := PersonRecord{ProfileID: "p", Name: "LinkedIn Member", Title: "Dental Hygienist"}
	manager := PersonRecord{ProfileID: "p", Name: "LinkedIn Member", Title: "Office Manager"}
	require.NotEqual(t, hygienist.DedupeKey(), manager.DedupeKey())

	again := PersonRecord{ProfileID: "p", Name: " linkedin  member", Title: "dental hygienist "}
	require.Equal(t, hygienist.DedupeKey(), again.DedupeKey())

	other := hygienist
	other.ProfileID = "q"
	require.NotEqual(t, hygienist.DedupeKey(), other.DedupeKey())
}

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()

	wrapped := errors.Wrap(ErrAccountAuthInvalid, "fetch page")
	require.True(t, errors.Is(wrapped, ErrAccountAuthInvalid))
	require.Equal(t, CodeAccountAuthInvalid, CodeFor(wrapped))
	require.Contains(t, UserMessage(wrapped), "reconnect account")

	cfgErr := fmt.Errorf("launch: %w", ErrConfigInvalid)
	require.Equal(t, CodeConfigInvalid, CodeFor(cfgErr))
	require.Equal(t, CodeNone, CodeFor(ErrRateLimited))

	require.True(t, Retryable(errors.Wrap(ErrTransientNetwork, "search")))
	require.False(t, Retryable(ErrConfigInvalid))
}

func TestRetryLater(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("handle: %w", Later(2*time.Second, ErrBusy))
	rl, ok := AsRetryLater(err)
	require.True(t, ok)
	require.Equal(t, 2*time.Second, rl.After)
	require.True(t, errors.Is(err, ErrBusy))

	_, ok = AsRetryLater(ErrBusy)
	require.False(t, ok)
}

func TestExponentialRetryPolicy(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(0, 0, 0)
	require.Equal(t, DefaultRetryAttempts, p.MaxAttempts())
	require.True(t, p.ShouldRetry(ErrTransientNetwork, 1))
	require.False(t, p.ShouldRetry(ErrTransientNetwork, DefaultRetryAttempts))
	require.False(t, p.ShouldRetry(ErrAccountAuthInvalid, 1))
	require.False(t, p.ShouldRetry(context.Canceled, 1))
	require.False(t, p.ShouldRetry(nil, 1))

	for attempt := 1; attempt < 10; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, DefaultRetryMax)
	}
}

func TestSleepHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	require.ErrorIs(t, Sleep(ctx, 5*time.Second), context.Canceled)
	require.Less(t, time.Since(start), time.Second)
}

func TestSchedulePolicyIntervalAndDue(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	daily := SchedulePolicy{Frequency: FrequencyDaily, OccurrencesPerPeriod: 2, Enabled: true}
	require.Equal(t, 12*time.Hour, daily.Interval())
	require.True(t, daily.Due(base), "never fired")

	daily.LastFiredAt = base
	require.False(t, daily.Due(base.Add(11*time.Hour)))
	require.True(t, daily.Due(base.Add(12*time.Hour)))
	next, ok := daily.NextFireAt(base.Add(time.Hour))
	require.True(t, ok)
	require.Equal(t, base.Add(12*time.Hour), next)

	weekly := SchedulePolicy{Frequency: FrequencyWeekly, Enabled: true}
	require.Equal(t, 7*24*time.Hour, weekly.Interval())

	once := SchedulePolicy{Frequency: FrequencyOnce, Enabled: true}
	require.True(t, once.Due(base))
	once.LastFiredAt = base
	require.False(t, once.Due(base.Add(365*24*time.Hour)))
	_, ok = once.NextFireAt(base)
	require.False(t, ok)

	disabled := SchedulePolicy{Frequency: FrequencyDaily, OccurrencesPerPeriod: 1}
	require.False(t, disabled.Due(base))
	require.False(t, Frequency("HOURLY").Valid())
}
