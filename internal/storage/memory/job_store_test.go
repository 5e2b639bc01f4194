package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

func TestStoreJobLifecycle(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	job := harvest.Job{
		ID:     "job-1",
		Kind:   harvest.KindExtraction,
		State:  harvest.StatePending,
		Params: harvest.Params{TargetRoles: []string{"CEO"}},
	}

	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := store.CreateJob(ctx, job); !errors.Is(err, harvest.ErrAlreadyExists) {
		t.Fatalf("expected duplicate job error, got %v", err)
	}

	now := time.Unix(1700000000, 0).UTC()
	got, err := store.TransitionJob(ctx, job.ID,
		[]harvest.JobState{harvest.StatePending},
		harvest.StateResolving,
		harvest.JobPatch{RunID: "run-1", RunNumber: 1, StartedAt: now, At: now},
	)
	if err != nil {
		t.Fatalf("TransitionJob() error = %v", err)
	}
	if got.State != harvest.StateResolving || got.RunID != "run-1" || got.StartedAt == nil || got.Version != 1 {
		t.Fatalf("unexpected job after transition: %+v", got)
	}

	_, err = store.TransitionJob(ctx, job.ID, []harvest.JobState{harvest.StatePending}, harvest.StateResolving, harvest.JobPatch{})
	if !errors.Is(err, harvest.ErrStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}

	if err := store.AddCounters(ctx, job.ID, harvest.Counters{ItemsResolved: 2}); err != nil {
		t.Fatalf("AddCounters() error = %v", err)
	}
	if err := store.AddCounters(ctx, job.ID, harvest.Counters{ItemsResolved: 1, ItemsNotFound: 1}); err != nil {
		t.Fatalf("AddCounters() error = %v", err)
	}

	final, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if final.Counters.ItemsResolved != 3 || final.Counters.ItemsNotFound != 1 {
		t.Fatalf("unexpected counters %+v", final.Counters)
	}
	final.Params.TargetRoles[0] = "modified"
	again, _ := store.GetJob(ctx, job.ID)
	if again.Params.TargetRoles[0] != "CEO" {
		t.Fatal("expected GetJob to return a copy")
	}

	if _, err := store.GetJob(ctx, "missing"); !errors.Is(err, harvest.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoreTransitionIsAtomic(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	if err := store.CreateJob(ctx, harvest.Job{ID: "job-1", State: harvest.StatePending}); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.TransitionJob(ctx, "job-1",
				[]harvest.JobState{harvest.StatePending}, harvest.StateResolving, harvest.JobPatch{})
			if err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winning transition, got %d", wins.Load())
	}
}

func TestStoreSchedules(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()
	_ = store.CreateJob(ctx, harvest.Job{ID: "b", AccountID: "acct", CreatedAt: base.Add(time.Minute)})
	_ = store.CreateJob(ctx, harvest.Job{ID: "a", AccountID: "acct", CreatedAt: base,
		Schedule: &harvest.SchedulePolicy{Frequency: harvest.FrequencyDaily, OccurrencesPerPeriod: 1, Enabled: true}})
	_ = store.CreateJob(ctx, harvest.Job{ID: "c", AccountID: "other", CreatedAt: base})

	byAccount, err := store.ListJobsByAccount(ctx, "acct")
	if err != nil || len(byAccount) != 2 || byAccount[0].ID != "a" {
		t.Fatalf("ListJobsByAccount() = %+v, %v", byAccount, err)
	}

	scheduled, err := store.ListScheduledJobs(ctx)
	if err != nil || len(scheduled) != 1 || scheduled[0].ID != "a" {
		t.Fatalf("ListScheduledJobs() = %+v, %v", scheduled, err)
	}

	if err := store.UpdateSchedule(ctx, "a", harvest.SchedulePolicy{Frequency: harvest.FrequencyOnce}); err != nil {
		t.Fatalf("UpdateSchedule() error = %v", err)
	}
	job, _ := store.GetJob(ctx, "a")
	if job.Schedule.Enabled || job.Schedule.Frequency != harvest.FrequencyOnce {
		t.Fatalf("schedule not replaced: %+v", job.Schedule)
	}
}

func TestStoreProfilesWrittenOncePerRun(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	p := harvest.ResolvedProfile{ID: "p1", JobID: "job-1", RunID: "run-1", ItemID: "item-1", Confidence: harvest.ConfidenceHigh}

	created, err := store.SaveProfile(ctx, p)
	if err != nil || !created {
		t.Fatalf("SaveProfile() = %v, %v", created, err)
	}
	dup := p
	dup.ID = "p2"
	dup.Confidence = harvest.ConfidenceExact
	created, err = store.SaveProfile(ctx, dup)
	if err != nil || created {
		t.Fatalf("expected duplicate (run, item) to be ignored, got %v, %v", created, err)
	}

	nextRun := p
	nextRun.ID = "p3"
	nextRun.RunID = "run-2"
	if created, _ := store.SaveProfile(ctx, nextRun); !created {
		t.Fatal("expected a new run to get its own profile")
	}

	got, _ := store.GetProfile(ctx, "p1")
	if got.Confidence != harvest.ConfidenceHigh {
		t.Fatalf("profile overwritten: %+v", got)
	}

	err = store.UpdateProfileProgress(ctx, "p1", harvest.ProfileProgress{
		Status: harvest.ProfileExtracting, Cursor: "20", RecordCount: 20,
	})
	if err != nil {
		t.Fatalf("UpdateProfileProgress() error = %v", err)
	}
	list, _ := store.ListProfiles(ctx, "job-1", "run-1")
	if len(list) != 1 || list[0].Cursor != "20" || list[0].Status != harvest.ProfileExtracting {
		t.Fatalf("ListProfiles() = %+v", list)
	}
}

func TestStoreRecordsDeduplicate(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	recs := []harvest.PersonRecord{
		{ID: "r1", JobID: "j", RunID: "run", ProfileID: "p", Name: "Ada", ExternalURL: "https://linkedin.com/in/ada"},
		{ID: "r2", JobID: "j", RunID: "run", ProfileID: "p", Name: "Ada L", Title: "CTO", ExternalURL: "https://www.linkedin.com/in/ada/"},
		{ID: "r3", JobID: "j", RunID: "run", ProfileID: "p", Name: "Grace", ExternalURL: "https://linkedin.com/in/grace"},
	}
	n, err := store.AddRecords(ctx, recs)
	if err != nil || n != 2 {
		t.Fatalf("AddRecords() = %d, %v", n, err)
	}
	n, _ = store.AddRecords(ctx, recs[:1])
	if n != 0 {
		t.Fatalf("expected re-extraction to insert nothing, got %d", n)
	}

	list, _ := store.ListRecords(ctx, "j", "run", "p")
	if len(list) != 2 || list[0].Name != "Ada" || list[0].Title != "CTO" {
		t.Fatalf("ListRecords() = %+v", list)
	}

	results := []harvest.ClassificationResult{{RecordID: "r1", JobID: "j", RunID: "run", Matched: true}}
	if n, _ := store.SaveClassifications(ctx, results); n != 1 {
		t.Fatalf("SaveClassifications() = %d", n)
	}
	results[0].Matched = false
	if n, _ := store.SaveClassifications(ctx, results); n != 0 {
		t.Fatalf("expected classification to be written once, got %d", n)
	}
	classes, _ := store.ListClassifications(ctx, "j", "run")
	if len(classes) != 1 || !classes[0].Matched {
		t.Fatalf("ListClassifications() = %+v", classes)
	}
}

func TestStoreAccountsAndItems(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	if err := store.PutAccount(ctx, harvest.Account{ID: "acct", Health: harvest.HealthActive}); err != nil {
		t.Fatalf("PutAccount() error = %v", err)
	}
	at := time.Unix(1700000000, 0).UTC()
	if err := store.UpdateAccountHealth(ctx, "acct", harvest.HealthExpired, at); err != nil {
		t.Fatalf("UpdateAccountHealth() error = %v", err)
	}
	acct, _ := store.GetAccount(ctx, "acct")
	if acct.Health != harvest.HealthExpired || !acct.UpdatedAt.Equal(at) {
		t.Fatalf("unexpected account %+v", acct)
	}
	if err := store.UpdateAccountHealth(ctx, "nope", harvest.HealthActive, at); !errors.Is(err, harvest.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	_ = store.PutSourceItems(ctx, "job-1", []harvest.SourceItem{{ID: "i1", Name: "Acme"}})
	items, _ := store.ListSourceItems(ctx, "job-1")
	if len(items) != 1 || items[0].JobID != "job-1" {
		t.Fatalf("ListSourceItems() = %+v", items)
	}
}

func TestStoreDocumentsFilterByRun(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	_ = store.RecordDocument(ctx, harvest.ArchivedDocument{JobID: "j", RunID: "r1", Hash: "a"})
	_ = store.RecordDocument(ctx, harvest.ArchivedDocument{JobID: "j", RunID: "r2", Hash: "b"})
	docs, err := store.ListDocuments(ctx, "j", "r2")
	if err != nil || len(docs) != 1 || docs[0].Hash != "b" {
		t.Fatalf("ListDocuments() = %+v, %v", docs, err)
	}
}

func TestStoreListJobsNewestFirst(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()
	for i, id := range []string{"a", "b", "c"} {
		_ = store.CreateJob(ctx, harvest.Job{ID: id, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	jobs, err := store.ListJobs(ctx, 2, 0)
	if err != nil || len(jobs) != 2 || jobs[0].ID != "c" || jobs[1].ID != "b" {
		t.Fatalf("ListJobs() = %+v, %v", jobs, err)
	}
	jobs, _ = store.ListJobs(ctx, 10, 5)
	if len(jobs) != 0 {
		t.Fatalf("expected empty page, got %+v", jobs)
	}
}
