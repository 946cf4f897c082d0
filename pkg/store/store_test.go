package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/niski84/TRMNL-POWER/pkg/model"
)

func TestRunLifecycle(t *testing.T) {
	store := newTestStore(t, filepath.Join(t.TempDir(), "runs.db"))
	defer store.Close()
	ctx := context.Background()

	started := time.Date(2026, 10, 19, 15, 0, 0, 123456789, time.UTC)
	run := &model.Run{Trigger: model.TriggerManual, StartedAt: started, Status: model.RunStatusRunning}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if len(run.ID) != 36 {
		t.Fatalf("expected a uuid, got %q", run.ID)
	}

	finished := started.Add(2 * time.Second)
	run.FinishedAt = &finished
	run.Status = model.RunStatusFailed
	run.Stage = "rasterizing"
	run.ErrorText = "browser crashed"
	run.DataFetchMS = 12
	run.TemplateMS = 3
	run.TotalMS = 2000
	if err := store.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun failed: %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Trigger != model.TriggerManual || got.Status != model.RunStatusFailed {
		t.Errorf("trigger/status = %q/%q", got.Trigger, got.Status)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Errorf("FinishedAt = %v, want %v", got.FinishedAt, finished)
	}
	if got.Stage != "rasterizing" || got.ErrorText != "browser crashed" {
		t.Errorf("stage/error = %q/%q", got.Stage, got.ErrorText)
	}
	if got.DataFetchMS != 12 || got.TemplateMS != 3 || got.TotalMS != 2000 {
		t.Errorf("timings = %d/%d/%d", got.DataFetchMS, got.TemplateMS, got.TotalMS)
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := newTestStore(t, filepath.Join(t.TempDir(), "runs.db"))
	defer store.Close()

	if _, err := store.GetRun(context.Background(), "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
	err := store.UpdateRun(context.Background(), &model.Run{ID: "missing", Status: model.RunStatusCompleted})
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound on update, got %v", err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	store := newTestStore(t, filepath.Join(t.TempDir(), "runs.db"))
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		run := &model.Run{Trigger: model.TriggerScheduled, StartedAt: base.Add(time.Duration(i) * time.Hour), Status: model.RunStatusCompleted}
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := store.ListRuns(ctx, 3)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("got %d runs, want 3", len(runs))
	}
	for i, run := range runs {
		want := base.Add(time.Duration(4-i) * time.Hour)
		if !run.StartedAt.Equal(want) {
			t.Errorf("runs[%d].StartedAt = %v, want %v", i, run.StartedAt, want)
		}
	}
}

func TestPruneRuns(t *testing.T) {
	store := newTestStore(t, filepath.Join(t.TempDir(), "runs.db"))
	defer store.Close()
	ctx := context.Background()

	now := time.Now()
	ages := []time.Duration{
		40 * 24 * time.Hour, // beyond retention
		35 * 24 * time.Hour, // beyond retention
		3 * time.Hour,
		2 * time.Hour,
		1 * time.Hour,
	}
	for _, age := range ages {
		run := &model.Run{Trigger: model.TriggerScheduled, StartedAt: now.Add(-age), Status: model.RunStatusCompleted}
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := store.Prune(ctx, 30, 2)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if deleted != 3 {
		t.Errorf("deleted = %d, want 3", deleted)
	}

	runs, _ := store.ListRuns(ctx, 10)
	if len(runs) != 2 {
		t.Fatalf("remaining runs = %d, want 2", len(runs))
	}
	if runs[1].StartedAt.Before(now.Add(-2*time.Hour - time.Minute)) {
		t.Errorf("oldest kept run is too old: %v", runs[1].StartedAt)
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := map[string]bool{
		"2026-10-19 15:04:05.000000000": true,
		"2026-10-19 15:04:05":           true,
		"2026-10-19T15:04:05Z":          true,
		"yesterday":                     false,
		"":                              false,
	}
	for in, ok := range tests {
		if got := parseTimestamp(in); (got != nil) != ok {
			t.Errorf("parseTimestamp(%q) = %v, want ok=%v", in, got, ok)
		}
	}
}
