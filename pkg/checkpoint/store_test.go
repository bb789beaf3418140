package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tidemark-io/tideline/pkg/checkpoint/kv"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	return NewStore(kv.NewMemory(), cfg, nil)
}

func TestCreateInitial(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Config{})

	snapshot := map[string]interface{}{"baseBatchSize": 500}
	cp, err := store.CreateInitial(ctx, "job-1", Meta{ConfigSnapshot: snapshot})
	if err != nil {
		t.Fatalf("CreateInitial() error = %v", err)
	}
	if cp.Sequence != 0 || cp.ProcessedLines != 0 || cp.CompletionPct != 0 {
		t.Errorf("initial checkpoint = seq %d, lines %d, pct %v; want zeros",
			cp.Sequence, cp.ProcessedLines, cp.CompletionPct)
	}
	if cp.Status != StatusInitial || cp.Completed {
		t.Errorf("initial status = %s completed=%v", cp.Status, cp.Completed)
	}
	if cp.ConfigHash == "" || cp.ConfigHash == "no-config" {
		t.Errorf("config hash not captured: %q", cp.ConfigHash)
	}

	// A second initial for the same job is caller misuse.
	if _, err := store.CreateInitial(ctx, "job-1", Meta{}); err == nil {
		t.Error("second CreateInitial() succeeded, want error")
	}

	if _, err := store.CreateInitial(ctx, "", Meta{}); err == nil {
		t.Error("CreateInitial() with empty job ID succeeded")
	}
}

func TestAppendRequiresInitial(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Config{})

	_, err := store.Append(ctx, "ghost", Progress{ProcessedLines: 10})
	if !errors.Is(err, ErrNoInitialCheckpoint) {
		t.Fatalf("Append() error = %v, want ErrNoInitialCheckpoint", err)
	}
}

func TestAppendMonotonicity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Config{})

	if _, err := store.CreateInitial(ctx, "job-m", Meta{}); err != nil {
		t.Fatal(err)
	}

	// Progress values, including a regression at step 3 that must be
	// clamped up to the previous checkpoint.
	steps := []Progress{
		{ProcessedLines: 100, LastPosition: 1000, CompletionPct: 10},
		{ProcessedLines: 250, LastPosition: 2500, CompletionPct: 25},
		{ProcessedLines: 200, LastPosition: 2000, CompletionPct: 20}, // regression
		{ProcessedLines: 400, LastPosition: 4000, CompletionPct: 40},
	}

	var prev Progress
	for i, p := range steps {
		cp, err := store.Append(ctx, "job-m", p)
		if err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
		if cp.ProcessedLines < prev.ProcessedLines {
			t.Errorf("step %d: ProcessedLines %d < previous %d", i, cp.ProcessedLines, prev.ProcessedLines)
		}
		if cp.CompletionPct < prev.CompletionPct {
			t.Errorf("step %d: CompletionPct %v < previous %v", i, cp.CompletionPct, prev.CompletionPct)
		}
		prev = Progress{ProcessedLines: cp.ProcessedLines, CompletionPct: cp.CompletionPct}
	}

	cp, err := store.Latest(ctx, "job-m")
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if cp.ProcessedLines != 400 {
		t.Errorf("latest ProcessedLines = %d, want 400", cp.ProcessedLines)
	}
}

func TestAppendCapsCompletionPct(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Config{})

	if _, err := store.CreateInitial(ctx, "job-pct", Meta{}); err != nil {
		t.Fatal(err)
	}
	cp, err := store.Append(ctx, "job-pct", Progress{ProcessedLines: 999, CompletionPct: 100})
	if err != nil {
		t.Fatal(err)
	}
	if cp.CompletionPct >= 100 {
		t.Errorf("progress CompletionPct = %v, want < 100 before terminal", cp.CompletionPct)
	}

	final, err := store.MarkCompleted(ctx, "job-pct", FinalMetrics{TotalLines: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if final.CompletionPct != 100 {
		t.Errorf("terminal CompletionPct = %v, want 100", final.CompletionPct)
	}
}

func TestMarkCompleted(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Config{})

	if _, err := store.CreateInitial(ctx, "job-c", Meta{}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Append(ctx, "job-c", Progress{ProcessedLines: 500, CompletionPct: 50}); err != nil {
		t.Fatal(err)
	}

	metrics := FinalMetrics{TotalLines: 1000, ValidLines: 990, ErrorLines: 10, ThroughputPerSec: 1234.5}
	cp, err := store.MarkCompleted(ctx, "job-c", metrics)
	if err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}
	if !cp.Completed || cp.Status != StatusCompleted {
		t.Errorf("terminal checkpoint = %+v", cp)
	}
	if cp.Metrics == nil || cp.Metrics.ValidLines != 990 {
		t.Errorf("final metrics not carried: %+v", cp.Metrics)
	}
	if cp.ProcessedLines != 1000 {
		t.Errorf("terminal ProcessedLines = %d, want 1000", cp.ProcessedLines)
	}

	// The job is now terminal: appends and further completion are misuse.
	if _, err := store.Append(ctx, "job-c", Progress{ProcessedLines: 1001}); !errors.Is(err, ErrJobAlreadyCompleted) {
		t.Errorf("Append() after completion error = %v, want ErrJobAlreadyCompleted", err)
	}
	if _, err := store.MarkCompleted(ctx, "job-c", FinalMetrics{}); !errors.Is(err, ErrJobAlreadyCompleted) {
		t.Errorf("MarkCompleted() twice error = %v, want ErrJobAlreadyCompleted", err)
	}
}

func TestMarkFailedKeepsProgress(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Config{})

	if _, err := store.CreateInitial(ctx, "job-f", Meta{}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Append(ctx, "job-f", Progress{ProcessedLines: 321, LastPosition: 4321, CompletionPct: 32}); err != nil {
		t.Fatal(err)
	}

	cp, err := store.MarkFailed(ctx, "job-f", "decode stream: unexpected EOF")
	if err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	if cp.Completed {
		t.Error("failure checkpoint marked completed")
	}
	if cp.Status != StatusFailed || cp.Reason == "" {
		t.Errorf("failure checkpoint = status %s, reason %q", cp.Status, cp.Reason)
	}
	if cp.ProcessedLines != 321 || cp.LastPosition != 4321 {
		t.Errorf("failure checkpoint lost progress: %d/%d", cp.ProcessedLines, cp.LastPosition)
	}

	// Failed jobs stay resumable.
	latest, err := store.Latest(ctx, "job-f")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Completed {
		t.Error("failed job reported completed")
	}
}

func TestLatestNotFound(t *testing.T) {
	store := newTestStore(t, Config{})
	_, err := store.Latest(context.Background(), "nope")
	if !errors.Is(err, ErrCheckpointNotFound) {
		t.Fatalf("Latest() error = %v, want ErrCheckpointNotFound", err)
	}
}

func TestRetentionTrimsOldestFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Config{MaxPerJob: 5})

	if _, err := store.CreateInitial(ctx, "job-r", Meta{}); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 10; i++ {
		if _, err := store.Append(ctx, "job-r", Progress{ProcessedLines: int64(i * 100)}); err != nil {
			t.Fatal(err)
		}
	}

	all, err := store.All(ctx, "job-r")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("retained %d checkpoints, want 5", len(all))
	}
	// Oldest were trimmed, newest survives.
	if all[0].Sequence != 6 || all[len(all)-1].Sequence != 10 {
		t.Errorf("retained sequences %d..%d, want 6..10", all[0].Sequence, all[len(all)-1].Sequence)
	}

	latest, err := store.Latest(ctx, "job-r")
	if err != nil {
		t.Fatal(err)
	}
	if latest.ProcessedLines != 1000 {
		t.Errorf("latest after trim = %d lines, want 1000", latest.ProcessedLines)
	}
}

func TestRetentionKeepsTerminalCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Config{MaxPerJob: 3})

	if _, err := store.CreateInitial(ctx, "job-t", Meta{}); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 6; i++ {
		if _, err := store.Append(ctx, "job-t", Progress{ProcessedLines: int64(i * 10)}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.MarkCompleted(ctx, "job-t", FinalMetrics{TotalLines: 60}); err != nil {
		t.Fatal(err)
	}

	all, err := store.All(ctx, "job-t")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) > 3 {
		t.Fatalf("retained %d checkpoints, want at most 3", len(all))
	}
	if last := all[len(all)-1]; !last.Completed {
		t.Error("terminal completed checkpoint was trimmed")
	}
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Config{MaxPerJob: 50, RetentionPeriod: time.Hour})

	base := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	clock := base
	store.now = func() time.Time { return clock }

	if _, err := store.CreateInitial(ctx, "job-p", Meta{}); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 4; i++ {
		if _, err := store.Append(ctx, "job-p", Progress{ProcessedLines: int64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	// Two hours later everything written above is stale, but the newest
	// checkpoint of the in-progress job must survive.
	clock = base.Add(2 * time.Hour)
	store.PurgeExpired(ctx)

	all, err := store.All(ctx, "job-p")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("after purge %d checkpoints remain, want 1", len(all))
	}
	if all[0].ProcessedLines != 4 {
		t.Errorf("survivor = %d lines, want newest (4)", all[0].ProcessedLines)
	}
}

func TestResumeAcrossRestart(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemory()

	store1 := NewStore(backend, Config{}, nil)
	if _, err := store1.CreateInitial(ctx, "job-x", Meta{ConfigSnapshot: map[string]interface{}{"a": 1}}); err != nil {
		t.Fatal(err)
	}
	if _, err := store1.Append(ctx, "job-x", Progress{ProcessedLines: 500, LastPosition: 8192, CompletionPct: 50}); err != nil {
		t.Fatal(err)
	}

	// A fresh store over the same backend simulates a process restart.
	store2 := NewStore(backend, Config{}, nil)
	cp, err := store2.Latest(ctx, "job-x")
	if err != nil {
		t.Fatalf("Latest() after restart error = %v", err)
	}
	if cp.ProcessedLines != 500 || cp.LastPosition != 8192 || cp.Completed {
		t.Errorf("restart resume point = %+v", cp)
	}

	// Appends continue the sequence rather than restarting it.
	next, err := store2.Append(ctx, "job-x", Progress{ProcessedLines: 700})
	if err != nil {
		t.Fatal(err)
	}
	if next.Sequence != 2 {
		t.Errorf("post-restart sequence = %d, want 2", next.Sequence)
	}
}

func TestDeleteAndJobs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Config{})

	for _, id := range []string{"job-a", "job-b"} {
		if _, err := store.CreateInitial(ctx, id, Meta{}); err != nil {
			t.Fatal(err)
		}
	}

	jobs, err := store.Jobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 || jobs[0] != "job-a" || jobs[1] != "job-b" {
		t.Fatalf("Jobs() = %v", jobs)
	}

	if err := store.Delete(ctx, "job-a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Latest(ctx, "job-a"); !errors.Is(err, ErrCheckpointNotFound) {
		t.Errorf("Latest() after delete error = %v", err)
	}
	jobs, _ = store.Jobs(ctx)
	if len(jobs) != 1 || jobs[0] != "job-b" {
		t.Errorf("Jobs() after delete = %v", jobs)
	}
}

// failingKV drops every write while reads keep working, simulating an
// unavailable persistence backend.
type failingKV struct {
	kv.Store
	failPuts bool
}

func (f *failingKV) Put(ctx context.Context, key string, value []byte) error {
	if f.failPuts {
		return errors.New("backend unavailable")
	}
	return f.Store.Put(ctx, key, value)
}

func TestWriteFailureDoesNotAbortJob(t *testing.T) {
	ctx := context.Background()
	backend := &failingKV{Store: kv.NewMemory(), failPuts: true}
	store := NewStore(backend, Config{}, nil)

	// Every persistence attempt fails, yet the job's checkpoint flow keeps
	// working on the in-memory index.
	if _, err := store.CreateInitial(ctx, "job-w", Meta{}); err != nil {
		t.Fatalf("CreateInitial() with failing backend error = %v", err)
	}
	if _, err := store.Append(ctx, "job-w", Progress{ProcessedLines: 100}); err != nil {
		t.Fatalf("Append() with failing backend error = %v", err)
	}

	cp, err := store.Latest(ctx, "job-w")
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if cp.ProcessedLines != 100 {
		t.Errorf("in-memory resume point = %d lines, want 100", cp.ProcessedLines)
	}

	// Resumability across restart is degraded: a fresh store sees nothing.
	fresh := NewStore(backend, Config{}, nil)
	if _, err := fresh.Latest(ctx, "job-w"); !errors.Is(err, ErrCheckpointNotFound) {
		t.Errorf("restart Latest() error = %v, want ErrCheckpointNotFound", err)
	}
}

func TestConfigHashStability(t *testing.T) {
	a := hashConfig(map[string]interface{}{"x": 1, "y": "z"})
	b := hashConfig(map[string]interface{}{"x": 1, "y": "z"})
	c := hashConfig(map[string]interface{}{"x": 2, "y": "z"})
	if a != b {
		t.Errorf("hash not stable: %s vs %s", a, b)
	}
	if a == c {
		t.Error("different configs hash equal")
	}
	if hashConfig(nil) != "no-config" {
		t.Errorf("nil snapshot hash = %s", hashConfig(nil))
	}
}
