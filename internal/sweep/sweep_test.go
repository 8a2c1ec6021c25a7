package sweep_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sakti-dev/runcoord/internal/persistence"
	"github.com/sakti-dev/runcoord/internal/sweep"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "runcoord.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSweepOnce_RecoversExpiredLease(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	run, err := store.CreateRun(ctx, persistence.CreateRunParams{
		TaskSessionID: "sess-s",
		RuntimeMode:   persistence.RuntimeModeBuild,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := store.ClaimNextRun(ctx, "worker-dead", 30*time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}
	past := time.Now().UTC().Add(-time.Minute)
	if _, err := store.DB().Exec(`UPDATE runs SET lease_expires_at = ? WHERE id = ?;`, past, run.ID); err != nil {
		t.Fatalf("expire lease: %v", err)
	}

	sweeper, err := sweep.New(store, sweep.Config{Interval: time.Hour}, nil)
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	if requeued := sweeper.SweepOnce(ctx); requeued != 1 {
		t.Fatalf("expected 1 requeued, got %d", requeued)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.State != persistence.RunStateQueued {
		t.Fatalf("expected queued, got %s", got.State)
	}
}

func TestSweepOnce_PrunesOldTerminalRuns(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	run, err := store.CreateRun(ctx, persistence.CreateRunParams{
		TaskSessionID: "sess-s",
		RuntimeMode:   persistence.RuntimeModeIntake,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := store.ClaimNextRun(ctx, "worker-a", 30*time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok, err := store.MarkCompleted(ctx, run.ID, "worker-a"); err != nil || !ok {
		t.Fatalf("mark completed: ok=%v err=%v", ok, err)
	}
	// Backdate the finish past the retention window.
	old := time.Now().UTC().Add(-48 * time.Hour)
	if _, err := store.DB().Exec(`UPDATE runs SET finished_at = ? WHERE id = ?;`, old, run.ID); err != nil {
		t.Fatalf("backdate finish: %v", err)
	}

	sweeper, err := sweep.New(store, sweep.Config{Interval: time.Hour, Retention: 24 * time.Hour}, nil)
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	sweeper.SweepOnce(ctx)

	if _, err := store.GetRun(ctx, run.ID); err == nil {
		t.Fatal("expected run pruned after retention window")
	}
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	store := openTestStore(t)
	if _, err := sweep.New(store, sweep.Config{Schedule: "not a cron line"}, nil); err == nil {
		t.Fatal("expected error for invalid cron schedule")
	}
	if _, err := sweep.New(store, sweep.Config{Schedule: "*/2 * * * *"}, nil); err != nil {
		t.Fatalf("expected 5-field schedule accepted: %v", err)
	}
}

func TestStart_RunsStartupRecovery(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	run, err := store.CreateRun(ctx, persistence.CreateRunParams{
		TaskSessionID: "sess-s",
		RuntimeMode:   persistence.RuntimeModePlan,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := store.ClaimNextRun(ctx, "worker-dead", 30*time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}
	past := time.Now().UTC().Add(-time.Minute)
	if _, err := store.DB().Exec(`UPDATE runs SET lease_expires_at = ? WHERE id = ?;`, past, run.ID); err != nil {
		t.Fatalf("expire lease: %v", err)
	}

	sweeper, err := sweep.New(store, sweep.Config{Interval: time.Hour}, nil)
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	sweeper.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := store.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if got.State == persistence.RunStateQueued {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("startup sweep never recovered run, state %s", got.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	sweeper.Wait()
}
