package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sakti-dev/runcoord/internal/persistence"
)

const testLease = 30 * time.Second

func TestCreateRun_Defaults(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	run, err := store.CreateRun(ctx, persistence.CreateRunParams{
		TaskSessionID: "sess-1",
		RuntimeMode:   persistence.RuntimeModePlan,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if run.State != persistence.RunStateQueued {
		t.Fatalf("expected queued, got %s", run.State)
	}
	if run.Attempt != 0 {
		t.Fatalf("expected attempt 0, got %d", run.Attempt)
	}
	if run.MaxAttempts != persistence.DefaultMaxAttempts {
		t.Fatalf("expected max attempts %d, got %d", persistence.DefaultMaxAttempts, run.MaxAttempts)
	}
	if run.Input != "{}" || run.Metadata != "{}" {
		t.Fatalf("expected empty JSON defaults, got input=%q metadata=%q", run.Input, run.Metadata)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.ID != run.ID || got.State != persistence.RunStateQueued {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestCreateRun_RejectsBadMode(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.CreateRun(context.Background(), persistence.CreateRunParams{
		TaskSessionID: "sess-1",
		RuntimeMode:   "warp",
	})
	if err == nil {
		t.Fatal("expected error for unknown runtime mode")
	}
}

func TestCreateRun_IdempotencyKey(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	first, err := store.CreateRun(ctx, persistence.CreateRunParams{
		TaskSessionID:    "sess-1",
		RuntimeMode:      persistence.RuntimeModeIntake,
		ClientRequestKey: "req-abc",
	})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := store.CreateRun(ctx, persistence.CreateRunParams{
		TaskSessionID:    "sess-1",
		RuntimeMode:      persistence.RuntimeModeIntake,
		ClientRequestKey: "req-abc",
	})
	if err != nil {
		t.Fatalf("create duplicate: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same run for duplicate key, got %s and %s", first.ID, second.ID)
	}

	// The same key in another session creates a distinct run.
	other, err := store.CreateRun(ctx, persistence.CreateRunParams{
		TaskSessionID:    "sess-2",
		RuntimeMode:      persistence.RuntimeModeIntake,
		ClientRequestKey: "req-abc",
	})
	if err != nil {
		t.Fatalf("create in other session: %v", err)
	}
	if other.ID == first.ID {
		t.Fatal("expected a new run in a different session")
	}
}

func TestGetRun_NotFound(t *testing.T) {
	store, _ := openTestStore(t)
	if _, err := store.GetRun(context.Background(), "missing"); !errors.Is(err, persistence.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestClaimNextRun_FIFOAndLease(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	first := createTestRun(t, store, "sess-1")
	second := createTestRun(t, store, "sess-1")

	claimed, err := store.ClaimNextRun(ctx, "worker-a", testLease)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != first.ID {
		t.Fatalf("expected oldest run %s first, got %+v", first.ID, claimed)
	}
	if claimed.State != persistence.RunStateRunning {
		t.Fatalf("expected running, got %s", claimed.State)
	}
	if claimed.LeaseOwner != "worker-a" {
		t.Fatalf("expected lease owner worker-a, got %q", claimed.LeaseOwner)
	}
	if claimed.LeaseExpiresAt == nil || !claimed.LeaseExpiresAt.After(time.Now().UTC()) {
		t.Fatalf("expected a future lease expiry, got %v", claimed.LeaseExpiresAt)
	}
	if claimed.StartedAt == nil {
		t.Fatal("expected started_at set on first claim")
	}

	next, err := store.ClaimNextRun(ctx, "worker-b", testLease)
	if err != nil {
		t.Fatalf("claim second: %v", err)
	}
	if next == nil || next.ID != second.ID {
		t.Fatalf("expected second run %s, got %+v", second.ID, next)
	}

	empty, err := store.ClaimNextRun(ctx, "worker-c", testLease)
	if err != nil {
		t.Fatalf("claim empty: %v", err)
	}
	if empty != nil {
		t.Fatalf("expected empty queue, got %+v", empty)
	}
}

func TestClaimNextRun_SingleWinnerUnderContention(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, store, "sess-1")

	const workers = 8
	type result struct {
		worker string
		run    *persistence.Run
		err    error
	}
	results := make(chan result, workers)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		workerID := string(rune('a' + i))
		go func() {
			<-start
			claimed, err := store.ClaimNextRun(ctx, workerID, testLease)
			results <- result{worker: workerID, run: claimed, err: err}
		}()
	}
	close(start)

	var winners []result
	for i := 0; i < workers; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("claim from worker %s: %v", r.worker, r.err)
		}
		if r.run != nil {
			winners = append(winners, r)
		}
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(winners))
	}
	if winners[0].run.ID != run.ID || winners[0].run.LeaseOwner != winners[0].worker {
		t.Fatalf("winner holds wrong lease: %+v claimed by %s", winners[0].run, winners[0].worker)
	}
}

func TestClaimNextRun_SkipsHeldLeases(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, store, "sess-1")
	if _, err := store.ClaimNextRun(ctx, "worker-a", testLease); err != nil {
		t.Fatalf("claim: %v", err)
	}

	again, err := store.ClaimNextRun(ctx, "worker-b", testLease)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if again != nil {
		t.Fatalf("run %s already claimed; second claim should come up empty", run.ID)
	}
}

func TestHeartbeatLease(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, store, "sess-1")
	claimed, err := store.ClaimNextRun(ctx, "worker-a", testLease)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v", err)
	}

	ok, err := store.HeartbeatLease(ctx, run.ID, "worker-a", testLease)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !ok {
		t.Fatal("expected heartbeat from owner to succeed")
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.LeaseExpiresAt == nil || !got.LeaseExpiresAt.After(*claimed.LeaseExpiresAt) && !got.LeaseExpiresAt.Equal(*claimed.LeaseExpiresAt) {
		t.Fatalf("expected lease extended, had %v now %v", claimed.LeaseExpiresAt, got.LeaseExpiresAt)
	}

	ok, err = store.HeartbeatLease(ctx, run.ID, "worker-b", testLease)
	if err != nil {
		t.Fatalf("heartbeat wrong owner: %v", err)
	}
	if ok {
		t.Fatal("expected heartbeat from non-owner to be rejected")
	}
}

func TestHeartbeatLease_KeepsCancelRequestedAlive(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, store, "sess-1")
	if _, err := store.ClaimNextRun(ctx, "worker-a", testLease); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.RequestCancel(ctx, run.ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}

	ok, err := store.HeartbeatLease(ctx, run.ID, "worker-a", testLease)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !ok {
		t.Fatal("expected heartbeat to succeed while winding down a cancel")
	}
}

func TestMarkCompleted_OwnerGuard(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, store, "sess-1")
	if _, err := store.ClaimNextRun(ctx, "worker-a", testLease); err != nil {
		t.Fatalf("claim: %v", err)
	}

	ok, err := store.MarkCompleted(ctx, run.ID, "worker-b")
	if err != nil {
		t.Fatalf("mark completed wrong owner: %v", err)
	}
	if ok {
		t.Fatal("expected non-owner completion to be rejected")
	}

	ok, err = store.MarkCompleted(ctx, run.ID, "worker-a")
	if err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if !ok {
		t.Fatal("expected owner completion to succeed")
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.State != persistence.RunStateCompleted {
		t.Fatalf("expected completed, got %s", got.State)
	}
	if got.FinishedAt == nil {
		t.Fatal("expected finished_at set")
	}
	if got.LeaseOwner != "" || got.LeaseExpiresAt != nil {
		t.Fatalf("expected lease cleared, got owner=%q expires=%v", got.LeaseOwner, got.LeaseExpiresAt)
	}

	// Finalizing twice is a no-op: the lease is gone.
	ok, err = store.MarkCompleted(ctx, run.ID, "worker-a")
	if err != nil {
		t.Fatalf("mark completed again: %v", err)
	}
	if ok {
		t.Fatal("expected second completion to be rejected")
	}
}

func TestMarkFailed_RecordsError(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, store, "sess-1")
	if _, err := store.ClaimNextRun(ctx, "worker-a", testLease); err != nil {
		t.Fatalf("claim: %v", err)
	}
	ok, err := store.MarkFailed(ctx, run.ID, "worker-a", "EXECUTOR_ERROR", "boom")
	if err != nil || !ok {
		t.Fatalf("mark failed: ok=%v err=%v", ok, err)
	}
	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.State != persistence.RunStateFailed {
		t.Fatalf("expected failed, got %s", got.State)
	}
	if got.ErrorCode != "EXECUTOR_ERROR" || got.ErrorMessage != "boom" {
		t.Fatalf("expected error recorded, got code=%q msg=%q", got.ErrorCode, got.ErrorMessage)
	}
}

func TestRequestCancel_QueuedCancelsImmediately(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, store, "sess-1")
	got, err := store.RequestCancel(ctx, run.ID)
	if err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	if got.State != persistence.RunStateCanceled {
		t.Fatalf("expected canceled, got %s", got.State)
	}
	if got.CanceledAt == nil || got.FinishedAt == nil {
		t.Fatal("expected canceled_at and finished_at set")
	}

	// A canceled run never reaches a worker.
	claimed, err := store.ClaimNextRun(ctx, "worker-a", testLease)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Fatalf("expected nothing claimable, got %+v", claimed)
	}
}

func TestRequestCancel_RunningSetsFlagAndKeepsLease(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, store, "sess-1")
	if _, err := store.ClaimNextRun(ctx, "worker-a", testLease); err != nil {
		t.Fatalf("claim: %v", err)
	}

	got, err := store.RequestCancel(ctx, run.ID)
	if err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	if got.State != persistence.RunStateCancelRequested {
		t.Fatalf("expected cancel_requested, got %s", got.State)
	}
	if got.CancelRequestedAt == nil {
		t.Fatal("expected cancel_requested_at set")
	}
	if got.LeaseOwner != "worker-a" {
		t.Fatalf("expected lease kept for wind-down, got owner %q", got.LeaseOwner)
	}

	flagged, err := store.IsCancelRequested(ctx, run.ID)
	if err != nil {
		t.Fatalf("is cancel requested: %v", err)
	}
	if !flagged {
		t.Fatal("expected cancel flag visible to worker")
	}

	// Worker acknowledges.
	ok, err := store.MarkCanceled(ctx, run.ID, "worker-a")
	if err != nil || !ok {
		t.Fatalf("mark canceled: ok=%v err=%v", ok, err)
	}
	final, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if final.State != persistence.RunStateCanceled {
		t.Fatalf("expected canceled, got %s", final.State)
	}
}

func TestRequestCancel_IsIdempotent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, store, "sess-1")
	if _, err := store.ClaimNextRun(ctx, "worker-a", testLease); err != nil {
		t.Fatalf("claim: %v", err)
	}
	first, err := store.RequestCancel(ctx, run.ID)
	if err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	second, err := store.RequestCancel(ctx, run.ID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if second.State != first.State {
		t.Fatalf("expected state unchanged, got %s then %s", first.State, second.State)
	}
	if !first.CancelRequestedAt.Equal(*second.CancelRequestedAt) {
		t.Fatalf("expected cancel_requested_at unchanged, got %v then %v",
			first.CancelRequestedAt, second.CancelRequestedAt)
	}
}

func TestRequestCancel_TerminalUnchanged(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, store, "sess-1")
	if _, err := store.ClaimNextRun(ctx, "worker-a", testLease); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok, err := store.MarkCompleted(ctx, run.ID, "worker-a"); err != nil || !ok {
		t.Fatalf("mark completed: ok=%v err=%v", ok, err)
	}

	got, err := store.RequestCancel(ctx, run.ID)
	if err != nil {
		t.Fatalf("cancel terminal: %v", err)
	}
	if got.State != persistence.RunStateCompleted {
		t.Fatalf("expected completed unchanged, got %s", got.State)
	}
}

func TestRequestCancel_NotFound(t *testing.T) {
	store, _ := openTestStore(t)
	if _, err := store.RequestCancel(context.Background(), "missing"); !errors.Is(err, persistence.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestMarkCompleted_AfterCancelRequestWins(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, store, "sess-1")
	if _, err := store.ClaimNextRun(ctx, "worker-a", testLease); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.RequestCancel(ctx, run.ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}

	// The worker finished real work before noticing the cancel flag.
	ok, err := store.MarkCompleted(ctx, run.ID, "worker-a")
	if err != nil || !ok {
		t.Fatalf("mark completed: ok=%v err=%v", ok, err)
	}
	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.State != persistence.RunStateCompleted {
		t.Fatalf("expected completed, got %s", got.State)
	}
}

func TestRequeueExpiredRuns_RequeuesWithBudget(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, store, "sess-1")
	if _, err := store.ClaimNextRun(ctx, "worker-a", testLease); err != nil {
		t.Fatalf("claim: %v", err)
	}
	expireLease(t, store.DB(), run.ID)

	requeued, err := store.RequeueExpiredRuns(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if requeued != 1 {
		t.Fatalf("expected 1 requeued, got %d", requeued)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.State != persistence.RunStateQueued {
		t.Fatalf("expected queued after sweep, got %s", got.State)
	}
	if got.Attempt != 1 {
		t.Fatalf("expected attempt incremented to 1, got %d", got.Attempt)
	}
	if got.LeaseOwner != "" || got.LeaseExpiresAt != nil {
		t.Fatalf("expected lease cleared, got owner=%q expires=%v", got.LeaseOwner, got.LeaseExpiresAt)
	}

	// Stale worker can no longer write results.
	ok, err := store.MarkCompleted(ctx, run.ID, "worker-a")
	if err != nil {
		t.Fatalf("stale completion: %v", err)
	}
	if ok {
		t.Fatal("expected stale worker's completion to be rejected after requeue")
	}
}

func TestRequeueExpiredRuns_DeadAfterBudgetExhausted(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, store, "sess-1")
	for i := 0; i < persistence.DefaultMaxAttempts; i++ {
		claimed, err := store.ClaimNextRun(ctx, "worker-a", testLease)
		if err != nil {
			t.Fatalf("claim attempt %d: %v", i, err)
		}
		if claimed == nil {
			t.Fatalf("expected claimable run on attempt %d", i)
		}
		expireLease(t, store.DB(), run.ID)
		if _, err := store.RequeueExpiredRuns(ctx, time.Now().UTC()); err != nil {
			t.Fatalf("sweep attempt %d: %v", i, err)
		}
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.State != persistence.RunStateDead {
		t.Fatalf("expected dead after %d expiries, got %s (attempt %d)",
			persistence.DefaultMaxAttempts, got.State, got.Attempt)
	}
	if got.ErrorCode != "LEASE_EXPIRED" {
		t.Fatalf("expected LEASE_EXPIRED error code, got %q", got.ErrorCode)
	}
	if got.FinishedAt == nil {
		t.Fatal("expected finished_at set on dead run")
	}
}

func TestRequeueExpiredRuns_CancelRequestedBecomesCanceled(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, store, "sess-1")
	if _, err := store.ClaimNextRun(ctx, "worker-a", testLease); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.RequestCancel(ctx, run.ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	expireLease(t, store.DB(), run.ID)

	if _, err := store.RequeueExpiredRuns(ctx, time.Now().UTC()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.State != persistence.RunStateCanceled {
		t.Fatalf("expected canceled after dead-worker sweep, got %s", got.State)
	}
}

func TestRequeueExpiredRuns_IgnoresLiveLeases(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, store, "sess-1")
	if _, err := store.ClaimNextRun(ctx, "worker-a", testLease); err != nil {
		t.Fatalf("claim: %v", err)
	}

	requeued, err := store.RequeueExpiredRuns(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if requeued != 0 {
		t.Fatalf("expected no requeues for live lease, got %d", requeued)
	}
	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.State != persistence.RunStateRunning {
		t.Fatalf("expected still running, got %s", got.State)
	}
}

func TestListRunsBySession_NewestFirst(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	a := createTestRun(t, store, "sess-1")
	b := createTestRun(t, store, "sess-1")
	_ = createTestRun(t, store, "sess-2")

	runs, err := store.ListRunsBySession(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].CreatedAt.Before(runs[1].CreatedAt) {
		t.Fatalf("expected newest first, got %v before %v", runs[0].CreatedAt, runs[1].CreatedAt)
	}
	ids := map[string]bool{runs[0].ID: true, runs[1].ID: true}
	if !ids[a.ID] || !ids[b.ID] {
		t.Fatalf("expected runs %s and %s, got %v", a.ID, b.ID, ids)
	}
}

func TestCountsByState(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	_ = createTestRun(t, store, "sess-1")
	running := createTestRun(t, store, "sess-1")
	if _, err := store.ClaimNextRun(ctx, "worker-a", testLease); err != nil {
		t.Fatalf("claim: %v", err)
	}
	expireLease(t, store.DB(), running.ID)

	counts, err := store.CountsByState(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Queued != 1 || counts.Running != 1 {
		t.Fatalf("expected 1 queued and 1 running, got %+v", counts)
	}
	if counts.ExpiredLeases != 1 {
		t.Fatalf("expected 1 expired lease, got %d", counts.ExpiredLeases)
	}
}

func TestPruneTerminalRuns(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, store, "sess-1")
	if _, err := store.ClaimNextRun(ctx, "worker-a", testLease); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok, err := store.MarkCompleted(ctx, run.ID, "worker-a"); err != nil || !ok {
		t.Fatalf("mark completed: ok=%v err=%v", ok, err)
	}
	if _, err := store.AppendEvent(ctx, persistence.AppendEventParams{
		RunID: run.ID, EventType: "run.completed",
	}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	keep := createTestRun(t, store, "sess-1")

	pruned, err := store.PruneTerminalRuns(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned, got %d", pruned)
	}
	if _, err := store.GetRun(ctx, run.ID); !errors.Is(err, persistence.ErrRunNotFound) {
		t.Fatalf("expected pruned run gone, got %v", err)
	}
	if _, err := store.GetRun(ctx, keep.ID); err != nil {
		t.Fatalf("expected queued run untouched: %v", err)
	}
	events, err := store.ListEventsAfter(ctx, run.ID, 0, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected event log pruned with the run, got %d events", len(events))
	}
}
