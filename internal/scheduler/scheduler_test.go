package scheduler

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/trunkline-dev/trunkline/internal/conflict"
	"github.com/trunkline-dev/trunkline/internal/events"
	"github.com/trunkline-dev/trunkline/internal/git"
	"github.com/trunkline-dev/trunkline/internal/lock"
	"github.com/trunkline-dev/trunkline/internal/queue"
)

type fakeDetector struct {
	check func(ctx context.Context, source, target string) (*conflict.Result, error)
}

func (f *fakeDetector) Check(ctx context.Context, source, target string) (*conflict.Result, error) {
	if f.check != nil {
		return f.check(ctx, source, target)
	}
	return &conflict.Result{Verdict: conflict.Clean, TargetTip: "tip"}, nil
}

type fakeMerger struct {
	perform func(ctx context.Context, source, target string, mode git.MergeMode) (string, error)
	merged  []string
}

func (f *fakeMerger) PerformMerge(ctx context.Context, source, target string, mode git.MergeMode) (string, error) {
	if f.perform != nil {
		return f.perform(ctx, source, target, mode)
	}
	f.merged = append(f.merged, source)
	return "commit-" + source, nil
}

type fixture struct {
	sched  *Scheduler
	store  *queue.FileStore
	locks  *lock.Manager
	merger *fakeMerger
	clock  *time.Time
}

func newFixture(t *testing.T, det Detector, merger *fakeMerger) *fixture {
	t.Helper()
	tmp := t.TempDir()
	locks := lock.NewManager(filepath.Join(tmp, "locks"), time.Second, 200*time.Millisecond)
	store, err := queue.NewFileStore(filepath.Join(tmp, "queue"), locks)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if det == nil {
		det = &fakeDetector{}
	}
	if merger == nil {
		merger = &fakeMerger{}
	}
	cfg := Config{
		MaxRetries:         3,
		BackoffBase:        5 * time.Second,
		IndeterminateDelay: 2 * time.Second,
		PollInterval:       10 * time.Millisecond,
	}
	sched := New(store, det, merger, locks, nil, cfg)
	sched.SetOutput(io.Discard)

	clock := time.Now().UTC()
	f := &fixture{sched: sched, store: store, locks: locks, merger: merger, clock: &clock}
	sched.now = func() time.Time { return *f.clock }
	return f
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func (f *fixture) mustState(t *testing.T, id string, want queue.State) *queue.Request {
	t.Helper()
	req, err := f.store.Get(id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	if req.State != want {
		t.Fatalf("state of %s = %s, want %s", id, req.State, want)
	}
	return req
}

func TestCleanRequestMerges(t *testing.T) {
	f := newFixture(t, nil, nil)
	req, _ := f.store.Enqueue("feature-1", "main", "agent-7", queue.StrategyMergeCommit)

	worked, err := f.sched.ProcessNext(context.Background())
	if err != nil || !worked {
		t.Fatalf("ProcessNext = %v, %v", worked, err)
	}
	got := f.mustState(t, req.ID, queue.StateMerged)
	if got.MergeCommit != "commit-feature-1" {
		t.Errorf("MergeCommit = %q", got.MergeCommit)
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt")
	}
}

func TestRequestsProcessedInSubmissionOrder(t *testing.T) {
	f := newFixture(t, nil, nil)
	// Submission order must hold even when the second branch sorts
	// lexically first.
	f.store.Enqueue("zzz-late-name", "main", "a", queue.StrategyMergeCommit)
	time.Sleep(2 * time.Millisecond)
	f.store.Enqueue("aaa-early-name", "main", "a", queue.StrategyMergeCommit)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if worked, err := f.sched.ProcessNext(ctx); err != nil || !worked {
			t.Fatalf("ProcessNext #%d = %v, %v", i, worked, err)
		}
	}
	if len(f.merger.merged) != 2 || f.merger.merged[0] != "zzz-late-name" {
		t.Errorf("merge order = %v, want submission order", f.merger.merged)
	}
}

func TestConflictSchedulesRetryWithDoublingBackoff(t *testing.T) {
	det := &fakeDetector{
		check: func(ctx context.Context, source, target string) (*conflict.Result, error) {
			return &conflict.Result{Verdict: conflict.Conflicted, Files: []string{"a.txt"}}, nil
		},
	}
	f := newFixture(t, det, nil)
	req, _ := f.store.Enqueue("feature-1", "main", "a", queue.StrategyMergeCommit)
	ctx := context.Background()
	submitted := req.SubmittedAt

	// First conflict: retry 1, eligible after the base backoff.
	if _, err := f.sched.ProcessNext(ctx); err != nil {
		t.Fatal(err)
	}
	got := f.mustState(t, req.ID, queue.StateConflictDetected)
	if got.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", got.RetryCount)
	}
	if want := f.clock.Add(5 * time.Second); !got.NotBefore.Equal(want) {
		t.Errorf("NotBefore = %v, want %v", got.NotBefore, want)
	}
	if len(got.ConflictFiles) != 1 {
		t.Errorf("ConflictFiles = %v", got.ConflictFiles)
	}

	// Not yet requeued before the backoff elapses.
	if n, _ := f.sched.RequeueReady(); n != 0 {
		t.Errorf("RequeueReady before backoff = %d, want 0", n)
	}

	// Second conflict: delay doubles.
	f.advance(5 * time.Second)
	if n, _ := f.sched.RequeueReady(); n != 1 {
		t.Errorf("RequeueReady = %d, want 1", n)
	}
	if _, err := f.sched.ProcessNext(ctx); err != nil {
		t.Fatal(err)
	}
	got = f.mustState(t, req.ID, queue.StateConflictDetected)
	if got.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", got.RetryCount)
	}
	if want := f.clock.Add(10 * time.Second); !got.NotBefore.Equal(want) {
		t.Errorf("NotBefore = %v, want %v", got.NotBefore, want)
	}
	// A retried request keeps its original submission time.
	if !got.SubmittedAt.Equal(submitted) {
		t.Errorf("SubmittedAt changed across retries")
	}
}

func TestRetryBudgetExhaustedParksForHuman(t *testing.T) {
	det := &fakeDetector{
		check: func(ctx context.Context, source, target string) (*conflict.Result, error) {
			return &conflict.Result{Verdict: conflict.Conflicted, Files: []string{"a.txt"}}, nil
		},
	}
	f := newFixture(t, det, nil)
	req, _ := f.store.Enqueue("feature-1", "main", "a", queue.StrategyMergeCommit)
	ctx := context.Background()

	// The third conflicting check brings the count to the max and
	// parks the request; no fourth check is ever granted.
	for i := 0; i < 3; i++ {
		f.advance(time.Hour)
		if _, err := f.sched.RequeueReady(); err != nil {
			t.Fatal(err)
		}
		if _, err := f.sched.ProcessNext(ctx); err != nil {
			t.Fatal(err)
		}
	}
	got := f.mustState(t, req.ID, queue.StateManualRequired)
	if got.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", got.RetryCount)
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt on terminal state")
	}

	// Parked means parked: no amount of waiting requeues it.
	f.advance(24 * time.Hour)
	if n, _ := f.sched.RequeueReady(); n != 0 {
		t.Errorf("RequeueReady after parking = %d, want 0", n)
	}
	if worked, _ := f.sched.ProcessNext(ctx); worked {
		t.Error("ProcessNext found work after parking")
	}
}

func TestConflictAtLastRetryParksImmediately(t *testing.T) {
	det := &fakeDetector{
		check: func(ctx context.Context, source, target string) (*conflict.Result, error) {
			return &conflict.Result{Verdict: conflict.Conflicted, Files: []string{"a.txt"}}, nil
		},
	}
	f := newFixture(t, det, nil)
	req, _ := f.store.Enqueue("feature-1", "main", "a", queue.StrategyMergeCommit)
	ctx := context.Background()

	// Walk the request to retry count max-1 through the store, as if
	// two earlier checks had already conflicted.
	two := 2
	if _, err := f.store.UpdateState(req.ID, queue.StateConflictCheck, queue.Update{}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.UpdateState(req.ID, queue.StateConflictDetected, queue.Update{RetryCount: &two}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.UpdateState(req.ID, queue.StateQueued, queue.Update{}); err != nil {
		t.Fatal(err)
	}

	// One more conflict reaches the max of 3: straight to
	// MANUAL_REQUIRED, no further requeue.
	if _, err := f.sched.ProcessNext(ctx); err != nil {
		t.Fatal(err)
	}
	got := f.mustState(t, req.ID, queue.StateManualRequired)
	if got.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", got.RetryCount)
	}
	if len(got.ConflictFiles) != 1 {
		t.Errorf("ConflictFiles = %v, want the final check's files", got.ConflictFiles)
	}
	f.advance(24 * time.Hour)
	if n, _ := f.sched.RequeueReady(); n != 0 {
		t.Errorf("RequeueReady after parking = %d, want 0", n)
	}
}

func TestIndeterminateRequeuesWithoutPenalty(t *testing.T) {
	calls := 0
	det := &fakeDetector{
		check: func(ctx context.Context, source, target string) (*conflict.Result, error) {
			calls++
			if calls == 1 {
				return &conflict.Result{Verdict: conflict.Indeterminate, Reason: "conflict check timed out after 10s"}, nil
			}
			return &conflict.Result{Verdict: conflict.Clean}, nil
		},
	}
	f := newFixture(t, det, nil)
	req, _ := f.store.Enqueue("feature-1", "main", "a", queue.StrategyMergeCommit)
	ctx := context.Background()

	if _, err := f.sched.ProcessNext(ctx); err != nil {
		t.Fatal(err)
	}
	got := f.mustState(t, req.ID, queue.StateQueued)
	if got.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0 (no penalty)", got.RetryCount)
	}
	if !got.SubmittedAt.Equal(req.SubmittedAt) {
		t.Error("SubmittedAt changed on indeterminate requeue")
	}
	if want := f.clock.Add(2 * time.Second); !got.NotBefore.Equal(want) {
		t.Errorf("NotBefore = %v, want short fixed delay %v", got.NotBefore, want)
	}

	// Not eligible until the delay passes.
	if worked, _ := f.sched.ProcessNext(ctx); worked {
		t.Error("request picked up before its delay elapsed")
	}
	f.advance(3 * time.Second)
	if worked, err := f.sched.ProcessNext(ctx); err != nil || !worked {
		t.Fatalf("ProcessNext after delay = %v, %v", worked, err)
	}
	f.mustState(t, req.ID, queue.StateMerged)
}

func TestIndeterminateRequeueKeepsQueuePosition(t *testing.T) {
	calls := 0
	det := &fakeDetector{
		check: func(ctx context.Context, source, target string) (*conflict.Result, error) {
			calls++
			if calls == 1 {
				return &conflict.Result{Verdict: conflict.Indeterminate, Reason: "remote unreachable"}, nil
			}
			return &conflict.Result{Verdict: conflict.Clean}, nil
		},
	}
	f := newFixture(t, det, nil)
	f.store.Enqueue("first", "main", "a", queue.StrategyMergeCommit)
	time.Sleep(2 * time.Millisecond)
	f.store.Enqueue("second", "main", "a", queue.StrategyMergeCommit)
	ctx := context.Background()

	// First pass: "first" bounces as indeterminate.
	if _, err := f.sched.ProcessNext(ctx); err != nil {
		t.Fatal(err)
	}
	// Past the delay, "first" must still merge before "second".
	f.advance(time.Minute)
	for i := 0; i < 2; i++ {
		if _, err := f.sched.ProcessNext(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if len(f.merger.merged) != 2 || f.merger.merged[0] != "first" {
		t.Errorf("merge order = %v, want [first second]", f.merger.merged)
	}
}

func TestCancelDuringCheckIsHonored(t *testing.T) {
	f := newFixture(t, nil, nil)
	req, _ := f.store.Enqueue("feature-1", "main", "agent-7", queue.StrategyMergeCommit)

	det := &fakeDetector{
		check: func(ctx context.Context, source, target string) (*conflict.Result, error) {
			// Requester cancels while the check is in flight.
			if _, err := f.store.Cancel(req.ID, "agent-7"); err != nil {
				t.Errorf("Cancel: %v", err)
			}
			return &conflict.Result{Verdict: conflict.Clean}, nil
		},
	}
	f.sched.detector = det

	if _, err := f.sched.ProcessNext(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.mustState(t, req.ID, queue.StateCanceled)
	if len(f.merger.merged) != 0 {
		t.Error("canceled request must not merge")
	}
}

func TestMissingBranchParksForHuman(t *testing.T) {
	det := &fakeDetector{
		check: func(ctx context.Context, source, target string) (*conflict.Result, error) {
			return nil, &conflict.BranchMissingError{Branch: source}
		},
	}
	f := newFixture(t, det, nil)
	req, _ := f.store.Enqueue("gone", "main", "a", queue.StrategyMergeCommit)

	if _, err := f.sched.ProcessNext(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := f.mustState(t, req.ID, queue.StateManualRequired)
	if got.LastError == "" {
		t.Error("expected LastError to name the missing branch")
	}
}

func TestRealMergeConflictFailsWithoutRetry(t *testing.T) {
	merger := &fakeMerger{
		perform: func(ctx context.Context, source, target string, mode git.MergeMode) (string, error) {
			return "", &git.ConflictError{Files: []string{"raced.txt"}}
		},
	}
	f := newFixture(t, nil, merger)
	req, _ := f.store.Enqueue("feature-1", "main", "a", queue.StrategyMergeCommit)

	if _, err := f.sched.ProcessNext(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := f.mustState(t, req.ID, queue.StateFailed)
	if got.RetryCount != 0 {
		t.Errorf("RetryCount = %d; real-merge failures are never retried", got.RetryCount)
	}
	if len(got.ConflictFiles) != 1 || got.ConflictFiles[0] != "raced.txt" {
		t.Errorf("ConflictFiles = %v", got.ConflictFiles)
	}
}

func TestMergeErrorFails(t *testing.T) {
	merger := &fakeMerger{
		perform: func(ctx context.Context, source, target string, mode git.MergeMode) (string, error) {
			return "", fmt.Errorf("push rejected")
		},
	}
	f := newFixture(t, nil, merger)
	req, _ := f.store.Enqueue("feature-1", "main", "a", queue.StrategyMergeCommit)

	if _, err := f.sched.ProcessNext(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := f.mustState(t, req.ID, queue.StateFailed)
	if got.LastError != "push rejected" {
		t.Errorf("LastError = %q", got.LastError)
	}
}

func TestRecoverStale(t *testing.T) {
	f := newFixture(t, nil, nil)

	checking, _ := f.store.Enqueue("feature-1", "main", "a", queue.StrategyMergeCommit)
	f.store.UpdateState(checking.ID, queue.StateConflictCheck, queue.Update{})

	merging, _ := f.store.Enqueue("feature-2", "main", "a", queue.StrategyMergeCommit)
	f.store.UpdateState(merging.ID, queue.StateConflictCheck, queue.Update{})
	f.store.UpdateState(merging.ID, queue.StateMerging, queue.Update{})

	if err := f.sched.RecoverStale(); err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}
	f.mustState(t, checking.ID, queue.StateQueued)
	failed := f.mustState(t, merging.ID, queue.StateFailed)
	if failed.LastError == "" {
		t.Error("expected explanatory LastError on interrupted merge")
	}
}

func TestIntegrationLockBusyRequeues(t *testing.T) {
	f := newFixture(t, nil, nil)
	req, _ := f.store.Enqueue("feature-1", "main", "a", queue.StrategyMergeCommit)

	// Hold the integration lock so the merge slot is unavailable.
	token, err := f.locks.AcquireIntegrationLock(context.Background())
	if err != nil {
		t.Fatalf("AcquireIntegrationLock: %v", err)
	}
	defer token.Release()

	if _, err := f.sched.ProcessNext(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := f.mustState(t, req.ID, queue.StateQueued)
	if got.NotBefore.IsZero() {
		t.Error("expected a requeue delay while the lock is busy")
	}
	if len(f.merger.merged) != 0 {
		t.Error("must not merge without the integration lock")
	}
}

func TestMergedEventPublished(t *testing.T) {
	bus := events.NewBus(10)
	ch, unsub := bus.Subscribe()
	defer unsub()

	f := newFixture(t, nil, nil)
	f.sched.recorder = events.NewRecorder(bus, nil)
	f.store.Enqueue("feature-1", "main", "a", queue.StrategyMergeCommit)

	if _, err := f.sched.ProcessNext(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(time.Second)
	var seen []events.Type
	for {
		select {
		case ev := <-ch:
			seen = append(seen, ev.Type)
			if ev.Type == events.TypeMerged {
				return
			}
		case <-deadline:
			t.Fatalf("no merged event; saw %v", seen)
		}
	}
}

func TestRunDrainsQueueAndStops(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.sched.now = time.Now // Run uses real pacing
	req, _ := f.store.Enqueue("feature-1", "main", "a", queue.StrategyMergeCommit)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx, f.store.Dir()) }()

	deadline := time.After(5 * time.Second)
	for {
		got, err := f.store.Get(req.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.State == queue.StateMerged {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("request never merged; state %s", got.State)
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
