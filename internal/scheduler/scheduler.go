// Package scheduler owns request processing: it drains the queue in
// FIFO order, runs conflict checks, and executes real merges under the
// integration lock. Exactly one scheduler should run per workspace; the
// store and integration locks keep a second instance from doing harm.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/trunkline-dev/trunkline/internal/conflict"
	"github.com/trunkline-dev/trunkline/internal/events"
	"github.com/trunkline-dev/trunkline/internal/git"
	"github.com/trunkline-dev/trunkline/internal/lock"
	"github.com/trunkline-dev/trunkline/internal/queue"
)

// Detector produces merge verdicts without touching the working tree.
type Detector interface {
	Check(ctx context.Context, source, target string) (*conflict.Result, error)
}

// Merger executes the real integration.
type Merger interface {
	PerformMerge(ctx context.Context, source, target string, mode git.MergeMode) (string, error)
}

// Config tunes retry and pacing behavior.
type Config struct {
	// MaxRetries bounds the conflict retry count. When the count
	// reaches it, the request is parked for a human.
	MaxRetries int
	// BackoffBase is the first retry delay; it doubles per retry.
	BackoffBase time.Duration
	// IndeterminateDelay is the requeue delay after a check with no
	// verdict. It carries no retry penalty.
	IndeterminateDelay time.Duration
	// PollInterval bounds the idle sleep between queue scans.
	PollInterval time.Duration
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:         3,
		BackoffBase:        5 * time.Second,
		IndeterminateDelay: 2 * time.Second,
		PollInterval:       2 * time.Second,
	}
}

// Scheduler processes integration requests one at a time.
type Scheduler struct {
	store    queue.Store
	detector Detector
	merger   Merger
	locks    *lock.Manager
	recorder *events.Recorder
	cfg      Config

	output io.Writer

	// now is a test seam.
	now func() time.Time
}

// New wires a scheduler. recorder may be nil.
func New(store queue.Store, detector Detector, merger Merger, locks *lock.Manager, recorder *events.Recorder, cfg Config) *Scheduler {
	if cfg.MaxRetries == 0 && cfg.BackoffBase == 0 {
		cfg = DefaultConfig()
	}
	return &Scheduler{
		store:    store,
		detector: detector,
		merger:   merger,
		locks:    locks,
		recorder: recorder,
		cfg:      cfg,
		output:   os.Stdout,
		now:      time.Now,
	}
}

// SetOutput redirects progress logging (for tests).
func (s *Scheduler) SetOutput(w io.Writer) {
	s.output = w
}

func (s *Scheduler) logf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.output, "[Scheduler] "+format+"\n", args...)
}

// backoffDelay returns the wait before conflict retry n (1-based):
// the first retry waits the base delay, each further retry doubles it.
func (s *Scheduler) backoffDelay(retry int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 1; i < retry; i++ {
		d *= 2
	}
	return d
}

// RequeueReady moves CONFLICT_DETECTED requests whose backoff has
// elapsed back to QUEUED. Returns how many were requeued.
func (s *Scheduler) RequeueReady() (int, error) {
	held, err := s.store.List(queue.StateConflictDetected)
	if err != nil {
		return 0, err
	}
	now := s.now()
	moved := 0
	for _, req := range held {
		if now.Before(req.NotBefore) {
			continue
		}
		if _, err := s.store.UpdateState(req.ID, queue.StateQueued, queue.Update{}); err != nil {
			// Raced with a cancel; nothing to do.
			var invalid *queue.InvalidTransitionError
			if errors.As(err, &invalid) || errors.Is(err, queue.ErrNotFound) {
				continue
			}
			return moved, err
		}
		moved++
		s.logf("requeued %s after conflict backoff (retry %d)", req.ID, req.RetryCount)
		s.recorder.Emit(events.TypeRequeued, req.ID, map[string]any{"retry_count": req.RetryCount})
	}
	return moved, nil
}

// ProcessNext handles the oldest eligible request. It reports whether
// any request was picked up.
func (s *Scheduler) ProcessNext(ctx context.Context) (bool, error) {
	req, err := s.store.PeekNext(s.now())
	if err != nil {
		return false, err
	}
	if req == nil {
		return false, nil
	}
	return true, s.process(ctx, req)
}

func (s *Scheduler) process(ctx context.Context, req *queue.Request) error {
	req, err := s.store.UpdateState(req.ID, queue.StateConflictCheck, queue.Update{})
	if err != nil {
		// Canceled or claimed since the peek; move on.
		var invalid *queue.InvalidTransitionError
		if errors.As(err, &invalid) || errors.Is(err, queue.ErrNotFound) {
			return nil
		}
		return err
	}
	if req.CancelRequested {
		return s.finishCanceled(req)
	}

	s.logf("checking %s: %s -> %s", req.ID, req.SourceBranch, req.TargetBranch)
	s.recorder.Emit(events.TypeCheckStarted, req.ID, map[string]any{
		"source": req.SourceBranch, "target": req.TargetBranch,
	})

	res, err := s.detector.Check(ctx, req.SourceBranch, req.TargetBranch)
	if err != nil {
		var missing *conflict.BranchMissingError
		if errors.As(err, &missing) {
			return s.parkMissingBranch(req, missing)
		}
		// Shutdown mid-check: put the request back untouched.
		if ctx.Err() != nil {
			_, _ = s.store.UpdateState(req.ID, queue.StateQueued, queue.Update{})
			return err
		}
		return err
	}

	s.recorder.Emit(events.TypeCheckCompleted, req.ID, map[string]any{"verdict": string(res.Verdict)})

	// A cancel may have arrived while the check ran.
	if fresh, err := s.store.Get(req.ID); err == nil && fresh.CancelRequested {
		return s.finishCanceled(fresh)
	}

	switch res.Verdict {
	case conflict.Indeterminate:
		return s.requeueIndeterminate(req, res.Reason)
	case conflict.Conflicted:
		return s.holdConflicted(req, res.Files)
	case conflict.Clean:
		return s.merge(ctx, req)
	default:
		return fmt.Errorf("request %s: unknown verdict %q", req.ID, res.Verdict)
	}
}

// finishCanceled honors a cancel recorded while the request was in
// flight.
func (s *Scheduler) finishCanceled(req *queue.Request) error {
	now := s.now().UTC()
	if _, err := s.store.UpdateState(req.ID, queue.StateCanceled, queue.Update{CompletedAt: &now}); err != nil {
		return err
	}
	s.logf("canceled %s at requester's wish", req.ID)
	s.recorder.Emit(events.TypeCanceled, req.ID, nil)
	return nil
}

// parkMissingBranch retires a request whose source branch is gone.
// Retrying can never succeed, so it goes straight past the conflict
// states to MANUAL_REQUIRED.
func (s *Scheduler) parkMissingBranch(req *queue.Request, missing *conflict.BranchMissingError) error {
	reason := missing.Error()
	if _, err := s.store.UpdateState(req.ID, queue.StateConflictDetected, queue.Update{LastError: &reason}); err != nil {
		return err
	}
	now := s.now().UTC()
	if _, err := s.store.UpdateState(req.ID, queue.StateManualRequired, queue.Update{CompletedAt: &now}); err != nil {
		return err
	}
	s.logf("parked %s: %s", req.ID, reason)
	s.recorder.Emit(events.TypeManualRequired, req.ID, map[string]any{"reason": reason})
	return nil
}

// requeueIndeterminate puts the request back with a short fixed delay
// and no retry penalty.
func (s *Scheduler) requeueIndeterminate(req *queue.Request, reason string) error {
	notBefore := s.now().UTC().Add(s.cfg.IndeterminateDelay)
	_, err := s.store.UpdateState(req.ID, queue.StateQueued, queue.Update{
		LastError: &reason,
		NotBefore: &notBefore,
	})
	if err != nil {
		return err
	}
	s.logf("check for %s was indeterminate (%s); requeued without penalty", req.ID, reason)
	s.recorder.Emit(events.TypeRequeued, req.ID, map[string]any{"reason": reason, "penalty": false})
	return nil
}

// holdConflicted charges a retry and either schedules the next attempt
// or, with the budget spent, parks the request for a human.
func (s *Scheduler) holdConflicted(req *queue.Request, files []string) error {
	retry := req.RetryCount + 1
	lastErr := fmt.Sprintf("merge conflicts in %d file(s)", len(files))

	if retry >= s.cfg.MaxRetries {
		if _, err := s.store.UpdateState(req.ID, queue.StateConflictDetected, queue.Update{
			RetryCount:    &retry,
			LastError:     &lastErr,
			ConflictFiles: files,
		}); err != nil {
			return err
		}
		now := s.now().UTC()
		if _, err := s.store.UpdateState(req.ID, queue.StateManualRequired, queue.Update{CompletedAt: &now}); err != nil {
			return err
		}
		s.logf("%s exhausted %d retries; manual resolution required (files: %v)", req.ID, s.cfg.MaxRetries, files)
		s.recorder.Emit(events.TypeManualRequired, req.ID, map[string]any{"files": files})
		return nil
	}

	delay := s.backoffDelay(retry)
	notBefore := s.now().UTC().Add(delay)
	_, err := s.store.UpdateState(req.ID, queue.StateConflictDetected, queue.Update{
		RetryCount:    &retry,
		LastError:     &lastErr,
		ConflictFiles: files,
		NotBefore:     &notBefore,
	})
	if err != nil {
		return err
	}
	s.logf("%s conflicts with %s (%v); retry %d/%d in %s", req.ID, req.TargetBranch, files, retry, s.cfg.MaxRetries, delay)
	s.recorder.Emit(events.TypeConflictDetected, req.ID, map[string]any{
		"files": files, "retry_count": retry, "next_attempt": notBefore,
	})
	return nil
}

// merge executes the real integration under the integration lock.
func (s *Scheduler) merge(ctx context.Context, req *queue.Request) error {
	token, err := s.locks.AcquireIntegrationLock(ctx)
	if err != nil {
		if lock.IsTimeout(err) {
			// Another integration is running long. Go around again.
			return s.requeueIndeterminate(req, "integration lock busy")
		}
		_, _ = s.store.UpdateState(req.ID, queue.StateQueued, queue.Update{})
		return err
	}
	defer token.Release()

	req, err = s.store.UpdateState(req.ID, queue.StateMerging, queue.Update{})
	if err != nil {
		return err
	}
	s.logf("merging %s: %s -> %s (%s)", req.ID, req.SourceBranch, req.TargetBranch, req.Strategy)
	s.recorder.Emit(events.TypeMergeStarted, req.ID, map[string]any{"strategy": string(req.Strategy)})

	commit, mergeErr := s.merger.PerformMerge(ctx, req.SourceBranch, req.TargetBranch, git.MergeMode(req.Strategy))
	now := s.now().UTC()

	if mergeErr != nil {
		// If the requester canceled while the merge ran and the merge
		// did not land, the cancel wins over FAILED.
		if fresh, getErr := s.store.Get(req.ID); getErr == nil && fresh.CancelRequested {
			return s.finishCanceled(fresh)
		}
		lastErr := mergeErr.Error()
		upd := queue.Update{LastError: &lastErr, CompletedAt: &now}
		var conflictErr *git.ConflictError
		if errors.As(mergeErr, &conflictErr) {
			// The trunk moved between check and merge and now conflicts.
			// A clean verdict that failed to land is never retried
			// automatically; the requester rebases and resubmits.
			upd.ConflictFiles = conflictErr.Files
		}
		if _, err := s.store.UpdateState(req.ID, queue.StateFailed, upd); err != nil {
			return err
		}
		s.logf("merge of %s failed: %v", req.ID, mergeErr)
		s.recorder.Emit(events.TypeMergeFailed, req.ID, map[string]any{"error": lastErr})
		return nil
	}

	if _, err := s.store.UpdateState(req.ID, queue.StateMerged, queue.Update{
		MergeCommit: &commit,
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	s.logf("merged %s as %s", req.ID, commit)
	s.recorder.Emit(events.TypeMerged, req.ID, map[string]any{"commit": commit})
	return nil
}

// RecoverStale repairs requests stranded in transient states by a
// crashed coordinator. CONFLICT_CHECK work is simply redone; a merge
// interrupted mid-flight cannot be assumed unapplied, so it fails loudly
// for a human to verify the trunk.
func (s *Scheduler) RecoverStale() error {
	checks, err := s.store.List(queue.StateConflictCheck)
	if err != nil {
		return err
	}
	for _, req := range checks {
		if _, err := s.store.UpdateState(req.ID, queue.StateQueued, queue.Update{}); err != nil {
			return err
		}
		s.logf("recovered %s from interrupted conflict check", req.ID)
		s.recorder.Emit(events.TypeRequeued, req.ID, map[string]any{"reason": "interrupted conflict check"})
	}

	merging, err := s.store.List(queue.StateMerging)
	if err != nil {
		return err
	}
	for _, req := range merging {
		reason := "coordinator restarted during merge; verify trunk state before resubmitting"
		now := s.now().UTC()
		if _, err := s.store.UpdateState(req.ID, queue.StateFailed, queue.Update{
			LastError:   &reason,
			CompletedAt: &now,
		}); err != nil {
			return err
		}
		s.logf("marked %s failed: interrupted merge", req.ID)
		s.recorder.Emit(events.TypeMergeFailed, req.ID, map[string]any{"error": reason})
	}
	return nil
}
