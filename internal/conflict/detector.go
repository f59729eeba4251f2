// Package conflict decides whether a source branch would merge cleanly
// into the trunk, without mutating any working tree.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trunkline-dev/trunkline/internal/git"
)

// DefaultTimeout caps a single conflict check.
const DefaultTimeout = 10 * time.Second

// Verdict is the outcome of a conflict check.
type Verdict string

const (
	// Clean means the simulated merge produced no conflicts.
	Clean Verdict = "clean"
	// Conflicted means the simulation hit content conflicts.
	Conflicted Verdict = "conflicted"
	// Indeterminate means no verdict could be produced (timeout, fetch
	// failure). The request goes back to the queue without penalty.
	Indeterminate Verdict = "indeterminate"
)

// Result describes a completed check. TargetTip records the trunk
// commit the verdict was computed against.
type Result struct {
	Verdict   Verdict
	Files     []string // conflicting paths when Conflicted
	Reason    string   // human-readable cause when Indeterminate
	TargetTip string
}

// BranchMissingError means the source branch no longer exists, so the
// request can never merge.
type BranchMissingError struct {
	Branch string
}

func (e *BranchMissingError) Error() string {
	return fmt.Sprintf("branch %q does not exist", e.Branch)
}

// Repo is the subset of git operations a check needs.
type Repo interface {
	Fetch(ctx context.Context, branch string) error
	BranchExists(ctx context.Context, branch string) (bool, error)
	Tip(ctx context.Context, ref string) (string, error)
	SimulateMerge(ctx context.Context, ours, theirs string) (*git.SimulateResult, error)
}

// Detector runs merge simulations against a repository.
type Detector struct {
	repo    Repo
	timeout time.Duration
	// fetchFirst refreshes the target branch before simulating, so a
	// trunk that moved since enqueue is checked against its real tip.
	fetchFirst bool
}

// Option configures a Detector.
type Option func(*Detector)

// WithTimeout overrides the per-check timeout.
func WithTimeout(d time.Duration) Option {
	return func(det *Detector) { det.timeout = d }
}

// WithoutFetch disables the pre-check fetch, for repositories with no
// remote.
func WithoutFetch() Option {
	return func(det *Detector) { det.fetchFirst = false }
}

// NewDetector returns a Detector over repo.
func NewDetector(repo Repo, opts ...Option) *Detector {
	det := &Detector{repo: repo, timeout: DefaultTimeout, fetchFirst: true}
	for _, opt := range opts {
		opt(det)
	}
	return det
}

// Check simulates merging source into target and returns a verdict.
// The working tree is never modified. A check that exceeds the timeout
// or fails to reach the repository yields an Indeterminate result, not
// an error; errors are reserved for caller cancellation and for a
// source branch that no longer exists.
func (d *Detector) Check(ctx context.Context, source, target string) (*Result, error) {
	checkCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if d.fetchFirst {
		if err := d.repo.Fetch(checkCtx, target); err != nil {
			return d.indeterminate(ctx, err, fmt.Sprintf("fetching %s: %v", target, err))
		}
		// Best effort for the source: it may exist only locally.
		_ = d.repo.Fetch(checkCtx, source)
	}

	exists, err := d.repo.BranchExists(checkCtx, source)
	if err != nil {
		return d.indeterminate(ctx, err, fmt.Sprintf("resolving %s: %v", source, err))
	}
	if !exists {
		return nil, &BranchMissingError{Branch: source}
	}

	tip, err := d.repo.Tip(checkCtx, target)
	if err != nil {
		return d.indeterminate(ctx, err, fmt.Sprintf("resolving %s: %v", target, err))
	}

	sim, err := d.repo.SimulateMerge(checkCtx, target, source)
	if err != nil {
		return d.indeterminate(ctx, err, fmt.Sprintf("simulating merge: %v", err))
	}
	if sim.Clean {
		return &Result{Verdict: Clean, TargetTip: tip}, nil
	}
	return &Result{Verdict: Conflicted, Files: sim.Files, TargetTip: tip}, nil
}

// indeterminate maps a failed step to an Indeterminate result, unless
// the caller's own context ended, which propagates as an error.
func (d *Detector) indeterminate(ctx context.Context, cause error, reason string) (*Result, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = fmt.Sprintf("conflict check timed out after %s", d.timeout)
	}
	return &Result{Verdict: Indeterminate, Reason: reason}, nil
}
