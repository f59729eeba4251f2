package conflict

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/trunkline-dev/trunkline/internal/git"
)

// fakeRepo implements Repo with overridable behavior per test.
type fakeRepo struct {
	fetch        func(ctx context.Context, branch string) error
	branchExists func(ctx context.Context, branch string) (bool, error)
	tip          func(ctx context.Context, ref string) (string, error)
	simulate     func(ctx context.Context, ours, theirs string) (*git.SimulateResult, error)
}

func (f *fakeRepo) Fetch(ctx context.Context, branch string) error {
	if f.fetch != nil {
		return f.fetch(ctx, branch)
	}
	return nil
}

func (f *fakeRepo) BranchExists(ctx context.Context, branch string) (bool, error) {
	if f.branchExists != nil {
		return f.branchExists(ctx, branch)
	}
	return true, nil
}

func (f *fakeRepo) Tip(ctx context.Context, ref string) (string, error) {
	if f.tip != nil {
		return f.tip(ctx, ref)
	}
	return "deadbeef", nil
}

func (f *fakeRepo) SimulateMerge(ctx context.Context, ours, theirs string) (*git.SimulateResult, error) {
	if f.simulate != nil {
		return f.simulate(ctx, ours, theirs)
	}
	return &git.SimulateResult{Clean: true, Tree: "tree0"}, nil
}

func TestCheckClean(t *testing.T) {
	det := NewDetector(&fakeRepo{})
	res, err := det.Check(context.Background(), "feature", "main")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Verdict != Clean {
		t.Errorf("Verdict = %s, want clean", res.Verdict)
	}
	if res.TargetTip != "deadbeef" {
		t.Errorf("TargetTip = %s, want deadbeef", res.TargetTip)
	}
}

func TestCheckConflicted(t *testing.T) {
	repo := &fakeRepo{
		simulate: func(ctx context.Context, ours, theirs string) (*git.SimulateResult, error) {
			return &git.SimulateResult{Clean: false, Files: []string{"a.txt", "b.txt"}}, nil
		},
	}
	res, err := NewDetector(repo).Check(context.Background(), "feature", "main")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Verdict != Conflicted {
		t.Errorf("Verdict = %s, want conflicted", res.Verdict)
	}
	if len(res.Files) != 2 {
		t.Errorf("Files = %v, want two entries", res.Files)
	}
}

func TestCheckFetchFailureIsIndeterminate(t *testing.T) {
	repo := &fakeRepo{
		fetch: func(ctx context.Context, branch string) error {
			return fmt.Errorf("remote unreachable")
		},
	}
	res, err := NewDetector(repo).Check(context.Background(), "feature", "main")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Verdict != Indeterminate {
		t.Errorf("Verdict = %s, want indeterminate", res.Verdict)
	}
	if !strings.Contains(res.Reason, "remote unreachable") {
		t.Errorf("Reason = %q, want fetch cause", res.Reason)
	}
}

func TestCheckTimeoutIsIndeterminate(t *testing.T) {
	repo := &fakeRepo{
		simulate: func(ctx context.Context, ours, theirs string) (*git.SimulateResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	det := NewDetector(repo, WithoutFetch(), WithTimeout(20*time.Millisecond))
	res, err := det.Check(context.Background(), "feature", "main")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Verdict != Indeterminate {
		t.Errorf("Verdict = %s, want indeterminate", res.Verdict)
	}
	if !strings.Contains(res.Reason, "timed out") {
		t.Errorf("Reason = %q, want timeout cause", res.Reason)
	}
}

func TestCheckMissingBranch(t *testing.T) {
	repo := &fakeRepo{
		branchExists: func(ctx context.Context, branch string) (bool, error) {
			return false, nil
		},
	}
	_, err := NewDetector(repo, WithoutFetch()).Check(context.Background(), "gone", "main")
	var missing *BranchMissingError
	if !errors.As(err, &missing) {
		t.Fatalf("expected BranchMissingError, got %v", err)
	}
	if missing.Branch != "gone" {
		t.Errorf("Branch = %q, want gone", missing.Branch)
	}
}

func TestCheckCallerCancelPropagates(t *testing.T) {
	repo := &fakeRepo{
		simulate: func(ctx context.Context, ours, theirs string) (*git.SimulateResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := NewDetector(repo, WithoutFetch()).Check(ctx, "feature", "main")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestCheckUsesFreshTargetTip(t *testing.T) {
	// The tip reported must come from after the fetch, so a trunk that
	// moved while the request waited is checked against its real state.
	fetched := false
	repo := &fakeRepo{
		fetch: func(ctx context.Context, branch string) error {
			fetched = true
			return nil
		},
		tip: func(ctx context.Context, ref string) (string, error) {
			if !fetched {
				return "stale", nil
			}
			return "fresh", nil
		},
	}
	res, err := NewDetector(repo).Check(context.Background(), "feature", "main")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.TargetTip != "fresh" {
		t.Errorf("TargetTip = %s, want fresh", res.TargetTip)
	}
}
