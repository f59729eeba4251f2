package git

import (
	"context"
	"fmt"
	"strings"
)

// MergeMode selects how a source branch is integrated into the target.
type MergeMode string

const (
	MergeCommit     MergeMode = "merge_commit"
	Squash          MergeMode = "squash"
	FastForwardOnly MergeMode = "fast_forward_only"
)

// ConflictError reports that a real merge hit conflicts. The simulation
// should have caught this, but the trunk can move between check and merge.
type ConflictError struct {
	Files []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("merge conflicts in %d file(s): %s", len(e.Files), strings.Join(e.Files, ", "))
}

// PerformMerge integrates source into target using mode and pushes the
// result. It returns the new target tip. On any failure after the local
// merge, the target branch is reset to the remote tracking ref so the
// worktree never holds unpublished state.
func (g *Git) PerformMerge(ctx context.Context, source, target string, mode MergeMode) (string, error) {
	if err := g.Checkout(ctx, target); err != nil {
		return "", err
	}
	if err := g.Pull(ctx, target); err != nil {
		return "", err
	}

	var err error
	switch mode {
	case FastForwardOnly:
		_, err = g.run(ctx, "merge", "--ff-only", source)
	case Squash:
		err = g.mergeSquash(ctx, source, target)
	case MergeCommit, "":
		msg := fmt.Sprintf("Merge branch '%s' into %s", source, target)
		_, err = g.run(ctx, "merge", "--no-ff", "-m", msg, source)
	default:
		return "", fmt.Errorf("unknown merge mode %q", mode)
	}
	if err != nil {
		if files, cfErr := g.ConflictingFiles(ctx); cfErr == nil && len(files) > 0 {
			_ = g.AbortMerge(ctx)
			return "", &ConflictError{Files: files}
		}
		g.rollback(ctx, target)
		return "", err
	}

	commit, err := g.Tip(ctx, "HEAD")
	if err != nil {
		g.rollback(ctx, target)
		return "", err
	}
	if err := g.Push(ctx, target); err != nil {
		g.rollback(ctx, target)
		return "", err
	}
	return commit, nil
}

func (g *Git) mergeSquash(ctx context.Context, source, target string) error {
	if _, err := g.run(ctx, "merge", "--squash", source); err != nil {
		return err
	}
	msg, err := g.BranchCommitMessage(ctx, source)
	if err != nil || strings.TrimSpace(msg) == "" {
		msg = fmt.Sprintf("Squash merge branch '%s' into %s", source, target)
	}
	_, err = g.run(ctx, "commit", "-m", msg)
	return err
}

// rollback discards an unpublished local merge by resetting target to
// the remote tracking ref. Best effort: the next integration pulls
// --ff-only and will surface any residue.
func (g *Git) rollback(ctx context.Context, target string) {
	_ = g.ResetHard(ctx, g.remote+"/"+target)
}
