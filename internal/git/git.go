// Package git wraps the git CLI operations the coordinator needs: tip
// lookups, merge simulation, and the real integration. All methods run
// against a dedicated coordination worktree so no worker's checkout is
// ever touched.
package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// Git executes git commands in a fixed working directory.
type Git struct {
	workDir string
	remote  string
}

// NewGit creates a Git rooted at workDir, pushing and fetching via remote.
// An empty remote defaults to origin.
func NewGit(workDir, remote string) *Git {
	if remote == "" {
		remote = "origin"
	}
	return &Git{workDir: workDir, remote: remote}
}

// WorkDir returns the working directory git commands run in.
func (g *Git) WorkDir() string { return g.workDir }

// Remote returns the configured remote name.
func (g *Git) Remote() string { return g.remote }

// run executes git with args and returns trimmed combined output. Errors
// include the git output, which carries the actual diagnosis.
func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.workDir
	out, err := cmd.CombinedOutput()
	trimmed := strings.TrimSpace(string(out))
	if err != nil {
		if ctx.Err() != nil {
			return trimmed, ctx.Err()
		}
		return trimmed, fmt.Errorf("git %s: %w: %s", args[0], err, trimmed)
	}
	return trimmed, nil
}

// IsRepo reports whether the work dir is inside a git repository.
func (g *Git) IsRepo() bool {
	_, err := g.run(context.Background(), "rev-parse", "--git-dir")
	return err == nil
}

// Fetch updates the remote tracking ref for branch.
func (g *Git) Fetch(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "fetch", g.remote, branch)
	return err
}

// Tip resolves a ref to its commit ID.
func (g *Git) Tip(ctx context.Context, ref string) (string, error) {
	return g.run(ctx, "rev-parse", "--verify", ref+"^{commit}")
}

// BranchExists reports whether a local branch exists.
func (g *Git) BranchExists(ctx context.Context, branch string) (bool, error) {
	_, err := g.run(ctx, "rev-parse", "--verify", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return false, nil
}

// CommonAncestor returns the merge base of a and b.
func (g *Git) CommonAncestor(ctx context.Context, a, b string) (string, error) {
	return g.run(ctx, "merge-base", a, b)
}

// SimulateResult is the outcome of a merge simulation.
type SimulateResult struct {
	Clean bool
	Tree  string   // merged tree OID when clean
	Files []string // sorted conflicting paths when not clean
}

// SimulateMerge performs a three-way merge of ours and theirs entirely
// in the object database via merge-tree. It never touches the working
// tree or index, so it is safe to run while anything else is in flight.
func (g *Git) SimulateMerge(ctx context.Context, ours, theirs string) (*SimulateResult, error) {
	cmd := exec.CommandContext(ctx, "git", "merge-tree", "--write-tree", "--name-only", ours, theirs)
	cmd.Dir = g.workDir
	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	if err != nil {
		var exitErr *exec.ExitError
		// merge-tree exits 1 for content conflicts; anything else is a
		// real failure (missing ref, corrupt repo).
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
			return nil, fmt.Errorf("git merge-tree: %w: %s", err, strings.TrimSpace(string(out)))
		}
		return &SimulateResult{Clean: false, Files: parseConflictedPaths(lines)}, nil
	}
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("git merge-tree: empty output")
	}
	return &SimulateResult{Clean: true, Tree: lines[0]}, nil
}

// parseConflictedPaths extracts the conflicted file list from merge-tree
// --name-only output: the OID line, then one path per line, then a blank
// line followed by informational messages.
func parseConflictedPaths(lines []string) []string {
	seen := make(map[string]bool)
	var files []string
	for i, line := range lines {
		if i == 0 {
			continue // tree OID
		}
		if line == "" {
			break // informational section follows
		}
		if !seen[line] {
			seen[line] = true
			files = append(files, line)
		}
	}
	sort.Strings(files)
	return files
}

// Checkout switches the coordination worktree to branch.
func (g *Git) Checkout(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "checkout", branch)
	return err
}

// Pull fast-forwards the current branch from the remote.
func (g *Git) Pull(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "pull", "--ff-only", g.remote, branch)
	return err
}

// Push publishes branch to the remote.
func (g *Git) Push(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "push", g.remote, branch)
	return err
}

// ResetHard resets the current branch to ref, discarding local commits.
// Used to undo a local merge after a failed push.
func (g *Git) ResetHard(ctx context.Context, ref string) error {
	_, err := g.run(ctx, "reset", "--hard", ref)
	return err
}

// AbortMerge aborts an in-progress merge.
func (g *Git) AbortMerge(ctx context.Context) error {
	_, err := g.run(ctx, "merge", "--abort")
	return err
}

// ConflictingFiles lists paths with unresolved conflicts in the worktree.
func (g *Git) ConflictingFiles(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	files := strings.Split(out, "\n")
	sort.Strings(files)
	return files, nil
}

// BranchCommitMessage returns the full message of the branch tip commit,
// used to preserve the original message on squash merges.
func (g *Git) BranchCommitMessage(ctx context.Context, branch string) (string, error) {
	return g.run(ctx, "log", "-1", "--format=%B", branch)
}
