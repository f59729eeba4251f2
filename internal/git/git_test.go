package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func mustGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func writeAndCommit(t *testing.T, dir, file, content, msg string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, file), []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", file, err)
	}
	mustGit(t, dir, "add", ".")
	mustGit(t, dir, "commit", "-m", msg)
}

// initTestRepo creates a bare "remote" plus a clone with an initial
// commit on main, mirroring the topology the coordinator runs against.
func initTestRepo(t *testing.T) (remote, clone string) {
	t.Helper()
	tmp := t.TempDir()
	remote = filepath.Join(tmp, "remote.git")
	clone = filepath.Join(tmp, "clone")

	mustGit(t, tmp, "init", "--bare", "-b", "main", remote)
	mustGit(t, tmp, "clone", remote, clone)
	mustGit(t, clone, "config", "user.email", "test@test.com")
	mustGit(t, clone, "config", "user.name", "Test User")
	writeAndCommit(t, clone, "README.md", "# Test\n", "initial")
	mustGit(t, clone, "push", "origin", "main")
	return remote, clone
}

// makeBranch creates a branch off main with one commit and returns to main.
func makeBranch(t *testing.T, dir, branch, file, content string) {
	t.Helper()
	mustGit(t, dir, "checkout", "-b", branch, "main")
	writeAndCommit(t, dir, file, content, "change on "+branch)
	mustGit(t, dir, "checkout", "main")
}

func TestIsRepo(t *testing.T) {
	dir := t.TempDir()
	g := NewGit(dir, "")
	if g.IsRepo() {
		t.Fatal("expected IsRepo to be false for empty dir")
	}
	mustGit(t, dir, "init")
	if !g.IsRepo() {
		t.Fatal("expected IsRepo to be true after git init")
	}
}

func TestTipAndCommonAncestor(t *testing.T) {
	_, clone := initTestRepo(t)
	g := NewGit(clone, "")
	ctx := context.Background()

	base, err := g.Tip(ctx, "main")
	if err != nil {
		t.Fatalf("Tip: %v", err)
	}
	makeBranch(t, clone, "feature", "a.txt", "a\n")

	ancestor, err := g.CommonAncestor(ctx, "feature", "main")
	if err != nil {
		t.Fatalf("CommonAncestor: %v", err)
	}
	if ancestor != base {
		t.Errorf("ancestor = %s, want %s", ancestor, base)
	}

	if _, err := g.Tip(ctx, "no-such-branch"); err == nil {
		t.Error("expected error for unknown ref")
	}
}

func TestBranchExists(t *testing.T) {
	_, clone := initTestRepo(t)
	g := NewGit(clone, "")
	ctx := context.Background()

	ok, err := g.BranchExists(ctx, "main")
	if err != nil || !ok {
		t.Errorf("BranchExists(main) = %v, %v; want true", ok, err)
	}
	ok, err = g.BranchExists(ctx, "nope")
	if err != nil || ok {
		t.Errorf("BranchExists(nope) = %v, %v; want false", ok, err)
	}
}

func TestSimulateMergeClean(t *testing.T) {
	_, clone := initTestRepo(t)
	g := NewGit(clone, "")
	makeBranch(t, clone, "feature", "a.txt", "a\n")

	res, err := g.SimulateMerge(context.Background(), "main", "feature")
	if err != nil {
		t.Fatalf("SimulateMerge: %v", err)
	}
	if !res.Clean {
		t.Fatalf("expected clean merge, got conflicts in %v", res.Files)
	}
	if res.Tree == "" {
		t.Error("expected merged tree OID")
	}

	// Simulation must not touch the worktree.
	if out := mustGit(t, clone, "status", "--porcelain"); out != "" {
		t.Errorf("worktree dirtied by simulation:\n%s", out)
	}
}

func TestSimulateMergeConflict(t *testing.T) {
	_, clone := initTestRepo(t)
	g := NewGit(clone, "")

	makeBranch(t, clone, "feature", "shared.txt", "feature side\n")
	writeAndCommit(t, clone, "shared.txt", "main side\n", "main change")

	res, err := g.SimulateMerge(context.Background(), "main", "feature")
	if err != nil {
		t.Fatalf("SimulateMerge: %v", err)
	}
	if res.Clean {
		t.Fatal("expected conflict")
	}
	if len(res.Files) != 1 || res.Files[0] != "shared.txt" {
		t.Errorf("Files = %v, want [shared.txt]", res.Files)
	}
	if out := mustGit(t, clone, "status", "--porcelain"); out != "" {
		t.Errorf("worktree dirtied by simulation:\n%s", out)
	}
}

func TestSimulateMergeUnknownRef(t *testing.T) {
	_, clone := initTestRepo(t)
	g := NewGit(clone, "")
	if _, err := g.SimulateMerge(context.Background(), "main", "no-such-branch"); err == nil {
		t.Fatal("expected error for unknown ref")
	}
}

func TestPerformMergeCommit(t *testing.T) {
	remote, clone := initTestRepo(t)
	g := NewGit(clone, "")
	makeBranch(t, clone, "feature", "a.txt", "a\n")

	commit, err := g.PerformMerge(context.Background(), "feature", "main", MergeCommit)
	if err != nil {
		t.Fatalf("PerformMerge: %v", err)
	}
	if commit == "" {
		t.Fatal("expected merge commit ID")
	}

	// The merge must be published.
	remoteTip := mustGit(t, remote, "rev-parse", "main")
	if remoteTip != commit {
		t.Errorf("remote tip = %s, want %s", remoteTip, commit)
	}
	subject := mustGit(t, clone, "log", "-1", "--format=%s", commit)
	if !strings.Contains(subject, "Merge branch 'feature'") {
		t.Errorf("unexpected merge subject %q", subject)
	}
}

func TestPerformMergeSquash(t *testing.T) {
	_, clone := initTestRepo(t)
	g := NewGit(clone, "")
	makeBranch(t, clone, "feature", "a.txt", "a\n")

	commit, err := g.PerformMerge(context.Background(), "feature", "main", Squash)
	if err != nil {
		t.Fatalf("PerformMerge: %v", err)
	}
	// Squash produces a single-parent commit carrying the branch message.
	parents := mustGit(t, clone, "rev-list", "--parents", "-1", commit)
	if len(strings.Fields(parents)) != 2 {
		t.Errorf("expected single parent, got %q", parents)
	}
	subject := mustGit(t, clone, "log", "-1", "--format=%s", commit)
	if subject != "change on feature" {
		t.Errorf("subject = %q, want branch commit message", subject)
	}
}

func TestPerformMergeFastForwardOnly(t *testing.T) {
	_, clone := initTestRepo(t)
	g := NewGit(clone, "")
	makeBranch(t, clone, "feature", "a.txt", "a\n")

	featureTip := mustGit(t, clone, "rev-parse", "feature")
	commit, err := g.PerformMerge(context.Background(), "feature", "main", FastForwardOnly)
	if err != nil {
		t.Fatalf("PerformMerge: %v", err)
	}
	if commit != featureTip {
		t.Errorf("fast-forward tip = %s, want %s", commit, featureTip)
	}
}

func TestPerformMergeFastForwardOnlyRejectsDivergence(t *testing.T) {
	remote, clone := initTestRepo(t)
	g := NewGit(clone, "")
	makeBranch(t, clone, "feature", "a.txt", "a\n")
	writeAndCommit(t, clone, "b.txt", "b\n", "main moved")
	mustGit(t, clone, "push", "origin", "main")
	before := mustGit(t, remote, "rev-parse", "main")

	if _, err := g.PerformMerge(context.Background(), "feature", "main", FastForwardOnly); err == nil {
		t.Fatal("expected fast-forward failure on diverged branches")
	}
	if after := mustGit(t, remote, "rev-parse", "main"); after != before {
		t.Errorf("remote main moved despite failed merge: %s -> %s", before, after)
	}
}

func TestPerformMergeConflictAbortsAndReportsFiles(t *testing.T) {
	remote, clone := initTestRepo(t)
	g := NewGit(clone, "")
	makeBranch(t, clone, "feature", "shared.txt", "feature side\n")
	writeAndCommit(t, clone, "shared.txt", "main side\n", "main change")
	mustGit(t, clone, "push", "origin", "main")
	before := mustGit(t, remote, "rev-parse", "main")

	_, err := g.PerformMerge(context.Background(), "feature", "main", MergeCommit)
	var conflictErr *ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if len(conflictErr.Files) != 1 || conflictErr.Files[0] != "shared.txt" {
		t.Errorf("Files = %v, want [shared.txt]", conflictErr.Files)
	}
	// The merge must be fully aborted and nothing published.
	if out := mustGit(t, clone, "status", "--porcelain"); out != "" {
		t.Errorf("worktree left dirty after aborted merge:\n%s", out)
	}
	if after := mustGit(t, remote, "rev-parse", "main"); after != before {
		t.Errorf("remote main moved despite conflict: %s -> %s", before, after)
	}
}

func TestParseConflictedPaths(t *testing.T) {
	lines := []string{
		"abc123",
		"b.txt",
		"a.txt",
		"a.txt",
		"",
		"Auto-merging a.txt",
	}
	got := parseConflictedPaths(lines)
	if len(got) != 2 || got[0] != "a.txt" || got[1] != "b.txt" {
		t.Errorf("parseConflictedPaths = %v, want [a.txt b.txt]", got)
	}
}
