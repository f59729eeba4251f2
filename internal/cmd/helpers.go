package cmd

import (
	"fmt"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/trunkline-dev/trunkline/internal/config"
	"github.com/trunkline-dev/trunkline/internal/lock"
	"github.com/trunkline-dev/trunkline/internal/queue"
	"github.com/trunkline-dev/trunkline/internal/style"
	"github.com/trunkline-dev/trunkline/internal/workspace"
)

// newLockManager builds the workspace lock manager with configured timeouts.
func newLockManager(ws *workspace.Workspace, cfg *config.Config) *lock.Manager {
	return lock.NewManager(ws.LocksDir(),
		cfg.Scheduler.StoreLockTimeout.Std(),
		cfg.Scheduler.IntegrationLockTimeout.Std())
}

// openStore opens the configured queue store backend. The caller owns
// Close.
func openStore(ws *workspace.Workspace, cfg *config.Config, locks *lock.Manager) (queue.Store, error) {
	switch cfg.Store.Backend {
	case "", "file":
		return queue.NewFileStore(ws.QueueDir(), locks)
	case "postgres":
		if cfg.Store.DSN == "" {
			return nil, fmt.Errorf("store backend is postgres but store.dsn is empty")
		}
		return queue.NewPostgresStore(cfg.Store.DSN)
	}
	return nil, fmt.Errorf("unknown store backend %q (want file or postgres)", cfg.Store.Backend)
}

// resolveRequester picks the requester identity: explicit flag, then
// TL_REQUESTER, then the OS username.
func resolveRequester(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if v := os.Getenv("TL_REQUESTER"); v != "" {
		return v, nil
	}
	u, err := user.Current()
	if err != nil || u.Username == "" {
		return "", fmt.Errorf("cannot determine requester; pass --requester or set TL_REQUESTER")
	}
	return u.Username, nil
}

// requestTable renders requests in the shared list layout.
func requestTable(requests []*queue.Request) string {
	t := style.NewTable(
		style.Column{Name: "ID", Width: 24},
		style.Column{Name: "SOURCE", Width: 28},
		style.Column{Name: "TARGET", Width: 12},
		style.Column{Name: "STATE", Width: 18},
		style.Column{Name: "RETRY", Width: 5},
		style.Column{Name: "AGE", Width: 8},
	)
	now := time.Now()
	for _, r := range requests {
		t.AddRow(r.ID, r.SourceBranch, r.TargetBranch,
			style.State(r.State),
			fmt.Sprintf("%d", r.RetryCount),
			shortAge(now.Sub(r.SubmittedAt)))
	}
	return t.Render()
}

// printRequest writes the full detail view used by status.
func printRequest(r *queue.Request) {
	fmt.Printf("%s %s\n", style.Bold.Render(r.ID), style.State(r.State))
	fmt.Printf("  %s → %s (%s)\n", r.SourceBranch, r.TargetBranch, r.Strategy)
	fmt.Printf("  requester: %s\n", r.RequesterID)
	fmt.Printf("  submitted: %s\n", r.SubmittedAt.Format(time.RFC3339))
	if r.RetryCount > 0 {
		fmt.Printf("  retries:   %d\n", r.RetryCount)
	}
	if !r.NotBefore.IsZero() && r.NotBefore.After(time.Now()) {
		fmt.Printf("  held until: %s\n", r.NotBefore.Format(time.RFC3339))
	}
	if r.CancelRequested {
		fmt.Printf("  %s\n", style.Yellow.Render("cancel requested"))
	}
	if r.MergeCommit != "" {
		fmt.Printf("  merged as: %s\n", r.MergeCommit)
	}
	if r.CompletedAt != nil {
		fmt.Printf("  completed: %s\n", r.CompletedAt.Format(time.RFC3339))
	}
	if r.LastError != "" {
		fmt.Printf("  last error: %s\n", style.Red.Render(r.LastError))
	}
	if len(r.ConflictFiles) > 0 {
		fmt.Printf("  conflicts:\n")
		for _, f := range r.ConflictFiles {
			fmt.Printf("    %s\n", f)
		}
	}
}

// shortAge formats a duration as a compact single unit, e.g. "3m" or "2d".
func shortAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// validBranchRef rejects obviously malformed branch arguments before
// they reach git.
func validBranchRef(name string) error {
	if name == "" {
		return fmt.Errorf("branch name is empty")
	}
	if strings.HasPrefix(name, "-") || strings.ContainsAny(name, " \t~^:?*[\\") {
		return fmt.Errorf("invalid branch name %q", name)
	}
	return nil
}
