// Package workspace locates and lays out the .trunkline directory that
// anchors a coordination workspace.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/trunkline-dev/trunkline/internal/config"
	"github.com/trunkline-dev/trunkline/internal/util"
)

// MarkerDir is the directory whose presence marks a workspace root.
const MarkerDir = ".trunkline"

// ErrNotFound means no workspace root exists at or above the start dir.
var ErrNotFound = fmt.Errorf("no %s directory found (run 'tl init' first)", MarkerDir)

// Workspace is a resolved workspace root and its well-known paths.
type Workspace struct {
	Root string
}

// Find walks up from startDir looking for the marker directory.
func Find(startDir string) (*Workspace, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}
	for {
		info, err := os.Stat(filepath.Join(dir, MarkerDir))
		if err == nil && info.IsDir() {
			return &Workspace{Root: dir}, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, ErrNotFound
		}
		dir = parent
	}
}

// FindFromCwd resolves the workspace containing the current directory.
func FindFromCwd() (*Workspace, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return Find(cwd)
}

// Init creates the workspace skeleton under root and writes a default
// config. It fails if the workspace already exists.
func Init(root string, cfg *config.Config) (*Workspace, error) {
	ws := &Workspace{Root: root}
	if _, err := os.Stat(ws.Dir()); err == nil {
		return nil, fmt.Errorf("%s already exists in %s", MarkerDir, root)
	}
	for _, dir := range []string{ws.QueueDir(), ws.LocksDir(), ws.EventsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Save(ws.ConfigPath()); err != nil {
		return nil, err
	}
	return ws, nil
}

// Dir returns the .trunkline directory.
func (w *Workspace) Dir() string { return filepath.Join(w.Root, MarkerDir) }

// ConfigPath returns the config.toml location.
func (w *Workspace) ConfigPath() string { return filepath.Join(w.Dir(), "config.toml") }

// QueueDir holds one JSON file per integration request.
func (w *Workspace) QueueDir() string { return filepath.Join(w.Dir(), "queue") }

// LocksDir holds the store and integration lock files.
func (w *Workspace) LocksDir() string { return filepath.Join(w.Dir(), "locks") }

// EventsDir holds the audit log.
func (w *Workspace) EventsDir() string { return filepath.Join(w.Dir(), "events") }

// AuditLogPath returns the JSONL audit log location.
func (w *Workspace) AuditLogPath() string { return filepath.Join(w.EventsDir(), "audit.jsonl") }

// LoadConfig reads the workspace config, falling back to defaults.
func (w *Workspace) LoadConfig() (*config.Config, error) {
	return config.Load(w.ConfigPath())
}

// RepoPath resolves the configured repository path against the root.
func (w *Workspace) RepoPath(cfg *config.Config) string {
	return util.ResolveAgainst(w.Root, cfg.RepoPath)
}
