package util

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome expands a leading ~/ to the user's home directory. Paths
// without the prefix, and ~user/ forms, are returned unchanged, as is
// the input when the home directory cannot be determined.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/"))
}

// ResolveAgainst expands path and anchors it: absolute and ~/ paths
// stand alone, relative paths resolve against base.
func ResolveAgainst(base, path string) string {
	p := ExpandHome(path)
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}
