// Package workspace validates the on-disk `.taskloom` directory that backs
// a project's recovery state (internal/recovery/state) and fingerprint
// store (internal/fingerprint).
//
// A workspace is "intact" when every entry directly under `.taskloom` is one
// this package recognizes; anything else is treated as corruption, since an
// unrecognized entry could be an interrupted write, a foreign tool, or a
// tampered directory, and resume must not trust any of those silently.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

const rootDirName = ".taskloom"

// recognizedEntries are the only names permitted directly under .taskloom.
var recognizedEntries = map[string]bool{
	"runs": true,
	"db":   true,
}

// Info describes the validated workspace location.
type Info struct {
	Root string // absolute path to .taskloom
}

// EnsureWorkspace creates the workspace root under projectRoot if absent,
// and validates it if present.
//
// projectRoot must be an absolute, existing directory; this mirrors the
// teacher's "no dependency on process CWD" determinism requirement for
// CLIInvocation.WorkDir.
func EnsureWorkspace(projectRoot string) (Info, error) {
	if projectRoot == "" {
		return Info{}, fmt.Errorf("workspace: project root is required")
	}
	if !filepath.IsAbs(projectRoot) {
		return Info{}, fmt.Errorf("workspace: project root must be absolute: %q", projectRoot)
	}
	root := filepath.Join(projectRoot, rootDirName)

	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(root, 0o755); err != nil {
				return Info{}, fmt.Errorf("workspace: creating %s: %w", root, err)
			}
			return Info{Root: root}, nil
		}
		return Info{}, fmt.Errorf("workspace: stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return Info{}, fmt.Errorf("workspace: %s exists and is not a directory", root)
	}

	if err := validateEntries(root); err != nil {
		return Info{}, err
	}
	return Info{Root: root}, nil
}

func validateEntries(root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("workspace: reading %s: %w", root, err)
	}
	for _, e := range entries {
		if !recognizedEntries[e.Name()] {
			return fmt.Errorf("workspace: unrecognized entry %q under %s (possible corruption)", e.Name(), root)
		}
	}
	return nil
}
