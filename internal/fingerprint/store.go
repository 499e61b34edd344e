// Package fingerprint persists the last-known tracked.Fingerprint for
// each tracked.Tracked name across runs, and decides whether a dependency
// has changed since it was last saved.
//
// This is the durable half of the skip-pass: internal/workflow asks the
// Store whether each of a candidate task's dependencies/targets compares
// equal to what was saved last time, and only then decides to skip.
package fingerprint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"taskloom/internal/tracked"
)

// Store looks up, saves, and deletes fingerprints by tracked name.
type Store interface {
	// Lookup returns the last-saved Fingerprint for name, or nil if none
	// is recorded.
	Lookup(name string) (tracked.Fingerprint, error)

	// LookupMany is a batch form of Lookup, in the same order as names.
	LookupMany(names []string) ([]tracked.Fingerprint, error)

	// Save persists fp as the current fingerprint for name, overwriting
	// any previous value.
	Save(name string, fp tracked.Fingerprint) error

	// SaveMany is a batch form of Save: either all pairs are saved or
	// none are (the underlying backend commits them as one transaction
	// where supported).
	SaveMany(names []string, fps []tracked.Fingerprint) error

	// Delete removes the saved fingerprint for name, if any.
	Delete(name string) error

	// DeleteMany is a batch form of Delete.
	DeleteMany(names []string) error

	// Keys returns every name with a saved fingerprint.
	Keys() ([]string, error)

	// Close releases any resources (open files, handles) held by the store.
	Close() error
}

// Changed reports whether current differs from the Fingerprint on record
// for name. An unseen name (no prior record) always reports changed.
func Changed(s Store, name string, current tracked.Fingerprint) (bool, error) {
	prior, err := s.Lookup(name)
	if err != nil {
		return false, fmt.Errorf("lookup fingerprint for %q: %w", name, err)
	}
	return !current.Equal(prior), nil
}

const (
	envBackendDir  = "TASKLOOM_BACKEND_DIR"
	localDBDirName = ".taskloom"
	dbSubdir       = "db"
)

// DiscoverDataDir resolves the directory a fingerprint Store should use,
// following the same override-then-fallback chain anadama2's
// backends.discover_data_directory uses:
//
//  1. $TASKLOOM_BACKEND_DIR, if set.
//  2. $HOME/.config/taskloom/db, if $HOME is set.
//  3. ./.taskloom/db, relative to the current working directory.
//  4. /tmp/taskloom/db, as a last resort.
//
// Each candidate is created if it doesn't already exist; a candidate that
// can't be created (permissions, read-only filesystem) is skipped in
// favor of the next one in the chain, with the failure written to stderr
// so a surprising fallback is never silent.
func DiscoverDataDir() string {
	if dir := os.Getenv(envBackendDir); dir != "" {
		if ok := tryDir(dir); ok {
			return dir
		}
	}
	if home := os.Getenv("HOME"); home != "" {
		dir := filepath.Join(home, ".config", "taskloom", dbSubdir)
		if ok := tryDir(dir); ok {
			return dir
		}
	}
	if wd, err := os.Getwd(); err == nil {
		dir := filepath.Join(wd, localDBDirName, dbSubdir)
		if ok := tryDir(dir); ok {
			return dir
		}
	}
	fallback := filepath.Join(string(os.PathSeparator), "tmp", "taskloom", dbSubdir)
	_ = os.MkdirAll(fallback, 0o755)
	return fallback
}

func tryDir(dir string) bool {
	if info, err := os.Stat(dir); err == nil {
		return info.IsDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "taskloom: unable to create fingerprint database directory %q: %v\n", dir, err)
		return false
	}
	return true
}

// encodeFingerprint/decodeFingerprint give every backend the same
// on-disk representation: a JSON array of strings, matching the
// LevelDB backend's json.dumps(decoded_val) wire format.
func encodeFingerprint(fp tracked.Fingerprint) ([]byte, error) {
	return json.Marshal(fp)
}

func decodeFingerprint(b []byte) (tracked.Fingerprint, error) {
	var fp tracked.Fingerprint
	if err := json.Unmarshal(b, &fp); err != nil {
		return nil, err
	}
	return fp, nil
}
