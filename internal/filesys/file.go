// Package filesys provides the atomic-write and JSON-codec primitives the
// rest of the agent builds its crash-safe on-disk caches on top of.
package filesys

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

var sanitizePattern = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeFilename replaces any codepoint outside [A-Za-z0-9._-] with an
// underscore, so arbitrary cache keys can be used as filenames.
func SanitizeFilename(name string) string {
	return sanitizePattern.ReplaceAllString(name, "_")
}

// Exists reports whether a path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// EnsureDir creates dir (and parents) if it doesn't already exist.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// WriteBytesAtomic writes data to path by writing to a sibling temp file,
// fsyncing it, then renaming it over the target. This guarantees that a
// crash mid-write never leaves a partially-written file at path.
func WriteBytesAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := EnsureDir(dir); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	// best-effort cleanup if something below fails before the rename
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to fsync temp file %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file %s: %w", tmpPath, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to chmod temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", tmpPath, path, err)
	}
	return nil
}

// WriteJSON marshals v and writes it to path, replacing any existing file
// (callers check existence via Exists beforehand when they need a Duplicate
// error; see storage.Cache).
func WriteJSON(path string, v interface{}, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal json for %s: %w", path, err)
	}
	return WriteBytesAtomic(path, data, perm)
}

// ReadJSON reads and unmarshals the file at path into a new T.
func ReadJSON[T any](path string) (T, error) {
	var zero T
	data, err := os.ReadFile(path)
	if err != nil {
		return zero, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return zero, fmt.Errorf("failed to unmarshal json from %s: %w", path, err)
	}
	return v, nil
}

// Delete removes path. It is idempotent: a missing file is not an error.
func Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

// ListFiles returns the base names of regular files directly inside dir. A
// missing dir yields an empty slice, not an error.
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list directory %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
