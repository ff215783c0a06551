// Package store provides the crash-safe persistence substrate every
// in-process container (tasks, jobs, runs, merge queue, alerts) builds on:
// temp-write-then-rename to disk, and a generic typed collection on top.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// EnsureDir creates path and all parents if they don't already exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o750)
}

// EnsureParentDir creates the parent directory of filePath.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}

// AtomicWrite writes data to filePath via a temp file in the same directory
// followed by a rename, so a crash mid-write never leaves a partially
// written file at filePath. Safe across the rename-target's filesystem
// boundary cases renameio guards against (e.g. overlayfs, tmpfs-over-disk).
func AtomicWrite(filePath string, data []byte, perm os.FileMode) error {
	if err := EnsureParentDir(filePath); err != nil {
		return err
	}
	return renameio.WriteFile(filePath, data, perm)
}

// ReadFileOrEmpty reads path, returning (nil, nil) if it does not exist.
// Every collection load is built on this so a fresh deployment's ENOENT
// just starts from an empty map rather than failing.
func ReadFileOrEmpty(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// MarshalJSONIndent marshals v as indented JSON with a trailing newline.
func MarshalJSONIndent(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
