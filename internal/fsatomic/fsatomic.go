// Package fsatomic persists JSON documents with crash-safe semantics:
// write to a temp file, fsync, rename into place, fsync the directory.
// Readers never observe a partially written file.
package fsatomic

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// SaveJSON atomically writes v as pretty JSON to path. It writes to a
// uniquely named temp file in the same directory, fsyncs, renames into
// place, then fsyncs the parent directory. Temp names are unique so
// concurrent readers and writers never disturb a write in flight. On any
// error the temp file is removed. If perm is 0, 0600 is used.
func SaveJSON(path string, v any, perm fs.FileMode) error {
	if perm == 0 {
		perm = 0o600
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if err := f.Chmod(perm); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return fsyncDir(filepath.Dir(path))
}

// RemoveStaleTemps deletes temp files a crashed SaveJSON may have left
// beside path. Call it only while holding the WithLock lock for path, so
// a live writer's temp file is never removed.
func RemoveStaleTemps(path string) {
	matches, err := filepath.Glob(path + ".tmp-*")
	if err != nil {
		return
	}
	for _, m := range matches {
		_ = os.Remove(m)
	}
}

// LoadJSON loads JSON from path into v. Returns exists=false if the file
// is missing.
func LoadJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return true, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// ReadFile returns the raw bytes of path, with exists=false when missing.
func ReadFile(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// WithLock acquires an exclusive advisory lock (path+".lock") for the
// duration of fn. Do not hold locks longer than needed.
func WithLock(path string, fn func() error) error {
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	unlock, err := flockExclusive(path + ".lock")
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
