// Package fsutil holds the durable file primitives shared by the fact log,
// the payload store and the cache generation pointers.
//
// Every write goes temp file → fsync → rename → fsync(dir), so a reader either
// sees the previous complete file or the new complete file, never a torn one.
package fsutil

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// TempPattern marks in-flight files. Readers must skip names containing it.
const TempPattern = ".tmp."

// WriteFileAtomic replaces path with data durably.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return writeAtomic(path, perm, nil, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// BeforeRenameHook is invoked after the temp file is synced and closed but
// before it is renamed into place. A non-nil error aborts the write and leaves
// the temp file on disk, which is how tests simulate a crash mid-write.
type BeforeRenameHook func(tmpName string) error

// WriteAtomicStream is WriteFileAtomic with a streaming producer and an
// optional hook.
func WriteAtomicStream(path string, perm os.FileMode, hook BeforeRenameHook, produce func(io.Writer) error) error {
	return writeAtomic(path, perm, hook, produce)
}

func writeAtomic(path string, perm os.FileMode, hook BeforeRenameHook, produce func(io.Writer) error) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, base+TempPattern+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	crashed := false
	defer func() {
		_ = tmp.Close()
		if !committed && !crashed {
			_ = os.Remove(tmpName)
		}
	}()

	if err := produce(tmp); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if hook != nil {
		if err := hook(tmpName); err != nil {
			crashed = true
			return err
		}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return SyncDir(dir)
}

// SyncDir fsyncs a directory so a completed rename survives power loss.
func SyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}

// IsTemp reports whether name is an in-flight temp file.
func IsTemp(name string) bool {
	return strings.Contains(filepath.Base(name), TempPattern)
}

// FileSHA256 hashes a file's bytes.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return HashReader(f)
}
