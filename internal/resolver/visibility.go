package resolver

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Method is how a durable adapter is made visible locally.
type Method string

const (
	MethodLink Method = "link"
	MethodCopy Method = "copy"
)

// methodFor links safetensors files, which the backend only ever reads, and
// copies anything else.
func methodFor(name string) Method {
	if strings.EqualFold(filepath.Ext(name), ".safetensors") {
		return MethodLink
	}
	return MethodCopy
}

// Visibility creates dst from src. Implementations must return an error
// wrapping fs.ErrExist when dst already exists.
type Visibility interface {
	Establish(src, dst string, method Method) error
}

// FSVisibility establishes visibility with direct filesystem calls.
type FSVisibility struct{}

// Establish links or copies src to dst.
func (FSVisibility) Establish(src, dst string, method Method) error {
	switch method {
	case MethodLink:
		return os.Symlink(src, dst)
	case MethodCopy:
		return copyFile(src, dst)
	default:
		return fmt.Errorf("unknown visibility method %q", method)
	}
}

// copyFile copies through a temp file in dst's directory and renames it into
// place, so a reader never sees a partial file.
func copyFile(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("copy %s: %w", dst, fs.ErrExist)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("copy data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp: %w", err)
	}

	// os.Link fails with ErrExist if a concurrent copy already landed.
	err = os.Link(tmpName, dst)
	switch {
	case err == nil:
		cleanup()
		return nil
	case errors.Is(err, fs.ErrExist):
		cleanup()
		return fmt.Errorf("copy %s: %w", dst, fs.ErrExist)
	}
	// Filesystems without hard links fall back to rename, which replaces any
	// identical copy written concurrently.
	if err := os.Rename(tmpName, dst); err != nil {
		cleanup()
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
