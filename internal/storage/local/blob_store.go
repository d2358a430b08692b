// Package local implements a blob store on the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where blobs are stored. It is created if missing.
	BaseDir string `mapstructure:"base_dir"`
	// SkipExisting keeps an object that is already present instead of
	// rewriting it. Safe when object names are content digests.
	SkipExisting bool `mapstructure:"skip_existing"`
}

// BlobStore writes artifacts below a base directory. Objects appear
// atomically: readers never observe a partially written file.
type BlobStore struct {
	baseDir      string
	skipExisting bool
}

// New creates the base directory if needed and checks that it is writable.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, errors.New("base directory is required")
	}
	base, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}

	info, err := os.Stat(base)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(base, 0o750); err != nil {
			return nil, fmt.Errorf("create base directory: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory %s is not a directory", base)
	}

	probe, err := os.CreateTemp(base, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	_ = probe.Close()
	if err := os.Remove(probe.Name()); err != nil {
		return nil, fmt.Errorf("remove write probe: %w", err)
	}

	return &BlobStore{baseDir: base, skipExisting: cfg.SkipExisting}, nil
}

// PutObject streams data to name below the base directory and returns a
// file:// URI. The bytes land in a temporary sibling first and are renamed
// into place once complete.
func (s *BlobStore) PutObject(ctx context.Context, name string, _ string, data io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("put object canceled: %w", err)
	}
	name = filepath.FromSlash(strings.TrimSpace(name))
	if name == "" {
		return "", errors.New("object name is required")
	}
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("object name %q escapes the base directory", name)
	}
	fullPath := filepath.Join(s.baseDir, name)
	uri := "file://" + fullPath

	if s.skipExisting {
		if info, err := os.Stat(fullPath); err == nil && info.Mode().IsRegular() {
			return uri, nil
		}
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := io.Copy(tmp, data); err != nil {
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return "", fmt.Errorf("commit object: %w", err)
	}
	committed = true
	return uri, nil
}
