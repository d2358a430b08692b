package fetch

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// headBytes is how much of a download the block detector gets to see.
const headBytes = 64 << 10

func (o *Orchestrator) scratchFile() (string, error) {
	f, err := os.CreateTemp(o.cfg.CacheDir, "attempt-*.part")
	if err != nil {
		return "", fmt.Errorf("create scratch file: %w", err)
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("close scratch file: %w", err)
	}
	return name, nil
}

// promote moves a finished download to its destination, copying when a rename
// is not possible (for example across filesystems).
func promote(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open scratch file: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy to destination: %w", err)
	}
	return out.Close()
}

func readHead(name string) []byte {
	f, err := os.Open(name)
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()
	buf, _ := io.ReadAll(io.LimitReader(f, headBytes))
	return buf
}
