package bus

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
)

// writeFileAtomic writes data to a temp file in dir and renames it into
// place at finalPath, so readers never observe a partially-written file.
// Mirrors the teacher's pattern of writing through a temp path before the
// rename that publishes a worktree/branch change.
func writeFileAtomic(dir, finalPath string, data []byte, perm os.FileMode) error {
	tmp := filepath.Join(dir, ".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := renameOrCopy(tmp, finalPath); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// renameOrCopy performs an atomic rename, falling back to copy-then-unlink
// when the rename crosses a filesystem boundary (EXDEV), per spec §4.1:
// "when crossing mounts, fall back to copy-then-unlink with a fresh temp name."
func renameOrCopy(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV) {
		data, readErr := os.ReadFile(src)
		if readErr != nil {
			return fmt.Errorf("reading src for cross-device copy: %w", readErr)
		}
		tmp := dst + ".tmp-" + uuid.NewString()
		if writeErr := os.WriteFile(tmp, data, 0644); writeErr != nil {
			return fmt.Errorf("writing cross-device temp: %w", writeErr)
		}
		if renameErr := os.Rename(tmp, dst); renameErr != nil {
			os.Remove(tmp)
			return fmt.Errorf("renaming cross-device temp into place: %w", renameErr)
		}
		return os.Remove(src)
	}
	return err
}
