package services

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
)

// PermissionAdjuster makes a live directory readable by the proxy process.
type PermissionAdjuster interface {
	Adjust(dir string) error
}

// OwnershipAdjuster normalizes modes to 0755/0644 and, when UID is not -1,
// hands the tree to the serving user.
type OwnershipAdjuster struct {
	UID int
	GID int
}

// Adjust walks the whole tree and reports every failure joined under
// ErrPermissionAdjustment. It never stops early.
func (a OwnershipAdjuster) Adjust(dir string) error {
	var errs []error
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		mode := os.FileMode(0o644)
		if d.IsDir() {
			mode = 0o755
		}
		if err := os.Chmod(path, mode); err != nil {
			errs = append(errs, err)
		}
		if a.UID >= 0 {
			if err := os.Lchown(path, a.UID, a.GID); err != nil {
				errs = append(errs, err)
			}
		}
		return nil
	})
	if walkErr != nil {
		errs = append(errs, walkErr)
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d paths under %s: %w", domain.ErrPermissionAdjustment, len(errs), dir, errors.Join(errs...))
}

// noopAdjuster is used when the agent is not configured with a serving user and
// the extracted modes are kept.
type noopAdjuster struct{}

func (noopAdjuster) Adjust(string) error { return nil }
