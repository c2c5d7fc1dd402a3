package hostfs

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/hnrobert/rundir/internal/logger"
)

// ParentMode is rwxr-xr-x.
const ParentMode os.FileMode = 0755

// ErrMisconfigured is returned when the parent path exists but is not a
// directory.
var ErrMisconfigured = errors.New("parent path is not a directory")

// EnsureParent creates the shared parent directory if needed and reasserts
// root ownership and ParentMode. The ownership and mode touch-ups are
// best-effort; only a failure to have a directory at all is returned.
func EnsureParent(dir string) error {
	m := muFor(dir)
	m.Lock()
	defer m.Unlock()

	// No window where the directory is group or world writable.
	old := unix.Umask(0022)
	defer unix.Umask(old)

	if err := os.Mkdir(dir, ParentMode); err != nil {
		if !errors.Is(err, os.ErrExist) {
			logger.Error("failed to create directory %s: %v", dir, err)
			return fmt.Errorf("create %s: %w", dir, err)
		}
		st, err := os.Stat(dir)
		if err != nil {
			logger.Error("failed to stat %s: %v", dir, err)
			return fmt.Errorf("stat %s: %w", dir, err)
		}
		if !st.IsDir() {
			logger.Error("%s exists but is not a directory", dir)
			return fmt.Errorf("%w: %s", ErrMisconfigured, dir)
		}
	}

	if err := os.Chown(dir, 0, 0); err != nil {
		logger.Warn("failed to set ownership of %s: %v", dir, err)
	}
	if err := os.Chmod(dir, ParentMode); err != nil {
		logger.Warn("failed to set permissions on %s: %v", dir, err)
	}
	return nil
}
