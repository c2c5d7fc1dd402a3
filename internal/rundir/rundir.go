// Package rundir creates and removes per-user runtime directories.
package rundir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/hnrobert/rundir/internal/logger"
	"github.com/hnrobert/rundir/internal/privilege"
)

// MaxPathLen bounds every path RemoveTree will build.
const MaxPathLen = 4096

// DefaultMode is rwx for the owner only.
const DefaultMode os.FileMode = 0700

var ErrPathTooLong = errors.New("path too long")

type Controller struct {
	// Mode applied to created directories; DefaultMode when zero.
	Mode os.FileMode
}

func (c *Controller) mode() os.FileMode {
	if c == nil || c.Mode == 0 {
		return DefaultMode
	}
	return c.Mode & os.ModePerm
}

// CreateForUser creates path owned by id. The mkdir is issued under id's
// filesystem identity, so a pre-planted entry at path is never acted on with
// root's authority. An existing entry is accepted. Ownership and mode are
// then reasserted through a descriptor that refuses symlinks; failures there
// are logged only.
//
// The caller's identity is back in place when CreateForUser returns.
func (c *Controller) CreateForUser(path string, id privilege.Identity) error {
	mode := c.mode()
	err := privilege.Run(privilege.Scope{Identity: id, KeepDACOverride: true}, func() error {
		cur := privilege.Current()
		logger.Debug("mkdir %s as fsuid %d fsgid %d", path, cur.UID, cur.GID)
		if err := os.Mkdir(path, mode); err != nil && !errors.Is(err, os.ErrExist) {
			return err
		}
		return nil
	})
	if err != nil {
		logger.Error("failed to create directory %s: %v", path, err)
		return fmt.Errorf("create %s: %w", path, err)
	}
	c.fixup(path, id, mode)
	return nil
}

func (c *Controller) fixup(path string, id privilege.Identity, mode os.FileMode) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		logger.Warn("failed to open %s for ownership fixup: %v", path, err)
		return
	}
	defer unix.Close(fd)
	if err := unix.Fchown(fd, id.UID, id.GID); err != nil {
		logger.Warn("failed to set ownership of %s: %v", path, err)
	}
	if err := unix.Fchmod(fd, uint32(mode)); err != nil {
		logger.Warn("failed to set permissions on %s: %v", path, err)
	}
}

// RemoveTree removes path and everything below it. Entries are resolved
// relative to already-open directory descriptors and symlinks are never
// followed, so a concurrent rename by the directory's owner cannot redirect
// the removal elsewhere. Removal is best-effort: every entry is attempted
// and the first failure is returned. A path that is already gone is not an
// error.
func RemoveTree(path string) error {
	if len(path) >= MaxPathLen-1 {
		logger.Error("path too long: %s", path)
		return fmt.Errorf("%w: %s", ErrPathTooLong, path)
	}
	dir, name := filepath.Split(filepath.Clean(path))
	if dir == "" {
		dir = "."
	}
	dirfd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		logger.Error("failed to open directory %s: %v", dir, err)
		return fmt.Errorf("open %s: %w", dir, err)
	}
	defer unix.Close(dirfd)

	err = removeAt(dirfd, name, path)
	if errors.Is(err, unix.ENOENT) {
		logger.Warn("%s already removed", path)
		return nil
	}
	return err
}

func removeAt(dirfd int, name, path string) error {
	var st unix.Stat_t
	if err := unix.Fstatat(dirfd, name, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return err
		}
		logger.Error("failed to stat %s: %v", path, err)
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		if err := unix.Unlinkat(dirfd, name, 0); err != nil && !errors.Is(err, unix.ENOENT) {
			logger.Error("failed to unlink %s: %v", path, err)
			return fmt.Errorf("unlink %s: %w", path, err)
		}
		return nil
	}

	first := removeChildren(dirfd, name, path)
	if err := unix.Unlinkat(dirfd, name, unix.AT_REMOVEDIR); err != nil && !errors.Is(err, unix.ENOENT) {
		logger.Error("failed to remove directory %s: %v", path, err)
		if first == nil {
			first = fmt.Errorf("rmdir %s: %w", path, err)
		}
	}
	return first
}

func removeChildren(dirfd int, name, path string) error {
	fd, err := unix.Openat(dirfd, name, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		logger.Error("failed to open directory %s: %v", path, err)
		return fmt.Errorf("open %s: %w", path, err)
	}
	d := os.NewFile(uintptr(fd), path)
	defer d.Close()

	// Readdirnames never reports "." or "..".
	names, err := d.Readdirnames(-1)
	var first error
	if err != nil {
		logger.Error("failed to read directory %s: %v", path, err)
		first = fmt.Errorf("readdir %s: %w", path, err)
	}
	for _, n := range names {
		child := path + "/" + n
		if len(child) >= MaxPathLen {
			logger.Error("path too long: %s", child)
			if first == nil {
				first = fmt.Errorf("%w: %s", ErrPathTooLong, child)
			}
			continue
		}
		if err := removeAt(fd, n, child); err != nil && !errors.Is(err, unix.ENOENT) && first == nil {
			first = err
		}
	}
	return first
}
