//go:build linux

// Package privilege runs a short filesystem operation under another user's
// identity.
//
// It switches the filesystem uid and gid (setfsuid(2)/setfsgid(2)) of a
// single locked OS thread rather than the process-wide effective ids, so
// other goroutines never observe the borrowed identity. The previous
// identity is restored before Run returns, on every path.
package privilege

import (
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

var (
	ErrSwitch  = errors.New("failed to switch filesystem identity")
	ErrRestore = errors.New("failed to restore filesystem identity")
)

// Identity is a numeric uid/gid pair.
type Identity struct {
	UID int
	GID int
}

// Scope describes the identity borrowed for one operation.
type Scope struct {
	Identity
	// KeepDACOverride re-raises CAP_DAC_OVERRIDE after the switch so the
	// borrowed identity can create entries inside a root-owned directory.
	// New entries are still owned by Identity. Best-effort: ignored when
	// the capability is not permitted.
	KeepDACOverride bool
}

// Run runs fn inside s on a dedicated OS thread.
func Run(s Scope, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		restored, err := run(s, fn)
		// A thread whose identity could not be restored is left locked so
		// the runtime discards it when this goroutine exits.
		if restored {
			runtime.UnlockOSThread()
		}
		done <- err
	}()
	return <-done
}

func run(s Scope, fn func() error) (restored bool, err error) {
	id := s.Identity
	prevGID, _ := unix.SetfsgidRetGid(-1)
	prevUID, _ := unix.SetfsuidRetUid(-1)

	restored = true
	defer func() {
		if rerr := restore(prevUID, prevGID); rerr != nil {
			restored = false
			err = errors.Join(err, rerr)
		}
	}()

	// Group before user, restored in the opposite order.
	_, _ = unix.SetfsgidRetGid(id.GID)
	if cur, _ := unix.SetfsgidRetGid(-1); cur != id.GID {
		return restored, fmt.Errorf("%w: fsgid %d", ErrSwitch, id.GID)
	}
	_, _ = unix.SetfsuidRetUid(id.UID)
	if cur, _ := unix.SetfsuidRetUid(-1); cur != id.UID {
		return restored, fmt.Errorf("%w: fsuid %d", ErrSwitch, id.UID)
	}
	if s.KeepDACOverride {
		_ = raise(unix.CAP_DAC_OVERRIDE)
	}

	return restored, fn()
}

func restore(uid, gid int) error {
	_, _ = unix.SetfsuidRetUid(uid)
	_, _ = unix.SetfsgidRetGid(gid)
	curUID, _ := unix.SetfsuidRetUid(-1)
	curGID, _ := unix.SetfsgidRetGid(-1)
	if curUID != uid || curGID != gid {
		return fmt.Errorf("%w: have %d:%d, want %d:%d", ErrRestore, curUID, curGID, uid, gid)
	}
	return nil
}

// raise adds capability c to the effective set of the calling thread.
func raise(c int) error {
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return err
	}
	i, bit := c/32, uint32(1)<<(uint(c)%32)
	if data[i].Permitted&bit == 0 {
		return unix.EPERM
	}
	data[i].Effective |= bit
	return unix.Capset(&hdr, &data[0])
}

// Current returns the filesystem identity of the calling thread.
func Current() Identity {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	gid, _ := unix.SetfsgidRetGid(-1)
	uid, _ := unix.SetfsuidRetUid(-1)
	return Identity{UID: uid, GID: gid}
}
