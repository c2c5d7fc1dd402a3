package session

import (
	"errors"
	"fmt"
	"os"

	"github.com/hnrobert/rundir/internal/config"
	"github.com/hnrobert/rundir/internal/counter"
	"github.com/hnrobert/rundir/internal/hostfs"
	"github.com/hnrobert/rundir/internal/logger"
	"github.com/hnrobert/rundir/internal/privilege"
	"github.com/hnrobert/rundir/internal/rundir"
	"github.com/hnrobert/rundir/internal/usermgr"
)

var ErrNotRoot = errors.New("must be run as root")

type dirController interface {
	CreateForUser(path string, id privilege.Identity) error
}

// Manager runs the session hooks for one set of options. Separate processes
// may run Managers for the same user concurrently; they coordinate through
// the counter file lock only.
type Manager struct {
	opts        config.Options
	users       usermgr.Resolver
	counters    *counter.Store
	dirs        dirController
	removeTree  func(path string) error
	newToken    func(username string, uid int) (*Token, error)
	requireRoot bool
}

type Option func(*Manager)

// WithRequireRoot makes both hooks fail unless the effective uid is 0.
func WithRequireRoot() Option {
	return func(m *Manager) { m.requireRoot = true }
}

func New(opts config.Options, users usermgr.Resolver, options ...Option) *Manager {
	m := &Manager{
		opts:       opts,
		users:      users,
		counters:   &counter.Store{Attempts: opts.LockAttempts, Delay: opts.LockDelay},
		dirs:       &rundir.Controller{Mode: opts.Mode},
		removeTree: rundir.RemoveTree,
		newToken:   newToken,
	}
	for _, o := range options {
		o(m)
	}
	return m
}

func (m *Manager) checkRoot(op string) error {
	if m.requireRoot && os.Geteuid() != 0 {
		logger.Error("must be root to %s session", op)
		return newError(StatusSessionError, op, ErrNotRoot)
	}
	return nil
}

func (m *Manager) resolve(op, username string) (usermgr.Identity, hostfs.Paths, error) {
	id, err := m.users.Lookup(username)
	if err != nil {
		logger.Error("user %q not found: %v", username, err)
		return usermgr.Identity{}, hostfs.Paths{}, newError(StatusUserUnknown, op, err)
	}
	paths, err := hostfs.NewPaths(m.opts.ParentDir, id.UID)
	if err != nil {
		logger.Error("invalid uid for user %s: %v", username, err)
		return usermgr.Identity{}, hostfs.Paths{}, newError(StatusSystemError, op, err)
	}
	return id, paths, nil
}

// OpenSession counts a new session for username and makes sure its runtime
// directory exists, publishing the path through h.
func (m *Manager) OpenSession(username string, h Handle) error {
	const op = "open"
	if err := m.checkRoot(op); err != nil {
		return err
	}
	id, paths, err := m.resolve(op, username)
	if err != nil {
		return err
	}
	runtimeDir := paths.RuntimeDir()

	// A handle that already carries a token for this user is already counted.
	if tok, err := h.Token(); err == nil && tok != nil {
		if tok.Username != username || tok.UID != id.UID {
			logger.Error("handle already holds a session for %s (uid %d)", tok.Username, tok.UID)
			return newError(StatusSessionError, op, fmt.Errorf("handle belongs to %s", tok.Username))
		}
		logger.Debug("open %s: session already counted, token %s", username, tok.ID)
		if err := h.PutEnv(m.opts.EnvVar, runtimeDir); err != nil {
			logger.Error("failed to set %s: %v", m.opts.EnvVar, err)
			return newError(StatusSessionError, op, err)
		}
		return nil
	}

	f := &flow{user: username}

	if err := hostfs.EnsureParent(paths.ParentDir); err != nil {
		return f.fail(newError(StatusSessionError, op, err))
	}
	f.advance(StateParentReady)

	ch, err := m.counters.Open(paths.Counter())
	if err != nil {
		logger.Error("failed to open/lock counter file %s", paths.Counter())
		return f.fail(newError(StatusSessionError, op, err))
	}
	defer ch.Close()
	f.advance(StateCounterLocked)

	count, err := ch.Read()
	if errors.Is(err, counter.ErrIndeterminate) {
		logger.Info("counter %s indeterminate, starting fresh", ch.Path())
		count, err = 0, nil
	}
	if err != nil {
		logger.Error("failed to read counter from %s: %v", ch.Path(), err)
		return f.fail(newError(StatusSessionError, op, err))
	}
	if err := ch.Write(count + 1); err != nil {
		logger.Error("failed to update counter in %s: %v", ch.Path(), err)
		return f.fail(newError(StatusSessionError, op, err))
	}
	f.advance(StateIncremented)

	rollback := func(status Status, err error) error {
		if werr := ch.Write(count); werr != nil {
			logger.Error("failed to revert counter in %s: %v", ch.Path(), werr)
		}
		return f.fail(newError(status, op, err))
	}

	if err := m.dirs.CreateForUser(runtimeDir, privilege.Identity{UID: id.UID, GID: id.GID}); err != nil {
		return rollback(StatusSessionError, err)
	}
	f.advance(StateDirectoryEnsured)

	// From here on the directory stays: a concurrent session may already
	// rely on it.
	if err := h.PutEnv(m.opts.EnvVar, runtimeDir); err != nil {
		logger.Error("failed to set %s: %v", m.opts.EnvVar, err)
		return rollback(StatusSessionError, err)
	}
	f.advance(StateEnvSet)

	tok, err := m.newToken(username, id.UID)
	if err != nil {
		logger.Error("failed to allocate session token: %v", err)
		return rollback(StatusBufferError, err)
	}
	if err := h.SetToken(tok); err != nil {
		logger.Error("failed to store session token: %v", err)
		return rollback(StatusSessionError, err)
	}
	f.advance(StateCommitted)
	logger.Debug("open %s: counter %s now %d", username, ch.Path(), count+1)
	return nil
}

// CloseSession releases the session counted by OpenSession on h. Without a
// token on h it does nothing. The runtime directory is removed when the
// last session closes.
func (m *Manager) CloseSession(username string, h Handle) error {
	const op = "close"
	tok, err := h.Token()
	if err != nil {
		logger.Error("failed to get session token: %v", err)
		return newError(StatusSessionError, op, err)
	}
	if tok == nil {
		logger.Debug("close %s: no session token, nothing to do", username)
		return nil
	}
	if err := m.checkRoot(op); err != nil {
		return err
	}
	id, paths, err := m.resolve(op, username)
	if err != nil {
		return err
	}
	if tok.Username != username || tok.UID != id.UID {
		logger.Error("session token belongs to %s (uid %d), not %s", tok.Username, tok.UID, username)
		return newError(StatusSessionError, op, fmt.Errorf("token belongs to %s", tok.Username))
	}
	if err := hostfs.EnsureParent(paths.ParentDir); err != nil {
		return newError(StatusSessionError, op, err)
	}

	ch, err := m.counters.Open(paths.Counter())
	if err != nil {
		// The token stays so a retried close can still pay the decrement.
		logger.Error("failed to open/lock counter file %s", paths.Counter())
		return newError(StatusSessionError, op, err)
	}
	defer ch.Close()
	defer func() {
		if err := h.ClearToken(); err != nil {
			logger.Warn("failed to clear session token: %v", err)
		}
	}()

	count, err := ch.Read()
	if errors.Is(err, counter.ErrIndeterminate) {
		logger.Info("counter %s indeterminate, leaving %s in place", ch.Path(), paths.RuntimeDir())
		return nil
	}
	if err != nil {
		logger.Error("failed to read counter from %s: %v", ch.Path(), err)
		return newError(StatusSessionError, op, err)
	}

	if count > 0 {
		count--
	}

	var rmErr error
	if count == 0 {
		if err := m.removeTree(paths.RuntimeDir()); err != nil {
			logger.Error("failed to remove directory %s: %v", paths.RuntimeDir(), err)
			rmErr = err
		}
	}

	if err := ch.Write(count); err != nil {
		logger.Error("failed to update counter in %s: %v", ch.Path(), err)
		return newError(StatusSessionError, op, errors.Join(err, rmErr))
	}
	if rmErr != nil {
		return newError(StatusSessionError, op, rmErr)
	}
	logger.Debug("close %s: counter %s now %d", username, ch.Path(), count)
	return nil
}

// Report describes the current state for one user.
type Report struct {
	Username      string
	UID           int
	CounterPath   string
	Count         int
	Indeterminate bool
	RuntimeDir    string
	DirExists     bool
}

// Inspect reads the counter under its lock without changing anything.
func (m *Manager) Inspect(username string) (Report, error) {
	const op = "status"
	id, paths, err := m.resolve(op, username)
	if err != nil {
		return Report{}, err
	}
	r := Report{Username: username, UID: id.UID, CounterPath: paths.Counter(), RuntimeDir: paths.RuntimeDir()}

	if _, err := os.Stat(paths.Counter()); err == nil {
		ch, err := m.counters.Open(paths.Counter())
		if err != nil {
			return r, newError(StatusSessionError, op, err)
		}
		defer ch.Close()
		r.Count, err = ch.Read()
		if errors.Is(err, counter.ErrIndeterminate) {
			r.Indeterminate, err = true, nil
		}
		if err != nil {
			return r, newError(StatusSessionError, op, err)
		}
	} else if !os.IsNotExist(err) {
		return r, newError(StatusSessionError, op, err)
	}

	if st, err := os.Lstat(paths.RuntimeDir()); err == nil && st.IsDir() {
		r.DirExists = true
	}
	return r, nil
}
