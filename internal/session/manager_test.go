package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hnrobert/rundir/internal/config"
	"github.com/hnrobert/rundir/internal/counter"
	"github.com/hnrobert/rundir/internal/privilege"
	"github.com/hnrobert/rundir/internal/usermgr"
)

const testUser = "tester"

type fixture struct {
	m      *Manager
	parent string
	uid    int
}

func (f *fixture) counterPath() string { return filepath.Join(f.parent, fmt.Sprintf(".%d", f.uid)) }
func (f *fixture) runtimeDir() string  { return filepath.Join(f.parent, fmt.Sprint(f.uid)) }

func (f *fixture) counterContent(t *testing.T) string {
	t.Helper()
	b, err := os.ReadFile(f.counterPath())
	if err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return string(b)
}

func (f *fixture) dirExists() bool {
	st, err := os.Lstat(f.runtimeDir())
	return err == nil && st.IsDir()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	uid, gid := os.Getuid(), os.Getgid()
	passwd := filepath.Join(base, "passwd")
	content := fmt.Sprintf("%s:x:%d:%d::/home/%s:/bin/sh\n", testUser, uid, gid, testUser)
	if err := os.WriteFile(passwd, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	opts := config.Default()
	opts.ParentDir = filepath.Join(base, "user")
	opts.LockAttempts = 3
	opts.LockDelay = 5 * time.Millisecond

	return &fixture{
		m:      New(opts, usermgr.PasswdResolver{Path: passwd}),
		parent: opts.ParentDir,
		uid:    uid,
	}
}

func TestOpenThenClose(t *testing.T) {
	f := newFixture(t)
	h := NewMemoryHandle()

	if err := f.m.OpenSession(testUser, h); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if got := f.counterContent(t); got != "1" {
		t.Errorf("counter after open = %q, want %q", got, "1")
	}
	st, err := os.Stat(f.runtimeDir())
	if err != nil {
		t.Fatalf("runtime dir missing: %v", err)
	}
	if st.Mode().Perm() != 0700 {
		t.Errorf("runtime dir mode = %o, want 700", st.Mode().Perm())
	}
	if int(st.Sys().(*syscall.Stat_t).Uid) != f.uid {
		t.Errorf("runtime dir owner = %d, want %d", st.Sys().(*syscall.Stat_t).Uid, f.uid)
	}
	if v, ok := h.env["XDG_RUNTIME_DIR"]; !ok || v != f.runtimeDir() {
		t.Errorf("XDG_RUNTIME_DIR = %q, want %q", v, f.runtimeDir())
	}
	tok, _ := h.Token()
	if tok == nil || tok.Username != testUser || tok.UID != f.uid || tok.ID == "" {
		t.Fatalf("token = %+v", tok)
	}

	if err := f.m.CloseSession(testUser, h); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if got := f.counterContent(t); got != "0" {
		t.Errorf("counter after close = %q, want %q", got, "0")
	}
	if f.dirExists() {
		t.Error("runtime dir still present after last close")
	}
	if tok, _ := h.Token(); tok != nil {
		t.Error("token not cleared")
	}
}

func TestNestedSessions(t *testing.T) {
	f := newFixture(t)
	handles := []*MemoryHandle{NewMemoryHandle(), NewMemoryHandle(), NewMemoryHandle()}

	for i, h := range handles {
		if err := f.m.OpenSession(testUser, h); err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		if got, want := f.counterContent(t), fmt.Sprint(i+1); got != want {
			t.Errorf("counter after open %d = %q, want %q", i, got, want)
		}
	}
	if err := os.WriteFile(filepath.Join(f.runtimeDir(), "socket"), nil, 0600); err != nil {
		t.Fatal(err)
	}

	// Close out of order; the directory must survive until the last one.
	for i, idx := range []int{1, 2, 0} {
		if err := f.m.CloseSession(testUser, handles[idx]); err != nil {
			t.Fatalf("close %d: %v", idx, err)
		}
		remaining := len(handles) - i - 1
		if got, want := f.counterContent(t), fmt.Sprint(remaining); got != want {
			t.Errorf("counter after close %d = %q, want %q", i, got, want)
		}
		if remaining > 0 && !f.dirExists() {
			t.Fatalf("runtime dir removed early with %d sessions left", remaining)
		}
	}
	if f.dirExists() {
		t.Error("runtime dir still present after last close")
	}
}

func TestCloseWithoutTokenIsNoop(t *testing.T) {
	f := newFixture(t)
	opened := NewMemoryHandle()
	if err := f.m.OpenSession(testUser, opened); err != nil {
		t.Fatal(err)
	}

	if err := f.m.CloseSession(testUser, NewMemoryHandle()); err != nil {
		t.Fatalf("close without token: %v", err)
	}
	if got := f.counterContent(t); got != "1" {
		t.Errorf("counter = %q, want %q", got, "1")
	}

	if err := f.m.CloseSession(testUser, opened); err != nil {
		t.Fatal(err)
	}
	// Duplicate close on the same handle.
	if err := f.m.CloseSession(testUser, opened); err != nil {
		t.Fatalf("duplicate close: %v", err)
	}
	if got := f.counterContent(t); got != "0" {
		t.Errorf("counter = %q, want %q", got, "0")
	}
}

func TestCloseWithoutTokenSkipsLookup(t *testing.T) {
	f := newFixture(t)
	if err := f.m.CloseSession("nobody-here", NewMemoryHandle()); err != nil {
		t.Fatalf("close without token must succeed before any lookup: %v", err)
	}
}

func TestDuplicateOpenOnSameHandle(t *testing.T) {
	f := newFixture(t)
	h := NewMemoryHandle()
	if err := f.m.OpenSession(testUser, h); err != nil {
		t.Fatal(err)
	}
	if err := f.m.OpenSession(testUser, h); err != nil {
		t.Fatalf("second open: %v", err)
	}
	if got := f.counterContent(t); got != "1" {
		t.Errorf("counter = %q, want %q", got, "1")
	}
}

func TestSentinel(t *testing.T) {
	t.Run("open treats sentinel as zero", func(t *testing.T) {
		f := newFixture(t)
		if err := os.MkdirAll(f.parent, 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(f.counterPath(), []byte("-"), 0644); err != nil {
			t.Fatal(err)
		}
		if err := f.m.OpenSession(testUser, NewMemoryHandle()); err != nil {
			t.Fatalf("OpenSession: %v", err)
		}
		if got := f.counterContent(t); got != "1" {
			t.Errorf("counter = %q, want %q", got, "1")
		}
	})

	t.Run("close on sentinel keeps the directory", func(t *testing.T) {
		f := newFixture(t)
		h := NewMemoryHandle()
		if err := f.m.OpenSession(testUser, h); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(f.counterPath(), []byte("-"), 0644); err != nil {
			t.Fatal(err)
		}
		if err := f.m.CloseSession(testUser, h); err != nil {
			t.Fatalf("CloseSession: %v", err)
		}
		if !f.dirExists() {
			t.Error("sentinel must never trigger removal")
		}
		if got := f.counterContent(t); got != "-" {
			t.Errorf("counter = %q, want sentinel untouched", got)
		}
		if tok, _ := h.Token(); tok != nil {
			t.Error("token not cleared")
		}
	})
}

func TestCloseFromZeroStaysZero(t *testing.T) {
	f := newFixture(t)
	h := NewMemoryHandle()
	if err := f.m.OpenSession(testUser, h); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(f.counterPath(), []byte("0"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := f.m.CloseSession(testUser, h); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if got := f.counterContent(t); got != "0" {
		t.Errorf("counter = %q, want %q", got, "0")
	}
}

func TestCloseAfterExternalRemoval(t *testing.T) {
	f := newFixture(t)
	h := NewMemoryHandle()
	if err := f.m.OpenSession(testUser, h); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(f.runtimeDir()); err != nil {
		t.Fatal(err)
	}
	if err := f.m.CloseSession(testUser, h); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if got := f.counterContent(t); got != "0" {
		t.Errorf("counter = %q, want %q", got, "0")
	}
}

func TestCorruptCounter(t *testing.T) {
	t.Run("open", func(t *testing.T) {
		f := newFixture(t)
		if err := os.MkdirAll(f.parent, 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(f.counterPath(), []byte("garbage"), 0644); err != nil {
			t.Fatal(err)
		}
		h := NewMemoryHandle()
		err := f.m.OpenSession(testUser, h)
		if StatusOf(err) != StatusSessionError || !errors.Is(err, counter.ErrCorrupt) {
			t.Fatalf("error = %v, want session error wrapping ErrCorrupt", err)
		}
		if got := f.counterContent(t); got != "garbage" {
			t.Errorf("counter modified to %q", got)
		}
		if tok, _ := h.Token(); tok != nil {
			t.Error("token set on failure")
		}
	})

	t.Run("close", func(t *testing.T) {
		f := newFixture(t)
		h := NewMemoryHandle()
		if err := f.m.OpenSession(testUser, h); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(f.counterPath(), []byte("1x"), 0644); err != nil {
			t.Fatal(err)
		}
		if err := f.m.CloseSession(testUser, h); StatusOf(err) != StatusSessionError {
			t.Fatalf("error = %v, want session error", err)
		}
		if !f.dirExists() {
			t.Error("directory removed on corrupt counter")
		}
		if tok, _ := h.Token(); tok != nil {
			t.Error("token not cleared")
		}
	})
}

func holdLock(t *testing.T, path string) func() {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	fh, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if err := unix.Flock(int(fh.Fd()), unix.LOCK_EX); err != nil {
		t.Fatal(err)
	}
	return func() { _ = fh.Close() }
}

func TestLockTimeout(t *testing.T) {
	f := newFixture(t)
	h := NewMemoryHandle()
	if err := f.m.OpenSession(testUser, h); err != nil {
		t.Fatal(err)
	}

	release := holdLock(t, f.counterPath())

	err := f.m.OpenSession(testUser, NewMemoryHandle())
	if StatusOf(err) != StatusSessionError || !errors.Is(err, counter.ErrLockTimeout) {
		t.Fatalf("open error = %v, want lock timeout", err)
	}
	err = f.m.CloseSession(testUser, h)
	if !errors.Is(err, counter.ErrLockTimeout) {
		t.Fatalf("close error = %v, want lock timeout", err)
	}
	if tok, _ := h.Token(); tok == nil {
		t.Fatal("token must survive a close that never got the lock")
	}

	release()
	if err := f.m.CloseSession(testUser, h); err != nil {
		t.Fatalf("close after release: %v", err)
	}
	if f.dirExists() {
		t.Error("runtime dir still present")
	}
}

func TestUnknownUser(t *testing.T) {
	f := newFixture(t)
	err := f.m.OpenSession("mallory", NewMemoryHandle())
	if StatusOf(err) != StatusUserUnknown {
		t.Fatalf("status = %v, want user unknown", StatusOf(err))
	}
	if !errors.Is(err, usermgr.ErrUserNotFound) {
		t.Errorf("error = %v, want ErrUserNotFound", err)
	}

	h := NewMemoryHandle()
	_ = h.SetToken(&Token{ID: "x", Username: "mallory", UID: 1})
	if err := f.m.CloseSession("mallory", h); StatusOf(err) != StatusUserUnknown {
		t.Fatalf("close status = %v, want user unknown", StatusOf(err))
	}
}

func TestUIDOutOfRange(t *testing.T) {
	base := t.TempDir()
	passwd := filepath.Join(base, "passwd")
	if err := os.WriteFile(passwd, []byte("huge:x:99999999999:1::/:/bin/sh\n"), 0644); err != nil {
		t.Fatal(err)
	}
	opts := config.Default()
	opts.ParentDir = filepath.Join(base, "run")
	m := New(opts, usermgr.PasswdResolver{Path: passwd})
	if err := m.OpenSession("huge", NewMemoryHandle()); StatusOf(err) != StatusSystemError {
		t.Fatalf("status = %v, want system error", StatusOf(err))
	}
}

func TestTokenMismatch(t *testing.T) {
	f := newFixture(t)
	h := NewMemoryHandle()
	_ = h.SetToken(&Token{ID: "x", Username: testUser, UID: f.uid + 1})
	if err := f.m.CloseSession(testUser, h); StatusOf(err) != StatusSessionError {
		t.Fatalf("status = %v, want session error", StatusOf(err))
	}
}

func TestRequireRoot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("running as root")
	}
	f := newFixture(t)
	WithRequireRoot()(f.m)
	err := f.m.OpenSession(testUser, NewMemoryHandle())
	if !errors.Is(err, ErrNotRoot) || StatusOf(err) != StatusSessionError {
		t.Fatalf("error = %v, want ErrNotRoot", err)
	}
}

type failingDirs struct{}

func (failingDirs) CreateForUser(string, privilege.Identity) error { return unix.EACCES }

type failingHandle struct {
	*MemoryHandle
	envErr, tokenErr error
}

func (h *failingHandle) PutEnv(name, value string) error {
	if h.envErr != nil {
		return h.envErr
	}
	return h.MemoryHandle.PutEnv(name, value)
}

func (h *failingHandle) SetToken(t *Token) error {
	if h.tokenErr != nil {
		return h.tokenErr
	}
	return h.MemoryHandle.SetToken(t)
}

func TestOpenRollback(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(f *fixture) Handle
		wantStatus Status
		wantDir    bool
	}{
		{
			name: "directory creation fails",
			setup: func(f *fixture) Handle {
				f.m.dirs = failingDirs{}
				return NewMemoryHandle()
			},
			wantStatus: StatusSessionError,
		},
		{
			name: "environment publication fails",
			setup: func(f *fixture) Handle {
				return &failingHandle{MemoryHandle: NewMemoryHandle(), envErr: errors.New("env full")}
			},
			wantStatus: StatusSessionError,
			wantDir:    true,
		},
		{
			name: "token allocation fails",
			setup: func(f *fixture) Handle {
				f.m.newToken = func(string, int) (*Token, error) { return nil, errors.New("out of memory") }
				return NewMemoryHandle()
			},
			wantStatus: StatusBufferError,
			wantDir:    true,
		},
		{
			name: "token storage fails",
			setup: func(f *fixture) Handle {
				return &failingHandle{MemoryHandle: NewMemoryHandle(), tokenErr: errors.New("no space")}
			},
			wantStatus: StatusSessionError,
			wantDir:    true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			// One session already open so the rollback target is non-zero.
			if err := f.m.OpenSession(testUser, NewMemoryHandle()); err != nil {
				t.Fatal(err)
			}
			if !tt.wantDir {
				if err := os.Remove(f.runtimeDir()); err != nil {
					t.Fatal(err)
				}
			}

			h := tt.setup(f)
			err := f.m.OpenSession(testUser, h)
			if StatusOf(err) != tt.wantStatus {
				t.Fatalf("status = %v (%v), want %v", StatusOf(err), err, tt.wantStatus)
			}
			if got := f.counterContent(t); got != "1" {
				t.Errorf("counter = %q, want rollback to %q", got, "1")
			}
			if f.dirExists() != tt.wantDir {
				t.Errorf("dir exists = %v, want %v", f.dirExists(), tt.wantDir)
			}
			if tok, _ := h.Token(); tok != nil {
				t.Error("token recorded on failed open")
			}
		})
	}
}

func TestCloseRemovalFailureStillWritesCounter(t *testing.T) {
	f := newFixture(t)
	h := NewMemoryHandle()
	if err := f.m.OpenSession(testUser, h); err != nil {
		t.Fatal(err)
	}
	f.m.removeTree = func(string) error { return unix.EBUSY }

	err := f.m.CloseSession(testUser, h)
	if StatusOf(err) != StatusSessionError || !errors.Is(err, unix.EBUSY) {
		t.Fatalf("error = %v, want session error wrapping EBUSY", err)
	}
	if got := f.counterContent(t); got != "0" {
		t.Errorf("counter = %q, want %q", got, "0")
	}
}

func TestConcurrentSessions(t *testing.T) {
	f := newFixture(t)
	f.m.counters = &counter.Store{Attempts: 500, Delay: time.Millisecond}

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers*2)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := NewMemoryHandle()
			if err := f.m.OpenSession(testUser, h); err != nil {
				errs <- err
				return
			}
			if err := f.m.CloseSession(testUser, h); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("session error: %v", err)
	}
	if got := f.counterContent(t); got != "0" {
		t.Errorf("counter = %q, want %q", got, "0")
	}
	if f.dirExists() {
		t.Error("runtime dir still present")
	}
}

func TestInspect(t *testing.T) {
	f := newFixture(t)
	r, err := f.m.Inspect(testUser)
	if err != nil {
		t.Fatalf("Inspect before any session: %v", err)
	}
	if r.Count != 0 || r.DirExists {
		t.Errorf("report = %+v", r)
	}

	if err := f.m.OpenSession(testUser, NewMemoryHandle()); err != nil {
		t.Fatal(err)
	}
	r, err = f.m.Inspect(testUser)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if r.Count != 1 || !r.DirExists || r.RuntimeDir != f.runtimeDir() || r.UID != f.uid {
		t.Errorf("report = %+v", r)
	}
}

func TestStatus(t *testing.T) {
	if StatusOf(nil) != StatusSuccess {
		t.Error("nil must be success")
	}
	if StatusOf(errors.New("x")) != StatusSessionError {
		t.Error("foreign errors are session errors")
	}
	wrapped := fmt.Errorf("outer: %w", newError(StatusBufferError, "open", errors.New("x")))
	if StatusOf(wrapped) != StatusBufferError {
		t.Error("wrapped *Error not classified")
	}
	codes := map[Status]int{
		StatusSuccess:      0,
		StatusSystemError:  4,
		StatusBufferError:  5,
		StatusUserUnknown:  10,
		StatusSessionError: 14,
	}
	for s, want := range codes {
		if s.PAMCode() != want {
			t.Errorf("%v.PAMCode() = %d, want %d", s, s.PAMCode(), want)
		}
	}
}
