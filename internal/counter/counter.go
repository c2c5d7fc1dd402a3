package counter

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hnrobert/rundir/internal/logger"
)

const (
	DefaultAttempts = 5
	DefaultDelay    = 100 * time.Millisecond

	// Sentinel marks a counter left inconsistent by a failed update.
	Sentinel byte = '-'

	fileMode os.FileMode = 0644
)

var (
	ErrLockTimeout = errors.New("counter lock timeout")
	ErrCorrupt     = errors.New("counter file corrupt")
	ErrNegative    = errors.New("negative counter value")
	// ErrIndeterminate is returned by Read when the file holds the sentinel.
	ErrIndeterminate = errors.New("counter indeterminate")
)

// Store opens counter files. The zero value uses DefaultAttempts and
// DefaultDelay.
type Store struct {
	Attempts int
	Delay    time.Duration
}

func (s *Store) attempts() int {
	if s == nil || s.Attempts <= 0 {
		return DefaultAttempts
	}
	return s.Attempts
}

func (s *Store) delay() time.Duration {
	if s == nil || s.Delay <= 0 {
		return DefaultDelay
	}
	return s.Delay
}

// file is the subset of *os.File the counter needs.
type file interface {
	io.ReadWriteSeeker
	Truncate(size int64) error
	Fd() uintptr
	Close() error
}

// Handle is an open, exclusively locked counter file.
type Handle struct {
	path string
	f    file
}

func (h *Handle) Path() string { return h.path }

// Open opens or creates the counter file at path and takes the exclusive
// lock on it.
func (s *Store) Open(path string) (*Handle, error) {
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}

	var (
		f   *os.File
		err error
	)
	for i := 0; i < s.attempts(); i++ {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|unix.O_NOFOLLOW|unix.O_CLOEXEC, fileMode)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EINTR) && !errors.Is(err, unix.EAGAIN) {
			logger.Error("failed to open %s: %v", path, err)
			return nil, fmt.Errorf("open counter %s: %w", path, err)
		}
		time.Sleep(s.delay())
	}
	if err != nil {
		logger.Error("failed to open %s after %d attempts: %v", path, s.attempts(), err)
		return nil, fmt.Errorf("open counter %s: %w", path, err)
	}

	if err := s.lock(f, path); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Handle{path: path, f: f}, nil
}

func (s *Store) lock(f *os.File, path string) error {
	var err error
	for i := 0; i < s.attempts(); i++ {
		if i > 0 {
			time.Sleep(s.delay())
		}
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			logger.Error("failed to lock %s: %v", path, err)
			return fmt.Errorf("lock counter %s: %w", path, err)
		}
	}
	logger.Error("failed to lock %s after %d attempts: %v", path, s.attempts(), err)
	return fmt.Errorf("%w: %s", ErrLockTimeout, path)
}

// ensureDir makes sure the counter's directory exists. The parent manager
// normally guarantees this already.
func ensureDir(dir string) error {
	st, err := os.Stat(dir)
	if err != nil {
		if err := os.Mkdir(dir, 0755); err != nil && !errors.Is(err, os.ErrExist) {
			logger.Error("failed to create directory %s: %v", dir, err)
			return fmt.Errorf("create %s: %w", dir, err)
		}
		return nil
	}
	if !st.IsDir() {
		logger.Error("%s exists but is not a directory", dir)
		return fmt.Errorf("%s: not a directory", dir)
	}
	return nil
}

// Read returns the stored count. It returns ErrIndeterminate for the
// sentinel and ErrCorrupt for anything that is not plain decimal digits.
func (h *Handle) Read() (int, error) {
	if _, err := h.f.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek %s: %w", h.path, err)
	}
	b, err := io.ReadAll(h.f)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", h.path, err)
	}
	return Parse(b)
}

// Parse decodes counter file content.
func Parse(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if len(b) == 1 && b[0] == Sentinel {
		return 0, ErrIndeterminate
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: %q", ErrCorrupt, b)
		}
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return n, nil
}

// Write stores count, truncating the file to exactly its decimal length. If
// the file may have been left half-updated it is overwritten with the
// sentinel. Callers must not retry a failed Write within the same hook.
func (h *Handle) Write(count int) error {
	if count < 0 {
		return fmt.Errorf("%w: %d", ErrNegative, count)
	}
	if _, err := h.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek %s: %w", h.path, err)
	}
	buf := []byte(strconv.Itoa(count))
	n, err := h.f.Write(buf)
	if err != nil || n != len(buf) {
		if n > 0 {
			h.invalidate()
		}
		if err == nil {
			err = io.ErrShortWrite
		}
		return fmt.Errorf("write %s: %w", h.path, err)
	}
	if err := h.f.Truncate(int64(len(buf))); err != nil {
		h.invalidate()
		return fmt.Errorf("truncate %s: %w", h.path, err)
	}
	return nil
}

// invalidate makes a half-written file read as the sentinel. If even that
// fails the file is left as it is.
func (h *Handle) invalidate() {
	if err := h.Invalidate(); err != nil {
		logger.Error("failed to invalidate counter %s: %v", h.path, err)
		return
	}
	logger.Warn("counter %s reset to indeterminate after failed update", h.path)
}

// Invalidate overwrites the counter with the sentinel byte.
func (h *Handle) Invalidate() error {
	if _, err := h.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := h.f.Write([]byte{Sentinel}); err != nil {
		return err
	}
	return h.f.Truncate(1)
}

// Close releases the lock and the descriptor. It is safe to call more than
// once.
func (h *Handle) Close() error {
	if h == nil || h.f == nil {
		return nil
	}
	_ = unix.Flock(int(h.f.Fd()), unix.LOCK_UN)
	err := h.f.Close()
	h.f = nil
	return err
}
