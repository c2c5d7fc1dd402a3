// Package handlefile keeps session state in a small JSON file so the open
// and close hooks can run as separate processes.
package handlefile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hnrobert/rundir/internal/auth"
	"github.com/hnrobert/rundir/internal/hostfs"
	"github.com/hnrobert/rundir/internal/session"
)

var ErrNoKey = errors.New("no signing key")

// Store is a session.Handle backed by one file. The token is kept as a
// signed JWT so a tampered state file reads as an error instead of as a
// session that owes a decrement.
type Store struct {
	mu   sync.Mutex
	path string
	key  []byte
}

var _ session.Handle = (*Store)(nil)

func New(path string, key []byte) *Store {
	return &Store{path: path, key: key}
}

func (s *Store) Path() string { return s.path }

type state struct {
	Token string            `json:"token,omitempty"`
	Env   map[string]string `json:"env,omitempty"`
}

func (s *Store) Token() (*session.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	if st.Token == "" {
		return nil, nil
	}
	if len(s.key) == 0 {
		return nil, ErrNoKey
	}
	c, err := auth.ParseHS256(s.key, st.Token)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	t := &session.Token{ID: c.ID, Username: c.Username, UID: c.UID}
	if c.IssuedAt != nil {
		t.IssuedAt = c.IssuedAt.Time
	}
	return t, nil
}

func (s *Store) SetToken(t *session.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.key) == 0 {
		return ErrNoKey
	}
	signed, err := auth.SignHS256(s.key, t.ID, t.Username, t.UID, t.IssuedAt)
	if err != nil {
		return err
	}
	st, err := s.loadLocked()
	if err != nil {
		return err
	}
	st.Token = signed
	return s.saveLocked(st)
}

// ClearToken drops the token. The file goes away once nothing is left in it.
func (s *Store) ClearToken() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadLocked()
	if err != nil {
		return err
	}
	st.Token = ""
	return s.saveLocked(st)
}

func (s *Store) PutEnv(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadLocked()
	if err != nil {
		return err
	}
	if st.Env == nil {
		st.Env = map[string]string{}
	}
	st.Env[name] = value
	return s.saveLocked(st)
}

// Environ returns the published variables as sorted NAME=VALUE pairs.
func (s *Store) Environ() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(st.Env))
	for k, v := range st.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// Remove deletes the state file.
func (s *Store) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return hostfs.RemoveFile(s.path)
}

func (s *Store) loadLocked() (state, error) {
	b, err := hostfs.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state{}, nil
		}
		return state{}, err
	}
	if len(b) == 0 {
		return state{}, nil
	}
	var st state
	if err := json.Unmarshal(b, &st); err != nil {
		return state{}, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return st, nil
}

func (s *Store) saveLocked(st state) error {
	if st.Token == "" && len(st.Env) == 0 {
		return hostfs.RemoveFile(s.path)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return hostfs.WriteFileAtomic(s.path, b, 0600)
}
