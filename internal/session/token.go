package session

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Token records that a session incremented the counter and owes one
// decrement.
type Token struct {
	ID       string
	Username string
	UID      int
	IssuedAt time.Time
}

func newToken(username string, uid int) (*Token, error) {
	now := time.Now().UTC()
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Token{ID: id.String(), Username: username, UID: uid, IssuedAt: now}, nil
}

// Handle is the per-session storage the framework keeps between the open
// and close hooks.
type Handle interface {
	// Token returns the stored token, or nil when there is none.
	Token() (*Token, error)
	SetToken(t *Token) error
	ClearToken() error
	// PutEnv publishes name=value into the user's session environment.
	PutEnv(name, value string) error
}

// MemoryHandle keeps session state in memory, for frameworks that load the
// hooks into a long-lived process.
type MemoryHandle struct {
	mu    sync.Mutex
	token *Token
	env   map[string]string
}

func NewMemoryHandle() *MemoryHandle {
	return &MemoryHandle{env: map[string]string{}}
}

func (h *MemoryHandle) Token() (*Token, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token, nil
}

func (h *MemoryHandle) SetToken(t *Token) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.token = t
	return nil
}

func (h *MemoryHandle) ClearToken() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.token = nil
	return nil
}

func (h *MemoryHandle) PutEnv(name, value string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.env[name] = value
	return nil
}
