// Package session persists an authenticated session and restores it when a
// client starts.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"propledger/pkg/api"
)

// ErrNoSession is returned by Load when nothing is persisted.
var ErrNoSession = errors.New("no saved session")

// Session is a persisted login.
type Session struct {
	api.LoginResponse
	Server  string    `json:"server,omitempty"`
	SavedAt time.Time `json:"saved_at"`
}

// New wraps a login response for persistence.
func New(server string, resp api.LoginResponse, now time.Time) Session {
	return Session{LoginResponse: resp, Server: server, SavedAt: now.UTC()}
}

// Storage loads, saves and clears the persisted session.
type Storage interface {
	Load(ctx context.Context) (Session, error)
	Save(ctx context.Context, s Session) error
	Clear(ctx context.Context) error
}

// FileStorage keeps the session in a JSON file readable only by its owner.
type FileStorage struct {
	path string
	mu   sync.Mutex
}

const (
	fileMode = 0o600
	dirMode  = 0o700
)

// NewFileStorage stores the session at path.
func NewFileStorage(path string) *FileStorage { return &FileStorage{path: path} }

// DefaultPath returns the per-user session file location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "propledger", "session.json"), nil
}

// Path returns the file location.
func (f *FileStorage) Path() string { return f.path }

// Load implements Storage.
func (f *FileStorage) Load(_ context.Context) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Session{}, ErrNoSession
		}
		return Session{}, fmt.Errorf("read session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, fmt.Errorf("decode session %s: %w", f.path, err)
	}
	if s.AccessToken == "" {
		return Session{}, ErrNoSession
	}
	return s, nil
}

// Save implements Storage. The file is replaced atomically.
func (f *FileStorage) Save(_ context.Context, s Session) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return fmt.Errorf("create session file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod session file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

// Clear implements Storage. Clearing a missing file is not an error.
func (f *FileStorage) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}

// MemoryStorage keeps the session in memory.
type MemoryStorage struct {
	mu  sync.Mutex
	s   *Session
	ops []string
}

// NewMemoryStorage returns an empty store.
func NewMemoryStorage() *MemoryStorage { return &MemoryStorage{} }

// Load implements Storage.
func (m *MemoryStorage) Load(context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "load")
	if m.s == nil {
		return Session{}, ErrNoSession
	}
	return *m.s, nil
}

// Save implements Storage.
func (m *MemoryStorage) Save(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "save")
	m.s = &s
	return nil
}

// Clear implements Storage.
func (m *MemoryStorage) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "clear")
	m.s = nil
	return nil
}

// Ops lists the calls made so far, oldest first.
func (m *MemoryStorage) Ops() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ops...)
}
