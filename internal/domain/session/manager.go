package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultTimeout is the default idle timeout for sessions.
const DefaultTimeout = 30 * time.Minute

// DefaultMaxSessions caps concurrently tracked sessions.
const DefaultMaxSessions = 1000

// Config holds session manager configuration.
type Config struct {
	// Timeout is the idle expiry duration. Default: 30 minutes.
	Timeout time.Duration
	// MaxSessions caps tracked sessions; the oldest idle session is
	// evicted when the cap is hit. Default: 1000.
	MaxSessions int
	// CleanupInterval is how often the background sweep runs.
	// Default: 1 minute.
	CleanupInterval time.Duration
}

// Manager owns all sessions. Access is serialized behind one mutex;
// distinct sessions carry no shared mutable state of their own.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	timeout  time.Duration
	maxCount int
	interval time.Duration
	logger   *slog.Logger

	now      func() time.Time
	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewManager creates a Manager with the given config.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	return &Manager{
		sessions: make(map[string]*Session),
		timeout:  cfg.Timeout,
		maxCount: cfg.MaxSessions,
		interval: cfg.CleanupInterval,
		logger:   logger,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// SetClock replaces the manager's clock. For tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// GetOrCreate returns the session with the given id, creating it on first
// contact. A freshly created session is not initialized.
func (m *Manager) GetOrCreate(id, transport string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if s, ok := m.sessions[id]; ok {
		if s.IdleFor(now) <= m.timeout {
			return s, nil
		}
		// Expired under its old id; replace it.
		delete(m.sessions, id)
	}

	if len(m.sessions) >= m.maxCount {
		m.evictOldestLocked()
	}

	s := &Session{
		ID:           id,
		Transport:    transport,
		CreatedAt:    now,
		LastActivity: now,
	}
	m.sessions[id] = s
	return s, nil
}

// NewID generates a cryptographically random session id (32 bytes hex).
func NewID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Get returns the session if it exists and has not expired.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.IdleFor(m.now()) > m.timeout {
		delete(m.sessions, id)
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Initialize marks the session initialized and stores the negotiated
// protocol version and client info.
func (m *Manager) Initialize(id, protocolVersion string, client ClientInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.Initialized = true
	s.ProtocolVersion = protocolVersion
	s.Client = client
	s.LastActivity = m.now()
	return nil
}

// UpdateActivity refreshes the session's activity stamp.
func (m *Manager) UpdateActivity(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok {
		s.LastActivity = m.now()
	}
}

// SetAuthToken records the bearer token the session presented.
func (m *Manager) SetAuthToken(id, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok {
		s.AuthToken = token
	}
}

// Terminate removes a session. Idempotent.
func (m *Manager) Terminate(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Count returns the number of tracked sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// evictOldestLocked drops the session with the oldest activity stamp.
func (m *Manager) evictOldestLocked() {
	victim := ""
	var oldest time.Time
	for id, s := range m.sessions {
		if victim == "" || s.LastActivity.Before(oldest) {
			victim = id
			oldest = s.LastActivity
		}
	}
	if victim != "" {
		delete(m.sessions, victim)
		m.logger.Debug("evicted oldest idle session", "session", victim)
	}
}

// StartCleanup starts the background expiry sweep. It stops when ctx is
// cancelled or Stop is called.
func (m *Manager) StartCleanup(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopChan:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// sweep drops all expired sessions.
func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, s := range m.sessions {
		if s.IdleFor(now) > m.timeout {
			delete(m.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("session sweep completed",
			"removed", removed,
			"remaining", len(m.sessions))
	}
}

// Stop halts the cleanup goroutine and waits for it to exit. Safe to call
// multiple times.
func (m *Manager) Stop() {
	m.once.Do(func() {
		close(m.stopChan)
	})
	m.wg.Wait()
}
