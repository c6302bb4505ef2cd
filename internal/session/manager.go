package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/afii369/NetspherePirates/internal/logging"
	"github.com/afii369/NetspherePirates/internal/metrics"
	"github.com/afii369/NetspherePirates/internal/p2p"
	"github.com/afii369/NetspherePirates/internal/protocol"
	"github.com/afii369/NetspherePirates/internal/recovery"
)

var (
	// ErrSessionLimit is returned by Create when MaxSessions is reached.
	ErrSessionLimit = errors.New("session limit reached")

	// ErrEndpointInUse is returned by Create for an endpoint that already has a session.
	ErrEndpointInUse = errors.New("endpoint already has a session")

	// ErrManagerClosed is returned by Create after Close.
	ErrManagerClosed = errors.New("session manager closed")
)

// Reasons passed to Remove and recorded in metrics.
const (
	ReasonDisconnect = "disconnect"
	ReasonIdle       = "idle"
	ReasonShutdown   = "shutdown"
)

// Config contains configuration for the session manager.
type Config struct {
	MaxSessions int
	IdleTimeout time.Duration

	// MessagesPerSecond and Burst bound inbound messages per session.
	// A non-positive rate disables the limit.
	MessagesPerSecond float64
	Burst             int

	// CleanupInterval is how often idle sessions are expired. Defaults to
	// half of IdleTimeout.
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSessions:       4096,
		IdleTimeout:       30 * time.Second,
		MessagesPerSecond: 200,
		Burst:             400,
	}
}

// Manager owns the live sessions. It implements p2p.SessionManager.
type Manager struct {
	cfg       Config
	transport Transport
	ids       p2p.IDAllocator
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	onExpire func(*Session)

	mu         sync.RWMutex
	sessions   map[protocol.HostID]*Session
	byEndpoint map[string]*Session
	closed     bool

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewManager creates a session manager that sends through transport and takes
// host ids from ids.
func NewManager(cfg Config, transport Transport, ids p2p.IDAllocator, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = cfg.IdleTimeout / 2
	}
	return &Manager{
		cfg:        cfg,
		transport:  transport,
		ids:        ids,
		logger:     logging.Component(logger, "session"),
		metrics:    m,
		now:        time.Now,
		sessions:   make(map[protocol.HostID]*Session),
		byEndpoint: make(map[string]*Session),
		stopCh:     make(chan struct{}),
	}
}

// SetOnExpire sets the callback run for every session removed by idle expiry.
// It runs without manager locks held. Call before Start.
func (m *Manager) SetOnExpire(fn func(*Session)) {
	m.onExpire = fn
}

// Start launches the idle-expiry loop. Without an IdleTimeout it does nothing.
func (m *Manager) Start() {
	if m.cfg.IdleTimeout <= 0 || m.cfg.CleanupInterval <= 0 {
		return
	}
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.cleanupLoop()
	})
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()
	defer recovery.Guard(m.logger, "session cleanup", nil)

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.ExpireIdle(m.now())
		case <-m.stopCh:
			return
		}
	}
}

// Create registers a session for endpoint.
func (m *Manager) Create(endpoint *net.UDPAddr) (*Session, error) {
	if endpoint == nil {
		return nil, fmt.Errorf("create session: nil endpoint")
	}
	key := endpoint.String()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if _, ok := m.byEndpoint[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrEndpointInUse, key)
	}
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		return nil, fmt.Errorf("%w (%d)", ErrSessionLimit, m.cfg.MaxSessions)
	}

	id, err := m.ids.Allocate()
	if err != nil {
		return nil, fmt.Errorf("allocate host id: %w", err)
	}

	s := newSession(id, endpoint, m.transport, m.newLimiter(), m.now())
	m.sessions[id] = s
	m.byEndpoint[key] = s
	count := len(m.sessions)

	m.metrics.RecordSessionOpen()
	m.logger.Info("session created",
		logging.KeyHostID, uint32(id),
		logging.KeyRemoteAddr, key,
		logging.KeyCount, count)
	return s, nil
}

func (m *Manager) newLimiter() *rate.Limiter {
	if m.cfg.MessagesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := m.cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(m.cfg.MessagesPerSecond), burst)
}

// Get returns the session with id.
func (m *Manager) Get(id protocol.HostID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// GetSession resolves id for group membership.
func (m *Manager) GetSession(id protocol.HostID) (p2p.Session, bool) {
	s, ok := m.Get(id)
	if !ok {
		return nil, false
	}
	return s, true
}

// ByEndpoint returns the session talking from addr.
func (m *Manager) ByEndpoint(addr *net.UDPAddr) (*Session, bool) {
	if addr == nil {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byEndpoint[addr.String()]
	return s, ok
}

// Remove unregisters the session with id and reports whether it existed.
func (m *Manager) Remove(id protocol.HostID, reason string) bool {
	m.mu.Lock()
	s, ok := m.removeLocked(id)
	m.mu.Unlock()

	if ok {
		m.finishRemove(s, reason)
	}
	return ok
}

func (m *Manager) removeLocked(id protocol.HostID) (*Session, bool) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	delete(m.sessions, id)
	delete(m.byEndpoint, s.endpoint.String())
	return s, true
}

func (m *Manager) finishRemove(s *Session, reason string) {
	if !s.close() {
		return
	}
	m.metrics.RecordSessionClose(reason)
	m.logger.Info("session removed",
		logging.KeyHostID, uint32(s.id),
		logging.KeyRemoteAddr, s.endpoint.String(),
		"reason", reason,
		logging.KeyDuration, m.now().Sub(s.createdAt))
}

// ExpireIdle removes every session that has been silent for longer than
// IdleTimeout at now. The expire callback runs once per removed session.
func (m *Manager) ExpireIdle(now time.Time) int {
	if m.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := now.Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if s.LastActivity().Before(cutoff) {
			m.removeLocked(id)
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.finishRemove(s, ReasonIdle)
		if m.onExpire != nil {
			recovery.Call(m.logger, "session expire callback", func() { m.onExpire(s) })
		}
	}
	if len(expired) > 0 {
		m.logger.Debug("idle sessions expired", logging.KeyCount, len(expired))
	}
	return len(expired)
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// List returns the live sessions ordered by host id.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Close stops the expiry loop and removes every session. Later Create calls
// fail with ErrManagerClosed.
func (m *Manager) Close() []*Session {
	var removed []*Session
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()

		m.mu.Lock()
		m.closed = true
		for id, s := range m.sessions {
			m.removeLocked(id)
			removed = append(removed, s)
		}
		m.mu.Unlock()

		for _, s := range removed {
			m.finishRemove(s, ReasonShutdown)
		}
	})
	return removed
}
