package p2p

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/afii369/NetspherePirates/internal/crypto"
	"github.com/afii369/NetspherePirates/internal/logging"
	"github.com/afii369/NetspherePirates/internal/metrics"
	"github.com/afii369/NetspherePirates/internal/protocol"
)

// ErrManagerClosed is returned by Create once Close was called.
var ErrManagerClosed = errors.New("group manager closed")

// IDAllocator hands out host ids for new groups.
type IDAllocator interface {
	Allocate() (protocol.HostID, error)
}

// ManagerConfig configures every group created by a Manager.
type ManagerConfig struct {
	ServerHostID      protocol.HostID
	EncryptionEnabled bool
	KeyLength         int

	// JoinServer adds the relay to each group right after creation.
	JoinServer bool

	Sessions   SessionManager
	IDs        IDAllocator
	Observer   Observer
	ServerSink func(protocol.Message)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Manager is the registry of live groups.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	mu     sync.RWMutex
	groups map[protocol.HostID]*Group
	closed bool
}

// NewManager creates a group registry.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("p2p: manager requires a session manager")
	}
	if cfg.IDs == nil {
		return nil, errors.New("p2p: manager requires an id allocator")
	}
	if cfg.ServerHostID == protocol.HostIDNone {
		return nil, errors.New("p2p: server host id must be non-zero")
	}
	if cfg.EncryptionEnabled && cfg.KeyLength == 0 {
		cfg.KeyLength = crypto.DefaultKeyLength
	}
	if cfg.EncryptionEnabled && !crypto.ValidKeyLength(cfg.KeyLength) {
		return nil, fmt.Errorf("p2p: %w: %d", crypto.ErrInvalidKeyLength, cfg.KeyLength)
	}

	return &Manager{
		cfg:    cfg,
		logger: logging.Component(cfg.Logger, "p2p"),
		groups: make(map[protocol.HostID]*Group),
	}, nil
}

// Create allocates a group id and registers a new group.
func (m *Manager) Create(allowDirectP2P bool) (*Group, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrManagerClosed
	}

	id, err := m.cfg.IDs.Allocate()
	if err != nil {
		return nil, fmt.Errorf("allocate group id: %w", err)
	}

	g, err := NewGroup(GroupConfig{
		ID:                id,
		AllowDirectP2P:    allowDirectP2P,
		EncryptionEnabled: m.cfg.EncryptionEnabled,
		KeyLength:         m.cfg.KeyLength,
		ServerHostID:      m.cfg.ServerHostID,
		Sessions:          m.cfg.Sessions,
		Observer:          m.cfg.Observer,
		ServerSink:        m.cfg.ServerSink,
		Logger:            m.cfg.Logger,
		Metrics:           m.cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	if m.cfg.JoinServer {
		if err := g.JoinServer(); err != nil {
			return nil, fmt.Errorf("join server to group %d: %w", id, err)
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		g.Close()
		return nil, ErrManagerClosed
	}
	m.groups[id] = g
	count := len(m.groups)
	m.mu.Unlock()

	m.cfg.Metrics.RecordGroupCreated()
	m.logger.Info("group created",
		logging.KeyGroupID, uint32(id),
		"allow_direct_p2p", allowDirectP2P,
		logging.KeyCount, count)
	return g, nil
}

// Get returns the group with id.
func (m *Manager) Get(id protocol.HostID) (*Group, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	return g, ok
}

// Remove unregisters and closes the group. It reports whether the group existed.
func (m *Manager) Remove(id protocol.HostID) bool {
	m.mu.Lock()
	g, ok := m.groups[id]
	delete(m.groups, id)
	m.mu.Unlock()

	if !ok {
		return false
	}
	g.Close()
	m.cfg.Metrics.RecordGroupRemoved()
	m.logger.Info("group removed", logging.KeyGroupID, uint32(id))
	return true
}

// RemoveIfEmpty removes the group when no client session is left in it.
func (m *Manager) RemoveIfEmpty(id protocol.HostID) bool {
	m.mu.Lock()
	g, ok := m.groups[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	left, closed := g.closeIfEmpty()
	if !closed {
		m.mu.Unlock()
		return false
	}
	delete(m.groups, id)
	m.mu.Unlock()

	g.finishClose(left)
	m.cfg.Metrics.RecordGroupRemoved()
	m.logger.Info("empty group removed", logging.KeyGroupID, uint32(id))
	return true
}

// Count returns the number of live groups.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.groups)
}

// List returns the live groups ordered by id.
func (m *Manager) List() []*Group {
	m.mu.RLock()
	out := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// MemberCount returns the number of members across all groups.
func (m *Manager) MemberCount() int {
	n := 0
	for _, g := range m.List() {
		n += g.Count()
	}
	return n
}

// Close removes every group. Later calls to Create fail with ErrManagerClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	groups := m.groups
	m.groups = make(map[protocol.HostID]*Group)
	m.mu.Unlock()

	for _, g := range groups {
		g.Close()
		m.cfg.Metrics.RecordGroupRemoved()
	}
}
