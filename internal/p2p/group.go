package p2p

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/afii369/NetspherePirates/internal/crypto"
	"github.com/afii369/NetspherePirates/internal/logging"
	"github.com/afii369/NetspherePirates/internal/metrics"
	"github.com/afii369/NetspherePirates/internal/protocol"
)

var (
	// ErrDuplicateMembership is returned when a host id is already a member.
	ErrDuplicateMembership = errors.New("duplicate membership")

	// ErrUnknownMember is returned when a host id cannot be resolved to a session.
	ErrUnknownMember = errors.New("unknown member")

	// ErrGroupClosed is returned when joining a group that was removed.
	ErrGroupClosed = errors.New("group closed")

	// ErrInOtherGroup is returned when the session still belongs to another group.
	ErrInOtherGroup = errors.New("member of another group")
)

// Observer is notified about membership changes after the group lock is released.
type Observer interface {
	MemberJoined(g *Group, id protocol.HostID)
	MemberLeft(g *Group, id protocol.HostID)
}

// GroupConfig describes a group. All fields are fixed for the group's lifetime.
type GroupConfig struct {
	ID                protocol.HostID
	AllowDirectP2P    bool
	EncryptionEnabled bool
	KeyLength         int
	ServerHostID      protocol.HostID

	Sessions SessionManager
	Observer Observer

	// ServerSink receives messages addressed to the server member. It runs
	// under the group lock and must not call back into the group.
	ServerSink func(protocol.Message)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Group is a set of members coordinated by the relay.
type Group struct {
	id             protocol.HostID
	allowDirectP2P bool
	encryption     bool
	keyLength      int
	serverHostID   protocol.HostID
	serverSink     func(protocol.Message)

	sessions SessionManager
	observer Observer
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu              sync.RWMutex
	members         map[protocol.HostID]*Member
	nextCorrelation uint32
	closed          bool
}

// NewGroup creates an empty group.
func NewGroup(cfg GroupConfig) (*Group, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("p2p: group requires a session manager")
	}
	if cfg.EncryptionEnabled && !crypto.ValidKeyLength(cfg.KeyLength) {
		return nil, fmt.Errorf("p2p: %w: %d", crypto.ErrInvalidKeyLength, cfg.KeyLength)
	}

	return &Group{
		id:             cfg.ID,
		allowDirectP2P: cfg.AllowDirectP2P,
		encryption:     cfg.EncryptionEnabled,
		keyLength:      cfg.KeyLength,
		serverHostID:   cfg.ServerHostID,
		serverSink:     cfg.ServerSink,
		sessions:       cfg.Sessions,
		observer:       cfg.Observer,
		logger: logging.Component(cfg.Logger, "p2p").With(
			slog.Uint64(logging.KeyGroupID, uint64(cfg.ID))),
		metrics: cfg.Metrics,
		members: make(map[protocol.HostID]*Member),
	}, nil
}

// ID returns the group host id.
func (g *Group) ID() protocol.HostID { return g.id }

// AllowDirectP2P reports whether members may link directly.
func (g *Group) AllowDirectP2P() bool { return g.allowDirectP2P }

// EncryptionEnabled reports whether members are issued keys.
func (g *Group) EncryptionEnabled() bool { return g.encryption }

// ServerHostID returns the host id used by the relay's own member.
func (g *Group) ServerHostID() protocol.HostID { return g.serverHostID }

// JoinServer adds the relay itself as a member. Existing members are told about
// it with correlation id 0; no connection states are created.
func (g *Group) JoinServer() error {
	c, err := g.newCrypt()
	if err != nil {
		return err
	}

	g.mu.Lock()
	if err := g.checkJoinLocked(g.serverHostID); err != nil {
		g.mu.Unlock()
		c.Destroy()
		return err
	}

	server := newMember(g, &serverParticipant{id: g.serverHostID, sink: g.serverSink}, nil, c)
	for _, other := range g.members {
		g.sendLocked(other, g.joinMessage(server, server.HostID(), 0, false))
	}
	g.members[g.serverHostID] = server
	count := len(g.members)
	g.mu.Unlock()

	g.metrics.RecordMemberJoin()
	g.logger.Debug("server joined group",
		logging.KeyHostID, uint32(g.serverHostID),
		logging.KeyCount, count)
	g.notifyJoined(g.serverHostID)
	return nil
}

// LeaveServer removes the relay's member. It is a no-op when absent.
func (g *Group) LeaveServer() {
	g.Leave(g.serverHostID)
}

// HasServer reports whether the relay is currently a member.
func (g *Group) HasServer() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.members[g.serverHostID]
	return ok
}

// Join adds the session with host id to the group. A session can be in one
// group at a time, so it must leave its current group first.
//
// The new member first receives a notification about itself with correlation
// id 0. Then, for each existing member, a ConnectionState pair is created and
// each side is told about the other, carrying the correlation id the other
// side stored for it.
func (g *Group) Join(id protocol.HostID) error {
	sess, ok := g.sessions.GetSession(id)
	if !ok || sess == nil {
		g.metrics.RecordJoinError("unknown_member")
		return fmt.Errorf("%w: host %d", ErrUnknownMember, id)
	}

	c, err := g.newCrypt()
	if err != nil {
		g.metrics.RecordJoinError("crypt")
		return err
	}

	g.mu.Lock()
	if err := g.checkJoinLocked(id); err != nil {
		g.mu.Unlock()
		c.Destroy()
		return err
	}
	if current := sess.Group(); current != nil && current != g {
		g.mu.Unlock()
		c.Destroy()
		g.metrics.RecordJoinError("other_group")
		return fmt.Errorf("%w: host %d in group %d", ErrInOtherGroup, id, current.ID())
	}

	m := newMember(g, sess, sess, c)
	existing := make([]*Member, 0, len(g.members))
	for _, other := range g.members {
		existing = append(existing, other)
	}
	g.members[id] = m
	sess.SetGroup(g)

	g.sendLocked(m, g.joinMessage(m, id, 0, g.allowDirectP2P))

	for _, other := range existing {
		mine := newConnectionState(other, g.mintCorrelationLocked())
		theirs := newConnectionState(m, g.mintCorrelationLocked())
		m.states[other.HostID()] = mine
		other.states[id] = theirs

		direct := g.allowDirectP2P && !other.IsServer()
		g.sendLocked(other, g.joinMessage(m, id, mine.correlationID, direct))
		g.sendLocked(m, g.joinMessage(m, other.HostID(), theirs.correlationID, direct))
	}
	count := len(g.members)
	g.mu.Unlock()

	g.metrics.RecordMemberJoin()
	g.logger.Debug("member joined group",
		logging.KeyHostID, uint32(id),
		logging.KeyCount, count)
	g.notifyJoined(id)
	return nil
}

// Leave removes host id from the group. It is a no-op when absent.
func (g *Group) Leave(id protocol.HostID) {
	g.mu.Lock()
	m, ok := g.members[id]
	if !ok {
		g.mu.Unlock()
		return
	}
	g.removeLocked(m)
	count := len(g.members)
	g.mu.Unlock()

	g.metrics.RecordMemberLeave()
	g.logger.Debug("member left group",
		logging.KeyHostID, uint32(id),
		logging.KeyCount, count)
	g.notifyLeft(id)
}

// Close removes every member as if each had left. Later joins fail with
// ErrGroupClosed.
func (g *Group) Close() {
	g.mu.Lock()
	left := g.closeLocked()
	g.mu.Unlock()
	g.finishClose(left)
}

func (g *Group) closeLocked() []protocol.HostID {
	if g.closed {
		return nil
	}
	g.closed = true

	left := make([]protocol.HostID, 0, len(g.members))
	for _, m := range g.members {
		left = append(left, m.HostID())
		g.removeLocked(m)
	}
	return left
}

func (g *Group) finishClose(left []protocol.HostID) {
	if left == nil {
		return
	}
	for _, id := range left {
		g.metrics.RecordMemberLeave()
		g.notifyLeft(id)
	}
	g.logger.Debug("group closed", logging.KeyCount, len(left))
}

// Closed reports whether Close was called.
func (g *Group) Closed() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.closed
}

// Member returns the member with host id.
func (g *Group) Member(id protocol.HostID) (*Member, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m, ok := g.members[id]
	return m, ok
}

// Count returns the number of members, the server included.
func (g *Group) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}

// Members returns a snapshot of the current members in no particular order.
func (g *Group) Members() []*Member {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Member, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, m)
	}
	return out
}

// HostIDs returns a snapshot of the current member host ids.
func (g *Group) HostIDs() []protocol.HostID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]protocol.HostID, 0, len(g.members))
	for id := range g.members {
		out = append(out, id)
	}
	return out
}

// closeIfEmpty closes the group when no client session is left in it. The
// caller runs finishClose with the returned ids once its own locks are released.
func (g *Group) closeIfEmpty() ([]protocol.HostID, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, m := range g.members {
		if !m.IsServer() {
			return nil, false
		}
	}
	return g.closeLocked(), true
}

func (g *Group) checkJoinLocked(id protocol.HostID) error {
	if g.closed {
		g.metrics.RecordJoinError("closed")
		return fmt.Errorf("%w: group %d", ErrGroupClosed, g.id)
	}
	if _, ok := g.members[id]; ok {
		g.metrics.RecordJoinError("duplicate")
		return fmt.Errorf("%w: host %d in group %d", ErrDuplicateMembership, id, g.id)
	}
	return nil
}

// removeLocked detaches m and notifies everyone involved. The server member gets
// no notifications of its own.
func (g *Group) removeLocked(m *Member) {
	id := m.HostID()
	delete(g.members, id)
	m.release()

	if m.session != nil {
		if m.session.Group() == g {
			m.session.SetGroup(nil)
		}
		g.sendLocked(m, &protocol.MemberLeave{HostID: id, GroupID: g.id})
	}

	for _, other := range g.members {
		delete(other.states, id)
		g.sendLocked(other, &protocol.MemberLeave{HostID: id, GroupID: g.id})
		if m.session != nil {
			g.sendLocked(m, &protocol.MemberLeave{HostID: other.HostID(), GroupID: g.id})
		}
	}
}

// joinMessage announces host id to a recipient, carrying keyOwner's key when
// encryption is enabled.
func (g *Group) joinMessage(keyOwner *Member, id protocol.HostID, correlationID uint32, direct bool) protocol.Message {
	if g.encryption {
		return &protocol.MemberJoin{
			GroupID:        g.id,
			HostID:         id,
			CorrelationID:  correlationID,
			Key:            keyOwner.keyLocked(),
			AllowDirectP2P: direct,
		}
	}
	return &protocol.MemberJoinUnencrypted{
		GroupID:        g.id,
		HostID:         id,
		CorrelationID:  correlationID,
		AllowDirectP2P: direct,
	}
}

// mintCorrelationLocked returns the next correlation id. 0 is never minted.
func (g *Group) mintCorrelationLocked() uint32 {
	g.nextCorrelation++
	if g.nextCorrelation == 0 {
		g.nextCorrelation = 1
	}
	return g.nextCorrelation
}

func (g *Group) sendLocked(to *Member, msg protocol.Message) {
	if c, ok := to.participant.(closer); ok && c.Closed() {
		return
	}
	if err := to.participant.SendAsync(msg); err != nil {
		g.logger.Debug("notification not enqueued",
			logging.KeyHostID, uint32(to.HostID()),
			logging.KeyMessageType, protocol.MessageTypeName(msg.Type()),
			logging.KeyError, err)
		return
	}
	g.metrics.RecordNotification(protocol.MessageTypeName(msg.Type()))
}

func (g *Group) newCrypt() (*crypto.Crypt, error) {
	if !g.encryption {
		return nil, nil
	}
	return crypto.NewCrypt(g.keyLength)
}

func (g *Group) notifyJoined(id protocol.HostID) {
	if g.observer != nil {
		g.observer.MemberJoined(g, id)
	}
}

func (g *Group) notifyLeft(id protocol.HostID) {
	if g.observer != nil {
		g.observer.MemberLeft(g, id)
	}
}
