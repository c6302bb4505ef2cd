package p2p

import (
	"github.com/afii369/NetspherePirates/internal/crypto"
	"github.com/afii369/NetspherePirates/internal/protocol"
)

// Participant is anything that can take part in a group: a client session or
// the relay itself.
type Participant interface {
	HostID() protocol.HostID
	// SendAsync enqueues msg for delivery. It must not block.
	SendAsync(msg protocol.Message) error
}

// Session is a connected client. It belongs to at most one group.
type Session interface {
	Participant
	Group() *Group
	SetGroup(g *Group)
}

// closer is implemented by participants that can go away while still being
// members. Notifications to a closed participant are skipped.
type closer interface {
	Closed() bool
}

// SessionManager resolves host ids to connected sessions.
type SessionManager interface {
	GetSession(id protocol.HostID) (Session, bool)
}

// serverParticipant stands in for the relay process. Messages go to sink, or
// are dropped when no sink is configured.
type serverParticipant struct {
	id   protocol.HostID
	sink func(protocol.Message)
}

func (s *serverParticipant) HostID() protocol.HostID { return s.id }

func (s *serverParticipant) SendAsync(msg protocol.Message) error {
	if s.sink != nil {
		s.sink(msg)
	}
	return nil
}

// Member is a participant inside one group. Its crypt and connection states
// are guarded by the owning group's lock.
type Member struct {
	group       *Group
	participant Participant
	session     Session // nil for the server member
	crypt       *crypto.Crypt
	states      map[protocol.HostID]*ConnectionState
}

func newMember(g *Group, p Participant, s Session, c *crypto.Crypt) *Member {
	return &Member{
		group:       g,
		participant: p,
		session:     s,
		crypt:       c,
		states:      make(map[protocol.HostID]*ConnectionState),
	}
}

// HostID returns the member's host id.
func (m *Member) HostID() protocol.HostID {
	return m.participant.HostID()
}

// IsServer reports whether m is the relay's own member.
func (m *Member) IsServer() bool {
	return m.session == nil
}

// Session returns the client session, or nil for the server member.
func (m *Member) Session() Session {
	return m.session
}

// Crypt returns the member's key holder, or nil when encryption is off or the
// member has left.
func (m *Member) Crypt() *crypto.Crypt {
	m.group.mu.RLock()
	defer m.group.mu.RUnlock()
	return m.crypt
}

// Key returns a copy of the member's key, or nil.
func (m *Member) Key() []byte {
	m.group.mu.RLock()
	defer m.group.mu.RUnlock()
	return m.keyLocked()
}

// ConnectionState returns the member's state for peer.
func (m *Member) ConnectionState(peer protocol.HostID) (*ConnectionState, bool) {
	m.group.mu.RLock()
	defer m.group.mu.RUnlock()
	st, ok := m.states[peer]
	return st, ok
}

// ConnectionStates returns a snapshot of the member's per-peer states.
func (m *Member) ConnectionStates() map[protocol.HostID]*ConnectionState {
	m.group.mu.RLock()
	defer m.group.mu.RUnlock()

	out := make(map[protocol.HostID]*ConnectionState, len(m.states))
	for id, st := range m.states {
		out[id] = st
	}
	return out
}

func (m *Member) keyLocked() []byte {
	if m.crypt == nil {
		return nil
	}
	return m.crypt.Key()
}

// release wipes crypto material and pairings. Caller holds the group lock.
func (m *Member) release() {
	if m.crypt != nil {
		m.crypt.Destroy()
		m.crypt = nil
	}
	clear(m.states)
}
