package p2p

import (
	"sync"
	"sync/atomic"

	"github.com/afii369/NetspherePirates/internal/logging"
	"github.com/afii369/NetspherePirates/internal/protocol"
)

const testServerID protocol.HostID = 1

// fakeSession records every message enqueued for it.
type fakeSession struct {
	id     protocol.HostID
	group  atomic.Pointer[Group]
	closed atomic.Bool

	mu   sync.Mutex
	msgs []protocol.Message
}

func (s *fakeSession) HostID() protocol.HostID { return s.id }

func (s *fakeSession) SendAsync(msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *fakeSession) Group() *Group     { return s.group.Load() }
func (s *fakeSession) SetGroup(g *Group) { s.group.Store(g) }
func (s *fakeSession) Closed() bool      { return s.closed.Load() }

func (s *fakeSession) messages() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Message(nil), s.msgs...)
}

func (s *fakeSession) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = nil
}

// joinFor returns host, correlation id and key of the first join notification
// about host.
func (s *fakeSession) joinFor(host protocol.HostID) (corr uint32, key []byte, direct bool, ok bool) {
	for _, msg := range s.messages() {
		switch m := msg.(type) {
		case *protocol.MemberJoin:
			if m.HostID == host {
				return m.CorrelationID, m.Key, m.AllowDirectP2P, true
			}
		case *protocol.MemberJoinUnencrypted:
			if m.HostID == host {
				return m.CorrelationID, nil, m.AllowDirectP2P, true
			}
		}
	}
	return 0, nil, false, false
}

func (s *fakeSession) leavesFor(host protocol.HostID) int {
	n := 0
	for _, msg := range s.messages() {
		if m, ok := msg.(*protocol.MemberLeave); ok && m.HostID == host {
			n++
		}
	}
	return n
}

// fakeSessions is a SessionManager over a fixed set of sessions.
type fakeSessions struct {
	mu       sync.RWMutex
	sessions map[protocol.HostID]*fakeSession
}

func newFakeSessions(ids ...protocol.HostID) *fakeSessions {
	fs := &fakeSessions{sessions: make(map[protocol.HostID]*fakeSession)}
	for _, id := range ids {
		fs.add(id)
	}
	return fs
}

func (f *fakeSessions) add(id protocol.HostID) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSession{id: id}
	f.sessions[id] = s
	return s
}

func (f *fakeSessions) get(id protocol.HostID) *fakeSession {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.sessions[id]
}

func (f *fakeSessions) GetSession(id protocol.HostID) (Session, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, false
	}
	return s, true
}

// counterIDs allocates sequential ids.
type counterIDs struct {
	next atomic.Uint32
}

func newCounterIDs(first uint32) *counterIDs {
	c := &counterIDs{}
	c.next.Store(first - 1)
	return c
}

func (c *counterIDs) Allocate() (protocol.HostID, error) {
	return protocol.HostID(c.next.Add(1)), nil
}

// recordingObserver keeps membership events in order.
type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) MemberJoined(g *Group, id protocol.HostID) {
	g.Count() // must not deadlock
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "join "+id.String())
}

func (o *recordingObserver) MemberLeft(g *Group, id protocol.HostID) {
	g.Count()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "leave "+id.String())
}

func (o *recordingObserver) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func newTestGroup(sessions SessionManager, encrypt, direct bool) *Group {
	g, err := NewGroup(GroupConfig{
		ID:                500,
		AllowDirectP2P:    direct,
		EncryptionEnabled: encrypt,
		KeyLength:         16,
		ServerHostID:      testServerID,
		Sessions:          sessions,
		Logger:            logging.NopLogger(),
	})
	if err != nil {
		panic(err)
	}
	return g
}
