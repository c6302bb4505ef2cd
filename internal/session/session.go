// Package session tracks the clients connected to the relay.
//
// A Session is keyed by the host id the relay assigned to it and by the UDP
// endpoint it talks from. Sessions enqueue outbound messages on a Transport
// without blocking and belong to at most one p2p.Group at a time.
package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/afii369/NetspherePirates/internal/p2p"
	"github.com/afii369/NetspherePirates/internal/protocol"
)

// ErrSessionClosed is returned by SendAsync once the session was removed.
var ErrSessionClosed = errors.New("session closed")

// Transport delivers a payload to a UDP endpoint. The returned channel
// receives exactly one value.
type Transport interface {
	SendAsync(payload []byte, to *net.UDPAddr) <-chan error
}

// Session is one connected client.
type Session struct {
	id        protocol.HostID
	endpoint  *net.UDPAddr
	transport Transport
	limiter   *rate.Limiter
	createdAt time.Time

	lastActivity atomic.Int64
	group        atomic.Pointer[p2p.Group]
	closed       atomic.Bool

	// membership serializes group changes made on behalf of this session.
	membership sync.Mutex
}

func newSession(id protocol.HostID, endpoint *net.UDPAddr, transport Transport, limiter *rate.Limiter, now time.Time) *Session {
	s := &Session{
		id:        id,
		endpoint:  endpoint,
		transport: transport,
		limiter:   limiter,
		createdAt: now,
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

// HostID returns the id assigned to the client.
func (s *Session) HostID() protocol.HostID { return s.id }

// Endpoint returns the client's UDP address.
func (s *Session) Endpoint() *net.UDPAddr { return s.endpoint }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivity returns when the client was last heard from.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Touch records inbound activity at now.
func (s *Session) Touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

// Allow reports whether the client may send another message now.
func (s *Session) Allow() bool {
	return s.limiter.Allow()
}

// Group returns the group the session is a member of, or nil.
func (s *Session) Group() *p2p.Group { return s.group.Load() }

// SetGroup records the session's group membership.
func (s *Session) SetGroup(g *p2p.Group) { s.group.Store(g) }

// LockMembership blocks until no other join, leave or disconnect is in
// progress for this session. Group and SetGroup stay usable while it is held.
func (s *Session) LockMembership() { s.membership.Lock() }

// UnlockMembership releases LockMembership.
func (s *Session) UnlockMembership() { s.membership.Unlock() }

// Closed reports whether the session was removed from its manager.
func (s *Session) Closed() bool { return s.closed.Load() }

// SendAsync marshals msg and hands it to the transport without blocking.
// Errors the transport reports immediately are returned; later write errors
// are only visible in the transport's logs and metrics.
func (s *Session) SendAsync(msg protocol.Message) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	result := s.transport.SendAsync(protocol.Marshal(msg), s.endpoint)
	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("send %s to host %d: %w", protocol.MessageTypeName(msg.Type()), s.id, err)
		}
	default:
	}
	return nil
}

// String returns a short description for logs.
func (s *Session) String() string {
	return fmt.Sprintf("Session{id=%d, endpoint=%s}", s.id, s.endpoint)
}

func (s *Session) close() bool {
	return s.closed.CompareAndSwap(false, true)
}
