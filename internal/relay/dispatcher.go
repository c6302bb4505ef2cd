// Package relay dispatches client messages to sessions and P2P groups.
//
// The Dispatcher is the udp.Handler of the relay. It decodes each datagram,
// resolves the sending session by endpoint and runs the request:
//
//	Connect      create (or re-acknowledge) a session
//	Disconnect   leave the current group and drop the session
//	Keepalive    echoed unchanged
//	CreateGroup  register a group, answer GroupCreated
//	JoinGroup    leave the current group, then join the requested one
//	LeaveGroup   leave, removing the group once no client is left
//	Relay        forward a payload to another member of the same group
//
// Group requests are answered with a Result. Datagrams from endpoints without
// a session are dropped unless they carry a Connect.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/afii369/NetspherePirates/internal/logging"
	"github.com/afii369/NetspherePirates/internal/metrics"
	"github.com/afii369/NetspherePirates/internal/p2p"
	"github.com/afii369/NetspherePirates/internal/protocol"
	"github.com/afii369/NetspherePirates/internal/session"
	"github.com/afii369/NetspherePirates/internal/udp"
)

// Config wires a Dispatcher to the relay's registries.
type Config struct {
	ServerHostID protocol.HostID

	Sessions *session.Manager
	Groups   *p2p.Manager

	// Transport answers endpoints that have no session yet.
	Transport session.Transport

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Dispatcher routes decoded client messages.
type Dispatcher struct {
	serverHostID protocol.HostID
	sessions     *session.Manager
	groups       *p2p.Manager
	transport    session.Transport
	logger       *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

// New creates a dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Sessions == nil || cfg.Groups == nil {
		return nil, errors.New("relay: sessions and groups are required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("relay: transport is required")
	}
	if cfg.ServerHostID == protocol.HostIDNone {
		cfg.ServerHostID = protocol.DefaultServerHostID
	}

	return &Dispatcher{
		serverHostID: cfg.ServerHostID,
		sessions:     cfg.Sessions,
		groups:       cfg.Groups,
		transport:    cfg.Transport,
		logger:       logging.Component(cfg.Logger, "relay"),
		metrics:      cfg.Metrics,
		now:          time.Now,
	}, nil
}

var _ udp.Handler = (*Dispatcher)(nil)

// HandleDatagram decodes and dispatches one client message.
func (d *Dispatcher) HandleDatagram(ctx context.Context, dg udp.Datagram) {
	if ctx.Err() != nil {
		return
	}

	msg, err := protocol.Unmarshal(dg.Payload)
	if err != nil {
		d.metrics.RecordRelayError("decode")
		d.logger.Debug("dropping undecodable message",
			logging.KeyRemoteAddr, dg.From.String(),
			logging.KeyError, err)
		return
	}

	sess, ok := d.sessions.ByEndpoint(dg.From)
	if !ok {
		if connect, isConnect := msg.(*protocol.Connect); isConnect {
			d.handleConnect(dg.From, connect)
			return
		}
		d.metrics.RecordRelayError("no_session")
		d.logger.Debug("dropping message from unknown endpoint",
			logging.KeyRemoteAddr, dg.From.String(),
			logging.KeyMessageType, protocol.MessageTypeName(msg.Type()))
		return
	}

	sess.Touch(d.now())
	if !sess.Allow() {
		d.metrics.RecordRateLimited()
		if isRequest(msg.Type()) {
			d.result(sess, msg.Type(), protocol.ResultRateLimited)
		}
		return
	}

	d.dispatch(sess, msg)
}

func (d *Dispatcher) dispatch(sess *session.Session, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Connect:
		d.ack(sess)
	case *protocol.Disconnect:
		d.handleDisconnect(sess)
	case *protocol.Keepalive:
		d.send(sess, m)
	case *protocol.CreateGroup:
		d.handleCreateGroup(sess, m)
	case *protocol.JoinGroup:
		d.handleJoinGroup(sess, m)
	case *protocol.LeaveGroup:
		d.handleLeaveGroup(sess, m)
	case *protocol.Relay:
		d.handleRelay(sess, m)
	default:
		// Server-to-client messages are never valid requests.
		d.result(sess, msg.Type(), protocol.ResultInvalidRequest)
	}
}

// handleConnect creates a session for a new endpoint.
func (d *Dispatcher) handleConnect(from *net.UDPAddr, m *protocol.Connect) {
	if m.Version != protocol.ProtocolVersion {
		d.logger.Debug("rejecting connect with unsupported version",
			logging.KeyRemoteAddr, from.String(),
			"version", m.Version)
		d.reply(from, &protocol.Result{Request: protocol.MsgConnect, Code: protocol.ResultInvalidRequest})
		return
	}

	sess, err := d.sessions.Create(from)
	switch {
	case err == nil:
		d.ack(sess)
	case errors.Is(err, session.ErrEndpointInUse):
		// Raced with another Connect from the same endpoint.
		if existing, ok := d.sessions.ByEndpoint(from); ok {
			d.ack(existing)
		}
	case errors.Is(err, session.ErrSessionLimit):
		d.reply(from, &protocol.Result{Request: protocol.MsgConnect, Code: protocol.ResultSessionLimit})
	default:
		d.logger.Warn("failed to create session",
			logging.KeyRemoteAddr, from.String(),
			logging.KeyError, err)
		d.reply(from, &protocol.Result{Request: protocol.MsgConnect, Code: protocol.ResultGeneralFailure})
	}
}

func (d *Dispatcher) ack(sess *session.Session) {
	d.send(sess, &protocol.ConnectAck{HostID: sess.HostID(), ServerHostID: d.serverHostID})
}

func (d *Dispatcher) handleDisconnect(sess *session.Session) {
	sess.LockMembership()
	defer sess.UnlockMembership()

	d.sessions.Remove(sess.HostID(), session.ReasonDisconnect)
	d.leaveCurrentGroupLocked(sess)
}

// SessionExpired is the session manager's expire callback.
func (d *Dispatcher) SessionExpired(sess *session.Session) {
	sess.LockMembership()
	defer sess.UnlockMembership()

	d.leaveCurrentGroupLocked(sess)
}

// leaveCurrentGroupLocked removes sess from its group and drops the group once
// only the relay is left in it. The caller holds sess.LockMembership.
func (d *Dispatcher) leaveCurrentGroupLocked(sess *session.Session) {
	g := sess.Group()
	if g == nil {
		return
	}
	g.Leave(sess.HostID())
	d.groups.RemoveIfEmpty(g.ID())
}

func (d *Dispatcher) handleCreateGroup(sess *session.Session, m *protocol.CreateGroup) {
	g, err := d.groups.Create(m.AllowDirectP2P)
	if err != nil {
		d.logger.Warn("failed to create group",
			logging.KeyHostID, uint32(sess.HostID()),
			logging.KeyError, err)
		d.result(sess, protocol.MsgCreateGroup, protocol.ResultGeneralFailure)
		return
	}
	d.send(sess, &protocol.GroupCreated{GroupID: g.ID()})
}

func (d *Dispatcher) handleJoinGroup(sess *session.Session, m *protocol.JoinGroup) {
	g, ok := d.groups.Get(m.GroupID)
	if !ok || g.Closed() {
		d.result(sess, protocol.MsgJoinGroup, protocol.ResultUnknownGroup)
		return
	}

	sess.LockMembership()
	defer sess.UnlockMembership()

	// Disconnected or expired while this request was queued.
	if sess.Closed() {
		return
	}

	// A target closed after the check above still costs the old membership.
	if current := sess.Group(); current != nil && current != g {
		d.leaveCurrentGroupLocked(sess)
	}

	if err := g.Join(sess.HostID()); err != nil {
		d.logger.Debug("join rejected",
			logging.KeyHostID, uint32(sess.HostID()),
			logging.KeyGroupID, uint32(g.ID()),
			logging.KeyError, err)
		d.result(sess, protocol.MsgJoinGroup, joinResultCode(err))
		return
	}
	d.result(sess, protocol.MsgJoinGroup, protocol.ResultOK)
}

func joinResultCode(err error) protocol.ResultCode {
	switch {
	case errors.Is(err, p2p.ErrDuplicateMembership), errors.Is(err, p2p.ErrInOtherGroup):
		return protocol.ResultDuplicateMembership
	case errors.Is(err, p2p.ErrUnknownMember):
		return protocol.ResultUnknownMember
	case errors.Is(err, p2p.ErrGroupClosed):
		return protocol.ResultUnknownGroup
	default:
		return protocol.ResultGeneralFailure
	}
}

func (d *Dispatcher) handleLeaveGroup(sess *session.Session, m *protocol.LeaveGroup) {
	g, ok := d.groups.Get(m.GroupID)
	if !ok {
		d.result(sess, protocol.MsgLeaveGroup, protocol.ResultUnknownGroup)
		return
	}

	sess.LockMembership()
	defer sess.UnlockMembership()

	if _, member := g.Member(sess.HostID()); !member {
		d.result(sess, protocol.MsgLeaveGroup, protocol.ResultNotInGroup)
		return
	}

	g.Leave(sess.HostID())
	d.groups.RemoveIfEmpty(g.ID())
	d.result(sess, protocol.MsgLeaveGroup, protocol.ResultOK)
}

// handleRelay forwards a payload to another member of the sender's group.
// Encrypted payloads are opened with the sender's key and sealed again with
// the target's.
func (d *Dispatcher) handleRelay(sess *session.Session, m *protocol.Relay) {
	g := sess.Group()
	if g == nil {
		d.relayFailed(sess, m, "not_in_group", protocol.ResultNotInGroup)
		return
	}
	sender, ok := g.Member(sess.HostID())
	if !ok {
		d.relayFailed(sess, m, "not_in_group", protocol.ResultNotInGroup)
		return
	}
	target, ok := g.Member(m.Target)
	if !ok || m.Target == sess.HostID() {
		d.relayFailed(sess, m, "unknown_target", protocol.ResultUnknownMember)
		return
	}
	if target.IsServer() {
		d.metrics.RecordRelayError("server_target")
		d.logger.Debug("dropping relay addressed to the server",
			logging.KeyHostID, uint32(sess.HostID()),
			logging.KeyGroupID, uint32(g.ID()))
		return
	}

	data, mode := m.Data, "plain"
	if m.Encrypted() {
		if !g.EncryptionEnabled() {
			d.relayFailed(sess, m, "not_encrypted", protocol.ResultInvalidRequest)
			return
		}
		resealed, err := reseal(sender, target, m.Data)
		if err != nil {
			d.metrics.RecordRelayError("crypt")
			d.logger.Debug("dropping relay that could not be re-sealed",
				logging.KeyHostID, uint32(sess.HostID()),
				logging.KeyPeerHostID, uint32(m.Target),
				logging.KeyError, err)
			return
		}
		data, mode = resealed, "encrypted"
	}

	out := &protocol.Relayed{Source: sess.HostID(), Flags: m.Flags, Data: data}
	if err := target.Session().SendAsync(out); err != nil {
		d.metrics.RecordRelayError("send")
		d.logger.Debug("relay not enqueued",
			logging.KeyPeerHostID, uint32(m.Target),
			logging.KeyError, err)
		return
	}
	d.metrics.RecordRelayed(mode)
}

func reseal(sender, target *p2p.Member, data []byte) ([]byte, error) {
	from, to := sender.Crypt(), target.Crypt()
	if from == nil || to == nil {
		return nil, errors.New("member has no key")
	}
	plain, err := from.Open(data)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	sealed, err := to.Seal(plain)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return sealed, nil
}

func (d *Dispatcher) relayFailed(sess *session.Session, m *protocol.Relay, reason string, code protocol.ResultCode) {
	d.metrics.RecordRelayError(reason)
	d.logger.Debug("relay rejected",
		logging.KeyHostID, uint32(sess.HostID()),
		logging.KeyPeerHostID, uint32(m.Target),
		"reason", reason)
	d.result(sess, protocol.MsgRelay, code)
}

func (d *Dispatcher) result(sess *session.Session, request protocol.MessageType, code protocol.ResultCode) {
	d.send(sess, &protocol.Result{Request: request, Code: code})
}

func (d *Dispatcher) send(sess *session.Session, msg protocol.Message) {
	if err := sess.SendAsync(msg); err != nil {
		d.logger.Debug("reply not enqueued",
			logging.KeyHostID, uint32(sess.HostID()),
			logging.KeyMessageType, protocol.MessageTypeName(msg.Type()),
			logging.KeyError, err)
	}
}

// reply answers an endpoint that has no session.
func (d *Dispatcher) reply(to *net.UDPAddr, msg protocol.Message) {
	select {
	case err := <-d.transport.SendAsync(protocol.Marshal(msg), to):
		if err != nil {
			d.logger.Debug("reply not enqueued",
				logging.KeyRemoteAddr, to.String(),
				logging.KeyError, err)
		}
	default:
	}
}

func isRequest(t protocol.MessageType) bool {
	switch t {
	case protocol.MsgConnect, protocol.MsgCreateGroup, protocol.MsgJoinGroup, protocol.MsgLeaveGroup:
		return true
	default:
		return false
	}
}
