// Package protocol defines the relay wire messages exchanged with clients.
package protocol

import "strconv"

// HostID identifies a participant (the relay itself, a client or a group)
// within the relay's addressing scheme.
type HostID uint32

// String returns the decimal form of the host id.
func (h HostID) String() string {
	return strconv.FormatUint(uint64(h), 10)
}

// Well-known host ids
const (
	// HostIDNone is never assigned to a participant.
	HostIDNone HostID = 0

	// DefaultServerHostID is the host id the relay uses for itself unless
	// configured otherwise.
	DefaultServerHostID HostID = 1
)

// MessageType identifies the body carried by a message.
type MessageType uint16

// Message type constants
const (
	// Session messages
	MsgConnect    MessageType = 0x0001 // Client asks for a session
	MsgConnectAck MessageType = 0x0002 // Session created, carries assigned host id
	MsgDisconnect MessageType = 0x0003 // Client leaves
	MsgKeepalive  MessageType = 0x0004 // Liveness probe, echoed back

	// Group requests
	MsgCreateGroup  MessageType = 0x0010 // Create a P2P group
	MsgGroupCreated MessageType = 0x0011 // Group created, carries group host id
	MsgJoinGroup    MessageType = 0x0012 // Join an existing group
	MsgLeaveGroup   MessageType = 0x0013 // Leave a group
	MsgResult       MessageType = 0x0014 // Result code for a request

	// Relayed traffic
	MsgRelay   MessageType = 0x0020 // Client to server, forward to target
	MsgRelayed MessageType = 0x0021 // Server to client, forwarded payload

	// Group notifications
	MsgMemberJoin            MessageType = 0x0030 // Member joined, carries key
	MsgMemberJoinUnencrypted MessageType = 0x0031 // Member joined, no key
	MsgMemberLeave           MessageType = 0x0032 // Member left
)

// ResultCode is carried by Result messages.
type ResultCode uint16

// Result codes
const (
	ResultOK                  ResultCode = 0
	ResultDuplicateMembership ResultCode = 1
	ResultUnknownMember       ResultCode = 2
	ResultUnknownGroup        ResultCode = 3
	ResultNotInGroup          ResultCode = 4
	ResultRateLimited         ResultCode = 5
	ResultSessionLimit        ResultCode = 6
	ResultInvalidRequest      ResultCode = 7
	ResultGeneralFailure      ResultCode = 8
)

// Relay flags
const (
	FlagEncrypted uint8 = 0x01 // Payload is sealed with the sender's group key
)

// Protocol constants
const (
	// ProtocolVersion is the current protocol version
	ProtocolVersion uint16 = 1

	// TypeSize is the size of the message type prefix in bytes
	TypeSize = 2

	// MaxKeyLength is the largest symmetric key a MemberJoin may carry
	MaxKeyLength = 64
)

// MessageTypeName returns a human-readable name for a message type.
func MessageTypeName(t MessageType) string {
	switch t {
	case MsgConnect:
		return "CONNECT"
	case MsgConnectAck:
		return "CONNECT_ACK"
	case MsgDisconnect:
		return "DISCONNECT"
	case MsgKeepalive:
		return "KEEPALIVE"
	case MsgCreateGroup:
		return "CREATE_GROUP"
	case MsgGroupCreated:
		return "GROUP_CREATED"
	case MsgJoinGroup:
		return "JOIN_GROUP"
	case MsgLeaveGroup:
		return "LEAVE_GROUP"
	case MsgResult:
		return "RESULT"
	case MsgRelay:
		return "RELAY"
	case MsgRelayed:
		return "RELAYED"
	case MsgMemberJoin:
		return "MEMBER_JOIN"
	case MsgMemberJoinUnencrypted:
		return "MEMBER_JOIN_UNENCRYPTED"
	case MsgMemberLeave:
		return "MEMBER_LEAVE"
	default:
		return "UNKNOWN"
	}
}

// ResultCodeName returns a human-readable name for a result code.
func ResultCodeName(code ResultCode) string {
	switch code {
	case ResultOK:
		return "OK"
	case ResultDuplicateMembership:
		return "DUPLICATE_MEMBERSHIP"
	case ResultUnknownMember:
		return "UNKNOWN_MEMBER"
	case ResultUnknownGroup:
		return "UNKNOWN_GROUP"
	case ResultNotInGroup:
		return "NOT_IN_GROUP"
	case ResultRateLimited:
		return "RATE_LIMITED"
	case ResultSessionLimit:
		return "SESSION_LIMIT"
	case ResultInvalidRequest:
		return "INVALID_REQUEST"
	case ResultGeneralFailure:
		return "GENERAL_FAILURE"
	default:
		return "UNKNOWN"
	}
}

// IsNotification reports whether t is a group notification produced by the relay.
func IsNotification(t MessageType) bool {
	return t >= MsgMemberJoin && t <= MsgMemberLeave
}
