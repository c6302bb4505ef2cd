package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrInvalidMessage is returned when a message body is malformed
	ErrInvalidMessage = errors.New("invalid message")

	// ErrUnknownMessageType is returned for unrecognized message types
	ErrUnknownMessageType = errors.New("unknown message type")
)

// Message is a body that can be carried in a single frame.
type Message interface {
	// Type returns the message type written in front of the body.
	Type() MessageType
	// Encode serializes the body (without the type prefix).
	Encode() []byte
}

// Marshal serializes a message with its type prefix.
func Marshal(m Message) []byte {
	body := m.Encode()
	buf := make([]byte, TypeSize+len(body))
	binary.BigEndian.PutUint16(buf[0:2], uint16(m.Type()))
	copy(buf[TypeSize:], body)
	return buf
}

// Unmarshal deserializes a message produced by Marshal.
func Unmarshal(buf []byte) (Message, error) {
	if len(buf) < TypeSize {
		return nil, fmt.Errorf("%w: missing message type", ErrInvalidMessage)
	}
	t := MessageType(binary.BigEndian.Uint16(buf[0:2]))
	body := buf[TypeSize:]

	switch t {
	case MsgConnect:
		return DecodeConnect(body)
	case MsgConnectAck:
		return DecodeConnectAck(body)
	case MsgDisconnect:
		return &Disconnect{}, nil
	case MsgKeepalive:
		return DecodeKeepalive(body)
	case MsgCreateGroup:
		return DecodeCreateGroup(body)
	case MsgGroupCreated:
		return DecodeGroupCreated(body)
	case MsgJoinGroup:
		return DecodeJoinGroup(body)
	case MsgLeaveGroup:
		return DecodeLeaveGroup(body)
	case MsgResult:
		return DecodeResult(body)
	case MsgRelay:
		return DecodeRelay(body)
	case MsgRelayed:
		return DecodeRelayed(body)
	case MsgMemberJoin:
		return DecodeMemberJoin(body)
	case MsgMemberJoinUnencrypted:
		return DecodeMemberJoinUnencrypted(body)
	case MsgMemberLeave:
		return DecodeMemberLeave(body)
	default:
		return nil, fmt.Errorf("%w: 0x%04x", ErrUnknownMessageType, uint16(t))
	}
}

// ============================================================================
// Session messages
// ============================================================================

// Connect asks the relay for a session.
type Connect struct {
	Version uint16
}

func (*Connect) Type() MessageType { return MsgConnect }

// Encode serializes Connect to bytes.
func (c *Connect) Encode() []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, c.Version)
	return buf
}

// DecodeConnect deserializes Connect from bytes.
func DecodeConnect(buf []byte) (*Connect, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: Connect too short", ErrInvalidMessage)
	}
	return &Connect{Version: binary.BigEndian.Uint16(buf)}, nil
}

// ConnectAck tells a client which host id it was assigned.
type ConnectAck struct {
	HostID       HostID
	ServerHostID HostID
}

func (*ConnectAck) Type() MessageType { return MsgConnectAck }

// Encode serializes ConnectAck to bytes.
func (c *ConnectAck) Encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], uint32(c.HostID))
	binary.BigEndian.PutUint32(buf[4:8], uint32(c.ServerHostID))
	return buf
}

// DecodeConnectAck deserializes ConnectAck from bytes.
func DecodeConnectAck(buf []byte) (*ConnectAck, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: ConnectAck too short", ErrInvalidMessage)
	}
	return &ConnectAck{
		HostID:       HostID(binary.BigEndian.Uint32(buf[0:4])),
		ServerHostID: HostID(binary.BigEndian.Uint32(buf[4:8])),
	}, nil
}

// Disconnect ends a session. It has no body.
type Disconnect struct{}

func (*Disconnect) Type() MessageType { return MsgDisconnect }

// Encode serializes Disconnect to bytes.
func (*Disconnect) Encode() []byte { return nil }

// Keepalive refreshes a session. The relay echoes it back unchanged.
type Keepalive struct {
	Timestamp uint64
}

func (*Keepalive) Type() MessageType { return MsgKeepalive }

// Encode serializes Keepalive to bytes.
func (k *Keepalive) Encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, k.Timestamp)
	return buf
}

// DecodeKeepalive deserializes Keepalive from bytes.
func DecodeKeepalive(buf []byte) (*Keepalive, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: Keepalive too short", ErrInvalidMessage)
	}
	return &Keepalive{Timestamp: binary.BigEndian.Uint64(buf)}, nil
}

// ============================================================================
// Group requests
// ============================================================================

// CreateGroup asks the relay to create a P2P group.
type CreateGroup struct {
	AllowDirectP2P bool
}

func (*CreateGroup) Type() MessageType { return MsgCreateGroup }

// Encode serializes CreateGroup to bytes.
func (c *CreateGroup) Encode() []byte {
	return []byte{boolByte(c.AllowDirectP2P)}
}

// DecodeCreateGroup deserializes CreateGroup from bytes.
func DecodeCreateGroup(buf []byte) (*CreateGroup, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("%w: CreateGroup too short", ErrInvalidMessage)
	}
	return &CreateGroup{AllowDirectP2P: buf[0] != 0}, nil
}

// GroupCreated carries the host id of a newly created group.
type GroupCreated struct {
	GroupID HostID
}

func (*GroupCreated) Type() MessageType { return MsgGroupCreated }

// Encode serializes GroupCreated to bytes.
func (g *GroupCreated) Encode() []byte { return encodeHostID(g.GroupID) }

// DecodeGroupCreated deserializes GroupCreated from bytes.
func DecodeGroupCreated(buf []byte) (*GroupCreated, error) {
	id, err := decodeHostID(buf, "GroupCreated")
	if err != nil {
		return nil, err
	}
	return &GroupCreated{GroupID: id}, nil
}

// JoinGroup asks the relay to add the sender to a group.
type JoinGroup struct {
	GroupID HostID
}

func (*JoinGroup) Type() MessageType { return MsgJoinGroup }

// Encode serializes JoinGroup to bytes.
func (j *JoinGroup) Encode() []byte { return encodeHostID(j.GroupID) }

// DecodeJoinGroup deserializes JoinGroup from bytes.
func DecodeJoinGroup(buf []byte) (*JoinGroup, error) {
	id, err := decodeHostID(buf, "JoinGroup")
	if err != nil {
		return nil, err
	}
	return &JoinGroup{GroupID: id}, nil
}

// LeaveGroup asks the relay to remove the sender from a group.
type LeaveGroup struct {
	GroupID HostID
}

func (*LeaveGroup) Type() MessageType { return MsgLeaveGroup }

// Encode serializes LeaveGroup to bytes.
func (l *LeaveGroup) Encode() []byte { return encodeHostID(l.GroupID) }

// DecodeLeaveGroup deserializes LeaveGroup from bytes.
func DecodeLeaveGroup(buf []byte) (*LeaveGroup, error) {
	id, err := decodeHostID(buf, "LeaveGroup")
	if err != nil {
		return nil, err
	}
	return &LeaveGroup{GroupID: id}, nil
}

// Result reports the outcome of a request.
type Result struct {
	Request MessageType
	Code    ResultCode
}

func (*Result) Type() MessageType { return MsgResult }

// Encode serializes Result to bytes.
func (r *Result) Encode() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], uint16(r.Request))
	binary.BigEndian.PutUint16(buf[2:4], uint16(r.Code))
	return buf
}

// DecodeResult deserializes Result from bytes.
func DecodeResult(buf []byte) (*Result, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: Result too short", ErrInvalidMessage)
	}
	return &Result{
		Request: MessageType(binary.BigEndian.Uint16(buf[0:2])),
		Code:    ResultCode(binary.BigEndian.Uint16(buf[2:4])),
	}, nil
}

// ============================================================================
// Relayed traffic
// ============================================================================

// Relay asks the relay to forward Data to Target.
type Relay struct {
	Target HostID
	Flags  uint8
	Data   []byte
}

func (*Relay) Type() MessageType { return MsgRelay }

// Encrypted reports whether Data is sealed with the sender's key.
func (r *Relay) Encrypted() bool { return r.Flags&FlagEncrypted != 0 }

// Encode serializes Relay to bytes.
func (r *Relay) Encode() []byte { return encodeForward(r.Target, r.Flags, r.Data) }

// DecodeRelay deserializes Relay from bytes.
func DecodeRelay(buf []byte) (*Relay, error) {
	id, flags, data, err := decodeForward(buf, "Relay")
	if err != nil {
		return nil, err
	}
	return &Relay{Target: id, Flags: flags, Data: data}, nil
}

// Relayed carries a payload forwarded on behalf of Source.
type Relayed struct {
	Source HostID
	Flags  uint8
	Data   []byte
}

func (*Relayed) Type() MessageType { return MsgRelayed }

// Encrypted reports whether Data is sealed with the receiver's key.
func (r *Relayed) Encrypted() bool { return r.Flags&FlagEncrypted != 0 }

// Encode serializes Relayed to bytes.
func (r *Relayed) Encode() []byte { return encodeForward(r.Source, r.Flags, r.Data) }

// DecodeRelayed deserializes Relayed from bytes.
func DecodeRelayed(buf []byte) (*Relayed, error) {
	id, flags, data, err := decodeForward(buf, "Relayed")
	if err != nil {
		return nil, err
	}
	return &Relayed{Source: id, Flags: flags, Data: data}, nil
}

// ============================================================================
// Group notifications
// ============================================================================

// MemberJoin announces a member to a group participant on an encrypted group.
//
// Layout:
//
//	GroupID        [4 bytes]
//	HostID         [4 bytes]
//	CorrelationID  [4 bytes]
//	KeyLen         [2 bytes]
//	Key            [KeyLen bytes]
//	AllowDirectP2P [1 byte]
type MemberJoin struct {
	GroupID        HostID
	HostID         HostID
	CorrelationID  uint32
	Key            []byte
	AllowDirectP2P bool
}

func (*MemberJoin) Type() MessageType { return MsgMemberJoin }

// Encode serializes MemberJoin to bytes.
func (m *MemberJoin) Encode() []byte {
	buf := make([]byte, 12+2+len(m.Key)+1)
	binary.BigEndian.PutUint32(buf[0:4], uint32(m.GroupID))
	binary.BigEndian.PutUint32(buf[4:8], uint32(m.HostID))
	binary.BigEndian.PutUint32(buf[8:12], m.CorrelationID)
	binary.BigEndian.PutUint16(buf[12:14], uint16(len(m.Key)))
	copy(buf[14:], m.Key)
	buf[len(buf)-1] = boolByte(m.AllowDirectP2P)
	return buf
}

// DecodeMemberJoin deserializes MemberJoin from bytes.
func DecodeMemberJoin(buf []byte) (*MemberJoin, error) {
	if len(buf) < 15 { // 12 + 2 + 1
		return nil, fmt.Errorf("%w: MemberJoin too short", ErrInvalidMessage)
	}

	keyLen := int(binary.BigEndian.Uint16(buf[12:14]))
	if keyLen > MaxKeyLength {
		return nil, fmt.Errorf("%w: MemberJoin key too long (%d)", ErrInvalidMessage, keyLen)
	}
	if len(buf) < 14+keyLen+1 {
		return nil, fmt.Errorf("%w: MemberJoin key truncated", ErrInvalidMessage)
	}

	key := make([]byte, keyLen)
	copy(key, buf[14:14+keyLen])

	return &MemberJoin{
		GroupID:        HostID(binary.BigEndian.Uint32(buf[0:4])),
		HostID:         HostID(binary.BigEndian.Uint32(buf[4:8])),
		CorrelationID:  binary.BigEndian.Uint32(buf[8:12]),
		Key:            key,
		AllowDirectP2P: buf[14+keyLen] != 0,
	}, nil
}

// MemberJoinUnencrypted announces a member on a group without encryption.
type MemberJoinUnencrypted struct {
	GroupID        HostID
	HostID         HostID
	CorrelationID  uint32
	AllowDirectP2P bool
}

func (*MemberJoinUnencrypted) Type() MessageType { return MsgMemberJoinUnencrypted }

// Encode serializes MemberJoinUnencrypted to bytes.
func (m *MemberJoinUnencrypted) Encode() []byte {
	buf := make([]byte, 13)
	binary.BigEndian.PutUint32(buf[0:4], uint32(m.GroupID))
	binary.BigEndian.PutUint32(buf[4:8], uint32(m.HostID))
	binary.BigEndian.PutUint32(buf[8:12], m.CorrelationID)
	buf[12] = boolByte(m.AllowDirectP2P)
	return buf
}

// DecodeMemberJoinUnencrypted deserializes MemberJoinUnencrypted from bytes.
func DecodeMemberJoinUnencrypted(buf []byte) (*MemberJoinUnencrypted, error) {
	if len(buf) < 13 {
		return nil, fmt.Errorf("%w: MemberJoinUnencrypted too short", ErrInvalidMessage)
	}
	return &MemberJoinUnencrypted{
		GroupID:        HostID(binary.BigEndian.Uint32(buf[0:4])),
		HostID:         HostID(binary.BigEndian.Uint32(buf[4:8])),
		CorrelationID:  binary.BigEndian.Uint32(buf[8:12]),
		AllowDirectP2P: buf[12] != 0,
	}, nil
}

// MemberLeave announces that HostID left GroupID.
type MemberLeave struct {
	HostID  HostID
	GroupID HostID
}

func (*MemberLeave) Type() MessageType { return MsgMemberLeave }

// Encode serializes MemberLeave to bytes.
func (m *MemberLeave) Encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], uint32(m.HostID))
	binary.BigEndian.PutUint32(buf[4:8], uint32(m.GroupID))
	return buf
}

// DecodeMemberLeave deserializes MemberLeave from bytes.
func DecodeMemberLeave(buf []byte) (*MemberLeave, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: MemberLeave too short", ErrInvalidMessage)
	}
	return &MemberLeave{
		HostID:  HostID(binary.BigEndian.Uint32(buf[0:4])),
		GroupID: HostID(binary.BigEndian.Uint32(buf[4:8])),
	}, nil
}

// ============================================================================
// Helpers
// ============================================================================

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func encodeHostID(id HostID) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(id))
	return buf
}

func decodeHostID(buf []byte, name string) (HostID, error) {
	if len(buf) < 4 {
		return 0, fmt.Errorf("%w: %s too short", ErrInvalidMessage, name)
	}
	return HostID(binary.BigEndian.Uint32(buf)), nil
}

// encodeForward lays out: HostID [4] | Flags [1] | Data [rest].
func encodeForward(id HostID, flags uint8, data []byte) []byte {
	buf := make([]byte, 5+len(data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(id))
	buf[4] = flags
	copy(buf[5:], data)
	return buf
}

func decodeForward(buf []byte, name string) (HostID, uint8, []byte, error) {
	if len(buf) < 5 {
		return 0, 0, nil, fmt.Errorf("%w: %s too short", ErrInvalidMessage, name)
	}
	data := make([]byte, len(buf)-5)
	copy(data, buf[5:])
	return HostID(binary.BigEndian.Uint32(buf[0:4])), buf[4], data, nil
}
