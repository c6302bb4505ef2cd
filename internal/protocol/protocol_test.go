package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestMessageTypeName(t *testing.T) {
	tests := []struct {
		msgType MessageType
		want    string
	}{
		{MsgConnect, "CONNECT"},
		{MsgConnectAck, "CONNECT_ACK"},
		{MsgJoinGroup, "JOIN_GROUP"},
		{MsgRelay, "RELAY"},
		{MsgMemberJoin, "MEMBER_JOIN"},
		{MsgMemberJoinUnencrypted, "MEMBER_JOIN_UNENCRYPTED"},
		{MsgMemberLeave, "MEMBER_LEAVE"},
		{0xFFFF, "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := MessageTypeName(tt.msgType); got != tt.want {
			t.Errorf("MessageTypeName(0x%04x) = %s, want %s", uint16(tt.msgType), got, tt.want)
		}
	}
}

func TestResultCodeName(t *testing.T) {
	tests := []struct {
		code ResultCode
		want string
	}{
		{ResultOK, "OK"},
		{ResultDuplicateMembership, "DUPLICATE_MEMBERSHIP"},
		{ResultUnknownMember, "UNKNOWN_MEMBER"},
		{ResultUnknownGroup, "UNKNOWN_GROUP"},
		{999, "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := ResultCodeName(tt.code); got != tt.want {
			t.Errorf("ResultCodeName(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestIsNotification(t *testing.T) {
	for _, mt := range []MessageType{MsgMemberJoin, MsgMemberJoinUnencrypted, MsgMemberLeave} {
		if !IsNotification(mt) {
			t.Errorf("IsNotification(%s) = false, want true", MessageTypeName(mt))
		}
	}
	for _, mt := range []MessageType{MsgConnect, MsgRelay, MsgResult} {
		if IsNotification(mt) {
			t.Errorf("IsNotification(%s) = true, want false", MessageTypeName(mt))
		}
	}
}

func TestHostID_String(t *testing.T) {
	if got := HostID(1000).String(); got != "1000" {
		t.Errorf("String() = %s, want 1000", got)
	}
}

func TestMemberJoin_Layout(t *testing.T) {
	m := &MemberJoin{
		GroupID:        7,
		HostID:         1001,
		CorrelationID:  3,
		Key:            []byte{0xAA, 0xBB},
		AllowDirectP2P: true,
	}

	want := []byte{
		0, 0, 0, 7, // group
		0, 0, 0x03, 0xE9, // host 1001
		0, 0, 0, 3, // correlation
		0, 2, // key length
		0xAA, 0xBB,
		1, // allow direct
	}
	if got := m.Encode(); !bytes.Equal(got, want) {
		t.Errorf("Encode() = %x, want %x", got, want)
	}

	decoded, err := DecodeMemberJoin(want)
	if err != nil {
		t.Fatalf("DecodeMemberJoin: %v", err)
	}
	if decoded.HostID != 1001 || decoded.CorrelationID != 3 || !decoded.AllowDirectP2P {
		t.Errorf("decoded = %+v", decoded)
	}
	if !bytes.Equal(decoded.Key, m.Key) {
		t.Errorf("Key = %x, want %x", decoded.Key, m.Key)
	}
}

func TestDecodeMemberJoin_Errors(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"too short", make([]byte, 14)},
		{"key truncated", []byte{0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 16, 1, 2, 3}},
		{"key too long", append([]byte{0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 3, 0xFF, 0xFF}, make([]byte, 70)...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMemberJoin(tt.buf)
			if !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("err = %v, want ErrInvalidMessage", err)
			}
		})
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"connect", &Connect{Version: ProtocolVersion}},
		{"connect ack", &ConnectAck{HostID: 1000, ServerHostID: DefaultServerHostID}},
		{"disconnect", &Disconnect{}},
		{"join group", &JoinGroup{GroupID: 42}},
		{"relay encrypted", &Relay{Target: 1001, Flags: FlagEncrypted, Data: []byte("payload")}},
		{"member join unencrypted", &MemberJoinUnencrypted{GroupID: 42, HostID: 1000, CorrelationID: 9}},
		{"member leave", &MemberLeave{HostID: 1000, GroupID: 42}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := Marshal(tt.msg)
			got, err := Unmarshal(raw)
			if err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if got.Type() != tt.msg.Type() {
				t.Fatalf("Type() = %s, want %s", MessageTypeName(got.Type()), MessageTypeName(tt.msg.Type()))
			}
			if !bytes.Equal(got.Encode(), tt.msg.Encode()) {
				t.Errorf("body = %x, want %x", got.Encode(), tt.msg.Encode())
			}
		})
	}
}

func TestUnmarshal_Errors(t *testing.T) {
	if _, err := Unmarshal([]byte{0x01}); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("short buffer: err = %v, want ErrInvalidMessage", err)
	}
	if _, err := Unmarshal([]byte{0xFF, 0xFF}); !errors.Is(err, ErrUnknownMessageType) {
		t.Errorf("unknown type: err = %v, want ErrUnknownMessageType", err)
	}
	if _, err := Unmarshal([]byte{0x00, byte(MsgJoinGroup), 0x01}); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("truncated body: err = %v, want ErrInvalidMessage", err)
	}
}

func TestRelay_Encrypted(t *testing.T) {
	r := &Relay{Flags: FlagEncrypted}
	if !r.Encrypted() {
		t.Error("Encrypted() = false, want true")
	}
	r.Flags = 0
	if r.Encrypted() {
		t.Error("Encrypted() = true, want false")
	}
}

func TestDecodeRelay_CopiesData(t *testing.T) {
	raw := (&Relay{Target: 5, Data: []byte{1, 2, 3}}).Encode()
	r, err := DecodeRelay(raw)
	if err != nil {
		t.Fatalf("DecodeRelay: %v", err)
	}
	raw[5] = 0xFF
	if r.Data[0] != 1 {
		t.Error("decoded Data aliases the input buffer")
	}
}
