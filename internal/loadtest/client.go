package loadtest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/afii369/NetspherePirates/internal/protocol"
	"github.com/afii369/NetspherePirates/internal/udp"
)

// ErrRejected is returned when the relay answers a request with a non-OK
// result.
var ErrRejected = errors.New("request rejected")

// Client is a minimal relay client speaking the framed wire protocol.
// It is not safe for concurrent use.
type Client struct {
	conn    *net.UDPConn
	relay   *net.UDPAddr
	codec   udp.Codec
	timeout time.Duration
	buf     []byte

	HostID       protocol.HostID
	ServerHostID protocol.HostID
}

// Dial opens a client socket towards the relay at addr. No message is sent.
func Dial(ctx context.Context, addr string, maxMessageLength int, timeout time.Duration) (*Client, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", ":0")
	if err != nil {
		return nil, err
	}
	if maxMessageLength <= 0 {
		maxMessageLength = udp.DefaultConfig().MaxMessageLength
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	codec := udp.Codec{MaxMessageLength: maxMessageLength}
	return &Client{
		conn:    pc.(*net.UDPConn),
		relay:   raddr,
		codec:   codec,
		timeout: timeout,
		buf:     make([]byte, codec.BufferSize()),
	}, nil
}

// Send writes one message to the relay.
func (c *Client) Send(msg protocol.Message) error {
	frame, err := c.codec.Encode(protocol.Marshal(msg))
	if err != nil {
		return err
	}
	_, err = c.conn.WriteToUDP(frame, c.relay)
	return err
}

// Recv reads the next message from the relay.
func (c *Client) Recv() (protocol.Message, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, err
	}
	n, _, err := c.conn.ReadFromUDP(c.buf)
	if err != nil {
		return nil, err
	}
	payload, err := c.codec.Decode(c.buf[:n])
	if err != nil {
		return nil, err
	}
	return protocol.Unmarshal(payload)
}

// Await reads until a message of type t arrives, discarding others.
func (c *Client) Await(t protocol.MessageType) (protocol.Message, error) {
	for {
		msg, err := c.Recv()
		if err != nil {
			return nil, fmt.Errorf("awaiting %s: %w", protocol.MessageTypeName(t), err)
		}
		if msg.Type() == t {
			return msg, nil
		}
	}
}

// Connect opens a session and records the assigned host id.
func (c *Client) Connect() error {
	if err := c.Send(&protocol.Connect{Version: protocol.ProtocolVersion}); err != nil {
		return err
	}
	msg, err := c.awaitAckOrResult(protocol.MsgConnect)
	if err != nil {
		return err
	}
	ack := msg.(*protocol.ConnectAck)
	c.HostID, c.ServerHostID = ack.HostID, ack.ServerHostID
	return nil
}

// CreateGroup asks the relay for a new group and returns its id.
func (c *Client) CreateGroup(allowDirectP2P bool) (protocol.HostID, error) {
	if err := c.Send(&protocol.CreateGroup{AllowDirectP2P: allowDirectP2P}); err != nil {
		return 0, err
	}
	msg, err := c.awaitAckOrResult(protocol.MsgCreateGroup)
	if err != nil {
		return 0, err
	}
	return msg.(*protocol.GroupCreated).GroupID, nil
}

// JoinGroup joins id and waits for the relay's answer.
func (c *Client) JoinGroup(id protocol.HostID) error {
	return c.request(&protocol.JoinGroup{GroupID: id})
}

// LeaveGroup leaves id and waits for the relay's answer.
func (c *Client) LeaveGroup(id protocol.HostID) error {
	return c.request(&protocol.LeaveGroup{GroupID: id})
}

// Relay forwards data to target through the relay.
func (c *Client) Relay(target protocol.HostID, data []byte) error {
	return c.Send(&protocol.Relay{Target: target, Data: data})
}

// Disconnect ends the session. The relay sends no answer.
func (c *Client) Disconnect() error {
	return c.Send(&protocol.Disconnect{})
}

// Close releases the client socket.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) request(msg protocol.Message) error {
	if err := c.Send(msg); err != nil {
		return err
	}
	_, err := c.awaitAckOrResult(msg.Type())
	return err
}

// awaitAckOrResult waits for the answer to request. A Result for request
// with a non-OK code becomes ErrRejected.
func (c *Client) awaitAckOrResult(request protocol.MessageType) (protocol.Message, error) {
	for {
		msg, err := c.Recv()
		if err != nil {
			return nil, fmt.Errorf("awaiting answer to %s: %w", protocol.MessageTypeName(request), err)
		}
		switch m := msg.(type) {
		case *protocol.ConnectAck:
			if request == protocol.MsgConnect {
				return m, nil
			}
		case *protocol.GroupCreated:
			if request == protocol.MsgCreateGroup {
				return m, nil
			}
		case *protocol.Result:
			if m.Request != request {
				continue
			}
			if m.Code != protocol.ResultOK {
				return nil, fmt.Errorf("%w: %s: %s", ErrRejected,
					protocol.MessageTypeName(request), protocol.ResultCodeName(m.Code))
			}
			return m, nil
		}
	}
}
