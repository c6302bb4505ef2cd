package p2p

// ConnectionState is one member's view of its pairing with another member.
type ConnectionState struct {
	peer          *Member
	correlationID uint32
}

func newConnectionState(peer *Member, correlationID uint32) *ConnectionState {
	return &ConnectionState{peer: peer, correlationID: correlationID}
}

// Peer returns the other member of the pairing. The reference is non-owning;
// the peer may have left the group since.
func (c *ConnectionState) Peer() *Member {
	return c.peer
}

// CorrelationID returns the id minted when the pairing was created.
func (c *ConnectionState) CorrelationID() uint32 {
	return c.correlationID
}
