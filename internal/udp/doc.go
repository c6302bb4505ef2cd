// Package udp is the datagram transport of the relay.
//
// Every datagram carries exactly one frame:
//
//	Magic   [2 bytes] 0x5713
//	Length  [4 bytes] payload length, big-endian
//	Payload [Length bytes]
//
// Frames larger than the configured maximum, or whose header does not match
// the datagram, are dropped and counted; they never stop the socket. There is
// no reassembly across datagrams.
//
// # Lifecycle
//
//  1. NewSocket wires a Handler that receives decoded payloads
//  2. Listen binds once; I/O workers batch-read datagrams and feed a bounded
//     handler queue served by the handler workers
//  3. SendAsync frames a payload and enqueues it without blocking
//  4. Close stops accepting sends, drains the send queue until it has been
//     quiet for QuietPeriod (at most ShutdownTimeout), then closes the socket
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package udp
