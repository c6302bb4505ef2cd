package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sync/errgroup"

	"github.com/afii369/NetspherePirates/internal/logging"
	"github.com/afii369/NetspherePirates/internal/metrics"
	"github.com/afii369/NetspherePirates/internal/recovery"
)

var (
	// ErrAlreadyListening is returned by Listen on a bound socket.
	ErrAlreadyListening = errors.New("socket already listening")

	// ErrDisposed is returned once Close has been called.
	ErrDisposed = errors.New("socket disposed")

	// ErrNotListening is returned by SendAsync before Listen.
	ErrNotListening = errors.New("socket not listening")

	// ErrBind wraps the OS error of a failed bind.
	ErrBind = errors.New("bind failed")

	// ErrSendQueueFull is returned when the send queue cannot take another frame.
	ErrSendQueueFull = errors.New("send queue full")

	// ErrNoDestination is returned by SendAsync without a destination address.
	ErrNoDestination = errors.New("no destination address")
)

// drainPoll is how often Close checks the send queue while draining.
const drainPoll = 5 * time.Millisecond

// Datagram is a decoded inbound frame.
type Datagram struct {
	From    *net.UDPAddr
	Payload []byte
}

// Handler consumes decoded inbound frames. Payload is owned by the handler.
type Handler interface {
	HandleDatagram(ctx context.Context, d Datagram)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d Datagram)

// HandleDatagram calls f(ctx, d).
func (f HandlerFunc) HandleDatagram(ctx context.Context, d Datagram) { f(ctx, d) }

type socketState int

const (
	stateIdle socketState = iota
	stateListening
	stateClosing
	stateClosed
)

type outbound struct {
	frame  []byte
	to     *net.UDPAddr
	result chan error
}

// batchReader is satisfied by both ipv4.PacketConn and ipv6.PacketConn.
type batchReader interface {
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
}

// Socket is a framed UDP transport with separate I/O and handler worker pools.
type Socket struct {
	cfg     Config
	codec   Codec
	handler Handler
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	state socketState
	conn  *net.UDPConn

	sendq   chan outbound
	inbound chan Datagram

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	// lastSend is the unix-nano time of the last enqueue or write.
	lastSend atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// NewSocket creates an unbound socket delivering inbound frames to handler.
func NewSocket(cfg Config, handler Handler, logger *slog.Logger, m *metrics.Metrics) *Socket {
	cfg = cfg.withDefaults()
	return &Socket{
		cfg:     cfg,
		codec:   Codec{MaxMessageLength: cfg.MaxMessageLength},
		handler: handler,
		logger:  logging.Component(logger, "udp"),
		metrics: m,
	}
}

// Listen binds the socket to address and starts the worker pools.
// ctx bounds the bind only; use Close to stop the socket.
func (s *Socket) Listen(ctx context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateListening:
		return ErrAlreadyListening
	case stateClosing, stateClosed:
		return ErrDisposed
	}

	network := "udp"
	if addr, err := net.ResolveUDPAddr("udp", address); err == nil && addr.IP != nil {
		if addr.IP.To4() != nil {
			network = "udp4"
		} else {
			network = "udp6"
		}
	}

	var lc net.ListenConfig
	if s.cfg.ReuseAddr {
		lc.Control = reuseAddrControl
	}
	pc, err := lc.ListenPacket(ctx, network, address)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBind, address, err)
	}
	conn := pc.(*net.UDPConn)

	if s.cfg.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(s.cfg.ReadBuffer); err != nil {
			conn.Close()
			return fmt.Errorf("%w: set read buffer: %w", ErrBind, err)
		}
	}

	var reader batchReader
	if network == "udp6" {
		reader = ipv6.NewPacketConn(conn)
	} else {
		reader = ipv4.NewPacketConn(conn)
	}

	s.conn = conn
	s.sendq = make(chan outbound, s.cfg.SendQueueSize)
	s.inbound = make(chan Datagram, s.cfg.HandlerQueueSize)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.group = new(errgroup.Group)
	s.lastSend.Store(time.Now().UnixNano())

	for i := 0; i < s.cfg.IOWorkers; i++ {
		s.group.Go(recovery.Go(s.logger, "udp reader", func() error { return s.readLoop(reader) }))
	}
	s.group.Go(recovery.Go(s.logger, "udp writer", s.writeLoop))
	for i := 0; i < s.cfg.HandlerWorkers; i++ {
		s.group.Go(recovery.Go(s.logger, "udp handler", s.handleLoop))
	}

	s.state = stateListening
	s.logger.Info("udp socket listening",
		logging.KeyLocalAddr, conn.LocalAddr().String(),
		"io_workers", s.cfg.IOWorkers,
		"handler_workers", s.cfg.HandlerWorkers,
		"max_message_length", s.cfg.MaxMessageLength)
	return nil
}

// LocalAddr returns the bound address, or nil when not listening.
func (s *Socket) LocalAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// MaxMessageLength returns the largest payload SendAsync accepts.
func (s *Socket) MaxMessageLength() int {
	return s.cfg.MaxMessageLength
}

// SendAsync frames payload and enqueues it for to. It never blocks. The returned
// channel receives exactly one value: the write error, or nil once the datagram
// was handed to the OS.
func (s *Socket) SendAsync(payload []byte, to *net.UDPAddr) <-chan error {
	if to == nil {
		return s.failSend(ErrNoDestination, "no_destination")
	}
	frame, err := s.codec.Encode(payload)
	if err != nil {
		return s.failSend(err, "too_large")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	switch s.state {
	case stateIdle:
		return s.failSend(ErrNotListening, "not_listening")
	case stateClosing, stateClosed:
		return s.failSend(ErrDisposed, "disposed")
	}

	out := outbound{frame: frame, to: to, result: make(chan error, 1)}
	select {
	case s.sendq <- out:
		s.lastSend.Store(time.Now().UnixNano())
		return out.result
	default:
		return s.failSend(ErrSendQueueFull, "queue_full")
	}
}

func (s *Socket) failSend(err error, reason string) <-chan error {
	s.metrics.RecordSendError(reason)
	ch := make(chan error, 1)
	ch <- err
	return ch
}

// Close shuts the socket down gracefully. It is idempotent.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.shutdown()
	})
	return s.closeErr
}

func (s *Socket) shutdown() error {
	s.mu.Lock()
	if s.state != stateListening {
		s.state = stateClosed
		s.mu.Unlock()
		return nil
	}
	s.state = stateClosing
	s.mu.Unlock()

	start := time.Now()
	forced := !s.drain(start.Add(s.cfg.ShutdownTimeout))

	s.cancel()
	closeErr := s.conn.Close()
	err := s.group.Wait()

	// Anything still queued after a forced shutdown is failed.
	for len(s.sendq) > 0 {
		out := <-s.sendq
		out.result <- ErrDisposed
	}

	s.mu.Lock()
	s.state = stateClosed
	s.mu.Unlock()

	s.logger.Info("udp socket closed",
		logging.KeyDuration, time.Since(start),
		"forced", forced)

	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		return closeErr
	}
	return err
}

// drain waits until the send queue is empty and no send happened for
// QuietPeriod. It reports false when deadline passed first.
func (s *Socket) drain(deadline time.Time) bool {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()

	for {
		quietFor := time.Since(time.Unix(0, s.lastSend.Load()))
		if len(s.sendq) == 0 && quietFor >= s.cfg.QuietPeriod {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		<-ticker.C
	}
}

func (s *Socket) readLoop(reader batchReader) error {
	size := s.codec.BufferSize()
	msgs := make([]ipv4.Message, s.cfg.ReadBatchSize)
	for i := range msgs {
		msgs[i].Buffers = [][]byte{make([]byte, size)}
	}

	for {
		n, err := reader.ReadBatch(msgs, 0)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("udp read failed", logging.KeyError, err)
			continue
		}

		for i := 0; i < n; i++ {
			from, _ := msgs[i].Addr.(*net.UDPAddr)
			s.receive(from, msgs[i].Buffers[0][:msgs[i].N])
		}
	}
}

func (s *Socket) receive(from *net.UDPAddr, datagram []byte) {
	s.metrics.RecordDatagramReceived(len(datagram))

	payload, err := s.codec.Decode(datagram)
	if err != nil {
		s.decodeError(from, len(datagram), err)
		return
	}

	// The read buffer is reused by the next batch.
	d := Datagram{From: from, Payload: append([]byte(nil), payload...)}
	select {
	case s.inbound <- d:
	default:
		s.metrics.RecordHandlerDrop()
		s.logger.Debug("handler queue full, datagram dropped",
			logging.KeyRemoteAddr, addrString(from))
	}
}

// decodeError is the single reporting path for undecodable datagrams.
func (s *Socket) decodeError(from *net.UDPAddr, size int, err error) {
	s.metrics.RecordFrameError(frameErrorReason(err))
	s.logger.Debug("dropping undecodable datagram",
		logging.KeyRemoteAddr, addrString(from),
		logging.KeySize, size,
		logging.KeyError, err)
}

func (s *Socket) writeLoop() error {
	for {
		select {
		case out := <-s.sendq:
			_, err := s.conn.WriteToUDP(out.frame, out.to)
			s.lastSend.Store(time.Now().UnixNano())
			if err != nil {
				s.metrics.RecordSendError("write")
				s.logger.Debug("udp write failed",
					logging.KeyRemoteAddr, out.to.String(),
					logging.KeyError, err)
			} else {
				s.metrics.RecordDatagramSent(len(out.frame))
			}
			out.result <- err
		case <-s.ctx.Done():
			return nil
		}
	}
}

func (s *Socket) handleLoop() error {
	for {
		select {
		case d := <-s.inbound:
			start := time.Now()
			if recovery.Call(s.logger, "udp handler", func() { s.handler.HandleDatagram(s.ctx, d) }) {
				s.metrics.RecordHandlerPanic()
			}
			s.metrics.RecordHandleLatency(time.Since(start).Seconds())
		case <-s.ctx.Done():
			return nil
		}
	}
}

func addrString(addr *net.UDPAddr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
