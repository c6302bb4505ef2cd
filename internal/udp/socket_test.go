package udp

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/afii369/NetspherePirates/internal/logging"
	"github.com/afii369/NetspherePirates/internal/metrics"
)

const testTimeout = 2 * time.Second

// chanHandler forwards every datagram to a channel.
type chanHandler chan Datagram

func (h chanHandler) HandleDatagram(_ context.Context, d Datagram) { h <- d }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxMessageLength = 256
	// Single workers keep delivery order deterministic.
	cfg.IOWorkers = 1
	cfg.HandlerWorkers = 1
	cfg.QuietPeriod = 10 * time.Millisecond
	cfg.ShutdownTimeout = 500 * time.Millisecond
	return cfg
}

func newTestSocket(t *testing.T, h Handler) (*Socket, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	s := NewSocket(testConfig(), h, logging.NopLogger(), m)
	t.Cleanup(func() { s.Close() })
	return s, m
}

func listenLoopback(t *testing.T, s *Socket) *net.UDPAddr {
	t.Helper()
	if err := s.Listen(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	return s.LocalAddr().(*net.UDPAddr)
}

func waitResult(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for send result")
		return nil
	}
}

func waitDatagram(t *testing.T, ch chanHandler) Datagram {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for datagram")
		return Datagram{}
	}
}

func TestSocket_ListenTwice(t *testing.T) {
	s, _ := newTestSocket(t, chanHandler(make(chan Datagram, 1)))
	listenLoopback(t, s)

	if err := s.Listen(context.Background(), "127.0.0.1:0"); !errors.Is(err, ErrAlreadyListening) {
		t.Errorf("second Listen err = %v, want ErrAlreadyListening", err)
	}
}

func TestSocket_ListenAfterClose(t *testing.T) {
	s, _ := newTestSocket(t, chanHandler(make(chan Datagram, 1)))
	listenLoopback(t, s)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Listen(context.Background(), "127.0.0.1:0"); !errors.Is(err, ErrDisposed) {
		t.Errorf("Listen after Close err = %v, want ErrDisposed", err)
	}
}

func TestSocket_BindFailure(t *testing.T) {
	taken, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer taken.Close()

	s, _ := newTestSocket(t, chanHandler(make(chan Datagram, 1)))
	err = s.Listen(context.Background(), taken.LocalAddr().String())
	if !errors.Is(err, ErrBind) {
		t.Fatalf("Listen on taken port err = %v, want ErrBind", err)
	}
	if s.LocalAddr() != nil {
		t.Error("LocalAddr() should be nil after failed bind")
	}

	// A failed bind leaves the socket usable.
	listenLoopback(t, s)
}

func TestSocket_ReuseAddr(t *testing.T) {
	cfg := testConfig()
	cfg.ReuseAddr = true
	h := chanHandler(make(chan Datagram, 1))
	s := NewSocket(cfg, h, logging.NopLogger(), nil)
	t.Cleanup(func() { s.Close() })
	addr := listenLoopback(t, s)

	client, _ := newTestSocket(t, chanHandler(make(chan Datagram, 1)))
	listenLoopback(t, client)

	if err := waitResult(t, client.SendAsync([]byte("reuse"), addr)); err != nil {
		t.Fatalf("SendAsync: %v", err)
	}
	if d := waitDatagram(t, h); string(d.Payload) != "reuse" {
		t.Errorf("payload = %q, want reuse", d.Payload)
	}
}

func TestSocket_SendReceive(t *testing.T) {
	recv := chanHandler(make(chan Datagram, 4))
	server, sm := newTestSocket(t, recv)
	serverAddr := listenLoopback(t, server)

	client, _ := newTestSocket(t, chanHandler(make(chan Datagram, 1)))
	clientAddr := listenLoopback(t, client)

	payload := []byte("join group 42")
	if err := waitResult(t, client.SendAsync(payload, serverAddr)); err != nil {
		t.Fatalf("SendAsync: %v", err)
	}

	d := waitDatagram(t, recv)
	if !bytes.Equal(d.Payload, payload) {
		t.Errorf("Payload = %q, want %q", d.Payload, payload)
	}
	if d.From.Port != clientAddr.Port {
		t.Errorf("From = %v, want port %d", d.From, clientAddr.Port)
	}
	if got := testutil.ToFloat64(sm.DatagramsReceived); got != 1 {
		t.Errorf("DatagramsReceived = %v, want 1", got)
	}
}

func TestSocket_MaxLengthFrame(t *testing.T) {
	recv := chanHandler(make(chan Datagram, 1))
	server, _ := newTestSocket(t, recv)
	serverAddr := listenLoopback(t, server)

	client, _ := newTestSocket(t, chanHandler(make(chan Datagram, 1)))
	listenLoopback(t, client)

	payload := bytes.Repeat([]byte{7}, client.MaxMessageLength())
	if err := waitResult(t, client.SendAsync(payload, serverAddr)); err != nil {
		t.Fatalf("SendAsync: %v", err)
	}
	if d := waitDatagram(t, recv); !bytes.Equal(d.Payload, payload) {
		t.Error("maximum length payload was not delivered intact")
	}
}

func TestSocket_UndecodableDatagramsDropped(t *testing.T) {
	recv := chanHandler(make(chan Datagram, 4))
	server, sm := newTestSocket(t, recv)
	serverAddr := listenLoopback(t, server)

	raw, err := net.DialUDP("udp4", nil, serverAddr)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer raw.Close()

	codec := Codec{MaxMessageLength: 256}
	oversized := make([]byte, HeaderSize+257)
	copy(oversized, []byte{0x57, 0x13, 0, 0, 0x01, 0x01})

	raw.Write([]byte("garbage"))
	raw.Write(oversized)
	valid, _ := codec.Encode([]byte("still alive"))
	raw.Write(valid)

	d := waitDatagram(t, recv)
	if string(d.Payload) != "still alive" {
		t.Errorf("Payload = %q, want %q", d.Payload, "still alive")
	}

	if got := testutil.ToFloat64(sm.FrameErrors.WithLabelValues("malformed")); got != 1 {
		t.Errorf("FrameErrors{malformed} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(sm.FrameErrors.WithLabelValues("too_large")); got != 1 {
		t.Errorf("FrameErrors{too_large} = %v, want 1", got)
	}
}

func TestSocket_HandlerPanicRecovered(t *testing.T) {
	recv := make(chan Datagram, 1)
	h := HandlerFunc(func(_ context.Context, d Datagram) {
		if string(d.Payload) == "panic" {
			panic("handler exploded")
		}
		recv <- d
	})
	server, sm := newTestSocket(t, h)
	serverAddr := listenLoopback(t, server)

	client, _ := newTestSocket(t, chanHandler(make(chan Datagram, 1)))
	listenLoopback(t, client)

	waitResult(t, client.SendAsync([]byte("panic"), serverAddr))
	waitResult(t, client.SendAsync([]byte("ok"), serverAddr))

	if d := waitDatagram(t, recv); string(d.Payload) != "ok" {
		t.Errorf("Payload = %q, want ok", d.Payload)
	}
	if got := testutil.ToFloat64(sm.HandlerPanics); got != 1 {
		t.Errorf("HandlerPanics = %v, want 1", got)
	}
}

func TestSocket_SendAsyncErrors(t *testing.T) {
	s, _ := newTestSocket(t, chanHandler(make(chan Datagram, 1)))
	dest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}

	if err := waitResult(t, s.SendAsync([]byte("x"), dest)); !errors.Is(err, ErrNotListening) {
		t.Errorf("before Listen err = %v, want ErrNotListening", err)
	}

	listenLoopback(t, s)

	if err := waitResult(t, s.SendAsync(make([]byte, 257), dest)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("oversized err = %v, want ErrFrameTooLarge", err)
	}
	if err := waitResult(t, s.SendAsync([]byte("x"), nil)); !errors.Is(err, ErrNoDestination) {
		t.Errorf("nil destination err = %v, want ErrNoDestination", err)
	}

	s.Close()
	if err := waitResult(t, s.SendAsync([]byte("x"), dest)); !errors.Is(err, ErrDisposed) {
		t.Errorf("after Close err = %v, want ErrDisposed", err)
	}
}

func TestSocket_CloseDrainsSendQueue(t *testing.T) {
	recv := chanHandler(make(chan Datagram, 64))
	server, _ := newTestSocket(t, recv)
	serverAddr := listenLoopback(t, server)

	client, _ := newTestSocket(t, chanHandler(make(chan Datagram, 1)))
	listenLoopback(t, client)

	results := make([]<-chan error, 32)
	for i := range results {
		results[i] = client.SendAsync([]byte{byte(i)}, serverAddr)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for i, ch := range results {
		select {
		case err := <-ch:
			if err != nil {
				t.Errorf("send %d: %v", i, err)
			}
		default:
			t.Errorf("send %d has no result after Close", i)
		}
	}
}

func TestSocket_CloseIdempotent(t *testing.T) {
	s, _ := newTestSocket(t, chanHandler(make(chan Datagram, 1)))
	listenLoopback(t, s)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			if err := s.Close(); err != nil {
				t.Errorf("Close #%d: %v", i, err)
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("Close did not return")
	}
}

func TestSocket_CloseWithoutListen(t *testing.T) {
	s, _ := newTestSocket(t, chanHandler(make(chan Datagram, 1)))
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := s.Listen(context.Background(), "127.0.0.1:0"); !errors.Is(err, ErrDisposed) {
		t.Errorf("Listen after Close err = %v, want ErrDisposed", err)
	}
}
