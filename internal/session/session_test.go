package session

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/afii369/NetspherePirates/internal/logging"
	"github.com/afii369/NetspherePirates/internal/metrics"
	"github.com/afii369/NetspherePirates/internal/p2p"
	"github.com/afii369/NetspherePirates/internal/protocol"
)

type sent struct {
	payload []byte
	to      *net.UDPAddr
}

// fakeTransport records payloads and answers with err.
type fakeTransport struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (f *fakeTransport) SendAsync(payload []byte, to *net.UDPAddr) <-chan error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{payload: payload, to: to})
	ch := make(chan error, 1)
	if f.err != nil {
		ch <- f.err
	}
	return ch
}

func (f *fakeTransport) messages(t *testing.T) []protocol.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Message, 0, len(f.sent))
	for _, s := range f.sent {
		msg, err := protocol.Unmarshal(s.payload)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func endpoint(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeTransport, *metrics.Metrics) {
	t.Helper()
	tr := &fakeTransport{}
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	mgr := NewManager(cfg, tr, NewHostIDAllocator(1000, protocol.DefaultServerHostID), logging.NopLogger(), m)
	t.Cleanup(func() { mgr.Close() })
	return mgr, tr, m
}

func TestHostIDAllocator(t *testing.T) {
	tests := []struct {
		name     string
		first    protocol.HostID
		reserved []protocol.HostID
		want     []protocol.HostID
	}{
		{"sequential", 10, nil, []protocol.HostID{10, 11, 12}},
		{"zero starts at one", 0, nil, []protocol.HostID{1, 2, 3}},
		{"skips reserved", 1, []protocol.HostID{1, 3}, []protocol.HostID{2, 4, 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewHostIDAllocator(tt.first, tt.reserved...)
			for _, want := range tt.want {
				got, err := a.Allocate()
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}
		})
	}
}

func TestHostIDAllocator_Exhausted(t *testing.T) {
	a := NewHostIDAllocator(protocol.HostID(^uint32(0)), protocol.HostID(^uint32(0)))
	_, err := a.Allocate()
	assert.ErrorIs(t, err, ErrHostIDsExhausted)
}

func TestHostIDAllocator_Concurrent(t *testing.T) {
	a := NewHostIDAllocator(1)
	var mu sync.Mutex
	seen := make(map[protocol.HostID]bool)

	var eg errgroup.Group
	for i := 0; i < 16; i++ {
		eg.Go(func() error {
			for j := 0; j < 100; j++ {
				id, err := a.Allocate()
				if err != nil {
					return err
				}
				mu.Lock()
				if seen[id] {
					mu.Unlock()
					return errors.New("duplicate id " + id.String())
				}
				seen[id] = true
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	assert.Len(t, seen, 1600)
}

func TestSession_SendAsync(t *testing.T) {
	mgr, tr, _ := newTestManager(t, DefaultConfig())
	s, err := mgr.Create(endpoint(4000))
	require.NoError(t, err)

	require.NoError(t, s.SendAsync(&protocol.GroupCreated{GroupID: 77}))

	msgs := tr.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, &protocol.GroupCreated{GroupID: 77}, msgs[0])
	assert.Equal(t, endpoint(4000).String(), tr.sent[0].to.String())
}

func TestSession_SendAsyncImmediateError(t *testing.T) {
	mgr, tr, _ := newTestManager(t, DefaultConfig())
	tr.err = errors.New("queue full")
	s, err := mgr.Create(endpoint(4000))
	require.NoError(t, err)

	err = s.SendAsync(&protocol.Keepalive{Timestamp: 1})
	assert.ErrorIs(t, err, tr.err)
}

func TestSession_SendAfterRemove(t *testing.T) {
	mgr, tr, _ := newTestManager(t, DefaultConfig())
	s, _ := mgr.Create(endpoint(4000))
	require.True(t, mgr.Remove(s.HostID(), ReasonDisconnect))

	assert.True(t, s.Closed())
	assert.ErrorIs(t, s.SendAsync(&protocol.Keepalive{}), ErrSessionClosed)
	assert.Empty(t, tr.messages(t))
}

func TestSession_RateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MessagesPerSecond = 1
	cfg.Burst = 3
	mgr, _, _ := newTestManager(t, cfg)
	s, _ := mgr.Create(endpoint(4000))

	for i := 0; i < 3; i++ {
		assert.True(t, s.Allow(), "message %d within burst", i)
	}
	assert.False(t, s.Allow())
}

func TestSession_Unlimited(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MessagesPerSecond = 0
	mgr, _, _ := newTestManager(t, cfg)
	s, _ := mgr.Create(endpoint(4000))

	for i := 0; i < 10000; i++ {
		require.True(t, s.Allow())
	}
}

func TestSession_GroupBackReference(t *testing.T) {
	mgr, _, _ := newTestManager(t, DefaultConfig())
	s, _ := mgr.Create(endpoint(4000))

	groups, err := p2p.NewManager(p2p.ManagerConfig{
		ServerHostID: protocol.DefaultServerHostID,
		Sessions:     mgr,
		IDs:          NewHostIDAllocator(50000),
	})
	require.NoError(t, err)
	g, err := groups.Create(true)
	require.NoError(t, err)

	require.NoError(t, g.Join(s.HostID()))
	assert.Same(t, g, s.Group())

	g.Leave(s.HostID())
	assert.Nil(t, s.Group())
}

func TestManager_Create(t *testing.T) {
	mgr, _, m := newTestManager(t, DefaultConfig())

	a, err := mgr.Create(endpoint(4000))
	require.NoError(t, err)
	b, err := mgr.Create(endpoint(4001))
	require.NoError(t, err)

	assert.Equal(t, protocol.HostID(1000), a.HostID())
	assert.Equal(t, protocol.HostID(1001), b.HostID())
	assert.Equal(t, 2, mgr.Count())

	got, ok := mgr.ByEndpoint(endpoint(4001))
	require.True(t, ok)
	assert.Same(t, b, got)

	ps, ok := mgr.GetSession(a.HostID())
	require.True(t, ok)
	assert.Equal(t, a.HostID(), ps.HostID())

	_, ok = mgr.GetSession(9)
	assert.False(t, ok)

	_, err = mgr.Create(endpoint(4000))
	assert.ErrorIs(t, err, ErrEndpointInUse)

	_, err = mgr.Create(nil)
	assert.Error(t, err)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.SessionsActive))
}

func TestManager_SessionLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSessions = 2
	mgr, _, _ := newTestManager(t, cfg)

	_, err := mgr.Create(endpoint(1))
	require.NoError(t, err)
	_, err = mgr.Create(endpoint(2))
	require.NoError(t, err)
	_, err = mgr.Create(endpoint(3))
	assert.ErrorIs(t, err, ErrSessionLimit)

	mgr.Remove(1000, ReasonDisconnect)
	_, err = mgr.Create(endpoint(3))
	assert.NoError(t, err)
}

func TestManager_Remove(t *testing.T) {
	mgr, _, m := newTestManager(t, DefaultConfig())
	s, _ := mgr.Create(endpoint(4000))

	assert.True(t, mgr.Remove(s.HostID(), ReasonDisconnect))
	assert.False(t, mgr.Remove(s.HostID(), ReasonDisconnect))

	_, ok := mgr.ByEndpoint(endpoint(4000))
	assert.False(t, ok)
	assert.Zero(t, mgr.Count())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsClosed.WithLabelValues(ReasonDisconnect)))

	// The endpoint can reconnect and gets a fresh id.
	again, err := mgr.Create(endpoint(4000))
	require.NoError(t, err)
	assert.NotEqual(t, s.HostID(), again.HostID())
}

func TestManager_ExpireIdle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Minute
	mgr, _, m := newTestManager(t, cfg)

	base := time.Unix(1_700_000_000, 0)
	mgr.now = func() time.Time { return base }

	stale, _ := mgr.Create(endpoint(1))
	fresh, _ := mgr.Create(endpoint(2))
	fresh.Touch(base.Add(50 * time.Second))

	var expired []protocol.HostID
	mgr.SetOnExpire(func(s *Session) { expired = append(expired, s.HostID()) })

	assert.Zero(t, mgr.ExpireIdle(base.Add(30*time.Second)))
	assert.Equal(t, 1, mgr.ExpireIdle(base.Add(61*time.Second)))

	assert.Equal(t, []protocol.HostID{stale.HostID()}, expired)
	assert.True(t, stale.Closed())
	assert.False(t, fresh.Closed())
	_, ok := mgr.Get(fresh.HostID())
	assert.True(t, ok)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsClosed.WithLabelValues(ReasonIdle)))
}

func TestManager_ExpireCallbackPanic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Second
	mgr, _, _ := newTestManager(t, cfg)

	base := time.Now()
	mgr.now = func() time.Time { return base }
	mgr.Create(endpoint(1))
	mgr.Create(endpoint(2))

	calls := 0
	mgr.SetOnExpire(func(*Session) {
		calls++
		panic("callback exploded")
	})

	assert.Equal(t, 2, mgr.ExpireIdle(base.Add(time.Hour)))
	assert.Equal(t, 2, calls)
	assert.Zero(t, mgr.Count())
}

func TestManager_CleanupLoop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 20 * time.Millisecond
	cfg.CleanupInterval = 5 * time.Millisecond
	mgr, _, _ := newTestManager(t, cfg)

	expired := make(chan protocol.HostID, 1)
	mgr.SetOnExpire(func(s *Session) { expired <- s.HostID() })
	s, _ := mgr.Create(endpoint(1))
	mgr.Start()

	select {
	case id := <-expired:
		assert.Equal(t, s.HostID(), id)
	case <-time.After(2 * time.Second):
		t.Fatal("idle session was not expired")
	}
}

func TestManager_Close(t *testing.T) {
	mgr, _, m := newTestManager(t, DefaultConfig())
	mgr.Start()
	a, _ := mgr.Create(endpoint(1))
	mgr.Create(endpoint(2))

	removed := mgr.Close()
	assert.Len(t, removed, 2)
	assert.True(t, a.Closed())
	assert.Zero(t, mgr.Count())
	assert.Empty(t, mgr.Close(), "second Close removes nothing")

	_, err := mgr.Create(endpoint(3))
	assert.ErrorIs(t, err, ErrManagerClosed)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.SessionsClosed.WithLabelValues(ReasonShutdown)))
}

func TestManager_List(t *testing.T) {
	mgr, _, _ := newTestManager(t, DefaultConfig())
	for port := 1; port <= 5; port++ {
		_, err := mgr.Create(endpoint(port))
		require.NoError(t, err)
	}

	list := mgr.List()
	require.Len(t, list, 5)
	for i := 1; i < len(list); i++ {
		assert.Less(t, uint32(list[i-1].HostID()), uint32(list[i].HostID()))
	}
}
