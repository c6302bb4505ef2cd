// Package loadtest provides load testing utilities for the relay.
package loadtest

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/afii369/NetspherePirates/internal/logging"
	"github.com/afii369/NetspherePirates/internal/p2p"
	"github.com/afii369/NetspherePirates/internal/protocol"
)

// GroupMetrics contains metrics from in-process group load testing.
type GroupMetrics struct {
	Members          int
	JoinTimeMs       float64
	LeaveTimeMs      float64
	Notifications    int64
	ConnectionStates int
	JoinsPerSecond   float64
}

// ChurnMetrics contains metrics from session churn testing.
type ChurnMetrics struct {
	TotalConnections    int64
	SuccessfulConnects  int64
	FailedConnects      int64
	TotalDisconnects    int64
	AvgConnectTimeMs    float64
	AvgDisconnectTimeMs float64
	Duration            time.Duration
	ChurnRate           float64
}

// ThroughputMetrics contains relay throughput test results.
type ThroughputMetrics struct {
	Sent              int64
	Received          int64
	TotalBytes        int64
	Duration          time.Duration
	MessagesPerSecond float64
	LossRatio         float64
}

// countingSession is an in-process session that only counts notifications.
type countingSession struct {
	id    protocol.HostID
	sent  *atomic.Int64
	group atomic.Pointer[p2p.Group]
}

func (s *countingSession) HostID() protocol.HostID { return s.id }

func (s *countingSession) SendAsync(protocol.Message) error {
	s.sent.Add(1)
	return nil
}

func (s *countingSession) Group() *p2p.Group     { return s.group.Load() }
func (s *countingSession) SetGroup(g *p2p.Group) { s.group.Store(g) }

type countingSessions map[protocol.HostID]*countingSession

func (m countingSessions) GetSession(id protocol.HostID) (p2p.Session, bool) {
	s, ok := m[id]
	return s, ok
}

// GroupLoadTester measures the cost of filling and draining one group.
// Every join notifies all existing members, so the cost grows with the
// square of the member count.
type GroupLoadTester struct {
	members   int
	encrypted bool
}

// NewGroupLoadTester creates a new group load tester.
func NewGroupLoadTester(members int, encrypted bool) *GroupLoadTester {
	return &GroupLoadTester{
		members:   members,
		encrypted: encrypted,
	}
}

// Run executes the group load test.
func (t *GroupLoadTester) Run() (*GroupMetrics, error) {
	var sent atomic.Int64
	sessions := make(countingSessions, t.members)
	for i := 0; i < t.members; i++ {
		id := protocol.HostID(1000 + i)
		sessions[id] = &countingSession{id: id, sent: &sent}
	}

	g, err := p2p.NewGroup(p2p.GroupConfig{
		ID:                1,
		EncryptionEnabled: t.encrypted,
		KeyLength:         16,
		ServerHostID:      protocol.DefaultServerHostID,
		Sessions:          sessions,
		Logger:            logging.NopLogger(),
	})
	if err != nil {
		return nil, err
	}

	metrics := &GroupMetrics{Members: t.members}

	joinStart := time.Now()
	for i := 0; i < t.members; i++ {
		if err := g.Join(protocol.HostID(1000 + i)); err != nil {
			return nil, fmt.Errorf("join %d: %w", 1000+i, err)
		}
	}
	joinDuration := time.Since(joinStart)
	metrics.JoinTimeMs = float64(joinDuration.Microseconds()) / 1000
	if joinDuration > 0 {
		metrics.JoinsPerSecond = float64(t.members) / joinDuration.Seconds()
	}

	for _, m := range g.Members() {
		metrics.ConnectionStates += len(m.ConnectionStates())
	}

	leaveStart := time.Now()
	for i := 0; i < t.members; i++ {
		g.Leave(protocol.HostID(1000 + i))
	}
	metrics.LeaveTimeMs = float64(time.Since(leaveStart).Microseconds()) / 1000
	metrics.Notifications = sent.Load()

	return metrics, nil
}

// ConnectionChurnTester opens and closes sessions in a loop.
type ConnectionChurnTester struct {
	concurrency int
	duration    time.Duration
	hold        time.Duration
	mu          sync.Mutex
}

// NewConnectionChurnTester creates a new connection churn tester. Each
// successful connection is held for hold before it is closed.
func NewConnectionChurnTester(concurrency int, duration, hold time.Duration) *ConnectionChurnTester {
	return &ConnectionChurnTester{
		concurrency: concurrency,
		duration:    duration,
		hold:        hold,
	}
}

// ConnectFunc establishes a connection and returns a close function.
type ConnectFunc func(ctx context.Context) (closeFunc func() error, err error)

// Run executes the connection churn test.
func (t *ConnectionChurnTester) Run(ctx context.Context, connectFn ConnectFunc) (*ChurnMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, t.duration)
	defer cancel()

	var wg sync.WaitGroup
	metrics := &ChurnMetrics{}
	startTime := time.Now()

	for i := 0; i < t.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.runChurnWorker(ctx, connectFn, metrics)
		}()
	}

	wg.Wait()
	metrics.Duration = time.Since(startTime)

	if metrics.Duration > 0 {
		metrics.ChurnRate = float64(metrics.TotalConnections) / metrics.Duration.Seconds()
	}
	if metrics.SuccessfulConnects > 0 {
		metrics.AvgConnectTimeMs /= float64(metrics.SuccessfulConnects)
	}
	if metrics.TotalDisconnects > 0 {
		metrics.AvgDisconnectTimeMs /= float64(metrics.TotalDisconnects)
	}

	return metrics, nil
}

func (t *ConnectionChurnTester) runChurnWorker(ctx context.Context, connectFn ConnectFunc, metrics *ChurnMetrics) {
	for ctx.Err() == nil {
		connectStart := time.Now()
		closeFunc, err := connectFn(ctx)
		connectDuration := time.Since(connectStart)

		atomic.AddInt64(&metrics.TotalConnections, 1)
		if err != nil {
			atomic.AddInt64(&metrics.FailedConnects, 1)
			continue
		}

		atomic.AddInt64(&metrics.SuccessfulConnects, 1)
		t.mu.Lock()
		metrics.AvgConnectTimeMs += float64(connectDuration.Microseconds()) / 1000
		t.mu.Unlock()

		if t.hold > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(t.hold):
			}
		}

		disconnectStart := time.Now()
		if closeFunc != nil {
			closeFunc()
		}
		disconnectDuration := time.Since(disconnectStart)

		atomic.AddInt64(&metrics.TotalDisconnects, 1)
		t.mu.Lock()
		metrics.AvgDisconnectTimeMs += float64(disconnectDuration.Microseconds()) / 1000
		t.mu.Unlock()
	}
}

// RelayMemberConnect returns a ConnectFunc that opens a session at addr,
// joins groupID and tears both down on close.
func RelayMemberConnect(addr string, groupID protocol.HostID, maxMessageLength int, timeout time.Duration) ConnectFunc {
	return func(ctx context.Context) (func() error, error) {
		c, err := Dial(ctx, addr, maxMessageLength, timeout)
		if err != nil {
			return nil, err
		}
		if err := c.Connect(); err != nil {
			c.Close()
			return nil, err
		}
		if err := c.JoinGroup(groupID); err != nil {
			c.Disconnect()
			c.Close()
			return nil, err
		}
		return func() error {
			c.Disconnect()
			return c.Close()
		}, nil
	}
}

// ThroughputTester relays payloads between two members of one group.
type ThroughputTester struct {
	duration    time.Duration
	payloadSize int
}

// NewThroughputTester creates a new throughput tester.
func NewThroughputTester(duration time.Duration, payloadSize int) *ThroughputTester {
	return &ThroughputTester{
		duration:    duration,
		payloadSize: payloadSize,
	}
}

// Run sends Relay messages from sender to receiver until the duration
// elapses, counting the Relayed messages that arrive. Both clients must be
// connected and in the same group.
func (t *ThroughputTester) Run(ctx context.Context, sender, receiver *Client) (*ThroughputMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, t.duration)
	defer cancel()

	data := make([]byte, t.payloadSize)
	rand.Read(data)

	metrics := &ThroughputMetrics{}
	startTime := time.Now()

	var received, bytes atomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			msg, err := receiver.Recv()
			if err != nil {
				// Read deadline: the sender has stopped and the
				// relay has drained.
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if r, ok := msg.(*protocol.Relayed); ok && r.Source == sender.HostID {
				received.Add(1)
				bytes.Add(int64(len(r.Data)))
			}
		}
	}()

	for ctx.Err() == nil {
		if err := sender.Relay(receiver.HostID, data); err != nil {
			break
		}
		metrics.Sent++
	}
	<-done

	metrics.Duration = time.Since(startTime)
	metrics.Received = received.Load()
	metrics.TotalBytes = bytes.Load()
	if metrics.Duration > 0 {
		metrics.MessagesPerSecond = float64(metrics.Received) / metrics.Duration.Seconds()
	}
	if metrics.Sent > 0 {
		metrics.LossRatio = 1 - float64(metrics.Received)/float64(metrics.Sent)
	}

	return metrics, nil
}
