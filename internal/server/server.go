// Package server wires the relay components into a single runnable unit.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/afii369/NetspherePirates/internal/config"
	"github.com/afii369/NetspherePirates/internal/health"
	"github.com/afii369/NetspherePirates/internal/logging"
	"github.com/afii369/NetspherePirates/internal/metrics"
	"github.com/afii369/NetspherePirates/internal/p2p"
	"github.com/afii369/NetspherePirates/internal/protocol"
	"github.com/afii369/NetspherePirates/internal/relay"
	"github.com/afii369/NetspherePirates/internal/session"
	"github.com/afii369/NetspherePirates/internal/udp"
)

// Server is a running relay instance.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	socket     *udp.Socket
	sessions   *session.Manager
	groups     *p2p.Manager
	dispatcher *relay.Dispatcher

	healthServer *health.Server

	startedAt time.Time
	running   atomic.Bool
	stopOnce  sync.Once
}

// New builds a relay from cfg. Nothing is bound until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = logging.NewLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)
	}

	s := &Server{
		cfg:      cfg,
		logger:   logging.Component(logger, "server"),
		registry: prometheus.NewRegistry(),
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = metrics.NewMetricsWithRegistry(s.registry)

	serverID := protocol.HostID(cfg.Server.HostID)
	ids := session.NewHostIDAllocator(protocol.HostID(cfg.Server.FirstHostID), serverID)

	// The dispatcher needs the socket as its transport, so the handler
	// resolves it lazily.
	s.socket = udp.NewSocket(udp.Config{
		MaxMessageLength: cfg.UDP.MaxMessageLength,
		IOWorkers:        cfg.UDP.IOWorkers,
		HandlerWorkers:   cfg.UDP.HandlerWorkers,
		HandlerQueueSize: cfg.UDP.HandlerQueueSize,
		SendQueueSize:    cfg.UDP.SendQueueSize,
		ReadBatchSize:    cfg.UDP.ReadBatchSize,
		ReadBuffer:       cfg.UDP.ReadBuffer,
		ReuseAddr:        cfg.UDP.ReuseAddr,
		QuietPeriod:      cfg.UDP.QuietPeriod,
		ShutdownTimeout:  cfg.UDP.ShutdownTimeout,
	}, udp.HandlerFunc(func(ctx context.Context, d udp.Datagram) {
		s.dispatcher.HandleDatagram(ctx, d)
	}), logger, s.metrics)

	s.sessions = session.NewManager(session.Config{
		MaxSessions:       cfg.Sessions.MaxSessions,
		IdleTimeout:       cfg.Sessions.IdleTimeout,
		MessagesPerSecond: cfg.Sessions.MessagesPerSecond,
		Burst:             cfg.Sessions.Burst,
	}, s.socket, ids, logger, s.metrics)

	groups, err := p2p.NewManager(p2p.ManagerConfig{
		ServerHostID:      serverID,
		EncryptionEnabled: cfg.P2P.EncryptionEnabled,
		KeyLength:         cfg.P2P.KeyLength,
		JoinServer:        cfg.P2P.JoinServer,
		Sessions:          s.sessions,
		IDs:               ids,
		ServerSink:        s.serverNotification,
		Logger:            logger,
		Metrics:           s.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create group manager: %w", err)
	}
	s.groups = groups

	s.dispatcher, err = relay.New(relay.Config{
		ServerHostID: serverID,
		Sessions:     s.sessions,
		Groups:       s.groups,
		Transport:    s.socket,
		Logger:       logger,
		Metrics:      s.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}
	s.sessions.SetOnExpire(s.dispatcher.SessionExpired)

	if cfg.Metrics.Enabled {
		hcfg := health.DefaultServerConfig()
		hcfg.Address = cfg.Metrics.Address
		hcfg.MetricsPath = cfg.Metrics.Path
		hcfg.Gatherer = s.registry
		s.healthServer = health.NewServer(hcfg, &serverStatsProvider{server: s}, logger)
	}

	return s, nil
}

// serverNotification receives membership notifications addressed to the
// relay's own member.
func (s *Server) serverNotification(msg protocol.Message) {
	s.logger.Debug("server notification",
		logging.KeyMessageType, protocol.MessageTypeName(msg.Type()))
}

// Start binds the UDP socket and starts background work. ctx bounds only
// the bind; use Stop to shut the relay down.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	if err := s.socket.Listen(ctx, s.cfg.UDP.Address); err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.UDP.Address, err)
	}

	s.sessions.Start()

	if s.healthServer != nil {
		if err := s.healthServer.Start(); err != nil {
			s.sessions.Close()
			s.socket.Close()
			return fmt.Errorf("start health server: %w", err)
		}
	}

	s.startedAt = time.Now()
	s.running.Store(true)

	s.logger.Info("relay started",
		logging.KeyLocalAddr, s.LocalAddr().String(),
		logging.KeyHostID, s.cfg.Server.HostID,
		"encryption", s.cfg.P2P.EncryptionEnabled,
		"join_server", s.cfg.P2P.JoinServer,
		"max_sessions", s.cfg.Sessions.MaxSessions)

	return nil
}

// Stop shuts the relay down. Groups are closed first so members still
// receive their leave notifications before sessions and the socket go away.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info("stopping relay")
		s.running.Store(false)

		if s.healthServer != nil {
			if herr := s.healthServer.Stop(); herr != nil {
				s.logger.Warn("health server shutdown", logging.KeyError, herr)
			}
		}

		s.groups.Close()
		closed := s.sessions.Close()

		err = s.socket.Close()

		s.logger.Info("relay stopped",
			"sessions_closed", len(closed))
	})
	return err
}

// StopWithContext stops with a timeout.
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- s.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the relay is serving traffic.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// LocalAddr returns the bound UDP address, or nil before Start.
func (s *Server) LocalAddr() net.Addr {
	return s.socket.LocalAddr()
}

// HealthAddr returns the health server address, or nil when disabled.
func (s *Server) HealthAddr() net.Addr {
	if s.healthServer == nil {
		return nil
	}
	return s.healthServer.Address()
}

// Registry returns the Prometheus registry holding the relay's metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Sessions returns the session registry.
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

// Groups returns the group registry.
func (s *Server) Groups() *p2p.Manager {
	return s.groups
}

// Stats returns a snapshot of relay statistics.
func (s *Server) Stats() health.Stats {
	stats := health.Stats{
		SessionCount: s.sessions.Count(),
		GroupCount:   s.groups.Count(),
		MemberCount:  s.groups.MemberCount(),
	}
	if addr := s.LocalAddr(); addr != nil {
		stats.ListenAddress = addr.String()
	}
	if s.IsRunning() {
		stats.Uptime = strings.TrimSpace(humanize.RelTime(s.startedAt, time.Now(), "", ""))
	}
	return stats
}

// serverStatsProvider adapts Server to health.StatsProvider.
type serverStatsProvider struct {
	server *Server
}

// IsRunning implements health.StatsProvider.
func (p *serverStatsProvider) IsRunning() bool {
	return p.server.IsRunning()
}

// Stats implements health.StatsProvider.
func (p *serverStatsProvider) Stats() health.Stats {
	return p.server.Stats()
}
