package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/skypro1111/stream-session-service/internal/config"
	"github.com/skypro1111/stream-session-service/internal/metrics"
	"github.com/skypro1111/stream-session-service/internal/pool"
	"github.com/skypro1111/stream-session-service/internal/protocol"
	"github.com/skypro1111/stream-session-service/internal/session"
)

// rejectWriteTimeout bounds the busy reply to a viewer we are turning away
const rejectWriteTimeout = 2 * time.Second

// TCPServer accepts viewer connections and admits each one as a session
type TCPServer struct {
	listener   net.Listener
	config     *config.ServerConfig
	sessionCfg session.Config
	logger     *slog.Logger
	manager    *session.Manager
	events     chan<- session.Event
	sessions   *pool.Pool
	control    *pool.Pool
	metrics    *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	accepted     atomic.Uint64
	rejectedBusy atomic.Uint64
	acceptErrors atomic.Uint64
}

// TCPServerDeps are the collaborators every admitted session is wired to
type TCPServerDeps struct {
	Manager  *session.Manager
	Events   chan<- session.Event
	Sessions *pool.Pool // four workers per viewer
	Control  *pool.Pool // runs the accept loop
	Metrics  *metrics.Metrics
}

// NewTCPServer creates a new TCP acceptor
func NewTCPServer(cfg *config.ServerConfig, sessionCfg session.Config, logger *slog.Logger, deps TCPServerDeps) *TCPServer {
	ctx, cancel := context.WithCancel(context.Background())

	return &TCPServer{
		config:     cfg,
		sessionCfg: sessionCfg,
		logger:     logger.With(slog.String("component", "tcp_server")),
		manager:    deps.Manager,
		events:     deps.Events,
		sessions:   deps.Sessions,
		control:    deps.Control,
		metrics:    deps.Metrics,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Start begins listening for viewers
func (s *TCPServer) Start() error {
	addr := net.JoinHostPort(s.config.BindAddress, fmt.Sprintf("%d", s.config.TCPPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on TCP: %w", err)
	}
	s.listener = ln

	if err := s.control.Go("acceptor", s.acceptLoop); err != nil {
		ln.Close()
		return fmt.Errorf("starting acceptor: %w", err)
	}

	s.logger.Info("TCP server started",
		slog.String("address", ln.Addr().String()),
		slog.Int("max_sessions", s.config.MaxSessions),
	)
	return nil
}

// Addr returns the bound listener address, or nil before Start
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and waits for the accept loop to exit.
// Admitted sessions are left to the manager.
func (s *TCPServer) Stop() error {
	s.logger.Info("Stopping TCP server...")
	s.cancel()

	if s.listener == nil {
		return nil
	}
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("Error closing TCP listener", slog.String("error", err.Error()))
	}
	<-s.done

	stats := s.GetStatistics()
	s.logger.Info("TCP server stopped",
		slog.Uint64("accepted", stats.Accepted),
		slog.Uint64("rejected_busy", stats.RejectedBusy),
		slog.Uint64("accept_errors", stats.AcceptErrors),
	)
	return nil
}

func (s *TCPServer) acceptLoop() {
	defer close(s.done)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.acceptErrors.Add(1)
			s.logger.Error("Failed to accept connection", slog.String("error", err.Error()))

			// back off on resource errors such as EMFILE
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		s.accepted.Add(1)
		s.admit(conn)
	}
}

// admit wires conn into a new session, or turns it away when no capacity is left
func (s *TCPServer) admit(conn net.Conn) {
	remote := conn.RemoteAddr().String()

	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(true); err != nil {
			s.logger.Warn("Failed to set TCP_NODELAY",
				slog.String("remote_addr", remote),
				slog.String("error", err.Error()),
			)
		}
	}

	if limit := s.config.MaxSessions; limit > 0 && s.manager.Count() >= limit {
		s.reject(conn, fmt.Sprintf("session limit %d reached", limit))
		return
	}

	sess := session.New(conn, s.sessionCfg,
		session.WithLogger(s.logger),
		session.WithMetrics(s.metrics),
		session.WithEvents(s.events),
	)
	if err := s.manager.Add(sess); err != nil {
		s.logger.Error("Failed to register session",
			slog.String("remote_addr", remote),
			slog.String("error", err.Error()),
		)
		conn.Close()
		return
	}

	if err := sess.Start(s.sessions); err != nil {
		s.manager.Remove(sess.ID())
		if errors.Is(err, pool.ErrPoolExhausted) {
			s.reject(conn, err.Error())
			return
		}
		s.logger.Error("Failed to start session",
			slog.String("remote_addr", remote),
			slog.String("error", err.Error()),
		)
		conn.Close()
	}
}

// reject sends ERROR|reason=busy and closes conn
func (s *TCPServer) reject(conn net.Conn, why string) {
	s.rejectedBusy.Add(1)
	s.metrics.RecordBusy()
	s.logger.Warn("Viewer rejected, server busy",
		slog.String("remote_addr", conn.RemoteAddr().String()),
		slog.String("reason", why),
	)

	_ = conn.SetWriteDeadline(time.Now().Add(rejectWriteTimeout))
	if err := protocol.WriteLine(conn, protocol.ErrorLine(protocol.ReasonBusy)); err != nil {
		s.logger.Debug("Failed to send busy reply", slog.String("error", err.Error()))
	}
	conn.Close()
}

// GetStatistics returns current acceptor statistics
func (s *TCPServer) GetStatistics() ServerStatistics {
	return ServerStatistics{
		Accepted:       s.accepted.Load(),
		RejectedBusy:   s.rejectedBusy.Load(),
		AcceptErrors:   s.acceptErrors.Load(),
		ActiveSessions: s.manager.Count(),
		MaxSessions:    s.config.MaxSessions,
	}
}

// ServerStatistics represents acceptor counters
type ServerStatistics struct {
	Accepted       uint64 `json:"accepted"`
	RejectedBusy   uint64 `json:"rejected_busy"`
	AcceptErrors   uint64 `json:"accept_errors"`
	ActiveSessions int    `json:"active_sessions"`
	MaxSessions    int    `json:"max_sessions"`
}
