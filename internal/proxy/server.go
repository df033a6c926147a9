// Package proxy accepts BOX connections and runs one session engine per
// connection, bounding concurrency so a misbehaving site cannot exhaust
// the process. When all session slots are busy, a small number of accepts
// are held waiting for a slot; beyond that new connections are refused to
// preserve liveness for the sessions already being served.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/example/solargate/internal/cloud"
	"github.com/example/solargate/internal/events"
	"github.com/example/solargate/internal/mode"
	"github.com/example/solargate/internal/responder"
	"github.com/example/solargate/internal/session"
	"github.com/example/solargate/internal/settings"
)

// Defaults for the concurrency bound.
const (
	DefaultMaxSessions    = 32
	DefaultAcceptBacklog  = 8
	acceptRetryBackoff    = 100 * time.Millisecond
	maxAcceptRetryBackoff = 2 * time.Second
)

// Config parameterizes the Server.
type Config struct {
	// Host and Port to listen on.
	Host string
	Port int

	// MaxSessions caps concurrently served BOX connections.
	MaxSessions int

	// AcceptBacklog is how many accepted connections may wait for a free
	// session slot before new ones are refused.
	AcceptBacklog int

	// Bus receives lifecycle records. Required.
	Bus *events.Bus

	// Mode is the per-session controller template.
	Mode mode.Config

	// CloudTarget is the upstream "host:port"; may be empty in offline
	// mode.
	CloudTarget string

	// ConnectTimeout bounds upstream dials.
	ConnectTimeout time.Duration

	// Settings is the queued-settings slot shared with the control API.
	Settings settings.Store

	// DeviceID pins the device id ("" or "AUTO" learns from traffic).
	DeviceID string

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Tracer, when non-nil, traces sessions.
	Tracer trace.Tracer
}

func (c *Config) applyDefaults() {
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.AcceptBacklog <= 0 {
		c.AcceptBacklog = DefaultAcceptBacklog
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Server is the BOX-facing listener.
type Server struct {
	cfg    Config
	logger *slog.Logger

	nextID  atomic.Uint64
	slots   chan struct{}
	waiting atomic.Int32
	refused atomic.Uint64

	mu       sync.Mutex
	sessions map[uint64]*session.Session
	wg       sync.WaitGroup
}

// NewServer assembles a server.
func NewServer(cfg Config) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "listener"),
		slots:    make(chan struct{}, cfg.MaxSessions),
		sessions: make(map[uint64]*session.Session),
	}
}

// ListenAndServe binds the configured address and serves until the context
// ends. A failure to bind, or a persistent accept failure, is fatal and
// returned.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("proxy: listen %s: %w", addr, err)
	}
	s.logger.Info("listening for box connections", "addr", ln.Addr().String())
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until the context ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer s.wg.Wait()

	backoff := acceptRetryBackoff
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// Transient accept pressure: back off and keep serving
				// the sessions that are already live.
				s.logger.Warn("accept failed, retrying", "error", err)
				time.Sleep(backoff)
				if backoff *= 2; backoff > maxAcceptRetryBackoff {
					backoff = maxAcceptRetryBackoff
				}
				continue
			}
			return fmt.Errorf("proxy: accept: %w", err)
		}
		backoff = acceptRetryBackoff
		s.admit(ctx, conn)
	}
}

// admit places conn into a session slot, holding it in the backlog when
// saturated and refusing it when the backlog is full too.
func (s *Server) admit(ctx context.Context, conn net.Conn) {
	select {
	case s.slots <- struct{}{}:
		s.spawn(ctx, conn)
		return
	default:
	}

	if int(s.waiting.Load()) >= s.cfg.AcceptBacklog {
		s.refused.Add(1)
		s.logger.Warn("refusing box connection, backlog full",
			"peer", conn.RemoteAddr().String())
		_ = conn.Close()
		return
	}

	s.waiting.Add(1)
	s.logger.Info("holding box connection, sessions saturated",
		"peer", conn.RemoteAddr().String())
	go func() {
		defer s.waiting.Add(-1)
		select {
		case s.slots <- struct{}{}:
			s.spawn(ctx, conn)
		case <-ctx.Done():
			_ = conn.Close()
		}
	}()
}

func (s *Server) spawn(ctx context.Context, conn net.Conn) {
	id := s.nextID.Add(1)

	sess := session.New(session.Config{
		ID:   id,
		Conn: conn,
		Bus:  s.cfg.Bus,
		Mode: s.cfg.Mode,
		NewCloud: func() session.CloudLink {
			return cloud.NewSession(cloud.Config{
				Target:         s.cfg.CloudTarget,
				ConnectTimeout: s.cfg.ConnectTimeout,
				Logger:         s.cfg.Logger,
			})
		},
		Responder: responder.Config{
			Store:  s.cfg.Settings,
			Logger: s.cfg.Logger,
		},
		DeviceID: s.cfg.DeviceID,
		Logger:   s.cfg.Logger,
		Tracer:   s.cfg.Tracer,
	})

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.sessions, id)
			s.mu.Unlock()
			<-s.slots
		}()
		sess.Run(ctx)
	}()
}

// =============================================================================
// Status
// =============================================================================

// SessionStatus is one live session's snapshot for the control API.
type SessionStatus struct {
	ID       uint64        `json:"id"`
	DeviceID string        `json:"device_id,omitempty"`
	Stats    session.Stats `json:"stats"`
}

// Status is the server snapshot for the control API.
type Status struct {
	ActiveSessions int             `json:"active_sessions"`
	TotalSessions  uint64          `json:"total_sessions"`
	Refused        uint64          `json:"refused"`
	Sessions       []SessionStatus `json:"sessions"`
}

// Status snapshots the live sessions.
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		ActiveSessions: len(s.sessions),
		TotalSessions:  s.nextID.Load(),
		Refused:        s.refused.Load(),
	}
	for id, sess := range s.sessions {
		st.Sessions = append(st.Sessions, SessionStatus{
			ID:       id,
			DeviceID: sess.DeviceID(),
			Stats:    sess.Stats(),
		})
	}
	return st
}
