// Package tcp is the connection dispatcher: it owns the listener, one
// goroutine per client connection, and the routing of decoded requests to
// the services.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/aubus-app/aubus-server/internal/domain/types"
	"github.com/aubus-app/aubus-server/internal/protocol"
	"github.com/aubus-app/aubus-server/internal/service/matching"
	"github.com/aubus-app/aubus-server/internal/session"
	"github.com/aubus-app/aubus-server/pkg/logger"
	wrap "github.com/aubus-app/aubus-server/pkg/logger/wrapper"
	"github.com/aubus-app/aubus-server/pkg/metrics"
)

type ServerConfig struct {
	Addr         string
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
}

// maxAcceptFailures bounds consecutive accept errors before the listener is
// declared dead and the failure surfaces on Err.
const maxAcceptFailures = 5

type Server struct {
	cfg      ServerConfig
	router   *Router
	sessions *session.Manager
	engine   *matching.Engine
	log      logger.Logger

	listener net.Listener
	wg       sync.WaitGroup
	fatal    chan error
}

func NewServer(cfg ServerConfig, router *Router, sessions *session.Manager, engine *matching.Engine, log logger.Logger) *Server {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Server{
		cfg:      cfg,
		router:   router,
		sessions: sessions,
		engine:   engine,
		log:      log,
		fatal:    make(chan error, 1),
	}
}

// Start binds the listener and serves until ctx is cancelled. A bind
// failure is returned immediately; it is the caller's fatal path.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.log.Info(ctx, "tcp listener started", "addr", ln.Addr().String())

	go s.acceptLoop(ctx)
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Err reports an accept-loop failure that killed the listener. The caller
// treats it as the process's fatal path.
func (s *Server) Err() <-chan error {
	return s.fatal
}

func (s *Server) acceptLoop(ctx context.Context) {
	var failures int
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			failures++
			if failures >= maxAcceptFailures {
				s.fatal <- fmt.Errorf("accept loop failed on %s: %w", s.Addr(), err)
				return
			}
			s.log.Warn(ctx, "accept failed", "error", err.Error(), "consecutive", failures)
			time.Sleep(time.Duration(failures) * 50 * time.Millisecond)
			continue
		}
		failures = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, netConn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, netConn net.Conn) {
	conn := newConn(netConn, s.cfg.WriteTimeout)
	ctx = wrap.WithConnID(ctx, conn.ID())

	metrics.ConnectionsGauge.WithLabelValues("tcp").Inc()
	s.log.Debug(wrap.WithAction(ctx, types.ActionConnectionOpened), "connection opened", "remote", conn.RemoteAddr())

	defer func() {
		if p := recover(); p != nil {
			s.log.Error(ctx, "panic in connection loop", fmt.Errorf("panic: %v", p))
		}
		s.teardown(ctx, conn)
	}()

	decoder := protocol.NewDecoder(netConn)
	for {
		if err := netConn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return
		}

		req, err := decoder.Decode()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return
			case errors.Is(err, protocol.ErrMalformedMessage):
				s.sendFrame(conn, protocol.Fail("", protocol.KindMalformedMessage, err.Error()))
				return
			case isTimeout(err):
				s.log.Debug(wrap.WithAction(ctx, types.ActionIdleReap), "idle connection reaped")
				return
			default:
				return
			}
		}

		resp, closeConn := s.router.Handle(ctx, conn, req)
		s.sendFrame(conn, resp)
		if closeConn {
			return
		}
	}
}

func (s *Server) sendFrame(conn *Conn, resp protocol.Response) {
	frame, err := protocol.EncodeResponse(resp)
	if err != nil {
		s.log.Error(context.Background(), "failed to encode response", err)
		return
	}
	if err := conn.Send(frame); err != nil {
		s.log.Debug(context.Background(), "failed to write response", "conn_id", conn.ID(), "error", err.Error())
	}
}

// teardown unbinds the session (idempotent with logout) and lets the engine
// demote a disconnected driver.
func (s *Server) teardown(ctx context.Context, conn *Conn) {
	_ = conn.Close()
	metrics.ConnectionsGauge.WithLabelValues("tcp").Dec()

	if sess, ok := s.sessions.Unbind(conn.ID()); ok {
		s.engine.HandleDisconnect(ctx, sess.UserID)
	}
	s.log.Debug(wrap.WithAction(ctx, types.ActionConnectionClosed), "connection closed")
}

// Shutdown stops accepting, closes every bound connection and waits for the
// per-connection goroutines to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			return err
		}
	}
	s.sessions.CloseAll(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
