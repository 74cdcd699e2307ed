// Package ws exposes the same request/response protocol over WebSocket for
// browser clients, sharing the TCP router.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aubus-app/aubus-server/internal/adapter/tcp"
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
	Path         string
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
}

type Server struct {
	cfg      ServerConfig
	router   *tcp.Router
	sessions *session.Manager
	engine   *matching.Engine
	log      logger.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

func NewServer(cfg ServerConfig, router *tcp.Router, sessions *session.Manager, engine *matching.Engine, log logger.Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
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
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Start binds the HTTP listener that upgrades to WebSocket.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		s.handleUpgrade(ctx, w, r)
	})

	s.httpServer = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Surface an immediate bind failure to the caller.
	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start websocket listener on %s: %w", s.cfg.Addr, err)
	case <-time.After(100 * time.Millisecond):
	}

	s.log.Info(ctx, "websocket listener started", "addr", s.cfg.Addr, "path", s.cfg.Path)
	return nil
}

func (s *Server) handleUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn(ctx, "websocket upgrade failed", "error", err.Error())
		return
	}
	s.serveConn(ctx, socket)
}

func (s *Server) serveConn(ctx context.Context, socket *websocket.Conn) {
	conn := newWSConn(socket, s.cfg.WriteTimeout)
	ctx = wrap.WithConnID(ctx, conn.ID())

	metrics.ConnectionsGauge.WithLabelValues("ws").Inc()
	s.log.Debug(wrap.WithAction(ctx, types.ActionConnectionOpened), "connection opened", "remote", conn.RemoteAddr())

	defer func() {
		if p := recover(); p != nil {
			s.log.Error(ctx, "panic in connection loop", fmt.Errorf("panic: %v", p))
		}
		_ = conn.Close()
		metrics.ConnectionsGauge.WithLabelValues("ws").Dec()
		if sess, ok := s.sessions.Unbind(conn.ID()); ok {
			s.engine.HandleDisconnect(ctx, sess.UserID)
		}
		s.log.Debug(wrap.WithAction(ctx, types.ActionConnectionClosed), "connection closed")
	}()

	socket.SetReadLimit(protocol.MaxFrameSize)

	for {
		if err := socket.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return
		}

		msgType, frame, err := socket.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		req, err := protocol.DecodeRequest(frame)
		if err != nil {
			s.sendFrame(conn, protocol.Fail("", protocol.KindMalformedMessage, err.Error()))
			return
		}

		resp, closeConn := s.router.Handle(ctx, conn, req)
		s.sendFrame(conn, resp)
		if closeConn {
			return
		}
	}
}

func (s *Server) sendFrame(conn *wsConn, resp protocol.Response) {
	frame, err := protocol.EncodeResponse(resp)
	if err != nil {
		s.log.Error(context.Background(), "failed to encode response", err)
		return
	}
	if err := conn.Send(frame); err != nil {
		s.log.Debug(context.Background(), "failed to write response", "conn_id", conn.ID(), "error", err.Error())
	}
}

// Shutdown stops the HTTP listener; per-connection teardown runs as each
// socket read fails.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
