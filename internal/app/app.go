// Package app assembles the server from its parts and owns the process
// lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aubus-app/aubus-server/config"
	"github.com/aubus-app/aubus-server/internal/adapter/geocode"
	"github.com/aubus-app/aubus-server/internal/adapter/inmem"
	repo "github.com/aubus-app/aubus-server/internal/adapter/postgres"
	events "github.com/aubus-app/aubus-server/internal/adapter/rabbit"
	"github.com/aubus-app/aubus-server/internal/adapter/tcp"
	"github.com/aubus-app/aubus-server/internal/adapter/ws"
	"github.com/aubus-app/aubus-server/internal/service/auth"
	"github.com/aubus-app/aubus-server/internal/service/chat"
	"github.com/aubus-app/aubus-server/internal/service/matching"
	"github.com/aubus-app/aubus-server/internal/session"
	"github.com/aubus-app/aubus-server/pkg/logger"
	"github.com/aubus-app/aubus-server/pkg/postgres"
	"github.com/aubus-app/aubus-server/pkg/rabbit"
	"github.com/aubus-app/aubus-server/pkg/trm"
)

const (
	StorageBackendPostgres = "postgres"
	StorageBackendMemory   = "memory"
)

type Application struct {
	cfg config.Config
	log logger.Logger

	postgresDB *postgres.PostgreDB
	rabbitMQ   *rabbit.RabbitMQ

	sessions *session.Manager
	engine   *matching.Engine

	tcpServer     *tcp.Server
	wsServer      *ws.Server
	metricsServer *http.Server

	stopEngine context.CancelFunc
}

func NewApplication(ctx context.Context, cfg config.Config, log logger.Logger) (*Application, error) {
	app := &Application{
		cfg:      cfg,
		log:      log,
		sessions: session.NewManager(log),
	}

	var (
		userRepo         auth.UserRepo
		requestRepo      matching.RequestRepo
		tripRepo         matching.TripRepo
		availabilityRepo matching.AvailabilityRepo
		ratingRepo       matching.RatingRepo
		messageRepo      chat.MessageRepo
		tripReader       chat.TripReader
	)

	switch cfg.Storage.Backend {
	case StorageBackendPostgres:
		postgresDB, err := postgres.New(ctx, cfg.Database)
		if err != nil {
			log.Error(ctx, "Failed to setup database", err)
			return nil, err
		}
		app.postgresDB = postgresDB

		tx := trm.New(postgresDB.Pool)
		users := repo.NewUserRepo(postgresDB.Pool)
		trips := repo.NewTripRepo(postgresDB.Pool, tx)

		userRepo = users
		ratingRepo = users
		requestRepo = repo.NewRequestRepo(postgresDB.Pool)
		tripRepo = trips
		tripReader = trips
		availabilityRepo = repo.NewAvailabilityRepo(postgresDB.Pool, tx)
		messageRepo = repo.NewChatRepo(postgresDB.Pool, tx)

	case StorageBackendMemory:
		store := inmem.NewStore()

		userRepo = store
		ratingRepo = store
		requestRepo = store.Requests()
		tripRepo = store.Trips()
		tripReader = store.Trips()
		availabilityRepo = store
		messageRepo = store.Chat()

	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.Storage.Backend)
	}

	var publisher matching.Publisher = events.NoopPublisher{}
	if cfg.RabbitMQ.Enabled {
		client, err := rabbit.New(ctx, cfg.RabbitMQ.GetDSN(), log)
		if err != nil {
			log.Error(ctx, "Failed to connect to RabbitMQ", err)
			return nil, err
		}
		app.rabbitMQ = client

		publisher, err = events.NewRideEventsPublisher(client, log)
		if err != nil {
			log.Error(ctx, "Failed to setup ride events publisher", err)
			return nil, err
		}
	}

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.SessionTokenTTL)
	authService := auth.New(userRepo, tokens, log)

	var engineOpts []matching.Option
	if cfg.Geocode.Enabled {
		engineOpts = append(engineOpts, matching.WithGeocoder(geocode.New(cfg.Geocode.APIKey)))
	}

	app.engine = matching.New(
		matching.Config{
			OfferTTL:      cfg.Matching.OfferTTL,
			RequestTTL:    cfg.Matching.RequestTTL,
			SweepInterval: cfg.Matching.SweepInterval,
		},
		requestRepo,
		tripRepo,
		availabilityRepo,
		ratingRepo,
		app.sessions,
		publisher,
		log,
		engineOpts...,
	)

	chatRelay := chat.New(messageRepo, app.engine, tripReader, app.sessions, log)

	router := tcp.NewRouter(authService, app.engine, chatRelay, app.sessions, log)

	app.tcpServer = tcp.NewServer(tcp.ServerConfig{
		Addr:         cfg.Server.Addr(),
		IdleTimeout:  cfg.Server.IdleTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, router, app.sessions, app.engine, log)

	if cfg.WebSocket.Enabled {
		app.wsServer = ws.NewServer(ws.ServerConfig{
			Addr:         cfg.WebSocket.Addr(),
			Path:         cfg.WebSocket.Path,
			IdleTimeout:  cfg.Server.IdleTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}, router, app.sessions, app.engine, log)
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		app.metricsServer = &http.Server{
			Addr:    cfg.Metrics.Addr(),
			Handler: mux,
		}
	}

	return app, nil
}

// Start runs the listeners and blocks until a fatal error or a shutdown
// signal arrives.
func (a *Application) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	defer func() {
		a.close(ctx)
		a.log.Info(ctx, "application closed")
	}()

	// Re-adopt requests that were open before the restart.
	if err := a.engine.Restore(ctx); err != nil {
		a.log.Error(ctx, "failed to restore open requests", err)
		return err
	}

	engineCtx, cancel := context.WithCancel(ctx)
	a.stopEngine = cancel
	go a.engine.Run(engineCtx)

	if err := a.tcpServer.Start(ctx); err != nil {
		return err
	}

	if a.wsServer != nil {
		if err := a.wsServer.Start(ctx); err != nil {
			return err
		}
	}

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics listener failed: %w", err)
			}
		}()
		a.log.Info(ctx, "metrics listener started", "addr", a.metricsServer.Addr)
	}

	// Waiting signal
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	a.log.Info(ctx, "application started", "addr", a.tcpServer.Addr())

	select {
	case errRun := <-errCh:
		return errRun
	case errAccept := <-a.tcpServer.Err():
		return errAccept
	case sig := <-shutdownCh:
		a.log.Info(ctx, "shutting down application", "signal", sig.String())
		return nil
	}
}

func (a *Application) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if a.wsServer != nil {
		if err := a.wsServer.Shutdown(ctx); err != nil {
			a.log.Warn(ctx, "Failed to gracefully close websocket server", "error", err.Error())
		}
	}

	if a.tcpServer != nil {
		if err := a.tcpServer.Shutdown(ctx); err != nil {
			a.log.Warn(ctx, "Failed to gracefully close tcp server", "error", err.Error())
		}
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.log.Warn(ctx, "Failed to gracefully close metrics server", "error", err.Error())
		}
	}

	if a.stopEngine != nil {
		a.stopEngine()
	}

	if a.rabbitMQ != nil {
		if err := a.rabbitMQ.Close(ctx); err != nil {
			a.log.Warn(ctx, "Failed to close RabbitMQ connection", "error", err.Error())
		}
	}

	if a.postgresDB != nil && a.postgresDB.Pool != nil {
		a.postgresDB.Pool.Close()
	}
}
