/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/harmony/internal/auth"
	"github.com/friendsincode/harmony/internal/config"
	"github.com/friendsincode/harmony/internal/db"
	"github.com/friendsincode/harmony/internal/eventbus"
	"github.com/friendsincode/harmony/internal/events"
	"github.com/friendsincode/harmony/internal/gateway"
	"github.com/friendsincode/harmony/internal/groups"
	"github.com/friendsincode/harmony/internal/playback"
	"github.com/friendsincode/harmony/internal/presence"
	"github.com/friendsincode/harmony/internal/queue"
	"github.com/friendsincode/harmony/internal/reconcile"
	"github.com/friendsincode/harmony/internal/requests"
	"github.com/friendsincode/harmony/internal/session"
	"github.com/friendsincode/harmony/internal/telemetry"
	"github.com/friendsincode/harmony/internal/timers"
)

// Server bundles the HTTP edge and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	db       *gorm.DB
	store    *session.Store
	bus      events.PubSub
	groups   *groups.Service
	queue    *queue.Engine
	clock    *playback.Clock
	requests *requests.Service
	presence *presence.Tracker
	hub      *gateway.Hub
	gateway  *gateway.Gateway

	coordinator     *reconcile.Coordinator
	listenerSweeper *reconcile.ListenerSweeper
	presenceSweeper *reconcile.PresenceSweeper

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(telemetry.TracingMiddleware("harmony-api"))
	router.Use(telemetry.MetricsMiddleware)
	// Skip timeout for WebSocket connections
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:    cfg,
		logger: logger,
		router: router,
	}

	if err := srv.initDependencies(); err != nil {
		return nil, err
	}

	srv.configureRoutes()
	srv.startBackgroundWorkers()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:    addr,
		Handler: srv.router,
		// Header deadline protects against slowloris; WebSocket connections
		// manage their own read deadlines past the upgrade.
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       0,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	return srv, nil
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return err
	}
	if err := db.Migrate(database); err != nil {
		return err
	}
	if err := db.RegisterCallbacks(database); err != nil {
		return err
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })

	storeCfg := session.DefaultConfig()
	storeCfg.RedisAddr = s.cfg.RedisAddr
	storeCfg.RedisPassword = s.cfg.RedisPassword
	storeCfg.RedisDB = s.cfg.RedisDB
	storeCfg.PlaybackTTL = s.cfg.PlaybackTTL
	store, err := session.New(storeCfg, s.logger)
	if err != nil {
		return err
	}
	s.store = store
	s.DeferClose(store.Close)

	if err := s.initBus(); err != nil {
		return err
	}

	s.groups = groups.New(database, s.logger)
	s.queue = queue.New(database, s.bus, s.cfg.MaxQueueItems, s.cfg.MaxHistoryItems, s.logger)
	s.clock = playback.New(database, store, s.queue, s.bus, s.cfg.ScheduleAhead, s.cfg.SeekCooldown, s.logger)
	s.requests = requests.New(database, store, s.queue, s.bus, s.cfg.RequestRatePerMin, s.cfg.MaxPendingRequests, s.logger)

	scheduler := timers.NewScheduler()
	s.DeferClose(func() error {
		scheduler.Stop()
		return nil
	})
	s.presence = presence.New(store, scheduler, s.bus, s.cfg.PresenceGrace, s.cfg.PresenceStaleAfter, s.cfg.PresenceBroadcasts, s.logger)

	s.hub = gateway.NewHub(s.logger)
	s.gateway = gateway.New(s.hub, s.groups, s.queue, s.clock, s.requests, s.presence, store, s.bus, s.logger)

	s.coordinator = reconcile.NewCoordinator(store, s.clock, s.queue, s.cfg.CoordinatorInterval, s.cfg.CoordinatorEndPad, s.logger)
	s.listenerSweeper = reconcile.NewListenerSweeper(store, store, s.groups, s.clock, s.bus, s.cfg.ListenerSweepInterval, s.cfg.AutoPauseOnControllerLeave, s.cfg.ListenerBroadcasts, s.logger)
	s.presenceSweeper = reconcile.NewPresenceSweeper(s.presence, s.cfg.PresenceSweepInterval, s.logger)

	return nil
}

// initBus selects the event fabric. Memory serves single-instance
// deployments; Redis and NATS fan events across instances.
func (s *Server) initBus() error {
	switch s.cfg.BusBackend {
	case config.BusRedis:
		busCfg := eventbus.DefaultRedisConfig()
		busCfg.Addr = s.cfg.RedisAddr
		busCfg.Password = s.cfg.RedisPassword
		busCfg.DB = s.cfg.RedisDB
		bus, err := eventbus.NewRedisBus(busCfg, s.cfg.InstanceID, s.logger)
		if err != nil {
			return fmt.Errorf("redis event bus: %w", err)
		}
		s.bus = bus
		s.DeferClose(bus.Close)

	case config.BusNATS:
		busCfg := eventbus.DefaultNATSConfig()
		busCfg.URL = s.cfg.NATSURL
		bus, err := eventbus.NewNATSBus(busCfg, s.cfg.InstanceID, s.logger)
		if err != nil {
			return fmt.Errorf("nats event bus: %w", err)
		}
		s.bus = bus
		s.DeferClose(bus.Close)

	default:
		s.bus = events.NewBus()
	}

	s.logger.Info().Str("backend", string(s.cfg.BusBackend)).Msg("event bus initialized")
	return nil
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.gateway.Run(ctx)
	}()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.coordinator.Run(ctx)
	}()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.listenerSweeper.Run(ctx)
	}()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.presenceSweeper.Run(ctx)
	}()

	// Connection pool metrics updater
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.UpdateConnectionMetrics(s.db)
			}
		}
	}()
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		code := http.StatusOK
		if err := s.store.Ping(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(`{"status":"` + status + `"}`))
	})

	s.router.Handle("/metrics", telemetry.Handler())

	s.router.Group(func(r chi.Router) {
		r.Use(auth.Middleware([]byte(s.cfg.JWTSigningKey)))

		r.Get("/v1/ws", s.gateway.HandleWebSocket)
		r.Get("/v1/groups/{groupID}/state", s.handleGroupState)
	})
}

// handleGroupState serves a read-only session snapshot over plain HTTP for
// tooling and cold loads that do not hold a socket.
func (s *Server) handleGroupState(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	groupID := chi.URLParam(r, "groupID")

	m, err := s.groups.Membership(r.Context(), groupID, claims.UserID)
	if errors.Is(err, groups.ErrGroupNotFound) {
		http.Error(w, "group not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !m.IsMember {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	qst, err := s.queue.State(r.Context(), groupID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	pst, err := s.clock.Playback(r.Context(), groupID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	listeners, err := s.store.Listeners(r.Context(), groupID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"groupId":          groupID,
		"controllerUserId": m.ControllerUserID,
		"queue": map[string]any{
			"items":        qst.Items,
			"currentIndex": qst.CurrentIndex,
			"version":      qst.Version,
		},
		"playback": map[string]any{
			"isPlaying":       pst.IsPlaying,
			"startAtServerMs": pst.StartAtServerMs,
			"startOffsetSec":  pst.StartOffsetSec,
			"queueIndex":      pst.QueueIndex,
			"updatedBy":       pst.UpdatedBy,
		},
		"listeners":   listeners,
		"serverNowMs": time.Now().UnixMilli(),
	})
}
