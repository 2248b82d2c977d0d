/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/hermod_studio/internal/alerts"
	"github.com/friendsincode/hermod_studio/internal/analytics"
	"github.com/friendsincode/hermod_studio/internal/api"
	"github.com/friendsincode/hermod_studio/internal/audit"
	"github.com/friendsincode/hermod_studio/internal/cache"
	"github.com/friendsincode/hermod_studio/internal/config"
	"github.com/friendsincode/hermod_studio/internal/db"
	"github.com/friendsincode/hermod_studio/internal/egress"
	"github.com/friendsincode/hermod_studio/internal/eventbus"
	"github.com/friendsincode/hermod_studio/internal/events"
	"github.com/friendsincode/hermod_studio/internal/ingest"
	"github.com/friendsincode/hermod_studio/internal/leadership"
	"github.com/friendsincode/hermod_studio/internal/logbuffer"
	"github.com/friendsincode/hermod_studio/internal/mix"
	"github.com/friendsincode/hermod_studio/internal/recordings"
	"github.com/friendsincode/hermod_studio/internal/rooms"
	"github.com/friendsincode/hermod_studio/internal/session"
	"github.com/friendsincode/hermod_studio/internal/sfu"
	"github.com/friendsincode/hermod_studio/internal/storage"
	"github.com/friendsincode/hermod_studio/internal/telemetry"
	"github.com/friendsincode/hermod_studio/internal/version"
)

// Server bundles HTTP and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	db        *gorm.DB
	cache     *cache.Cache
	logBuffer *logbuffer.Buffer
	bus       *events.Bus
	relay     *eventbus.Relay

	media    *sfu.Orchestrator
	mixes    *mix.Coordinator
	roomSvc  *rooms.Service
	outputs  *egress.Supervisor
	sources  *ingest.Supervisor
	whip     *ingest.WHIPService
	recorder *recordings.Service
	hub      *session.Hub
	api      *api.API

	alertSvc   *alerts.Service
	auditSvc   *audit.Service
	sessionSvc *analytics.SessionAnalyticsService
	election   *leadership.Election
	updates    *version.Checker

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logBuf *logbuffer.Buffer, logger zerolog.Logger) (*Server, error) {
	for _, warn := range cfg.LegacyEnvWarnings {
		logger.Warn().Msg(warn)
	}

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("hermod-studio-api"))
	router.Use(telemetry.MetricsMiddleware)
	// Session bus connections stay open for the life of the call, so the
	// request timeout only applies to plain HTTP traffic.
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
		cfg:       cfg,
		logger:    logger,
		router:    router,
		bus:       events.NewBus(),
		logBuffer: logBuf,
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
		// Keep header deadline to protect against slowloris, but leave read
		// and write deadlines open so long-lived session sockets survive.
		// The middleware timeout (60s) covers non-upgraded routes.
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       0,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	return srv, nil
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'; base-uri 'self'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return err
	}
	if err := db.RegisterCallbacks(database); err != nil {
		return err
	}
	if err := db.Migrate(database); err != nil {
		return err
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })

	// Recording artifacts land here before upload.
	if err := os.MkdirAll(s.cfg.MediaRoot, 0755); err != nil {
		return fmt.Errorf("failed to create media directory %s: %w", s.cfg.MediaRoot, err)
	}
	s.logger.Info().Str("path", s.cfg.MediaRoot).Msg("media directory ready")

	// Redis cache for room lookups on the hot join path
	cacheCfg := cache.DefaultConfig()
	cacheCfg.RedisAddr = s.cfg.RedisAddr
	cacheCfg.RedisPassword = s.cfg.RedisPassword
	cacheCfg.RedisDB = s.cfg.RedisDB
	entityCache, err := cache.New(cacheCfg, s.logger)
	if err != nil {
		s.logger.Warn().Err(err).Msg("cache initialization failed, continuing without cache")
	} else {
		s.cache = entityCache
		s.DeferClose(func() error { return s.cache.Close() })
	}

	iceServers, err := s.cfg.ICEServers()
	if err != nil {
		return fmt.Errorf("load ICE servers: %w", err)
	}

	s.media, err = sfu.NewOrchestrator(sfu.Config{
		Workers:          s.cfg.SFUWorkers,
		RTPPortMin:       s.cfg.RTPPortMin,
		RTPPortMax:       s.cfg.RTPPortMax,
		EgressPortOffset: s.cfg.EgressPortOffset,
		ICEServers:       toWebRTCICEServers(iceServers),
	}, s.logger)
	if err != nil {
		return fmt.Errorf("start sfu orchestrator: %w", err)
	}
	s.DeferClose(func() error { return s.media.Close() })

	s.mixes = mix.NewCoordinator(database, s.bus, s.logger)
	s.mixes.SetHeartbeatWindow(s.cfg.MixFailoverTimeout)

	s.roomSvc = rooms.NewService(database, s.bus, s.cache, s.media, s.mixes, s.logger)

	// Alert delivery for encoder and ingest failures
	s.alertSvc = alerts.NewService(s.bus, alerts.ConfigFromEnv(), s.logger)

	s.outputs = egress.NewSupervisor(egress.Config{
		FFmpegPath: s.cfg.FFmpegBin,
		MaxRetries: s.cfg.EncoderMaxRetries,
		Debounce:   s.cfg.EncoderDebounce,
	}, database, s.bus, s.media, s.alertSvc, s.logger)

	// SRT and RIST listeners draw from one allocator, so the supervisor
	// probes the union of the two configured ranges. WHIP media rides the
	// SFU's ICE ports instead.
	portMin, portMax := ingestPortRange(s.cfg)
	s.sources = ingest.NewSupervisor(ingest.Config{
		FFmpegPath:        s.cfg.FFmpegBin,
		PortMin:           portMin,
		PortMax:           portMax,
		ConnectionTimeout: s.cfg.IngestConnectionTimeout,
		ProgressTimeout:   s.cfg.IngestProgressTimeout,
	}, database, s.bus, s.media, s.alertSvc, s.logger)

	s.whip = ingest.NewWHIPService(database, s.bus, s.media, s.logger)

	store, err := storage.New(s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("initialize recording storage: %w", err)
	}
	s.recorder = recordings.NewService(database, s.bus, store, s.outputs, s.cfg.MediaRoot, s.logger)

	// Audit trail and per-participant session analytics
	s.auditSvc = audit.NewService(database, s.bus, s.logger)
	s.sessionSvc = analytics.NewSessionAnalyticsService(database, s.bus, s.logger)

	s.hub = session.NewHub(session.Config{
		JWTSecret:  []byte(s.cfg.JWTSigningKey),
		ICEServers: iceServers,
	}, database, s.bus, s.roomSvc, s.media, s.mixes, s.recorder, s.whip, s.logger)

	// Cross-instance relay, only when NATS is configured
	if s.cfg.NATSURL != "" {
		relayCfg := eventbus.DefaultConfig()
		relayCfg.URL = s.cfg.NATSURL
		relay, err := eventbus.NewRelay(relayCfg, s.bus, s.logger)
		if err != nil {
			return fmt.Errorf("connect event relay: %w", err)
		}
		s.relay = relay
		s.hub.SetRelay(relay)
		s.DeferClose(func() error { return s.relay.Close() })
		s.logger.Info().
			Str("url", s.cfg.NATSURL).
			Str("node_id", relay.NodeID()).
			Msg("cross-instance event relay connected")
	}

	// Leader election gates egress supervision when several instances share
	// the database.
	if s.cfg.LeaderElectionEnabled {
		electionConfig := leadership.ElectionConfig{
			RedisAddr:       s.cfg.RedisAddr,
			RedisPassword:   s.cfg.RedisPassword,
			RedisDB:         s.cfg.RedisDB,
			ElectionKey:     "hermod:leader:egress",
			LeaseDuration:   15 * time.Second,
			RenewalInterval: 5 * time.Second,
			RetryInterval:   2 * time.Second,
			InstanceID:      s.cfg.InstanceID,
		}

		election, err := leadership.NewElection(electionConfig, s.logger)
		if err != nil {
			return fmt.Errorf("create leader election: %w", err)
		}
		s.election = election
		s.DeferClose(func() error { return s.election.Stop() })

		s.logger.Info().
			Str("redis_addr", s.cfg.RedisAddr).
			Str("instance_id", electionConfig.InstanceID).
			Msg("leader election enabled for egress supervision")
	}

	s.api = api.New(database, []byte(s.cfg.JWTSigningKey), s.roomSvc, s.outputs, s.sources, s.whip, s.recorder, s.auditSvc, s.sessionSvc, s.bus, s.logBuffer, s.logger)

	s.updates = version.NewChecker(s.logger)

	return nil
}

// toWebRTCICEServers converts configured entries into the pion type handed
// to peer connections.
func toWebRTCICEServers(servers []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, srv := range servers {
		out = append(out, webrtc.ICEServer{
			URLs:       srv.URLs,
			Username:   srv.Username,
			Credential: srv.Credential,
		})
	}
	return out
}

// ingestPortRange returns the union of the SRT and RIST listener ranges.
func ingestPortRange(cfg *config.Config) (int, int) {
	min := cfg.SRTPortMin
	if cfg.RISTPortMin < min {
		min = cfg.RISTPortMin
	}
	max := cfg.SRTPortMax
	if cfg.RISTPortMax > max {
		max = cfg.RISTPortMax
	}
	return min, max
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// LogBuffer returns the server's log buffer for attaching to zerolog.
func (s *Server) LogBuffer() *logbuffer.Buffer {
	return s.logBuffer
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	// Stop encoder and ingest children before tearing down the SFU they
	// consume from.
	if s.outputs != nil || s.sources != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if s.outputs != nil {
			s.outputs.StopAll(ctx)
		}
		if s.sources != nil {
			s.sources.StopAll(ctx)
		}
		cancel()
	}
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

	// Session hub event loop: component events fan out to room channels
	if s.hub != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.hub.Run(ctx)
		}()
	}

	if s.auditSvc != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.auditSvc.Start(ctx)
		}()
	}

	if s.sessionSvc != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.sessionSvc.Start(ctx)
		}()
	}

	// Recording lifecycle follower settles rows when encoders stop
	if s.recorder != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.recorder.Run(ctx)
		}()
	}

	// Database connection pool metrics
	if s.db != nil {
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

	// Egress supervision: with leader election the reconcile follows the
	// leadership signal, otherwise this instance reconciles at boot.
	if s.election != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.runLeadershipLoop(ctx)
		}()
	} else if s.outputs != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			if err := s.outputs.Reconcile(ctx); err != nil {
				s.logger.Error().Err(err).Msg("egress reconcile failed")
			}
		}()
	}

	if s.updates != nil {
		s.updates.Start(ctx)
	}

	if s.cache != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.runCacheInvalidationListener(ctx)
		}()
	}
}

// runLeadershipLoop starts the election and follows its signal. Gaining
// leadership reconciles enabled outputs; losing it stops every supervised
// encoder so the new leader can take them over.
func (s *Server) runLeadershipLoop(ctx context.Context) {
	if err := s.election.Start(ctx); err != nil {
		s.logger.Error().Err(err).Msg("leader election failed to start, supervising egress unconditionally")
		if err := s.outputs.Reconcile(ctx); err != nil {
			s.logger.Error().Err(err).Msg("egress reconcile failed")
		}
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case isLeader := <-s.election.LeaderCh():
			if isLeader {
				s.logger.Info().Msg("gained egress leadership, reconciling outputs")
				if err := s.outputs.Reconcile(ctx); err != nil {
					s.logger.Error().Err(err).Msg("egress reconcile failed")
				}
			} else {
				s.logger.Info().Msg("lost egress leadership, stopping supervised encoders")
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				s.outputs.StopAll(stopCtx)
				cancel()
			}
		}
	}
}

// runCacheInvalidationListener drops cached entries when mutation events
// fire. Output and source handlers publish events instead of touching the
// cache directly, so this listener is their invalidation path; room events
// are invalidated by the rooms service itself and handled here only for
// relayed copies from other instances.
func (s *Server) runCacheInvalidationListener(ctx context.Context) {
	roomUpdated := s.bus.Subscribe(events.EventRoomUpdated)
	outputUpdated := s.bus.Subscribe(events.EventOutputUpdated)
	outputDeleted := s.bus.Subscribe(events.EventOutputDeleted)
	sourceUpdated := s.bus.Subscribe(events.EventSourceUpdated)
	sourceDeleted := s.bus.Subscribe(events.EventSourceDeleted)

	defer func() {
		s.bus.Unsubscribe(events.EventRoomUpdated, roomUpdated)
		s.bus.Unsubscribe(events.EventOutputUpdated, outputUpdated)
		s.bus.Unsubscribe(events.EventOutputDeleted, outputDeleted)
		s.bus.Unsubscribe(events.EventSourceUpdated, sourceUpdated)
		s.bus.Unsubscribe(events.EventSourceDeleted, sourceDeleted)
	}()

	s.logger.Info().Msg("cache invalidation listener started")

	roomID := func(payload events.Payload) string {
		id, _ := payload["room_id"].(string)
		return id
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("cache invalidation listener stopped")
			return

		case payload := <-roomUpdated:
			_ = s.cache.InvalidatePublicRoomList(ctx)
			if id := roomID(payload); id != "" {
				_ = s.cache.InvalidateRoom(ctx, id)
			}

		case payload := <-outputUpdated:
			if id := roomID(payload); id != "" {
				_ = s.cache.InvalidateRoomOutputs(ctx, id)
			}

		case payload := <-outputDeleted:
			if id := roomID(payload); id != "" {
				_ = s.cache.InvalidateRoomOutputs(ctx, id)
			}

		case payload := <-sourceUpdated:
			if id := roomID(payload); id != "" {
				_ = s.cache.InvalidateRoomSources(ctx, id)
			}

		case payload := <-sourceDeleted:
			if id := roomID(payload); id != "" {
				_ = s.cache.InvalidateRoomSources(ctx, id)
			}
		}
	}
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
		status := http.StatusOK
		health := map[string]any{
			"status":  "ok",
			"version": version.Version,
		}

		if sqlDB, err := s.db.DB(); err != nil || sqlDB.PingContext(r.Context()) != nil {
			health["status"] = "degraded"
			health["database"] = "unreachable"
			status = http.StatusServiceUnavailable
		}

		health["sfu"] = s.media.Stats()

		if s.election != nil {
			health["leader"] = s.election.IsLeader()
		}
		if info := s.updates.Info(); info.UpdateAvailable {
			health["latest_version"] = info.LatestVersion
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(health)
	})

	s.router.Handle("/metrics", telemetry.Handler())

	// Room session bus: one socket per connected client
	s.router.Get("/ws/call-center", s.hub.HandleWS)

	s.api.Routes(s.router)
}
