// ABOUTME: Process orchestration wiring store, driver, gateway client, API, relays and listeners
// ABOUTME: Owns startup order, the HTTP server lifecycle and graceful shutdown

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"tailscale.com/tsnet"

	"github.com/2389/concierge-gateway/internal/api"
	"github.com/2389/concierge-gateway/internal/auth"
	"github.com/2389/concierge-gateway/internal/config"
	"github.com/2389/concierge-gateway/internal/dedupe"
	"github.com/2389/concierge-gateway/internal/events"
	"github.com/2389/concierge-gateway/internal/gateway"
	"github.com/2389/concierge-gateway/internal/metrics"
	"github.com/2389/concierge-gateway/internal/network"
	"github.com/2389/concierge-gateway/internal/network/whatsapp"
	"github.com/2389/concierge-gateway/internal/relay"
	"github.com/2389/concierge-gateway/internal/session"
)

// Deps overrides components New would otherwise build from config.
type Deps struct {
	Store  session.Store
	Driver network.Driver
}

// Server is the assembled gateway process.
type Server struct {
	config  *config.Config
	logger  *slog.Logger
	store   session.Store
	driver  network.Driver
	metrics *metrics.Metrics
	bus     *events.Broadcaster
	client  *gateway.Client
	relays  []relay.Relay

	httpServer  *http.Server
	tsnetServer *tsnet.Server

	relayCancel context.CancelFunc
	relayWG     sync.WaitGroup
}

// New builds a Server from configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	return NewWithDeps(ctx, cfg, logger, Deps{})
}

// NewWithDeps builds a Server, using deps where set.
func NewWithDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger, deps Deps) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st := deps.Store
	if st == nil {
		var err error
		if st, err = initStore(ctx, cfg, logger); err != nil {
			return nil, err
		}
	}

	drv := deps.Driver
	if drv == nil {
		wa, err := whatsapp.New(ctx, whatsapp.Config{
			DeviceDB:     cfg.WhatsApp.DeviceDB,
			DeviceName:   cfg.WhatsApp.DeviceName,
			HistoryLimit: cfg.WhatsApp.HistoryLimit,
			Logger:       logger,
		})
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("creating whatsapp driver: %w", err)
		}
		drv = wa
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	bus := events.NewBroadcaster(events.Options{
		QueueLimit: cfg.Events.SubscriberQueue,
		Logger:     logger,
		Metrics:    m,
	})
	client := gateway.New(gateway.Config{
		InstanceID:       cfg.Session.InstanceID,
		LeaseTTL:         cfg.Session.LeaseTTL,
		ReconnectInitial: cfg.Gateway.ReconnectInitial,
		ReconnectMax:     cfg.Gateway.ReconnectMax,
		SendPolicy:       gateway.SendPolicy(cfg.Gateway.SendPolicy),
		CallLimit:        cfg.Gateway.CallLimit,
	}, gateway.Deps{
		Driver:  drv,
		Store:   st,
		Emitter: bus,
		Seen:    dedupe.New(cfg.Gateway.DedupeTTL, cfg.Gateway.DedupeSize),
		Metrics: m,
		Logger:  logger,
	})
	bus.SetSource(client)

	s := &Server{
		config:  cfg,
		logger:  logger.With("component", "server"),
		store:   st,
		driver:  drv,
		metrics: m,
		bus:     bus,
		client:  client,
	}

	relays, err := buildRelays(cfg.Relay)
	if err != nil {
		s.closeResources()
		return nil, err
	}
	s.relays = relays

	handler, err := s.buildHandler(logger)
	if err != nil {
		s.closeResources()
		return nil, err
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// initStore opens the configured session backend.
func initStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (session.Store, error) {
	switch cfg.Session.Backend {
	case config.BackendRedis:
		st, err := session.NewRedisStore(ctx, session.RedisOptions{
			Addr:      cfg.Session.RedisAddr,
			Password:  cfg.Session.RedisPassword,
			DB:        cfg.Session.RedisDB,
			KeyPrefix: cfg.Session.RedisKeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("opening redis session store: %w", err)
		}
		return st, nil
	case config.BackendMemory:
		logger.Warn("using in-memory session store; pairing will not survive restarts")
		return session.NewMemoryStore(), nil
	default:
		st, err := session.NewSQLiteStore(cfg.Session.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite session store: %w", err)
		}
		return st, nil
	}
}

// buildRelays connects the enabled relays.
func buildRelays(cfg config.RelayConfig) ([]relay.Relay, error) {
	var relays []relay.Relay
	if cfg.NATS.Enabled {
		n, err := relay.NewNATS(relay.NATSConfig{
			Servers:       cfg.NATS.Servers,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("creating nats relay: %w", err)
		}
		relays = append(relays, n)
	}
	if cfg.Matrix.Enabled {
		m, err := relay.NewMatrix(relay.MatrixConfig{
			Homeserver:  cfg.Matrix.Homeserver,
			UserID:      cfg.Matrix.UserID,
			AccessToken: cfg.Matrix.AccessToken,
			RoomID:      cfg.Matrix.RoomID,
		})
		if err != nil {
			for _, r := range relays {
				_ = r.Close()
			}
			return nil, fmt.Errorf("creating matrix relay: %w", err)
		}
		relays = append(relays, m)
	}
	return relays, nil
}

// buildHandler registers health, metrics and API routes.
func (s *Server) buildHandler(logger *slog.Logger) (http.Handler, error) {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleReady)

	if s.metrics != nil {
		mux.Handle("GET "+s.config.Metrics.Path, s.metrics.Handler())
	}

	// A typed nil would defeat the middleware's nil check.
	var verifier auth.TokenVerifier
	if s.config.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(s.config.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifier = v
	} else {
		s.logger.Warn("auth.jwt_secret is not set; the API is unauthenticated")
	}

	cmds := api.NewCommands(s.client, api.Options{
		SendTimeout:  s.config.Gateway.SendTimeout,
		QueryTimeout: s.config.Gateway.QueryTimeout,
		Metrics:      s.metrics,
		Logger:       logger,
	})
	api.NewServer(cmds, s.bus, api.ServerOptions{
		Keepalive: s.config.Events.Keepalive,
		Logger:    logger,
	}).Register(mux, auth.Middleware(verifier))

	return mux, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Events returns the broadcaster so callers can observe the event stream.
func (s *Server) Events() *events.Broadcaster {
	return s.bus
}

// Client returns the gateway client.
func (s *Server) Client() *gateway.Client {
	return s.client
}

// Start acquires the instance lease, begins connecting and starts the relays.
func (s *Server) Start(ctx context.Context) error {
	if err := s.client.Start(ctx); err != nil {
		return err
	}

	relayCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.relayCancel = cancel
	for _, r := range s.relays {
		sub := s.bus.Subscribe(relayCtx)
		s.relayWG.Add(1)
		go func() {
			defer s.relayWG.Done()
			if err := relay.Run(relayCtx, sub, r, s.metrics, s.logger); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("relay stopped", "relay", r.Name(), "error", err)
			}
		}()
	}
	return nil
}

// setupTCPListener creates a standard TCP listener for HTTP.
func (s *Server) setupTCPListener() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", s.config.Server.HTTPAddr, err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.HTTPAddr != "" {
			s.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", s.config.Server.HTTPAddr)
		}
		return s.setupTailscaleListener(ctx)
	}
	return s.setupTCPListener()
}

// Run starts the gateway and serves until ctx is cancelled or the listener fails.
// Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.setupListener(ctx)
	if err != nil {
		s.closeResources()
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the gateway on ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.Start(ctx); err != nil {
		_ = ln.Close()
		s.closeResources()
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout, since
// the run context is already cancelled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops serving and releases every resource.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gateway")

	// Ends SSE and WebSocket streams so the HTTP server can drain.
	s.bus.Close()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))

	s.client.Stop(ctx)

	if s.relayCancel != nil {
		s.relayCancel()
	}
	s.relayWG.Wait()

	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}
	errs = append(errs, s.closeResources()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// closeResources closes relays, the driver and the store.
func (s *Server) closeResources() []error {
	var errs []error
	for _, r := range s.relays {
		errs = appendCloseError(errs, r.Name()+" relay close", r.Close())
	}
	if sd, ok := s.driver.(interface{ Shutdown() error }); ok {
		errs = appendCloseError(errs, "driver shutdown", sd.Shutdown())
	} else {
		s.driver.Close()
	}
	errs = appendCloseError(errs, "store close", s.store.Close())
	return errs
}
