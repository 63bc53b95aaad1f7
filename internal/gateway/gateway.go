// ABOUTME: Gateway orchestrator that owns the store, the messaging service and the HTTP server
// ABOUTME: Manages route registration, listener setup and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/campusfind/campusfind-messenger/internal/auth"
	"github.com/campusfind/campusfind-messenger/internal/config"
	"github.com/campusfind/campusfind-messenger/internal/conversation"
	"github.com/campusfind/campusfind-messenger/internal/store"
)

// shutdownTimeout bounds graceful shutdown once Run's context is done.
const shutdownTimeout = 5 * time.Second

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

// Gateway serves the messaging API over HTTP.
type Gateway struct {
	config     *config.Config
	store      store.Backend
	service    *conversation.Service
	verifier   *auth.JWTVerifier
	httpServer *http.Server
	logger     *slog.Logger

	keepalive time.Duration

	shutdownOnce sync.Once
	shutdownErr  error
}

// New opens the configured store and builds a gateway around it.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	backend, err := store.Open(cfg.Database.Driver, cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	gw, err := newGateway(cfg, backend, logger)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return gw, nil
}

// newGateway wires the service, auth and routes on top of an open backend.
// The gateway takes ownership of backend.
func newGateway(cfg *config.Config, backend store.Backend, logger *slog.Logger) (*Gateway, error) {
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	keepalive := cfg.Messaging.SSEKeepalive
	if keepalive <= 0 {
		keepalive = config.DefaultSSEKeepalive
	}

	gw := &Gateway{
		config:   cfg,
		store:    backend,
		verifier: verifier,
		logger:   logger.With("component", "gateway"),
		service: conversation.New(backend, backend, conversation.Options{
			StoreTimeout:     cfg.Messaging.StoreTimeout,
			MaxMessageLength: cfg.Messaging.MaxMessageLength,
			DedupeTTL:        cfg.Messaging.DedupeTTL,
			DedupeMaxEntries: cfg.Messaging.DedupeMaxEntries,
			Logger:           logger,
		}),
		keepalive: keepalive,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", gw.handleHealth)
	gw.registerAPIRoutes(mux, auth.HTTPAuthMiddleware(verifier, logger))

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// registerAPIRoutes registers the authenticated /api routes.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux, protect func(http.Handler) http.Handler) {
	routes := []struct {
		pattern string
		handler http.HandlerFunc
	}{
		{"GET /api/conversations", g.handleListConversations},
		{"POST /api/conversations", g.handleCreateConversation},
		{"GET /api/conversations/{id}", g.handleGetConversation},
		{"GET /api/conversations/{id}/messages", g.handleListMessages},
		{"POST /api/conversations/{id}/messages", g.handleSendMessage},
		{"POST /api/conversations/{id}/read", g.handleMarkRead},
		{"GET /api/stream", g.handleStream},
		{"GET /api/profile", g.handleGetProfile},
		{"PUT /api/profile", g.handlePutProfile},
	}
	for _, r := range routes {
		mux.Handle(r.pattern, protect(r.handler))
	}
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Service returns the messaging service backing the API.
func (g *Gateway) Service() *conversation.Service {
	return g.service
}

// Run listens on the configured address and serves until ctx is done or the
// server fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = g.Shutdown(context.Background())
		return fmt.Errorf("listening on HTTP addr: %w", err)
	}
	return g.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	// The caller's context is already done here.
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := g.Shutdown(sctx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Shutdown stops the HTTP server and releases the service and store. Later
// calls return the first call's result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		var errs []error
		if err := g.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
		}
		g.service.Close()
		if err := g.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
		g.shutdownErr = errors.Join(errs...)
	})
	return g.shutdownErr
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
