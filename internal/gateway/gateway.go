// ABOUTME: Gateway wires the event log, broadcaster, forwarder and HTTP surface together
// ABOUTME: Owns the listener (TCP or Tailscale) and the ordered shutdown of every component

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/forward"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/prompts"
	"github.com/2389/coven-relay/internal/realtime"
	"github.com/2389/coven-relay/internal/store"
)

const (
	// maxBodyBytes bounds every JSON request body.
	maxBodyBytes = 8 << 20

	shutdownTimeout = 5 * time.Second
)

// Gateway is the relay server.
type Gateway struct {
	config       *config.Config
	store        *store.Memory
	broadcaster  *conversation.Broadcaster
	conversation *conversation.Service
	forwarder    *forward.Client // nil when forwarding is disabled
	dedupe       *dedupe.Cache
	prompts      *prompts.Store
	metrics      *metrics.Metrics
	limiter      *limiterPool // nil when rate limiting is disabled
	httpServer   *http.Server
	tailnet      *tailnet // set by Run when tailscale is enabled
	logger       *slog.Logger

	listening atomic.Bool
}

// New creates a gateway from cfg. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	gw := &Gateway{
		config:  cfg,
		store:   store.NewMemory(logger),
		metrics: metrics.New(),
		logger:  logger.With("component", "gateway"),
	}

	gw.broadcaster = conversation.NewBroadcaster(logger,
		conversation.WithBufferSize(cfg.Realtime.BufferSize),
		conversation.WithBroadcastObserver(gw.metrics),
	)

	// A nil *forward.Client must not reach the service as a non-nil interface.
	var fwd conversation.Forwarder
	if cfg.Forwarding.Endpoint != "" {
		gw.forwarder = forward.New(forward.Config{
			Endpoint: cfg.Forwarding.Endpoint,
			ClientID: cfg.Forwarding.ClientID,
			Timeout:  cfg.Forwarding.Timeout,
		}, gw.broadcaster, logger, forward.WithObserver(gw.metrics))
		fwd = gw.forwarder
	} else {
		gw.logger.Warn("forwarding disabled: no backend endpoint configured")
	}

	gw.dedupe = dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxSize)

	gw.conversation = conversation.New(gw.store, gw.broadcaster, fwd, logger,
		conversation.WithDeduper(gw.dedupe),
		conversation.WithObserver(gw.metrics),
	)

	gw.prompts = prompts.New(cfg.Prompts.Dir, logger)

	if cfg.RateLimit.RPS > 0 {
		gw.limiter = newLimiterPool(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}

	mux := http.NewServeMux()
	gw.registerRoutes(mux)

	handler := Chain(
		Recovery(gw.logger),
		AccessLog(gw.logger),
		CORS(cfg.CORS),
		RateLimit(gw.limiter, gw.metrics, gw.logger),
	)(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	return gw, nil
}

// registerRoutes mounts every endpoint on mux.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	ws := realtime.NewHandler(g.broadcaster, realtime.Config{
		WriteWait:       g.config.Realtime.WriteWait,
		PongWait:        g.config.Realtime.PongWait,
		PingPeriod:      g.config.Realtime.PingPeriod,
		MaxMessageBytes: g.config.Realtime.MaxMessageBytes,
		AllowedOrigins:  g.config.CORS.AllowedOrigins,
	}, g.logger)

	routes := map[string]http.HandlerFunc{
		"/api/send_message":     g.handleSendMessage,
		"/api/upload_files":     g.handleUploadFiles,
		"/api/backend_event":    g.handleBackendEvent,
		"/api/add_reaction":     g.handleAddReaction,
		"/api/remove_reaction":  g.handleRemoveReaction,
		"/api/messages":         g.handleListMessages,
		"/api/prompt":           g.handleGetPrompt,
		"/api/save-prompt":      g.handleSavePrompt,
		"/api/subprompts":       g.handleListSubprompts,
		"/api/create-subprompt": g.handleCreateSubprompt,
		"/api/delete-subprompt": g.handleDeleteSubprompt,
		"/ws":                   ws.ServeHTTP,
		"/health":               g.handleHealth,
		"/health/ready":         g.handleReady,
	}
	for route, h := range routes {
		mux.Handle(route, g.instrument(route, h))
	}

	if g.config.Metrics.Enabled {
		mux.Handle(g.config.Metrics.Path, g.metrics.Handler())
	}
}

// Handler returns the full middleware-wrapped HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Broadcaster exposes the subscriber registry, mainly for tests and health checks.
func (g *Gateway) Broadcaster() *conversation.Broadcaster {
	return g.broadcaster
}

// listen opens the configured listener: a tailnet node or a plain TCP port.
func (g *Gateway) listen(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		g.logger.Info("tailscale enabled, server.host and server.port are ignored")
		tn, err := joinTailnet(ctx, g.config.Tailscale, g.logger)
		if err != nil {
			return nil, err
		}
		g.tailnet = tn
		return tn.ln, nil
	}

	ln, err := net.Listen("tcp", g.config.Server.Addr())
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// Run serves until ctx is canceled or the server fails, then shuts down.
// A cancel-triggered shutdown returns the shutdown error, usually nil.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.listen(ctx)
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		g.logger.Info("relay listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	g.listening.Store(true)

	var runErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, shutting down")
	case runErr = <-serveErr:
		g.logger.Error("server failed", "error", runErr)
	}

	// ctx is already done, so shutdown gets its own deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := g.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown stops accepting requests, disconnects subscribers, waits for
// in-flight forwards and releases background workers.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down relay")
	g.listening.Store(false)

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}

	// Hijacked WebSocket connections are not tracked by http.Server; closing
	// every subscription ends their write pumps with a going-away frame.
	g.broadcaster.Close()

	if g.forwarder != nil {
		if err := g.forwarder.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("forwarder: %w", err))
		}
	}
	if g.tailnet != nil {
		if err := g.tailnet.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale: %w", err))
		}
		g.tailnet = nil
	}

	g.dedupe.Close()
	if g.limiter != nil {
		g.limiter.stop()
	}

	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the process is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 once the listener is up and reports the subscriber count.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.listening.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not listening"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d subscribers)", g.broadcaster.Count())
}
