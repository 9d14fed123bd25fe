package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"sharemarket/core"
	"sharemarket/observability"
	"sharemarket/services/marketd/storage"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress      string
	ShutdownTimeout    time.Duration
	StreamOrigins      []string
	StreamWriteTimeout time.Duration
}

// Server exposes the marketplace over HTTP.
type Server struct {
	cfg     Config
	market  *core.Marketplace
	journal *storage.Journal
	hub     *Hub
	auth    *Authenticator
	limiter *RateLimiter
}

// New constructs a new HTTP server.
func New(cfg Config, market *core.Marketplace, journal *storage.Journal, hub *Hub, auth *Authenticator, limiter *RateLimiter) (*Server, error) {
	if market == nil {
		return nil, fmt.Errorf("marketplace required")
	}
	if auth == nil {
		return nil, fmt.Errorf("authenticator required")
	}
	if hub == nil {
		hub = NewHub(0)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	return &Server{cfg: cfg, market: market, journal: journal, hub: hub, auth: auth, limiter: limiter}, nil
}

// Handler builds the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID, s.observe, chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.limiter.Middleware("v1"))

		r.Get("/releases/{id}", s.handleRelease)
		r.Get("/releases/{id}/listings", s.handleReleaseListings)
		r.Get("/releases/{id}/preview", s.handlePreview)
		r.Get("/releases/{id}/can-buy", s.handleCanBuy)
		r.Get("/listings/{id}", s.handleListing)
		r.Get("/funds/{release}/{participant}", s.handleFunds)
		r.Get("/swap/preview", s.handleSwapPreview)
		r.Get("/intents/{id}", s.handleIntent)
		r.Get("/events", s.handleEvents)
		r.Get("/stream", s.handleStream)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware(ScopeOperator))
			r.Post("/intents", s.handleCreateIntent)
			r.Post("/intents/{id}/cancel", s.handleCancelIntent)
		})
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.auth.Middleware(ScopeAdmin))
			r.Post("/pause", s.handlePause)
			r.Post("/unpause", s.handleUnpause)
			r.Post("/prices", s.handlePrices)
		})
	})
	return otelhttp.NewHandler(r, "marketd")
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("marketd: http server listening", "address", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.ModuleMetrics().Observe(route, r.Method, status, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var block uint64
	var now int64
	s.market.Host.View(func() {
		block = s.market.Host.BlockNumber()
		now = s.market.Host.Now()
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"block":       block,
		"timestamp":   now,
		"subscribers": s.hub.Subscribers(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
