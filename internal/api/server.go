package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/better-wallet/permit-signer/internal/app"
	"github.com/better-wallet/permit-signer/internal/config"
	"github.com/better-wallet/permit-signer/internal/logger"
	"github.com/better-wallet/permit-signer/internal/middleware"
	"github.com/better-wallet/permit-signer/internal/storage"
)

// PermitBuilder is the subset of app.PermitService used by the API layer.
type PermitBuilder interface {
	BuildPermitBundle(ctx context.Context, req app.BuildPermitRequest) (*app.Bundle, error)
}

// PermitLookup reads issued permits. *storage.PermitRepo satisfies it.
type PermitLookup interface {
	GetByNonce(ctx context.Context, networkID int64, nonce *big.Int) (*storage.PermitRecord, error)
}

// KeyPublisher exposes the server public key. *keycustody.Custody satisfies it.
type KeyPublisher interface {
	PublicKey() (string, bool)
}

// RequestCounter counts API responses by code. *metrics.Metrics satisfies it.
type RequestCounter interface {
	Request(code string)
}

// Deps are the collaborators of the HTTP layer. Records, Counter and
// Metrics are optional.
type Deps struct {
	Permits   PermitBuilder
	ServerKey KeyPublisher
	Records   PermitLookup
	Counter   RequestCounter
	Metrics   http.Handler
}

// Server represents the HTTP server
type Server struct {
	config      *config.Config
	permits     PermitBuilder
	serverKey   KeyPublisher
	records     PermitLookup
	counter     RequestCounter
	metrics     http.Handler
	apiKeyAuth  *middleware.APIKeyAuth
	rateLimiter *middleware.RateLimiter
	httpServer  *http.Server
}

// NewServer creates a new API server. Call Shutdown to release it even when
// Start was never called.
func NewServer(cfg *config.Config, deps Deps) *Server {
	return &Server{
		config:      cfg,
		permits:     deps.Permits,
		serverKey:   deps.ServerKey,
		records:     deps.Records,
		counter:     deps.Counter,
		metrics:     deps.Metrics,
		apiKeyAuth:  middleware.NewAPIKeyAuth(cfg.APIKeyHash),
		rateLimiter: middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.RateLimitEnabled),
	}
}

// Handler returns the routed handler with the full middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// No auth
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	// API v1: RateLimit -> LimitBody -> APIKey -> Handler
	v1 := func(h http.HandlerFunc) http.Handler {
		return s.rateLimiter.Limit(middleware.LimitBody(s.apiKeyAuth.Authenticate(h)))
	}
	mux.Handle("POST /v1/permits", v1(s.handleCreatePermit))
	mux.Handle("GET /v1/permits/{network_id}/{nonce}", v1(s.handleGetPermit))
	mux.Handle("GET /v1/server-key", v1(s.handleServerKey))

	return middleware.RequestID(middleware.Logging(mux))
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	if !s.apiKeyAuth.Enabled() {
		logger.Warn(context.Background(), "API_KEY_HASH is not set, /v1 endpoints are unauthenticated")
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info(context.Background(), "starting server", "port", s.config.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.rateLimiter.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	_, keyConfigured := s.serverKey.PublicKey()
	if !keyConfigured {
		status = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":                status,
		"server_key_configured": keyConfigured,
		"audit_log_enabled":     s.records != nil,
	})
}
