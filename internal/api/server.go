package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"safe-code-sandbox/internal/config"
	"safe-code-sandbox/internal/monitor"
	"safe-code-sandbox/internal/sandbox"
)

// Dependencies are the optional collaborators of the HTTP server. Nil
// fields disable the features that need them.
type Dependencies struct {
	Store   ExecutionStore
	Audit   AuditLogger
	Cache   HealthChecker
	Metrics *monitor.Metrics
}

// Server is the main HTTP server for the sandbox API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	engine     sandbox.Engine
	deps       Dependencies
	limiter    *RateLimiter
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, engine sandbox.Engine, deps Dependencies) *Server {
	handlers := NewHandlers(engine, deps.Store, deps.Audit, sandbox.LimitsFromConfig(cfg.Sandbox))

	s := &Server{
		handlers:  handlers,
		engine:    engine,
		deps:      deps,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		log.Warn().Msg("no API keys configured, all requests will be accepted")
	}

	// Execution API, wrapped with auth
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /execute", handlers.HandleExecute)
	apiMux.HandleFunc("GET /executions", handlers.HandleListExecutions)
	apiMux.HandleFunc("GET /executions/{id}", handlers.HandleGetExecution)

	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys)(apiMux)

	// Top-level mux: health/metrics bypass auth, everything else goes through auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled && deps.Metrics != nil {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	if cfg.Security.RateLimitRPS > 0 {
		s.limiter = NewRateLimiter(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)
	}

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(deps.Metrics)(handler)
	handler = RateLimitMiddleware(s.limiter, deps.Metrics)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	handler = cors.New(cors.Options{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		AllowedMethods: cfg.CORS.AllowedMethods,
		AllowedHeaders: cfg.CORS.AllowedHeaders,
		ExposedHeaders: []string{"X-Execution-ID", "X-Request-ID"},
		MaxAge:         cfg.CORS.MaxAge,
	}).Handler(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	if s.limiter != nil {
		s.limiter.Stop()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.engine != nil {
		resp.ActiveExecutions = s.engine.ActiveCount()
	}

	if s.deps.Store != nil {
		ok := s.deps.Store.Healthy(r.Context())
		resp.Database = &ok
		if !ok {
			resp.Status = "degraded"
		}
	}
	if s.deps.Cache != nil {
		ok := s.deps.Cache.Healthy(r.Context())
		resp.Cache = &ok
		if !ok {
			resp.Status = "degraded"
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
