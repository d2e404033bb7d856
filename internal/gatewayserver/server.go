// Package gatewayserver assembles the backend's three WebSocket endpoints
// (ProxyEndpoint, ClientEndpoint, LauncherEndpoint) and a metrics route
// behind one chi.Mux, using the same middleware stack and CORS policy the
// teacher's own HTTP server wires up. The AI CLI's own REST surface
// (sessions, MCP, LSP, formatter, ...) has no equivalent here; the
// gateway's HTTP surface is deliberately small.
package gatewayserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/meawoppl/claude-code-portal-sub000/internal/clientendpoint"
	"github.com/meawoppl/claude-code-portal-sub000/internal/launcherendpoint"
	"github.com/meawoppl/claude-code-portal-sub000/internal/metrics"
	"github.com/meawoppl/claude-code-portal-sub000/internal/proxyendpoint"
)

// Config holds the HTTP listener's own tunables, distinct from the
// domain-level config.Config shared by all three binaries.
type Config struct {
	Listen       string
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the listener defaults.
func DefaultConfig() Config {
	return Config{
		Listen:       ":8443",
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no write timeout: WebSocket connections are long-lived
	}
}

// Server is the gateway's HTTP/WebSocket server.
type Server struct {
	config  Config
	router  *chi.Mux
	httpSrv *http.Server
}

// New builds the router, mounting the three endpoint kinds under /ws/* and
// the metrics registry under /metrics.
func New(cfg Config, proxy *proxyendpoint.Endpoint, client *clientendpoint.Endpoint, launcher *launcherendpoint.Endpoint, mtx *metrics.Registry) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	if cfg.EnableCORS {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"Link", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Mount("/ws/proxy", proxy.Router())
	r.Mount("/ws/client", client.Router())
	r.Mount("/ws/launcher", launcher.Router())

	if mtx != nil {
		r.Get("/metrics", mtx.Handler().ServeHTTP)
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	return &Server{config: cfg, router: r}
}

// Router returns the chi router, mainly for tests.
func (s *Server) Router() *chi.Mux { return s.router }

// Start runs the HTTP server, blocking until it stops or fails.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
