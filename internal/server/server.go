package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/health"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/logging"
)

// Server provides HTTP endpoints for metrics and health checks
type Server struct {
	metricsServer *http.Server
	healthServer  *http.Server
	listeners     []net.Listener
	logger        *logging.Logger
}

// Config holds server configuration
type Config struct {
	MetricsAddress  string
	MetricsPath     string
	HealthAddress   string
	LivenessPath    string
	ReadinessPath   string
	MetricsRegistry *prometheus.Registry
	HealthChecker   *health.Checker
	Logger          *logging.Logger
}

// New creates a new server. An endpoint is only served when both its
// address and its backing registry or checker are set.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	s := &Server{
		logger: cfg.Logger.WithComponent("server"),
	}

	if cfg.MetricsAddress != "" && cfg.MetricsRegistry != nil {
		s.metricsServer = &http.Server{
			Addr:         cfg.MetricsAddress,
			Handler:      metricsMux(cfg),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	if cfg.HealthAddress != "" && cfg.HealthChecker != nil {
		s.healthServer = &http.Server{
			Addr:         cfg.HealthAddress,
			Handler:      healthMux(cfg),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	return s
}

func metricsMux(cfg Config) *http.ServeMux {
	path := cfg.MetricsPath
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(
		cfg.MetricsRegistry,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		},
	))
	return mux
}

func healthMux(cfg Config) *http.ServeMux {
	livenessPath := cfg.LivenessPath
	if livenessPath == "" {
		livenessPath = "/health/live"
	}
	readinessPath := cfg.ReadinessPath
	if readinessPath == "" {
		readinessPath = "/health/ready"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(livenessPath, cfg.HealthChecker.LivenessHandler())
	mux.HandleFunc(readinessPath, cfg.HealthChecker.ReadinessHandler())
	mux.HandleFunc("/health", cfg.HealthChecker.HTTPHandler())
	return mux
}

// Name implements shutdown.Component.
func (s *Server) Name() string { return "server" }

// MetricsHandler returns the metrics mux, or nil when metrics are not served.
func (s *Server) MetricsHandler() http.Handler {
	if s.metricsServer == nil {
		return nil
	}
	return s.metricsServer.Handler
}

// HealthHandler returns the health mux, or nil when health is not served.
func (s *Server) HealthHandler() http.Handler {
	if s.healthServer == nil {
		return nil
	}
	return s.healthServer.Handler
}

// Start binds both listeners and serves them in the background. Bind
// errors are returned directly.
func (s *Server) Start() error {
	for _, srv := range []*http.Server{s.metricsServer, s.healthServer} {
		if srv == nil {
			continue
		}
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("listen on %s: %w", srv.Addr, err)
		}
		s.listeners = append(s.listeners, ln)

		s.logger.Info().
			Str("address", ln.Addr().String()).
			Msg("Starting HTTP server")

		go func(srv *http.Server, ln net.Listener) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Str("address", srv.Addr).Msg("HTTP server failed")
			}
		}(srv, ln)
	}
	return nil
}

// Addrs returns the bound listener addresses, in metrics then health order.
func (s *Server) Addrs() []string {
	addrs := make([]string, 0, len(s.listeners))
	for _, ln := range s.listeners {
		addrs = append(addrs, ln.Addr().String())
	}
	return addrs
}

func (s *Server) closeListeners() {
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.listeners = nil
}

// Stop gracefully shuts down the servers
func (s *Server) Stop(ctx context.Context) error {
	var errs []error

	if s.metricsServer != nil {
		s.logger.Info().Msg("Shutting down metrics server")
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Error shutting down metrics server")
			errs = append(errs, err)
		}
	}

	if s.healthServer != nil {
		s.logger.Info().Msg("Shutting down health server")
		if err := s.healthServer.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Error shutting down health server")
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
