package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"Handshake-Escrow/internal/auth"
	"Handshake-Escrow/internal/observability/metrics"
	"Handshake-Escrow/internal/service"
	"Handshake-Escrow/pkg/logger"
)

// Server serves the escrow HTTP API.
type Server struct {
	addr   string
	svc    *service.Service
	auth   *auth.Service
	logger *slog.Logger
	mux    *http.ServeMux
}

// Option customises a Server.
type Option func(*Server)

// WithAuth guards the admin and faucet routes.
func WithAuth(a *auth.Service) Option {
	return func(s *Server) {
		s.auth = a
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer builds the API server and registers its routes.
func NewServer(addr string, svc *service.Service, opts ...Option) *Server {
	s := &Server{addr: addr, svc: svc, logger: logger.Named("api"), mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	admin := s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {auth.PermissionAdmin}},
	})
	faucetGuard := s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {auth.PermissionFaucet}},
		AuditEvent:          "faucet_request",
	})

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())

	s.mux.HandleFunc("GET /api/v1/pools", s.handleListPools)
	s.mux.HandleFunc("GET /api/v1/pools/resolve", s.handleResolvePool)
	s.mux.HandleFunc("POST /api/v1/pools/{pool}/deposit", s.handleDeposit)
	s.mux.HandleFunc("POST /api/v1/pools/{pool}/withdraw", s.handleWithdraw)
	s.mux.HandleFunc("POST /api/v1/pools/{pool}/pause", s.handleTogglePause)

	s.mux.HandleFunc("POST /api/v1/transfers", s.handleCreateTransfer)
	s.mux.HandleFunc("GET /api/v1/transfers", s.handleListTransfers)
	s.mux.HandleFunc("GET /api/v1/transfers/{address}", s.handleGetTransfer)
	s.mux.HandleFunc("POST /api/v1/transfers/{address}/{action}", s.handleResolveTransfer)

	s.mux.HandleFunc("POST /api/v1/transactions", s.handleSubmit)
	s.mux.HandleFunc("GET /api/v1/transactions/{hash}", s.handleTransactionStatus)

	s.mux.Handle("POST /api/v1/faucet", faucetGuard(http.HandlerFunc(s.handleFaucet)))
	s.mux.Handle("POST /api/v1/admin/sync", admin(http.HandlerFunc(s.handleSync)))
	s.mux.Handle("POST /api/v1/admin/sweep", admin(http.HandlerFunc(s.handleSweep)))
}

// Handler returns the routed handler wrapped with request ids and metrics.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		s.mux.ServeHTTP(sw, r)

		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		elapsed := time.Since(start)
		metrics.ObserveHTTPRequest(pattern, r.Method, sw.status, elapsed)
		s.logger.Debug("http request",
			slog.String("request_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Duration("duration", elapsed))
	})
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("api listening", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext rejects requests once the root context is cancelled.
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "service is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
