package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"payerx/core/settlement"
	"payerx/observability"
	"payerx/services/payerxd/storage"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	RateLimit     RateLimit
}

// PaymentStore serves the payment history read from the projections.
type PaymentStore interface {
	Payment(ctx context.Context, id string) (storage.Payment, error)
	RecentPayments(ctx context.Context, limit int) ([]storage.Payment, error)
}

// Server exposes the settlement engine over HTTP.
type Server struct {
	cfg      Config
	engine   *settlement.Engine
	payments PaymentStore
	auth     *Authenticator
	limiter  *RateLimiter
	hub      *Hub
	logger   *slog.Logger
	validate *validator.Validate
	handler  http.Handler
}

// New constructs the HTTP server. hub may be nil to disable the event stream.
func New(cfg Config, engine *settlement.Engine, payments PaymentStore, auth *Authenticator, hub *Hub, logger *slog.Logger) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("settlement engine required")
	}
	if payments == nil {
		return nil, fmt.Errorf("payment store required")
	}
	if auth == nil {
		return nil, fmt.Errorf("authenticator required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		cfg:      cfg,
		engine:   engine,
		payments: payments,
		auth:     auth,
		limiter:  NewRateLimiter(cfg.RateLimit),
		hub:      hub,
		logger:   logger.With("component", "http"),
		validate: validator.New(),
	}
	srv.validate.RegisterTagNameFunc(jsonFieldName)
	srv.handler = otelhttp.NewHandler(srv.buildRouter(), "payerxd.http")
	return srv, nil
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware)
			r.Use(s.limiter.Middleware)

			r.Post("/payments", s.handleCreatePayment)
			r.Get("/payments", s.handleListPayments)
			r.Get("/payments/{id}", s.handleGetPayment)
			r.Get("/quote", s.handleQuote)

			r.Get("/rates/{tokenIn}/{tokenOut}", s.handleGetRate)
			r.Put("/rates/{tokenIn}/{tokenOut}", s.handleSetRate)

			r.Get("/liquidity", s.handleLiquidityOverview)
			r.Get("/liquidity/{token}", s.handleGetLiquidity)
			r.Post("/liquidity/{token}", s.handleAddLiquidity)
			r.Get("/liquidity/{token}/health", s.handleLiquidityHealth)
			r.Post("/liquidity/{token}/sync", s.handleSyncLiquidity)
			r.Post("/liquidity/{token}/withdraw", s.handleWithdrawLiquidity)

			r.Get("/router", s.handleGetRouter)
			r.Put("/router/fee", s.handleSetFee)
			r.Put("/router/fee-collector", s.handleSetFeeCollector)
			r.Put("/router/fx-engine", s.handleSetFXEngine)
			r.Put("/router/owner", s.handleTransferOwnership)

			r.Post("/tokens/{token}/approve", s.handleApprove)
			r.Post("/tokens/{token}/transfer", s.handleTransfer)
			r.Post("/tokens/{token}/mint", s.handleMint)
			r.Get("/tokens/{token}/balances/{account}", s.handleBalance)

			r.Get("/events/stream", s.handleEventStream)
		})
	})
	return r
}

// Run serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("http server listening", "addr", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		observability.HTTP().Observe(route, r.Method, status, elapsed)
		s.logger.Info("http request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", chimw.GetReqID(r.Context()),
			"remote", r.RemoteAddr,
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
