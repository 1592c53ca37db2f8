package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"nhbvault/core/events"
	"nhbvault/native/amm"
	"nhbvault/native/bank"
	"nhbvault/native/vault"
	"nhbvault/observability"
	"nhbvault/services/vaultd/state"
	"nhbvault/services/vaultd/storage"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	Auth          AuthConfig
	RateLimit     RateLimit
}

// Dependencies are the runtime components the server fronts.
type Dependencies struct {
	Engine   *vault.Engine
	Bank     *bank.Ledger
	Exchange *amm.Exchange
	Journal  *storage.Storage
	State    *state.Store
	Events   *events.Recorder
	Logger   *slog.Logger
}

// Server exposes the vault engine over HTTP. Engine calls are serialised:
// mutations take the write lock and reads the read lock.
type Server struct {
	cfg      Config
	mu       sync.RWMutex
	engine   *vault.Engine
	bank     *bank.Ledger
	exchange *amm.Exchange
	journal  *storage.Storage
	state    *state.Store
	events   *events.Recorder
	logger   *slog.Logger
	auth     *Authenticator
	limiter  *RateLimiter
	handler  http.Handler
}

// New constructs a server around deps.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("vault engine required")
	}
	if deps.Bank == nil {
		return nil, fmt.Errorf("bank ledger required")
	}
	if deps.Journal == nil {
		return nil, fmt.Errorf("journal storage required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auth, err := NewAuthenticator(cfg.Auth, logger)
	if err != nil {
		return nil, fmt.Errorf("configure auth: %w", err)
	}
	recorder := deps.Events
	if recorder == nil {
		recorder = events.NewRecorder(0)
	}
	srv := &Server{
		cfg:      cfg,
		engine:   deps.Engine,
		bank:     deps.Bank,
		exchange: deps.Exchange,
		journal:  deps.Journal,
		state:    deps.State,
		events:   recorder,
		logger:   logger,
		auth:     auth,
		limiter:  NewRateLimiter(cfg.RateLimit),
	}
	srv.handler = srv.routes()
	return srv, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	s.handle(r, http.MethodGet, "/healthz", "vaultd.health", false, s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.handle(r, http.MethodGet, "/v1/vault/status", "vaultd.status", false, s.handleStatus)
	s.handle(r, http.MethodGet, "/v1/vault/balances/{address}", "vaultd.balance", false, s.handleBalance)
	s.handle(r, http.MethodPost, "/v1/vault/estimate", "vaultd.estimate", false, s.handleEstimate)
	s.handle(r, http.MethodGet, "/v1/vault/events", "vaultd.events", false, s.handleEvents)
	s.handle(r, http.MethodGet, "/v1/venue/pools", "vaultd.pools", false, s.handlePools)
	s.handle(r, http.MethodPost, "/v1/vault/deposit", "vaultd.deposit", true, s.handleDeposit)
	s.handle(r, http.MethodPost, "/v1/vault/withdraw", "vaultd.withdraw", true, s.handleWithdraw)

	s.handle(r, http.MethodPost, "/v1/admin/pause", "vaultd.pause", true, s.handlePause(true))
	s.handle(r, http.MethodPost, "/v1/admin/unpause", "vaultd.unpause", true, s.handlePause(false))
	s.handle(r, http.MethodPost, "/v1/admin/sweep", "vaultd.sweep", true, s.handleSweep)
	s.handle(r, http.MethodPost, "/v1/admin/recover", "vaultd.recover", true, s.handleRecover)
	s.handle(r, http.MethodGet, "/v1/admin/journal", "vaultd.journal", true, s.handleJournal)
	return r
}

// handle mounts h with tracing and request metrics. Authenticated routes are
// also rate limited per caller.
func (s *Server) handle(r chi.Router, method, pattern, name string, authenticated bool, h http.HandlerFunc) {
	var handler http.Handler = h
	if authenticated {
		handler = s.auth.Middleware(s.limiter.Middleware(name)(handler))
	}
	handler = instrument(name, handler)
	r.Method(method, pattern, otelhttp.NewHandler(handler, name))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		observability.HTTPMetrics().Observe(route, r.Method, rec.status, time.Since(start))
	})
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
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

	s.logger.Info("vaultd: http server listening", "listen", s.cfg.ListenAddress)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// mutate runs fn under the write lock, journals the outcome and persists the
// runtime after every successful call.
func (s *Server) mutate(ctx context.Context, entry storage.Entry, fn func() (string, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, err := fn()
	entry.Result = result
	if err != nil {
		entry.Error = err.Error()
	}
	if _, jerr := s.journal.Record(ctx, entry); jerr != nil {
		s.logger.Error("vaultd: journal write failed", "operation", entry.Operation, "error", jerr)
	}
	if err != nil {
		return err
	}
	if s.state != nil {
		if serr := s.state.Save(s.engine, s.bank, s.exchange); serr != nil {
			s.logger.Error("vaultd: state write failed", "operation", entry.Operation, "error", serr)
		}
	}
	return nil
}

// statusFor maps a vault error to an HTTP status.
func statusFor(err error) int {
	switch vault.KindOf(err) {
	case vault.KindNone:
		return http.StatusOK
	case vault.KindValidation:
		return http.StatusBadRequest
	case vault.KindAuthorization:
		if errors.Is(err, vault.ErrPaused) {
			return http.StatusLocked
		}
		return http.StatusForbidden
	case vault.KindCapacity, vault.KindReentrancy:
		return http.StatusConflict
	case vault.KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeVaultError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		s.logger.Error("vaultd: engine failure", "error", err)
		writeError(w, status, http.StatusText(status))
		return
	}
	writeErrorKind(w, status, vault.KindOf(err).String(), err.Error())
}

func trimmed(v string) string { return strings.TrimSpace(v) }
