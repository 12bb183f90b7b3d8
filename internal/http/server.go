// Package http exposes the ledger as a JSON API with a Server-Sent Events
// stream of live snapshots.
package http

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"taxledger/internal/auth"
	"taxledger/internal/ledger"
	"taxledger/internal/log"
	"taxledger/internal/realtime"
	"taxledger/internal/store"
)

const readyTimeout = 3 * time.Second

// Deps are the collaborators a Server routes to.
type Deps struct {
	Ledger  *ledger.Ledger
	Changes store.Changes
	Tokens  *auth.TokenService
	// Sync configures the controller behind each stream.
	Sync realtime.Config
	// Checks are probed by /readyz.
	Checks map[string]func(context.Context) error
	Logger *log.Logger
}

type Server struct {
	http.Server
	ledger      *ledger.Ledger
	changes     store.Changes
	syncCfg     realtime.Config
	checks      map[string]func(context.Context) error
	validate    *validator.Validate
	logger      *log.Logger
	rateLimiter *rateLimiter
	metrics     *securityMetrics

	closing      chan struct{}
	shutdownOnce sync.Once
}

// NewServer configures routes and returns a ready-to-run server.
func NewServer(addr string, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}

	s := &Server{
		ledger:      deps.Ledger,
		changes:     deps.Changes,
		syncCfg:     deps.Sync,
		checks:      deps.Checks,
		validate:    newValidator(),
		logger:      logger.WithComponent(log.ComponentHTTP),
		rateLimiter: newRateLimiter(rateLimitRequests, rateLimitWindow),
		metrics:     &securityMetrics{},
		closing:     make(chan struct{}),
	}

	requireAuth := auth.Middleware(deps.Tokens)
	api := http.NewServeMux()
	api.HandleFunc("GET /api/expenses", s.handleListExpenses)
	api.HandleFunc("POST /api/expenses", s.handleCreateExpense)
	api.HandleFunc("GET /api/expenses/stream", s.handleStream)
	api.HandleFunc("GET /api/expenses/{id}", s.handleGetExpense)
	api.HandleFunc("PATCH /api/expenses/{id}", s.handleUpdateExpense)
	api.HandleFunc("DELETE /api/expenses/{id}", s.handleDeleteExpense)
	api.HandleFunc("PUT /api/expenses/{id}/receipt", s.handleAttachReceipt)
	api.HandleFunc("GET /api/expenses/{id}/receipt", s.handleGetReceipt)
	api.HandleFunc("GET /api/summary", s.handleSummary)
	api.HandleFunc("GET /api/categories", s.handleCategories)
	api.HandleFunc("POST /api/deductions/preview", s.handleDeductionPreview)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("/api/", requireAuth(api))

	s.Server = http.Server{
		Addr:              addr,
		Handler:           log.Middleware(logger)(s.withSecurity(mux)),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Shutdown ends open streams, stops background routines and shuts the
// server down.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		close(s.closing)
		s.rateLimiter.stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type readyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// handleReady probes every backend dependency.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := readyResponse{Status: "ready", Checks: make(map[string]string, len(names))}
	status := http.StatusOK
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			s.logger.WarnContext(ctx, "Readiness check failed", log.FieldBackend, name, log.FieldError, err)
			resp.Checks[name] = err.Error()
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	NewJSONResponse().Status(status).Body(resp).Write(w)
}
