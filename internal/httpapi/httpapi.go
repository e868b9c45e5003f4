// Package httpapi exposes the orchestrator over HTTP: chat commands, the
// confirmation gate, run queries, the SSE event stream, order operations and
// ops endpoints. Handlers translate between the wire and the internal
// packages; no business rules live here.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"tradeloop/internal/bus"
	"tradeloop/internal/config"
	"tradeloop/internal/confirm"
	"tradeloop/internal/store"
	"tradeloop/internal/telemetry"
)

// RunExecutor re-enters run execution. Satisfied by runner.Runner.
type RunExecutor interface {
	Execute(ctx context.Context, runID string) error
	Start(runID string)
}

// Server wires the handlers to their dependencies.
type Server struct {
	cfg        config.Config
	store      *store.Store
	bus        *bus.Bus
	gate       *confirm.Gate
	runner     RunExecutor
	reconciler Reconciler
	sse        *sseTracker
}

// New builds a Server. reconciler may be nil when no live exchange is wired.
func New(cfg config.Config, s *store.Store, b *bus.Bus, gate *confirm.Gate, runner RunExecutor, reconciler Reconciler) *Server {
	return &Server{
		cfg:        cfg,
		store:      s,
		bus:        b,
		gate:       gate,
		runner:     runner,
		reconciler: reconciler,
		sse:        newSSETracker(3, 5*time.Minute),
	}
}

// Router assembles the chi router with the full middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(requestIDMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Trace-ID"},
		MaxAge:         300,
	}))
	r.Use(s.authMiddleware)
	r.Use(httprate.Limit(120, time.Minute,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(rateLimitHandler),
	))

	r.Post("/chat/command", s.handleChatCommand)
	r.Post("/commands/execute", s.handleExecuteCommand)

	r.Route("/confirmations/{id}", func(r chi.Router) {
		r.Post("/confirm", s.handleConfirm)
		r.Post("/cancel", s.handleCancel)
		r.Get("/status", s.handleConfirmationStatus)
	})

	r.Route("/runs", func(r chi.Router) {
		r.Post("/trigger", s.handleRunTrigger)
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
		r.Get("/status/{id}", s.handleRunStatus)
		r.Get("/{id}/events", s.handleRunEvents)
		r.Get("/{id}/trace", s.handleRunTrace)
	})

	r.Route("/orders", func(r chi.Router) {
		r.Get("/", s.handleListOrders)
		r.Post("/{id}/reconcile", s.handleOrderReconcile)
		r.Get("/{id}/fill-status", s.handleOrderFillStatus)
	})

	r.Post("/approvals/{id}/decision", s.handleApprovalDecision)

	r.Get("/ops/health", s.handleHealth)
	r.Get("/evals/runs/{id}", s.handleRunEvals)
	r.Get("/evals/summary", s.handleEvalSummary)
	r.Get("/analytics/orders", s.handleOrderAnalytics)
	r.Get("/analytics/runs", s.handleRunAnalytics)
	r.Get("/debug/run_trace/{id}", s.handleRunTrace)

	r.Method("GET", "/metrics", telemetry.Handler())

	return r
}
