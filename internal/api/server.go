// Package api exposes the control plane over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"graphplane-backend/internal/allocation"
	"graphplane-backend/internal/backend"
	"graphplane-backend/internal/credits"
	"graphplane-backend/internal/events"
	"graphplane-backend/internal/factory"
	"graphplane-backend/internal/permissions"
	"graphplane-backend/internal/sse"
	"graphplane-backend/internal/subgraph"
	apperrors "graphplane-backend/pkg/errors"
	"graphplane-backend/pkg/observability"
)

// tenantHeader carries the caller's tenant identity, injected by the
// API gateway in front of this service.
const tenantHeader = "X-Tenant-ID"

// Allocator is the placement surface the API needs.
type Allocator interface {
	Allocate(ctx context.Context, req allocation.AllocateRequest) (*allocation.DatabaseLocation, error)
	Deallocate(ctx context.Context, graphID string) error
	FindDatabaseLocation(ctx context.Context, graphID string) (*allocation.DatabaseLocation, error)
}

// Subgraphs is the subgraph lifecycle surface the API needs.
type Subgraphs interface {
	Create(ctx context.Context, req subgraph.CreateRequest) (*subgraph.Info, error)
	Fork(ctx context.Context, req subgraph.ForkRequest) (*subgraph.Info, *backend.ForkResult, error)
	Delete(ctx context.Context, subgraphID string, opts subgraph.DeleteOptions) error
	List(ctx context.Context, parentGraphID string) ([]subgraph.Info, error)
	GetInfo(ctx context.Context, subgraphID string) (*subgraph.Info, error)
}

// Credits is the metering surface the API needs.
type Credits interface {
	GetBalance(ctx context.Context, graphID string) (*credits.Pool, error)
	Consume(ctx context.Context, graphID string, amount int64, reason string) (*credits.ConsumeResult, error)
}

// QueryBackend is the worker surface the query endpoint needs.
type QueryBackend interface {
	Query(ctx context.Context, graphID, cypher string, params map[string]any) (*backend.QueryResult, error)
}

// BackendProvider resolves the worker serving a graph.
type BackendProvider func(ctx context.Context, graphID string, intent factory.Intent) (QueryBackend, error)

// Server wires the control-plane services into a chi router.
type Server struct {
	allocator Allocator
	subgraphs Subgraphs
	credits   Credits
	provider  BackendProvider
	perms     *permissions.Service
	broker    *sse.Broker
	publisher events.Publisher
	logger    *zap.Logger
	metrics   *observability.Collector

	subgraphCreation bool
}

func NewServer(
	allocator Allocator,
	subgraphs Subgraphs,
	creditRouter Credits,
	provider BackendProvider,
	perms *permissions.Service,
	broker *sse.Broker,
	publisher events.Publisher,
	logger *zap.Logger,
) *Server {
	if publisher == nil {
		publisher = events.NopPublisher()
	}
	return &Server{
		allocator: allocator,
		subgraphs: subgraphs,
		credits:   creditRouter,
		provider:  provider,
		perms:     perms,
		broker:    broker,
		publisher: publisher,
		logger:    logger,
		metrics:   observability.NewCollector("graphplane"),

		subgraphCreation: true,
	}
}

// SetSubgraphCreation toggles the subgraph creation and fork endpoints.
func (s *Server) SetSubgraphCreation(enabled bool) {
	s.subgraphCreation = enabled
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(s.requestLogger)

	router.Get("/health", s.health)
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
		s.metrics.Registry(), promhttp.HandlerOpts{}))

	router.Route("/v1", func(r chi.Router) {
		r.Use(requireTenant)

		r.Route("/graphs", func(r chi.Router) {
			r.Post("/", s.allocateGraph)
			r.Route("/{graphID}", func(r chi.Router) {
				r.Delete("/", s.deallocateGraph)
				r.Get("/location", s.graphLocation)
				r.Post("/query", s.queryGraph)
				r.Get("/credits", s.creditBalance)
				r.Post("/credits/consume", s.consumeCredits)
				r.Route("/subgraphs", func(r chi.Router) {
					r.Get("/", s.listSubgraphs)
					r.Post("/", s.createSubgraph)
					r.Post("/fork", s.forkSubgraph)
				})
			})
		})
		r.Route("/subgraphs/{subgraphID}", func(r chi.Router) {
			r.Get("/", s.subgraphInfo)
			r.Delete("/", s.deleteSubgraph)
		})
		r.Get("/tasks/{taskID}/events", s.taskEvents)
	})

	// Workers push task progress here; tenants never reach this route
	// because the gateway only forwards /v1.
	router.Post("/internal/tasks/{taskID}/events", s.publishTaskEvent)

	return router
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", chimiddleware.GetReqID(r.Context())))
	})
}

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(tenantHeader) == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "missing " + tenantHeader + " header",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tenantOf(r *http.Request) string {
	return r.Header.Get(tenantHeader)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	kind := "server"

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		kind = string(appErr.Kind)
		switch {
		case appErr.Status != 0:
			status = appErr.Status
		case apperrors.IsClient(err) || apperrors.IsSyntax(err):
			status = http.StatusBadRequest
		case apperrors.IsAllocation(err):
			status = http.StatusConflict
		case apperrors.IsRouting(err):
			status = http.StatusServiceUnavailable
		case apperrors.IsTransient(err) || apperrors.IsTimeout(err):
			status = http.StatusBadGateway
		}
	}

	if status >= 500 {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": kind})
}
