package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"graphplane-backend/internal/allocation"
	"graphplane-backend/internal/events"
	"graphplane-backend/internal/factory"
	"graphplane-backend/internal/graphid"
	"graphplane-backend/internal/permissions"
	"graphplane-backend/internal/sse"
	"graphplane-backend/internal/subgraph"
	apperrors "graphplane-backend/pkg/errors"
)

type allocateGraphRequest struct {
	GraphID     string `json:"graph_id"`
	Tier        string `json:"tier"`
	BackendType string `json:"backend_type"`
}

func (s *Server) allocateGraph(w http.ResponseWriter, r *http.Request) {
	var req allocateGraphRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.GraphID == "" {
		req.GraphID = graphid.NewUserGraphID()
	}

	loc, err := s.allocator.Allocate(r.Context(), allocation.AllocateRequest{
		GraphID:     req.GraphID,
		TenantID:    tenantOf(r),
		Tier:        req.Tier,
		BackendType: req.BackendType,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.publisher.Publish(r.Context(), events.Event{
		Type:       events.GraphAllocated,
		GraphID:    loc.GraphID,
		TenantID:   tenantOf(r),
		InstanceID: loc.InstanceID,
	})
	writeJSON(w, http.StatusCreated, loc)
}

func (s *Server) deallocateGraph(w http.ResponseWriter, r *http.Request) {
	graphID := chi.URLParam(r, "graphID")
	if err := s.perms.Require(r.Context(), tenantOf(r), graphID, permissions.ActionAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.allocator.Deallocate(r.Context(), graphID); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.publisher.Publish(r.Context(), events.Event{
		Type:     events.GraphDeallocated,
		GraphID:  graphID,
		TenantID: tenantOf(r),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) graphLocation(w http.ResponseWriter, r *http.Request) {
	graphID := chi.URLParam(r, "graphID")
	if err := s.perms.Require(r.Context(), tenantOf(r), graphID, permissions.ActionRead); err != nil {
		s.writeError(w, r, err)
		return
	}

	loc, err := s.allocator.FindDatabaseLocation(r.Context(), graphID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

type queryRequest struct {
	Cypher     string         `json:"cypher"`
	Parameters map[string]any `json:"parameters"`
	Write      bool           `json:"write"`
}

func (s *Server) queryGraph(w http.ResponseWriter, r *http.Request) {
	graphID := chi.URLParam(r, "graphID")

	var req queryRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Cypher == "" {
		s.writeError(w, r, apperrors.NewClient("cypher is required"))
		return
	}

	action := permissions.ActionRead
	intent := factory.IntentRead
	if req.Write {
		action = permissions.ActionWrite
		intent = factory.IntentWrite
	}
	if err := s.perms.Require(r.Context(), tenantOf(r), graphID, action); err != nil {
		s.writeError(w, r, err)
		return
	}

	client, err := s.provider(r.Context(), graphID, intent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := client.Query(r.Context(), graphID, req.Cypher, req.Parameters)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type createSubgraphRequest struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	BaseSchema  string   `json:"base_schema"`
	Extensions  []string `json:"extensions"`
	CustomDDL   string   `json:"custom_ddl"`
}

func (s *Server) createSubgraph(w http.ResponseWriter, r *http.Request) {
	if !s.subgraphCreation {
		s.writeError(w, r, errSubgraphCreationDisabled())
		return
	}
	parentID := chi.URLParam(r, "graphID")
	if err := s.perms.Require(r.Context(), tenantOf(r), parentID, permissions.ActionWrite); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req createSubgraphRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	info, err := s.subgraphs.Create(r.Context(), subgraph.CreateRequest{
		ParentGraphID: parentID,
		TenantID:      tenantOf(r),
		Name:          req.Name,
		DisplayName:   req.DisplayName,
		BaseSchema:    req.BaseSchema,
		Extensions:    req.Extensions,
		CustomDDL:     req.CustomDDL,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if info.Status == "exists" {
		writeJSON(w, http.StatusOK, info)
		return
	}

	s.publisher.Publish(r.Context(), events.Event{
		Type:     events.SubgraphCreated,
		GraphID:  info.SubgraphID,
		TenantID: tenantOf(r),
	})
	writeJSON(w, http.StatusCreated, info)
}

type forkSubgraphRequest struct {
	createSubgraphRequest
	Tables          []string `json:"tables"`
	ExcludePatterns []string `json:"exclude_patterns"`
	IgnoreErrors    bool     `json:"ignore_errors"`
}

func (s *Server) forkSubgraph(w http.ResponseWriter, r *http.Request) {
	if !s.subgraphCreation {
		s.writeError(w, r, errSubgraphCreationDisabled())
		return
	}
	parentID := chi.URLParam(r, "graphID")
	if err := s.perms.Require(r.Context(), tenantOf(r), parentID, permissions.ActionWrite); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req forkSubgraphRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	info, result, err := s.subgraphs.Fork(r.Context(), subgraph.ForkRequest{
		CreateRequest: subgraph.CreateRequest{
			ParentGraphID: parentID,
			TenantID:      tenantOf(r),
			Name:          req.Name,
			DisplayName:   req.DisplayName,
			BaseSchema:    req.BaseSchema,
			Extensions:    req.Extensions,
		},
		Tables:          req.Tables,
		ExcludePatterns: req.ExcludePatterns,
		IgnoreErrors:    req.IgnoreErrors,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.publisher.Publish(r.Context(), events.Event{
		Type:     events.SubgraphCreated,
		GraphID:  info.SubgraphID,
		TenantID: tenantOf(r),
		Detail:   map[string]any{"forked_from": info.ForkedFrom, "total_rows": result.TotalRows},
	})
	writeJSON(w, http.StatusCreated, map[string]any{"subgraph": info, "fork": result})
}

func (s *Server) listSubgraphs(w http.ResponseWriter, r *http.Request) {
	parentID := chi.URLParam(r, "graphID")
	if err := s.perms.Require(r.Context(), tenantOf(r), parentID, permissions.ActionRead); err != nil {
		s.writeError(w, r, err)
		return
	}

	infos, err := s.subgraphs.List(r.Context(), parentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subgraphs": infos})
}

func (s *Server) subgraphInfo(w http.ResponseWriter, r *http.Request) {
	subgraphID := chi.URLParam(r, "subgraphID")
	if err := s.perms.Require(r.Context(), tenantOf(r), subgraphID, permissions.ActionRead); err != nil {
		s.writeError(w, r, err)
		return
	}

	info, err := s.subgraphs.GetInfo(r.Context(), subgraphID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) deleteSubgraph(w http.ResponseWriter, r *http.Request) {
	subgraphID := chi.URLParam(r, "subgraphID")
	if err := s.perms.Require(r.Context(), tenantOf(r), subgraphID, permissions.ActionWrite); err != nil {
		s.writeError(w, r, err)
		return
	}

	opts := subgraph.DeleteOptions{
		Force:  r.URL.Query().Get("force") == "true",
		Backup: r.URL.Query().Get("backup") == "true",
	}
	if err := s.subgraphs.Delete(r.Context(), subgraphID, opts); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.publisher.Publish(r.Context(), events.Event{
		Type:     events.SubgraphDeleted,
		GraphID:  subgraphID,
		TenantID: tenantOf(r),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) creditBalance(w http.ResponseWriter, r *http.Request) {
	graphID := chi.URLParam(r, "graphID")
	if err := s.perms.Require(r.Context(), tenantOf(r), graphID, permissions.ActionRead); err != nil {
		s.writeError(w, r, err)
		return
	}

	pool, err := s.credits.GetBalance(r.Context(), graphID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

type consumeRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (s *Server) consumeCredits(w http.ResponseWriter, r *http.Request) {
	graphID := chi.URLParam(r, "graphID")
	if err := s.perms.Require(r.Context(), tenantOf(r), graphID, permissions.ActionWrite); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req consumeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.credits.Consume(r.Context(), graphID, req.Amount, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if !result.Success {
		status = http.StatusPaymentRequired
	}
	writeJSON(w, status, result)
}

func (s *Server) taskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	s.logger.Debug("task event stream opened",
		zap.String("task_id", taskID),
		zap.String("tenant_id", tenantOf(r)))
	start := time.Now()
	s.broker.ServeTask(w, r, taskID)
	s.logger.Debug("task event stream closed",
		zap.String("task_id", taskID),
		zap.Duration("duration", time.Since(start)))
}

type taskEventRequest struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func (s *Server) publishTaskEvent(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	var req taskEventRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Event == "" {
		s.writeError(w, r, apperrors.NewClient("event is required"))
		return
	}

	s.broker.Publish(taskID, sse.Message{Event: req.Event, Data: req.Data})
	w.WriteHeader(http.StatusAccepted)
}

func errSubgraphCreationDisabled() error {
	return apperrors.NewClient("subgraph creation is disabled").WithStatus(http.StatusServiceUnavailable)
}

func decodeBody(r *http.Request, out any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return apperrors.NewClient("invalid request body: " + err.Error())
	}
	return nil
}
