package api

import (
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-hub/internal/core"
	"github.com/nerrad567/gray-logic-hub/internal/service"
)

// setStateRequest is the body of POST /api/states/{entity_id}.
type setStateRequest struct {
	State      *string        `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

// handleListStates returns every live entity, sorted by entity id.
func (s *Server) handleListStates(w http.ResponseWriter, _ *http.Request) {
	entities := s.store.All()
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].EntityID < entities[j].EntityID
	})
	writeJSON(w, http.StatusOK, entities)
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	ent, err := s.store.Get(chi.URLParam(r, "entity_id"))
	if err != nil {
		s.writeDomainError(w, err, "failed to get state")
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

// handleSetState replaces an entity's state and attributes. It answers 201
// when the entity did not exist before.
func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entity_id")

	var req setStateRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.State == nil {
		writeBadRequest(w, "state is required")
		return
	}

	res, err := s.store.Write(entityID, *req.State, req.Attributes, core.Replace)
	if err != nil {
		s.writeDomainError(w, err, "failed to set state")
		return
	}

	status := http.StatusOK
	if res.Old == nil {
		status = http.StatusCreated
	}
	w.Header().Set("Location", "/api/states/"+entityID)
	writeJSON(w, status, res.New)
}

func (s *Server) handleDeleteState(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.Delete(chi.URLParam(r, "entity_id")); err != nil {
		s.writeDomainError(w, err, "failed to delete state")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFireEvent publishes a custom event with the body as its data.
func (s *Server) handleFireEvent(w http.ResponseWriter, r *http.Request) {
	eventType := chi.URLParam(r, "event_type")

	var data map[string]any
	if err := decodeBody(r, &data); err != nil {
		writeBadRequest(w, "event data must be a JSON object")
		return
	}

	ev, err := s.store.Fire(eventType, data, core.Context{})
	if err != nil {
		s.writeDomainError(w, err, "failed to fire event")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("Event %s fired.", eventType),
		"context": ev.Context,
	})
}

func (s *Server) handleListServices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.services.Services())
}

// handleCallService dispatches a service call with the body as its data
// and returns the entities it changed.
func (s *Server) handleCallService(w http.ResponseWriter, r *http.Request) {
	var data map[string]any
	if err := decodeBody(r, &data); err != nil {
		writeBadRequest(w, "service data must be a JSON object")
		return
	}

	call := service.Call{
		Domain:  chi.URLParam(r, "domain"),
		Service: chi.URLParam(r, "service"),
		Data:    data,
		Context: core.NewContext("", ""),
	}
	changed, err := s.services.Call(r.Context(), call)
	if changed == nil {
		changed = []*core.Entity{}
	}
	if err != nil {
		// Partial success still reports what was written.
		if len(changed) > 0 && !errors.Is(err, service.ErrInvalidCall) {
			s.logger.Warn("service call partially failed",
				"domain", call.Domain,
				"service", call.Service,
				"error", err,
			)
			writeJSON(w, http.StatusOK, map[string]any{
				"changed_states": changed,
				"context":        call.Context,
				"error":          err.Error(),
			})
			return
		}
		s.writeDomainError(w, err, "service call failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"changed_states": changed,
		"context":        call.Context,
	})
}
