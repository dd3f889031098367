package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-hub/internal/automation"
	"github.com/nerrad567/gray-logic-hub/internal/core"
)

// triggerRequest is the optional body of POST /api/automations/{id}/trigger.
type triggerRequest struct {
	SkipCondition *bool `json:"skip_condition"`
}

// turnOffRequest is the optional body of POST /api/automations/{id}/turn_off.
type turnOffRequest struct {
	StopActions *bool `json:"stop_actions"`
}

func (s *Server) handleListAutomations(w http.ResponseWriter, _ *http.Request) {
	if s.automations == nil {
		writeUnavailable(w, "automation engine")
		return
	}
	list := s.automations.List()
	if list == nil {
		list = []automation.Info{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetAutomation(w http.ResponseWriter, r *http.Request) {
	if s.automations == nil {
		writeUnavailable(w, "automation engine")
		return
	}
	info, err := s.automations.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err, "failed to get automation")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleTriggerAutomation runs an automation's actions now. The response
// reports how the run was arbitrated, not its result.
func (s *Server) handleTriggerAutomation(w http.ResponseWriter, r *http.Request) {
	if s.automations == nil {
		writeUnavailable(w, "automation engine")
		return
	}

	var req triggerRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	id := chi.URLParam(r, "id")
	outcome, err := s.automations.Trigger(id, req.SkipCondition, core.NewContext("", ""))
	if err != nil {
		s.writeDomainError(w, err, "failed to trigger automation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"outcome": outcome,
	})
}

func (s *Server) handleTurnOnAutomation(w http.ResponseWriter, r *http.Request) {
	s.setAutomationEnabled(w, r, func(id string, parent core.Context) (*core.Entity, error) {
		return s.automations.TurnOn(id, parent)
	})
}

// handleTurnOffAutomation disables an automation. Running actions are
// stopped unless stop_actions is false.
func (s *Server) handleTurnOffAutomation(w http.ResponseWriter, r *http.Request) {
	var req turnOffRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	stop := req.StopActions == nil || *req.StopActions

	s.setAutomationEnabled(w, r, func(id string, parent core.Context) (*core.Entity, error) {
		return s.automations.TurnOff(id, stop, parent)
	})
}

func (s *Server) handleToggleAutomation(w http.ResponseWriter, r *http.Request) {
	s.setAutomationEnabled(w, r, func(id string, parent core.Context) (*core.Entity, error) {
		return s.automations.Toggle(id, parent)
	})
}

func (s *Server) setAutomationEnabled(w http.ResponseWriter, r *http.Request, apply func(string, core.Context) (*core.Entity, error)) {
	if s.automations == nil {
		writeUnavailable(w, "automation engine")
		return
	}
	ent, err := apply(chi.URLParam(r, "id"), core.NewContext("", ""))
	if err != nil {
		s.writeDomainError(w, err, "failed to change automation")
		return
	}
	writeJSON(w, http.StatusOK, ent)
}
