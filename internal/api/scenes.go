package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-hub/internal/core"
	"github.com/nerrad567/gray-logic-hub/internal/scene"
)

func (s *Server) handleListScenes(w http.ResponseWriter, _ *http.Request) {
	if s.scenes == nil {
		writeUnavailable(w, "scene engine")
		return
	}
	scenes := s.scenes.Registry().ListScenes()
	if scenes == nil {
		scenes = []*scene.Scene{}
	}
	writeJSON(w, http.StatusOK, scenes)
}

func (s *Server) handleGetScene(w http.ResponseWriter, r *http.Request) {
	if s.scenes == nil {
		writeUnavailable(w, "scene engine")
		return
	}
	sc, err := s.scenes.Registry().GetScene(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err, "failed to get scene")
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// handleActivateScene applies a scene. Entities that failed are reported
// next to the ones written; the activation itself still succeeded.
func (s *Server) handleActivateScene(w http.ResponseWriter, r *http.Request) {
	if s.scenes == nil {
		writeUnavailable(w, "scene engine")
		return
	}

	id := chi.URLParam(r, "id")
	parent := core.NewContext("", "")
	changed, err := s.scenes.Activate(r.Context(), id, parent)
	if errors.Is(err, scene.ErrSceneNotFound) {
		s.writeDomainError(w, err, "failed to activate scene")
		return
	}
	if changed == nil {
		changed = []*core.Entity{}
	}

	resp := map[string]any{
		"scene_id":       id,
		"changed_states": changed,
		"context":        parent,
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
