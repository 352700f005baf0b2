package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/matrix-engine/internal/matrix"
)

// handleMatrixStats handles GET /api/matrix/{root}/stats
func (s *Server) handleMatrixStats(w http.ResponseWriter, r *http.Request) {
	root, ok := walletParam(w, mux.Vars(r)["root"])
	if !ok {
		return
	}

	stats, err := s.service.GetMatrixStats(r.Context(), root)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// handleMatrixLayer handles GET /api/matrix/{root}/layers/{layer}
func (s *Server) handleMatrixLayer(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	root, ok := walletParam(w, vars["root"])
	if !ok {
		return
	}
	layer, ok := intParam(w, "layer", vars["layer"], 0)
	if !ok {
		return
	}

	members, err := s.service.GetLayerMembers(r.Context(), root, layer)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"root":     root,
		"layer":    layer,
		"capacity": matrix.LayerCapacity(layer),
		"members":  members,
	})
}
