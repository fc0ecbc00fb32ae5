package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"multiplayer/internal/game"
	"multiplayer/internal/netentity"
)

func (h *routerHandlers) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.engine.Snapshot())
}

// StatsResponse is the /api/stats body.
type StatsResponse struct {
	Engine      game.EngineStats `json:"engine"`
	Connections int              `json:"connections"`
}

func (h *routerHandlers) handleGetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, StatsResponse{
		Engine:      h.engine.Stats(),
		Connections: len(h.sessions.Sessions()),
	})
}

func (h *routerHandlers) handleListConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.sessions.Sessions())
}

func connectionParam(r *http.Request) (netentity.ConnectionID, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil || id == 0 {
		return netentity.InvalidConnectionID, fmt.Errorf("invalid connection id %q", chi.URLParam(r, "id"))
	}
	return netentity.ConnectionID(id), nil
}

func (h *routerHandlers) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	id, err := connectionParam(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	stats, ok := h.sessions.SessionStats(id)
	if !ok {
		writeError(w, "connection not found", http.StatusNotFound)
		return
	}
	writeJSON(w, stats)
}

func (h *routerHandlers) handleGetWindow(w http.ResponseWriter, r *http.Request) {
	id, err := connectionParam(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries, ok := h.sessions.Window(id)
	if !ok {
		writeError(w, "connection not found", http.StatusNotFound)
		return
	}
	if entries == nil {
		entries = []WindowEntry{}
	}
	writeJSON(w, entries)
}

// SpawnPropRequest is the POST /api/props body.
type SpawnPropRequest struct {
	Kind string  `json:"kind"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

func (h *routerHandlers) handleSpawnProp(w http.ResponseWriter, r *http.Request) {
	var req SpawnPropRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	kind, ok := game.ParsePropKind(req.Kind)
	if !ok {
		writeError(w, "kind must be wanderer or beacon", http.StatusBadRequest)
		return
	}

	handle := h.engine.SpawnProp(kind, req.X, req.Y)
	log.Printf("🧱 Prop %s spawned at (%.0f, %.0f) as %s", kind, req.X, req.Y, handle.NetEntityID())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]string{"id": handle.NetEntityID().String(), "kind": kind.String()})
}

func (h *routerHandlers) handleRemoveProp(w http.ResponseWriter, r *http.Request) {
	id, err := netentity.ParseNetEntityID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !h.engine.RemoveProp(id) {
		writeError(w, "prop not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, data any) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
