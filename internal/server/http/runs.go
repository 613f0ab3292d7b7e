package http

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ekisa-team/lotabots/internal/pipeline"
)

type (
	RunDTO struct {
		ID        string    `json:"id"`
		ModelID   string    `json:"model_id"`
		State     string    `json:"state"`
		Stage     string    `json:"stage,omitempty"`
		Error     string    `json:"error,omitempty"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	ListRunsResponseDTO struct {
		Runs   []RunDTO `json:"runs"`
		Active int      `json:"active"`
	}

	ErrorResponseDTO struct {
		Error string `json:"error"`
	}
)

// RunStatus is the read side of the run tracker.
type RunStatus interface {
	Get(id string) (pipeline.RunStatus, bool)
	List() []pipeline.RunStatus
	Active() int
}

// RunsHandler handles HTTP requests for run status.
type RunsHandler struct {
	status RunStatus
}

// NewRunsHandler creates a new RunsHandler and mounts it on r.
func NewRunsHandler(r chi.Router, status RunStatus) *RunsHandler {
	h := &RunsHandler{status: status}

	r.Get("/runs", h.handleList)
	// Run IDs contain slashes, so the rest of the path is the ID.
	r.Get("/runs/*", h.handleGet)

	return h
}

// handleList handles the list operation.
func (h *RunsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	runs := h.status.List()
	out := ListRunsResponseDTO{Runs: make([]RunDTO, 0, len(runs)), Active: h.status.Active()}
	for _, st := range runs {
		out.Runs = append(out.Runs, toDTO(st))
	}

	writeJSON(w, http.StatusOK, out)
}

// handleGet handles the get operation.
func (h *RunsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(chi.URLParam(r, "*"), "/")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponseDTO{Error: "run id is required"})
		return
	}

	st, ok := h.status.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponseDTO{Error: "no run " + id})
		return
	}

	writeJSON(w, http.StatusOK, toDTO(st))
}

func toDTO(st pipeline.RunStatus) RunDTO {
	return RunDTO{
		ID:        st.ID,
		ModelID:   st.ModelID,
		State:     string(st.State),
		Stage:     string(st.Stage),
		Error:     st.Error,
		UpdatedAt: st.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
