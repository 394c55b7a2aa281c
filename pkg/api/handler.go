package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Comfy-Org/comfyui-sidecar/pkg/logging"
	"github.com/Comfy-Org/comfyui-sidecar/pkg/models"
	"github.com/Comfy-Org/comfyui-sidecar/pkg/store"
	"github.com/Comfy-Org/comfyui-sidecar/pkg/supervisor"
)

// Defaults fill in submission fields the caller omitted
type Defaults struct {
	MemoryLimitBytes int64
	MaxAttempts      int
}

// Handler is the REST control surface over the supervisor
type Handler struct {
	supervisor *supervisor.Supervisor
	store      store.Store
	defaults   Defaults
	logger     *logging.Logger
}

// NewHandler creates the control surface handler
func NewHandler(sup *supervisor.Supervisor, st store.Store, defaults Defaults, logger *logging.Logger) *Handler {
	return &Handler{
		supervisor: sup,
		store:      st,
		defaults:   defaults,
		logger:     logger,
	}
}

// Router builds the HTTP route table
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/jobs", h.submitJob).Methods("POST")
	r.HandleFunc("/jobs", h.listJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", h.jobStatus).Methods("GET")
	r.HandleFunc("/jobs/{id}/stop", h.stopJob).Methods("POST")
	r.HandleFunc("/health", h.health).Methods("GET")

	return r
}

func (h *Handler) submitJob(w http.ResponseWriter, r *http.Request) {
	var req models.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.MemoryLimitBytes == 0 {
		req.MemoryLimitBytes = h.defaults.MemoryLimitBytes
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = h.defaults.MaxAttempts
	}

	job, err := h.supervisor.Submit(req)
	if err != nil {
		if store.IsPersistenceError(err) {
			h.logger.Error("job submission failed", map[string]interface{}{"error": err.Error()})
			writeError(w, http.StatusInternalServerError, "failed to persist job")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"job_id": job.ID,
		"status": job.Status,
	})
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.supervisor.List()
	if err != nil {
		h.logger.Error("job listing failed", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "failed to read job state")
		return
	}

	// Optional ?status= filter
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := make([]*models.Job, 0, len(jobs))
		for _, job := range jobs {
			if job.Status == models.JobStatus(status) {
				filtered = append(filtered, job)
			}
		}
		jobs = filtered
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (h *Handler) jobStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	resp, err := h.supervisor.Status(id)
	if err != nil {
		if err == store.ErrJobNotFound {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error("status query failed", map[string]interface{}{"job_id": id, "error": err.Error()})
		writeError(w, http.StatusInternalServerError, "failed to read job state")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// stopJob requests termination. Stopping a job already terminal is a
// no-op that still returns 200; the caller's intent is satisfied.
func (h *Handler) stopJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.supervisor.Stop(id); err != nil {
		if err == store.ErrJobNotFound {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error("stop request failed", map[string]interface{}{"job_id": id, "error": err.Error()})
		writeError(w, http.StatusInternalServerError, "failed to stop job")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  id,
		"stopped": true,
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.HealthCheck(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
