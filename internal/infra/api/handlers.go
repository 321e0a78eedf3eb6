package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"storybook-orchestrator/internal/domain"
	"storybook-orchestrator/internal/domain/model"
	"storybook-orchestrator/internal/infra/stream"
	"storybook-orchestrator/internal/usecase"
)

type createJobRequest struct {
	Type       model.JobType         `json:"type"`
	Generation *model.GenerationSpec `json:"generation,omitempty"`
	Training   *model.TrainingSpec   `json:"training,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var (
		job *model.Job
		err error
	)
	switch req.Type {
	case model.JobTypeGeneration:
		if req.Generation == nil {
			http.Error(w, "generation payload required", http.StatusBadRequest)
			return
		}
		job, err = s.jobUC.CreateGeneration(r.Context(), *req.Generation)
	case model.JobTypeTraining:
		if req.Training == nil {
			http.Error(w, "training payload required", http.StatusBadRequest)
			return
		}
		job, err = s.jobUC.CreateTraining(r.Context(), *req.Training)
	default:
		http.Error(w, "unknown job type", http.StatusBadRequest)
		return
	}
	if err != nil {
		if errors.Is(err, domain.ErrInvalidArgument) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// A provider rejection still created the job record; report it with
		// the submit error attached.
		if job != nil {
			writeJSON(w, http.StatusAccepted, job)
			return
		}
		http.Error(w, "Failed to create job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobUC.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to load job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	jobs, err := s.jobUC.List(r.Context(), offset, limit)
	if err != nil {
		http.Error(w, "Failed to list jobs", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.jobUC.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to load job", http.StatusInternalServerError)
		return
	}
	stream.ServeNDJSON(w, r, s.bus, usecase.JobTopic(id), job, s.log)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req usecase.StartRunInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	run, err := s.automationUC.StartRun(r.Context(), req)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidArgument) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "Failed to start run", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.automationUC.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to load run", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.automationUC.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to load run", http.StatusInternalServerError)
		return
	}
	stream.ServeNDJSON(w, r, s.bus, usecase.RunTopic(id), run, s.log)
}

type adminLoginRequest struct {
	Secret string `json:"secret"`
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var req adminLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if s.adminSecret == "" || req.Secret != s.adminSecret {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	token, err := s.auth.Mint()
	if err != nil {
		http.Error(w, "Failed to mint token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
