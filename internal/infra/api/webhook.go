package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"storybook-orchestrator/internal/domain"
	"storybook-orchestrator/internal/domain/model"
	"storybook-orchestrator/internal/domain/ports/adapter"
	"storybook-orchestrator/internal/infra/metrics"
	"storybook-orchestrator/internal/usecase"
)

// handleWebhook receives provider push updates. The provider retries on
// non-2xx, so anything that is not worth a redelivery answers 200.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhookToken == "" || r.URL.Query().Get("token") != s.webhookToken {
		metrics.IncWebhook("unauthorized")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	jobType := model.JobType(chi.URLParam(r, "jobType"))
	jobID := chi.URLParam(r, "jobID")
	if jobType != model.JobTypeGeneration && jobType != model.JobTypeTraining {
		// Unknown route variant; acknowledge so the provider stops retrying.
		metrics.IncWebhook("ignored")
		w.WriteHeader(http.StatusOK)
		return
	}

	var payload adapter.StatusPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		metrics.IncWebhook("bad_payload")
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	eventType := r.Header.Get("X-Webhook-Event")
	if eventType == "" {
		eventType = payload.Event
	}
	if eventType == "" {
		if adapter.ProviderTerminal(payload.Status) {
			eventType = usecase.EventCompleted
		} else {
			eventType = usecase.EventUpdate
		}
	}

	_, err := s.rec.Reconcile(r.Context(), jobID, &payload, eventType)
	switch {
	case err == nil:
		metrics.IncWebhook("ok")
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, domain.ErrLockBusy):
		// Let the provider redeliver; the concurrent reconcile may not have
		// seen this payload.
		metrics.IncWebhook("busy")
		http.Error(w, "Busy", http.StatusServiceUnavailable)
	case errors.Is(err, domain.ErrNotFound):
		metrics.IncWebhook("ignored")
		w.WriteHeader(http.StatusOK)
	default:
		metrics.IncWebhook("error")
		s.log.Error().Err(err).Str("job_id", jobID).Msg("webhook reconcile failed")
		http.Error(w, "Reconcile failed", http.StatusInternalServerError)
	}
}
