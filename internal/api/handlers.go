// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/riffbench/riffbench/internal/admission"
	"github.com/riffbench/riffbench/internal/broker"
	"github.com/riffbench/riffbench/internal/core"
	"github.com/riffbench/riffbench/internal/log"
	"github.com/riffbench/riffbench/internal/model"
	"github.com/riffbench/riffbench/internal/store"
)

// maxBodyBytes bounds request bodies; shootout drafts are small.
const maxBodyBytes = 1 << 20

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps core errors to HTTP statuses. Validation errors keep their
// {field, reason} shape.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *admission.InvalidShootoutError
	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, invalid)
	case errors.Is(err, core.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden"})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	case errors.Is(err, store.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody{Error: "conflict"})
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, broker.ErrUnavailable):
		lg := log.WithContext(r.Context(), log.WithComponent("api"))
		lg.Error().Err(err).Msg("backend unavailable")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "temporarily unavailable"})
	default:
		lg := log.WithContext(r.Context(), log.WithComponent("api"))
		lg.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal"})
	}
}

func owner(r *http.Request) string {
	return log.OwnerIDFromContext(r.Context())
}

func (s *Server) handleSubmitShootout(w http.ResponseWriter, r *http.Request) {
	var draft admission.Draft
	body := io.LimitReader(r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&draft); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed json"})
		return
	}
	jobID, err := s.core.SubmitShootout(r.Context(), owner(r), draft)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.core.GetJob(r.Context(), owner(r), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{Status: model.JobStatus(q.Get("status"))}
	page := store.Page{}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			page.Offset = n
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page.Limit = n
		}
	}
	jobs, err := s.core.ListJobs(r.Context(), owner(r), filter, page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.core.CancelJob(r.Context(), owner(r), chi.URLParam(r, "jobID")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

type credentialBody struct {
	AccessToken     string `json:"access_token"`
	RefreshToken    string `json:"refresh_token"`
	AccessExpiresAt int64  `json:"access_expires_at"`
}

func (s *Server) handleStoreCredential(w http.ResponseWriter, r *http.Request) {
	var body credentialBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed json"})
		return
	}
	if body.RefreshToken == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "refresh_token required"})
		return
	}
	if body.AccessExpiresAt == 0 {
		// No usable access token; force a refresh on first use.
		body.AccessExpiresAt = time.Now().Unix()
	}
	err := s.core.StoreCredential(r.Context(), owner(r), model.Credential{
		AccessToken:     body.AccessToken,
		RefreshToken:    body.RefreshToken,
		AccessExpiresAt: body.AccessExpiresAt,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevokeCredential(w http.ResponseWriter, r *http.Request) {
	if err := s.core.RevokeCredential(r.Context(), owner(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
