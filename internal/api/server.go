// Package api provides the HTTP surface for the skill-optimization
// runtime: the C5 invoke endpoint and thin CRUD wrappers over the
// Storage port for skills, clusters, and arms.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skillopt/skillopt/internal/domain"
)

// Pipeline is the narrow interface the invoke handler depends on — the
// concrete internal/pipeline.Pipeline satisfies it. Depending on this
// interface rather than the concrete type avoids an api->pipeline
// import for anything beyond the one method the HTTP surface needs.
type Pipeline interface {
	HandleRequest(ctx context.Context, skill domain.Skill, requestBody string) (string, error)
}

// Server is the skilloptd HTTP API server.
type Server struct {
	storage        domain.Storage
	pipeline       Pipeline
	metricsEnabled bool
}

// NewServer creates a new API server.
func NewServer(storage domain.Storage, pipeline Pipeline) *Server {
	return &Server{storage: storage, pipeline: pipeline}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/v1/skills", func(r chi.Router) {
		r.Post("/", s.handleCreateSkill)
		r.Get("/", s.handleListSkills)
		r.Route("/{skillID}", func(r chi.Router) {
			r.Get("/", s.handleGetSkill)
			r.Put("/", s.handleUpdateSkill)
			r.Delete("/", s.handleDeleteSkill)
			r.Post("/invoke", s.handleInvoke)

			r.Route("/clusters", func(r chi.Router) {
				r.Get("/", s.handleListClusters)
				r.Route("/{clusterID}", func(r chi.Router) {
					r.Get("/", s.handleGetCluster)
					r.Get("/arms", s.handleListArms)
				})
			})
		})
	})

	r.Route("/v1/arms/{armID}", func(r chi.Router) {
		r.Get("/", s.handleGetArm)
	})

	return r
}

// ─── Invoke (C5) ─────────────────────────────────────────────────────────────

type invokeRequest struct {
	Request string `json:"request"`
}

type invokeResponse struct {
	Response string `json:"response"`
}

// handleInvoke implements POST /v1/skills/{skillID}/invoke — C5's
// HandleRequest contract exposed over HTTP.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	skillID := chi.URLParam(r, "skillID")
	skill, err := s.storage.GetSkill(r.Context(), skillID)
	if err != nil {
		writeStorageError(w, err)
		return
	}

	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	resp, err := s.pipeline.HandleRequest(r.Context(), skill, req.Request)
	if err != nil {
		if errors.Is(err, domain.ErrUpstreamFailure) {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, invokeResponse{Response: resp})
}

// ─── Skill CRUD ──────────────────────────────────────────────────────────────

func (s *Server) handleCreateSkill(w http.ResponseWriter, r *http.Request) {
	var skill domain.Skill
	if err := json.NewDecoder(r.Body).Decode(&skill); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if skill.ID == "" {
		skill.ID = uuid.NewString()
	}
	now := time.Now()
	skill.CreatedAt = now
	skill.UpdatedAt = now

	if err := skill.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.storage.UpsertSkill(r.Context(), skill); err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, skill)
}

func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	// The Storage port exposes per-id lookups, not a list-all — the admin
	// surface is expected to track ids it created. Listing across all
	// skills is intentionally out of scope (spec.md non-goal: no
	// cross-skill dashboard).
	writeError(w, http.StatusNotImplemented, "listing all skills is not supported; fetch by id")
}

func (s *Server) handleGetSkill(w http.ResponseWriter, r *http.Request) {
	skillID := chi.URLParam(r, "skillID")
	skill, err := s.storage.GetSkill(r.Context(), skillID)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, skill)
}

func (s *Server) handleUpdateSkill(w http.ResponseWriter, r *http.Request) {
	skillID := chi.URLParam(r, "skillID")
	existing, err := s.storage.GetSkill(r.Context(), skillID)
	if err != nil {
		writeStorageError(w, err)
		return
	}

	var patch domain.Skill
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	patch.ID = existing.ID
	patch.CreatedAt = existing.CreatedAt
	patch.UpdatedAt = time.Now()

	if err := patch.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.storage.UpsertSkill(r.Context(), patch); err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, patch)
}

func (s *Server) handleDeleteSkill(w http.ResponseWriter, r *http.Request) {
	skillID := chi.URLParam(r, "skillID")
	if err := s.storage.DeleteSkill(r.Context(), skillID); err != nil {
		writeStorageError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Cluster / Arm read-only CRUD ────────────────────────────────────────────

func (s *Server) handleListClusters(w http.ResponseWriter, r *http.Request) {
	skillID := chi.URLParam(r, "skillID")
	clusters, err := s.storage.ListClustersForSkill(r.Context(), skillID)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clusters)
}

func (s *Server) handleGetCluster(w http.ResponseWriter, r *http.Request) {
	clusterID := chi.URLParam(r, "clusterID")
	cluster, err := s.storage.GetCluster(r.Context(), clusterID)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster)
}

func (s *Server) handleListArms(w http.ResponseWriter, r *http.Request) {
	clusterID := chi.URLParam(r, "clusterID")
	arms, err := s.storage.ListArmsForCluster(r.Context(), clusterID)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, arms)
}

func (s *Server) handleGetArm(w http.ResponseWriter, r *http.Request) {
	armID := chi.URLParam(r, "armID")
	arm, err := s.storage.GetArm(r.Context(), armID)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, arm)
}

// ─── Shared helpers ──────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "error",
		},
	})
}

func writeStorageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflictingUpdate):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
