// Package api exposes the approval gate and pipeline status to
// administrators over HTTP and MCP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/affbot/internal/approval"
	"github.com/kalambet/affbot/internal/storage"
)

const maxRequestBodySize = 64 << 10 // 64KB

// AdminDeps holds the dependencies of the admin HTTP and MCP surfaces.
type AdminDeps struct {
	Store *storage.Store
	Gate  *approval.Gate
	Token string
	// QueueDepths reports in-memory queue lengths; optional.
	QueueDepths func() (classify, enrich int)
}

// ApproveRequest is the body of POST /needs/{seq}/approve.
type ApproveRequest struct {
	AffiliateLink string `json:"affiliate_link"`
}

// Stats summarizes the pipeline for operators.
type Stats struct {
	Needs     map[storage.Status]int `json:"needs"`
	WorkItems map[storage.Stage]int  `json:"work_items"`
	Queues    *QueueStats            `json:"queues,omitempty"`
}

type QueueStats struct {
	Classify int `json:"classify"`
	Enrich   int `json:"enrich"`
}

// NewAdminHandler returns the admin router. Everything except /health
// requires the bearer token.
func NewAdminHandler(deps AdminDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Get("/needs", handleListNeeds(deps))
		r.Get("/needs/{seq}", handleGetNeed(deps))
		r.Post("/needs/{seq}/approve", handleApprove(deps))
		r.Delete("/needs/{seq}", handleReject(deps))
		r.Get("/work-items", handleListWorkItems(deps))
		r.Get("/stats", handleStats(deps))
	})
	return r
}

func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if token == "" || !strings.HasPrefix(auth, prefix) ||
				subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleListNeeds(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := storage.Status(r.URL.Query().Get("status"))
		if status == "" {
			status = storage.StatusPending
		}
		if !status.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", status)
			return
		}
		limit := parseIntParam(r, "limit", 100, 1000)

		needs, err := deps.Store.ListNeeds(r.Context(), status, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list needs: %v", err)
			return
		}
		if needs == nil {
			needs = []storage.NeedRecord{}
		}
		writeJSON(w, http.StatusOK, needs)
	}
}

func handleGetNeed(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		seq, ok := seqParam(w, r)
		if !ok {
			return
		}
		n, err := deps.Store.GetNeed(r.Context(), seq)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "need %d not found", seq)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get need: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, n)
	}
}

func handleApprove(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		seq, ok := seqParam(w, r)
		if !ok {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ApproveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		approved, err := deps.Gate.Approve(r.Context(), seq, req.AffiliateLink)
		if errors.Is(err, approval.ErrInvalidLink) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to approve: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sequence_id": seq, "approved": approved})
	}
}

func handleReject(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		seq, ok := seqParam(w, r)
		if !ok {
			return
		}
		deleted, err := deps.Gate.Reject(r.Context(), seq)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sequence_id": seq, "deleted": deleted})
	}
}

func handleListWorkItems(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stage := storage.Stage(r.URL.Query().Get("stage"))
		if stage == "" {
			stage = storage.StageDropped
		}
		switch stage {
		case storage.StageClassify, storage.StageEnrich, storage.StageDone, storage.StageDropped:
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown stage %q", stage)
			return
		}
		items, err := deps.Store.ListWorkItems(r.Context(), stage)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list work items: %v", err)
			return
		}
		if items == nil {
			items = []storage.WorkItem{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func handleStats(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := collectStats(r.Context(), deps)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func collectStats(ctx context.Context, deps AdminDeps) (Stats, error) {
	needs, err := deps.Store.CountNeeds(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("counting needs: %w", err)
	}
	items, err := deps.Store.CountWorkItems(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("counting work items: %w", err)
	}
	stats := Stats{Needs: needs, WorkItems: items}
	if deps.QueueDepths != nil {
		c, e := deps.QueueDepths()
		stats.Queues = &QueueStats{Classify: c, Enrich: e}
	}
	return stats, nil
}

func seqParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "seq")
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq <= 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid sequence id %q", raw)
		return 0, false
	}
	return seq, true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
