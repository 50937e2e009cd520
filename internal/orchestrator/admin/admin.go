// Package admin is the orchestrator's operator surface: inspect tracked
// workers, evict one, flip the rate limit kill switch, and change the
// log level at runtime. Every route requires a bearer token checked
// against a bcrypt hash from config.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/chatwright/chatwright/internal/frames"
	"github.com/chatwright/chatwright/internal/logging"
	"github.com/chatwright/chatwright/internal/orchestrator/ratelimit"
	"github.com/chatwright/chatwright/internal/orchestrator/reconcile"
	"github.com/chatwright/chatwright/internal/orchestrator/workload"
	"github.com/chatwright/chatwright/internal/util/sanitize"
	"github.com/chatwright/chatwright/internal/util/timefmt"
)

// Handler serves the admin API.
type Handler struct {
	registry  *reconcile.Registry
	workload  workload.Client
	limiter   ratelimit.Limiter
	settings  *ratelimit.Settings
	tokenHash string
	log       *slog.Logger
}

// New returns a Handler. tokenHash is the bcrypt hash of the admin
// bearer token.
func New(registry *reconcile.Registry, wl workload.Client, limiter ratelimit.Limiter, settings *ratelimit.Settings, tokenHash string) *Handler {
	return &Handler{
		registry:  registry,
		workload:  wl,
		limiter:   limiter,
		settings:  settings,
		tokenHash: tokenHash,
		log:       slog.With("component", "admin"),
	}
}

// Mount registers the admin routes on mux.
func (h *Handler) Mount(mux *http.ServeMux) {
	mux.Handle("GET /admin/workers", h.requireToken(http.HandlerFunc(h.listWorkers)))
	mux.Handle("DELETE /admin/workers/{userId}", h.requireToken(http.HandlerFunc(h.deleteWorker)))
	mux.Handle("POST /admin/ratelimit", h.requireToken(http.HandlerFunc(h.setRateLimit)))
	mux.Handle("POST /admin/loglevel", h.requireToken(http.HandlerFunc(h.setLogLevel)))
}

// requireToken rejects requests whose bearer token does not match the
// configured hash.
func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := tokenFromHeader(r.Header.Get("Authorization"))
		if token == "" || bcrypt.CompareHashAndPassword([]byte(h.tokenHash), []byte(token)) != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// tokenFromHeader extracts a Bearer token from an Authorization header.
func tokenFromHeader(authHeader string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(authHeader, prefix) {
		return strings.TrimPrefix(authHeader, prefix)
	}
	return ""
}

type workerView struct {
	UserID         string `json:"userId"`
	DeploymentName string `json:"deploymentName"`
	State          string `json:"state"`
	LastMessageAt  string `json:"lastMessageAt"`
}

func (h *Handler) listWorkers(w http.ResponseWriter, _ *http.Request) {
	workers := h.registry.List()
	views := make([]workerView, 0, len(workers))
	for _, uw := range workers {
		views = append(views, workerView{
			UserID:         uw.UserID,
			DeploymentName: uw.DeploymentName,
			State:          string(uw.State),
			LastMessageAt:  timefmt.Format(uw.LastMessageAt),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": views})
}

// deleteWorker evicts a user's worker: deployment, registry entry and
// rate limit history. Works for tracked workers and for stray
// deployments the registry no longer knows.
func (h *Handler) deleteWorker(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	key := sanitize.Ident(userID)
	name := frames.DeploymentName(userID)

	_, tracked := h.registry.Get(key)
	err := h.workload.DeleteDeployment(r.Context(), name)
	if err != nil && !errors.Is(err, workload.ErrNotFound) {
		h.log.Error("admin delete worker", "deployment", name, "error", err)
		http.Error(w, "delete failed", http.StatusInternalServerError)
		return
	}
	if !tracked && errors.Is(err, workload.ErrNotFound) {
		http.Error(w, "no such worker", http.StatusNotFound)
		return
	}

	h.registry.Delete(key)
	if rerr := h.limiter.Reset(r.Context(), userID); rerr != nil {
		h.log.Warn("rate limit reset failed", "userId", userID, "error", rerr)
	}
	h.log.Info("worker deleted by admin", "userId", userID, "deployment", name)
	w.WriteHeader(http.StatusNoContent)
}

type rateLimitReq struct {
	Enabled *bool `json:"enabled"`
}

func (h *Handler) setRateLimit(w http.ResponseWriter, r *http.Request) {
	var req rateLimitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		http.Error(w, "body must be {\"enabled\": bool}", http.StatusBadRequest)
		return
	}
	h.settings.SetEnabled(*req.Enabled)
	h.log.Info("rate limit toggled", "enabled", *req.Enabled)
	writeJSON(w, http.StatusOK, map[string]any{"enabled": *req.Enabled})
}

type logLevelReq struct {
	Level string `json:"level"`
}

func (h *Handler) setLogLevel(w http.ResponseWriter, r *http.Request) {
	var req logLevelReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Level == "" {
		http.Error(w, "body must be {\"level\": \"debug|info|warn|error\"}", http.StatusBadRequest)
		return
	}
	level, err := logging.ParseLevel(req.Level)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	logging.SetLevel(level)
	h.log.Info("log level changed", "level", req.Level)
	writeJSON(w, http.StatusOK, map[string]any{"level": strings.ToLower(level.String())})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
