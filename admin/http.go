package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"
)

// Router builds the admin HTTP surface. middleware runs outermost, before
// auth; pass shield.InternalStack() there. The MCP handler is mounted at
// /mcp behind the same auth.
func (s *Service) Router(middleware ...func(http.Handler) http.Handler) http.Handler {
	if s.cfg.Token == "" {
		s.log.Warn("admin: no token configured, auth disabled")
	}

	r := chi.NewRouter()
	for _, mw := range middleware {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := s.store.DB.PingContext(req.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/tasks", s.handleListTasks)
			r.Get("/tasks/{id}", s.handleGetTask)
			r.Get("/tasks/{id}/events", s.handleTaskEvents)
			r.Post("/tasks/{id}/retry", s.handleRetryTask)
			r.Get("/outbox", s.handleListOutbox)
			r.Post("/outbox/{id}/retry", s.handleRetryOutbox)
			r.Post("/retention/sweep", s.handleSweep)
			r.Get("/metrics", s.handleSnapshot)
		})

		mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "relance-admin", Version: "1.0.0"}, nil)
		s.RegisterMCP(mcpSrv)
		r.Handle("/mcp", mcp.NewStreamableHTTPHandler(
			func(*http.Request) *mcp.Server { return mcpSrv }, nil))
	})

	return r
}

func (s *Service) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := bearerToken(r)
		if !ok || !s.tokenMatches(token) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, errors.New("missing or invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return h[len(prefix):], true
}

// tokenMatches compares the presented token against the configured value: a
// bcrypt hash when it looks like one, constant-time equality otherwise.
func (s *Service) tokenMatches(token string) bool {
	cfg := s.cfg.Token
	if strings.HasPrefix(cfg, "$2a$") || strings.HasPrefix(cfg, "$2b$") || strings.HasPrefix(cfg, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(cfg), []byte(token)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(cfg), []byte(token)) == 1
}

func (s *Service) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.ListTasks(r.Context(), r.URL.Query().Get("status"), queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Service) handleGetTask(w http.ResponseWriter, r *http.Request) {
	detail, err := s.GetTaskDetail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Service) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.TaskEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Service) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.RetryTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Service) handleListOutbox(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.ListOutbox(r.Context(), r.URL.Query().Get("status"), queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outbox": msgs, "count": len(msgs)})
}

func (s *Service) handleRetryOutbox(w http.ResponseWriter, r *http.Request) {
	msg, err := s.RetryOutbox(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Service) handleSweep(w http.ResponseWriter, r *http.Request) {
	n, err := s.SweepRetention(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"redacted": n})
}

func (s *Service) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.PipelineSnapshot(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
