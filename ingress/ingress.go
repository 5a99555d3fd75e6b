// Package ingress is the webhook intake surface. It verifies provider
// signatures, resolves senders to users, persists inbound messages and
// enqueues ingest jobs. Acceptance is durable before the provider sees a
// success response; everything past the queue write happens in workers.
package ingress

import (
	"log/slog"
	"net/http"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/go-chi/chi/v5"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/relance/idgen"
	"github.com/hazyhaar/relance/observability"
	"github.com/hazyhaar/relance/store"
	"github.com/hazyhaar/relance/vtq"
)

// Config holds the webhook verification material. Empty secrets disable
// signature checks (dev mode).
type Config struct {
	EmailSecret     string
	ChatSecret      string
	ChatVerifyToken string
	Logger          *slog.Logger
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Server handles the webhook endpoints.
type Server struct {
	cfg      Config
	store    *store.Store
	queue    *vtq.Q
	metrics  *observability.Metrics
	newID    idgen.Generator
	log      *slog.Logger
	sanitize *bluemonday.Policy
	strip    *bluemonday.Policy
	mdConv   *converter.Converter
}

// New creates the ingress server.
func New(st *store.Store, queue *vtq.Q, metrics *observability.Metrics, cfg Config) *Server {
	cfg.defaults()
	return &Server{
		cfg:      cfg,
		store:    st,
		queue:    queue,
		metrics:  metrics,
		newID:    idgen.Prefixed("inb_", idgen.Default),
		log:      cfg.Logger,
		sanitize: bluemonday.UGCPolicy(),
		strip:    bluemonday.StrictPolicy(),
		mdConv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Router assembles the webhook routes under the given middleware.
func (s *Server) Router(middleware ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	for _, mw := range middleware {
		r.Use(mw)
	}
	r.Get("/healthz", s.handleHealthz)
	r.Post("/webhook/email", s.handleEmail)
	r.Get("/webhook/chat", s.handleChatChallenge)
	r.Post("/webhook/chat", s.handleChat)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DB.PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
