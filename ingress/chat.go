package ingress

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hazyhaar/relance/store"
)

// chatWebhook is the provider's batch envelope. One HTTP delivery can carry
// several messages across entries and changes; each is processed on its own.
type chatWebhook struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []chatInboundMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type chatInboundMessage struct {
	ID   string `json:"id"`
	From string `json:"from"`
	Type string `json:"type"`
	Text struct {
		Body string `json:"body"`
	} `json:"text"`
}

// handleChatChallenge answers the provider's subscription handshake.
func (s *Server) handleChatChallenge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && q.Get("hub.verify_token") == s.cfg.ChatVerifyToken && s.cfg.ChatVerifyToken != "" {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, q.Get("hub.challenge"))
		return
	}
	writeError(w, http.StatusForbidden, fmt.Errorf("verification failed"))
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}

	if !verifySignature(s.cfg.ChatSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("signature mismatch"))
		return
	}

	var ev chatWebhook
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}

	// Partial failure must not roll back siblings: each message settles
	// independently, and any persistence error fails the whole delivery so
	// the provider redelivers (already-persisted siblings dedup).
	type chatResult struct {
		MessageID string `json:"message_id"`
		acceptResult
	}
	var results []chatResult
	for _, entry := range ev.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				if msg.Type != "text" || strings.TrimSpace(msg.Text.Body) == "" {
					results = append(results, chatResult{
						MessageID:    msg.ID,
						acceptResult: acceptResult{Status: StatusIgnored, Reason: "unsupported_type"},
					})
					continue
				}
				res, err := s.accept(r.Context(), acceptRequest{
					Channel:           store.ChannelChat,
					Sender:            msg.From,
					ProviderMessageID: msg.ID,
					Text:              msg.Text.Body,
				})
				if err != nil {
					s.log.Error("ingress: chat intake failed", "message_id", msg.ID, "error", err)
					writeError(w, http.StatusInternalServerError, fmt.Errorf("intake failed"))
					return
				}
				results = append(results, chatResult{MessageID: msg.ID, acceptResult: *res})
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
