package ingress

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hazyhaar/relance/store"
)

type emailWebhook struct {
	MessageID string `json:"messageId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	TextBody  string `json:"textBody"`
	HTMLBody  string `json:"htmlBody"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleEmail(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}

	if !verifySignature(s.cfg.EmailSecret, body, r.Header.Get("X-Webhook-Signature")) {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("signature mismatch"))
		return
	}

	var ev emailWebhook
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if ev.MessageID == "" || ev.From == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("messageId and from are required"))
		return
	}

	text := strings.TrimSpace(ev.TextBody)
	if text == "" && ev.HTMLBody != "" {
		text = s.htmlToText(ev.HTMLBody)
	}
	if text == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("message has no text"))
		return
	}
	if ev.Subject != "" {
		text = "Subject: " + ev.Subject + "\n\n" + text
	}

	res, err := s.accept(r.Context(), acceptRequest{
		Channel:           store.ChannelEmail,
		Sender:            ev.From,
		ProviderMessageID: ev.MessageID,
		Text:              text,
	})
	if err != nil {
		s.log.Error("ingress: email intake failed", "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("intake failed"))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// htmlToText turns an HTML email body into extractable text: sanitize
// first, then convert to markdown-ish plain text. Conversion failures fall
// back to a bare tag strip.
func (s *Server) htmlToText(html string) string {
	clean := s.sanitize.Sanitize(html)
	md, err := s.mdConv.ConvertString(clean)
	if err != nil || strings.TrimSpace(md) == "" {
		return strings.TrimSpace(s.strip.Sanitize(html))
	}
	return strings.TrimSpace(md)
}
