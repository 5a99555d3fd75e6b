package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/hazyhaar/relance/ingest"
	"github.com/hazyhaar/relance/observability"
	"github.com/hazyhaar/relance/redact"
	"github.com/hazyhaar/relance/store"
)

// Acceptance statuses returned to providers.
const (
	StatusAccepted  = "accepted"
	StatusDuplicate = "duplicate"
	StatusIgnored   = "ignored"
)

// acceptRequest is one provider event normalized by the channel handlers.
type acceptRequest struct {
	Channel           string
	Sender            string
	ProviderMessageID string
	Text              string
}

// acceptResult is the per-event outcome.
type acceptResult struct {
	Status    string `json:"status"`
	InboundID string `json:"inbound_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// accept runs the intake sequence: resolve the sender, persist the inbound
// row, enqueue the ingest job. The inbound UNIQUE constraint is the
// authoritative dedup; the queue's identity dedup is the second layer.
func (s *Server) accept(ctx context.Context, req acceptRequest) (*acceptResult, error) {
	user, err := s.store.ResolveUser(ctx, req.Channel, req.Sender)
	if err != nil {
		return nil, fmt.Errorf("resolve sender: %w", err)
	}
	if user == nil {
		s.metrics.Count(observability.MetricInboundIgnored)
		s.log.Info("ingress: unknown sender ignored", "channel", req.Channel)
		return &acceptResult{Status: StatusIgnored, Reason: "unknown_sender"}, nil
	}

	m := &store.InboundMessage{
		ID:                s.newID(),
		UserID:            user.ID,
		Channel:           req.Channel,
		ProviderMessageID: req.ProviderMessageID,
		RawTextRedacted:   redact.Text(req.Text),
	}

	err = s.store.InsertInbound(ctx, m)
	if errors.Is(err, store.ErrDuplicateInbound) {
		s.metrics.Count(observability.MetricInboundDuplicate)
		// A redelivery can arrive after the row was persisted but before
		// the ingest job made it to the queue (crash between the two
		// writes). Re-publishing under the same identity heals that gap:
		// the queue ignores it while the original job is still live, and
		// the ingest handler no-ops on processed rows.
		if prior, lookupErr := s.store.GetInboundByKey(ctx, m.IdempotencyKey); lookupErr == nil && prior != nil && prior.Status == store.InboundReceived {
			if pubErr := s.enqueueIngest(ctx, prior); pubErr != nil {
				s.log.Warn("ingress: republish on duplicate failed", "inbound_id", prior.ID, "error", pubErr)
			}
		}
		return &acceptResult{Status: StatusDuplicate}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persist inbound: %w", err)
	}

	if err := s.enqueueIngest(ctx, m); err != nil {
		// The row is durable but the job is not; fail the request so the
		// provider redelivers and the duplicate path re-publishes.
		return nil, fmt.Errorf("enqueue ingest: %w", err)
	}

	s.metrics.Count(observability.MetricInboundAccepted)
	s.log.Info("ingress: inbound accepted",
		"inbound_id", m.ID, "user_id", user.ID, "channel", req.Channel)
	return &acceptResult{Status: StatusAccepted, InboundID: m.ID}, nil
}

func (s *Server) enqueueIngest(ctx context.Context, m *store.InboundMessage) error {
	payload, err := json.Marshal(ingest.Job{InboundID: m.ID, UserID: m.UserID})
	if err != nil {
		return err
	}
	return s.queue.Publish(ctx, m.IdempotencyKey, payload)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
