package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/stewardhq/steward/internal/streaming"
)

// bridgedEventTypes are the stream events pushed to connected clients.
// Reviewers care about new approvals; requesters about run outcomes.
var bridgedEventTypes = []string{
	"approval_required",
	"approval_decided",
	"approval_expired",
	"run_completed",
	"run_failed",
	"run_rejected",
	"run_timed_out",
	"run_cancelled",
}

// StartEventBridge subscribes to the event hub and pushes matching
// events to every session the registry knows about, as
// notifications/message. Runs until the context is cancelled.
// Best-effort: delivery failures are logged, never retried.
func (s *StewardServer) StartEventBridge(ctx context.Context) error {
	if s.hub == nil {
		return nil
	}
	events, unsubscribe, err := s.hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: bridgedEventTypes,
	})
	if err != nil {
		return err
	}

	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				s.pushEvent(ev)
			}
		}
	}()
	s.logger.Info("mcp event bridge started")
	return nil
}

// notificationPayload flattens a stream event into the notification
// body. Publisher payloads are maps; anything else is carried under a
// "payload" key untouched.
func notificationPayload(ev streaming.StreamEvent) map[string]any {
	payload := map[string]any{
		"event_type": ev.EventType,
		"run_id":     ev.RunID,
	}
	if ev.Stage != "" {
		payload["stage"] = ev.Stage
	}
	switch p := ev.Payload.(type) {
	case nil:
	case map[string]any:
		for k, v := range p {
			payload[k] = v
		}
	default:
		payload["payload"] = p
	}
	return payload
}

func (s *StewardServer) pushEvent(ev streaming.StreamEvent) {
	payload := notificationPayload(ev)
	for _, sessionID := range s.sessions.All() {
		err := s.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
		if errors.Is(err, server.ErrSessionNotFound) {
			// Session expired between snapshot and send.
			s.sessions.Remove(sessionID)
			continue
		}
		if err != nil {
			s.logger.Warn("failed to push event notification",
				slog.String("event_type", ev.EventType), slog.Any("error", err))
		}
	}
}
