package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ahg-platform/be-workflow/internal/natsclient"
)

// NotificationPublisher publishes workflow events to NATS for the platform
// notifications service.
//
// Subject convention: workflow.<event_type>
// Event types: started, claimed, released, approved, rejected, sent_back,
//              completed, cancelled
//
// All publish operations are non-fatal: errors are logged but never
// propagated, so notification failures never interrupt workflow transitions.
type NotificationPublisher struct {
	nats *natsclient.Client
	log  zerolog.Logger
}

// WorkflowEvent is the JSON schema published to NATS.
type WorkflowEvent struct {
	EventType  string                 `json:"event_type"`
	InstanceID string                 `json:"instance_id"`
	TaskID     string                 `json:"task_id,omitempty"`
	ObjectID   string                 `json:"object_id"`
	ObjectType string                 `json:"object_type"`
	ActorID    string                 `json:"actor_id"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// client. A nil client disables publishing.
func NewNotificationPublisher(nats *natsclient.Client, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{nats: nats, log: log}
}

// Publish emits one workflow event. Subject: workflow.<eventType>
func (p *NotificationPublisher) Publish(ctx context.Context, event *WorkflowEvent) {
	if p.nats == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", event.EventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("workflow.%s", event.EventType)
	if err := p.nats.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("instance_id", event.InstanceID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("instance_id", event.InstanceID).
		Msg("notification: event published")
}
