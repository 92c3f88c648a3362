package bus

import (
	"time"

	"github.com/google/uuid"
)

// MessageType routes subscription-based delivery.
type MessageType string

const (
	TypeTaskRequest           MessageType = "task_request"
	TypeTaskResponse          MessageType = "task_response"
	TypeCollaborationRequest  MessageType = "collaboration_request"
	TypeCollaborationResponse MessageType = "collaboration_response"
	TypeStatusUpdate          MessageType = "status_update"
	TypeResourceRequest       MessageType = "resource_request"
	TypeResourceResponse      MessageType = "resource_response"
	TypeConflictNotification  MessageType = "conflict_notification"
	TypeSystemBroadcast       MessageType = "system_broadcast"
	TypeHeartbeat             MessageType = "heartbeat"
)

// Priority orders message importance.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Message is an addressed, typed envelope. ID and CreatedAt never change
// after construction.
type Message struct {
	ID               string         `json:"id"`
	SenderID         string         `json:"sender_id"`
	RecipientID      string         `json:"recipient_id,omitempty"` // empty means broadcast
	Type             MessageType    `json:"type"`
	Priority         Priority       `json:"priority"`
	Payload          map[string]any `json:"payload"`
	CreatedAt        time.Time      `json:"created_at"`
	ExpiresAt        *time.Time     `json:"expires_at,omitempty"`
	CorrelationID    string         `json:"correlation_id,omitempty"`
	RequiresResponse bool           `json:"requires_response,omitempty"`
}

// NewMessage builds a message with a fresh id and timestamp.
func NewMessage(sender, recipient string, t MessageType, p Priority, payload map[string]any) *Message {
	return &Message{
		ID:          uuid.New().String(),
		SenderID:    sender,
		RecipientID: recipient,
		Type:        t,
		Priority:    p,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	}
}

// Doc flattens the message for the journal.
func (m *Message) Doc() map[string]any {
	doc := map[string]any{
		"id":         m.ID,
		"sender_id":  m.SenderID,
		"type":       string(m.Type),
		"priority":   string(m.Priority),
		"payload":    m.Payload,
		"created_at": m.CreatedAt.Format(time.RFC3339Nano),
	}
	if m.RecipientID != "" {
		doc["recipient_id"] = m.RecipientID
	}
	if m.ExpiresAt != nil {
		doc["expires_at"] = m.ExpiresAt.Format(time.RFC3339Nano)
	}
	if m.CorrelationID != "" {
		doc["correlation_id"] = m.CorrelationID
	}
	if m.RequiresResponse {
		doc["requires_response"] = true
	}
	return doc
}
