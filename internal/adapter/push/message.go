package push

import (
	"time"

	"github.com/cterryc/pyme-sub001/internal/domain"
)

// Message types carried in the "type" field.
const (
	TypeStatusChanged = "status_changed"
	TypeHeartbeat     = "heartbeat"
)

// Message is one record written to a push connection.
type Message struct {
	Type      string        `json:"type"`
	ID        string        `json:"id,omitempty"`
	NewStatus domain.Status `json:"newStatus,omitempty"`
	UpdatedAt *time.Time    `json:"updatedAt,omitempty"`
}

// FromEvent builds the wire message for a status change.
func FromEvent(ev domain.StatusChangeEvent) Message {
	at := ev.Timestamp.UTC()
	return Message{
		Type:      TypeStatusChanged,
		ID:        ev.ApplicationID,
		NewStatus: ev.NewStatus,
		UpdatedAt: &at,
	}
}

func heartbeatMessage() Message {
	return Message{Type: TypeHeartbeat}
}
