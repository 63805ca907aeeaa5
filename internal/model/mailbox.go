package model

import "time"

// MailboxEventType tags a discrete status event.
type MailboxEventType string

const (
	EventDisconnected     MailboxEventType = "disconnected"
	EventReconnected      MailboxEventType = "reconnected"
	EventSessionPaused    MailboxEventType = "session_paused"
	EventSessionResumed   MailboxEventType = "session_resumed"
	EventDurationChanged  MailboxEventType = "duration_changed"
	EventSubmitted        MailboxEventType = "submitted"
	EventSessionCompleted MailboxEventType = "session_completed"
	EventSessionCancelled MailboxEventType = "session_cancelled"
)

// MailboxEvent is a best-effort notification consumed by the next status read.
type MailboxEvent struct {
	Type    MailboxEventType `json:"type"`
	Message string           `json:"message,omitempty"`
	At      time.Time        `json:"at"`
}
