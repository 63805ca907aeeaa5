// Package notify delivers proctoring alerts and live monitor events.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AlertType names an admin alert.
type AlertType string

const (
	AlertCandidateDisconnected AlertType = "candidate_disconnected"
	AlertExpiryFailed          AlertType = "expiry_failed"
)

// Alert is an admin-facing notification about a candidate.
type Alert struct {
	Type         AlertType `json:"type"`
	SessionID    uuid.UUID `json:"session_id"`
	EnrollmentID uuid.UUID `json:"enrollment_id"`
	CandidateID  int       `json:"candidate_id"`
	Message      string    `json:"message,omitempty"`
	At           time.Time `json:"at"`
}

// Sink receives admin alerts. Delivery is fire-and-forget.
type Sink interface {
	Alert(ctx context.Context, a Alert)
}

// MonitorEvent is a state change streamed to the admin monitor feed.
type MonitorEvent struct {
	Type          string    `json:"type"`
	SessionID     uuid.UUID `json:"session_id"`
	EnrollmentID  uuid.UUID `json:"enrollment_id,omitempty"`
	CandidateID   int       `json:"candidate_id,omitempty"`
	Status        string    `json:"status,omitempty"`
	TimeRemaining *int64    `json:"time_remaining,omitempty"`
	At            time.Time `json:"at"`
}

// Monitor publishes live state changes per session.
type Monitor interface {
	Publish(ctx context.Context, ev MonitorEvent)
}

// Multi fans one alert out to several sinks.
type Multi []Sink

func (m Multi) Alert(ctx context.Context, a Alert) {
	for _, s := range m {
		if s != nil {
			s.Alert(ctx, a)
		}
	}
}

// NopMonitor discards monitor events.
type NopMonitor struct{}

func (NopMonitor) Publish(context.Context, MonitorEvent) {}
