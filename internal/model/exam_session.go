package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates exam session states.
type SessionStatus string

const (
	SessionStatusScheduled SessionStatus = "scheduled"
	SessionStatusOngoing   SessionStatus = "ongoing"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusCancelled
}

// Running reports whether the session has started and not yet ended.
func (s SessionStatus) Running() bool {
	return s == SessionStatusOngoing || s == SessionStatusPaused
}

// ExamSession is one timed administration of an exam to a hall/group.
type ExamSession struct {
	ID           uuid.UUID     `json:"id"`
	ExamID       uuid.UUID     `json:"exam_id"`
	Name         string        `json:"name"`
	BaseStart    time.Time     `json:"base_start"`
	BaseDuration time.Duration `json:"-"`
	Status       SessionStatus `json:"status"`
	PauseStart   *time.Time    `json:"pause_start,omitempty"`
	TotalPaused  time.Duration `json:"-"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// PausedAt returns the accumulated pause time including a pause still running at now.
func (s *ExamSession) PausedAt(now time.Time) time.Duration {
	total := s.TotalPaused
	if s.Status == SessionStatusPaused && s.PauseStart != nil && now.After(*s.PauseStart) {
		total += now.Sub(*s.PauseStart)
	}
	return total
}

// ExpectedEnd is base_start + base_duration + every pause so far.
func (s *ExamSession) ExpectedEnd(now time.Time) time.Time {
	return s.BaseStart.Add(s.BaseDuration).Add(s.PausedAt(now))
}

// SessionView is the API projection of a session with its derived end.
type SessionView struct {
	*ExamSession
	BaseDurationSeconds int64            `json:"base_duration_seconds"`
	TotalPausedSeconds  int64            `json:"total_paused_seconds"`
	ExpectedEnd         time.Time        `json:"expected_end"`
	Halls               []HallAssignment `json:"halls,omitempty"`
}

// View builds the API projection at now.
func (s *ExamSession) View(now time.Time) SessionView {
	return SessionView{
		ExamSession:         s,
		BaseDurationSeconds: int64(s.BaseDuration / time.Second),
		TotalPausedSeconds:  int64(s.PausedAt(now) / time.Second),
		ExpectedEnd:         s.ExpectedEnd(now),
	}
}

// HallAssignment places part of a session in a physical hall.
type HallAssignment struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	HallName  string    `json:"hall_name"`
	Capacity  int       `json:"capacity"`
}

// CreateSessionRequest is the payload for scheduling a new session.
type CreateSessionRequest struct {
	ExamID          uuid.UUID           `json:"exam_id" binding:"required"`
	Name            string              `json:"name" binding:"required,min=3,max=255"`
	BaseStart       time.Time           `json:"base_start" binding:"required"`
	DurationMinutes int                 `json:"duration_minutes" binding:"required,min=1,max=720"`
	Halls           []CreateHallRequest `json:"halls" binding:"omitempty,dive"`
}

// CreateHallRequest describes one hall of a new session.
type CreateHallRequest struct {
	HallName string `json:"hall_name" binding:"required,min=1,max=100"`
	Capacity int    `json:"capacity" binding:"min=0"`
}

// ChangeDurationRequest is the payload for changing a session's planned length.
type ChangeDurationRequest struct {
	DurationMinutes int `json:"duration_minutes" binding:"required,min=1,max=720"`
}

// SessionStatus, SessionStart and SessionEnd let sessions take part in closest resolution.
func (s *ExamSession) SessionStatus() SessionStatus { return s.Status }

func (s *ExamSession) SessionStart() time.Time { return s.BaseStart }

// SessionEnd is when the session actually ended, or is expected to.
func (s *ExamSession) SessionEnd(now time.Time) time.Time {
	if s.CompletedAt != nil {
		return *s.CompletedAt
	}
	return s.ExpectedEnd(now)
}
