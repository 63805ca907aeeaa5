package model

import (
	"time"

	"github.com/google/uuid"
)

// EnrollmentStatus enumerates a candidate's participation states.
type EnrollmentStatus string

const (
	EnrollmentStatusScheduled EnrollmentStatus = "scheduled"
	EnrollmentStatusActive    EnrollmentStatus = "active"
	EnrollmentStatusPaused    EnrollmentStatus = "paused"
	EnrollmentStatusSubmitted EnrollmentStatus = "submitted"
)

// InProgress reports whether the candidate has started and not submitted.
func (s EnrollmentStatus) InProgress() bool {
	return s == EnrollmentStatusActive || s == EnrollmentStatusPaused
}

// SubmitReason records which path finished an enrollment.
type SubmitReason string

const (
	SubmitReasonCandidate        SubmitReason = "candidate"
	SubmitReasonExpired          SubmitReason = "expired"
	SubmitReasonSessionCompleted SubmitReason = "session_completed"
	SubmitReasonSessionCancelled SubmitReason = "session_cancelled"
	SubmitReasonAdmin            SubmitReason = "admin"
)

// Enrollment is one candidate's participation in one session.
//
// Remaining time is never stored. It is derived from the instants and
// accumulators below together with the owning session's pause state.
type Enrollment struct {
	ID               uuid.UUID        `json:"id"`
	CandidateID      int              `json:"candidate_id"`
	SessionID        uuid.UUID        `json:"session_id"`
	HallAssignmentID *uuid.UUID       `json:"hall_assignment_id,omitempty"`
	SeatNumber       *string          `json:"seat_number,omitempty"`
	Status           EnrollmentStatus `json:"status"`
	Present          bool             `json:"present"`
	ConnectionID     *uuid.UUID       `json:"-"`
	ConnectionStart  *time.Time       `json:"connection_start,omitempty"`
	DisconnectedAt   *time.Time       `json:"disconnected_at,omitempty"`
	SessionStartedAt *time.Time       `json:"session_started_at,omitempty"`
	SubmittedAt      *time.Time       `json:"submitted_at,omitempty"`
	SubmitReason     *SubmitReason    `json:"submit_reason,omitempty"`

	IndividualDuration time.Duration `json:"-"`
	IndividualPaused   time.Duration `json:"-"`

	// Session pause total observed at first activation and at the last
	// disconnect. Subtracting them from the current total yields the session
	// pause that overlapped this enrollment, so it is never credited twice.
	SessionPausedAtStart      time.Duration `json:"-"`
	SessionPausedAtDisconnect time.Duration `json:"-"`

	QuestionOrder QuestionOrder `json:"-"`
	AnswerOrder   AnswerOrder   `json:"-"`

	Score          *int      `json:"score,omitempty"`
	TotalQuestions *int      `json:"total_questions,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Randomized reports whether the presentation order has been generated.
func (e *Enrollment) Randomized() bool {
	return len(e.QuestionOrder) > 0 && e.AnswerOrder != nil
}

// EnrollmentWithSession pairs an enrollment with the session that owns it.
type EnrollmentWithSession struct {
	Enrollment *Enrollment
	Session    *ExamSession
}

func (p EnrollmentWithSession) SessionStatus() SessionStatus { return p.Session.Status }

func (p EnrollmentWithSession) SessionStart() time.Time { return p.Session.BaseStart }

func (p EnrollmentWithSession) SessionEnd(now time.Time) time.Time { return p.Session.SessionEnd(now) }

// EnrollRequest is the batch payload for enrolling candidates into a session.
type EnrollRequest struct {
	Candidates []EnrollRow `json:"candidates" binding:"required,min=1,max=1000,dive"`
}

// EnrollRow is one candidate of an enrollment batch.
type EnrollRow struct {
	CandidateID      int        `json:"candidate_id" binding:"required,min=1"`
	HallAssignmentID *uuid.UUID `json:"hall_assignment_id" binding:"omitempty"`
	SeatNumber       *string    `json:"seat_number" binding:"omitempty,max=20"`
	DurationMinutes  *int       `json:"duration_minutes" binding:"omitempty,min=1,max=720"`
}

// EnrollResult is the per-row outcome of a batch enrollment.
type EnrollResult struct {
	CandidateID  int        `json:"candidate_id"`
	EnrollmentID *uuid.UUID `json:"enrollment_id,omitempty"`
	Error        *string    `json:"error,omitempty"`
	Code         *string    `json:"code,omitempty"`
}

// EnrollmentStatusView answers the "get current status" query.
type EnrollmentStatusView struct {
	EnrollmentID  uuid.UUID        `json:"enrollment_id"`
	Status        EnrollmentStatus `json:"status"`
	Present       bool             `json:"present"`
	SessionStatus SessionStatus    `json:"session_status"`
	TimeRemaining int64            `json:"time_remaining"`
	SessionEnd    time.Time        `json:"session_end"`
	Events        []MailboxEvent   `json:"events"`
}

// EnrollmentView is an enrollment with its derived remaining time.
type EnrollmentView struct {
	*Enrollment
	TimeRemaining int64        `json:"time_remaining"`
	Session       *SessionView `json:"session,omitempty"`
}

// SessionSnapshot is the admin monitor's view of one session.
type SessionSnapshot struct {
	Session     SessionView      `json:"session"`
	Enrollments []EnrollmentView `json:"enrollments"`
}
