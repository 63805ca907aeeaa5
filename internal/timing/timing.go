// Package timing derives an enrollment's remaining time from persisted
// instants and accumulators. Nothing here reads a clock or a store.
//
// Time counts down only while the session is ongoing and the candidate is
// present. Session pauses are tracked on the session, disconnects on the
// enrollment, and the two are combined so an interval covered by both is
// frozen once, never deducted twice.
package timing

import (
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// Consumed returns how much of the individual allowance has been used at now.
func Consumed(e *model.Enrollment, s *model.ExamSession, now time.Time) time.Duration {
	if e.SessionStartedAt == nil {
		return 0
	}
	if s.CompletedAt != nil && now.After(*s.CompletedAt) {
		now = *s.CompletedAt
	}

	elapsed := now.Sub(*e.SessionStartedAt)
	sessionFrozen := s.PausedAt(now) - e.SessionPausedAtStart
	used := elapsed - sessionFrozen - e.IndividualPaused - openGap(e, s, now)
	if used < 0 {
		return 0
	}
	return used
}

// Remaining returns the time left at now, never negative.
// A scheduled enrollment has its full allowance; a submitted one has none.
func Remaining(e *model.Enrollment, s *model.ExamSession, now time.Time) time.Duration {
	switch {
	case e.Status == model.EnrollmentStatusSubmitted:
		return 0
	case e.SessionStartedAt == nil:
		return e.IndividualDuration
	}
	left := e.IndividualDuration - Consumed(e, s, now)
	if left < 0 {
		return 0
	}
	return left
}

// Running reports whether the enrollment's clock is counting down at now.
func Running(e *model.Enrollment, s *model.ExamSession) bool {
	return e.Status == model.EnrollmentStatusActive &&
		e.Present &&
		e.SessionStartedAt != nil &&
		s.Status == model.SessionStatusOngoing
}

// Deadline returns the instant remaining time reaches zero if nothing freezes
// the clock in the meantime. ok is false while the clock is frozen.
func Deadline(e *model.Enrollment, s *model.ExamSession, now time.Time) (at time.Time, ok bool) {
	if !Running(e, s) {
		return time.Time{}, false
	}
	return now.Add(Remaining(e, s, now)), true
}

// MarkDisconnected records a disconnect at now.
func MarkDisconnected(e *model.Enrollment, s *model.ExamSession, now time.Time) {
	t := now
	e.Present = false
	e.DisconnectedAt = &t
	e.SessionPausedAtDisconnect = s.PausedAt(now)
}

// CloseDisconnectGap credits the part of an open disconnect that the session
// pause did not already cover, then clears the disconnect marker.
func CloseDisconnectGap(e *model.Enrollment, s *model.ExamSession, now time.Time) time.Duration {
	gap := openGap(e, s, now)
	e.IndividualPaused += gap
	e.DisconnectedAt = nil
	e.SessionPausedAtDisconnect = 0
	return gap
}

func openGap(e *model.Enrollment, s *model.ExamSession, now time.Time) time.Duration {
	if e.Present || e.DisconnectedAt == nil {
		return 0
	}
	gap := now.Sub(*e.DisconnectedAt) - (s.PausedAt(now) - e.SessionPausedAtDisconnect)
	if gap < 0 {
		return 0
	}
	return gap
}

// Seconds floors d to whole seconds, never negative.
func Seconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}
