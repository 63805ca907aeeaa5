package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/apperr"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/resolve"
	"github.com/stemsi/exstem-proctor/internal/timing"
)

// closestLookback bounds how far back ended sessions are considered by Closest.
const closestLookback = 7 * 24 * time.Hour

// SessionService is the exam session state machine.
//
// Every transition locks the session row, then the enrollment rows it
// touches, in that order. Transitions that do not apply return a no-op
// Outcome; only infrastructure failures are errors.
type SessionService struct {
	Deps
	log zerolog.Logger
}

// NewSessionService creates a new SessionService.
func NewSessionService(d Deps, log zerolog.Logger) *SessionService {
	return &SessionService{
		Deps: d,
		log:  log.With().Str("component", "session_service").Logger(),
	}
}

// transition runs fn on the locked session and records the outcome.
func (s *SessionService) transition(ctx context.Context, name string, id uuid.UUID, fn func(r *repository.Repos, sess *model.ExamSession, now time.Time, fx *effects) (model.Outcome, error)) (model.Outcome, error) {
	var out model.Outcome
	fx := &effects{}

	err := s.Store.WithTx(ctx, func(r *repository.Repos) error {
		fx = &effects{}
		sess, err := r.Sessions.Lock(ctx, id)
		if err != nil {
			return err
		}
		out, err = fn(r, sess, s.Clock.Now(), fx)
		return err
	})
	if err != nil {
		return model.Outcome{}, err
	}

	metrics.Transition("session", name, out.Applied)
	if out.Applied {
		s.flush(ctx, fx, s.log)
		s.log.Info().Str("session_id", id.String()).Str("transition", name).Msg("Session transition applied")
	} else {
		s.log.Debug().Str("session_id", id.String()).Str("transition", name).Str("reason", out.Reason).Msg("Session transition skipped")
	}
	return out, nil
}

// Activate starts a scheduled session once its base start has passed.
func (s *SessionService) Activate(ctx context.Context, id uuid.UUID) (model.Outcome, error) {
	return s.transition(ctx, "activate", id, func(r *repository.Repos, sess *model.ExamSession, now time.Time, fx *effects) (model.Outcome, error) {
		switch {
		case sess.Status == model.SessionStatusOngoing:
			return model.NoOp("already ongoing"), nil
		case sess.Status != model.SessionStatusScheduled:
			return model.NoOp("session is " + string(sess.Status)), nil
		case now.Before(sess.BaseStart):
			return model.NoOp("base start not reached"), nil
		}

		sess.Status = model.SessionStatusOngoing
		if err := r.Sessions.Update(ctx, sess); err != nil {
			return model.Outcome{}, err
		}
		fx.sessionEvent("session_started", sess, now)
		return model.Applied(), nil
	})
}

// Pause freezes the session clock and every active enrollment in it.
func (s *SessionService) Pause(ctx context.Context, id uuid.UUID) (model.Outcome, error) {
	return s.transition(ctx, "pause", id, func(r *repository.Repos, sess *model.ExamSession, now time.Time, fx *effects) (model.Outcome, error) {
		if sess.Status != model.SessionStatusOngoing {
			return model.NoOp("session is " + string(sess.Status)), nil
		}

		at := now
		sess.Status = model.SessionStatusPaused
		sess.PauseStart = &at
		if err := r.Sessions.Update(ctx, sess); err != nil {
			return model.Outcome{}, err
		}

		enrollments, err := r.Enrollments.LockUnsubmittedBySession(ctx, sess.ID)
		if err != nil {
			return model.Outcome{}, err
		}
		for _, e := range enrollments {
			if !e.Status.InProgress() {
				continue
			}
			fx.disarm(e.ID)
			if e.Status == model.EnrollmentStatusActive {
				e.Status = model.EnrollmentStatusPaused
				if err := r.Enrollments.Update(ctx, e); err != nil {
					return model.Outcome{}, err
				}
			}
			fx.post(e.ID, model.EventSessionPaused, "", now)
		}
		fx.sessionEvent("session_paused", sess, now)
		return model.Applied(), nil
	})
}

// Resume restarts the session clock. Present candidates continue and their
// expiry jobs move out by the length of the pause.
func (s *SessionService) Resume(ctx context.Context, id uuid.UUID) (model.Outcome, error) {
	return s.transition(ctx, "resume", id, func(r *repository.Repos, sess *model.ExamSession, now time.Time, fx *effects) (model.Outcome, error) {
		if sess.Status != model.SessionStatusPaused || sess.PauseStart == nil {
			return model.NoOp("session is " + string(sess.Status)), nil
		}

		foldPause(sess, now)
		sess.Status = model.SessionStatusOngoing
		if err := r.Sessions.Update(ctx, sess); err != nil {
			return model.Outcome{}, err
		}

		enrollments, err := r.Enrollments.LockUnsubmittedBySession(ctx, sess.ID)
		if err != nil {
			return model.Outcome{}, err
		}
		for _, e := range enrollments {
			if !e.Status.InProgress() {
				continue
			}
			if e.Status == model.EnrollmentStatusPaused && e.Present {
				e.Status = model.EnrollmentStatusActive
				if err := r.Enrollments.Update(ctx, e); err != nil {
					return model.Outcome{}, err
				}
			}
			if _, err := s.rearm(ctx, r, sess, e, now, fx); err != nil {
				return model.Outcome{}, err
			}
			fx.post(e.ID, model.EventSessionResumed, "", now)
		}
		fx.sessionEvent("session_resumed", sess, now)
		return model.Applied(), nil
	})
}

// Complete ends a running session and submits every candidate still in progress.
func (s *SessionService) Complete(ctx context.Context, id uuid.UUID) (model.Outcome, error) {
	return s.transition(ctx, "complete", id, func(r *repository.Repos, sess *model.ExamSession, now time.Time, fx *effects) (model.Outcome, error) {
		if !sess.Status.Running() {
			return model.NoOp("session is " + string(sess.Status)), nil
		}
		return model.Applied(), s.finish(ctx, r, sess, model.SessionStatusCompleted, now, fx)
	})
}

// Cancel ends any non-terminal session and submits every enrollment. Answers are kept.
func (s *SessionService) Cancel(ctx context.Context, id uuid.UUID) (model.Outcome, error) {
	return s.transition(ctx, "cancel", id, func(r *repository.Repos, sess *model.ExamSession, now time.Time, fx *effects) (model.Outcome, error) {
		if sess.Status.Terminal() {
			return model.NoOp("session is " + string(sess.Status)), nil
		}
		return model.Applied(), s.finish(ctx, r, sess, model.SessionStatusCancelled, now, fx)
	})
}

func (s *SessionService) finish(ctx context.Context, r *repository.Repos, sess *model.ExamSession, status model.SessionStatus, now time.Time, fx *effects) error {
	foldPause(sess, now)
	at := now
	sess.Status = status
	sess.CompletedAt = &at
	if err := r.Sessions.Update(ctx, sess); err != nil {
		return err
	}

	reason, event, mail := model.SubmitReasonSessionCompleted, "session_completed", model.EventSessionCompleted
	if status == model.SessionStatusCancelled {
		reason, event, mail = model.SubmitReasonSessionCancelled, "session_cancelled", model.EventSessionCancelled
	}

	enrollments, err := r.Enrollments.LockUnsubmittedBySession(ctx, sess.ID)
	if err != nil {
		return err
	}
	for _, e := range enrollments {
		// Candidates who never showed up stay scheduled when a session completes normally.
		if status == model.SessionStatusCompleted && !e.Status.InProgress() {
			continue
		}
		if err := s.submitLocked(ctx, r, sess, e, reason, now, fx); err != nil {
			return err
		}
		fx.post(e.ID, mail, "", now)
	}
	fx.sessionEvent(event, sess, now)
	return nil
}

// OnDurationChanged sets a new planned length and shifts every unsubmitted
// enrollment's allowance by the difference.
func (s *SessionService) OnDurationChanged(ctx context.Context, id uuid.UUID, newDuration time.Duration) (model.Outcome, error) {
	if newDuration <= 0 {
		return model.Outcome{}, apperr.InvalidInput("session.change_duration", "duration must be positive")
	}
	return s.transition(ctx, "change_duration", id, func(r *repository.Repos, sess *model.ExamSession, now time.Time, fx *effects) (model.Outcome, error) {
		if sess.Status.Terminal() {
			return model.NoOp("session is " + string(sess.Status)), nil
		}
		delta := newDuration - sess.BaseDuration
		if delta == 0 {
			return model.NoOp("duration unchanged"), nil
		}

		sess.BaseDuration = newDuration
		if err := r.Sessions.Update(ctx, sess); err != nil {
			return model.Outcome{}, err
		}

		enrollments, err := r.Enrollments.LockUnsubmittedBySession(ctx, sess.ID)
		if err != nil {
			return model.Outcome{}, err
		}
		for _, e := range enrollments {
			e.IndividualDuration = max(e.IndividualDuration+delta, 0)
			if err := r.Enrollments.Update(ctx, e); err != nil {
				return model.Outcome{}, err
			}
			if _, err := s.rearm(ctx, r, sess, e, now, fx); err != nil {
				return model.Outcome{}, err
			}
			fx.post(e.ID, model.EventDurationChanged, delta.String(), now)
		}
		fx.sessionEvent("session_duration_changed", sess, now)
		return model.Applied(), nil
	})
}

// Create schedules a new session.
func (s *SessionService) Create(ctx context.Context, req model.CreateSessionRequest) (model.SessionView, error) {
	if req.DurationMinutes <= 0 {
		return model.SessionView{}, apperr.InvalidInput("session.create", "duration must be positive")
	}
	sess := &model.ExamSession{
		ExamID:       req.ExamID,
		Name:         req.Name,
		BaseStart:    req.BaseStart.UTC(),
		BaseDuration: time.Duration(req.DurationMinutes) * time.Minute,
	}
	halls := make([]model.HallAssignment, 0, len(req.Halls))
	for _, h := range req.Halls {
		halls = append(halls, model.HallAssignment{HallName: h.HallName, Capacity: h.Capacity})
	}

	err := s.Store.WithTx(ctx, func(r *repository.Repos) error {
		return r.Sessions.Create(ctx, sess, halls)
	})
	if err != nil {
		return model.SessionView{}, err
	}

	s.log.Info().
		Str("session_id", sess.ID.String()).
		Str("exam_id", sess.ExamID.String()).
		Time("base_start", sess.BaseStart).
		Msg("Session scheduled")

	view := sess.View(s.Clock.Now())
	view.Halls = halls
	return view, nil
}

// Get returns a session with its derived expected end and halls.
func (s *SessionService) Get(ctx context.Context, id uuid.UUID) (model.SessionView, error) {
	repos := s.Store.Repos()
	sess, err := repos.Sessions.Get(ctx, id)
	if err != nil {
		return model.SessionView{}, err
	}
	halls, err := repos.Sessions.Halls(ctx, id)
	if err != nil {
		return model.SessionView{}, err
	}
	view := sess.View(s.Clock.Now())
	view.Halls = halls
	return view, nil
}

// Closest returns the most relevant session right now.
func (s *SessionService) Closest(ctx context.Context) (model.SessionView, error) {
	now := s.Clock.Now()
	sessions, err := s.Store.Repos().Sessions.ListSince(ctx, now.Add(-closestLookback))
	if err != nil {
		return model.SessionView{}, err
	}
	ptrs := make([]*model.ExamSession, len(sessions))
	for i := range sessions {
		ptrs[i] = &sessions[i]
	}
	best, ok := resolve.Closest(ptrs, now)
	if !ok {
		return model.SessionView{}, apperr.NotFound("session.closest", "no sessions")
	}
	return best.View(now), nil
}

// Snapshot returns a session and every enrollment in it for the monitor feed.
func (s *SessionService) Snapshot(ctx context.Context, id uuid.UUID) (model.SessionSnapshot, error) {
	repos := s.Store.Repos()
	sess, err := repos.Sessions.Get(ctx, id)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	enrollments, err := repos.Enrollments.ListBySession(ctx, id)
	if err != nil {
		return model.SessionSnapshot{}, err
	}

	now := s.Clock.Now()
	snap := model.SessionSnapshot{
		Session:     sess.View(now),
		Enrollments: make([]model.EnrollmentView, 0, len(enrollments)),
	}
	for i := range enrollments {
		e := &enrollments[i]
		snap.Enrollments = append(snap.Enrollments, model.EnrollmentView{
			Enrollment:    e,
			TimeRemaining: timing.Seconds(timing.Remaining(e, sess, now)),
		})
	}
	return snap, nil
}

// foldPause moves a running pause into the session's total.
func foldPause(sess *model.ExamSession, now time.Time) {
	if sess.PauseStart == nil {
		return
	}
	if now.After(*sess.PauseStart) {
		sess.TotalPaused += now.Sub(*sess.PauseStart)
	}
	sess.PauseStart = nil
}
