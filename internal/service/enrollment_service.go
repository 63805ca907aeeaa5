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

// EnrollmentService runs each candidate's individual timer and paper.
type EnrollmentService struct {
	Deps
	log zerolog.Logger
}

// NewEnrollmentService creates a new EnrollmentService.
func NewEnrollmentService(d Deps, log zerolog.Logger) *EnrollmentService {
	return &EnrollmentService{
		Deps: d,
		log:  log.With().Str("component", "enrollment_service").Logger(),
	}
}

// locked runs fn with the owning session and then the enrollment row locked.
func (s *EnrollmentService) locked(ctx context.Context, id uuid.UUID, fn func(r *repository.Repos, sess *model.ExamSession, e *model.Enrollment, now time.Time, fx *effects) error) (*effects, error) {
	var fx *effects
	err := s.Store.WithTx(ctx, func(r *repository.Repos) error {
		fx = &effects{}
		peek, err := r.Enrollments.Get(ctx, id)
		if err != nil {
			return err
		}
		sess, err := r.Sessions.Lock(ctx, peek.SessionID)
		if err != nil {
			return err
		}
		e, err := r.Enrollments.Lock(ctx, id)
		if err != nil {
			return err
		}
		return fn(r, sess, e, s.Clock.Now(), fx)
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, fx, s.log)
	return fx, nil
}

// Enroll creates one enrollment per row. Each row succeeds or fails on its
// own; a duplicate is reported as a conflict for that row only.
func (s *EnrollmentService) Enroll(ctx context.Context, sessionID uuid.UUID, rows []model.EnrollRow) ([]model.EnrollResult, error) {
	repos := s.Store.Repos()
	sess, err := repos.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, apperr.InvalidState("enrollment.enroll", "session is %s", sess.Status)
	}
	halls, err := repos.Sessions.Halls(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	hallIDs := make(map[uuid.UUID]struct{}, len(halls))
	for _, h := range halls {
		hallIDs[h.ID] = struct{}{}
	}

	results := make([]model.EnrollResult, 0, len(rows))
	created := 0
	for _, row := range rows {
		res := model.EnrollResult{CandidateID: row.CandidateID}
		e, err := s.enrollOne(ctx, sess, hallIDs, row)
		if err != nil {
			msg, code := err.Error(), apperr.KindOf(err).String()
			res.Error, res.Code = &msg, &code
			if apperr.KindOf(err) == apperr.KindInternal {
				s.log.Error().Err(err).Int("candidate_id", row.CandidateID).Msg("Enrollment row failed")
			}
		} else {
			res.EnrollmentID = &e.ID
			created++
		}
		results = append(results, res)
	}

	s.log.Info().
		Str("session_id", sessionID.String()).
		Int("requested", len(rows)).
		Int("created", created).
		Msg("Enrollment batch processed")
	return results, nil
}

func (s *EnrollmentService) enrollOne(ctx context.Context, sess *model.ExamSession, hallIDs map[uuid.UUID]struct{}, row model.EnrollRow) (*model.Enrollment, error) {
	if row.HallAssignmentID != nil {
		if _, ok := hallIDs[*row.HallAssignmentID]; !ok {
			return nil, apperr.InvalidInput("enrollment.enroll", "hall %s is not part of this session", row.HallAssignmentID)
		}
	}
	e := &model.Enrollment{
		CandidateID:        row.CandidateID,
		SessionID:          sess.ID,
		HallAssignmentID:   row.HallAssignmentID,
		SeatNumber:         row.SeatNumber,
		IndividualDuration: sess.BaseDuration,
	}
	if row.DurationMinutes != nil {
		e.IndividualDuration = time.Duration(*row.DurationMinutes) * time.Minute
	}

	err := s.Store.WithTx(ctx, func(r *repository.Repos) error {
		if _, err := r.Candidates.Get(ctx, row.CandidateID); err != nil {
			return err
		}
		return r.Enrollments.Create(ctx, e)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// HandleConnect marks the candidate present on connection connID. The first
// connect starts the individual clock and fixes the paper order; a reconnect
// credits the disconnect gap. A connect while another connection is current
// takes the enrollment over, so only connID's disconnect freezes the clock
// from now on.
func (s *EnrollmentService) HandleConnect(ctx context.Context, id, connID uuid.UUID) (model.Outcome, error) {
	var out model.Outcome
	_, err := s.locked(ctx, id, func(r *repository.Repos, sess *model.ExamSession, e *model.Enrollment, now time.Time, fx *effects) error {
		if e.Status == model.EnrollmentStatusSubmitted {
			out = model.NoOp("already submitted")
			return nil
		}

		reconnect := e.SessionStartedAt != nil
		if !reconnect {
			if sess.Status != model.SessionStatusOngoing {
				return apperr.InvalidState("enrollment.connect", "session is %s", sess.Status)
			}
			start := now
			e.SessionStartedAt = &start
			e.SessionPausedAtStart = sess.PausedAt(now)
			e.IndividualPaused = 0
			e.DisconnectedAt = nil
			e.SessionPausedAtDisconnect = 0
		} else if e.DisconnectedAt != nil {
			timing.CloseDisconnectGap(e, sess, now)
		}

		if !e.Randomized() {
			questions, err := r.Questions.ListByExam(ctx, sess.ExamID)
			if err != nil {
				return err
			}
			e.QuestionOrder, e.AnswerOrder = timing.Permute(e.ID, questions)
		}

		if e.Present && e.ConnectionID != nil && *e.ConnectionID != connID {
			s.log.Info().
				Str("enrollment_id", e.ID.String()).
				Str("previous_connection", e.ConnectionID.String()).
				Str("connection", connID.String()).
				Msg("Connection superseded")
		}
		at := now
		e.Present = true
		e.ConnectionID = &connID
		e.ConnectionStart = &at
		if sess.Status == model.SessionStatusOngoing {
			e.Status = model.EnrollmentStatusActive
		} else {
			e.Status = model.EnrollmentStatusPaused
		}
		if err := r.Enrollments.Update(ctx, e); err != nil {
			return err
		}

		submitted, err := s.rearm(ctx, r, sess, e, now, fx)
		if err != nil {
			return err
		}
		if reconnect {
			fx.post(e.ID, model.EventReconnected, "", now)
		}
		if !submitted {
			fx.enrollmentEvent("enrollment_connected", sess, e, now)
		}
		out = model.Applied()
		return nil
	})
	if err != nil {
		return model.Outcome{}, err
	}
	metrics.Transition("enrollment", "connect", out.Applied)
	return out, nil
}

// HandleDisconnect freezes the candidate's clock when connID is the current
// connection. The close of a superseded connection changes nothing. midExam
// reports whether the candidate dropped out of an ongoing session with time
// still running, which warrants an admin alert.
func (s *EnrollmentService) HandleDisconnect(ctx context.Context, id, connID uuid.UUID) (midExam bool, err error) {
	var applied bool
	_, err = s.locked(ctx, id, func(r *repository.Repos, sess *model.ExamSession, e *model.Enrollment, now time.Time, fx *effects) error {
		if !e.Present || (e.ConnectionID != nil && *e.ConnectionID != connID) {
			return nil
		}
		e.ConnectionID = nil
		if e.Status == model.EnrollmentStatusSubmitted {
			e.Present = false
			return r.Enrollments.Update(ctx, e)
		}

		timing.MarkDisconnected(e, sess, now)
		if sess.Status != model.SessionStatusOngoing && e.Status == model.EnrollmentStatusActive {
			e.Status = model.EnrollmentStatusPaused
		}
		if err := r.Enrollments.Update(ctx, e); err != nil {
			return err
		}
		fx.disarm(e.ID)

		midExam = e.Status.InProgress() && sess.Status == model.SessionStatusOngoing
		if midExam {
			fx.post(e.ID, model.EventDisconnected, "an invigilator has been notified", now)
		}
		fx.enrollmentEvent("enrollment_disconnected", sess, e, now)
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	metrics.Transition("enrollment", "disconnect", applied)
	return midExam, nil
}

// SubmitExam finishes the enrollment. Repeated calls are no-ops.
func (s *EnrollmentService) SubmitExam(ctx context.Context, id uuid.UUID, reason model.SubmitReason) (model.Outcome, error) {
	var out model.Outcome
	_, err := s.locked(ctx, id, func(r *repository.Repos, sess *model.ExamSession, e *model.Enrollment, now time.Time, fx *effects) error {
		if e.Status == model.EnrollmentStatusSubmitted {
			out = model.NoOp("already submitted")
			return nil
		}
		if e.SessionStartedAt == nil && reason == model.SubmitReasonCandidate {
			return apperr.InvalidState("enrollment.submit", "exam not started")
		}
		if err := s.submitLocked(ctx, r, sess, e, reason, now, fx); err != nil {
			return err
		}
		out = model.Applied()
		return nil
	})
	if err != nil {
		return model.Outcome{}, err
	}
	metrics.Transition("enrollment", "submit", out.Applied)
	if out.Applied {
		s.log.Info().Str("enrollment_id", id.String()).Str("reason", string(reason)).Msg("Enrollment submitted")
	}
	return out, nil
}

// Expire is the expiry job handler. It re-derives remaining time under the
// row lock: submits when time is up, re-arms when a freeze moved the
// deadline, and does nothing for finished or frozen enrollments.
func (s *EnrollmentService) Expire(ctx context.Context, id uuid.UUID) error {
	var submitted bool
	_, err := s.locked(ctx, id, func(r *repository.Repos, sess *model.ExamSession, e *model.Enrollment, now time.Time, fx *effects) error {
		var err error
		submitted, err = s.rearm(ctx, r, sess, e, now, fx)
		return err
	})
	if err != nil {
		return err
	}
	if submitted {
		metrics.Transition("enrollment", "expire", true)
		s.log.Info().Str("enrollment_id", id.String()).Msg("Enrollment expired and submitted")
	}
	return nil
}

// Status answers the status query and consumes pending mailbox events.
// Time running out is acted on before answering, so an expired but
// unsubmitted enrollment is never reported.
func (s *EnrollmentService) Status(ctx context.Context, id uuid.UUID) (model.EnrollmentStatusView, error) {
	e, sess, err := s.observe(ctx, id)
	if err != nil {
		return model.EnrollmentStatusView{}, err
	}

	events, err := s.Mailbox.Drain(ctx, id)
	if err != nil {
		s.log.Warn().Err(err).Str("enrollment_id", id.String()).Msg("Mailbox drain failed")
	}
	if events == nil {
		events = []model.MailboxEvent{}
	}

	now := s.Clock.Now()
	return model.EnrollmentStatusView{
		EnrollmentID:  e.ID,
		Status:        e.Status,
		Present:       e.Present,
		SessionStatus: sess.Status,
		TimeRemaining: timing.Seconds(timing.Remaining(e, sess, now)),
		SessionEnd:    sess.SessionEnd(now),
		Events:        events,
	}, nil
}

// Get returns an enrollment with its derived remaining time and session.
func (s *EnrollmentService) Get(ctx context.Context, id uuid.UUID) (model.EnrollmentView, error) {
	e, sess, err := s.load(ctx, id)
	if err != nil {
		return model.EnrollmentView{}, err
	}
	return s.view(e, sess), nil
}

// Closest resolves the candidate's most relevant enrollment.
func (s *EnrollmentService) Closest(ctx context.Context, candidateID int) (model.EnrollmentView, error) {
	pairs, err := s.Store.Repos().Enrollments.ListByCandidate(ctx, candidateID)
	if err != nil {
		return model.EnrollmentView{}, err
	}
	best, ok := resolve.Closest(pairs, s.Clock.Now())
	if !ok {
		return model.EnrollmentView{}, apperr.NotFound("enrollment.closest", "candidate %d has no enrollment", candidateID)
	}
	return s.view(best.Enrollment, best.Session), nil
}

func (s *EnrollmentService) view(e *model.Enrollment, sess *model.ExamSession) model.EnrollmentView {
	now := s.Clock.Now()
	sv := sess.View(now)
	return model.EnrollmentView{
		Enrollment:    e,
		TimeRemaining: timing.Seconds(timing.Remaining(e, sess, now)),
		Session:       &sv,
	}
}

// observe loads an enrollment for a read path. An in-progress enrollment that
// looks out of time is first run through Expire, which decides again under
// the row lock, so a concurrent extension is never overridden.
func (s *EnrollmentService) observe(ctx context.Context, id uuid.UUID) (*model.Enrollment, *model.ExamSession, error) {
	e, sess, err := s.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !e.Status.InProgress() || timing.Remaining(e, sess, s.Clock.Now()) > 0 {
		return e, sess, nil
	}
	if err := s.Expire(ctx, id); err != nil {
		return nil, nil, err
	}
	return s.load(ctx, id)
}

func (s *EnrollmentService) load(ctx context.Context, id uuid.UUID) (*model.Enrollment, *model.ExamSession, error) {
	repos := s.Store.Repos()
	e, err := repos.Enrollments.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	sess, err := repos.Sessions.Get(ctx, e.SessionID)
	if err != nil {
		return nil, nil, err
	}
	return e, sess, nil
}
