package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/notify"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/timing"
)

// ExpiryArmer schedules and cancels per-enrollment expiry jobs.
type ExpiryArmer interface {
	Arm(ctx context.Context, enrollmentID uuid.UUID, at time.Time) error
	Cancel(ctx context.Context, enrollmentID uuid.UUID) error
}

// Mailbox is the per-enrollment status event channel.
type Mailbox interface {
	Post(ctx context.Context, enrollmentID uuid.UUID, typ model.MailboxEventType, msg string, at time.Time)
	Drain(ctx context.Context, enrollmentID uuid.UUID) ([]model.MailboxEvent, error)
}

// TallyQueue requests score tallies for submitted enrollments.
type TallyQueue interface {
	Enqueue(ctx context.Context, enrollmentIDs ...uuid.UUID) error
}

// Deps are the collaborators shared by the session and enrollment services.
type Deps struct {
	Store   repository.Store
	Clock   clock.Clock
	Expiry  ExpiryArmer
	Mailbox Mailbox
	Monitor notify.Monitor
	Tally   TallyQueue
}

type mailboxPost struct {
	enrollmentID uuid.UUID
	typ          model.MailboxEventType
	msg          string
	at           time.Time
}

// expiryOp arms a job at at, or cancels it when cancel is set.
type expiryOp struct {
	enrollmentID uuid.UUID
	at           time.Time
	cancel       bool
}

// effects collects what a transaction wants done outside the database. They
// are flushed only after commit, so a rolled-back transition neither
// notifies anybody nor touches expiry jobs.
type effects struct {
	expiry []expiryOp
	posts  []mailboxPost
	events []notify.MonitorEvent
	tally  []uuid.UUID
}

func (fx *effects) arm(id uuid.UUID, at time.Time) {
	fx.expiry = append(fx.expiry, expiryOp{enrollmentID: id, at: at})
}

func (fx *effects) disarm(id uuid.UUID) {
	fx.expiry = append(fx.expiry, expiryOp{enrollmentID: id, cancel: true})
}

func (fx *effects) post(id uuid.UUID, typ model.MailboxEventType, msg string, at time.Time) {
	fx.posts = append(fx.posts, mailboxPost{enrollmentID: id, typ: typ, msg: msg, at: at})
}

func (fx *effects) enrollmentEvent(typ string, sess *model.ExamSession, e *model.Enrollment, now time.Time) {
	rem := timing.Seconds(timing.Remaining(e, sess, now))
	fx.events = append(fx.events, notify.MonitorEvent{
		Type:          typ,
		SessionID:     sess.ID,
		EnrollmentID:  e.ID,
		CandidateID:   e.CandidateID,
		Status:        string(e.Status),
		TimeRemaining: &rem,
		At:            now,
	})
}

func (fx *effects) sessionEvent(typ string, sess *model.ExamSession, now time.Time) {
	fx.events = append(fx.events, notify.MonitorEvent{
		Type:      typ,
		SessionID: sess.ID,
		Status:    string(sess.Status),
		At:        now,
	})
}

func (d *Deps) flush(ctx context.Context, fx *effects, log zerolog.Logger) {
	// A job that fails to arm is recreated by the next sweep.
	for _, op := range fx.expiry {
		var err error
		if op.cancel {
			err = d.Expiry.Cancel(ctx, op.enrollmentID)
		} else {
			err = d.Expiry.Arm(ctx, op.enrollmentID, op.at)
		}
		if err != nil {
			log.Warn().Err(err).Str("enrollment_id", op.enrollmentID.String()).Bool("cancel", op.cancel).Msg("Expiry job update failed")
		}
	}
	for _, p := range fx.posts {
		d.Mailbox.Post(ctx, p.enrollmentID, p.typ, p.msg, p.at)
	}
	if d.Monitor != nil {
		for _, ev := range fx.events {
			d.Monitor.Publish(ctx, ev)
		}
	}
	if len(fx.tally) > 0 {
		if err := d.Tally.Enqueue(ctx, fx.tally...); err != nil {
			log.Error().Err(err).Int("count", len(fx.tally)).Msg("Failed to enqueue score tallies")
		}
	}
}

// submitLocked finishes an enrollment. The caller holds the enrollment's row lock.
func (d *Deps) submitLocked(ctx context.Context, r *repository.Repos, sess *model.ExamSession, e *model.Enrollment, reason model.SubmitReason, now time.Time, fx *effects) error {
	if e.Status == model.EnrollmentStatusSubmitted {
		return nil
	}
	// Close an open disconnect so the stored accumulators describe the final state.
	if e.DisconnectedAt != nil {
		timing.CloseDisconnectGap(e, sess, now)
	}
	at := now
	e.Status = model.EnrollmentStatusSubmitted
	e.SubmittedAt = &at
	e.SubmitReason = &reason
	if err := r.Enrollments.Update(ctx, e); err != nil {
		return err
	}
	fx.disarm(e.ID)
	fx.post(e.ID, model.EventSubmitted, string(reason), now)
	fx.enrollmentEvent("enrollment_submitted", sess, e, now)
	fx.tally = append(fx.tally, e.ID)
	return nil
}

// rearm brings an in-progress enrollment's expiry job in line with its
// current deadline: submit if time is up, arm if the clock runs, cancel if frozen.
func (d *Deps) rearm(ctx context.Context, r *repository.Repos, sess *model.ExamSession, e *model.Enrollment, now time.Time, fx *effects) (submitted bool, err error) {
	if !e.Status.InProgress() {
		return false, nil
	}
	if timing.Remaining(e, sess, now) <= 0 {
		return true, d.submitLocked(ctx, r, sess, e, model.SubmitReasonExpired, now, fx)
	}
	if at, ok := timing.Deadline(e, sess, now); ok {
		fx.arm(e.ID, at)
		return false, nil
	}
	fx.disarm(e.ID)
	return false, nil
}
