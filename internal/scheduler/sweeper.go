package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/timing"
)

// SessionLifecycle is the part of the session state machine the sweep drives.
type SessionLifecycle interface {
	Activate(ctx context.Context, id uuid.UUID) (model.Outcome, error)
	Complete(ctx context.Context, id uuid.UUID) (model.Outcome, error)
}

// EnrollmentExpirer re-derives an enrollment's remaining time and acts on it.
type EnrollmentExpirer interface {
	Expire(ctx context.Context, enrollmentID uuid.UUID) error
}

// SweepReport counts what one sweep changed.
type SweepReport struct {
	Activated int
	Completed int
	Expired   int
	Rearmed   int
}

// Sweeper periodically reconciles persisted state with the clock. It covers
// sessions whose start or end passed with nobody acting on them and expiry
// jobs lost to a restart.
type Sweeper struct {
	store       repository.Store
	sessions    SessionLifecycle
	enrollments EnrollmentExpirer
	expiry      *ExpiryScheduler
	retry       *Retry
	clk         clock.Clock
	grace       time.Duration
	log         zerolog.Logger

	cron *cron.Cron
}

// NewSweeper creates a Sweeper. grace delays auto-completion past the expected end.
func NewSweeper(
	store repository.Store,
	sessions SessionLifecycle,
	enrollments EnrollmentExpirer,
	expiry *ExpiryScheduler,
	retry *Retry,
	clk clock.Clock,
	grace time.Duration,
	log zerolog.Logger,
) *Sweeper {
	l := log.With().Str("component", "sweeper").Logger()
	return &Sweeper{
		store:       store,
		sessions:    sessions,
		enrollments: enrollments,
		expiry:      expiry,
		retry:       retry,
		clk:         clk,
		grace:       grace,
		log:         l,
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.PrintfLogger(&l)),
			cron.SkipIfStillRunning(cron.PrintfLogger(&l)),
		)),
	}
}

// Start schedules the sweep on spec, e.g. "@every 15s".
func (s *Sweeper) Start(ctx context.Context, spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("Sweep failed")
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info().Str("schedule", spec).Msg("Sweeper started")
	return nil
}

// Stop stops scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// SweepOnce runs every reconciliation step. A failing item is logged and
// skipped so it cannot block the rest.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var report SweepReport
	var errs []error

	if err := s.activateDue(ctx, &report); err != nil {
		errs = append(errs, err)
	}
	if err := s.completeOverdue(ctx, &report); err != nil {
		errs = append(errs, err)
	}
	if err := s.reconcileEnrollments(ctx, &report); err != nil {
		errs = append(errs, err)
	}

	if report != (SweepReport{}) {
		s.log.Info().
			Int("activated", report.Activated).
			Int("completed", report.Completed).
			Int("expired", report.Expired).
			Int("rearmed", report.Rearmed).
			Msg("Sweep applied changes")
	}
	return report, errors.Join(errs...)
}

func (s *Sweeper) activateDue(ctx context.Context, report *SweepReport) error {
	ids, err := s.store.Repos().Sessions.ListDueForActivation(ctx, s.clk.Now())
	if err != nil {
		return err
	}
	for _, id := range ids {
		var out model.Outcome
		err := s.retry.Do(ctx, func(ctx context.Context) error {
			var err error
			out, err = s.sessions.Activate(ctx, id)
			return err
		})
		if err != nil {
			s.log.Error().Err(err).Str("session_id", id.String()).Msg("Auto-activation failed")
			continue
		}
		if out.Applied {
			report.Activated++
		}
	}
	return nil
}

func (s *Sweeper) completeOverdue(ctx context.Context, report *SweepReport) error {
	running, err := s.store.Repos().Sessions.ListRunning(ctx)
	if err != nil {
		return err
	}
	now := s.clk.Now()
	for i := range running {
		sess := &running[i]
		if !now.After(sess.ExpectedEnd(now).Add(s.grace)) {
			continue
		}
		var out model.Outcome
		err := s.retry.Do(ctx, func(ctx context.Context) error {
			var err error
			out, err = s.sessions.Complete(ctx, sess.ID)
			return err
		})
		if err != nil {
			s.log.Error().Err(err).Str("session_id", sess.ID.String()).Msg("Auto-completion failed")
			continue
		}
		if out.Applied {
			report.Completed++
		}
	}
	return nil
}

func (s *Sweeper) reconcileEnrollments(ctx context.Context, report *SweepReport) error {
	pairs, err := s.store.Repos().Enrollments.ListInProgress(ctx)
	if err != nil {
		return err
	}
	now := s.clk.Now()
	for _, p := range pairs {
		expired := timing.Remaining(p.Enrollment, p.Session, now) <= 0
		missing := timing.Running(p.Enrollment, p.Session) && !s.expiry.Armed(p.Enrollment.ID)
		if !expired && !missing {
			continue
		}

		id := p.Enrollment.ID
		err := s.retry.Do(ctx, func(ctx context.Context) error { return s.enrollments.Expire(ctx, id) })
		if err != nil {
			s.log.Error().Err(err).Str("enrollment_id", id.String()).Msg("Enrollment reconciliation failed")
			continue
		}
		if expired {
			report.Expired++
		} else {
			report.Rearmed++
		}
	}
	return nil
}
