package service

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/apperr"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnrollmentService_EnrollReportsPerRow(t *testing.T) {
	f := newFixture(t)
	sid := f.session(t, 60)
	f.enroll(t, sid, 1)
	f.store.AddCandidate(model.Candidate{ID: 2, SymbolNumber: "S-2"})

	badHall := uuid.New()
	res, err := f.enrollments.Enroll(f.ctx, sid, []model.EnrollRow{
		{CandidateID: 1},
		{CandidateID: 2},
		{CandidateID: 99},
		{CandidateID: 2, HallAssignmentID: &badHall},
	})
	require.NoError(t, err)
	require.Len(t, res, 4)

	require.NotNil(t, res[0].Code)
	assert.Equal(t, "conflict", *res[0].Code)
	assert.NotNil(t, res[1].EnrollmentID, "sibling rows still succeed")
	require.NotNil(t, res[2].Code)
	assert.Equal(t, "not_found", *res[2].Code)
	require.NotNil(t, res[3].Code)
	assert.Equal(t, "invalid_input", *res[3].Code)
}

func TestEnrollmentService_EnrollCustomDurationAndHall(t *testing.T) {
	f := newFixture(t)
	sid := f.session(t, 60)
	view, err := f.sessions.Get(f.ctx, sid)
	require.NoError(t, err)
	require.Len(t, view.Halls, 1)

	f.store.AddCandidate(model.Candidate{ID: 7, SymbolNumber: "S-7"})
	minutes := 90
	seat := "A-07"
	res, err := f.enrollments.Enroll(f.ctx, sid, []model.EnrollRow{{
		CandidateID:      7,
		HallAssignmentID: &view.Halls[0].ID,
		SeatNumber:       &seat,
		DurationMinutes:  &minutes,
	}})
	require.NoError(t, err)
	require.NotNil(t, res[0].EnrollmentID)

	e, _ := f.store.Enrollment(*res[0].EnrollmentID)
	assert.Equal(t, 90*time.Minute, e.IndividualDuration)
	assert.Equal(t, model.EnrollmentStatusScheduled, e.Status)
	assert.Equal(t, "A-07", *e.SeatNumber)
}

func TestEnrollmentService_EnrollIntoTerminalSession(t *testing.T) {
	f := newFixture(t)
	sid := f.session(t, 60)
	_, err := f.sessions.Cancel(f.ctx, sid)
	require.NoError(t, err)

	_, err = f.enrollments.Enroll(f.ctx, sid, []model.EnrollRow{{CandidateID: 1}})
	assert.True(t, apperr.Is(err, apperr.KindInvalidState))
}

func TestEnrollmentService_DisconnectGapIsCredited(t *testing.T) {
	f := newFixture(t)
	sid := f.session(t, 60)
	eid := f.enroll(t, sid, 1)
	_, err := f.sessions.Activate(f.ctx, sid)
	require.NoError(t, err)

	f.at(5)
	out, err := f.enrollments.HandleConnect(f.ctx, eid, testConn)
	require.NoError(t, err)
	require.True(t, out.Applied)
	at, ok := f.expiry.deadline(eid)
	require.True(t, ok)
	assert.Equal(t, t0.Add(65*time.Minute), at)

	f.at(35)
	midExam, err := f.enrollments.HandleDisconnect(f.ctx, eid, testConn)
	require.NoError(t, err)
	assert.True(t, midExam)
	assert.Equal(t, 30*time.Minute, f.remaining(t, eid))
	_, ok = f.expiry.deadline(eid)
	assert.False(t, ok, "disconnect cancels the job")

	f.at(45)
	assert.Equal(t, 30*time.Minute, f.remaining(t, eid), "frozen while away")
	_, err = f.enrollments.HandleConnect(f.ctx, eid, testConn)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, f.remaining(t, eid))

	at, ok = f.expiry.deadline(eid)
	require.True(t, ok)
	assert.Equal(t, t0.Add(75*time.Minute), at)
	assert.Equal(t,
		[]model.MailboxEventType{model.EventDisconnected, model.EventReconnected},
		f.events(t, eid))
}

func TestEnrollmentService_ConnectBeforeStart(t *testing.T) {
	f := newFixture(t)
	sid := f.session(t, 60)
	eid := f.enroll(t, sid, 1)

	_, err := f.enrollments.HandleConnect(f.ctx, eid, testConn)
	assert.True(t, apperr.Is(err, apperr.KindInvalidState))

	e, _ := f.store.Enrollment(eid)
	assert.False(t, e.Present)
	assert.Nil(t, e.SessionStartedAt)
}

func TestEnrollmentService_ConnectFixesPaperOrder(t *testing.T) {
	f := newFixture(t)
	_, eid := f.started(t, 60)

	first, _ := f.store.Enrollment(eid)
	require.True(t, first.Randomized())
	assert.Len(t, first.QuestionOrder, len(f.questions))
	for _, qid := range first.QuestionOrder {
		assert.Len(t, first.AnswerOrder[qid], 4)
	}

	f.at(10)
	_, err := f.enrollments.HandleDisconnect(f.ctx, eid, testConn)
	require.NoError(t, err)
	f.at(12)
	_, err = f.enrollments.HandleConnect(f.ctx, eid, testConn)
	require.NoError(t, err)

	again, _ := f.store.Enrollment(eid)
	assert.Equal(t, first.QuestionOrder, again.QuestionOrder)
	assert.Equal(t, first.AnswerOrder, again.AnswerOrder)
	assert.Equal(t, *first.SessionStartedAt, *again.SessionStartedAt, "reconnect keeps the first start")
}

func TestEnrollmentService_ConnectAfterSubmitIsNoOp(t *testing.T) {
	f := newFixture(t)
	_, eid := f.started(t, 60)
	_, err := f.enrollments.SubmitExam(f.ctx, eid, model.SubmitReasonCandidate)
	require.NoError(t, err)

	out, err := f.enrollments.HandleConnect(f.ctx, eid, testConn)
	require.NoError(t, err)
	assert.False(t, out.Applied)
}

func TestEnrollmentService_DisconnectWhilePausedIsNotAnAlert(t *testing.T) {
	f := newFixture(t)
	sid, eid := f.started(t, 60)
	_, err := f.sessions.Pause(f.ctx, sid)
	require.NoError(t, err)

	midExam, err := f.enrollments.HandleDisconnect(f.ctx, eid, testConn)
	require.NoError(t, err)
	assert.False(t, midExam)

	midExam, err = f.enrollments.HandleDisconnect(f.ctx, eid, testConn)
	require.NoError(t, err)
	assert.False(t, midExam, "second disconnect is ignored")
}

func TestEnrollmentService_SubmitIsIdempotent(t *testing.T) {
	f := newFixture(t)
	_, eid := f.started(t, 60)

	f.at(20)
	out, err := f.enrollments.SubmitExam(f.ctx, eid, model.SubmitReasonCandidate)
	require.NoError(t, err)
	assert.True(t, out.Applied)

	f.at(21)
	out, err = f.enrollments.SubmitExam(f.ctx, eid, model.SubmitReasonCandidate)
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, "already submitted", out.Reason)

	e, _ := f.store.Enrollment(eid)
	assert.Equal(t, t0.Add(20*time.Minute), *e.SubmittedAt)
	assert.Equal(t, 1, f.tally.count())
	_, ok := f.expiry.deadline(eid)
	assert.False(t, ok)
}

func TestEnrollmentService_ConcurrentSubmitAppliesOnce(t *testing.T) {
	f := newFixture(t)
	_, eid := f.started(t, 60)

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
		errs    []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.enrollments.SubmitExam(f.ctx, eid, model.SubmitReasonCandidate)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if out.Applied {
				applied++
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, f.tally.count())
	e, _ := f.store.Enrollment(eid)
	assert.Equal(t, model.EnrollmentStatusSubmitted, e.Status)
}

func TestEnrollmentService_SubmitBeforeStart(t *testing.T) {
	f := newFixture(t)
	sid := f.session(t, 60)
	eid := f.enroll(t, sid, 1)

	_, err := f.enrollments.SubmitExam(f.ctx, eid, model.SubmitReasonCandidate)
	assert.True(t, apperr.Is(err, apperr.KindInvalidState))

	out, err := f.enrollments.SubmitExam(f.ctx, eid, model.SubmitReasonAdmin)
	require.NoError(t, err)
	assert.True(t, out.Applied, "an admin may finish an absent candidate")
}

func TestEnrollmentService_ExpireSubmitsAtDeadline(t *testing.T) {
	f := newFixture(t)
	_, eid := f.started(t, 60)

	f.at(59)
	require.NoError(t, f.enrollments.Expire(f.ctx, eid))
	e, _ := f.store.Enrollment(eid)
	assert.Equal(t, model.EnrollmentStatusActive, e.Status, "early fire re-arms")
	at, ok := f.expiry.deadline(eid)
	require.True(t, ok)
	assert.Equal(t, t0.Add(60*time.Minute), at)

	f.at(60)
	require.NoError(t, f.enrollments.Expire(f.ctx, eid))
	e, _ = f.store.Enrollment(eid)
	assert.Equal(t, model.EnrollmentStatusSubmitted, e.Status)
	assert.Equal(t, model.SubmitReasonExpired, *e.SubmitReason)

	require.NoError(t, f.enrollments.Expire(f.ctx, eid), "stale fire after submit")
	assert.Equal(t, 1, f.tally.count())
}

func TestEnrollmentService_ExpireWhileDisconnectedDoesNothing(t *testing.T) {
	f := newFixture(t)
	_, eid := f.started(t, 60)

	f.at(30)
	_, err := f.enrollments.HandleDisconnect(f.ctx, eid, testConn)
	require.NoError(t, err)

	f.at(90)
	require.NoError(t, f.enrollments.Expire(f.ctx, eid))
	e, _ := f.store.Enrollment(eid)
	assert.Equal(t, model.EnrollmentStatusActive, e.Status)
	assert.Equal(t, 30*time.Minute, f.remaining(t, eid))
}

func TestEnrollmentService_StatusAutoSubmitsAndDrains(t *testing.T) {
	f := newFixture(t)
	sid, eid := f.started(t, 60)

	f.at(10)
	_, err := f.sessions.Pause(f.ctx, sid)
	require.NoError(t, err)

	st, err := f.enrollments.Status(f.ctx, eid)
	require.NoError(t, err)
	assert.Equal(t, model.EnrollmentStatusPaused, st.Status)
	assert.Equal(t, model.SessionStatusPaused, st.SessionStatus)
	assert.Equal(t, int64(50*60), st.TimeRemaining)
	require.Len(t, st.Events, 1)
	assert.Equal(t, model.EventSessionPaused, st.Events[0].Type)

	st, err = f.enrollments.Status(f.ctx, eid)
	require.NoError(t, err)
	assert.Empty(t, st.Events, "events are consumed once")

	f.at(20)
	_, err = f.sessions.Resume(f.ctx, sid)
	require.NoError(t, err)
	f.events(t, eid)

	// The expiry job never ran; the status read notices the deadline.
	f.at(75)
	st, err = f.enrollments.Status(f.ctx, eid)
	require.NoError(t, err)
	assert.Equal(t, model.EnrollmentStatusSubmitted, st.Status)
	assert.Zero(t, st.TimeRemaining)
	require.Len(t, st.Events, 1)
	assert.Equal(t, model.EventSubmitted, st.Events[0].Type)
}

func TestEnrollmentService_Closest(t *testing.T) {
	f := newFixture(t)
	_, err := f.enrollments.Closest(f.ctx, 1)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, eid := f.started(t, 60)
	v, err := f.enrollments.Closest(f.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, eid, v.ID)
	require.NotNil(t, v.Session)
	assert.Equal(t, model.SessionStatusOngoing, v.Session.Status)
}

func TestEnrollmentService_SupersededConnectionCloseIsIgnored(t *testing.T) {
	f := newFixture(t)
	_, eid := f.started(t, 60)
	second := uuid.New()

	f.at(1)
	out, err := f.enrollments.HandleConnect(f.ctx, eid, second)
	require.NoError(t, err)
	assert.True(t, out.Applied)

	f.at(2)
	midExam, err := f.enrollments.HandleDisconnect(f.ctx, eid, testConn)
	require.NoError(t, err)
	assert.False(t, midExam)

	e, _ := f.store.Enrollment(eid)
	assert.True(t, e.Present)
	assert.Nil(t, e.DisconnectedAt)
	require.NotNil(t, e.ConnectionID)
	assert.Equal(t, second, *e.ConnectionID)
	at, ok := f.expiry.deadline(eid)
	require.True(t, ok)
	assert.Equal(t, t0.Add(60*time.Minute), at)

	f.at(30)
	assert.Equal(t, 30*time.Minute, f.remaining(t, eid), "clock keeps running on the newer connection")

	midExam, err = f.enrollments.HandleDisconnect(f.ctx, eid, second)
	require.NoError(t, err)
	assert.True(t, midExam)
	e, _ = f.store.Enrollment(eid)
	assert.False(t, e.Present)
	assert.Nil(t, e.ConnectionID)
	_, ok = f.expiry.deadline(eid)
	assert.False(t, ok)
}

func TestEnrollmentService_StatusExpiryYieldsToExtension(t *testing.T) {
	f := newFixture(t)
	sid, eid := f.started(t, 60)

	// The extension commits after Status saw the deadline pass but before
	// the expiry decision takes the row lock.
	f.at(61)
	f.store.BeforeNextTx(func() {
		out, err := f.sessions.OnDurationChanged(f.ctx, sid, 90*time.Minute)
		require.NoError(t, err)
		require.True(t, out.Applied)
	})

	st, err := f.enrollments.Status(f.ctx, eid)
	require.NoError(t, err)
	assert.Equal(t, model.EnrollmentStatusActive, st.Status)
	assert.Equal(t, int64(29*60), st.TimeRemaining)
	assert.Zero(t, f.tally.count())

	at, ok := f.expiry.deadline(eid)
	require.True(t, ok)
	assert.Equal(t, t0.Add(90*time.Minute), at)
}
