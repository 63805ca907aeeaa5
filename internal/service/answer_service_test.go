package service

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/apperr"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func letter(s string) *string { return &s }

func TestAnswerService_PageAndAnswerByLetter(t *testing.T) {
	f := newFixture(t)
	_, eid := f.started(t, 60)
	e, _ := f.store.Enrollment(eid)
	qid := e.QuestionOrder[0]

	page, err := f.enrollments.QuestionPage(f.ctx, eid, 1)
	require.NoError(t, err)
	assert.Equal(t, qid, page.QuestionID)
	assert.Equal(t, len(f.questions), page.TotalPages)
	assert.False(t, page.IsAnswered)
	assert.Nil(t, page.StudentAnswer)

	q, ok := findQuestion(f.questions, qid)
	require.True(t, ok)
	require.Len(t, page.Options, 4)
	for i, oid := range e.AnswerOrder[qid] {
		opt, ok := q.Option(oid)
		require.True(t, ok)
		assert.Equal(t, opt.Text, page.Options[i].Text)
		assert.Equal(t, string(rune('a'+i)), page.Options[i].Letter)
	}

	ack, err := f.enrollments.SubmitAnswer(f.ctx, eid, qid, letter("b"))
	require.NoError(t, err)
	assert.Equal(t, "b", *ack.StudentAnswer)

	sel, err := f.store.Repos().Answers.Selections(f.ctx, eid)
	require.NoError(t, err)
	assert.Equal(t, e.AnswerOrder[qid][1], sel[qid])

	page, err = f.enrollments.QuestionPage(f.ctx, eid, 1)
	require.NoError(t, err)
	assert.True(t, page.IsAnswered)
	require.NotNil(t, page.StudentAnswer)
	assert.Equal(t, "b", *page.StudentAnswer)
}

func TestAnswerService_UppercaseLetterIsAccepted(t *testing.T) {
	f := newFixture(t)
	_, eid := f.started(t, 60)
	e, _ := f.store.Enrollment(eid)

	ack, err := f.enrollments.SubmitAnswer(f.ctx, eid, e.QuestionOrder[2], letter(" D "))
	require.NoError(t, err)
	assert.Equal(t, "d", *ack.StudentAnswer)
}

func TestAnswerService_RejectsBadInput(t *testing.T) {
	f := newFixture(t)
	_, eid := f.started(t, 60)
	e, _ := f.store.Enrollment(eid)
	qid := e.QuestionOrder[0]

	tests := []struct {
		name string
		call func() error
		kind apperr.Kind
	}{
		{"page zero", func() error { _, err := f.enrollments.QuestionPage(f.ctx, eid, 0); return err }, apperr.KindInvalidInput},
		{"page past end", func() error { _, err := f.enrollments.QuestionPage(f.ctx, eid, 6); return err }, apperr.KindInvalidInput},
		{"letter out of range", func() error { _, err := f.enrollments.SubmitAnswer(f.ctx, eid, qid, letter("e")); return err }, apperr.KindInvalidInput},
		{"malformed letter", func() error { _, err := f.enrollments.SubmitAnswer(f.ctx, eid, qid, letter("bb")); return err }, apperr.KindInvalidInput},
		{"digit letter", func() error { _, err := f.enrollments.SubmitAnswer(f.ctx, eid, qid, letter("1")); return err }, apperr.KindInvalidInput},
		{"unknown question", func() error { _, err := f.enrollments.SubmitAnswer(f.ctx, eid, uuid.New(), letter("a")); return err }, apperr.KindNotFound},
		{"clear unknown question", func() error { _, err := f.enrollments.ClearAnswer(f.ctx, eid, uuid.New()); return err }, apperr.KindNotFound},
		{"unknown enrollment", func() error { _, err := f.enrollments.QuestionPage(f.ctx, uuid.New(), 1); return err }, apperr.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}
}

func TestAnswerService_ClearAnswer(t *testing.T) {
	f := newFixture(t)
	_, eid := f.started(t, 60)
	e, _ := f.store.Enrollment(eid)
	qid := e.QuestionOrder[0]

	_, err := f.enrollments.SubmitAnswer(f.ctx, eid, qid, letter("a"))
	require.NoError(t, err)

	ack, err := f.enrollments.SubmitAnswer(f.ctx, eid, qid, letter(""))
	require.NoError(t, err)
	assert.True(t, ack.Cleared)

	_, err = f.enrollments.SubmitAnswer(f.ctx, eid, qid, letter("c"))
	require.NoError(t, err)
	ack, err = f.enrollments.SubmitAnswer(f.ctx, eid, qid, nil)
	require.NoError(t, err)
	assert.True(t, ack.Cleared)

	page, err := f.enrollments.QuestionPage(f.ctx, eid, 1)
	require.NoError(t, err)
	assert.False(t, page.IsAnswered)
}

func TestAnswerService_WritesNeedRunningClock(t *testing.T) {
	f := newFixture(t)
	sid, eid := f.started(t, 60)
	e, _ := f.store.Enrollment(eid)
	qid := e.QuestionOrder[0]

	_, err := f.sessions.Pause(f.ctx, sid)
	require.NoError(t, err)
	_, err = f.enrollments.SubmitAnswer(f.ctx, eid, qid, letter("a"))
	assert.True(t, apperr.Is(err, apperr.KindInvalidState), "paused session")

	_, err = f.enrollments.QuestionPage(f.ctx, eid, 1)
	assert.NoError(t, err, "reading stays allowed while paused")

	_, err = f.sessions.Resume(f.ctx, sid)
	require.NoError(t, err)
	_, err = f.enrollments.SubmitExam(f.ctx, eid, model.SubmitReasonCandidate)
	require.NoError(t, err)

	_, err = f.enrollments.SubmitAnswer(f.ctx, eid, qid, letter("a"))
	assert.True(t, apperr.Is(err, apperr.KindInvalidState), "submitted")
	_, err = f.enrollments.QuestionPage(f.ctx, eid, 1)
	assert.True(t, apperr.Is(err, apperr.KindInvalidState))
}

func TestAnswerService_WritesNeedConnection(t *testing.T) {
	f := newFixture(t)
	_, eid := f.started(t, 60)
	e, _ := f.store.Enrollment(eid)

	f.at(1)
	_, err := f.enrollments.HandleDisconnect(f.ctx, eid, testConn)
	require.NoError(t, err)

	f.at(600)
	for _, qid := range e.QuestionOrder {
		_, err := f.enrollments.SubmitAnswer(f.ctx, eid, qid, letter("a"))
		assert.True(t, apperr.Is(err, apperr.KindInvalidState), "disconnected candidate cannot answer")
	}
	_, err = f.enrollments.ClearAnswer(f.ctx, eid, e.QuestionOrder[0])
	assert.True(t, apperr.Is(err, apperr.KindInvalidState))

	sel, err := f.store.Repos().Answers.Selections(f.ctx, eid)
	require.NoError(t, err)
	assert.Empty(t, sel)
	assert.Equal(t, 59*time.Minute, f.remaining(t, eid))

	_, err = f.enrollments.HandleConnect(f.ctx, eid, testConn)
	require.NoError(t, err)
	_, err = f.enrollments.SubmitAnswer(f.ctx, eid, e.QuestionOrder[0], letter("a"))
	assert.NoError(t, err)
}

func TestAnswerService_ReadsSubmitExpired(t *testing.T) {
	tests := []struct {
		name string
		read func(f *fixture, eid uuid.UUID) error
	}{
		{"page", func(f *fixture, eid uuid.UUID) error {
			_, err := f.enrollments.QuestionPage(f.ctx, eid, 1)
			return err
		}},
		{"summary", func(f *fixture, eid uuid.UUID) error {
			_, err := f.enrollments.AnswerSummary(f.ctx, eid)
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, eid := f.started(t, 60)

			f.at(61)
			_ = tt.read(f, eid)

			e, _ := f.store.Enrollment(eid)
			assert.Equal(t, model.EnrollmentStatusSubmitted, e.Status)
			require.NotNil(t, e.SubmitReason)
			assert.Equal(t, model.SubmitReasonExpired, *e.SubmitReason)
			assert.Equal(t, 1, f.tally.count())
		})
	}
}

func TestAnswerService_AnswerAfterTimeIsUpSubmits(t *testing.T) {
	f := newFixture(t)
	_, eid := f.started(t, 60)
	e, _ := f.store.Enrollment(eid)

	f.at(61)
	_, err := f.enrollments.SubmitAnswer(f.ctx, eid, e.QuestionOrder[0], letter("a"))
	assert.True(t, apperr.Is(err, apperr.KindInvalidState))

	e, _ = f.store.Enrollment(eid)
	assert.Equal(t, model.EnrollmentStatusSubmitted, e.Status, "submit commits even though the write failed")
	assert.Equal(t, model.SubmitReasonExpired, *e.SubmitReason)

	sel, err := f.store.Repos().Answers.Selections(f.ctx, eid)
	require.NoError(t, err)
	assert.Empty(t, sel)
}

func TestAnswerService_Summary(t *testing.T) {
	f := newFixture(t)
	_, eid := f.started(t, 60)
	e, _ := f.store.Enrollment(eid)

	_, err := f.enrollments.SubmitAnswer(f.ctx, eid, e.QuestionOrder[1], letter("c"))
	require.NoError(t, err)

	items, err := f.enrollments.AnswerSummary(f.ctx, eid)
	require.NoError(t, err)
	require.Len(t, items, len(f.questions))
	assert.False(t, items[0].IsAnswered)
	assert.True(t, items[1].IsAnswered)
	assert.Equal(t, 2, items[1].Page)
	assert.Equal(t, "c", *items[1].StudentAnswer)
}

func TestAnswerService_NotStarted(t *testing.T) {
	f := newFixture(t)
	sid := f.session(t, 60)
	eid := f.enroll(t, sid, 1)

	_, err := f.enrollments.QuestionPage(f.ctx, eid, 1)
	assert.True(t, apperr.Is(err, apperr.KindInvalidState))
	_, err = f.enrollments.AnswerSummary(f.ctx, eid)
	assert.True(t, apperr.Is(err, apperr.KindInvalidState))
}
