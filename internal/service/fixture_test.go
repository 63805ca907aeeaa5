package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/mailbox"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository/memstore"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// testConn is the connection every fixture candidate connects on.
var testConn = uuid.MustParse("6f1c2a7e-3b4d-4e5f-8a9b-0c1d2e3f4a5b")

type fakeExpiry struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]time.Time
}

func (f *fakeExpiry) Arm(_ context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id] = at
	return nil
}

func (f *fakeExpiry) Cancel(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, id)
	return nil
}

func (f *fakeExpiry) deadline(id uuid.UUID) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.jobs[id]
	return at, ok
}

type fakeTally struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (f *fakeTally) Enqueue(_ context.Context, ids ...uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, ids...)
	return nil
}

func (f *fakeTally) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}

type fixture struct {
	ctx         context.Context
	clk         *clockwork.FakeClock
	store       *memstore.Store
	expiry      *fakeExpiry
	tally       *fakeTally
	mailbox     *mailbox.Mailbox
	sessions    *SessionService
	enrollments *EnrollmentService
	examID      uuid.UUID
	questions   []model.Question
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &fixture{
		ctx:     context.Background(),
		clk:     clockwork.NewFakeClockAt(t0),
		expiry:  &fakeExpiry{jobs: map[uuid.UUID]time.Time{}},
		tally:   &fakeTally{},
		mailbox: mailbox.New(rdb, time.Hour, zerolog.Nop()),
		examID:  uuid.New(),
	}
	f.store = memstore.New(f.clk)

	for i := 0; i < 5; i++ {
		q := model.Question{ID: uuid.New(), Text: fmt.Sprintf("Question %d", i+1), OrderNum: i + 1}
		for j := 0; j < 4; j++ {
			q.Options = append(q.Options, model.AnswerOption{
				ID:        uuid.New(),
				Text:      fmt.Sprintf("Q%d option %d", i+1, j+1),
				IsCorrect: j == 0,
				OrderNum:  j + 1,
			})
		}
		f.questions = append(f.questions, q)
	}
	f.store.AddQuestions(f.examID, f.questions)

	d := Deps{
		Store:   f.store,
		Clock:   f.clk,
		Expiry:  f.expiry,
		Mailbox: f.mailbox,
		Tally:   f.tally,
	}
	f.sessions = NewSessionService(d, zerolog.Nop())
	f.enrollments = NewEnrollmentService(d, zerolog.Nop())
	return f
}

func (f *fixture) at(min int) {
	f.clk.Advance(t0.Add(time.Duration(min) * time.Minute).Sub(f.clk.Now()))
}

// session schedules a session at t0 with the given length in minutes.
func (f *fixture) session(t *testing.T, minutes int) uuid.UUID {
	t.Helper()
	view, err := f.sessions.Create(f.ctx, model.CreateSessionRequest{
		ExamID:          f.examID,
		Name:            "Morning",
		BaseStart:       t0,
		DurationMinutes: minutes,
		Halls:           []model.CreateHallRequest{{HallName: "Hall A", Capacity: 40}},
	})
	require.NoError(t, err)
	return view.ID
}

// enroll creates a candidate and enrolls them into sessionID.
func (f *fixture) enroll(t *testing.T, sessionID uuid.UUID, candidateID int) uuid.UUID {
	t.Helper()
	f.store.AddCandidate(model.Candidate{ID: candidateID, Name: "Candidate", SymbolNumber: fmt.Sprintf("S-%d", candidateID)})
	res, err := f.enrollments.Enroll(f.ctx, sessionID, []model.EnrollRow{{CandidateID: candidateID}})
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.NotNil(t, res[0].EnrollmentID, "enroll error: %v", res[0].Error)
	return *res[0].EnrollmentID
}

// started returns an ongoing session with one connected candidate.
func (f *fixture) started(t *testing.T, minutes int) (sessionID, enrollmentID uuid.UUID) {
	t.Helper()
	sessionID = f.session(t, minutes)
	enrollmentID = f.enroll(t, sessionID, 1)
	out, err := f.sessions.Activate(f.ctx, sessionID)
	require.NoError(t, err)
	require.True(t, out.Applied)
	_, err = f.enrollments.HandleConnect(f.ctx, enrollmentID, testConn)
	require.NoError(t, err)
	return sessionID, enrollmentID
}

func (f *fixture) remaining(t *testing.T, enrollmentID uuid.UUID) time.Duration {
	t.Helper()
	v, err := f.enrollments.Get(f.ctx, enrollmentID)
	require.NoError(t, err)
	return time.Duration(v.TimeRemaining) * time.Second
}

func (f *fixture) events(t *testing.T, enrollmentID uuid.UUID) []model.MailboxEventType {
	t.Helper()
	events, err := f.mailbox.Drain(f.ctx, enrollmentID)
	require.NoError(t, err)
	types := make([]model.MailboxEventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}
