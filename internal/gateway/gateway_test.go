package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/apperr"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/mailbox"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/notify"
	"github.com/stemsi/exstem-proctor/internal/repository/memstore"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "gateway-secret"

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

type nopExpiry struct{}

func (nopExpiry) Arm(context.Context, uuid.UUID, time.Time) error { return nil }
func (nopExpiry) Cancel(context.Context, uuid.UUID) error { return nil }

type nopTally struct{}

func (nopTally) Enqueue(context.Context, ...uuid.UUID) error { return nil }

type alertRecorder struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (r *alertRecorder) Alert(_ context.Context, a notify.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *alertRecorder) snapshot() []notify.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Alert(nil), r.alerts...)
}

type gatewayFixture struct {
	url         string
	clk         *clockwork.FakeClock
	tickClk     *clockwork.FakeClock
	store       *memstore.Store
	sessions    *service.SessionService
	enrollments *service.EnrollmentService
	sink        *alertRecorder
}

func setupTestGateway(t *testing.T) *gatewayFixture {
	t.Helper()
	log := zerolog.Nop()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clk := clockwork.NewFakeClockAt(t0)
	store := memstore.New(clk)
	deps := service.Deps{
		Store:   store,
		Clock:   clk,
		Expiry:  nopExpiry{},
		Mailbox: mailbox.New(rdb, time.Minute, log),
		Tally:   nopTally{},
	}
	auth := service.NewAuthService(&config.Config{JWTSecret: testSecret}, rdb, store, log)

	f := &gatewayFixture{
		clk:         clk,
		tickClk:     clockwork.NewFakeClockAt(t0),
		store:       store,
		sessions:    service.NewSessionService(deps, log),
		enrollments: service.NewEnrollmentService(deps, log),
		sink:        &alertRecorder{},
	}
	gw := New(auth, f.enrollments, f.sink, f.tickClk, time.Second, nil, log)

	r := gin.New()
	r.GET("/ws", gw.ExamStream)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	f.url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	examID := uuid.New()
	var qs []model.Question
	for i := 0; i < 2; i++ {
		q := model.Question{ID: uuid.New(), ExamID: examID, Text: "q"}
		for j := 0; j < 3; j++ {
			q.Options = append(q.Options, model.AnswerOption{ID: uuid.New(), Text: "o"})
		}
		qs = append(qs, q)
	}
	store.AddQuestions(examID, qs)
	store.AddCandidate(model.Candidate{ID: 1, Name: "Budi"})
	store.AddCandidate(model.Candidate{ID: 2, Name: "Rina"})

	sess, err := f.sessions.Create(context.Background(), model.CreateSessionRequest{
		ExamID: examID, Name: "Morning", BaseStart: t0, DurationMinutes: 60,
	})
	require.NoError(t, err)
	_, err = f.enrollments.Enroll(context.Background(), sess.ID, []model.EnrollRow{{CandidateID: 1}})
	require.NoError(t, err)
	return f
}

func (f *gatewayFixture) startSession(t *testing.T) {
	t.Helper()
	s, err := f.sessions.Closest(context.Background())
	require.NoError(t, err)
	_, err = f.sessions.Activate(context.Background(), s.ID)
	require.NoError(t, err)
}

func tokenFor(t *testing.T, candidateID int) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, service.Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		TokenType:        service.TokenTypeStudent,
		UserID:           candidateID,
		TokenVersion:     1,
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	return ws
}

func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, code, ce.Code)
}

// frame is the union of every server event used by these tests.
type frame struct {
	Event        Event           `json:"event"`
	EnrollmentID uuid.UUID       `json:"enrollment_id"`
	Code         string          `json:"code"`
	Applied      bool            `json:"applied"`
	Data         json.RawMessage `json:"data"`
}

func read(t *testing.T, ws *websocket.Conn) frame {
	t.Helper()
	var f frame
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

func TestGateway_RejectsBadToken(t *testing.T) {
	f := setupTestGateway(t)

	ws := dial(t, f.url+"?token=garbage")
	expectClose(t, ws, CloseUnauthorized)

	ws = dial(t, f.url)
	require.NoError(t, ws.WriteJSON(Request{Action: ActionPing}))
	expectClose(t, ws, CloseUnauthorized)
}

func TestGateway_NoEnrollment(t *testing.T) {
	f := setupTestGateway(t)
	ws := dial(t, f.url)
	require.NoError(t, ws.WriteJSON(Request{Action: ActionAuth, Token: tokenFor(t, 2)}))
	expectClose(t, ws, CloseEnrollmentNotFound)
}

func TestGateway_SessionNotStarted(t *testing.T) {
	f := setupTestGateway(t)
	ws := dial(t, f.url+"?token="+tokenFor(t, 1))
	expectClose(t, ws, CloseNotStarted)
}

func TestGateway_ExamActions(t *testing.T) {
	f := setupTestGateway(t)
	f.startSession(t)

	ws := dial(t, f.url)
	require.NoError(t, ws.WriteJSON(Request{Action: ActionAuth, Token: tokenFor(t, 1)}))
	hello := read(t, ws)
	require.Equal(t, EventConnected, hello.Event)

	e, ok := f.store.Enrollment(hello.EnrollmentID)
	require.True(t, ok)
	assert.True(t, e.Present)
	require.Len(t, e.QuestionOrder, 2)

	require.NoError(t, ws.WriteJSON(Request{Action: ActionGetQuestion, Page: 1}))
	assert.Equal(t, EventQuestion, read(t, ws).Event)

	answer := "c"
	require.NoError(t, ws.WriteJSON(Request{Action: ActionSubmitAnswer, QuestionID: e.QuestionOrder[0].String(), Answer: &answer}))
	assert.Equal(t, EventAnswerSaved, read(t, ws).Event)

	bad := "d"
	require.NoError(t, ws.WriteJSON(Request{Action: ActionSubmitAnswer, QuestionID: e.QuestionOrder[0].String(), Answer: &bad}))
	errFrame := read(t, ws)
	assert.Equal(t, EventError, errFrame.Event)
	assert.Equal(t, "invalid_input", errFrame.Code, "three options end at c")

	require.NoError(t, ws.WriteJSON(Request{Action: ActionGetQuestion, Page: 9}))
	assert.Equal(t, "invalid_input", read(t, ws).Code)

	require.NoError(t, ws.WriteJSON(Request{Action: "dance"}))
	assert.Equal(t, EventError, read(t, ws).Event)

	require.NoError(t, ws.WriteJSON(Request{Action: ActionPing}))
	assert.Equal(t, EventPong, read(t, ws).Event)

	require.NoError(t, ws.WriteJSON(Request{Action: ActionSubmitExam}))
	done := read(t, ws)
	assert.Equal(t, EventSubmitted, done.Event)
	assert.True(t, done.Applied)

	require.NoError(t, ws.WriteJSON(Request{Action: ActionSubmitExam}))
	again := read(t, ws)
	assert.Equal(t, EventSubmitted, again.Event)
	assert.False(t, again.Applied)
}

func TestGateway_TickAndDisconnect(t *testing.T) {
	f := setupTestGateway(t)
	f.startSession(t)

	ws := dial(t, f.url+"?token="+tokenFor(t, 1))
	hello := read(t, ws)
	require.Equal(t, EventConnected, hello.Event)

	require.NoError(t, ws.WriteJSON(Request{Action: ActionStartTimer}))
	assert.Equal(t, EventTimerStarted, read(t, ws).Event)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.tickClk.BlockUntilContext(ctx, 1))

	f.clk.Advance(10 * time.Minute)
	f.tickClk.Advance(time.Second)
	tick := read(t, ws)
	require.Equal(t, EventTick, tick.Event)
	var st model.EnrollmentStatusView
	require.NoError(t, json.Unmarshal(tick.Data, &st))
	assert.Equal(t, int64(50*60), st.TimeRemaining)

	require.NoError(t, ws.WriteJSON(Request{Action: ActionStopTimer}))
	assert.Equal(t, EventTimerStopped, read(t, ws).Event)
	require.NoError(t, f.tickClk.BlockUntilContext(ctx, 0))

	require.NoError(t, ws.Close())

	require.Eventually(t, func() bool { return len(f.sink.snapshot()) == 1 }, 5*time.Second, 10*time.Millisecond)
	alert := f.sink.snapshot()[0]
	assert.Equal(t, notify.AlertCandidateDisconnected, alert.Type)
	assert.Equal(t, 1, alert.CandidateID)
	assert.Equal(t, hello.EnrollmentID, alert.EnrollmentID)

	e, _ := f.store.Enrollment(hello.EnrollmentID)
	assert.False(t, e.Present)
	require.NotNil(t, e.DisconnectedAt)
	assert.Equal(t, t0.Add(10*time.Minute), *e.DisconnectedAt)
}

func TestGateway_NewerConnectionSupersedes(t *testing.T) {
	f := setupTestGateway(t)
	f.startSession(t)

	first := dial(t, f.url+"?token="+tokenFor(t, 1))
	hello := read(t, first)
	require.Equal(t, EventConnected, hello.Event)

	second := dial(t, f.url+"?token="+tokenFor(t, 1))
	require.Equal(t, EventConnected, read(t, second).Event)
	expectClose(t, first, CloseSuperseded)

	// The older socket's close must not freeze the clock the newer one runs on.
	assert.Never(t, func() bool {
		e, _ := f.store.Enrollment(hello.EnrollmentID)
		return !e.Present
	}, 300*time.Millisecond, 10*time.Millisecond)
	assert.Empty(t, f.sink.snapshot())

	e, _ := f.store.Enrollment(hello.EnrollmentID)
	answer := "a"
	require.NoError(t, second.WriteJSON(Request{Action: ActionSubmitAnswer, QuestionID: e.QuestionOrder[0].String(), Answer: &answer}))
	assert.Equal(t, EventAnswerSaved, read(t, second).Event)

	require.NoError(t, second.Close())
	require.Eventually(t, func() bool {
		e, _ := f.store.Enrollment(hello.EnrollmentID)
		return !e.Present
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(f.sink.snapshot()) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestGateway_DisconnectedCandidateCannotAnswerOverHTTP(t *testing.T) {
	f := setupTestGateway(t)
	f.startSession(t)

	ws := dial(t, f.url+"?token="+tokenFor(t, 1))
	hello := read(t, ws)
	require.Equal(t, EventConnected, hello.Event)
	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		e, _ := f.store.Enrollment(hello.EnrollmentID)
		return !e.Present
	}, 5*time.Second, 10*time.Millisecond)

	f.clk.Advance(10 * time.Hour)
	e, _ := f.store.Enrollment(hello.EnrollmentID)
	answer := "a"
	_, err := f.enrollments.SubmitAnswer(context.Background(), hello.EnrollmentID, e.QuestionOrder[0], &answer)
	assert.True(t, apperr.Is(err, apperr.KindInvalidState))
	assert.Contains(t, err.Error(), "not connected")
}
