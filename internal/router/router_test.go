package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/gateway"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/mailbox"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/notify"
	"github.com/stemsi/exstem-proctor/internal/repository/memstore"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/scheduler"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "router-secret"

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	validator.Setup()
	os.Exit(m.Run())
}

type testApp struct {
	router      *gin.Engine
	mr          *miniredis.Miniredis
	clk         *clockwork.FakeClock
	store       *memstore.Store
	sessions    *service.SessionService
	enrollments *service.EnrollmentService
	examID      uuid.UUID
	questions   []model.Question
}

func setupTestApp(t *testing.T) *testApp {
	t.Helper()
	log := zerolog.Nop()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{GinMode: gin.TestMode, JWTSecret: testSecret}
	clk := clockwork.NewFakeClockAt(t0)
	store := memstore.New(clk)
	retry := scheduler.NewRetry(clk, 0)
	expiry := scheduler.NewExpiryScheduler(clk, rdb, retry, log)
	t.Cleanup(expiry.Stop)

	deps := service.Deps{
		Store:   store,
		Clock:   clk,
		Expiry:  expiry,
		Mailbox: mailbox.New(rdb, time.Minute, log),
		Monitor: notify.NewRedisMonitor(rdb, log),
		Tally:   worker.NewScoreQueue(rdb),
	}
	auth := service.NewAuthService(cfg, rdb, store, log)
	sessions := service.NewSessionService(deps, log)
	enrollments := service.NewEnrollmentService(deps, log)
	expiry.SetHandler(enrollments.Expire)

	handlers := &Handlers{
		StudentExam: handler.NewStudentExamHandler(enrollments, log),
		Session:     handler.NewSessionHandler(sessions, enrollments, worker.NewCommandQueue(rdb, clk), log),
		Candidate:   handler.NewCandidateHandler(auth, log),
		Monitor:     handler.NewMonitorHandler(rdb, sessions, log),
		System:      handler.NewSystemHandler(rdb, expiry, log),
		Gateway:     gateway.New(auth, enrollments, notify.NewLogSink(log), clk, time.Second, nil, log),
	}
	limiters := &Limiters{
		Handshake: middleware.NewRateLimiter(clk, 30, time.Minute, middleware.ByClientIP),
		Student:   middleware.NewRateLimiter(clk, 300, time.Minute, middleware.ByCandidate),
	}
	t.Cleanup(limiters.Handshake.Stop)
	t.Cleanup(limiters.Student.Stop)

	app := &testApp{
		router:      SetupRouter(auth, handlers, limiters, cfg),
		mr:          mr,
		clk:         clk,
		store:       store,
		sessions:    sessions,
		enrollments: enrollments,
		examID:      uuid.New(),
	}
	for i := 0; i < 3; i++ {
		q := model.Question{ID: uuid.New(), Text: fmt.Sprintf("Question %d", i+1)}
		for j := 0; j < 4; j++ {
			q.Options = append(q.Options, model.AnswerOption{ID: uuid.New(), Text: fmt.Sprintf("Option %d", j+1)})
		}
		app.questions = append(app.questions, q)
	}
	store.AddQuestions(app.examID, app.questions)
	store.AddCandidate(model.Candidate{ID: 1, Name: "Budi", SymbolNumber: "S-1"})
	store.AddCandidate(model.Candidate{ID: 2, Name: "Rina", SymbolNumber: "S-2"})
	return app
}

func token(t *testing.T, claims service.Claims) string {
	t.Helper()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func studentToken(t *testing.T, id, version int) string {
	return token(t, service.Claims{TokenType: service.TokenTypeStudent, UserID: id, TokenVersion: version})
}

func adminToken(t *testing.T, perms ...model.Permission) string {
	ps := make([]string, len(perms))
	for i, p := range perms {
		ps[i] = string(p)
	}
	return token(t, service.Claims{TokenType: service.TokenTypeAdmin, UserID: 100, Permissions: ps})
}

type envelope struct {
	Data  json.RawMessage     `json:"data"`
	Error *response.ErrorBody `json:"error"`
}

func (a *testApp) do(t *testing.T, method, path, tok string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), "body: %s", w.Body.String())
	return w.Code, env
}

func errCode(env envelope) response.ErrCode {
	if env.Error == nil {
		return ""
	}
	return env.Error.Code
}

// startedEnrollment schedules a session at t0, enrolls candidate 1, starts
// the session and connects the candidate.
func (a *testApp) startedEnrollment(t *testing.T) (uuid.UUID, model.Enrollment) {
	t.Helper()
	ctx := t.Context()
	sess, err := a.sessions.Create(ctx, model.CreateSessionRequest{ExamID: a.examID, Name: "Morning", BaseStart: t0, DurationMinutes: 60})
	require.NoError(t, err)
	res, err := a.enrollments.Enroll(ctx, sess.ID, []model.EnrollRow{{CandidateID: 1}})
	require.NoError(t, err)
	require.NotNil(t, res[0].EnrollmentID)
	_, err = a.sessions.Activate(ctx, sess.ID)
	require.NoError(t, err)
	_, err = a.enrollments.HandleConnect(ctx, *res[0].EnrollmentID, uuid.New())
	require.NoError(t, err)
	e, _ := a.store.Enrollment(*res[0].EnrollmentID)
	return sess.ID, e
}

func TestRouter_Health(t *testing.T) {
	app := setupTestApp(t)
	code, env := app.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, string(env.Data))
}

func TestRouter_StudentWithoutEnrollment(t *testing.T) {
	app := setupTestApp(t)

	code, env := app.do(t, http.MethodGet, "/api/v1/student/enrollment", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, response.ErrTokenRequired, errCode(env))

	code, env = app.do(t, http.MethodGet, "/api/v1/student/enrollment", studentToken(t, 1, 1), nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, response.ErrNoEnrollment, errCode(env))
}

func TestRouter_StudentExamFlow(t *testing.T) {
	app := setupTestApp(t)
	_, e := app.startedEnrollment(t)
	tok := studentToken(t, 1, 1)
	qid := e.QuestionOrder[0]

	code, env := app.do(t, http.MethodGet, "/api/v1/student/exam/questions/1", tok, nil)
	require.Equal(t, http.StatusOK, code)
	var page model.QuestionPage
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, qid, page.QuestionID)
	assert.Equal(t, 3, page.TotalPages)

	code, env = app.do(t, http.MethodPut, "/api/v1/student/exam/answers/"+qid.String(), tok, gin.H{"answer": "b"})
	require.Equal(t, http.StatusOK, code)
	var ack model.AnswerAck
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.Equal(t, "b", *ack.StudentAnswer)

	code, env = app.do(t, http.MethodGet, "/api/v1/student/exam/questions/1", tok, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.True(t, page.IsAnswered)
	assert.Equal(t, "b", *page.StudentAnswer)

	app.clk.Advance(10 * time.Minute)
	code, env = app.do(t, http.MethodGet, "/api/v1/student/exam/status", tok, nil)
	require.Equal(t, http.StatusOK, code)
	var st model.EnrollmentStatusView
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, int64(50*60), st.TimeRemaining)
	assert.Equal(t, model.EnrollmentStatusActive, st.Status)

	code, env = app.do(t, http.MethodPost, "/api/v1/student/exam/submit", tok, nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"applied":true}`, string(env.Data))

	code, env = app.do(t, http.MethodPost, "/api/v1/student/exam/submit", tok, nil)
	require.Equal(t, http.StatusOK, code, "repeat submit is not an error")
	assert.JSONEq(t, `{"applied":false,"reason":"already submitted"}`, string(env.Data))

	code, env = app.do(t, http.MethodPut, "/api/v1/student/exam/answers/"+qid.String(), tok, gin.H{"answer": "a"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, response.ErrInvalidState, errCode(env))
}

func TestRouter_StudentErrorMapping(t *testing.T) {
	app := setupTestApp(t)
	_, e := app.startedEnrollment(t)
	tok := studentToken(t, 1, 1)
	qid := e.QuestionOrder[0].String()

	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		wantCode int
		wantErr  response.ErrCode
	}{
		{"page not a number", http.MethodGet, "/api/v1/student/exam/questions/abc", nil, http.StatusBadRequest, response.ErrInvalidID},
		{"page out of range", http.MethodGet, "/api/v1/student/exam/questions/4", nil, http.StatusBadRequest, response.ErrInvalidInput},
		{"question id malformed", http.MethodPut, "/api/v1/student/exam/answers/xyz", gin.H{"answer": "a"}, http.StatusBadRequest, response.ErrInvalidID},
		{"letter malformed", http.MethodPut, "/api/v1/student/exam/answers/" + qid, gin.H{"answer": "ab"}, http.StatusBadRequest, response.ErrValidation},
		{"letter out of range", http.MethodPut, "/api/v1/student/exam/answers/" + qid, gin.H{"answer": "f"}, http.StatusBadRequest, response.ErrInvalidInput},
		{"question not on paper", http.MethodPut, "/api/v1/student/exam/answers/" + uuid.NewString(), gin.H{"answer": "a"}, http.StatusNotFound, response.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := app.do(t, tt.method, tt.path, tok, tt.body)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantErr, errCode(env))
		})
	}

	code, env := app.do(t, http.MethodDelete, "/api/v1/student/exam/answers/"+qid, tok, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"cleared":true`)
}

func TestRouter_AdminSessionLifecycle(t *testing.T) {
	app := setupTestApp(t)
	writer := adminToken(t, model.PermissionSessionsWrite, model.PermissionSessionsRead)
	controller := adminToken(t, model.PermissionSessionsControl)

	code, env := app.do(t, http.MethodPost, "/api/v1/admin/sessions", writer, gin.H{
		"exam_id":          app.examID,
		"name":             "Afternoon",
		"base_start":       t0.Add(time.Hour),
		"duration_minutes": 90,
		"halls":            []gin.H{{"hall_name": "Hall B", "capacity": 30}},
	})
	require.Equal(t, http.StatusCreated, code, "error: %+v", env.Error)
	var created struct {
		Session model.SessionView `json:"session"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	sid := created.Session.ID
	assert.Equal(t, int64(90*60), created.Session.BaseDurationSeconds)
	require.Len(t, created.Session.Halls, 1)

	code, env = app.do(t, http.MethodPost, "/api/v1/admin/sessions", writer, gin.H{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, response.ErrValidation, errCode(env))

	code, env = app.do(t, http.MethodPost, "/api/v1/admin/sessions/"+sid.String()+"/enrollments", writer, gin.H{
		"candidates": []gin.H{{"candidate_id": 1}, {"candidate_id": 2}, {"candidate_id": 1}, {"candidate_id": 404}},
	})
	require.Equal(t, http.StatusMultiStatus, code)
	var enrolled struct {
		Created int                  `json:"created"`
		Results []model.EnrollResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &enrolled))
	assert.Equal(t, 2, enrolled.Created)
	assert.Equal(t, "conflict", *enrolled.Results[2].Code)
	assert.Equal(t, "not_found", *enrolled.Results[3].Code)

	code, _ = app.do(t, http.MethodPost, "/api/v1/admin/sessions/"+sid.String()+"/pause", writer, nil)
	assert.Equal(t, http.StatusForbidden, code, "write permission does not grant control")

	code, env = app.do(t, http.MethodPost, "/api/v1/admin/sessions/"+sid.String()+"/pause", controller, nil)
	require.Equal(t, http.StatusAccepted, code)
	assert.Contains(t, string(env.Data), `"action":"pause"`)
	queued, err := app.mr.List(config.WorkerKey.SessionCommandsQueue)
	require.NoError(t, err)
	assert.Len(t, queued, 1)

	code, env = app.do(t, http.MethodPost, "/api/v1/admin/sessions/"+uuid.NewString()+"/cancel", controller, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, response.ErrNotFound, errCode(env))

	code, env = app.do(t, http.MethodPut, "/api/v1/admin/sessions/"+sid.String()+"/duration", writer, gin.H{"duration_minutes": 100})
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"applied":true}`, string(env.Data))

	code, env = app.do(t, http.MethodGet, "/api/v1/admin/sessions/"+sid.String(), writer, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"base_duration_seconds":6000`)
}

func TestRouter_AdminClosestSession(t *testing.T) {
	app := setupTestApp(t)
	reader := adminToken(t, model.PermissionSessionsRead)

	code, env := app.do(t, http.MethodGet, "/api/v1/admin/sessions/closest", reader, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, response.ErrNoSession, errCode(env))

	sid, _ := app.startedEnrollment(t)
	code, env = app.do(t, http.MethodGet, "/api/v1/admin/sessions/closest", reader, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), sid.String())
}

func TestRouter_RevokeInvalidatesStudentToken(t *testing.T) {
	app := setupTestApp(t)
	app.startedEnrollment(t)
	tok := studentToken(t, 1, 1)

	code, _ := app.do(t, http.MethodGet, "/api/v1/student/enrollment", tok, nil)
	require.Equal(t, http.StatusOK, code)

	code, env := app.do(t, http.MethodPost, "/api/v1/admin/candidates/1/revoke", adminToken(t, model.PermissionCandidatesRevoke), nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"candidate_id":1,"token_version":2}`, string(env.Data))

	code, env = app.do(t, http.MethodGet, "/api/v1/student/enrollment", tok, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, response.ErrTokenRevoked, errCode(env))

	code, _ = app.do(t, http.MethodGet, "/api/v1/student/enrollment", studentToken(t, 1, 2), nil)
	assert.Equal(t, http.StatusOK, code)
}
