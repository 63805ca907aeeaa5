// Package gateway serves the candidate's realtime exam connection.
package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/apperr"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/notify"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// Authenticator verifies a candidate bearer token.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*service.Claims, error)
}

// Enrollments is the enrollment timer as seen by a connection.
type Enrollments interface {
	Closest(ctx context.Context, candidateID int) (model.EnrollmentView, error)
	HandleConnect(ctx context.Context, id, connID uuid.UUID) (model.Outcome, error)
	HandleDisconnect(ctx context.Context, id, connID uuid.UUID) (bool, error)
	Status(ctx context.Context, id uuid.UUID) (model.EnrollmentStatusView, error)
	QuestionPage(ctx context.Context, id uuid.UUID, n int) (*model.QuestionPage, error)
	SubmitAnswer(ctx context.Context, id, questionID uuid.UUID, letter *string) (*model.AnswerAck, error)
	AnswerSummary(ctx context.Context, id uuid.UUID) ([]model.AnswerSummaryItem, error)
	SubmitExam(ctx context.Context, id uuid.UUID, reason model.SubmitReason) (model.Outcome, error)
}

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty allowedOrigins permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// Gateway upgrades candidate connections and dispatches their actions.
//
// A candidate holds at most one live connection per enrollment on this
// instance; a newer connection closes the older one.
type Gateway struct {
	auth        Authenticator
	enrollments Enrollments
	sink        notify.Sink
	clk         clock.Clock
	tick        time.Duration
	log         zerolog.Logger
	upgrader    websocket.Upgrader

	mu   sync.Mutex
	live map[uuid.UUID]*client
}

// New creates a new Gateway.
func New(auth Authenticator, enrollments Enrollments, sink notify.Sink, clk clock.Clock, tick time.Duration, allowedOrigins []string, log zerolog.Logger) *Gateway {
	return &Gateway{
		auth:        auth,
		enrollments: enrollments,
		sink:        sink,
		clk:         clk,
		tick:        tick,
		log:         log.With().Str("component", "gateway").Logger(),
		upgrader:    buildUpgrader(allowedOrigins),
		live:        make(map[uuid.UUID]*client),
	}
}

// attach makes cl the live connection of its enrollment and returns the
// connection it replaced, if any.
func (g *Gateway) attach(cl *client) *client {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.live[cl.enrollmentID]
	g.live[cl.enrollmentID] = cl
	return prev
}

func (g *Gateway) detach(cl *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.live[cl.enrollmentID] == cl {
		delete(g.live, cl.enrollmentID)
	}
}

// ExamStream godoc
// WS /ws/v1/student/exam
// Authenticates once, attaches to the closest enrollment and serves actions
// until the connection closes.
func (g *Gateway) ExamStream(c *gin.Context) {
	token := bearerToken(c.Request)

	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer ws.Close()

	metrics.RealtimeConnections.Inc()
	defer metrics.RealtimeConnections.Dec()

	connID := uuid.New()
	cl := &client{
		gw:     g,
		conn:   &conn{ws: ws},
		connID: connID,
		log:    g.log.With().Str("connection_id", connID.String()).Logger(),
	}
	cl.serve(c.Request.Context(), token)
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// client is the state of one authenticated connection.
type client struct {
	gw           *Gateway
	conn         *conn
	connID       uuid.UUID
	log          zerolog.Logger
	claims       *service.Claims
	enrollmentID uuid.UUID
	sessionID    uuid.UUID

	timerMu sync.Mutex
	timer   *ticker
}

func (cl *client) serve(ctx context.Context, token string) {
	if token == "" {
		var req Request
		if err := cl.conn.ReadJSON(&req, authWait); err != nil || req.Action != ActionAuth || req.Token == "" {
			cl.conn.CloseWith(CloseUnauthorized, "authentication required")
			return
		}
		token = req.Token
	}

	claims, err := cl.gw.auth.Authenticate(ctx, token)
	if err != nil {
		cl.conn.CloseWith(CloseUnauthorized, "unauthorized")
		return
	}
	cl.claims = claims

	enr, err := cl.gw.enrollments.Closest(ctx, claims.UserID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			cl.conn.CloseWith(CloseEnrollmentNotFound, "no enrollment")
		} else {
			cl.log.Error().Err(err).Int("candidate_id", claims.UserID).Msg("Closest enrollment lookup failed")
			cl.conn.CloseWith(websocket.CloseInternalServerErr, "internal error")
		}
		return
	}
	cl.enrollmentID = enr.ID
	cl.sessionID = enr.SessionID
	cl.log = cl.log.With().
		Int("candidate_id", claims.UserID).
		Str("enrollment_id", enr.ID.String()).
		Logger()

	if _, err := cl.gw.enrollments.HandleConnect(ctx, enr.ID, cl.connID); err != nil {
		if apperr.Is(err, apperr.KindInvalidState) {
			cl.conn.CloseWith(CloseNotStarted, "session not ongoing")
		} else {
			cl.log.Error().Err(err).Msg("Connect failed")
			cl.conn.CloseWith(websocket.CloseInternalServerErr, "internal error")
		}
		return
	}
	defer cl.release()
	if prev := cl.gw.attach(cl); prev != nil {
		prev.log.Info().Msg("Connection superseded")
		prev.conn.Drop(CloseSuperseded, "connected elsewhere")
	}

	cl.log.Info().Msg("Candidate connected")

	st, err := cl.gw.enrollments.Status(ctx, enr.ID)
	if err != nil {
		cl.writeErr(err)
	} else {
		cl.conn.WriteTyped(ConnectedResponse{Event: EventConnected, EnrollmentID: enr.ID, Status: st})
	}

	for {
		var req Request
		if err := cl.conn.ReadJSON(&req, readWait); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cl.log.Warn().Err(err).Msg("Unexpected close")
			} else {
				cl.log.Debug().Msg("Connection closed")
			}
			return
		}
		cl.dispatch(ctx, &req)
	}
}

func (cl *client) dispatch(ctx context.Context, req *Request) {
	id := cl.enrollmentID
	switch req.Action {
	case ActionGetQuestion:
		page, err := cl.gw.enrollments.QuestionPage(ctx, id, req.Page)
		if err != nil {
			cl.writeErr(err)
			return
		}
		cl.conn.WriteTyped(QuestionResponse{Event: EventQuestion, Data: page})

	case ActionSubmitAnswer:
		qid, err := uuid.Parse(req.QuestionID)
		if err != nil {
			cl.conn.WriteError(apperr.KindInvalidInput.String(), "invalid question_id")
			return
		}
		ack, err := cl.gw.enrollments.SubmitAnswer(ctx, id, qid, req.Answer)
		if err != nil {
			cl.writeErr(err)
			return
		}
		cl.conn.WriteTyped(AnswerSavedResponse{Event: EventAnswerSaved, Data: ack})

	case ActionGetStatus:
		st, err := cl.gw.enrollments.Status(ctx, id)
		if err != nil {
			cl.writeErr(err)
			return
		}
		cl.conn.WriteTyped(StatusResponse{Event: EventStatus, Data: st})

	case ActionGetAnswers:
		items, err := cl.gw.enrollments.AnswerSummary(ctx, id)
		if err != nil {
			cl.writeErr(err)
			return
		}
		cl.conn.WriteTyped(AnswersResponse{Event: EventAnswers, Data: items})

	case ActionSubmitExam:
		out, err := cl.gw.enrollments.SubmitExam(ctx, id, model.SubmitReasonCandidate)
		if err != nil {
			cl.writeErr(err)
			return
		}
		cl.stopTimer()
		cl.conn.WriteTyped(SubmittedResponse{Event: EventSubmitted, Applied: out.Applied, Reason: out.Reason})

	case ActionStartTimer:
		cl.startTimer(ctx)
		cl.conn.WriteTyped(EventResponse{Event: EventTimerStarted})

	case ActionStopTimer:
		cl.stopTimer()
		cl.conn.WriteTyped(EventResponse{Event: EventTimerStopped})

	case ActionPing:
		cl.conn.WriteTyped(EventResponse{Event: EventPong})

	default:
		cl.log.Warn().Str("action", string(req.Action)).Msg("Unknown action")
		cl.conn.WriteError(apperr.KindInvalidInput.String(), "unknown action: "+string(req.Action))
	}
}

func (cl *client) writeErr(err error) {
	kind := apperr.KindOf(err)
	msg := err.Error()
	if kind == apperr.KindInternal {
		cl.log.Error().Err(err).Msg("Action failed")
		msg = "internal error"
	}
	cl.conn.WriteError(kind.String(), msg)
}

// release runs once the connection is gone: it stops the tick, freezes the
// candidate's clock and alerts invigilators about a mid-exam drop.
func (cl *client) release() {
	cl.gw.detach(cl)
	cl.stopTimer()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	midExam, err := cl.gw.enrollments.HandleDisconnect(ctx, cl.enrollmentID, cl.connID)
	if err != nil {
		cl.log.Error().Err(err).Msg("Disconnect handling failed")
		return
	}
	cl.log.Info().Bool("mid_exam", midExam).Msg("Candidate disconnected")
	if midExam && cl.gw.sink != nil {
		cl.gw.sink.Alert(ctx, notify.Alert{
			Type:         notify.AlertCandidateDisconnected,
			SessionID:    cl.sessionID,
			EnrollmentID: cl.enrollmentID,
			CandidateID:  cl.claims.UserID,
			Message:      "candidate disconnected during an ongoing session",
			At:           cl.gw.clk.Now(),
		})
	}
}
