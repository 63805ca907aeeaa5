package gateway

import (
	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAuth         Action = "auth"
	ActionGetQuestion  Action = "get_question"
	ActionSubmitAnswer Action = "submit_answer"
	ActionGetStatus    Action = "get_status"
	ActionGetAnswers   Action = "get_answers"
	ActionSubmitExam   Action = "submit_exam"
	ActionStartTimer   Action = "start_timer"
	ActionStopTimer    Action = "stop_timer"
	ActionPing         Action = "ping"
)

// Request is any client frame. Fields are read according to Action.
type Request struct {
	Action     Action  `json:"action"`
	Token      string  `json:"token,omitempty"`
	Page       int     `json:"page,omitempty"`
	QuestionID string  `json:"question_id,omitempty"`
	Answer     *string `json:"answer,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventConnected    Event = "connected"
	EventQuestion     Event = "question"
	EventAnswerSaved  Event = "answer_saved"
	EventStatus       Event = "status"
	EventAnswers      Event = "answers"
	EventSubmitted    Event = "submitted"
	EventTimerStarted Event = "timer_started"
	EventTimerStopped Event = "timer_stopped"
	EventTick         Event = "tick"
	EventPong         Event = "pong"
	EventError        Event = "error"
)

// Close codes sent before the server drops a connection.
const (
	CloseUnauthorized       = 4001
	CloseEnrollmentNotFound = 4004
	CloseNotStarted         = 4009
	CloseSuperseded         = 4010
)

type ConnectedResponse struct {
	Event        Event                      `json:"event"`
	EnrollmentID uuid.UUID                  `json:"enrollment_id"`
	Status       model.EnrollmentStatusView `json:"status"`
}

type QuestionResponse struct {
	Event Event               `json:"event"`
	Data  *model.QuestionPage `json:"data"`
}

type AnswerSavedResponse struct {
	Event Event            `json:"event"`
	Data  *model.AnswerAck `json:"data"`
}

type StatusResponse struct {
	Event Event                      `json:"event"`
	Data  model.EnrollmentStatusView `json:"data"`
}

type AnswersResponse struct {
	Event Event                     `json:"event"`
	Data  []model.AnswerSummaryItem `json:"data"`
}

type SubmittedResponse struct {
	Event   Event  `json:"event"`
	Applied bool   `json:"applied"`
	Reason  string `json:"reason,omitempty"`
}

type EventResponse struct {
	Event Event `json:"event"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code"`
	Error string `json:"error"`
}
