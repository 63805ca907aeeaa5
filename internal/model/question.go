package model

import (
	"time"

	"github.com/google/uuid"
)

// Question is a read-only projection of the question content store.
type Question struct {
	ID       uuid.UUID      `json:"id"`
	ExamID   uuid.UUID      `json:"exam_id"`
	Text     string         `json:"question_text"`
	OrderNum int            `json:"order_num"`
	Options  []AnswerOption `json:"options"`
}

// AnswerOption is one selectable option of a question.
type AnswerOption struct {
	ID        uuid.UUID `json:"id"`
	Text      string    `json:"text"`
	IsCorrect bool      `json:"-"`
	OrderNum  int       `json:"order_num"`
}

// Option looks up an option by ID.
func (q *Question) Option(id uuid.UUID) (*AnswerOption, bool) {
	for i := range q.Options {
		if q.Options[i].ID == id {
			return &q.Options[i], true
		}
	}
	return nil, false
}

// StudentAnswer is a candidate's current selection for one question.
// A missing row and a nil selection both mean unanswered.
type StudentAnswer struct {
	EnrollmentID     uuid.UUID  `json:"enrollment_id"`
	QuestionID       uuid.UUID  `json:"question_id"`
	SelectedOptionID *uuid.UUID `json:"selected_option_id"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// PageOption is an option rendered in the candidate's order.
type PageOption struct {
	Letter string `json:"letter"`
	Text   string `json:"text"`
}

// QuestionPage is one page of the candidate's exam paper.
type QuestionPage struct {
	Page          int          `json:"page"`
	TotalPages    int          `json:"total_pages"`
	QuestionID    uuid.UUID    `json:"question_id"`
	QuestionText  string       `json:"question_text"`
	Options       []PageOption `json:"options"`
	IsAnswered    bool         `json:"is_answered"`
	StudentAnswer *string      `json:"student_answer"`
}

// AnswerSummaryItem is one row of the full answer summary.
type AnswerSummaryItem struct {
	Page          int       `json:"page"`
	QuestionID    uuid.UUID `json:"question_id"`
	IsAnswered    bool      `json:"is_answered"`
	StudentAnswer *string   `json:"student_answer"`
}

// AnswerAck echoes an accepted or cleared selection.
type AnswerAck struct {
	QuestionID    uuid.UUID `json:"question_id"`
	StudentAnswer *string   `json:"student_answer"`
	Cleared       bool      `json:"cleared"`
}

// SubmitAnswerRequest is the payload for answering a question by letter.
// A null or empty answer clears the selection.
type SubmitAnswerRequest struct {
	Answer *string `json:"answer" binding:"omitempty,option_letter"`
}
