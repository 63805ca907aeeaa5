package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/apperr"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// QuestionRepository reads question content.
type QuestionRepository struct {
	db DBTX
}

// NewQuestionRepository creates a new QuestionRepository.
func NewQuestionRepository(db DBTX) *QuestionRepository {
	return &QuestionRepository{db: db}
}

// ListByExam retrieves all questions for a given exam with their options, ordered by order_num.
func (r *QuestionRepository) ListByExam(ctx context.Context, examID uuid.UUID) ([]model.Question, error) {
	rows, err := r.db.Query(ctx,
		`SELECT q.id, q.exam_id, q.question_text, q.order_num,
		        o.id, o.option_text, o.is_correct, o.order_num
		 FROM questions q
		 LEFT JOIN answer_options o ON o.question_id = q.id
		 WHERE q.exam_id = $1
		 ORDER BY q.order_num, q.id, o.order_num`, examID,
	)
	if err != nil {
		return nil, apperr.FromDB("questions.list", err)
	}
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var q model.Question
		var optID *uuid.UUID
		var optText *string
		var optCorrect *bool
		var optOrder *int
		if err := rows.Scan(&q.ID, &q.ExamID, &q.Text, &q.OrderNum, &optID, &optText, &optCorrect, &optOrder); err != nil {
			return nil, apperr.FromDB("questions.list", err)
		}
		if n := len(questions); n == 0 || questions[n-1].ID != q.ID {
			questions = append(questions, q)
		}
		if optID != nil {
			last := &questions[len(questions)-1]
			last.Options = append(last.Options, model.AnswerOption{
				ID: *optID, Text: deref(optText), IsCorrect: optCorrect != nil && *optCorrect, OrderNum: derefInt(optOrder),
			})
		}
	}
	return questions, apperr.FromDB("questions.list", rows.Err())
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(n *int) int {
	if n == nil {
		return 0
	}
	return *n
}
