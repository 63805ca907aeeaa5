package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/apperr"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AnswerRepository handles student answer data access.
type AnswerRepository struct {
	db DBTX
}

// NewAnswerRepository creates a new AnswerRepository.
func NewAnswerRepository(db DBTX) *AnswerRepository {
	return &AnswerRepository{db: db}
}

// Upsert stores the latest selection for a question.
func (r *AnswerRepository) Upsert(ctx context.Context, a *model.StudentAnswer) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO student_answers (enrollment_id, question_id, selected_option_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (enrollment_id, question_id)
		 DO UPDATE SET selected_option_id = EXCLUDED.selected_option_id, updated_at = NOW()
		 RETURNING updated_at`,
		a.EnrollmentID, a.QuestionID, a.SelectedOptionID,
	).Scan(&a.UpdatedAt)
	return apperr.FromDB("answers.upsert", err)
}

// Delete clears a selection. Clearing an unanswered question is not an error.
func (r *AnswerRepository) Delete(ctx context.Context, enrollmentID, questionID uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM student_answers WHERE enrollment_id = $1 AND question_id = $2`,
		enrollmentID, questionID)
	return apperr.FromDB("answers.delete", err)
}

// Selections maps question ID to selected option for every answered question.
func (r *AnswerRepository) Selections(ctx context.Context, enrollmentID uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	rows, err := r.db.Query(ctx,
		`SELECT question_id, selected_option_id FROM student_answers
		 WHERE enrollment_id = $1 AND selected_option_id IS NOT NULL`, enrollmentID)
	if err != nil {
		return nil, apperr.FromDB("answers.selections", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]uuid.UUID)
	for rows.Next() {
		var qid, oid uuid.UUID
		if err := rows.Scan(&qid, &oid); err != nil {
			return nil, apperr.FromDB("answers.selections", err)
		}
		out[qid] = oid
	}
	return out, apperr.FromDB("answers.selections", rows.Err())
}
