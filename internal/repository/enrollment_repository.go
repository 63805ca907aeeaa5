package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stemsi/exstem-proctor/internal/apperr"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const enrollmentColumns = `e.id, e.candidate_id, e.session_id, e.hall_assignment_id, e.seat_number,
	e.status, e.present, e.connection_id, e.connection_start, e.disconnected_at, e.session_started_at,
	e.submitted_at, e.submit_reason, e.individual_duration_ms, e.individual_paused_ms,
	e.session_paused_at_start_ms, e.session_paused_at_disconnect_ms,
	e.question_order, e.answer_order, e.score, e.total_questions, e.created_at, e.updated_at`

// EnrollmentRepository handles student exam enrollment data access.
type EnrollmentRepository struct {
	db DBTX
}

// NewEnrollmentRepository creates a new EnrollmentRepository.
func NewEnrollmentRepository(db DBTX) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

func enrollmentDest(e *model.Enrollment, durMs, pausedMs, atStartMs, atDiscMs *int64, qRaw, aRaw *[]byte) []any {
	return []any{
		&e.ID, &e.CandidateID, &e.SessionID, &e.HallAssignmentID, &e.SeatNumber,
		&e.Status, &e.Present, &e.ConnectionID, &e.ConnectionStart, &e.DisconnectedAt, &e.SessionStartedAt,
		&e.SubmittedAt, &e.SubmitReason, durMs, pausedMs,
		atStartMs, atDiscMs,
		qRaw, aRaw, &e.Score, &e.TotalQuestions, &e.CreatedAt, &e.UpdatedAt,
	}
}

func scanEnrollment(row pgx.Row, extra ...any) (*model.Enrollment, error) {
	var e model.Enrollment
	var durMs, pausedMs, atStartMs, atDiscMs int64
	var qRaw, aRaw []byte

	dest := append(enrollmentDest(&e, &durMs, &pausedMs, &atStartMs, &atDiscMs, &qRaw, &aRaw), extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	e.IndividualDuration = dur(durMs)
	e.IndividualPaused = dur(pausedMs)
	e.SessionPausedAtStart = dur(atStartMs)
	e.SessionPausedAtDisconnect = dur(atDiscMs)
	e.QuestionOrder, e.AnswerOrder = model.DecodeOrders(qRaw, aRaw)
	return &e, nil
}

// Create inserts a scheduled enrollment. A duplicate (candidate, session) is a Conflict.
func (r *EnrollmentRepository) Create(ctx context.Context, e *model.Enrollment) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO student_exam_enrollments
		   (candidate_id, session_id, hall_assignment_id, seat_number, status, individual_duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at, updated_at`,
		e.CandidateID, e.SessionID, e.HallAssignmentID, e.SeatNumber,
		model.EnrollmentStatusScheduled, ms(e.IndividualDuration),
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return apperr.FromDB("enrollments.create", err)
	}
	e.Status = model.EnrollmentStatusScheduled
	return nil
}

// Get retrieves an enrollment by ID.
func (r *EnrollmentRepository) Get(ctx context.Context, id uuid.UUID) (*model.Enrollment, error) {
	e, err := scanEnrollment(r.db.QueryRow(ctx,
		`SELECT `+enrollmentColumns+` FROM student_exam_enrollments e WHERE e.id = $1`, id))
	return e, apperr.FromDB("enrollments.get", err)
}

// Lock retrieves an enrollment and holds its row lock for the transaction.
func (r *EnrollmentRepository) Lock(ctx context.Context, id uuid.UUID) (*model.Enrollment, error) {
	e, err := scanEnrollment(r.db.QueryRow(ctx,
		`SELECT `+enrollmentColumns+` FROM student_exam_enrollments e WHERE e.id = $1 FOR UPDATE`, id))
	return e, apperr.FromDB("enrollments.lock", err)
}

// LockUnsubmittedBySession locks every enrollment of a session that is not yet submitted.
func (r *EnrollmentRepository) LockUnsubmittedBySession(ctx context.Context, sessionID uuid.UUID) ([]*model.Enrollment, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+enrollmentColumns+` FROM student_exam_enrollments e
		 WHERE e.session_id = $1 AND e.status <> 'submitted'
		 ORDER BY e.id
		 FOR UPDATE`, sessionID)
	if err != nil {
		return nil, apperr.FromDB("enrollments.lock_by_session", err)
	}
	defer rows.Close()

	var out []*model.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, apperr.FromDB("enrollments.lock_by_session", err)
		}
		out = append(out, e)
	}
	return out, apperr.FromDB("enrollments.lock_by_session", rows.Err())
}

// Update writes the mutable lifecycle, timing and order fields.
func (r *EnrollmentRepository) Update(ctx context.Context, e *model.Enrollment) error {
	qRaw, aRaw, err := model.EncodeOrders(e.QuestionOrder, e.AnswerOrder)
	if err != nil {
		return apperr.InvalidInput("enrollments.update", "encode orders: %v", err)
	}
	err = r.db.QueryRow(ctx,
		`UPDATE student_exam_enrollments
		 SET status = $2, present = $3, connection_id = $4, connection_start = $5,
		     disconnected_at = $6, session_started_at = $7, submitted_at = $8, submit_reason = $9,
		     individual_duration_ms = $10, individual_paused_ms = $11,
		     session_paused_at_start_ms = $12, session_paused_at_disconnect_ms = $13,
		     question_order = $14, answer_order = $15, updated_at = NOW()
		 WHERE id = $1
		 RETURNING updated_at`,
		e.ID, e.Status, e.Present, e.ConnectionID, e.ConnectionStart, e.DisconnectedAt,
		e.SessionStartedAt, e.SubmittedAt, e.SubmitReason,
		ms(e.IndividualDuration), ms(e.IndividualPaused),
		ms(e.SessionPausedAtStart), ms(e.SessionPausedAtDisconnect),
		qRaw, aRaw,
	).Scan(&e.UpdatedAt)
	return apperr.FromDB("enrollments.update", err)
}

// ListByCandidate returns every enrollment of a candidate with its session.
func (r *EnrollmentRepository) ListByCandidate(ctx context.Context, candidateID int) ([]model.EnrollmentWithSession, error) {
	return r.listWithSession(ctx, "enrollments.list_by_candidate",
		`WHERE e.candidate_id = $1`, candidateID)
}

// ListInProgress returns every active or paused enrollment with its session.
func (r *EnrollmentRepository) ListInProgress(ctx context.Context) ([]model.EnrollmentWithSession, error) {
	return r.listWithSession(ctx, "enrollments.list_in_progress",
		`WHERE e.status IN ('active', 'paused')`)
}

func (r *EnrollmentRepository) listWithSession(ctx context.Context, op, where string, args ...any) ([]model.EnrollmentWithSession, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+enrollmentColumns+`,
		        s.id, s.exam_id, s.name, s.base_start, s.base_duration_ms, s.status,
		        s.pause_start, s.total_paused_ms, s.completed_at, s.created_at, s.updated_at
		 FROM student_exam_enrollments e
		 JOIN exam_sessions s ON s.id = e.session_id
		 `+where+`
		 ORDER BY s.base_start`, args...)
	if err != nil {
		return nil, apperr.FromDB(op, err)
	}
	defer rows.Close()

	var out []model.EnrollmentWithSession
	for rows.Next() {
		var s model.ExamSession
		var sDurMs, sPausedMs int64
		e, err := scanEnrollment(rows,
			&s.ID, &s.ExamID, &s.Name, &s.BaseStart, &sDurMs, &s.Status,
			&s.PauseStart, &sPausedMs, &s.CompletedAt, &s.CreatedAt, &s.UpdatedAt)
		if err != nil {
			return nil, apperr.FromDB(op, err)
		}
		s.BaseDuration = dur(sDurMs)
		s.TotalPaused = dur(sPausedMs)
		out = append(out, model.EnrollmentWithSession{Enrollment: e, Session: &s})
	}
	return out, apperr.FromDB(op, rows.Err())
}

// ListBySession returns every enrollment of a session for the monitor snapshot.
func (r *EnrollmentRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.Enrollment, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+enrollmentColumns+` FROM student_exam_enrollments e
		 WHERE e.session_id = $1
		 ORDER BY e.candidate_id`, sessionID)
	if err != nil {
		return nil, apperr.FromDB("enrollments.list_by_session", err)
	}
	defer rows.Close()

	var out []model.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, apperr.FromDB("enrollments.list_by_session", err)
		}
		out = append(out, *e)
	}
	return out, apperr.FromDB("enrollments.list_by_session", rows.Err())
}

// TallyScores counts correct selections for each submitted enrollment in one statement.
func (r *EnrollmentRepository) TallyScores(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `
		UPDATE student_exam_enrollments AS e
		SET score = t.score,
		    total_questions = COALESCE(jsonb_array_length(e.question_order), 0),
		    updated_at = NOW()
		FROM (
			SELECT
				u.id,
				COUNT(o.id) FILTER (WHERE o.is_correct) AS score
			FROM UNNEST($1::uuid[]) AS u (id)
			LEFT JOIN student_answers a ON a.enrollment_id = u.id
			LEFT JOIN answer_options o ON o.id = a.selected_option_id
			GROUP BY u.id
		) AS t
		WHERE e.id = t.id
		  AND e.status = 'submitted'
	`, ids)
	return apperr.FromDB("enrollments.tally_scores", err)
}
