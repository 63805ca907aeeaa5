package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stemsi/exstem-proctor/internal/apperr"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const sessionColumns = `id, exam_id, name, base_start, base_duration_ms, status,
	pause_start, total_paused_ms, completed_at, created_at, updated_at`

// ExamSessionRepository handles exam session data access.
type ExamSessionRepository struct {
	db DBTX
}

// NewExamSessionRepository creates a new ExamSessionRepository.
func NewExamSessionRepository(db DBTX) *ExamSessionRepository {
	return &ExamSessionRepository{db: db}
}

func scanSession(row pgx.Row) (*model.ExamSession, error) {
	var s model.ExamSession
	var durationMs, pausedMs int64
	err := row.Scan(&s.ID, &s.ExamID, &s.Name, &s.BaseStart, &durationMs, &s.Status,
		&s.PauseStart, &pausedMs, &s.CompletedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.BaseDuration = dur(durationMs)
	s.TotalPaused = dur(pausedMs)
	return &s, nil
}

// Create inserts a new session in scheduled state together with its halls.
func (r *ExamSessionRepository) Create(ctx context.Context, s *model.ExamSession, halls []model.HallAssignment) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO exam_sessions (exam_id, name, base_start, base_duration_ms, status)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at, updated_at`,
		s.ExamID, s.Name, s.BaseStart, ms(s.BaseDuration), model.SessionStatusScheduled,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return apperr.FromDB("sessions.create", err)
	}
	s.Status = model.SessionStatusScheduled

	for i := range halls {
		halls[i].SessionID = s.ID
		err := r.db.QueryRow(ctx,
			`INSERT INTO hall_assignments (session_id, hall_name, capacity)
			 VALUES ($1, $2, $3) RETURNING id`,
			s.ID, halls[i].HallName, halls[i].Capacity,
		).Scan(&halls[i].ID)
		if err != nil {
			return apperr.FromDB("sessions.create_hall", err)
		}
	}
	return nil
}

// Get retrieves a session by ID.
func (r *ExamSessionRepository) Get(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	s, err := scanSession(r.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = $1`, id))
	return s, apperr.FromDB("sessions.get", err)
}

// Lock retrieves a session and holds its row lock for the transaction.
func (r *ExamSessionRepository) Lock(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	s, err := scanSession(r.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = $1 FOR UPDATE`, id))
	return s, apperr.FromDB("sessions.lock", err)
}

// Update writes the mutable lifecycle and timing fields.
func (r *ExamSessionRepository) Update(ctx context.Context, s *model.ExamSession) error {
	err := r.db.QueryRow(ctx,
		`UPDATE exam_sessions
		 SET status = $2, base_duration_ms = $3, pause_start = $4,
		     total_paused_ms = $5, completed_at = $6, updated_at = NOW()
		 WHERE id = $1
		 RETURNING updated_at`,
		s.ID, s.Status, ms(s.BaseDuration), s.PauseStart, ms(s.TotalPaused), s.CompletedAt,
	).Scan(&s.UpdatedAt)
	return apperr.FromDB("sessions.update", err)
}

// ListDueForActivation returns scheduled sessions whose start has passed.
func (r *ExamSessionRepository) ListDueForActivation(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id FROM exam_sessions
		 WHERE status = $1 AND base_start <= $2
		 ORDER BY base_start`, model.SessionStatusScheduled, now)
	if err != nil {
		return nil, apperr.FromDB("sessions.list_due", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	return ids, apperr.FromDB("sessions.list_due", err)
}

// ListRunning returns every ongoing or paused session.
func (r *ExamSessionRepository) ListRunning(ctx context.Context) ([]model.ExamSession, error) {
	return r.list(ctx, "sessions.list_running",
		`SELECT `+sessionColumns+` FROM exam_sessions
		 WHERE status IN ('ongoing', 'paused')
		 ORDER BY base_start`)
}

// ListSince returns sessions that are not over, or ended after since.
func (r *ExamSessionRepository) ListSince(ctx context.Context, since time.Time) ([]model.ExamSession, error) {
	return r.list(ctx, "sessions.list_since",
		`SELECT `+sessionColumns+` FROM exam_sessions
		 WHERE completed_at IS NULL OR completed_at >= $1
		 ORDER BY base_start`, since)
}

func (r *ExamSessionRepository) list(ctx context.Context, op, query string, args ...any) ([]model.ExamSession, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.FromDB(op, err)
	}
	defer rows.Close()

	var sessions []model.ExamSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, apperr.FromDB(op, err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, apperr.FromDB(op, rows.Err())
}

// Halls lists the hall assignments of a session.
func (r *ExamSessionRepository) Halls(ctx context.Context, sessionID uuid.UUID) ([]model.HallAssignment, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, session_id, hall_name, capacity
		 FROM hall_assignments WHERE session_id = $1
		 ORDER BY hall_name`, sessionID)
	if err != nil {
		return nil, apperr.FromDB("sessions.halls", err)
	}
	halls, err := pgx.CollectRows(rows, pgx.RowToStructByPos[model.HallAssignment])
	return halls, apperr.FromDB("sessions.halls", err)
}
