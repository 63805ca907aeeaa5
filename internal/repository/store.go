package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/apperr"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Sessions is the exam session store. Lock takes a row lock held until the
// surrounding transaction ends.
type Sessions interface {
	Create(ctx context.Context, s *model.ExamSession, halls []model.HallAssignment) error
	Get(ctx context.Context, id uuid.UUID) (*model.ExamSession, error)
	Lock(ctx context.Context, id uuid.UUID) (*model.ExamSession, error)
	Update(ctx context.Context, s *model.ExamSession) error
	ListDueForActivation(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	ListRunning(ctx context.Context) ([]model.ExamSession, error)
	ListSince(ctx context.Context, since time.Time) ([]model.ExamSession, error)
	Halls(ctx context.Context, sessionID uuid.UUID) ([]model.HallAssignment, error)
}

// Enrollments is the candidate participation store.
type Enrollments interface {
	Create(ctx context.Context, e *model.Enrollment) error
	Get(ctx context.Context, id uuid.UUID) (*model.Enrollment, error)
	Lock(ctx context.Context, id uuid.UUID) (*model.Enrollment, error)
	LockUnsubmittedBySession(ctx context.Context, sessionID uuid.UUID) ([]*model.Enrollment, error)
	Update(ctx context.Context, e *model.Enrollment) error
	ListByCandidate(ctx context.Context, candidateID int) ([]model.EnrollmentWithSession, error)
	ListInProgress(ctx context.Context) ([]model.EnrollmentWithSession, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.Enrollment, error)
	TallyScores(ctx context.Context, ids []uuid.UUID) error
}

// Answers stores one selection per (enrollment, question).
type Answers interface {
	Upsert(ctx context.Context, a *model.StudentAnswer) error
	Delete(ctx context.Context, enrollmentID, questionID uuid.UUID) error
	Selections(ctx context.Context, enrollmentID uuid.UUID) (map[uuid.UUID]uuid.UUID, error)
}

// Questions is the read-only question content store.
type Questions interface {
	ListByExam(ctx context.Context, examID uuid.UUID) ([]model.Question, error)
}

// Candidates exposes the identity collaborator's candidate records.
type Candidates interface {
	Get(ctx context.Context, id int) (*model.Candidate, error)
	TokenVersion(ctx context.Context, id int) (int, error)
	BumpTokenVersion(ctx context.Context, id int) (int, error)
}

// Repos groups the stores bound to one connection or transaction.
type Repos struct {
	Sessions    Sessions
	Enrollments Enrollments
	Answers     Answers
	Questions   Questions
	Candidates  Candidates
}

// Store hands out repositories outside or inside a transaction.
type Store interface {
	Repos() *Repos
	WithTx(ctx context.Context, fn func(r *Repos) error) error
}

// PgStore is the PostgreSQL Store.
type PgStore struct {
	pool  *pgxpool.Pool
	repos *Repos
}

// NewPgStore creates a Store over pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool, repos: bind(pool)}
}

func bind(db DBTX) *Repos {
	return &Repos{
		Sessions:    NewExamSessionRepository(db),
		Enrollments: NewEnrollmentRepository(db),
		Answers:     NewAnswerRepository(db),
		Questions:   NewQuestionRepository(db),
		Candidates:  NewCandidateRepository(db),
	}
}

func (s *PgStore) Repos() *Repos { return s.repos }

// WithTx runs fn inside a transaction.
// If fn returns an error the tx rolls back, else it commits.
func (s *PgStore) WithTx(ctx context.Context, fn func(r *Repos) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return apperr.FromDB("store.begin", err)
	}
	if err := fn(bind(tx)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.FromDB("store.commit", err)
	}
	return nil
}

func ms(d time.Duration) int64 { return d.Milliseconds() }

func dur(msec int64) time.Duration { return time.Duration(msec) * time.Millisecond }
