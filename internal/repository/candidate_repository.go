package repository

import (
	"context"

	"github.com/stemsi/exstem-proctor/internal/apperr"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// CandidateRepository reads candidate records owned by the identity provider.
type CandidateRepository struct {
	db DBTX
}

// NewCandidateRepository creates a new CandidateRepository.
func NewCandidateRepository(db DBTX) *CandidateRepository {
	return &CandidateRepository{db: db}
}

// Get retrieves a candidate by ID.
func (r *CandidateRepository) Get(ctx context.Context, id int) (*model.Candidate, error) {
	c := &model.Candidate{}
	err := r.db.QueryRow(ctx,
		`SELECT id, name, email, symbol_number, token_version FROM candidates WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.Email, &c.SymbolNumber, &c.TokenVersion)
	if err != nil {
		return nil, apperr.FromDB("candidates.get", err)
	}
	return c, nil
}

// TokenVersion returns the candidate's current token version.
func (r *CandidateRepository) TokenVersion(ctx context.Context, id int) (int, error) {
	var v int
	err := r.db.QueryRow(ctx, `SELECT token_version FROM candidates WHERE id = $1`, id).Scan(&v)
	return v, apperr.FromDB("candidates.token_version", err)
}

// BumpTokenVersion invalidates every outstanding token of the candidate.
func (r *CandidateRepository) BumpTokenVersion(ctx context.Context, id int) (int, error) {
	var v int
	err := r.db.QueryRow(ctx,
		`UPDATE candidates SET token_version = token_version + 1 WHERE id = $1 RETURNING token_version`, id,
	).Scan(&v)
	return v, apperr.FromDB("candidates.bump_token_version", err)
}
