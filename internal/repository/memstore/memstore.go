// Package memstore is an in-memory repository.Store for tests.
//
// Transactions are serialized by one mutex and roll back by restoring a
// snapshot, which is at least as strict as the row locks PostgreSQL takes.
package memstore

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/apperr"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

type state struct {
	sessions    map[uuid.UUID]model.ExamSession
	halls       map[uuid.UUID][]model.HallAssignment
	enrollments map[uuid.UUID]model.Enrollment
	answers     map[uuid.UUID]map[uuid.UUID]model.StudentAnswer
	questions   map[uuid.UUID][]model.Question
	candidates  map[int]model.Candidate
}

func (s *state) clone() *state {
	c := &state{
		sessions:    maps.Clone(s.sessions),
		halls:       maps.Clone(s.halls),
		enrollments: maps.Clone(s.enrollments),
		answers:     make(map[uuid.UUID]map[uuid.UUID]model.StudentAnswer, len(s.answers)),
		questions:   maps.Clone(s.questions),
		candidates:  maps.Clone(s.candidates),
	}
	for k, v := range s.answers {
		c.answers[k] = maps.Clone(v)
	}
	return c
}

// Store is a repository.Store backed by maps.
type Store struct {
	mu    sync.Mutex
	st    *state
	clk   clock.Clock
	repos *repository.Repos

	txErr     error
	updateErr error
	beforeTx  func()
	txs       int
}

// New creates an empty Store that stamps rows with clk.
func New(clk clock.Clock) *Store {
	m := &Store{
		clk: clk,
		st: &state{
			sessions:    map[uuid.UUID]model.ExamSession{},
			halls:       map[uuid.UUID][]model.HallAssignment{},
			enrollments: map[uuid.UUID]model.Enrollment{},
			answers:     map[uuid.UUID]map[uuid.UUID]model.StudentAnswer{},
			questions:   map[uuid.UUID][]model.Question{},
			candidates:  map[int]model.Candidate{},
		},
	}
	m.repos = m.bind(true)
	return m
}

func (m *Store) bind(autolock bool) *repository.Repos {
	b := &binding{m: m, autolock: autolock}
	return &repository.Repos{
		Sessions:    (*sessions)(b),
		Enrollments: (*enrollments)(b),
		Answers:     (*answers)(b),
		Questions:   (*questions)(b),
		Candidates:  (*candidates)(b),
	}
}

// Repos returns repositories that each take the store lock per call.
func (m *Store) Repos() *repository.Repos { return m.repos }

// WithTx runs fn with the store locked and restores the prior state if fn fails.
func (m *Store) WithTx(ctx context.Context, fn func(r *repository.Repos) error) error {
	m.mu.Lock()
	hook := m.beforeTx
	m.beforeTx = nil
	m.mu.Unlock()
	if hook != nil {
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.txs++
	if err := m.txErr; err != nil {
		m.txErr = nil
		return err
	}
	if err := ctx.Err(); err != nil {
		return apperr.Transient("memstore.begin", err)
	}

	snapshot := m.st.clone()
	if err := fn(m.bind(false)); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// FailNextTx makes the next WithTx return err without running its function.
func (m *Store) FailNextTx(err error) {
	m.mu.Lock()
	m.txErr = err
	m.mu.Unlock()
}

// FailNextEnrollmentUpdate makes the next enrollment Update return err,
// failing whatever transaction it runs in.
func (m *Store) FailNextEnrollmentUpdate(err error) {
	m.mu.Lock()
	m.updateErr = err
	m.mu.Unlock()
}

// BeforeNextTx runs fn once, outside the store lock, just before the next
// transaction starts. fn may run transactions of its own.
func (m *Store) BeforeNextTx(fn func()) {
	m.mu.Lock()
	m.beforeTx = fn
	m.mu.Unlock()
}

// TxCount reports how many transactions have been attempted.
func (m *Store) TxCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txs
}

// AddCandidate seeds a candidate record.
func (m *Store) AddCandidate(c model.Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.TokenVersion == 0 {
		c.TokenVersion = 1
	}
	m.st.candidates[c.ID] = c
}

// AddQuestions seeds the question content of an exam.
func (m *Store) AddQuestions(examID uuid.UUID, qs []model.Question) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range qs {
		qs[i].ExamID = examID
	}
	m.st.questions[examID] = slices.Clone(qs)
}

// Enrollment returns a copy of a stored enrollment without locking semantics.
func (m *Store) Enrollment(id uuid.UUID) (model.Enrollment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.st.enrollments[id]
	return e, ok
}

// Session returns a copy of a stored session.
func (m *Store) Session(id uuid.UUID) (model.ExamSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.st.sessions[id]
	return s, ok
}

// PutEnrollment overwrites a stored enrollment.
func (m *Store) PutEnrollment(e model.Enrollment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.enrollments[e.ID] = e
}

type binding struct {
	m        *Store
	autolock bool
}

func (b *binding) lock() func() {
	if !b.autolock {
		return func() {}
	}
	b.m.mu.Lock()
	return b.m.mu.Unlock
}

func (b *binding) now() time.Time { return b.m.clk.Now() }

// ─── Sessions ───────────────────────────────────────────────────────────────

type sessions binding

func (r *sessions) b() *binding { return (*binding)(r) }

func (r *sessions) Create(_ context.Context, s *model.ExamSession, halls []model.HallAssignment) error {
	defer r.b().lock()()
	st := r.b().m.st
	s.ID = uuid.New()
	s.Status = model.SessionStatusScheduled
	s.CreatedAt = r.b().now()
	s.UpdatedAt = s.CreatedAt
	for i := range halls {
		halls[i].ID = uuid.New()
		halls[i].SessionID = s.ID
	}
	st.sessions[s.ID] = *s
	st.halls[s.ID] = slices.Clone(halls)
	return nil
}

func (r *sessions) Get(_ context.Context, id uuid.UUID) (*model.ExamSession, error) {
	defer r.b().lock()()
	s, ok := r.b().m.st.sessions[id]
	if !ok {
		return nil, apperr.NotFound("sessions.get", "session %s not found", id)
	}
	return &s, nil
}

func (r *sessions) Lock(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	return r.Get(ctx, id)
}

func (r *sessions) Update(_ context.Context, s *model.ExamSession) error {
	defer r.b().lock()()
	st := r.b().m.st
	if _, ok := st.sessions[s.ID]; !ok {
		return apperr.NotFound("sessions.update", "session %s not found", s.ID)
	}
	s.UpdatedAt = r.b().now()
	st.sessions[s.ID] = *s
	return nil
}

func (r *sessions) ListDueForActivation(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	defer r.b().lock()()
	var ids []uuid.UUID
	for _, s := range r.sorted() {
		if s.Status == model.SessionStatusScheduled && !s.BaseStart.After(now) {
			ids = append(ids, s.ID)
		}
	}
	return ids, nil
}

func (r *sessions) ListRunning(_ context.Context) ([]model.ExamSession, error) {
	defer r.b().lock()()
	var out []model.ExamSession
	for _, s := range r.sorted() {
		if s.Status.Running() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *sessions) ListSince(_ context.Context, since time.Time) ([]model.ExamSession, error) {
	defer r.b().lock()()
	var out []model.ExamSession
	for _, s := range r.sorted() {
		if s.CompletedAt == nil || !s.CompletedAt.Before(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *sessions) Halls(_ context.Context, sessionID uuid.UUID) ([]model.HallAssignment, error) {
	defer r.b().lock()()
	return slices.Clone(r.b().m.st.halls[sessionID]), nil
}

func (r *sessions) sorted() []model.ExamSession {
	out := slices.Collect(maps.Values(r.b().m.st.sessions))
	slices.SortFunc(out, func(a, b model.ExamSession) int { return a.BaseStart.Compare(b.BaseStart) })
	return out
}

// ─── Enrollments ────────────────────────────────────────────────────────────

type enrollments binding

func (r *enrollments) b() *binding { return (*binding)(r) }

func (r *enrollments) Create(_ context.Context, e *model.Enrollment) error {
	defer r.b().lock()()
	st := r.b().m.st
	if _, ok := st.candidates[e.CandidateID]; !ok {
		return apperr.NotFound("enrollments.create", "candidate %d not found", e.CandidateID)
	}
	if _, ok := st.sessions[e.SessionID]; !ok {
		return apperr.NotFound("enrollments.create", "session %s not found", e.SessionID)
	}
	for _, other := range st.enrollments {
		if other.CandidateID == e.CandidateID && other.SessionID == e.SessionID {
			return apperr.Conflict("enrollments.create", "candidate %d already enrolled", e.CandidateID)
		}
	}
	e.ID = uuid.New()
	e.Status = model.EnrollmentStatusScheduled
	e.CreatedAt = r.b().now()
	e.UpdatedAt = e.CreatedAt
	st.enrollments[e.ID] = *e
	return nil
}

func (r *enrollments) Get(_ context.Context, id uuid.UUID) (*model.Enrollment, error) {
	defer r.b().lock()()
	e, ok := r.b().m.st.enrollments[id]
	if !ok {
		return nil, apperr.NotFound("enrollments.get", "enrollment %s not found", id)
	}
	return &e, nil
}

func (r *enrollments) Lock(ctx context.Context, id uuid.UUID) (*model.Enrollment, error) {
	return r.Get(ctx, id)
}

func (r *enrollments) LockUnsubmittedBySession(_ context.Context, sessionID uuid.UUID) ([]*model.Enrollment, error) {
	defer r.b().lock()()
	var out []*model.Enrollment
	for _, e := range r.bySession(sessionID) {
		if e.Status != model.EnrollmentStatusSubmitted {
			out = append(out, &e)
		}
	}
	return out, nil
}

func (r *enrollments) Update(_ context.Context, e *model.Enrollment) error {
	defer r.b().lock()()
	if err := r.b().m.updateErr; err != nil {
		r.b().m.updateErr = nil
		return err
	}
	st := r.b().m.st
	if _, ok := st.enrollments[e.ID]; !ok {
		return apperr.NotFound("enrollments.update", "enrollment %s not found", e.ID)
	}
	e.UpdatedAt = r.b().now()
	st.enrollments[e.ID] = *e
	return nil
}

func (r *enrollments) ListByCandidate(_ context.Context, candidateID int) ([]model.EnrollmentWithSession, error) {
	defer r.b().lock()()
	return r.withSession(func(e model.Enrollment) bool { return e.CandidateID == candidateID }), nil
}

func (r *enrollments) ListInProgress(_ context.Context) ([]model.EnrollmentWithSession, error) {
	defer r.b().lock()()
	return r.withSession(func(e model.Enrollment) bool { return e.Status.InProgress() }), nil
}

func (r *enrollments) ListBySession(_ context.Context, sessionID uuid.UUID) ([]model.Enrollment, error) {
	defer r.b().lock()()
	return r.bySession(sessionID), nil
}

func (r *enrollments) TallyScores(_ context.Context, ids []uuid.UUID) error {
	defer r.b().lock()()
	st := r.b().m.st
	for _, id := range ids {
		e, ok := st.enrollments[id]
		if !ok || e.Status != model.EnrollmentStatusSubmitted {
			continue
		}
		correct := map[uuid.UUID]bool{}
		for _, q := range st.questions[st.sessions[e.SessionID].ExamID] {
			for _, o := range q.Options {
				correct[o.ID] = o.IsCorrect
			}
		}
		score := 0
		for _, a := range st.answers[id] {
			if a.SelectedOptionID != nil && correct[*a.SelectedOptionID] {
				score++
			}
		}
		total := len(e.QuestionOrder)
		e.Score, e.TotalQuestions = &score, &total
		st.enrollments[id] = e
	}
	return nil
}

func (r *enrollments) bySession(sessionID uuid.UUID) []model.Enrollment {
	var out []model.Enrollment
	for _, e := range r.b().m.st.enrollments {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b model.Enrollment) int { return a.CandidateID - b.CandidateID })
	return out
}

func (r *enrollments) withSession(keep func(model.Enrollment) bool) []model.EnrollmentWithSession {
	st := r.b().m.st
	var out []model.EnrollmentWithSession
	for _, e := range st.enrollments {
		if !keep(e) {
			continue
		}
		s := st.sessions[e.SessionID]
		out = append(out, model.EnrollmentWithSession{Enrollment: &e, Session: &s})
	}
	slices.SortFunc(out, func(a, b model.EnrollmentWithSession) int {
		return a.Session.BaseStart.Compare(b.Session.BaseStart)
	})
	return out
}

// ─── Answers ────────────────────────────────────────────────────────────────

type answers binding

func (r *answers) b() *binding { return (*binding)(r) }

func (r *answers) Upsert(_ context.Context, a *model.StudentAnswer) error {
	defer r.b().lock()()
	st := r.b().m.st
	if st.answers[a.EnrollmentID] == nil {
		st.answers[a.EnrollmentID] = map[uuid.UUID]model.StudentAnswer{}
	}
	a.UpdatedAt = r.b().now()
	st.answers[a.EnrollmentID][a.QuestionID] = *a
	return nil
}

func (r *answers) Delete(_ context.Context, enrollmentID, questionID uuid.UUID) error {
	defer r.b().lock()()
	delete(r.b().m.st.answers[enrollmentID], questionID)
	return nil
}

func (r *answers) Selections(_ context.Context, enrollmentID uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	defer r.b().lock()()
	out := map[uuid.UUID]uuid.UUID{}
	for qid, a := range r.b().m.st.answers[enrollmentID] {
		if a.SelectedOptionID != nil {
			out[qid] = *a.SelectedOptionID
		}
	}
	return out, nil
}

// ─── Questions ──────────────────────────────────────────────────────────────

type questions binding

func (r *questions) ListByExam(_ context.Context, examID uuid.UUID) ([]model.Question, error) {
	defer (*binding)(r).lock()()
	return slices.Clone((*binding)(r).m.st.questions[examID]), nil
}

// ─── Candidates ─────────────────────────────────────────────────────────────

type candidates binding

func (r *candidates) b() *binding { return (*binding)(r) }

func (r *candidates) Get(_ context.Context, id int) (*model.Candidate, error) {
	defer r.b().lock()()
	c, ok := r.b().m.st.candidates[id]
	if !ok {
		return nil, apperr.NotFound("candidates.get", "candidate %d not found", id)
	}
	return &c, nil
}

func (r *candidates) TokenVersion(ctx context.Context, id int) (int, error) {
	c, err := r.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return c.TokenVersion, nil
}

func (r *candidates) BumpTokenVersion(_ context.Context, id int) (int, error) {
	defer r.b().lock()()
	st := r.b().m.st
	c, ok := st.candidates[id]
	if !ok {
		return 0, apperr.NotFound("candidates.bump_token_version", "candidate %d not found", id)
	}
	c.TokenVersion++
	st.candidates[id] = c
	return c.TokenVersion, nil
}
