package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/apperr"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/timing"
)

// QuestionPage renders page n (1-indexed) of the candidate's fixed paper.
func (s *EnrollmentService) QuestionPage(ctx context.Context, id uuid.UUID, n int) (*model.QuestionPage, error) {
	e, sess, err := s.observe(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status == model.EnrollmentStatusSubmitted {
		return nil, apperr.InvalidState("enrollment.page", "exam already submitted")
	}
	if !e.Randomized() {
		return nil, apperr.InvalidState("enrollment.page", "exam not started")
	}
	if n < 1 || n > len(e.QuestionOrder) {
		return nil, apperr.InvalidInput("enrollment.page", "page %d out of range 1..%d", n, len(e.QuestionOrder))
	}

	repos := s.Store.Repos()
	questions, err := repos.Questions.ListByExam(ctx, sess.ExamID)
	if err != nil {
		return nil, err
	}
	qid := e.QuestionOrder[n-1]
	q, ok := findQuestion(questions, qid)
	if !ok {
		return nil, apperr.NotFound("enrollment.page", "question %s no longer exists", qid)
	}
	selections, err := repos.Answers.Selections(ctx, id)
	if err != nil {
		return nil, err
	}

	order := e.AnswerOrder[qid]
	page := &model.QuestionPage{
		Page:         n,
		TotalPages:   len(e.QuestionOrder),
		QuestionID:   qid,
		QuestionText: q.Text,
		Options:      make([]model.PageOption, 0, len(order)),
	}
	for i, oid := range order {
		opt, ok := q.Option(oid)
		if !ok {
			continue
		}
		page.Options = append(page.Options, model.PageOption{Letter: timing.Letter(i), Text: opt.Text})
	}
	if letter, ok := selectedLetter(order, selections, qid); ok {
		page.IsAnswered = true
		page.StudentAnswer = &letter
	}
	return page, nil
}

// SubmitAnswer records the option at the given letter of the candidate's
// order. A nil or empty letter clears the selection.
func (s *EnrollmentService) SubmitAnswer(ctx context.Context, id, questionID uuid.UUID, letter *string) (*model.AnswerAck, error) {
	if letter == nil || strings.TrimSpace(*letter) == "" {
		return s.ClearAnswer(ctx, id, questionID)
	}

	var ack *model.AnswerAck
	var expired bool
	_, err := s.locked(ctx, id, func(r *repository.Repos, sess *model.ExamSession, e *model.Enrollment, now time.Time, fx *effects) error {
		if err := s.answerable(ctx, r, sess, e, now, fx, &expired); err != nil || expired {
			return err
		}
		order, ok := e.AnswerOrder[questionID]
		if !ok {
			return apperr.NotFound("enrollment.answer", "question %s is not on this paper", questionID)
		}
		idx, err := timing.LetterIndex(*letter, len(order))
		if err != nil {
			return err
		}
		oid := order[idx]
		if err := r.Answers.Upsert(ctx, &model.StudentAnswer{
			EnrollmentID:     id,
			QuestionID:       questionID,
			SelectedOptionID: &oid,
		}); err != nil {
			return err
		}
		l := timing.Letter(idx)
		ack = &model.AnswerAck{QuestionID: questionID, StudentAnswer: &l}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, apperr.InvalidState("enrollment.answer", "time is up")
	}
	return ack, nil
}

// ClearAnswer removes the selection for a question.
func (s *EnrollmentService) ClearAnswer(ctx context.Context, id, questionID uuid.UUID) (*model.AnswerAck, error) {
	var expired bool
	_, err := s.locked(ctx, id, func(r *repository.Repos, sess *model.ExamSession, e *model.Enrollment, now time.Time, fx *effects) error {
		if err := s.answerable(ctx, r, sess, e, now, fx, &expired); err != nil || expired {
			return err
		}
		if _, ok := e.AnswerOrder[questionID]; !ok {
			return apperr.NotFound("enrollment.answer", "question %s is not on this paper", questionID)
		}
		return r.Answers.Delete(ctx, id, questionID)
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, apperr.InvalidState("enrollment.answer", "time is up")
	}
	return &model.AnswerAck{QuestionID: questionID, Cleared: true}, nil
}

// answerable rejects writes unless the candidate's clock is running: the
// enrollment is active and the candidate holds a live connection. An
// enrollment found out of time is submitted in the same transaction and
// reported through expired so the caller can commit before failing.
func (s *EnrollmentService) answerable(ctx context.Context, r *repository.Repos, sess *model.ExamSession, e *model.Enrollment, now time.Time, fx *effects, expired *bool) error {
	if e.Status != model.EnrollmentStatusActive {
		return apperr.InvalidState("enrollment.answer", "enrollment is %s", e.Status)
	}
	if !e.Randomized() {
		return apperr.InvalidState("enrollment.answer", "exam not started")
	}
	if timing.Remaining(e, sess, now) <= 0 {
		*expired = true
		return s.submitLocked(ctx, r, sess, e, model.SubmitReasonExpired, now, fx)
	}
	if !e.Present {
		return apperr.InvalidState("enrollment.answer", "not connected")
	}
	return nil
}

// AnswerSummary lists every page with its current selection.
func (s *EnrollmentService) AnswerSummary(ctx context.Context, id uuid.UUID) ([]model.AnswerSummaryItem, error) {
	e, _, err := s.observe(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.Randomized() {
		return nil, apperr.InvalidState("enrollment.summary", "exam not started")
	}
	selections, err := s.Store.Repos().Answers.Selections(ctx, id)
	if err != nil {
		return nil, err
	}

	items := make([]model.AnswerSummaryItem, len(e.QuestionOrder))
	for i, qid := range e.QuestionOrder {
		items[i] = model.AnswerSummaryItem{Page: i + 1, QuestionID: qid}
		if letter, ok := selectedLetter(e.AnswerOrder[qid], selections, qid); ok {
			items[i].IsAnswered = true
			items[i].StudentAnswer = &letter
		}
	}
	return items, nil
}

func selectedLetter(order []uuid.UUID, selections map[uuid.UUID]uuid.UUID, qid uuid.UUID) (string, bool) {
	oid, ok := selections[qid]
	if !ok {
		return "", false
	}
	for i, id := range order {
		if id == oid {
			return timing.Letter(i), true
		}
	}
	return "", false
}

func findQuestion(questions []model.Question, id uuid.UUID) (*model.Question, bool) {
	for i := range questions {
		if questions[i].ID == id {
			return &questions[i], true
		}
	}
	return nil, false
}
