package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/apperr"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// StudentExamHandler serves the candidate's exam over plain HTTP. Every
// request acts on the candidate's closest enrollment.
type StudentExamHandler struct {
	enrollments *service.EnrollmentService
	log         zerolog.Logger
}

// NewStudentExamHandler creates a new StudentExamHandler.
func NewStudentExamHandler(enrollments *service.EnrollmentService, log zerolog.Logger) *StudentExamHandler {
	return &StudentExamHandler{
		enrollments: enrollments,
		log:         log.With().Str("component", "student_exam_handler").Logger(),
	}
}

// enrollment resolves the caller's closest enrollment or writes the failure.
func (h *StudentExamHandler) enrollment(c *gin.Context) (model.EnrollmentView, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return model.EnrollmentView{}, false
	}
	enr, err := h.enrollments.Closest(c.Request.Context(), claims.UserID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrNoEnrollment)
		} else {
			fail(c, h.log, err)
		}
		return model.EnrollmentView{}, false
	}
	return enr, true
}

// GetEnrollment godoc
// GET /api/v1/student/enrollment
func (h *StudentExamHandler) GetEnrollment(c *gin.Context) {
	enr, ok := h.enrollment(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, gin.H{"enrollment": enr})
}

// GetStatus godoc
// GET /api/v1/student/exam/status
// Returns remaining time and consumes pending status events.
func (h *StudentExamHandler) GetStatus(c *gin.Context) {
	enr, ok := h.enrollment(c)
	if !ok {
		return
	}
	st, err := h.enrollments.Status(c.Request.Context(), enr.ID)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, st)
}

// GetQuestion godoc
// GET /api/v1/student/exam/questions/:page
func (h *StudentExamHandler) GetQuestion(c *gin.Context) {
	page, err := strconv.Atoi(c.Param("page"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}
	enr, ok := h.enrollment(c)
	if !ok {
		return
	}
	q, err := h.enrollments.QuestionPage(c.Request.Context(), enr.ID, page)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, q)
}

// SubmitAnswer godoc
// PUT /api/v1/student/exam/answers/:question_id
// A null or empty answer clears the selection.
func (h *StudentExamHandler) SubmitAnswer(c *gin.Context) {
	qid, err := uuid.Parse(c.Param("question_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.SubmitAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	h.answer(c, qid, func(ctx context.Context, id uuid.UUID) (*model.AnswerAck, error) {
		return h.enrollments.SubmitAnswer(ctx, id, qid, req.Answer)
	})
}

// ClearAnswer godoc
// DELETE /api/v1/student/exam/answers/:question_id
func (h *StudentExamHandler) ClearAnswer(c *gin.Context) {
	qid, err := uuid.Parse(c.Param("question_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}
	h.answer(c, qid, func(ctx context.Context, id uuid.UUID) (*model.AnswerAck, error) {
		return h.enrollments.ClearAnswer(ctx, id, qid)
	})
}

func (h *StudentExamHandler) answer(c *gin.Context, qid uuid.UUID, op func(ctx context.Context, id uuid.UUID) (*model.AnswerAck, error)) {
	enr, ok := h.enrollment(c)
	if !ok {
		return
	}
	ack, err := op(c.Request.Context(), enr.ID)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, ack)
}

// GetAnswers godoc
// GET /api/v1/student/exam/answers
func (h *StudentExamHandler) GetAnswers(c *gin.Context) {
	enr, ok := h.enrollment(c)
	if !ok {
		return
	}
	items, err := h.enrollments.AnswerSummary(c.Request.Context(), enr.ID)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"answers": items})
}

// SubmitExam godoc
// POST /api/v1/student/exam/submit
// Idempotent: a repeated submit answers 200 with applied=false.
func (h *StudentExamHandler) SubmitExam(c *gin.Context) {
	enr, ok := h.enrollment(c)
	if !ok {
		return
	}
	out, err := h.enrollments.SubmitExam(c.Request.Context(), enr.ID, model.SubmitReasonCandidate)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, out)
}

// fail logs unclassified errors and writes the mapped response.
func fail(c *gin.Context, log zerolog.Logger, err error) {
	if apperr.KindOf(err) == apperr.KindInternal {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	response.FromError(c, err)
}
