package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/apperr"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
)

// SessionHandler handles admin session management.
type SessionHandler struct {
	sessions    *service.SessionService
	enrollments *service.EnrollmentService
	commands    *worker.CommandQueue
	log         zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(
	sessions *service.SessionService,
	enrollments *service.EnrollmentService,
	commands *worker.CommandQueue,
	log zerolog.Logger,
) *SessionHandler {
	return &SessionHandler{
		sessions:    sessions,
		enrollments: enrollments,
		commands:    commands,
		log:         log.With().Str("component", "session_handler").Logger(),
	}
}

// CreateSession godoc
// POST /api/v1/admin/sessions
func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req model.CreateSessionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	sess, err := h.sessions.Create(c.Request.Context(), req)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusCreated, gin.H{"session": sess})
}

// GetSession godoc
// GET /api/v1/admin/sessions/:id
func (h *SessionHandler) GetSession(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}
	sess, err := h.sessions.Get(c.Request.Context(), id)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"session": sess})
}

// GetClosestSession godoc
// GET /api/v1/admin/sessions/closest
func (h *SessionHandler) GetClosestSession(c *gin.Context) {
	sess, err := h.sessions.Closest(c.Request.Context())
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrNoSession)
			return
		}
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"session": sess})
}

// EnrollCandidates godoc
// POST /api/v1/admin/sessions/:id/enrollments
// Rows succeed or fail individually; the response carries one result per row.
func (h *SessionHandler) EnrollCandidates(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.EnrollRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	results, err := h.enrollments.Enroll(c.Request.Context(), id, req.Candidates)
	if err != nil {
		fail(c, h.log, err)
		return
	}

	created := 0
	for _, r := range results {
		if r.EnrollmentID != nil {
			created++
		}
	}
	status := http.StatusCreated
	if created < len(results) {
		status = http.StatusMultiStatus
	}
	response.Success(c, status, gin.H{"results": results, "created": created})
}

// SessionCommand godoc
// POST /api/v1/admin/sessions/:id/{pause,resume,cancel,complete}
// Queues the command and acknowledges with 202 and the command ID.
func (h *SessionHandler) SessionCommand(action worker.CommandAction) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
			return
		}
		claims := middleware.GetClaims(c)
		if claims == nil {
			response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		// Fail fast on an unknown session instead of queueing a dead command.
		if _, err := h.sessions.Get(c.Request.Context(), id); err != nil {
			fail(c, h.log, err)
			return
		}

		cmd, err := h.commands.Push(c.Request.Context(), id, action, claims.UserID)
		if err != nil {
			fail(c, h.log, err)
			return
		}

		h.log.Info().
			Str("command_id", cmd.ID.String()).
			Str("session_id", id.String()).
			Str("action", string(action)).
			Int("admin_id", claims.UserID).
			Msg("Session command queued")

		response.Success(c, http.StatusAccepted, gin.H{"command": cmd})
	}
}

// ChangeDuration godoc
// PUT /api/v1/admin/sessions/:id/duration
func (h *SessionHandler) ChangeDuration(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.ChangeDurationRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	out, err := h.sessions.OnDurationChanged(c.Request.Context(), id, time.Duration(req.DurationMinutes)*time.Minute)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, out)
}
