package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// CandidateHandler handles admin actions on candidates.
type CandidateHandler struct {
	auth *service.AuthService
	log  zerolog.Logger
}

// NewCandidateHandler creates a new CandidateHandler.
func NewCandidateHandler(auth *service.AuthService, log zerolog.Logger) *CandidateHandler {
	return &CandidateHandler{
		auth: auth,
		log:  log.With().Str("component", "candidate_handler").Logger(),
	}
}

// RevokeTokens godoc
// POST /api/v1/admin/candidates/:id/revoke
// Invalidates every token issued to the candidate so far.
func (h *CandidateHandler) RevokeTokens(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	v, err := h.auth.BumpTokenVersion(c.Request.Context(), id)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"candidate_id": id, "token_version": v})
}
