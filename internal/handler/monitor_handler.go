package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

type MonitorHandler struct {
	rdb      *redis.Client
	sessions *service.SessionService
	log      zerolog.Logger
}

func NewMonitorHandler(rdb *redis.Client, sessions *service.SessionService, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		rdb:      rdb,
		sessions: sessions,
		log:      log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorSessionSSE godoc
// GET /api/v1/admin/sessions/:id/monitor
// Streams a snapshot, then live enrollment changes and alerts, with a
// periodic refresh of every candidate's remaining time.
func (h *MonitorHandler) MonitorSessionSSE(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	reqCtx := c.Request.Context()

	snap, err := h.sessions.Snapshot(reqCtx, sessionID)
	if err != nil {
		fail(c, h.log, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.SSEvent("message", gin.H{"type": "snapshot", "data": snap})
	c.Writer.Flush()

	pubsub := h.rdb.Subscribe(reqCtx, config.CacheKey.SessionMonitorChannel(sessionID))
	defer pubsub.Close()

	ch := pubsub.Channel()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	h.log.Info().Str("session_id", sessionID.String()).Msg("Admin attached to live monitor SSE")

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("session_id", sessionID.String()).Msg("Admin disconnected from live monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Forward raw JSON directly, no deserialization needed
			writeSSE(c, []byte(msg.Payload))

		case <-refreshTicker.C:
			h.sendRefresh(c, reqCtx, sessionID)

		case <-keepAliveTicker.C:
			writeSSE(c, pingPayload)
		}
	}
}

// sendRefresh re-reads the session so clients can resync remaining times.
func (h *MonitorHandler) sendRefresh(c *gin.Context, parentCtx context.Context, sessionID uuid.UUID) {
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()

	snap, err := h.sessions.Snapshot(ctx, sessionID)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to refresh session snapshot")
		return
	}

	remaining := make([]gin.H, 0, len(snap.Enrollments))
	for _, e := range snap.Enrollments {
		remaining = append(remaining, gin.H{
			"enrollment_id":  e.ID,
			"candidate_id":   e.CandidateID,
			"status":         e.Status,
			"present":        e.Present,
			"time_remaining": e.TimeRemaining,
		})
	}

	c.SSEvent("message", gin.H{
		"type":           "refresh",
		"session_status": snap.Session.Status,
		"expected_end":   snap.Session.ExpectedEnd,
		"enrollments":    remaining,
	})
	c.Writer.Flush()
}

func writeSSE(c *gin.Context, payload []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(payload)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}
