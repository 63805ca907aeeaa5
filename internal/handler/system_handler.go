package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
)

const metricsInterval = 7 * time.Second

// ExpiryCounter reports the expiry timers armed in this process.
type ExpiryCounter interface {
	Len() int
}

// SystemHandler streams Go runtime and queue depth figures via SSE.
type SystemHandler struct {
	rdb       *redis.Client
	expiry    ExpiryCounter
	startTime time.Time
	log       zerolog.Logger
}

func NewSystemHandler(rdb *redis.Client, expiry ExpiryCounter, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		rdb:       rdb,
		expiry:    expiry,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

type systemMetrics struct {
	Timestamp int64  `json:"timestamp"`
	Uptime    string `json:"uptime"`

	// Go Application
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	HeapSys    uint64 `json:"heap_sys"`
	NumGC      uint32 `json:"num_gc"`
	GoVersion  string `json:"go_version"`
	NumCPU     int    `json:"num_cpu"`

	// Queues and timers
	QueueCommands    int64 `json:"queue_commands"`
	QueueTallies     int64 `json:"queue_tallies"`
	ExpiryIndexed    int64 `json:"expiry_indexed"`
	ExpiryArmedLocal int   `json:"expiry_armed_local"`
}

// SystemMetricsSSE godoc
// GET /api/v1/admin/system/metrics
func (h *SystemHandler) SystemMetricsSSE(c *gin.Context) {
	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.log.Info().Msg("Admin connected to system metrics SSE")

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	// Send immediately on connect, then every tick
	h.writeMetrics(c, reqCtx)

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Msg("Admin disconnected from system metrics SSE")
			return
		case <-ticker.C:
			h.writeMetrics(c, reqCtx)
		}
	}
}

func (h *SystemHandler) writeMetrics(c *gin.Context, ctx context.Context) {
	data, err := json.Marshal(h.collect(ctx))
	if err != nil {
		return
	}
	writeSSE(c, data)
}

func (h *SystemHandler) collect(ctx context.Context) systemMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m := systemMetrics{
		Timestamp:        time.Now().Unix(),
		Uptime:           formatDuration(time.Since(h.startTime)),
		Goroutines:       runtime.NumGoroutine(),
		HeapAlloc:        ms.HeapAlloc,
		HeapSys:          ms.Sys,
		NumGC:            ms.NumGC,
		GoVersion:        runtime.Version(),
		NumCPU:           runtime.NumCPU(),
		ExpiryArmedLocal: h.expiry.Len(),
	}

	// Pipelined LLEN/ZCARD
	pipe := h.rdb.Pipeline()
	commandsCmd := pipe.LLen(ctx, config.WorkerKey.SessionCommandsQueue)
	talliesCmd := pipe.LLen(ctx, config.WorkerKey.ScoreTallyQueue)
	expiryCmd := pipe.ZCard(ctx, config.CacheKey.ExpiryJobsKey())
	if _, err := pipe.Exec(ctx); err == nil {
		m.QueueCommands, _ = commandsCmd.Result()
		m.QueueTallies, _ = talliesCmd.Result()
		m.ExpiryIndexed, _ = expiryCmd.Result()
	}
	return m
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
