package notify

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
)

// RedisMonitor publishes monitor events and alerts on the session's pub/sub
// channel, which the admin SSE feed subscribes to.
type RedisMonitor struct {
	rdb *redis.Client
	log zerolog.Logger
}

func NewRedisMonitor(rdb *redis.Client, log zerolog.Logger) *RedisMonitor {
	return &RedisMonitor{
		rdb: rdb,
		log: log.With().Str("component", "redis_monitor").Logger(),
	}
}

func (m *RedisMonitor) Publish(ctx context.Context, ev MonitorEvent) {
	m.publish(ctx, config.CacheKey.SessionMonitorChannel(ev.SessionID), ev)
}

func (m *RedisMonitor) Alert(ctx context.Context, a Alert) {
	m.publish(ctx, config.CacheKey.SessionMonitorChannel(a.SessionID), struct {
		Alert
		Kind string `json:"kind"`
	}{a, "alert"})
}

func (m *RedisMonitor) publish(ctx context.Context, channel string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to marshal monitor event")
		return
	}
	if err := m.rdb.Publish(ctx, channel, raw).Err(); err != nil {
		m.log.Warn().Err(err).Str("channel", channel).Msg("Failed to publish monitor event")
	}
}
