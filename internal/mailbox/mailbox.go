// Package mailbox is the per-enrollment status event channel.
//
// Delivery is best-effort: events expire after a short TTL, and a drain
// removes everything it returns so each event reaches at most one reader.
package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Mailbox pushes and drains status events in Redis lists.
type Mailbox struct {
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

// New creates a Mailbox whose events live for ttl after the latest push.
func New(rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *Mailbox {
	return &Mailbox{
		rdb: rdb,
		ttl: ttl,
		log: log.With().Str("component", "mailbox").Logger(),
	}
}

// Push appends an event and resets the mailbox TTL.
func (m *Mailbox) Push(ctx context.Context, enrollmentID uuid.UUID, ev model.MailboxEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	key := config.CacheKey.EnrollmentMailboxKey(enrollmentID)

	_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, raw)
		pipe.Expire(ctx, key, m.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("push mailbox event: %w", err)
	}
	return nil
}

// Post is Push for producers that must not fail on a lost notification.
func (m *Mailbox) Post(ctx context.Context, enrollmentID uuid.UUID, typ model.MailboxEventType, msg string, at time.Time) {
	ev := model.MailboxEvent{Type: typ, Message: msg, At: at}
	if err := m.Push(ctx, enrollmentID, ev); err != nil {
		m.log.Warn().Err(err).
			Str("enrollment_id", enrollmentID.String()).
			Str("event", string(typ)).
			Msg("Mailbox event dropped")
	}
}

// Drain returns and removes every pending event in one transaction.
func (m *Mailbox) Drain(ctx context.Context, enrollmentID uuid.UUID) ([]model.MailboxEvent, error) {
	key := config.CacheKey.EnrollmentMailboxKey(enrollmentID)

	var rng *redis.StringSliceCmd
	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rng = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("drain mailbox: %w", err)
	}

	events := make([]model.MailboxEvent, 0, len(rng.Val()))
	for _, raw := range rng.Val() {
		var ev model.MailboxEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			m.log.Warn().Err(err).Str("enrollment_id", enrollmentID.String()).Msg("Discarding malformed mailbox event")
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
