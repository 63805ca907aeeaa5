package notify

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSSink publishes alerts as JSON on a NATS subject.
type NATSSink struct {
	nc      *nats.Conn
	subject string
	log     zerolog.Logger
}

func NewNATSSink(nc *nats.Conn, subject string, log zerolog.Logger) *NATSSink {
	return &NATSSink{
		nc:      nc,
		subject: subject,
		log:     log.With().Str("component", "nats_sink").Logger(),
	}
}

func (s *NATSSink) Alert(_ context.Context, a Alert) {
	raw, err := json.Marshal(a)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to marshal alert")
		return
	}
	if err := s.nc.Publish(s.subject, raw); err != nil {
		s.log.Error().Err(err).
			Str("enrollment_id", a.EnrollmentID.String()).
			Msg("Failed to publish alert")
	}
}
