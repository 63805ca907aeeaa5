package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink writes alerts to the log. It is the fallback when NATS is not configured.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "alerts").Logger()}
}

func (s *LogSink) Alert(_ context.Context, a Alert) {
	s.log.Warn().
		Str("type", string(a.Type)).
		Str("session_id", a.SessionID.String()).
		Str("enrollment_id", a.EnrollmentID.String()).
		Int("candidate_id", a.CandidateID).
		Time("at", a.At).
		Msg(a.Message)
}
