package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

const (
	ScoreBatchSize    = 50
	ScoreBatchTimeout = 2 * time.Second
	ScorePollTimeout  = 1 * time.Second
)

type scorePayload struct {
	EnrollmentID uuid.UUID `json:"enrollment_id"`
}

// ScoreQueue enqueues score tallies for submitted enrollments.
type ScoreQueue struct {
	rdb *redis.Client
}

// NewScoreQueue creates a new ScoreQueue.
func NewScoreQueue(rdb *redis.Client) *ScoreQueue {
	return &ScoreQueue{rdb: rdb}
}

// Enqueue pushes one tally request per enrollment.
func (q *ScoreQueue) Enqueue(ctx context.Context, enrollmentIDs ...uuid.UUID) error {
	if len(enrollmentIDs) == 0 {
		return nil
	}
	items := make([]any, 0, len(enrollmentIDs))
	for _, id := range enrollmentIDs {
		raw, err := json.Marshal(scorePayload{EnrollmentID: id})
		if err != nil {
			return err
		}
		items = append(items, raw)
	}
	return q.rdb.RPush(ctx, config.WorkerKey.ScoreTallyQueue, items...).Err()
}

// ScoringWorker tallies correct answers of submitted enrollments in batches.
type ScoringWorker struct {
	store repository.Store
	rdb   *redis.Client
	log   zerolog.Logger
}

func NewScoringWorker(store repository.Store, rdb *redis.Client, log zerolog.Logger) *ScoringWorker {
	return &ScoringWorker{
		store: store,
		rdb:   rdb,
		log:   log.With().Str("component", "scoring_worker").Logger(),
	}
}

// ----------------------------------------------------------------
// Worker loop with batching
// ----------------------------------------------------------------

func (w *ScoringWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ScoringWorker started")

	batch := make([]uuid.UUID, 0, ScoreBatchSize)
	lastFlush := time.Now()

	for {
		// Should flush?
		if len(batch) > 0 &&
			(len(batch) >= ScoreBatchSize || time.Since(lastFlush) >= ScoreBatchTimeout) {

			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Shutdown requested. Flushing remaining batch...")
			w.flushSafe(context.Background(), batch)
			return

		default:
			item, err := w.rdb.BLPop(ctx, ScorePollTimeout, config.WorkerKey.ScoreTallyQueue).Result()
			if err != nil {
				if err != redis.Nil && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
				}
				continue
			}

			if len(item) < 2 {
				continue
			}

			var p scorePayload
			if err := json.Unmarshal([]byte(item[1]), &p); err != nil || p.EnrollmentID == uuid.Nil {
				w.log.Error().Err(err).Str("payload", item[1]).Msg("Invalid tally payload, discarded")
				continue
			}

			batch = append(batch, p.EnrollmentID)
		}
	}
}

// ----------------------------------------------------------------
// Batch tally with per-enrollment fallback
// ----------------------------------------------------------------

func (w *ScoringWorker) flushSafe(ctx context.Context, batch []uuid.UUID) {
	if len(batch) == 0 {
		return
	}

	enrollments := w.store.Repos().Enrollments
	if err := enrollments.TallyScores(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("bulk score tally failed, using fallback")

		for _, id := range batch {
			if err := enrollments.TallyScores(ctx, []uuid.UUID{id}); err != nil {
				w.log.Error().Err(err).Str("enrollment_id", id.String()).Msg("single tally failed, requeueing")
				raw, _ := json.Marshal(scorePayload{EnrollmentID: id})
				w.rdb.RPush(ctx, config.WorkerKey.ScoreTallyQueue, raw)
			}
		}
		return
	}

	w.log.Debug().Int("count", len(batch)).Msg("Score tallies flushed")
}
