package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/metrics"
)

// FireFunc handles an expiry job. It must re-derive state rather than trust
// that the deadline it was armed for still holds.
type FireFunc func(ctx context.Context, enrollmentID uuid.UUID) error

var unindexIfDeadline = redis.NewScript(`
if tonumber(redis.call('ZSCORE', KEYS[1], ARGV[1])) == tonumber(ARGV[2]) then
	return redis.call('ZREM', KEYS[1], ARGV[1])
end
return 0
`)

type job struct {
	timer clockwork.Timer
	stop  chan struct{}
	at    time.Time
}

// ExpiryScheduler keeps at most one armed timer per enrollment.
//
// Timers live in process. Each arm is mirrored into a Redis sorted set
// (member enrollment ID, score deadline in ms) so a restarted process can
// re-arm them with Restore.
type ExpiryScheduler struct {
	clk   clock.Clock
	rdb   *redis.Client
	retry *Retry
	log   zerolog.Logger

	mu   sync.Mutex
	jobs map[uuid.UUID]*job
	fire FireFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewExpiryScheduler creates a scheduler. SetHandler must be called before the first fire.
func NewExpiryScheduler(clk clock.Clock, rdb *redis.Client, retry *Retry, log zerolog.Logger) *ExpiryScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &ExpiryScheduler{
		clk:    clk,
		rdb:    rdb,
		retry:  retry,
		log:    log.With().Str("component", "expiry_scheduler").Logger(),
		jobs:   make(map[uuid.UUID]*job),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetHandler sets the callback run when a job fires.
func (s *ExpiryScheduler) SetHandler(fn FireFunc) {
	s.mu.Lock()
	s.fire = fn
	s.mu.Unlock()
}

// Arm schedules the enrollment's expiry at at, superseding any earlier job.
func (s *ExpiryScheduler) Arm(ctx context.Context, enrollmentID uuid.UUID, at time.Time) error {
	err := s.rdb.ZAdd(ctx, config.CacheKey.ExpiryJobsKey(), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: enrollmentID.String(),
	}).Err()
	if err != nil {
		s.log.Warn().Err(err).Str("enrollment_id", enrollmentID.String()).Msg("Failed to index expiry job")
	}

	d := at.Sub(s.clk.Now())
	if d < 0 {
		d = 0
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return errors.New("expiry scheduler stopped")
	}
	if old, ok := s.jobs[enrollmentID]; ok {
		stopJob(old)
	}
	j := &job{timer: s.clk.NewTimer(d), stop: make(chan struct{}), at: at}
	s.jobs[enrollmentID] = j
	metrics.ExpiryJobsArmed.Set(float64(len(s.jobs)))
	s.wg.Add(1)
	s.mu.Unlock()

	go s.wait(enrollmentID, j)

	s.log.Debug().
		Str("enrollment_id", enrollmentID.String()).
		Time("deadline", at).
		Dur("in", d).
		Msg("Expiry job armed")
	return nil
}

// Cancel removes the enrollment's job. A job whose timer already fired but
// has not yet been claimed is suppressed.
func (s *ExpiryScheduler) Cancel(ctx context.Context, enrollmentID uuid.UUID) error {
	s.mu.Lock()
	if j, ok := s.jobs[enrollmentID]; ok {
		stopJob(j)
		delete(s.jobs, enrollmentID)
		metrics.ExpiryJobsArmed.Set(float64(len(s.jobs)))
	}
	s.mu.Unlock()

	if err := s.rdb.ZRem(ctx, config.CacheKey.ExpiryJobsKey(), enrollmentID.String()).Err(); err != nil {
		s.log.Warn().Err(err).Str("enrollment_id", enrollmentID.String()).Msg("Failed to unindex expiry job")
	}
	return nil
}

// Armed reports whether the enrollment has a live job.
func (s *ExpiryScheduler) Armed(enrollmentID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[enrollmentID]
	return ok
}

// Deadline returns the deadline of the enrollment's live job.
func (s *ExpiryScheduler) Deadline(enrollmentID uuid.UUID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[enrollmentID]
	if !ok {
		return time.Time{}, false
	}
	return j.at, true
}

// Len reports the number of live jobs.
func (s *ExpiryScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Restore re-arms every job recorded in the index.
func (s *ExpiryScheduler) Restore(ctx context.Context) (int, error) {
	entries, err := s.rdb.ZRangeWithScores(ctx, config.CacheKey.ExpiryJobsKey(), 0, -1).Result()
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, z := range entries {
		member, _ := z.Member.(string)
		id, err := uuid.Parse(member)
		if err != nil {
			s.log.Warn().Str("member", member).Msg("Dropping malformed expiry index entry")
			s.rdb.ZRem(ctx, config.CacheKey.ExpiryJobsKey(), member)
			continue
		}
		if err := s.Arm(ctx, id, time.UnixMilli(int64(z.Score))); err != nil {
			return restored, err
		}
		restored++
	}

	s.log.Info().Int("jobs", restored).Msg("Expiry jobs restored")
	return restored, nil
}

// Stop cancels every timer and waits for running callbacks to return.
// The index is left intact for the next process to restore.
func (s *ExpiryScheduler) Stop() {
	s.mu.Lock()
	s.cancel()
	for id, j := range s.jobs {
		stopJob(j)
		delete(s.jobs, id)
	}
	metrics.ExpiryJobsArmed.Set(0)
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *ExpiryScheduler) wait(id uuid.UUID, j *job) {
	defer s.wg.Done()

	select {
	case <-j.timer.Chan():
	case <-j.stop:
		return
	case <-s.ctx.Done():
		return
	}

	s.mu.Lock()
	if s.jobs[id] != j {
		s.mu.Unlock()
		metrics.ExpiryJobsFired.WithLabelValues("superseded").Inc()
		return
	}
	delete(s.jobs, id)
	metrics.ExpiryJobsArmed.Set(float64(len(s.jobs)))
	fire := s.fire
	s.mu.Unlock()

	// A concurrent Arm may already have indexed a newer deadline.
	unindexIfDeadline.Run(s.ctx, s.rdb, []string{config.CacheKey.ExpiryJobsKey()},
		id.String(), strconv.FormatInt(j.at.UnixMilli(), 10))

	if fire == nil {
		s.log.Error().Str("enrollment_id", id.String()).Msg("Expiry job fired without a handler")
		return
	}

	err := s.retry.Do(s.ctx, func(ctx context.Context) error { return fire(ctx, id) })
	if err != nil {
		metrics.ExpiryJobsFired.WithLabelValues("error").Inc()
		s.log.Error().Err(err).Str("enrollment_id", id.String()).Msg("Expiry job failed")
		return
	}
	metrics.ExpiryJobsFired.WithLabelValues("ok").Inc()
}

// stopJob stops a timer and drains its channel so the waiter cannot observe a stale fire.
func stopJob(j *job) {
	if !j.timer.Stop() {
		select {
		case <-j.timer.Chan():
		default:
		}
	}
	close(j.stop)
}
