package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/apperr"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/scheduler"
)

const CommandPollTimeout = 1 * time.Second // Must be >= 1s to satisfy Redis

// CommandAction is an admin lifecycle command applied asynchronously.
type CommandAction string

const (
	CommandPause    CommandAction = "pause"
	CommandResume   CommandAction = "resume"
	CommandCancel   CommandAction = "cancel"
	CommandComplete CommandAction = "complete"
)

// Valid reports whether a is a known action.
func (a CommandAction) Valid() bool {
	switch a {
	case CommandPause, CommandResume, CommandCancel, CommandComplete:
		return true
	}
	return false
}

// SessionCommand is one queued admin command.
type SessionCommand struct {
	ID          uuid.UUID     `json:"id"`
	SessionID   uuid.UUID     `json:"session_id"`
	Action      CommandAction `json:"action"`
	RequestedBy int           `json:"requested_by"`
	RequestedAt time.Time     `json:"requested_at"`
}

// SessionLifecycle is the part of the session service driven by commands.
type SessionLifecycle interface {
	Pause(ctx context.Context, id uuid.UUID) (model.Outcome, error)
	Resume(ctx context.Context, id uuid.UUID) (model.Outcome, error)
	Cancel(ctx context.Context, id uuid.UUID) (model.Outcome, error)
	Complete(ctx context.Context, id uuid.UUID) (model.Outcome, error)
}

// CommandQueue accepts admin commands for asynchronous application.
type CommandQueue struct {
	rdb *redis.Client
	clk clock.Clock
}

// NewCommandQueue creates a new CommandQueue.
func NewCommandQueue(rdb *redis.Client, clk clock.Clock) *CommandQueue {
	return &CommandQueue{rdb: rdb, clk: clk}
}

// Push queues action for sessionID and returns the command for acknowledgement.
func (q *CommandQueue) Push(ctx context.Context, sessionID uuid.UUID, action CommandAction, adminID int) (SessionCommand, error) {
	if !action.Valid() {
		return SessionCommand{}, apperr.InvalidInput("commands.push", "unknown action %q", action)
	}
	cmd := SessionCommand{
		ID:          uuid.New(),
		SessionID:   sessionID,
		Action:      action,
		RequestedBy: adminID,
		RequestedAt: q.clk.Now(),
	}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return SessionCommand{}, err
	}
	if err := q.rdb.RPush(ctx, config.WorkerKey.SessionCommandsQueue, raw).Err(); err != nil {
		return SessionCommand{}, apperr.Transient("commands.push", err)
	}
	return cmd, nil
}

// SessionCommandWorker consumes session_commands_queue and applies each
// command through the session state machine.
type SessionCommandWorker struct {
	sessions SessionLifecycle
	rdb      *redis.Client
	retry    *scheduler.Retry
	log      zerolog.Logger
}

// NewSessionCommandWorker creates a new SessionCommandWorker.
func NewSessionCommandWorker(sessions SessionLifecycle, rdb *redis.Client, retry *scheduler.Retry, log zerolog.Logger) *SessionCommandWorker {
	return &SessionCommandWorker{
		sessions: sessions,
		rdb:      rdb,
		retry:    retry,
		log:      log.With().Str("component", "session_command_worker").Logger(),
	}
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *SessionCommandWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *SessionCommandWorker) processNext(ctx context.Context) {
	result, err := w.rdb.BLPop(ctx, CommandPollTimeout, config.WorkerKey.SessionCommandsQueue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			select {
			case <-ctx.Done():
			case <-time.After(3 * time.Second):
			}
		}
		return
	}

	if len(result) < 2 {
		return
	}

	var cmd SessionCommand
	if err := json.Unmarshal([]byte(result[1]), &cmd); err != nil || cmd.SessionID == uuid.Nil || !cmd.Action.Valid() {
		// Malformed commands cannot be retried. Log and discard.
		w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed command")
		return
	}

	w.Apply(ctx, cmd)
}

// Apply runs one command, retrying transient failures.
func (w *SessionCommandWorker) Apply(ctx context.Context, cmd SessionCommand) (model.Outcome, error) {
	var out model.Outcome
	err := w.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = w.dispatch(ctx, cmd)
		return err
	})

	ev := w.log.Info()
	if err != nil {
		ev = w.log.Error().Err(err)
	}
	ev.Str("command_id", cmd.ID.String()).
		Str("session_id", cmd.SessionID.String()).
		Str("action", string(cmd.Action)).
		Bool("applied", out.Applied).
		Str("reason", out.Reason).
		Msg("Session command processed")
	return out, err
}

func (w *SessionCommandWorker) dispatch(ctx context.Context, cmd SessionCommand) (model.Outcome, error) {
	switch cmd.Action {
	case CommandPause:
		return w.sessions.Pause(ctx, cmd.SessionID)
	case CommandResume:
		return w.sessions.Resume(ctx, cmd.SessionID)
	case CommandCancel:
		return w.sessions.Cancel(ctx, cmd.SessionID)
	case CommandComplete:
		return w.sessions.Complete(ctx, cmd.SessionID)
	}
	return model.Outcome{}, apperr.InvalidInput("commands.apply", "unknown action %q", cmd.Action)
}
