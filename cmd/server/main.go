package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/gateway"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/mailbox"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/notify"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/scheduler"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExStem Proctor")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.Real()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Connect to NATS (optional) ────────────────────────────────────
	nc, err := database.NewNATSConn(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	if nc != nil {
		defer nc.Drain()
	}

	// ─── Notification Sinks ────────────────────────────────────────────
	monitor := notify.NewRedisMonitor(rdb, log)
	sinks := notify.Multi{monitor}
	if nc != nil {
		sinks = append(sinks, notify.NewNATSSink(nc, cfg.NATSAlertSubject, log))
	} else {
		sinks = append(sinks, notify.NewLogSink(log))
	}

	// ─── Initialize Store & Scheduling ─────────────────────────────────
	store := repository.NewPgStore(pool)
	retry := scheduler.NewRetry(clk, cfg.CommandRetryBackoff)
	expiry := scheduler.NewExpiryScheduler(clk, rdb, retry, log)

	// ─── Initialize Services ──────────────────────────────────────────
	deps := service.Deps{
		Store:   store,
		Clock:   clk,
		Expiry:  expiry,
		Mailbox: mailbox.New(rdb, cfg.MailboxTTL, log),
		Monitor: monitor,
		Tally:   worker.NewScoreQueue(rdb),
	}
	authService := service.NewAuthService(cfg, rdb, store, log)
	sessionService := service.NewSessionService(deps, log)
	enrollmentService := service.NewEnrollmentService(deps, log)

	expiry.SetHandler(enrollmentService.Expire)
	if _, err := expiry.Restore(ctx); err != nil {
		log.Error().Err(err).Msg("Expiry job restore failed, the sweeper will re-arm")
	}

	// ─── Initialize Handlers ──────────────────────────────────────────
	commands := worker.NewCommandQueue(rdb, clk)
	handlers := &router.Handlers{
		StudentExam: handler.NewStudentExamHandler(enrollmentService, log),
		Session:     handler.NewSessionHandler(sessionService, enrollmentService, commands, log),
		Candidate:   handler.NewCandidateHandler(authService, log),
		Monitor:     handler.NewMonitorHandler(rdb, sessionService, log),
		System:      handler.NewSystemHandler(rdb, expiry, log),
		Gateway:     gateway.New(authService, enrollmentService, sinks, clk, cfg.StatusTick, cfg.AllowedOrigins, log),
	}

	// Handshakes: 30 per minute per IP. Student API: 300 per minute per candidate.
	limiters := &router.Limiters{
		Handshake: middleware.NewRateLimiter(clk, 30, time.Minute, middleware.ByClientIP),
		Student:   middleware.NewRateLimiter(clk, 300, time.Minute, middleware.ByCandidate),
	}
	defer limiters.Handshake.Stop()
	defer limiters.Student.Stop()

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	scoringWorker := worker.NewScoringWorker(store, rdb, log)
	commandWorker := worker.NewSessionCommandWorker(sessionService, rdb, retry, log)

	workers.Add(2)
	go func() { defer workers.Done(); scoringWorker.Start(workerCtx) }()
	go func() { defer workers.Done(); commandWorker.Start(workerCtx) }()

	sweeper := scheduler.NewSweeper(store, sessionService, enrollmentService, expiry, retry, clk, cfg.CompletionGrace, log)
	if err := sweeper.Start(workerCtx, cfg.SweepSchedule); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.SweepSchedule).Msg("Invalid sweep schedule")
	}
	// Catch up on anything that came due while no process was running.
	if _, err := sweeper.SweepOnce(ctx); err != nil {
		log.Warn().Err(err).Msg("Startup sweep incomplete")
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, limiters, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop the sweep and expiry timers. The job index stays in Redis.
	sweeper.Stop()
	expiry.Stop()

	// 3. Stop background workers and wait for them to drain.
	workerCancel()
	workers.Wait()

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
