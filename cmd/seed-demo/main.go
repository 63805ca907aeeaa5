package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// Seeds a demo exam: candidates, a question set, one session starting
// shortly and every candidate enrolled in it.
func main() {
	var (
		candidates int
		questions  int
		startIn    time.Duration
		duration   int
	)
	flag.IntVar(&candidates, "candidates", 30, "Number of candidates to create")
	flag.IntVar(&questions, "questions", 20, "Number of questions in the demo exam")
	flag.DurationVar(&startIn, "start-in", 5*time.Minute, "Delay before the session starts")
	flag.IntVar(&duration, "duration", 90, "Session duration in minutes")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	examID := uuid.New()
	if err := seedQuestions(ctx, pool, examID, questions); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed questions")
	}
	fmt.Printf("Seeded %d questions for exam %s\n", questions, examID)

	ids, err := seedCandidates(ctx, pool, candidates)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to seed candidates")
	}
	fmt.Printf("Seeded %d candidates\n", len(ids))

	store := repository.NewPgStore(pool)
	deps := service.Deps{Store: store, Clock: clock.Real()}
	sessions := service.NewSessionService(deps, log)
	enrollments := service.NewEnrollmentService(deps, log)

	sess, err := sessions.Create(ctx, model.CreateSessionRequest{
		ExamID:          examID,
		Name:            "Demo Session",
		BaseStart:       time.Now().Add(startIn),
		DurationMinutes: duration,
		Halls:           []model.CreateHallRequest{{HallName: "Hall A", Capacity: candidates}},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create session")
	}
	fmt.Printf("Created session %s starting at %s\n", sess.ID, sess.BaseStart.Format(time.RFC3339))

	rows := make([]model.EnrollRow, 0, len(ids))
	for i, id := range ids {
		seat := fmt.Sprintf("A-%02d", i+1)
		rows = append(rows, model.EnrollRow{CandidateID: id, HallAssignmentID: &sess.Halls[0].ID, SeatNumber: &seat})
	}
	results, err := enrollments.Enroll(ctx, sess.ID, rows)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to enroll candidates")
	}

	ok := 0
	for _, r := range results {
		if r.EnrollmentID != nil {
			ok++
		} else {
			fmt.Printf("Candidate %d not enrolled: %s\n", r.CandidateID, *r.Error)
		}
	}
	fmt.Printf("\nSeed completed! Enrolled %d/%d candidates.\n", ok, len(results))
}

func seedQuestions(ctx context.Context, pool *pgxpool.Pool, examID uuid.UUID, n int) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for i := 1; i <= n; i++ {
			var qid uuid.UUID
			err := tx.QueryRow(ctx,
				`INSERT INTO questions (exam_id, question_text, order_num) VALUES ($1, $2, $3) RETURNING id`,
				examID, fmt.Sprintf("Demo question %d", i), i,
			).Scan(&qid)
			if err != nil {
				return err
			}
			for j, letter := range []string{"A", "B", "C", "D"} {
				_, err := tx.Exec(ctx,
					`INSERT INTO answer_options (question_id, option_text, is_correct, order_num) VALUES ($1, $2, $3, $4)`,
					qid, fmt.Sprintf("Option %s", letter), j == i%4, j+1,
				)
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func seedCandidates(ctx context.Context, pool *pgxpool.Pool, n int) ([]int, error) {
	names := []string{
		"Budi Santoso", "Siti Aminah", "Andi Pratama", "Rina Wati", "Joko Susilo",
		"Ayu Lestari", "Dodi Kusuma", "Eka Putri", "Fahri Hamzah", "Gita Savitri",
	}
	stamp := time.Now().Unix()
	ids := make([]int, 0, n)
	for i := 0; i < n; i++ {
		var id int
		err := pool.QueryRow(ctx,
			`INSERT INTO candidates (name, email, symbol_number) VALUES ($1, $2, $3) RETURNING id`,
			names[i%len(names)],
			fmt.Sprintf("candidate%d.%d@demo.local", i+1, stamp),
			fmt.Sprintf("S%d-%04d", stamp, i+1),
		).Scan(&id)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
