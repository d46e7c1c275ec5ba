package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"code-arena-system/handlers"
	"code-arena-system/models"
	"code-arena-system/services"
	"code-arena-system/utils"
	"code-arena-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	if err := utils.InitArtifactStore(); err != nil {
		log.Fatal("failed to initialize artifact store:", err)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.Team{},
		&models.Submission{},
		&models.Match{},
		&models.MatchParticipant{},
		&models.MatchGame{},
		&models.Tournament{},
		&models.TournamentSeed{},
		&models.BracketNode{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	docker, err := services.NewDockerClient(ctx)
	if err != nil {
		log.Fatal("failed to connect to docker:", err)
	}

	store := services.NewGormMatchStore(db)
	pairingService := services.NewPairingService(db)
	bracketService := services.NewBracketService(db, pairingService)

	orchestrator := services.NewMatchOrchestrator(
		store,
		services.NewSubmissionFetcher(),
		services.NewContainerBuilder(docker),
		services.NewSessionController(docker),
		services.ArtifactPublisher{},
	)
	orchestrator.OnRecorded = func(ctx context.Context, m *models.Match, out *services.MatchOutcome) {
		if err := bracketService.AdvanceOn(ctx, m); err != nil {
			log.Printf("❌ Failed to advance bracket on match %s: %v", m.ID, err)
		}
	}

	if os.Getenv("TOURNAMENT_MODE") == "true" {
		// Pick up an interrupted tournament first; only build a fresh bracket
		// when none is open.
		_, err := bracketService.LoadOpenTournament(ctx)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			_, err = bracketService.BuildBracket(ctx)
		}
		if err != nil {
			log.Fatal("failed to start tournament:", err)
		}
	}

	scheduler := services.NewArenaScheduler(store, bracketService)
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal("failed to start scheduler:", err)
	}

	arenaWorker := workers.NewArenaWorker(orchestrator, pairingService, bracketService)
	arenaWorker.Start(ctx)

	if os.Getenv("RUN_FOREVER") != "true" {
		// One-shot mode: once the queue (and any tournament) drains, the
		// runners exit and the process follows.
		go func() {
			arenaWorker.Wait()
			stop()
		}()
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	statusService := services.NewStatusService(db, pairingService)
	handlers.SetupStatusRoutes(app, statusService)

	listenAddr := os.Getenv("LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = ":5300"
	}
	go func() {
		if err := app.Listen(listenAddr); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Status API running on %s", listenAddr)
	log.Println("✅ Arena worker running")
	log.Println("✅ Lease sweep scheduler running")

	<-ctx.Done()
	log.Println("Shutting down: waiting for in-flight matches…")

	arenaWorker.Wait()
	scheduler.Stop()
	if err := bracketService.WriteSnapshot(); err != nil {
		log.Printf("⚠️  Failed to flush bracket snapshot: %v", err)
	}
	_ = app.Shutdown()
	log.Println("⏹️ Arena stopped")
}
