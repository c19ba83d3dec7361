package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	"github.com/gin-gonic/gin"

	"aqualens-backend/internal/analyses"
	"aqualens-backend/internal/detect/roboflow"
	"aqualens-backend/internal/llm"
	"aqualens-backend/internal/llm/gemini"
	"aqualens-backend/internal/queue"
	"aqualens-backend/internal/shared/config"
	"aqualens-backend/internal/shared/server"
	"aqualens-backend/internal/shared/storage/db"
)

// App holds shared dependencies.
type App struct {
	Config          config.Config
	Router          *gin.Engine
	DB              *sql.DB
	Queue           queue.Client
	AnalysesRepo    analyses.Repo
	AnalysesService *analyses.Service
	JobProcessor    JobProcessor
	AnalysisHandler *analyses.Handler
}

// JobProcessor allows callers to override job processing for tests.
type JobProcessor interface {
	ProcessJob(ctx context.Context, jobID string) error
}

// Build prepares shared dependencies and wires the router.
func Build(cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	ctx := context.Background()

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var repo analyses.Repo
	if sqlDB != nil {
		repo = &analyses.PGRepo{DB: sqlDB}
	} else {
		repo = analyses.NewMemoryRepo()
	}

	detector, err := roboflow.NewClient(cfg.RoboflowAPIURL, cfg.RoboflowModelID, cfg.RoboflowAPIKey)
	if err != nil {
		return nil, fmt.Errorf("build detector: %w", err)
	}

	summarizer := llm.Client(llm.PlaceholderClient{})
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		geminiClient, err := gemini.NewClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, fmt.Errorf("build summarizer: %w", err)
		}
		summarizer = geminiClient
	}

	svc := analyses.NewService(repo, detector, summarizer, nil)

	// With SQS configured the pipeline runs in a separate worker binary.
	// Otherwise an in-process queue keeps concurrency bounded in the single
	// binary.
	var queueClient queue.Client
	if strings.TrimSpace(cfg.SQSQueueURL) != "" {
		queueClient, err = queue.NewSQSClient(ctx)
		if err != nil {
			return nil, err
		}
	} else {
		queueClient = queue.NewMemoryClient(func(msgCtx context.Context, msg queue.Message) {
			_ = svc.ProcessJob(analyses.WithRequestID(msgCtx, msg.RequestID), msg.JobID)
		}, cfg.WorkerConcurrency, 64)
	}
	svc.JobQueue = queueClient

	app := &App{
		Config:          cfg,
		DB:              sqlDB,
		Queue:           queueClient,
		AnalysesRepo:    repo,
		AnalysesService: svc,
		JobProcessor:    svc,
		AnalysisHandler: analyses.NewHandler(svc),
	}

	app.Router = server.NewRouter(server.RouterDeps{
		Config:          app.Config,
		AnalysisHandler: app.AnalysisHandler,
	})

	return app, nil
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: DATABASE_URL empty; using in-memory repository")
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	opts := db.OptionsFromEnv(db.DefaultServerOptions())
	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, opts)
	if err != nil {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: database connect failed; using in-memory repository: %v", err)
			return nil, nil
		}
		return nil, err
	}

	if err := db.RunMigrations(ctx, sqlDB); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return sqlDB, nil
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}
