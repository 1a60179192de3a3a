package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/watchedlabs/vframe/internal/batch"
	"github.com/watchedlabs/vframe/internal/clients/encoder"
	"github.com/watchedlabs/vframe/internal/config"
	"github.com/watchedlabs/vframe/internal/db"
	"github.com/watchedlabs/vframe/internal/handlers"
	"github.com/watchedlabs/vframe/internal/jobs"
	"github.com/watchedlabs/vframe/internal/middleware"
	"github.com/watchedlabs/vframe/internal/pipeline"
	"github.com/watchedlabs/vframe/internal/pkg/logger"
	"github.com/watchedlabs/vframe/internal/platform/objectstore"
	"github.com/watchedlabs/vframe/internal/platform/qdrant"
	"github.com/watchedlabs/vframe/internal/repos"
	"github.com/watchedlabs/vframe/internal/server"
	"github.com/watchedlabs/vframe/internal/video"
)

// appVersion is reported by /health. Overridden at release time with
// -ldflags "-X main.appVersion=...".
var appVersion = "dev"

func main() {
	// Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	// Logger
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if cfg.APIKey == "" {
		log.Fatal("API_KEY is required for the control plane")
	}

	// Postgres
	postgresService, err := db.NewPostgresService(log, cfg.Postgres)
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	if err := postgresService.AutoMigrateAll(); err != nil {
		log.Warn("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up repos from main...")
	contentRepo := repos.NewContentRepo(thePG, log)
	extractionErrorRepo := repos.NewExtractionErrorRepo(thePG, log)
	checkpointRepo := repos.NewCheckpointRepo(thePG, log)

	// Services
	log.Info("Setting up services from main...")
	bucketService, err := objectstore.NewBucketService(log, cfg.ObjectStore)
	if err != nil {
		log.Fatal("Could not init BucketService", "error", err)
	}
	videoService := video.NewService(log, cfg)
	encoderClient, err := encoder.NewClient(log, cfg.Encoder, cfg.BatchSize)
	if err != nil {
		log.Fatal("Could not init encoder client", "error", err)
	}
	vectorStore, err := qdrant.NewStore(log, cfg.Qdrant, cfg.HTTPTimeout)
	if err != nil {
		log.Fatal("Could not init vector store", "error", err)
	}
	pipelineService := pipeline.NewService(log, cfg, bucketService, videoService, encoderClient, vectorStore)

	// Job runner: each job gets its own driver whose beacons flow through a
	// pipe into the job's log pump.
	var registry *jobs.Registry
	runner := func(ctx context.Context, job *jobs.Job) {
		jobLog := log.With("job_id", job.ID.String())

		workdir, err := os.MkdirTemp("", "vframe-job-")
		if err != nil {
			jobLog.Error("could not create job workdir", "error", err)
			job.AppendLog("ERROR", fmt.Sprintf("workdir: %v", err))
			registry.Fail(job)
			return
		}
		defer os.RemoveAll(workdir)

		pr, pw := io.Pipe()
		pumpDone := make(chan struct{})
		go func() {
			defer close(pumpDone)
			if err := jobs.PumpLogs(job, pr); err != nil {
				jobLog.Warn("log pump ended with error", "error", err)
			}
		}()

		driver := batch.NewDriver(jobLog, cfg, pipelineService, vectorStore,
			contentRepo, extractionErrorRepo, checkpointRepo, bucketService, pw)

		summary, runErr := driver.RunItems(ctx, job.Items, workdir)
		_ = pw.Close()
		<-pumpDone

		for _, f := range summary.Failed {
			job.RecordFailure(f.Code, string(f.Kind), f.Message)
		}
		if runErr != nil {
			jobLog.Error("job run aborted", "error", runErr)
			job.AppendLog("ERROR", runErr.Error())
			registry.Fail(job)
		}
		jobLog.Info("job finished",
			"total", summary.Total,
			"succeeded", summary.Succeeded,
			"skipped", summary.Skipped,
			"failed", len(summary.Failed),
		)
	}

	registry = jobs.NewRegistry(log, cfg.MaxParallelJobs, runner)

	// Handlers
	log.Info("Setting up handlers from main...")
	jobHandler := handlers.NewJobHandler(log, registry, cfg.MaxVideosPerRequest)

	// Middleware
	apiKeyMiddleware := middleware.NewAPIKeyMiddleware(log, cfg.APIKey)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		JobHandler: jobHandler,
		APIKey:     apiKeyMiddleware,
		Health:     handlers.NewHealthHandler(cfg.Qdrant.Collection, appVersion),
	})

	addr := fmt.Sprintf(":%d", cfg.APIPort)
	fmt.Printf("Server listening on %s\n", addr)
	if err := router.Run(addr); err != nil {
		log.Error("Server failed", "error", err)
	}
}
