package main

import (
	"context"
	"fmt"
	"os"

	"github.com/watchedlabs/vframe/internal/batch"
	"github.com/watchedlabs/vframe/internal/clients/encoder"
	"github.com/watchedlabs/vframe/internal/config"
	"github.com/watchedlabs/vframe/internal/db"
	"github.com/watchedlabs/vframe/internal/pipeline"
	"github.com/watchedlabs/vframe/internal/pkg/logger"
	"github.com/watchedlabs/vframe/internal/platform/objectstore"
	"github.com/watchedlabs/vframe/internal/platform/qdrant"
	"github.com/watchedlabs/vframe/internal/repos"
	"github.com/watchedlabs/vframe/internal/video"
)

// Exit codes: 0 all items succeeded or were cleanly skipped, 1 any item
// finally failed, 2 configuration error.
const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfig
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		return exitConfig
	}
	defer log.Sync()

	postgresService, err := db.NewPostgresService(log, cfg.Postgres)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		return exitConfig
	}
	if err := postgresService.AutoMigrateAll(); err != nil {
		log.Warn("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	contentRepo := repos.NewContentRepo(thePG, log)
	extractionErrorRepo := repos.NewExtractionErrorRepo(thePG, log)
	checkpointRepo := repos.NewCheckpointRepo(thePG, log)

	bucketService, err := objectstore.NewBucketService(log, cfg.ObjectStore)
	if err != nil {
		log.Error("Could not init BucketService", "error", err)
		return exitConfig
	}
	videoService := video.NewService(log, cfg)
	encoderClient, err := encoder.NewClient(log, cfg.Encoder, cfg.BatchSize)
	if err != nil {
		log.Error("Could not init encoder client", "error", err)
		return exitConfig
	}
	vectorStore, err := qdrant.NewStore(log, cfg.Qdrant, cfg.HTTPTimeout)
	if err != nil {
		log.Error("Could not init vector store", "error", err)
		return exitConfig
	}

	pipelineService := pipeline.NewService(log, cfg, bucketService, videoService, encoderClient, vectorStore)
	driver := batch.NewDriver(log, cfg, pipelineService, vectorStore,
		contentRepo, extractionErrorRepo, checkpointRepo, bucketService, os.Stdout)

	workdir, err := os.MkdirTemp("", "vframe-batch-")
	if err != nil {
		log.Error("could not create workdir", "error", err)
		return exitConfig
	}
	defer os.RemoveAll(workdir)

	summary, err := driver.RunFromStore(context.Background(), workdir)
	if err != nil {
		log.Error("batch run aborted", "error", err)
		return exitFailed
	}

	log.Info("batch run finished",
		"total", summary.Total,
		"succeeded", summary.Succeeded,
		"skipped", summary.Skipped,
		"failed", len(summary.Failed),
	)
	if !summary.AllOK() {
		return exitFailed
	}
	return exitOK
}
