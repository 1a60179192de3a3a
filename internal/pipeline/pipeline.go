package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/watchedlabs/vframe/internal/clients/encoder"
	"github.com/watchedlabs/vframe/internal/config"
	"github.com/watchedlabs/vframe/internal/pkg/ctxutil"
	"github.com/watchedlabs/vframe/internal/pkg/logger"
	"github.com/watchedlabs/vframe/internal/platform/objectstore"
	"github.com/watchedlabs/vframe/internal/platform/qdrant"
	"github.com/watchedlabs/vframe/internal/types"
	"github.com/watchedlabs/vframe/internal/video"
)

// Service runs the full per-video transform for one work item. Phases are
// strictly sequential within an item; the only internal parallelism is the
// encoder's batching and the upload fan-out.
type Service interface {
	Process(ctx context.Context, item types.WorkItem, workdir string) types.ProcessResult
}

type service struct {
	log     *logger.Logger
	cfg     *config.Config
	buckets objectstore.BucketService
	video   video.Service
	encoder encoder.Client
	store   qdrant.Store
}

func NewService(
	log *logger.Logger,
	cfg *config.Config,
	buckets objectstore.BucketService,
	videoSvc video.Service,
	enc encoder.Client,
	store qdrant.Store,
) Service {
	return &service{
		log:     log.With("service", "PipelineService"),
		cfg:     cfg,
		buckets: buckets,
		video:   videoSvc,
		encoder: enc,
		store:   store,
	}
}

// Process walks one item through download, crop, frame extraction, dedup,
// embed, upsert and async upload. Frame PNGs are left on disk for the upload
// pool; the caller owns workdir cleanup after buckets.Wait().
func (s *service) Process(ctx context.Context, item types.WorkItem, workdir string) types.ProcessResult {
	ctx = ctxutil.Default(ctx)
	result := types.ProcessResult{Item: item}
	log := s.log.With("platform", item.Platform, "code", item.Code)

	itemDir := filepath.Join(workdir, item.Code)
	if err := os.MkdirAll(itemDir, 0o755); err != nil {
		result.Err = itemErr(KindTransient, "workdir", err)
		return result
	}

	srcPath, err := s.buckets.DownloadVideo(ctx, item.Platform, item.Code, itemDir, true)
	if err != nil {
		result.Err = itemErr(KindTransient, "download", err)
		return result
	}
	if srcPath == "" {
		log.Warn("source video missing, skipping item")
		result.Skipped = true
		return result
	}
	result.Downloaded = true

	// Crop failure is never fatal; the uncropped source continues.
	videoPath := srcPath
	croppedPath := filepath.Join(itemDir, "cropped.mp4")
	cropped, err := s.video.Crop(ctx, srcPath, croppedPath)
	if err != nil {
		log.Warn("crop fell back to source", "error", err)
	} else {
		videoPath = croppedPath
		result.Cropped = cropped
	}

	framesDir := filepath.Join(itemDir, "frames")
	frames, err := s.video.ExtractFrames(ctx, videoPath, framesDir)
	if err != nil {
		result.Err = itemErr(KindEncodingFailed, "extract", err)
		return result
	}

	frames = video.Dedupe(log, frames, s.cfg.DHashSize, true)
	frames, err = s.video.Renumber(frames)
	if err != nil {
		result.Err = itemErr(KindEncodingFailed, "renumber", err)
		return result
	}
	if len(frames) == 0 {
		result.Err = itemErr(KindNoFrames, "extract", nil)
		return result
	}
	result.FrameCount = len(frames)

	paths := make([]string, len(frames))
	for i, f := range frames {
		paths[i] = f.Path
	}
	vectors, err := s.encoder.EmbedFiles(ctx, paths, s.cfg.Qdrant.VectorDim)
	if err != nil {
		result.Err = itemErr(KindEncoderFailed, "embed", err)
		return result
	}
	result.EmbeddedCount = len(vectors)

	points, err := BuildPoints(item, frames, vectors, nil, time.Now())
	if err != nil {
		result.Err = itemErr(KindEncoderFailed, "points", err)
		return result
	}
	if err := s.store.Upsert(ctx, points); err != nil {
		result.Err = itemErr(KindVectorStoreFailed, "upsert", err)
		return result
	}

	// Fire-and-forget: an upload failure never demotes a DONE item.
	s.buckets.UploadFramesAsync(frames, item.Platform, item.Code)
	result.UploadDispatched = true

	s.cleanupVideoArtifacts(item, srcPath, croppedPath)

	log.Info("item processed",
		"cropped", result.Cropped,
		"frames", result.FrameCount,
		"embedded", result.EmbeddedCount,
	)
	return result
}

// cleanupVideoArtifacts removes the downloaded and cropped videos. Local
// sources are caller-owned and never deleted.
func (s *service) cleanupVideoArtifacts(item types.WorkItem, srcPath, croppedPath string) {
	if item.Platform != "local" {
		_ = os.Remove(srcPath)
	}
	if croppedPath != srcPath {
		_ = os.Remove(croppedPath)
	}
}
