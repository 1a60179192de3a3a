package video

import (
	"context"
	"time"

	"github.com/watchedlabs/vframe/internal/config"
	"github.com/watchedlabs/vframe/internal/pkg/logger"
	"github.com/watchedlabs/vframe/internal/types"
)

// Service wraps the ffmpeg/ffprobe subprocess work for one video: probing,
// letterbox crop, scene-based frame extraction and the contiguous renumber
// that follows deduplication.
type Service interface {
	Probe(ctx context.Context, path string) (ProbeInfo, error)
	// Crop writes a border-cropped re-encode of src to dst and reports
	// whether a real crop happened. Detection or encode failure falls back
	// to a byte copy and is not an error. src is never deleted.
	Crop(ctx context.Context, src, dst string) (bool, error)
	// ExtractFrames pulls scene-change frames into outDir, drops uniform
	// frames, trims residual borders, enforces the minimum-frames floor and
	// renames survivors to {index}_{second}.png with index from 1.
	ExtractFrames(ctx context.Context, videoPath, outDir string) ([]types.Frame, error)
	// Renumber closes index gaps after deduplication, renaming files on
	// disk to match. Input must be in chronological order.
	Renumber(frames []types.Frame) ([]types.Frame, error)
}

type service struct {
	log *logger.Logger

	ffmpegPath  string
	ffprobePath string

	crop        config.CropConfig
	sceneThresh float64
	minFrames   int
	downscale   float64
	solidStd    float64

	watchdog time.Duration
}

func NewService(log *logger.Logger, cfg *config.Config) Service {
	watchdog := cfg.FFmpegWatchdog
	if watchdog <= 0 {
		watchdog = 5 * time.Minute
	}
	return &service{
		log:         log.With("service", "VideoService"),
		ffmpegPath:  "ffmpeg",
		ffprobePath: "ffprobe",
		crop:        cfg.Crop,
		sceneThresh: cfg.SceneThresh,
		minFrames:   cfg.MinFrames,
		downscale:   cfg.Downscale,
		solidStd:    cfg.SolidStd,
		watchdog:    watchdog,
	}
}
