package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/watchedlabs/vframe/internal/pkg/envutil"
)

// Config is the frozen process-wide configuration. It is built once at
// startup and handed to components (or subsets of it) via constructors;
// nothing mutates it afterwards.
type Config struct {
	// HTTP control plane.
	APIPort             int
	APIKey              string
	MaxVideosPerRequest int
	MaxParallelJobs     int
	HTTPTimeout         time.Duration

	// Batch driver.
	MaxWorkers          int
	BatchSize           int
	SleepBetweenBatches time.Duration
	MaxRetries          int

	// Frame extraction.
	MinFrames   int
	SceneThresh float64
	DHashSize   int
	Downscale   float64
	SolidStd    float64

	Crop CropConfig

	// External collaborators.
	Encoder     EncoderConfig
	Qdrant      QdrantConfig
	ObjectStore ObjectStoreConfig
	Postgres    PostgresConfig

	// Subprocess watchdog for ffmpeg/ffprobe invocations.
	FFmpegWatchdog time.Duration

	LogMode string
}

// CropConfig carries the letterbox detection and re-encode knobs.
type CropConfig struct {
	Probes      int
	ClipSecs    float64
	SafeMargin  int
	HWAccel     bool
	DetectLimit int
	DetectRound int
	DetectReset int
	Encoder     string
	Preset      string
	Tune        string
	CQ          int
}

type EncoderConfig struct {
	URL        string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
}

type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	VectorDim  int
}

// Object storage modes. The emulator mode redirects the client at a local
// fake GCS endpoint.
const (
	ObjectStoreModeGCS         = "gcs"
	ObjectStoreModeGCSEmulator = "gcs_emulator"
)

type ObjectStoreConfig struct {
	VideosBucket     string
	FramesBucket     string
	Mode             string
	EmulatorHost     string
	UploadMaxWorkers int
}

func (o ObjectStoreConfig) IsEmulatorMode() bool {
	return o.Mode == ObjectStoreModeGCSEmulator
}

type PostgresConfig struct {
	// DatabaseURL wins when set; otherwise the DSN is assembled from parts.
	DatabaseURL string
	Host        string
	Port        string
	User        string
	Password    string
	Name        string
}

// ConfigError is fatal at startup; the batch CLI maps it to exit code 2.
type ConfigError struct {
	Field   string
	Value   string
	Message string
}

func (e *ConfigError) Error() string {
	if e == nil {
		return "invalid config"
	}
	if e.Value != "" {
		return fmt.Sprintf("invalid config: %s=%q %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("invalid config: %s %s", e.Field, e.Message)
}

// Load builds the frozen config from the environment, reading a .env file
// first when one is present. Missing .env is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:             envutil.Int("API_PORT", 8080),
		APIKey:              envutil.Str("API_KEY", ""),
		MaxVideosPerRequest: envutil.Int("MAX_VIDEOS_PER_REQUEST", 1000),
		MaxParallelJobs:     envutil.Int("PIPELINE_MAX_PARALLEL_JOBS", 2),
		HTTPTimeout:         envutil.Seconds("HTTP_TIMEOUT_SECONDS", 15*time.Second),

		MaxWorkers:          envutil.Int("VP_MAX_WORKERS", 4),
		BatchSize:           envutil.Int("VP_BATCH_SIZE", 8),
		SleepBetweenBatches: envutil.Seconds("VP_SLEEP_BETWEEN_BATCHES", 500*time.Millisecond),
		MaxRetries:          envutil.Int("MAX_RETRIES", 2),

		MinFrames:   envutil.Int("VP_MIN_FRAMES", 3),
		SceneThresh: envutil.Float("VP_SCENE_THRESH", 0.22),
		DHashSize:   envutil.Int("VP_DHASH_SIZE", 8),
		Downscale:   envutil.Float("VP_DOWNSCALE", 0.5),
		SolidStd:    envutil.Float("VP_SOLID_STD", 5.0),

		Crop: CropConfig{
			Probes:      envutil.Int("VP_CROP_PROBES", 3),
			ClipSecs:    envutil.Float("VP_CROP_CLIP_SECS", 1.0),
			SafeMargin:  envutil.Int("VP_CROP_SAFE_MARGIN", 4),
			HWAccel:     envutil.Bool("VP_CROP_HWACCEL", false),
			DetectLimit: envutil.Int("VP_CROP_DETECT_LIMIT", 24),
			DetectRound: envutil.Int("VP_CROP_DETECT_ROUND", 2),
			DetectReset: envutil.Int("VP_CROP_DETECT_RESET", 0),
			Encoder:     envutil.Str("VP_CROP_ENCODER", "libx264"),
			Preset:      envutil.Str("VP_CROP_PRESET", "medium"),
			Tune:        envutil.Str("VP_CROP_TUNE", "fastdecode"),
			CQ:          envutil.Int("VP_CROP_CQ", 23),
		},

		Encoder: EncoderConfig{
			URL:        envutil.Str("ENCODER_URL", ""),
			APIKey:     envutil.Str("ENCODER_API_KEY", ""),
			Timeout:    envutil.Seconds("ENCODER_TIMEOUT_SECONDS", 60*time.Second),
			MaxRetries: envutil.Int("ENCODER_MAX_RETRIES", 2),
		},

		Qdrant: QdrantConfig{
			URL:        envutil.Str("QDRANT_URL", ""),
			APIKey:     envutil.Str("QDRANT_API_KEY", ""),
			Collection: envutil.Str("QDRANT_COLLECTION", "watched_frames"),
			VectorDim:  envutil.Int("QDRANT_VECTOR_DIM", 512),
		},

		ObjectStore: ObjectStoreConfig{
			VideosBucket:     envutil.Str("VIDEOS_BUCKET_NAME", ""),
			FramesBucket:     envutil.Str("FRAMES_BUCKET_NAME", ""),
			Mode:             envutil.Str("OBJECT_STORAGE_MODE", ObjectStoreModeGCS),
			EmulatorHost:     envutil.Str("STORAGE_EMULATOR_HOST", ""),
			UploadMaxWorkers: envutil.Int("UPLOAD_MAX_WORKERS", 4),
		},

		Postgres: PostgresConfig{
			DatabaseURL: envutil.Str("DATABASE_URL", ""),
			Host:        envutil.Str("POSTGRES_HOST", "localhost"),
			Port:        envutil.Str("POSTGRES_PORT", "5432"),
			User:        envutil.Str("POSTGRES_USER", "postgres"),
			Password:    envutil.Str("POSTGRES_PASSWORD", ""),
			Name:        envutil.Str("POSTGRES_NAME", "vframe"),
		},

		FFmpegWatchdog: envutil.Seconds("FFMPEG_WATCHDOG_SECONDS", 5*time.Minute),

		LogMode: envutil.Str("LOG_MODE", "development"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return &ConfigError{Field: "API_PORT", Value: fmt.Sprint(c.APIPort), Message: "must be a valid TCP port"}
	}
	if c.MaxVideosPerRequest <= 0 {
		return &ConfigError{Field: "MAX_VIDEOS_PER_REQUEST", Value: fmt.Sprint(c.MaxVideosPerRequest), Message: "must be positive"}
	}
	if c.MaxParallelJobs <= 0 {
		return &ConfigError{Field: "PIPELINE_MAX_PARALLEL_JOBS", Value: fmt.Sprint(c.MaxParallelJobs), Message: "must be positive"}
	}
	if c.MaxWorkers <= 0 {
		return &ConfigError{Field: "VP_MAX_WORKERS", Value: fmt.Sprint(c.MaxWorkers), Message: "must be positive"}
	}
	if c.BatchSize <= 0 {
		return &ConfigError{Field: "VP_BATCH_SIZE", Value: fmt.Sprint(c.BatchSize), Message: "must be positive"}
	}
	if c.MaxRetries < 0 {
		return &ConfigError{Field: "MAX_RETRIES", Value: fmt.Sprint(c.MaxRetries), Message: "must be >= 0"}
	}
	if c.MinFrames < 0 {
		return &ConfigError{Field: "VP_MIN_FRAMES", Value: fmt.Sprint(c.MinFrames), Message: "must be >= 0"}
	}
	if c.SceneThresh < 0 || c.SceneThresh > 1 {
		return &ConfigError{Field: "VP_SCENE_THRESH", Value: fmt.Sprint(c.SceneThresh), Message: "must be within [0,1]"}
	}
	if c.DHashSize < 2 || c.DHashSize > 32 {
		return &ConfigError{Field: "VP_DHASH_SIZE", Value: fmt.Sprint(c.DHashSize), Message: "must be within [2,32]"}
	}
	if c.Downscale <= 0 || c.Downscale > 1 {
		return &ConfigError{Field: "VP_DOWNSCALE", Value: fmt.Sprint(c.Downscale), Message: "must be within (0,1]"}
	}
	if c.Crop.Probes <= 0 {
		return &ConfigError{Field: "VP_CROP_PROBES", Value: fmt.Sprint(c.Crop.Probes), Message: "must be positive"}
	}
	switch c.ObjectStore.Mode {
	case ObjectStoreModeGCS:
	case ObjectStoreModeGCSEmulator:
		if strings.TrimSpace(c.ObjectStore.EmulatorHost) == "" {
			return &ConfigError{Field: "OBJECT_STORAGE_MODE", Value: c.ObjectStore.Mode, Message: "requires STORAGE_EMULATOR_HOST"}
		}
	default:
		return &ConfigError{Field: "OBJECT_STORAGE_MODE", Value: c.ObjectStore.Mode, Message: `must be "gcs" or "gcs_emulator"`}
	}
	if c.Qdrant.URL != "" {
		parsed, err := url.Parse(c.Qdrant.URL)
		if err != nil || strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
			return &ConfigError{Field: "QDRANT_URL", Value: c.Qdrant.URL, Message: "expected absolute URL like http://qdrant:6333"}
		}
	}
	if c.Qdrant.VectorDim <= 0 {
		return &ConfigError{Field: "QDRANT_VECTOR_DIM", Value: fmt.Sprint(c.Qdrant.VectorDim), Message: "must be positive"}
	}
	if c.Encoder.URL != "" {
		parsed, err := url.Parse(c.Encoder.URL)
		if err != nil || strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
			return &ConfigError{Field: "ENCODER_URL", Value: c.Encoder.URL, Message: "expected absolute URL"}
		}
	}
	return nil
}

// DSN assembles the Postgres connection string.
func (p PostgresConfig) DSN() string {
	if p.DatabaseURL != "" {
		return p.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", p.User, p.Password, p.Host, p.Port, p.Name)
}
