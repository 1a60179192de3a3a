package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.APIPort != 8080 {
		t.Fatalf("API_PORT default = %d", cfg.APIPort)
	}
	if cfg.MaxVideosPerRequest != 1000 {
		t.Fatalf("MAX_VIDEOS_PER_REQUEST default = %d", cfg.MaxVideosPerRequest)
	}
	if cfg.BatchSize != 8 || cfg.MaxWorkers != 4 || cfg.MaxRetries != 2 {
		t.Fatalf("driver defaults wrong: %+v", cfg)
	}
	if cfg.MinFrames != 3 || cfg.SceneThresh != 0.22 || cfg.DHashSize != 8 {
		t.Fatalf("extraction defaults wrong: %+v", cfg)
	}
	if cfg.Qdrant.Collection != "watched_frames" || cfg.Qdrant.VectorDim != 512 {
		t.Fatalf("qdrant defaults wrong: %+v", cfg.Qdrant)
	}
	if cfg.Crop.Encoder != "libx264" || cfg.Crop.Probes != 3 || cfg.Crop.SafeMargin != 4 {
		t.Fatalf("crop defaults wrong: %+v", cfg.Crop)
	}
	if cfg.FFmpegWatchdog != 5*time.Minute {
		t.Fatalf("watchdog default = %s", cfg.FFmpegWatchdog)
	}
}

func TestLoad_ReadsEnvironment(t *testing.T) {
	t.Setenv("API_PORT", "9090")
	t.Setenv("VP_BATCH_SIZE", "32")
	t.Setenv("VP_SCENE_THRESH", "0.4")
	t.Setenv("QDRANT_URL", "http://qdrant:6333")
	t.Setenv("VP_SLEEP_BETWEEN_BATCHES", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIPort != 9090 || cfg.BatchSize != 32 || cfg.SceneThresh != 0.4 {
		t.Fatalf("env overrides lost: %+v", cfg)
	}
	if cfg.Qdrant.URL != "http://qdrant:6333" {
		t.Fatalf("qdrant url lost: %s", cfg.Qdrant.URL)
	}
	if cfg.SleepBetweenBatches != 3*time.Second {
		t.Fatalf("seconds parsing wrong: %s", cfg.SleepBetweenBatches)
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"bad port", "API_PORT", "70000"},
		{"zero batch", "VP_BATCH_SIZE", "0"},
		{"scene thresh above one", "VP_SCENE_THRESH", "1.5"},
		{"dhash too small", "VP_DHASH_SIZE", "1"},
		{"downscale above one", "VP_DOWNSCALE", "2"},
		{"relative qdrant url", "QDRANT_URL", "qdrant:6333"},
		{"relative encoder url", "ENCODER_URL", "not a url"},
		{"unknown storage mode", "OBJECT_STORAGE_MODE", "s3"},
		{"emulator mode without host", "OBJECT_STORAGE_MODE", "gcs_emulator"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError for %s=%s, got %v", tc.key, tc.value, err)
			}
			if cfgErr.Field != tc.key {
				t.Fatalf("wrong field blamed: %s", cfgErr.Field)
			}
		})
	}
}

func TestLoad_EmulatorModeNeedsHost(t *testing.T) {
	t.Setenv("OBJECT_STORAGE_MODE", "gcs_emulator")
	t.Setenv("STORAGE_EMULATOR_HOST", "http://localhost:4443")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.ObjectStore.IsEmulatorMode() {
		t.Fatalf("emulator mode not recognized: %+v", cfg.ObjectStore)
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{
		Host: "db", Port: "5433", User: "svc", Password: "pw", Name: "frames",
	}
	want := "postgres://svc:pw@db:5433/frames?sslmode=disable"
	if got := p.DSN(); got != want {
		t.Fatalf("dsn = %s, want %s", got, want)
	}

	p.DatabaseURL = "postgres://elsewhere/override"
	if got := p.DSN(); got != p.DatabaseURL {
		t.Fatalf("DATABASE_URL must win, got %s", got)
	}
}
