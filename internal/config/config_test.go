package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Worker.BatchSize != 5 || cfg.Worker.StalenessTimeout != 5*time.Minute {
		t.Fatalf("unexpected worker defaults: %+v", cfg.Worker)
	}
	if cfg.Selectors.Surface != "canvas.widget-scene-canvas" {
		t.Fatalf("unexpected surface default %q", cfg.Selectors.Surface)
	}
	if cfg.Normalize.Quality != 60 {
		t.Fatalf("expected quality 60, got %d", cfg.Normalize.Quality)
	}
	if cfg.Settle.AfterClick != time.Second || cfg.Interaction.PollInterval != 250*time.Millisecond {
		t.Fatalf("unexpected settle defaults: %+v %+v", cfg.Settle, cfg.Interaction)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
worker:
  id: worker-7
  batch_size: 2
  max_gallery_items: 3
  staleness_timeout: 10m
  idle_pause: 1s
  task_timeout: 2m
browser:
  headless: false
  viewport_width: 1280
  viewport_height: 720
selectors:
  thumbnail: a.thumb
  surface: canvas.scene
  keep_visible: ["a.thumb", "button.close"]
settle:
  after_click: 500ms
normalize:
  quality: 65
storage:
  backend: gcs
  bucket: imagery
  prefix: shots
ledger:
  backend: postgres
  dsn: postgres://localhost/imagery
server:
  port: 0
logging:
  development: false
  level: warn
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Worker.ID != "worker-7" || cfg.Worker.BatchSize != 2 || cfg.Worker.MaxGalleryItems != 3 {
		t.Fatalf("expected worker overrides, got %+v", cfg.Worker)
	}
	if cfg.Worker.StalenessTimeout != 10*time.Minute {
		t.Fatalf("expected 10m staleness, got %v", cfg.Worker.StalenessTimeout)
	}
	if cfg.Browser.Headless || cfg.Browser.ViewportWidth != 1280 {
		t.Fatalf("expected browser overrides, got %+v", cfg.Browser)
	}
	if len(cfg.Selectors.KeepVisible) != 2 || cfg.Selectors.Surface != "canvas.scene" {
		t.Fatalf("expected selector overrides, got %+v", cfg.Selectors)
	}
	if cfg.Settle.AfterClick != 500*time.Millisecond {
		t.Fatalf("expected 500ms click settle, got %v", cfg.Settle.AfterClick)
	}
	if cfg.Storage.Backend != "gcs" || cfg.Storage.Bucket != "imagery" {
		t.Fatalf("expected storage overrides, got %+v", cfg.Storage)
	}
	if cfg.Ledger.Backend != "postgres" || cfg.Server.Port != 0 || cfg.Logging.Level != "warn" {
		t.Fatalf("expected ledger/server/logging overrides, got %+v %+v %+v", cfg.Ledger, cfg.Server, cfg.Logging)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "batch size", mutate: func(c *Config) { c.Worker.BatchSize = 0 }, want: "worker.batch_size"},
		{name: "zero gallery items", mutate: func(c *Config) { c.Worker.MaxGalleryItems = 0 }, want: "worker.max_gallery_items"},
		{name: "negative gallery items", mutate: func(c *Config) { c.Worker.MaxGalleryItems = -1 }, want: "worker.max_gallery_items"},
		{name: "staleness", mutate: func(c *Config) { c.Worker.StalenessTimeout = 0 }, want: "worker.staleness_timeout"},
		{
			name:   "task timeout past staleness",
			mutate: func(c *Config) { c.Worker.TaskTimeout = 10 * time.Minute },
			want:   "worker.task_timeout",
		},
		{name: "quality", mutate: func(c *Config) { c.Normalize.Quality = 90 }, want: "normalize.quality"},
		{name: "surface", mutate: func(c *Config) { c.Selectors.Surface = "" }, want: "selectors.surface"},
		{name: "gcs bucket", mutate: func(c *Config) { c.Storage.Backend = "gcs" }, want: "storage.bucket"},
		{name: "storage backend", mutate: func(c *Config) { c.Storage.Backend = "s3" }, want: "storage.backend"},
		{name: "ledger dsn", mutate: func(c *Config) { c.Ledger.Backend = "mysql" }, want: "ledger.dsn"},
		{name: "ledger backend", mutate: func(c *Config) { c.Ledger.Backend = "redis" }, want: "ledger.backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Selectors.KeepVisible = append([]string(nil), base.Selectors.KeepVisible...)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
