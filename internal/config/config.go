// Package config loads and validates worker configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/place-imagery-worker/internal/logging"
	"github.com/JakeFAU/place-imagery-worker/internal/storage/local"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Worker      WorkerConfig      `mapstructure:"worker"`
	Browser     BrowserConfig     `mapstructure:"browser"`
	Selectors   SelectorConfig    `mapstructure:"selectors"`
	Settle      SettleConfig      `mapstructure:"settle"`
	Interaction InteractionConfig `mapstructure:"interaction"`
	Normalize   NormalizeConfig   `mapstructure:"normalize"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     logging.Config    `mapstructure:"logging"`
}

// WorkerConfig governs the lease loop.
type WorkerConfig struct {
	// ID is the lease identity; generated at startup when empty.
	ID               string        `mapstructure:"id"`
	BatchSize        int           `mapstructure:"batch_size"`
	MaxGalleryItems  int           `mapstructure:"max_gallery_items"`
	StalenessTimeout time.Duration `mapstructure:"staleness_timeout"`
	IdlePause        time.Duration `mapstructure:"idle_pause"`
	LedgerBackoff    time.Duration `mapstructure:"ledger_backoff"`
	TaskTimeout      time.Duration `mapstructure:"task_timeout"`
}

// BrowserConfig configures the headless browser session.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless"`
	UserAgent         string        `mapstructure:"user_agent"`
	ViewportWidth     int64         `mapstructure:"viewport_width"`
	ViewportHeight    int64         `mapstructure:"viewport_height"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout"`
	NavigationQPS     float64       `mapstructure:"navigation_qps"`
	NoSandbox         bool          `mapstructure:"no_sandbox"`
}

// SelectorConfig names the target widget's elements.
type SelectorConfig struct {
	GalleryOpener  string   `mapstructure:"gallery_opener"`
	Thumbnail      string   `mapstructure:"thumbnail"`
	PrimaryTrigger string   `mapstructure:"primary_trigger"`
	Surface        string   `mapstructure:"surface"`
	KeepVisible    []string `mapstructure:"keep_visible"`
}

// SettleConfig holds the fixed delays that stand in for the widget's missing
// completion events, one per kind of DOM mutation.
type SettleConfig struct {
	AfterNavigation time.Duration `mapstructure:"after_navigation"`
	AfterClick      time.Duration `mapstructure:"after_click"`
	AfterScroll     time.Duration `mapstructure:"after_scroll"`
	AfterVisibility time.Duration `mapstructure:"after_visibility"`
	AfterActivation time.Duration `mapstructure:"after_activation"`
}

// InteractionConfig bounds surface verification.
type InteractionConfig struct {
	VerifyTimeout time.Duration `mapstructure:"verify_timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
}

// NormalizeConfig controls artifact re-encoding.
type NormalizeConfig struct {
	Quality       int `mapstructure:"quality"`
	TrimThreshold int `mapstructure:"trim_threshold"`
}

// StorageConfig selects and configures the artifact store.
type StorageConfig struct {
	Backend      string       `mapstructure:"backend"`
	Bucket       string       `mapstructure:"bucket"`
	CacheControl string       `mapstructure:"cache_control"`
	Prefix       string       `mapstructure:"prefix"`
	ContentType  string       `mapstructure:"content_type"`
	Local        local.Config `mapstructure:"local"`
}

// LedgerConfig selects and configures the shared task ledger.
type LedgerConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for resolution notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the ops HTTP listener. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("IMAGERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("worker.id", "")
	v.SetDefault("worker.batch_size", 5)
	v.SetDefault("worker.max_gallery_items", 10)
	v.SetDefault("worker.staleness_timeout", "5m")
	v.SetDefault("worker.idle_pause", "10s")
	v.SetDefault("worker.ledger_backoff", "30s")
	v.SetDefault("worker.task_timeout", "4m")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.viewport_width", 1920)
	v.SetDefault("browser.viewport_height", 1080)
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.action_timeout", "15s")
	v.SetDefault("browser.navigation_qps", 0.5)
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("selectors.gallery_opener", ".aoRNLd.kn2E5e.NMjTrf")
	v.SetDefault("selectors.thumbnail", "a.OKAoZd")
	v.SetDefault("selectors.primary_trigger", "button[jsaction*='heroHeaderImage']")
	v.SetDefault("selectors.surface", "canvas.widget-scene-canvas")
	v.SetDefault("selectors.keep_visible", []string{"a.OKAoZd"})
	v.SetDefault("settle.after_navigation", "2s")
	v.SetDefault("settle.after_click", "1s")
	v.SetDefault("settle.after_scroll", "1s")
	v.SetDefault("settle.after_visibility", "1s")
	v.SetDefault("settle.after_activation", "2s")
	v.SetDefault("interaction.verify_timeout", "10s")
	v.SetDefault("interaction.poll_interval", "250ms")
	v.SetDefault("normalize.quality", 60)
	v.SetDefault("normalize.trim_threshold", 10)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "places")
	v.SetDefault("storage.content_type", "image/jpeg")
	v.SetDefault("storage.local.base_dir", "print")
	v.SetDefault("ledger.backend", "memory")
	v.SetDefault("ledger.table", "tasks")
	v.SetDefault("ledger.max_conns", 4)
	v.SetDefault("server.port", 9090)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("worker.batch_size must be > 0")
	}
	// Zero would turn every gallery page into an endless NoResult requeue.
	if c.Worker.MaxGalleryItems <= 0 {
		return fmt.Errorf("worker.max_gallery_items must be > 0")
	}
	if c.Worker.StalenessTimeout <= 0 {
		return fmt.Errorf("worker.staleness_timeout must be > 0")
	}
	if c.Worker.TaskTimeout > 0 && c.Worker.TaskTimeout >= c.Worker.StalenessTimeout {
		return fmt.Errorf("worker.task_timeout must be shorter than worker.staleness_timeout")
	}
	if c.Normalize.Quality < 60 || c.Normalize.Quality > 70 {
		return fmt.Errorf("normalize.quality must be within 60-70")
	}
	if c.Selectors.Surface == "" {
		return fmt.Errorf("selectors.surface is required")
	}
	if c.Selectors.Thumbnail == "" && c.Selectors.PrimaryTrigger == "" {
		return fmt.Errorf("selectors.thumbnail or selectors.primary_trigger is required")
	}
	if c.Interaction.VerifyTimeout <= 0 {
		return fmt.Errorf("interaction.verify_timeout must be > 0")
	}
	switch c.Storage.Backend {
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set when storage.backend is gcs")
		}
	case "local", "memory":
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	switch c.Ledger.Backend {
	case "postgres", "mysql":
		if c.Ledger.DSN == "" {
			return fmt.Errorf("ledger.dsn must be set when ledger.backend is %s", c.Ledger.Backend)
		}
	case "memory":
	default:
		return fmt.Errorf("unknown ledger.backend %q", c.Ledger.Backend)
	}
	if c.Server.Port < 0 {
		return fmt.Errorf("server.port must be >= 0")
	}
	return nil
}
