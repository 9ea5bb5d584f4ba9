// Copyright 2025 Lumenworks
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type HTTP struct {
	ListenAddr       string        `mapstructure:"listen_addr"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	CORSEnabled      bool          `mapstructure:"cors_enabled"`
	CORSAllowOrigins []string      `mapstructure:"cors_allow_origins"`
	RatePerMinute    int           `mapstructure:"rate_per_minute"`
	RateBurst        int           `mapstructure:"rate_burst"`
}

type Auth struct {
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	OverrideCode string        `mapstructure:"override_code"`
	Event        string        `mapstructure:"event"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
}

// Limits are the per-session artifact budgets.
type Limits struct {
	Cards  int `mapstructure:"cards"`
	Videos int `mapstructure:"videos"`
	Prints int `mapstructure:"prints"`
}

type Capacity struct {
	StateKey     string        `mapstructure:"state_key"`
	InitialSlots int           `mapstructure:"initial_slots"`
	MaxSlots     int           `mapstructure:"max_slots"`
	SuccessStep  int           `mapstructure:"success_step"`
	StaleAge     time.Duration `mapstructure:"stale_age"`
	SweepEvery   time.Duration `mapstructure:"sweep_every"`
}

type Queue struct {
	Key              string        `mapstructure:"key"`
	PendingKey       string        `mapstructure:"pending_key"`
	VisibilityWindow time.Duration `mapstructure:"visibility_window"`
	ReceiveTimeout   time.Duration `mapstructure:"receive_timeout"`
	RedeliverEvery   time.Duration `mapstructure:"redeliver_every"`
	RefusedPause     time.Duration `mapstructure:"refused_pause"`
}

type Storage struct {
	Backend         string `mapstructure:"backend"` // s3|memory
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type Models struct {
	ImageModelID   string `mapstructure:"image_model_id"`
	VideoModelID   string `mapstructure:"video_model_id"`
	VideoOutputURI string `mapstructure:"video_output_uri"`
}

type Worker struct {
	Count int `mapstructure:"count"`
}

type Audit struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type Observability struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

type Config struct {
	Redis         Redis         `mapstructure:"redis"`
	HTTP          HTTP          `mapstructure:"http"`
	Auth          Auth          `mapstructure:"auth"`
	Limits        Limits        `mapstructure:"limits"`
	Capacity      Capacity      `mapstructure:"capacity"`
	Queue         Queue         `mapstructure:"queue"`
	Storage       Storage       `mapstructure:"storage"`
	Models        Models        `mapstructure:"models"`
	Worker        Worker        `mapstructure:"worker"`
	Audit         Audit         `mapstructure:"audit"`
	Observability Observability `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		HTTP: HTTP{
			ListenAddr:       ":8080",
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     120 * time.Second,
			CORSEnabled:      true,
			CORSAllowOrigins: []string{"*"},
			RatePerMinute:    120,
			RateBurst:        30,
		},
		Auth: Auth{
			Event:    "card-forge-event",
			TokenTTL: 24 * time.Hour,
		},
		Limits: Limits{Cards: 5, Videos: 3, Prints: 1},
		Capacity: Capacity{
			StateKey:     "cardforge:capacity:image",
			InitialSlots: 2,
			MaxSlots:     10,
			SuccessStep:  5,
			StaleAge:     10 * time.Minute,
			SweepEvery:   time.Minute,
		},
		Queue: Queue{
			Key:              "cardforge:jobs",
			PendingKey:       "cardforge:jobs:pending",
			VisibilityWindow: 90 * time.Second,
			ReceiveTimeout:   time.Second,
			RedeliverEvery:   5 * time.Second,
			RefusedPause:     500 * time.Millisecond,
		},
		Storage: Storage{
			Backend: "s3",
			Bucket:  "card-forge-artifacts",
			Region:  "us-east-1",
		},
		Models: Models{
			ImageModelID: "amazon.nova-canvas-v1:0",
			VideoModelID: "amazon.nova-reel-v1:0",
		},
		Worker: Worker{Count: 4},
		Audit: Audit{
			Enabled:    false,
			Path:       "audit/overrides.log",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			QueueSampleInterval: 2 * time.Second,
		},
	}
}

// Load reads configuration from YAML file and env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("http.listen_addr", def.HTTP.ListenAddr)
	v.SetDefault("http.read_timeout", def.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", def.HTTP.WriteTimeout)
	v.SetDefault("http.cors_enabled", def.HTTP.CORSEnabled)
	v.SetDefault("http.cors_allow_origins", def.HTTP.CORSAllowOrigins)
	v.SetDefault("http.rate_per_minute", def.HTTP.RatePerMinute)
	v.SetDefault("http.rate_burst", def.HTTP.RateBurst)

	v.SetDefault("auth.event", def.Auth.Event)
	v.SetDefault("auth.token_ttl", def.Auth.TokenTTL)

	v.SetDefault("limits.cards", def.Limits.Cards)
	v.SetDefault("limits.videos", def.Limits.Videos)
	v.SetDefault("limits.prints", def.Limits.Prints)

	v.SetDefault("capacity.state_key", def.Capacity.StateKey)
	v.SetDefault("capacity.initial_slots", def.Capacity.InitialSlots)
	v.SetDefault("capacity.max_slots", def.Capacity.MaxSlots)
	v.SetDefault("capacity.success_step", def.Capacity.SuccessStep)
	v.SetDefault("capacity.stale_age", def.Capacity.StaleAge)
	v.SetDefault("capacity.sweep_every", def.Capacity.SweepEvery)

	v.SetDefault("queue.key", def.Queue.Key)
	v.SetDefault("queue.pending_key", def.Queue.PendingKey)
	v.SetDefault("queue.visibility_window", def.Queue.VisibilityWindow)
	v.SetDefault("queue.receive_timeout", def.Queue.ReceiveTimeout)
	v.SetDefault("queue.redeliver_every", def.Queue.RedeliverEvery)
	v.SetDefault("queue.refused_pause", def.Queue.RefusedPause)

	v.SetDefault("storage.backend", def.Storage.Backend)
	v.SetDefault("storage.bucket", def.Storage.Bucket)
	v.SetDefault("storage.region", def.Storage.Region)

	v.SetDefault("models.image_model_id", def.Models.ImageModelID)
	v.SetDefault("models.video_model_id", def.Models.VideoModelID)

	v.SetDefault("worker.count", def.Worker.Count)

	v.SetDefault("audit.enabled", def.Audit.Enabled)
	v.SetDefault("audit.path", def.Audit.Path)
	v.SetDefault("audit.max_size_mb", def.Audit.MaxSizeMB)
	v.SetDefault("audit.max_backups", def.Audit.MaxBackups)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	// Optional file read
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Limits.Cards < 0 || cfg.Limits.Videos < 0 || cfg.Limits.Prints < 0 {
		return fmt.Errorf("limits must be >= 0")
	}
	if cfg.Capacity.InitialSlots < 1 {
		return fmt.Errorf("capacity.initial_slots must be >= 1")
	}
	if cfg.Capacity.MaxSlots < cfg.Capacity.InitialSlots {
		return fmt.Errorf("capacity.max_slots must be >= capacity.initial_slots")
	}
	if cfg.Capacity.SuccessStep < 1 {
		return fmt.Errorf("capacity.success_step must be >= 1")
	}
	if cfg.Capacity.StaleAge <= 0 {
		return fmt.Errorf("capacity.stale_age must be > 0")
	}
	if cfg.Queue.ReceiveTimeout <= 0 {
		return fmt.Errorf("queue.receive_timeout must be > 0")
	}
	if cfg.Queue.VisibilityWindow <= cfg.Queue.ReceiveTimeout {
		return fmt.Errorf("queue.visibility_window must be > queue.receive_timeout")
	}
	if cfg.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be >= 1")
	}
	switch cfg.Storage.Backend {
	case "s3", "memory":
	default:
		return fmt.Errorf("storage.backend must be s3 or memory")
	}
	if cfg.Storage.Backend == "s3" && cfg.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket must be set for the s3 backend")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
