package config

import (
	"log"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

type MQConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// OAuthConfig holds the identity provider credentials used to refresh grants.
type OAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// TokenURL is overridable for tests; defaults to the Google endpoint.
	TokenURL string `yaml:"token_url"`
	// TokenKey is the hex-encoded 32-byte key sealing tokens at rest.
	TokenKey string `yaml:"token_key"`
}

// CollectorConfig points at the email collector service.
type CollectorConfig struct {
	BaseURL string `yaml:"base_url"`
	Secret  string `yaml:"secret"`
}

// AnalysisConfig points at the analysis (LLM) service.
type AnalysisConfig struct {
	BaseURL        string `yaml:"base_url"`
	Secret         string `yaml:"secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// WorkerConfig controls scheduling cadence.
type WorkerConfig struct {
	// DigestHourUTC is the hour of day (UTC) daily digest runs are enqueued.
	DigestHourUTC int `yaml:"digest_hour_utc"`
	// SweepIntervalHours is how often the credential sweep runs.
	SweepIntervalHours int `yaml:"sweep_interval_hours"`
	// SweepWindowHours is how far ahead the sweep refreshes expiring credentials.
	SweepWindowHours int `yaml:"sweep_window_hours"`
	// MaxRetries before a digest.run message is parked in the DLQ.
	MaxRetries int `yaml:"max_retries"`
	// MetricsPort serves /metrics and /healthz.
	MetricsPort string `yaml:"metrics_port"`
}

type Config struct {
	DB        DBConfig        `yaml:"db"`
	MQ        MQConfig        `yaml:"mq"`
	Redis     RedisConfig     `yaml:"redis"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	Collector CollectorConfig `yaml:"collector"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Worker    WorkerConfig    `yaml:"worker"`
}

func Load() *Config {
	f, err := os.Open("config.yaml")
	if err != nil {
		log.Fatalf("failed to open config.yaml: %v", err)
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config.yaml: %v", err)
	}

	applyDefaults(&cfg)
	overrideFromEnv(&cfg)

	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Worker.SweepIntervalHours == 0 {
		cfg.Worker.SweepIntervalHours = 6
	}
	if cfg.Worker.SweepWindowHours == 0 {
		cfg.Worker.SweepWindowHours = 6
	}
	if cfg.Worker.MaxRetries == 0 {
		cfg.Worker.MaxRetries = 5
	}
	if cfg.Worker.MetricsPort == "" {
		cfg.Worker.MetricsPort = "8090"
	}
	if cfg.Analysis.TimeoutSeconds == 0 {
		cfg.Analysis.TimeoutSeconds = 30
	}
}

func overrideFromEnv(cfg *Config) {
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DB.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.DB.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DB.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DB.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.DB.Name = name
	}

	if url := os.Getenv("MQ_URL"); url != "" {
		cfg.MQ.URL = url
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}

	if id := os.Getenv("OAUTH_CLIENT_ID"); id != "" {
		cfg.OAuth.ClientID = id
	}
	if secret := os.Getenv("OAUTH_CLIENT_SECRET"); secret != "" {
		cfg.OAuth.ClientSecret = secret
	}
	if key := os.Getenv("OAUTH_TOKEN_KEY"); key != "" {
		cfg.OAuth.TokenKey = key
	}

	if url := os.Getenv("COLLECTOR_BASE_URL"); url != "" {
		cfg.Collector.BaseURL = url
	}
	if secret := os.Getenv("COLLECTOR_SECRET"); secret != "" {
		cfg.Collector.Secret = secret
	}

	if url := os.Getenv("ANALYSIS_BASE_URL"); url != "" {
		cfg.Analysis.BaseURL = url
	}
	if secret := os.Getenv("ANALYSIS_SECRET"); secret != "" {
		cfg.Analysis.Secret = secret
	}
}
