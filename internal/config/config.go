package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env string `env:"ENV" env-default:"production"`

	// Event store. sqlite3 uses StoragePath, postgres uses DatabaseURL.
	DBDriver    string `env:"DB_DRIVER" env-default:"sqlite3"`
	StoragePath string `env:"STORAGE_PATH" env-default:"db/events.db"`
	DatabaseURL string `env:"DATABASE_URL"`

	Kafka Kafka

	// Camera source API.
	SourceURL string `env:"SOURCE_URL" env-required:"true"`

	// Remote archive.
	RemoteURL   string `env:"REMOTE_URL"`
	RemoteToken string `env:"REMOTE_TOKEN"`
	UploadRoot  string `env:"UPLOAD_ROOT" env-default:"clipvault"`
	Timezone    string `env:"TZ" env-default:"Europe/Istanbul"`

	// Retention horizons in days; remote retention 0 disables it.
	RetentionDays       int `env:"RETENTION_DAYS" env-default:"40"`
	RemoteRetentionDays int `env:"REMOTE_RETENTION_DAYS" env-default:"0"`

	PollInterval       time.Duration `env:"POLL_INTERVAL" env-default:"5m"`
	PollBatchSize      int           `env:"POLL_BATCH_SIZE" env-default:"100"`
	EscalationInterval time.Duration `env:"ESCALATION_INTERVAL" env-default:"6h"`
	UploadDelay        time.Duration `env:"UPLOAD_DELAY" env-default:"5s"`
	UploadTimeout      time.Duration `env:"UPLOAD_TIMEOUT" env-default:"300s"`

	ProbeAddr    string        `env:"PROBE_ADDR" env-default:"1.1.1.1:443"`
	ProbeTimeout time.Duration `env:"PROBE_TIMEOUT" env-default:"2s"`

	AlertWebhookURL string `env:"ALERT_WEBHOOK_URL"`
	AlertPrefix     string `env:"ALERT_PREFIX"`

	MetricsPort int `env:"METRICS_PORT" env-default:"9090"`
}

type Kafka struct {
	Brokers  []string `env:"KAFKA_BROKERS" env-required:"true" env-separator:","`
	Topic    string   `env:"KAFKA_TOPIC" env-required:"true"`
	GroupID  string   `env:"KAFKA_GROUP_ID" env-default:"clipvault"`
	User     string   `env:"KAFKA_USER"`
	Password string   `env:"KAFKA_PASSWORD"`
}

// Load reads configuration from the environment. Missing required settings
// are a startup error.
func Load() (Config, error) {
	const op = "config.Load"

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", op, err)
	}

	if cfg.DBDriver == "postgres" && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%s: DATABASE_URL is required with DB_DRIVER=postgres", op)
	}

	return cfg, nil
}

// MustLoad is Load for main: configuration errors are fatal at startup.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}

	return cfg
}
