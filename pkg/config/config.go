package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"

	"utility-ussd-bridge/pkg/models"
)

type Config struct {
	PodID       string `envconfig:"POD_ID"`
	Port        string `envconfig:"PORT"         default:"8080"`
	LogLevel    string `envconfig:"LOG_LEVEL"    default:"info"`
	MetricsPath string `envconfig:"METRICS_PATH" default:"/metrics"`

	Redis       RedisConfig
	Aggregator  AggregatorConfig
	Provider    ProviderConfig
	Correlation CorrelationConfig
	Leader      LeaderConfig
	Persistence PersistenceConfig
	Webhook     WebhookConfig
}

// RedisConfig holds connection overrides; zero values keep the client defaults.
type RedisConfig struct {
	URL          string        `envconfig:"REDIS_URL"           default:"redis://localhost:6379"`
	PoolSize     int           `envconfig:"REDIS_POOL_SIZE"`
	MaxRetries   int           `envconfig:"REDIS_MAX_RETRIES"`
	DialTimeout  time.Duration `envconfig:"REDIS_DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `envconfig:"REDIS_READ_TIMEOUT"`
	WriteTimeout time.Duration `envconfig:"REDIS_WRITE_TIMEOUT"`
}

// AggregatorConfig configures the outbound send API.
type AggregatorConfig struct {
	BaseURL  string        `envconfig:"AGGREGATOR_BASE_URL"  default:"https://api.africastalking.com"`
	SendPath string        `envconfig:"AGGREGATOR_SEND_PATH" default:"/version1/ussd/send"`
	Username string        `envconfig:"AGGREGATOR_USERNAME"  default:"sandbox"`
	APIKey   string        `envconfig:"AGGREGATOR_API_KEY"`
	Timeout  time.Duration `envconfig:"AGGREGATOR_TIMEOUT"   default:"10s"`
}

// ProviderConfig describes the utility provider's USSD gateway.
type ProviderConfig struct {
	SenderNumbers []string `envconfig:"PROVIDER_SENDER_NUMBERS" default:"+254700000001,KPLC"`
	USSDPrefix    string   `envconfig:"PROVIDER_USSD_PREFIX"   default:"*977"`
	BalanceCode   string   `envconfig:"PROVIDER_BALANCE_CODE"  default:"1"`
	TokenCode     string   `envconfig:"PROVIDER_TOKEN_CODE"    default:"2"`
	UnitsCode     string   `envconfig:"PROVIDER_UNITS_CODE"    default:"3"`
}

// CorrelationConfig controls deadlines and polling.
type CorrelationConfig struct {
	BalanceTimeout time.Duration `envconfig:"CORRELATION_BALANCE_TIMEOUT" default:"45s"`
	TokenTimeout   time.Duration `envconfig:"CORRELATION_TOKEN_TIMEOUT"   default:"120s"`
	UnitsTimeout   time.Duration `envconfig:"CORRELATION_UNITS_TIMEOUT"   default:"45s"`
	PollBase       time.Duration `envconfig:"CORRELATION_POLL_BASE"       default:"1s"`
	PollMax        time.Duration `envconfig:"CORRELATION_POLL_MAX"        default:"8s"`
	PollFactor     float64       `envconfig:"CORRELATION_POLL_FACTOR"     default:"2"`
	SweepGrace     time.Duration `envconfig:"CORRELATION_SWEEP_GRACE"     default:"30s"`
}

// Timeout returns the wait window for a response kind.
func (c CorrelationConfig) Timeout(kind models.ResponseKind) time.Duration {
	switch kind {
	case models.KindToken:
		return c.TokenTimeout
	case models.KindUnits:
		return c.UnitsTimeout
	default:
		return c.BalanceTimeout
	}
}

type LeaderConfig struct {
	TTL           time.Duration `envconfig:"LEADER_ELECTION_TTL"      default:"10s"`
	Interval      time.Duration `envconfig:"LEADER_ELECTION_INTERVAL" default:"5s"`
	CheckInterval time.Duration `envconfig:"SWEEP_CHECK_INTERVAL"     default:"5s"`
}

// PersistenceConfig selects the result repository and the write-behind stream.
type PersistenceConfig struct {
	Driver            string        `envconfig:"PERSISTENCE_DRIVER"    default:"sqlite"`
	DSN               string        `envconfig:"PERSISTENCE_DSN"       default:"ussd-bridge.db"`
	ConsumerGroupName string        `envconfig:"CONSUMER_GROUP_NAME"   default:"result-persisters"`
	RecoveryInterval  time.Duration `envconfig:"PERSISTENCE_RECOVERY_INTERVAL" default:"30s"`
	ClaimMinIdle      time.Duration `envconfig:"PERSISTENCE_CLAIM_MIN_IDLE"    default:"1m"`
}

type WebhookConfig struct {
	RateLimit  int           `envconfig:"WEBHOOK_RATE_LIMIT"  default:"600"`
	RateWindow time.Duration `envconfig:"WEBHOOK_RATE_WINDOW" default:"1m"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	if cfg.PodID == "" {
		cfg.PodID = generatePodID()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Persistence.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported persistence driver %q", c.Persistence.Driver)
	}
	if c.Correlation.PollBase <= 0 {
		return fmt.Errorf("CORRELATION_POLL_BASE must be positive")
	}
	if c.Correlation.PollFactor < 1 {
		return fmt.Errorf("CORRELATION_POLL_FACTOR must be at least 1")
	}
	if len(c.Provider.SenderNumbers) == 0 {
		return fmt.Errorf("PROVIDER_SENDER_NUMBERS is required")
	}
	return nil
}

func generatePodID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return uuid.New().String()
	}
	return hostname + "-" + uuid.New().String()[:8]
}
