package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the static configuration shared by every executable.
type Config struct {
	Address string `env:"ADDRESS" envDefault:":8080"`
	Storage string `env:"STORAGE" envDefault:"postgres"` // postgres, memory

	DBUser     string `env:"DB_USER" envDefault:"postgres"`
	DBPassword string `env:"DB_PASSWORD"`
	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     string `env:"DB_PORT" envDefault:"5432"`
	DBName     string `env:"DB_NAME" envDefault:"cartrecovery"`
	DBSSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`

	RedisAddr     string `env:"REDIS_ADDR"` // empty keeps the cooldown ledger in memory
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	RabbitMQURL      string `env:"RABBITMQ_URL"` // empty keeps the queue in process
	RabbitMQExchange string `env:"RABBITMQ_EXCHANGE" envDefault:"cartrecovery.events"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUser     string `env:"SMTP_USER"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPFrom     string `env:"SMTP_FROM" envDefault:"no-reply@localhost"`

	GatewayURL   string `env:"MESSAGING_GATEWAY_URL"` // sms + whatsapp
	GatewayToken string `env:"MESSAGING_GATEWAY_TOKEN"`

	MockSuccessRate float64 `env:"MOCK_SUCCESS_RATE" envDefault:"1"`

	CooldownWindow   time.Duration `env:"COOLDOWN_WINDOW" envDefault:"24h"`
	CooldownLockTTL  time.Duration `env:"COOLDOWN_LOCK_TTL" envDefault:"2m"`
	SendTimeout      time.Duration `env:"SEND_TIMEOUT" envDefault:"10s"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
	DispatchWorkers  int           `env:"DISPATCH_WORKERS" envDefault:"8"`
	CartCacheTTL     time.Duration `env:"CART_CACHE_TTL" envDefault:"5m"`
	SessionIdleTTL   time.Duration `env:"SESSION_IDLE_TTL" envDefault:"10m"`
	DedupWindow      int           `env:"DEDUP_WINDOW" envDefault:"512"`
	RoomReplayWindow int           `env:"ROOM_REPLAY_WINDOW" envDefault:"50"`
	HubSendBuffer    int           `env:"HUB_SEND_BUFFER" envDefault:"256"`

	DefaultPlan string            `env:"PLAN_DEFAULT" envDefault:"starter"`
	StorePlans  map[string]string `env:"PLAN_BY_STORE" envSeparator:"," envKeyValSeparator:":"`

	AutomationEnabled    bool     `env:"AUTOMATION_ENABLED" envDefault:"false"`
	AutomationDelayHours int      `env:"AUTOMATION_DELAY_HOURS" envDefault:"24"`
	AutomationChannels   []string `env:"AUTOMATION_CHANNELS" envSeparator:"," envDefault:"email"`
	AutomationSubject    string   `env:"AUTOMATION_SUBJECT" envDefault:"You left something in your cart at {{store_name}}"`
	AutomationBody       string   `env:"AUTOMATION_BODY" envDefault:"Hi {{first_name}}, your {{cart_items}} ({{cart_total}} {{currency}}) are waiting: {{checkout_link}}"`

	// SchedulerEnabled lets an API-only server leave sweeping to cmd/worker.
	SchedulerEnabled bool `env:"SCHEDULER_ENABLED" envDefault:"true"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	LogFile   string `env:"LOG_FILE"`
}

// Load reads an optional .env file and parses the environment.
func Load(files ...string) (*Config, error) {
	// a missing .env is fine; the process environment still applies
	_ = godotenv.Load(files...)

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Storage = strings.ToLower(strings.TrimSpace(cfg.Storage))
	if cfg.DispatchWorkers < 1 {
		cfg.DispatchWorkers = 1
	}
	return cfg, nil
}

// DatabaseURL builds the lib/pq connection string.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}
