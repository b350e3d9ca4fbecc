package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port          string
	AllowedOrigin string
	AppEnv        string
	LogLevel      string

	DatabaseURL     string
	DBMaxOpenConns  int
	DBMaxIdleConns  int
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	DistributedLock bool

	AuthSecret string

	KafkaBrokers        []string
	KafkaLedgerTopic    string
	KafkaQuotationTopic string
	KafkaGroupID        string

	ReservationTTLHours  int
	SweepIntervalMinutes int
	SweepBatchSize       int

	LedgerMaxRetries  int
	LedgerRetryBaseMS int

	SummaryCacheTTLSeconds int
	ReorderLeadDays        int
	ReorderWindowDays      int

	SeedDemo bool
}

func Load() Config {
	return Config{
		Port:          getEnv("PORT", "8080"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		AppEnv:        getEnv("APP_ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		DatabaseURL:     os.Getenv("DATABASE_URL"),
		DBMaxOpenConns:  getEnvInt("DB_MAX_OPEN_CONNS", 30),
		DBMaxIdleConns:  getEnvInt("DB_MAX_IDLE_CONNS", 8),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         getEnvInt("REDIS_DB", 0),
		DistributedLock: getEnvBool("DISTRIBUTED_LOCKS", false),

		AuthSecret: strings.TrimSpace(os.Getenv("AUTH_SECRET")),

		KafkaBrokers:        getEnvSlice("KAFKA_BROKERS"),
		KafkaLedgerTopic:    getEnv("KAFKA_LEDGER_TOPIC", "stock.ledger.events"),
		KafkaQuotationTopic: getEnv("KAFKA_QUOTATION_TOPIC", "sales.quotations"),
		KafkaGroupID:        getEnv("KAFKA_GROUP_ID", "stockledger"),

		ReservationTTLHours:  getEnvInt("RESERVATION_TTL_HOURS", 168),
		SweepIntervalMinutes: getEnvInt("SWEEP_INTERVAL_MINUTES", 60),
		SweepBatchSize:       getEnvInt("SWEEP_BATCH_SIZE", 200),

		LedgerMaxRetries:  getEnvInt("LEDGER_MAX_RETRIES", 5),
		LedgerRetryBaseMS: getEnvInt("LEDGER_RETRY_BASE_MS", 20),

		SummaryCacheTTLSeconds: getEnvInt("SUMMARY_CACHE_TTL_SECONDS", 30),
		ReorderLeadDays:        getEnvInt("REORDER_LEAD_DAYS", 14),
		ReorderWindowDays:      getEnvInt("REORDER_WINDOW_DAYS", 30),

		SeedDemo: getEnvBool("SEED_DEMO", true),
	}
}

// Validate rejects configurations the server must not start with.
func (c Config) Validate() error {
	if len(c.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if c.ReservationTTLHours < 1 {
		return fmt.Errorf("RESERVATION_TTL_HOURS must be positive")
	}
	if c.SweepIntervalMinutes < 1 {
		return fmt.Errorf("SWEEP_INTERVAL_MINUTES must be positive")
	}
	if c.SweepInterval() >= c.ReservationTTL() {
		return fmt.Errorf("SWEEP_INTERVAL_MINUTES must be shorter than RESERVATION_TTL_HOURS")
	}
	if c.SweepBatchSize < 1 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be positive")
	}
	if c.LedgerMaxRetries < 0 {
		return fmt.Errorf("LEDGER_MAX_RETRIES must not be negative")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaLedgerTopic == "" {
		return fmt.Errorf("KAFKA_LEDGER_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) Production() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

func (c Config) ReservationTTL() time.Duration {
	return time.Duration(c.ReservationTTLHours) * time.Hour
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

func (c Config) RetryBase() time.Duration {
	return time.Duration(c.LedgerRetryBaseMS) * time.Millisecond
}

func (c Config) SummaryCacheTTL() time.Duration {
	return time.Duration(c.SummaryCacheTTLSeconds) * time.Second
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getEnvInt(key string, fallback int) int {
	val, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return fallback
	}
	return val
}

func getEnvBool(key string, fallback bool) bool {
	val, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return fallback
	}
	return val
}

func getEnvSlice(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
