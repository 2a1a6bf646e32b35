package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	DefaultTenant  string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	// Per-client request budget for the HTTP surface.
	RateLimitRequests int           `mapstructure:"RATE_LIMIT_REQUESTS"`
	RateLimitWindow   time.Duration `mapstructure:"RATE_LIMIT_WINDOW"`

	ClinicTimezone string `mapstructure:"CLINIC_TIMEZONE"`
	PublicBaseURL  string `mapstructure:"PUBLIC_BASE_URL"`

	// Admission window and QR join flow.
	QRTokenTTL       time.Duration `mapstructure:"QR_TOKEN_TTL"`
	JoinSessionTTL   time.Duration `mapstructure:"JOIN_SESSION_TTL"`
	OnlineStartTime  string        `mapstructure:"ONLINE_START_TIME"`
	OnlineEndTime    string        `mapstructure:"ONLINE_END_TIME"`
	MaxOnlineEntries int           `mapstructure:"MAX_ONLINE_ENTRIES"`
	AllocMaxAttempts int           `mapstructure:"ALLOC_MAX_ATTEMPTS"`

	// Confirmation security gate.
	ConfirmationTokenTTL time.Duration `mapstructure:"CONFIRMATION_TOKEN_TTL"`
	ConfirmMaxAttempts   int           `mapstructure:"CONFIRM_MAX_ATTEMPTS"`
	ConfirmWindow        time.Duration `mapstructure:"CONFIRM_WINDOW"`
	ConfirmCooldown      time.Duration `mapstructure:"CONFIRM_COOLDOWN"`
	TokenGenMax          int           `mapstructure:"TOKEN_GEN_MAX"`
	TokenGenWindow       time.Duration `mapstructure:"TOKEN_GEN_WINDOW"`
	MinConfirmDelay      time.Duration `mapstructure:"MIN_CONFIRM_DELAY"`

	// Background jobs.
	MorningAssignmentCron string `mapstructure:"MORNING_ASSIGNMENT_CRON"`
	TokenCleanupCron      string `mapstructure:"TOKEN_CLEANUP_CRON"`
	PurgeCron             string `mapstructure:"PURGE_CRON"`
	QueueRetentionDays    int    `mapstructure:"QUEUE_RETENTION_DAYS"`

	// Collaborators.
	KafkaBrokers     []string `mapstructure:"KAFKA_BROKERS"`
	KafkaNotifyTopic string   `mapstructure:"KAFKA_NOTIFY_TOPIC"`
	PaymentAPIURL    string   `mapstructure:"PAYMENT_API_URL"`
	PaymentAPIKey    string   `mapstructure:"PAYMENT_API_KEY"`
}

var defaults = map[string]interface{}{
	"PORT":                    "8000",
	"ENV":                     "development",
	"DB_MAX_CONNS":            20,
	"DB_MIN_CONNS":            5,
	"DEFAULT_TENANT":          "default",
	"CORS_ORIGINS":            "http://localhost:3000",
	"RATE_LIMIT_REQUESTS":     300,
	"RATE_LIMIT_WINDOW":       "1m",
	"CLINIC_TIMEZONE":         "UTC",
	"PUBLIC_BASE_URL":         "http://localhost:8000",
	"QR_TOKEN_TTL":            "24h",
	"JOIN_SESSION_TTL":        "15m",
	"ONLINE_START_TIME":       "07:00",
	"ONLINE_END_TIME":         "09:00",
	"MAX_ONLINE_ENTRIES":      15,
	"ALLOC_MAX_ATTEMPTS":      5,
	"CONFIRMATION_TOKEN_TTL":  "48h",
	"CONFIRM_MAX_ATTEMPTS":    5,
	"CONFIRM_WINDOW":          "15m",
	"CONFIRM_COOLDOWN":        "30m",
	"TOKEN_GEN_MAX":           3,
	"TOKEN_GEN_WINDOW":        "1h",
	"MIN_CONFIRM_DELAY":       "60s",
	"MORNING_ASSIGNMENT_CRON": "0 30 6 * * 1-6",
	"TOKEN_CLEANUP_CRON":      "0 */5 * * * *",
	"PURGE_CRON":              "0 0 3 * * *",
	"QUEUE_RETENTION_DAYS":    30,
	"KAFKA_NOTIFY_TOPIC":      "clinic.notifications",
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"DEFAULT_TENANT", "CORS_ORIGINS", "RATE_LIMIT_REQUESTS", "RATE_LIMIT_WINDOW",
	"CLINIC_TIMEZONE", "PUBLIC_BASE_URL", "QR_TOKEN_TTL", "JOIN_SESSION_TTL",
	"ONLINE_START_TIME", "ONLINE_END_TIME", "MAX_ONLINE_ENTRIES", "ALLOC_MAX_ATTEMPTS",
	"CONFIRMATION_TOKEN_TTL", "CONFIRM_MAX_ATTEMPTS", "CONFIRM_WINDOW", "CONFIRM_COOLDOWN",
	"TOKEN_GEN_MAX", "TOKEN_GEN_WINDOW", "MIN_CONFIRM_DELAY",
	"MORNING_ASSIGNMENT_CRON", "TOKEN_CLEANUP_CRON", "PURGE_CRON", "QUEUE_RETENTION_DAYS",
	"KAFKA_BROKERS", "KAFKA_NOTIFY_TOPIC", "PAYMENT_API_URL", "PAYMENT_API_KEY",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: requests without a bearer token are treated as an admin actor.")
	}

	return cfg, nil
}

// splitList handles comma-separated env values that viper hands back as a
// single element.
func splitList(parsed []string, raw string) []string {
	if len(parsed) == 0 && raw != "" {
		parsed = []string{raw}
	}
	var out []string
	for _, s := range strings.Split(strings.Join(parsed, ","), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves CLINIC_TIMEZONE. Calendar days and admission windows are
// evaluated in this zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set outside development (current ENV=%q)", c.Env)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	start, err := parseClock(c.OnlineStartTime)
	if err != nil {
		return fmt.Errorf("ONLINE_START_TIME: %w", err)
	}
	end, err := parseClock(c.OnlineEndTime)
	if err != nil {
		return fmt.Errorf("ONLINE_END_TIME: %w", err)
	}
	if end <= start {
		return fmt.Errorf("ONLINE_END_TIME (%s) must be after ONLINE_START_TIME (%s)", c.OnlineEndTime, c.OnlineStartTime)
	}
	if c.MaxOnlineEntries <= 0 {
		return fmt.Errorf("MAX_ONLINE_ENTRIES must be positive, got %d", c.MaxOnlineEntries)
	}
	if c.AllocMaxAttempts <= 0 {
		return fmt.Errorf("ALLOC_MAX_ATTEMPTS must be positive, got %d", c.AllocMaxAttempts)
	}
	if c.ConfirmMaxAttempts <= 0 || c.TokenGenMax <= 0 {
		return fmt.Errorf("CONFIRM_MAX_ATTEMPTS and TOKEN_GEN_MAX must be positive")
	}
	if c.QRTokenTTL <= 0 || c.JoinSessionTTL <= 0 || c.ConfirmationTokenTTL <= 0 {
		return fmt.Errorf("token and session TTLs must be positive")
	}
	if c.QueueRetentionDays <= 0 {
		return fmt.Errorf("QUEUE_RETENTION_DAYS must be positive, got %d", c.QueueRetentionDays)
	}
	return nil
}

// parseClock parses an HH:MM value into minutes after midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
