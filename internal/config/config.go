package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	JWTSecret       string        `mapstructure:"JWT_SECRET"`
	JWTIssuer       string        `mapstructure:"JWT_ISSUER"`
	AccessTokenTTL  time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`
	RefreshTokenTTL time.Duration `mapstructure:"REFRESH_TOKEN_TTL"`
	BcryptCost      int           `mapstructure:"BCRYPT_COST"`
	ResetCodeTTL    time.Duration `mapstructure:"RESET_CODE_TTL"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
	// AuthThrottleLimit caps login and password reset attempts per client
	// IP per AuthThrottleWindow.
	AuthThrottleLimit  int64         `mapstructure:"AUTH_THROTTLE_LIMIT"`
	AuthThrottleWindow time.Duration `mapstructure:"AUTH_THROTTLE_WINDOW"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	MailProvider   string `mapstructure:"MAIL_PROVIDER"`
	MailFrom       string `mapstructure:"MAIL_FROM"`
	MailFromName   string `mapstructure:"MAIL_FROM_NAME"`
	SendGridAPIKey string `mapstructure:"SENDGRID_API_KEY"`
	AWSRegion      string `mapstructure:"AWS_REGION"`
	MailWorkers    int    `mapstructure:"MAIL_WORKERS"`
	MailQueueSize  int    `mapstructure:"MAIL_QUEUE_SIZE"`
	MailMaxRetries int    `mapstructure:"MAIL_MAX_RETRIES"`

	StripeSecretKey      string `mapstructure:"STRIPE_SECRET_KEY"`
	StripePublishableKey string `mapstructure:"STRIPE_PUBLISHABLE_KEY"`
	StripeBaseURL        string `mapstructure:"STRIPE_BASE_URL"`
	StripeDryRun         bool   `mapstructure:"STRIPE_DRY_RUN"`
	AppointmentFeeCents  int64  `mapstructure:"APPOINTMENT_FEE_CENTS"`
	AppointmentCurrency  string `mapstructure:"APPOINTMENT_CURRENCY"`

	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL", "CORS_ORIGINS",
	"JWT_SECRET", "JWT_ISSUER", "ACCESS_TOKEN_TTL", "REFRESH_TOKEN_TTL", "BCRYPT_COST", "RESET_CODE_TTL",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "AUTH_THROTTLE_LIMIT", "AUTH_THROTTLE_WINDOW", "REQUEST_TIMEOUT",
	"MAIL_PROVIDER", "MAIL_FROM", "MAIL_FROM_NAME", "SENDGRID_API_KEY", "AWS_REGION",
	"MAIL_WORKERS", "MAIL_QUEUE_SIZE", "MAIL_MAX_RETRIES",
	"STRIPE_SECRET_KEY", "STRIPE_PUBLISHABLE_KEY", "STRIPE_BASE_URL", "STRIPE_DRY_RUN",
	"APPOINTMENT_FEE_CENTS", "APPOINTMENT_CURRENCY",
	"MIGRATIONS_DIR",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173,http://localhost:3000")
	v.SetDefault("JWT_ISSUER", "clinic")
	v.SetDefault("ACCESS_TOKEN_TTL", "60m")
	v.SetDefault("REFRESH_TOKEN_TTL", "24h")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("RESET_CODE_TTL", "15m")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("AUTH_THROTTLE_LIMIT", 10)
	v.SetDefault("AUTH_THROTTLE_WINDOW", "1m")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("MAIL_PROVIDER", "stub")
	v.SetDefault("MAIL_FROM", "noreply@hospital.com")
	v.SetDefault("MAIL_FROM_NAME", "Hospital Team")
	v.SetDefault("MAIL_WORKERS", 4)
	v.SetDefault("MAIL_QUEUE_SIZE", 256)
	v.SetDefault("MAIL_MAX_RETRIES", 3)
	v.SetDefault("APPOINTMENT_FEE_CENTS", 5000)
	v.SetDefault("APPOINTMENT_CURRENCY", "usd")
	v.SetDefault("MIGRATIONS_DIR", "migrations")

	for _, k := range keys {
		v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside
// development a real JWT secret is mandatory.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		if !c.IsDev() {
			return fmt.Errorf("JWT_SECRET is required when ENV=%q", c.Env)
		}
	} else if c.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production, got %d", len(c.JWTSecret))
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}
	if c.RefreshTokenTTL < c.AccessTokenTTL {
		return fmt.Errorf("REFRESH_TOKEN_TTL (%s) must not be shorter than ACCESS_TOKEN_TTL (%s)", c.RefreshTokenTTL, c.AccessTokenTTL)
	}

	switch c.MailProvider {
	case "", "stub":
	case "sendgrid":
		if c.SendGridAPIKey == "" {
			return fmt.Errorf("SENDGRID_API_KEY is required when MAIL_PROVIDER=sendgrid")
		}
	case "ses":
		if c.AWSRegion == "" {
			return fmt.Errorf("AWS_REGION is required when MAIL_PROVIDER=ses")
		}
	default:
		return fmt.Errorf("MAIL_PROVIDER must be \"stub\", \"sendgrid\", or \"ses\", got %q", c.MailProvider)
	}

	if c.AppointmentFeeCents <= 0 {
		return fmt.Errorf("APPOINTMENT_FEE_CENTS must be positive, got %d", c.AppointmentFeeCents)
	}
	if c.IsProduction() && c.StripeDryRun {
		return fmt.Errorf("STRIPE_DRY_RUN cannot be enabled in production")
	}
	return nil
}

// DevJWTSecret signs tokens when ENV=development and no secret is set.
const DevJWTSecret = "dev-insecure-secret-change-me"

// SigningSecret returns the configured JWT secret, falling back to
// DevJWTSecret in development.
func (c *Config) SigningSecret() string {
	if c.JWTSecret == "" && c.IsDev() {
		return DevJWTSecret
	}
	return c.JWTSecret
}
