package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const minBcryptCost = 8

type Config struct {
	Env       string `env:"APP_ENV" envDefault:"development"`
	Port      string `env:"PORT" envDefault:"8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	PublicURL string `env:"PUBLIC_URL" envDefault:"http://localhost:8080"`

	Database

	JWT        JWT
	Encryption Encryption
	CORSOrigin string `env:"CORS_ORIGIN,required,notEmpty"`
	TrustProxy bool   `env:"TRUST_PROXY" envDefault:"false"`
	BcryptCost int    `env:"BCRYPT_COST" envDefault:"10"`
	RateLimit  RateLimit
	Mail       Mail
}

// Database holds the store adapter settings. It is loadable on its own so the
// migration tool does not need signing secrets.
type Database struct {
	DBAdapter     string `env:"DB_ADAPTER" envDefault:"postgres"`
	SQLiteFile    string `env:"SQLITE_FILE" envDefault:"./data/pulseauth.db"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"./migrations"`
	// PostgreSQL connection settings
	PostgresDSN      string `env:"POSTGRES_DSN"`
	PostgresHost     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort     string `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER" envDefault:"pulse"`
	PostgresPassword string `env:"POSTGRES_PASSWORD"`
	PostgresDB       string `env:"POSTGRES_DB" envDefault:"pulseauth"`
	PostgresSSLMode  string `env:"POSTGRES_SSLMODE" envDefault:"disable"`
}

type JWT struct {
	Secret          string        `env:"JWT_SECRET,required,notEmpty"`
	RefreshSecret   string        `env:"JWT_REFRESH_SECRET,required,notEmpty"`
	AccessTTL       time.Duration `env:"JWT_ACCESS_TTL" envDefault:"15m"`
	RefreshTTL      time.Duration `env:"JWT_REFRESH_TTL" envDefault:"168h"`
	VerificationTTL time.Duration `env:"JWT_VERIFICATION_TTL" envDefault:"15m"`
	ResetTTL        time.Duration `env:"JWT_RESET_TTL" envDefault:"10m"`
}

type Encryption struct {
	MasterKey string `env:"ENCRYPTION_MASTER_KEY,required,notEmpty"`
}

type RateLimit struct {
	Backend             string        `env:"RATE_LIMIT_BACKEND" envDefault:"memory"`
	RedisURL            string        `env:"REDIS_URL"`
	IPMaxAttemptsPerDay int           `env:"RATE_LIMIT_IP_MAX_PER_DAY" envDefault:"100"`
	IDMaxFails          int           `env:"RATE_LIMIT_ID_MAX_FAILS" envDefault:"5"`
	IDIPMaxFails        int           `env:"RATE_LIMIT_ID_IP_MAX_FAILS" envDefault:"3"`
	APIWindow           time.Duration `env:"RATE_LIMIT_API_WINDOW" envDefault:"15m"`
	APIMax              int           `env:"RATE_LIMIT_API_MAX" envDefault:"100"`
}

type Mail struct {
	Provider             string `env:"MAIL_PROVIDER" envDefault:"log"`
	From                 string `env:"MAIL_FROM" envDefault:"PulseAuth <no-reply@localhost>"`
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
}

// IsProduction reports whether the service runs with production defaults
// (secure cookies, generic error messages).
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Env)
	return env == "production" || env == "prod"
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Database) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}

	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)

	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}

	return dsn, nil
}

// New loads configuration from the process environment, reading a local .env
// file first when one exists.
func New() (*Config, error) {
	_ = godotenv.Load()
	return parse(env.Options{})
}

// FromMap loads configuration from the given variables only.
func FromMap(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	c := &Config{}
	if err := env.ParseWithOptions(c, opts); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

// validate reports every semantic problem at once so a misconfigured
// deployment can be fixed in a single pass.
func (c *Config) validate() error {
	var errs []error

	if _, err := strconv.Atoi(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("invalid PORT: %s", c.Port))
	}

	if err := c.Database.validate(); err != nil {
		errs = append(errs, err)
	}

	if c.JWT.Secret == c.JWT.RefreshSecret {
		errs = append(errs, errors.New("JWT_REFRESH_SECRET must differ from JWT_SECRET"))
	}
	for name, d := range map[string]time.Duration{
		"JWT_ACCESS_TTL":        c.JWT.AccessTTL,
		"JWT_REFRESH_TTL":       c.JWT.RefreshTTL,
		"JWT_VERIFICATION_TTL":  c.JWT.VerificationTTL,
		"JWT_RESET_TTL":         c.JWT.ResetTTL,
		"RATE_LIMIT_API_WINDOW": c.RateLimit.APIWindow,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	if c.BcryptCost < minBcryptCost {
		errs = append(errs, fmt.Errorf("BCRYPT_COST must be at least %d", minBcryptCost))
	}

	rl := c.RateLimit
	if rl.IPMaxAttemptsPerDay <= 0 || rl.IDMaxFails <= 0 || rl.IDIPMaxFails <= 0 || rl.APIMax <= 0 {
		errs = append(errs, errors.New("rate limit thresholds must be positive"))
	}
	switch rl.Backend {
	case "memory":
	case "redis":
		if rl.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL must be set when RATE_LIMIT_BACKEND=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported RATE_LIMIT_BACKEND: %s (supported: memory, redis)", rl.Backend))
	}

	switch c.Mail.Provider {
	case "log":
		if c.IsProduction() {
			errs = append(errs, errors.New("MAIL_PROVIDER=log is not allowed in production"))
		}
	case "postmark":
		if c.Mail.PostmarkServerToken == "" || c.Mail.PostmarkAccountToken == "" {
			errs = append(errs, errors.New("POSTMARK_SERVER_TOKEN and POSTMARK_ACCOUNT_TOKEN must be set when MAIL_PROVIDER=postmark"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported MAIL_PROVIDER: %s (supported: log, postmark)", c.Mail.Provider))
	}

	if c.IsProduction() {
		if len(c.Encryption.MasterKey) < 32 {
			errs = append(errs, errors.New("ENCRYPTION_MASTER_KEY must be at least 32 characters in production"))
		}
		if c.CORSOrigin == "*" {
			errs = append(errs, errors.New("CORS_ORIGIN cannot be * in production"))
		}
	}

	return errors.Join(errs...)
}

// NewDatabase loads only the store settings.
func NewDatabase() (*Database, error) {
	_ = godotenv.Load()
	d := &Database{}
	if err := env.Parse(d); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := d.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return d, nil
}

func (d *Database) validate() error {
	switch d.DBAdapter {
	case "postgres":
		dsn, err := d.BuildPostgresDSN()
		if err != nil {
			return fmt.Errorf("postgres configuration error: %w", err)
		}
		d.PostgresDSN = dsn
	case "sqlite":
		if d.SQLiteFile == "" {
			return errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", d.DBAdapter)
	}
	return nil
}
