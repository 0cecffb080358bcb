package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"fairplay-backend/internal/games"
)

const (
	LedgerRedis  = "redis"
	LedgerBadger = "badger"
)

var validate = validator.New()

type Config struct {
	Port string `env:"PORT" envDefault:"8080"`
	Env  string `env:"ENV" envDefault:"development"`

	RedisURL  string `env:"REDIS_URL" envDefault:"localhost:6379"`
	RedisPass string `env:"REDIS_PASSWORD"`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	JWTSecret string        `env:"JWT_SECRET" validate:"required"`
	JWTTTL    time.Duration `env:"JWT_TTL" envDefault:"24h" validate:"gt=0"`

	LedgerBackend string `env:"LEDGER_BACKEND" envDefault:"redis" validate:"oneof=redis badger"`
	BadgerDir     string `env:"BADGER_DIR" envDefault:"data/ledger"`
	HistoryDB     string `env:"HISTORY_DB" envDefault:"data/history.db"`

	NATSURL           string `env:"NATS_URL"`
	NATSSubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"fairplay"`

	ProviderKey string `env:"PROVIDER_KEY"`

	DefaultCurrency string `env:"DEFAULT_CURRENCY" envDefault:"USD" validate:"len=3"`
	StartingBalance int64  `env:"STARTING_BALANCE" envDefault:"100000" validate:"gte=0"`
	MinStake        int64  `env:"MIN_STAKE" envDefault:"1" validate:"gte=1"`
	MaxStake        int64  `env:"MAX_STAKE" envDefault:"1000000" validate:"gte=0"`
	NonceBudget     uint64 `env:"NONCE_BUDGET" envDefault:"10000" validate:"gte=1"`

	RateLimitBets int `env:"RATE_LIMIT_BETS" envDefault:"30" validate:"gte=0"`

	StaleSessionAge  time.Duration `env:"STALE_SESSION_AGE" envDefault:"10m" validate:"gt=0"`
	RecoveryInterval time.Duration `env:"RECOVERY_INTERVAL" envDefault:"1m" validate:"gt=0"`

	Crash CrashConfig `envPrefix:"CRASH_"`

	GamesConfig string `env:"GAMES_CONFIG"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	LogFile     string `env:"LOG_FILE"`
}

type CrashConfig struct {
	Enabled       bool          `env:"ENABLED" envDefault:"true"`
	Room          string        `env:"ROOM" envDefault:"crash"`
	Salt          string        `env:"SALT" envDefault:"fairplay-crash"`
	BettingWindow time.Duration `env:"BETTING_WINDOW" envDefault:"7s" validate:"gt=0"`
	StartingDelay time.Duration `env:"STARTING_DELAY" envDefault:"1s" validate:"gte=0"`
	ResolvedPause time.Duration `env:"RESOLVED_PAUSE" envDefault:"3s" validate:"gte=0"`
	TickInterval  time.Duration `env:"TICK_INTERVAL" envDefault:"100ms" validate:"gt=0"`
	GrowthRate    float64       `env:"GROWTH_RATE" envDefault:"0.00006" validate:"gt=0"`
}

func (c *Config) Production() bool { return c.Env == "production" }

// Load reads the process environment. Call godotenv first to pick up a
// .env file.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	if cfg.MaxStake > 0 && cfg.MaxStake < cfg.MinStake {
		return nil, errors.New("MAX_STAKE must not be below MIN_STAKE")
	}
	return &cfg, nil
}

// LoadTuning reads game tuning from a YAML file. An empty path yields the
// built-in defaults.
func LoadTuning(path string) (games.Tuning, error) {
	if path == "" {
		return games.DefaultTuning(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return games.Tuning{}, err
	}
	var t games.Tuning
	if err := yaml.Unmarshal(data, &t); err != nil {
		return games.Tuning{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return t, nil
}
