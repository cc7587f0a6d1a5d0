package config

import (
	"os"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const (
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
)

type Config struct {
	Addr     string `env:"ADDR,default=:8080"`
	Env      string `env:"APP_ENV,default=development"`
	LogLevel string `env:"LOG_LEVEL,default=info"`

	StoreDriver string `env:"STORE_DRIVER,default=postgres"`
	DSN         string `env:"DB_DSN"`
	BadgerPath  string `env:"BADGER_PATH,default=./data/badger"`

	RedisAddr    string `env:"REDIS_ADDR"`
	RedisChannel string `env:"REDIS_CHANNEL,default=chat-events"`

	// Empty disables bearer verification; identities then come from request bodies.
	JWTSecret string `env:"JWT_SECRET"`

	StoreTimeout      time.Duration `env:"STORE_TIMEOUT,default=5s"`
	FanOutTimeout     time.Duration `env:"FANOUT_TIMEOUT,default=10s"`
	FanOutConcurrency int           `env:"FANOUT_CONCURRENCY,default=8"`
	HistoryLimit      int           `env:"HISTORY_LIMIT,default=50"`
	ConflictRetries   int           `env:"CONFLICT_RETRIES,default=64"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "config.Load.dotenv")
	}

	var c Config
	if _, err := env.UnmarshalFromEnviron(&c); err != nil {
		return nil, errors.Wrap(err, "config.Load.environ")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DSN == "" {
			return errors.New("DB_DSN is not set")
		}
	case DriverBadger:
		if c.BadgerPath == "" {
			return errors.New("BADGER_PATH is not set")
		}
	default:
		return errors.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.FanOutConcurrency < 1 {
		return errors.Errorf("FANOUT_CONCURRENCY must be positive, got %d", c.FanOutConcurrency)
	}
	if c.HistoryLimit < 1 {
		return errors.Errorf("HISTORY_LIMIT must be positive, got %d", c.HistoryLimit)
	}
	return nil
}
