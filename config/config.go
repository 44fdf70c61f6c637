package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
)

// Prefix is prepended to every environment variable. Each group adds its
// own segment, e.g. LABBOOK_SERVER_PORT or LABBOOK_REDIS_ADDR.
const Prefix = "LABBOOK"

// -----------------------------------------------------------------------------
// Environment variable configuration guidelines:
// - required: none; every value has a default suitable for local runs
// - keys: LABBOOK_<GROUP>_<NAME>, group being SERVER, STORE, REDIS, BOOKING,
//   CORS or LOG
// - store selection: STORE_DRIVER picks memory, sqlite or mongo
// - redis: leave REDIS_ADDR empty to keep the change feed in-process
// -----------------------------------------------------------------------------

type Config struct {
	Server  ServerConfig  `envconfig:"SERVER"`
	Store   StoreConfig   `envconfig:"STORE"`
	Redis   RedisConfig   `envconfig:"REDIS"`
	Booking BookingConfig `envconfig:"BOOKING"`
	CORS    CORSConfig    `envconfig:"CORS"`
	Log     LogConfig     `envconfig:"LOG"`
}

type ServerConfig struct {
	Port      int     `envconfig:"PORT" default:"8080"`
	RateLimit float64 `envconfig:"RATE_LIMIT" default:"5"`
	RateBurst int     `envconfig:"RATE_BURST" default:"10"`
}

type StoreConfig struct {
	Driver     string `envconfig:"DRIVER" default:"sqlite"`
	SQLitePath string `envconfig:"SQLITE_PATH" default:"labbook.db"`
	MongoURI   string `envconfig:"MONGO_URI" default:"mongodb://localhost:27017/?replicaSet=rs0"`
	MongoDB    string `envconfig:"MONGO_DB" default:"labbook"`
}

type RedisConfig struct {
	Addr     string `envconfig:"ADDR"`
	Password string `envconfig:"PASSWORD"`
	DB       int    `envconfig:"DB" default:"0"`
	Channel  string `envconfig:"CHANNEL" default:"labbook:bookings"`
}

type BookingConfig struct {
	TimeZone               string        `envconfig:"TIMEZONE" default:"Local"`
	DisableLegacyOwnerless bool          `envconfig:"DISABLE_LEGACY_OWNERLESS" default:"false"`
	ReconcileInterval      time.Duration `envconfig:"RECONCILE_INTERVAL" default:"1h"`
}

type CORSConfig struct {
	AllowOrigins []string      `envconfig:"ALLOW_ORIGINS" default:"http://localhost:3000,http://localhost:5173"`
	MaxAge       time.Duration `envconfig:"MAX_AGE" default:"5m"`
}

type LogConfig struct {
	Level  string `envconfig:"LEVEL" default:"info"`
	Format string `envconfig:"FORMAT" default:"console"`
}

// Location resolves the booking time zone.
func (c BookingConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %s_BOOKING_TIMEZONE %q", Prefix, c.TimeZone)
	}
	return loc, nil
}

func (c Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite", "mongo":
	default:
		return errors.Newf("unknown store driver %q (want memory, sqlite or mongo)", c.Store.Driver)
	}
	if c.Server.RateLimit <= 0 || c.Server.RateBurst < 1 {
		return errors.New("rate limit must be positive")
	}
	if _, err := c.Booking.Location(); err != nil {
		return err
	}
	return nil
}

// LoadConfig reads an optional .env file, then the environment.
func LoadConfig(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !os.IsNotExist(err) {
		return Config{}, errors.Wrap(err, "failed to load env file")
	}
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to process env config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewLogger builds the process logger. Format "json" writes one JSON
// object per line; anything else writes human-readable console output.
func NewLogger(cfg LogConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func NewTestConfig() Config {
	return Config{
		Server: ServerConfig{Port: 8889, RateLimit: 1000, RateBurst: 1000},
		Store:  StoreConfig{Driver: "memory"},
		Booking: BookingConfig{
			TimeZone:          "UTC",
			ReconcileInterval: time.Hour,
		},
		Log: LogConfig{Level: "error", Format: "json"},
	}
}
