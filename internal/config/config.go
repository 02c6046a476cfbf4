// Package config reads settings from flags, KAATAQ_* environment variables
// and an optional .env file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/DoyleJ11/kaataq/internal/engine"
	"github.com/DoyleJ11/kaataq/internal/session"
)

const EnvPrefix = "KAATAQ"

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

type Config struct {
	// Server
	Addr             string
	Backend          string
	DatabaseURL      string
	PublicURL        string
	SubscriberBuffer int

	// Client
	StoreURL         string
	VotingSeconds    int
	RevealDelay      time.Duration
	TickInterval     time.Duration
	Consistency      string
	CodeAttempts     int
	BotPace          float64
	CloseOnHostLeave bool
	AllowRevote      bool

	LogLevel  string
	LogFormat string
}

func normalize(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func commonFlags(fs *pflag.FlagSet, cfg *Config, level string) {
	fs.SetNormalizeFunc(normalize)
	fs.StringVar(&cfg.LogLevel, "log-level", level, "debug, info, warn or error (env: KAATAQ_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format", "console", "console or json (env: KAATAQ_LOG_FORMAT)")
}

// ServerFlags registers the store server's flags on fs.
func ServerFlags(fs *pflag.FlagSet, cfg *Config) {
	commonFlags(fs, cfg, "info")
	fs.StringVar(&cfg.Addr, "addr", ":8080", "address to listen on (env: KAATAQ_ADDR)")
	fs.StringVar(&cfg.Backend, "backend", BackendMemory, "room storage: memory or postgres (env: KAATAQ_BACKEND)")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "postgres connection string (env: KAATAQ_DATABASE_URL)")
	fs.StringVar(&cfg.PublicURL, "public-url", "http://localhost:8080", "base URL encoded in join QR codes (env: KAATAQ_PUBLIC_URL)")
	fs.IntVar(&cfg.SubscriberBuffer, "subscriber-buffer", 32, "snapshots a subscriber may lag before it is dropped (env: KAATAQ_SUBSCRIBER_BUFFER)")
	fs.IntVar(&cfg.CodeAttempts, "code-attempts", 10, "codes POST /rooms/code tries before giving up (env: KAATAQ_CODE_ATTEMPTS)")
}

// ClientFlags registers the terminal client's flags on fs.
func ClientFlags(fs *pflag.FlagSet, cfg *Config) {
	commonFlags(fs, cfg, "warn")
	fs.StringVar(&cfg.StoreURL, "store-url", "http://localhost:8080", "room store server (env: KAATAQ_STORE_URL)")
	fs.IntVar(&cfg.VotingSeconds, "voting-seconds", 30, "cosmetic voting countdown (env: KAATAQ_VOTING_SECONDS)")
	fs.DurationVar(&cfg.RevealDelay, "reveal-delay", time.Second, "pause between choosing a hand and opening the vote (env: KAATAQ_REVEAL_DELAY)")
	fs.DurationVar(&cfg.TickInterval, "tick-interval", time.Second, "countdown tick (env: KAATAQ_TICK_INTERVAL)")
	fs.StringVar(&cfg.Consistency, "consistency", string(session.Strict), "strict or legacy writes (env: KAATAQ_CONSISTENCY)")
	fs.IntVar(&cfg.CodeAttempts, "code-attempts", 3, "room codes to try before giving up (env: KAATAQ_CODE_ATTEMPTS)")
	fs.Float64Var(&cfg.BotPace, "bot-pace", 1, "bot think-time multiplier, 0 for instant (env: KAATAQ_BOT_PACE)")
	fs.BoolVar(&cfg.CloseOnHostLeave, "close-on-host-leave", true, "delete the room when its host leaves (env: KAATAQ_CLOSE_ON_HOST_LEAVE)")
	fs.BoolVar(&cfg.AllowRevote, "allow-revote", true, "let voters change their guess (env: KAATAQ_ALLOW_REVOTE)")
}

// Load fills unset flags from the environment. A .env file in the working
// directory is read first if present; real environment variables win.
func Load(fs *pflag.FlagSet) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var errs error
	fs.VisitAll(func(f *pflag.Flag) {
		errs = multierr.Append(errs, v.BindPFlag(f.Name, f))
		errs = multierr.Append(errs, v.BindEnv(f.Name))
		if !f.Changed && v.IsSet(f.Name) {
			if err := fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name))); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s_%s: %w", EnvPrefix, envName(f.Name), err))
			}
		}
	})
	return errs
}

func envName(flag string) string {
	return strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

func (c *Config) ValidateServer() error {
	var errs error
	switch c.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = multierr.Append(errs, errors.New("--database-url is required with --backend=postgres"))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown backend %q (want memory or postgres)", c.Backend))
	}
	if c.Addr == "" {
		errs = multierr.Append(errs, errors.New("--addr must not be empty"))
	}
	if c.SubscriberBuffer < 1 {
		errs = multierr.Append(errs, fmt.Errorf("invalid subscriber buffer (must be at least 1): %d", c.SubscriberBuffer))
	}
	if c.CodeAttempts < 1 {
		errs = multierr.Append(errs, fmt.Errorf("invalid code attempts (must be at least 1): %d", c.CodeAttempts))
	}
	return multierr.Append(errs, c.validateLogging())
}

func (c *Config) ValidateClient() error {
	var errs error
	if c.StoreURL == "" {
		errs = multierr.Append(errs, errors.New("--store-url must not be empty"))
	}
	if c.VotingSeconds < 1 {
		errs = multierr.Append(errs, fmt.Errorf("invalid voting seconds (must be at least 1): %d", c.VotingSeconds))
	}
	if c.RevealDelay < 0 {
		errs = multierr.Append(errs, fmt.Errorf("invalid reveal delay: %s", c.RevealDelay))
	}
	if c.TickInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("invalid tick interval: %s", c.TickInterval))
	}
	if !session.Consistency(c.Consistency).Valid() {
		errs = multierr.Append(errs, fmt.Errorf("unknown consistency %q (want strict or legacy)", c.Consistency))
	}
	if c.CodeAttempts < 1 {
		errs = multierr.Append(errs, fmt.Errorf("invalid code attempts (must be at least 1): %d", c.CodeAttempts))
	}
	if c.BotPace < 0 {
		errs = multierr.Append(errs, fmt.Errorf("invalid bot pace (must not be negative): %v", c.BotPace))
	}
	return multierr.Append(errs, c.validateLogging())
}

func (c *Config) validateLogging() error {
	var errs error
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		errs = multierr.Append(errs, fmt.Errorf("unknown log format %q (want console or json)", c.LogFormat))
	}
	return errs
}

func (c *Config) Rules() engine.Rules {
	r := engine.DefaultRules()
	r.AllowRevote = c.AllowRevote
	r.CloseOnHostLeave = c.CloseOnHostLeave
	return r
}

func (c *Config) SessionOptions(log *zap.Logger) session.Options {
	o := session.DefaultOptions()
	o.Consistency = session.Consistency(c.Consistency)
	o.VotingTime = time.Duration(c.VotingSeconds) * time.Second
	o.RevealDelay = c.RevealDelay
	o.TickInterval = c.TickInterval
	o.CodeAttempts = c.CodeAttempts
	o.BotPace = c.BotPace
	o.Rules = c.Rules()
	o.Logger = log
	return o
}

// NewLogger builds a zap logger. The console format is meant for a terminal,
// json for log shippers.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
