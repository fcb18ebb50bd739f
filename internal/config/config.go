// Package config loads flowtrain's service configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/juicywoowowow/flowtrain/internal/trainer"
)

// Defaults.
const (
	DefaultDataDir    = "data"
	DefaultStatePath  = "flowtrain.db"
	DefaultListenAddr = ":8000"
	DefaultConfigFile = "flowtrain.yaml"
	EnvPrefix         = "FLOWTRAIN_"
)

// Config is the service configuration.
type Config struct {
	DataDir         string   `koanf:"data_dir"`
	CIFARDir        string   `koanf:"cifar_dir"`
	VerifyChecksums bool     `koanf:"verify_checksums"`
	StatePath       string   `koanf:"state_path"`
	ListenAddr      string   `koanf:"listen_addr"`
	AllowedOrigins  []string `koanf:"allowed_origins"`
	Device          string   `koanf:"device"`
	Seed            int64    `koanf:"seed"`
	LogLevel        string   `koanf:"log_level"`
	LogFormat       string   `koanf:"log_format"`

	// Training holds the defaults of per-job settings.
	Training trainer.Config `koanf:"training"`
}

// Options controls where Load looks.
type Options struct {
	// File is an explicit config file. When empty, ./flowtrain.yaml is used
	// if it exists.
	File string
	// DotEnv is loaded into the process environment before anything else.
	// A missing file is ignored.
	DotEnv string
	// Flags override every other source. Only flags set on the command line
	// count; names are mapped from kebab-case to snake_case.
	Flags *pflag.FlagSet
}

func defaults() map[string]any {
	t := trainer.DefaultConfig()
	return map[string]any{
		"data_dir":               DefaultDataDir,
		"cifar_dir":              "",
		"verify_checksums":       true,
		"state_path":             DefaultStatePath,
		"listen_addr":            DefaultListenAddr,
		"device":                 "auto",
		"seed":                   42,
		"log_level":              "info",
		"log_format":             "text",
		"training.epochs":        t.Epochs,
		"training.batch_size":    t.BatchSize,
		"training.train_split":   t.TrainSplit,
		"training.optimizer":     t.Optimizer,
		"training.learning_rate": t.LearningRate,
	}
}

// Load reads configuration with precedence flags > env vars > config file >
// defaults, and validates it.
func Load(opts Options) (*Config, error) {
	if opts.DotEnv != "" {
		if err := loadDotEnv(opts.DotEnv); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", opts.DotEnv, err)
		}
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	path := opts.File
	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	// FLOWTRAIN_DATA_DIR -> data_dir
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	if opts.Flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(opts.Flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed {
				return "", nil
			}
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(opts.Flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("config: load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadDotEnv loads environment variables from path. Missing files are ignored.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Validate checks the service settings. Training defaults are checked per
// job.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("data_dir must not be empty"))
	}
	if strings.TrimSpace(c.StatePath) == "" {
		errs = append(errs, errors.New("state_path must not be empty"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log_level must be debug, info, warn or error, got %q", s)
	}
	return l, nil
}

// Logger builds the configured logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
