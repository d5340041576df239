// Package config loads the rtwstress configuration from YAML, with
// RTWSTRESS_* environment overrides (optionally from a .env file).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "RTWSTRESS_"

type Config struct {
	Stress Stress `yaml:"stress"`
	Server Server `yaml:"server"`
	Log    Log    `yaml:"log"`
}

type Stress struct {
	Readers    int `yaml:"readers"`
	Writers    int `yaml:"writers"`
	Upgraders  int `yaml:"upgraders"` // unreserved Upgrade callers
	Reservers  int `yaml:"reservers"` // RTWLock + Upgrade callers
	Iterations int `yaml:"iterations"`
	// WriteRate caps Lock calls per second across all writers; 0 means unlimited.
	WriteRate          float64       `yaml:"write_rate"`
	ReserveWriterLimit int           `yaml:"reserve_writer_limit"`
	Timeout            time.Duration `yaml:"timeout"` // e.g. "30s"
}

type Server struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"` // e.g. ":8080"
}

type Log struct {
	Level string `yaml:"level"` // zerolog level name
}

// Default is the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Stress: Stress{
			Readers:            8,
			Writers:            2,
			Upgraders:          2,
			Reservers:          2,
			Iterations:         1000,
			ReserveWriterLimit: 16,
			Timeout:            time.Minute,
		},
		Server: Server{Addr: ":8080"},
		Log:    Log{Level: "info"},
	}
}

// LoadEnvFiles reads .env style files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadEnvFiles(files ...string) error {
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", file, err)
		}
	}
	return nil
}

// Load reads path on top of Default, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		abs, err := filepath.Abs(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute config filepath: %w", err)
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, fmt.Errorf("read config yaml file %s: %w", abs, err)
		}
		if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal yaml from %s: %w", abs, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	ints := map[string]*int{
		"READERS":              &cfg.Stress.Readers,
		"WRITERS":              &cfg.Stress.Writers,
		"UPGRADERS":            &cfg.Stress.Upgraders,
		"RESERVERS":            &cfg.Stress.Reservers,
		"ITERATIONS":           &cfg.Stress.Iterations,
		"RESERVE_WRITER_LIMIT": &cfg.Stress.ReserveWriterLimit,
	}
	for key, dst := range ints {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
	}

	if v, ok := lookup(EnvPrefix + "WRITE_RATE"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse %sWRITE_RATE: %w", EnvPrefix, err)
		}
		cfg.Stress.WriteRate = f
	}
	if v, ok := lookup(EnvPrefix + "TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %sTIMEOUT: %w", EnvPrefix, err)
		}
		cfg.Stress.Timeout = d
	}
	if v, ok := lookup(EnvPrefix + "SERVER_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse %sSERVER_ENABLED: %w", EnvPrefix, err)
		}
		cfg.Server.Enabled = b
	}
	if v, ok := lookup(EnvPrefix + "SERVER_ADDR"); ok {
		cfg.Server.Addr = v
	}
	if v, ok := lookup(EnvPrefix + "LOG_LEVEL"); ok {
		cfg.Log.Level = v
	}
	return nil
}

var ErrInvalid = errors.New("invalid config")

// Validate rejects configurations the stress run cannot execute.
func (cfg *Config) Validate() error {
	s := cfg.Stress
	switch {
	case s.Readers < 0 || s.Writers < 0 || s.Upgraders < 0 || s.Reservers < 0:
		return fmt.Errorf("%w: negative worker count", ErrInvalid)
	case s.Readers+s.Writers+s.Upgraders+s.Reservers == 0:
		return fmt.Errorf("%w: no workers", ErrInvalid)
	case s.Iterations <= 0:
		return fmt.Errorf("%w: iterations must be positive, got %d", ErrInvalid, s.Iterations)
	case s.WriteRate < 0:
		return fmt.Errorf("%w: negative write_rate", ErrInvalid)
	case cfg.Server.Enabled && cfg.Server.Addr == "":
		return fmt.Errorf("%w: server enabled without addr", ErrInvalid)
	}
	return nil
}
