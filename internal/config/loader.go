package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable the loader reads.
const EnvPrefix = "OUTLINER_"

// Loader handles loading configuration from multiple sources.
type Loader struct {
	basePath    string
	environment Environment
	sources     []string
	fileLoaders map[string]FileLoader
	lookupEnv   func(string) (string, bool)
}

// FileLoader decodes one configuration file format.
type FileLoader interface {
	Load(reader io.Reader, target interface{}) error
	Extension() string
}

// NewLoader creates a loader reading files from basePath.
func NewLoader(basePath string, env Environment) *Loader {
	if basePath == "" {
		basePath = "config"
	}
	l := &Loader{
		basePath:    basePath,
		environment: env,
		fileLoaders: make(map[string]FileLoader),
		lookupEnv:   os.LookupEnv,
	}
	l.RegisterLoader(&YAMLLoader{})
	l.RegisterLoader(&JSONLoader{})
	return l
}

// RegisterLoader registers a file loader for its extension.
func (l *Loader) RegisterLoader(loader FileLoader) {
	l.fileLoaders[loader.Extension()] = loader
}

// WithEnvLookup replaces the environment lookup; used by tests.
func (l *Loader) WithEnvLookup(fn func(string) (string, bool)) *Loader {
	l.lookupEnv = fn
	return l
}

// Load builds the configuration. Priority, lowest first:
//  1. Defaults
//  2. base.{yaml,yml,json}
//  3. <environment>.{yaml,yml,json}
//  4. OUTLINER_* environment variables
func (l *Loader) Load() (*Config, error) {
	l.sources = l.sources[:0]

	env := l.environment
	if v, ok := l.lookupEnv(EnvPrefix + "ENV"); ok && v != "" {
		env = Environment(strings.ToLower(v))
	}

	cfg := Default(env)
	l.sources = append(l.sources, "defaults")

	if err := l.loadFile("base", cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load base config: %w", err)
	}

	envFile := strings.ToLower(string(cfg.Environment))
	if err := l.loadFile(envFile, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s config: %w", envFile, err)
	}

	if err := l.loadEnvironmentVariables(cfg); err != nil {
		return nil, err
	}
	l.sources = append(l.sources, "environment")
	cfg.LoadedFrom = append([]string(nil), l.sources...)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile tries every registered extension for name, in a stable order.
func (l *Loader) loadFile(name string, cfg *Config) error {
	exts := make([]string, 0, len(l.fileLoaders))
	for ext := range l.fileLoaders {
		exts = append(exts, ext)
	}
	sort.Strings(exts)

	for _, ext := range exts {
		path := filepath.Join(l.basePath, name+"."+ext)
		if err := l.loadPath(path, l.fileLoaders[ext], cfg); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		return nil
	}
	return os.ErrNotExist
}

func (l *Loader) loadPath(path string, loader FileLoader, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := loader.Load(file, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	l.sources = append(l.sources, path)
	return nil
}

// loadEnvironmentVariables overlays OUTLINER_* variables on cfg.
func (l *Loader) loadEnvironmentVariables(cfg *Config) error {
	var errs []string

	str := func(key string, dst *string) {
		if v, ok := l.lookupEnv(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := l.lookupEnv(EnvPrefix + key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := l.lookupEnv(EnvPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := l.lookupEnv(EnvPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("SERVER_ADDR", &cfg.Server.Addr)

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)

	str("BACKEND_DRIVER", &cfg.Backend.Driver)
	str("TABLE_NAME", &cfg.Backend.TableName)
	str("INDEX_NAME", &cfg.Backend.IndexName)
	str("AWS_REGION", &cfg.Backend.Region)
	str("DYNAMODB_ENDPOINT", &cfg.Backend.Endpoint)
	str("SQLITE_PATH", &cfg.Backend.SQLitePath)
	duration("BACKEND_CALL_TIMEOUT", &cfg.Backend.CallTimeout)

	boolean("CIRCUIT_BREAKER_ENABLED", &cfg.CircuitBreaker.Enabled)

	boolean("SYNC_ENABLED", &cfg.Sync.Enabled)
	str("SYNC_URL", &cfg.Sync.URL)
	integer("SYNC_MAX_RECONNECT_ATTEMPTS", &cfg.Sync.MaxReconnectAttempts)
	duration("SYNC_INITIAL_BACKOFF", &cfg.Sync.InitialBackoff)
	duration("SYNC_MAX_BACKOFF", &cfg.Sync.MaxBackoff)

	boolean("EVENTS_BATCH_ENABLED", &cfg.Events.BatchEnabled)
	duration("EVENTS_BATCH_WINDOW", &cfg.Events.BatchWindow)
	integer("EVENTS_MAX_BATCH_SIZE", &cfg.Events.MaxBatchSize)
	boolean("EVENTS_FORWARD_ENABLED", &cfg.Events.ForwardEnabled)
	str("EVENT_BUS_NAME", &cfg.Events.EventBusName)

	boolean("METRICS_ENABLED", &cfg.Metrics.Enabled)
	boolean("TRACING_ENABLED", &cfg.Tracing.Enabled)
	str("TRACING_ENDPOINT", &cfg.Tracing.Endpoint)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment overrides: %s", strings.Join(errs, "; "))
	}
	return nil
}

// YAMLLoader loads YAML configuration files.
type YAMLLoader struct{}

func (y *YAMLLoader) Load(reader io.Reader, target interface{}) error {
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (y *YAMLLoader) Extension() string {
	return "yaml"
}

// JSONLoader loads JSON configuration files.
type JSONLoader struct{}

func (j *JSONLoader) Load(reader io.Reader, target interface{}) error {
	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func (j *JSONLoader) Extension() string {
	return "json"
}

// Load is a convenience wrapper: NewLoader(basePath, env).Load().
func Load(basePath string, env Environment) (*Config, error) {
	return NewLoader(basePath, env).Load()
}
