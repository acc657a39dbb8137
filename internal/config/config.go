// Package config provides configuration for the outliner backend.
//
// Configuration is assembled in layers, lowest priority first:
//  1. Defaults (in code)
//  2. A YAML or JSON file (outliner.yaml by default)
//  3. Environment variables prefixed with OUTLINER_
//
// The result is validated with struct tags before use.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the complete application configuration.
type Config struct {
	Environment Environment `yaml:"environment" json:"environment" validate:"required,oneof=development staging production"`

	Server         Server         `yaml:"server" json:"server"`
	Logging        Logging        `yaml:"logging" json:"logging"`
	Backend        Backend        `yaml:"backend" json:"backend"`
	CircuitBreaker CircuitBreaker `yaml:"circuitBreaker" json:"circuitBreaker"`
	Sync           Sync           `yaml:"sync" json:"sync"`
	Events         Events         `yaml:"events" json:"events"`
	Hierarchy      Hierarchy      `yaml:"hierarchy" json:"hierarchy"`
	Metrics        Metrics        `yaml:"metrics" json:"metrics"`
	Tracing        Tracing        `yaml:"tracing" json:"tracing"`

	// LoadedFrom lists the sources that contributed to this configuration.
	LoadedFrom []string `yaml:"-" json:"-"`
}

// Server configures the small HTTP surface (health, sync status, metrics).
type Server struct {
	Addr            string        `yaml:"addr" json:"addr" validate:"required"`
	RequestTimeout  time.Duration `yaml:"requestTimeout" json:"requestTimeout" validate:"min=0"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" json:"shutdownTimeout" validate:"min=0"`
}

// Logging configures the zap logger.
type Logging struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"oneof=json console"`
}

// Backend selects and configures the durable store.
type Backend struct {
	Driver      string        `yaml:"driver" json:"driver" validate:"required,oneof=memory dynamodb sqlite"`
	TableName   string        `yaml:"tableName" json:"tableName" validate:"required_if=Driver dynamodb"`
	IndexName   string        `yaml:"indexName" json:"indexName" validate:"required_if=Driver dynamodb"`
	Region      string        `yaml:"region" json:"region"`
	Endpoint    string        `yaml:"endpoint" json:"endpoint"`
	SQLitePath  string        `yaml:"sqlitePath" json:"sqlitePath" validate:"required_if=Driver sqlite"`
	CallTimeout time.Duration `yaml:"callTimeout" json:"callTimeout" validate:"gt=0"`
}

// CircuitBreaker configures the breaker wrapped around backend calls.
type CircuitBreaker struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	MaxRequests      uint32        `yaml:"maxRequests" json:"maxRequests" validate:"min=1"`
	Interval         time.Duration `yaml:"interval" json:"interval"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
	FailureThreshold float64       `yaml:"failureThreshold" json:"failureThreshold" validate:"gt=0,lte=1"`
	MinRequests      uint32        `yaml:"minRequests" json:"minRequests" validate:"min=1"`
}

// Sync configures the remote change stream and the reconnection policy.
type Sync struct {
	Enabled              bool          `yaml:"enabled" json:"enabled"`
	URL                  string        `yaml:"url" json:"url" validate:"required_if=Enabled true"`
	MaxReconnectAttempts int           `yaml:"maxReconnectAttempts" json:"maxReconnectAttempts" validate:"min=1,max=100"`
	InitialBackoff       time.Duration `yaml:"initialBackoff" json:"initialBackoff" validate:"gt=0"`
	MaxBackoff           time.Duration `yaml:"maxBackoff" json:"maxBackoff" validate:"gtefield=InitialBackoff"`
	BackoffFactor        float64       `yaml:"backoffFactor" json:"backoffFactor" validate:"gte=1"`
	BackoffJitter        float64       `yaml:"backoffJitter" json:"backoffJitter" validate:"gte=0,lt=1"`
	PingInterval         time.Duration `yaml:"pingInterval" json:"pingInterval" validate:"gt=0"`
	StatusHistorySize    int           `yaml:"statusHistorySize" json:"statusHistorySize" validate:"min=1"`
}

// Events configures the domain event bus and the optional EventBridge forwarder.
type Events struct {
	BatchEnabled     bool          `yaml:"batchEnabled" json:"batchEnabled"`
	BatchWindow      time.Duration `yaml:"batchWindow" json:"batchWindow" validate:"required_if=BatchEnabled true"`
	MaxBatchSize     int           `yaml:"maxBatchSize" json:"maxBatchSize" validate:"min=1"`
	ForwardEnabled   bool          `yaml:"forwardEnabled" json:"forwardEnabled"`
	EventBusName     string        `yaml:"eventBusName" json:"eventBusName" validate:"required_if=ForwardEnabled true"`
	Source           string        `yaml:"source" json:"source"`
	ForwardInterval  time.Duration `yaml:"forwardInterval" json:"forwardInterval" validate:"gt=0"`
	ForwardQueueSize int           `yaml:"forwardQueueSize" json:"forwardQueueSize" validate:"min=1"`
}

// Hierarchy configures fractional ordering.
type Hierarchy struct {
	// RebalanceStride is the spacing between siblings after a re-stride.
	RebalanceStride float64 `yaml:"rebalanceStride" json:"rebalanceStride" validate:"gt=0"`
	// MinOrderGap is the smallest distinguishable gap between adjacent orders; below it
	// the parent's children are re-strided.
	MinOrderGap float64 `yaml:"minOrderGap" json:"minOrderGap" validate:"gt=0"`
}

// Metrics configures the Prometheus collector.
type Metrics struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Namespace string `yaml:"namespace" json:"namespace" validate:"required"`
	Path      string `yaml:"path" json:"path"`
}

// Tracing configures OpenTelemetry export.
type Tracing struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Endpoint    string  `yaml:"endpoint" json:"endpoint" validate:"required_if=Enabled true"`
	ServiceName string  `yaml:"serviceName" json:"serviceName"`
	SampleRate  float64 `yaml:"sampleRate" json:"sampleRate" validate:"gte=0,lte=1"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
}

// Default returns a configuration with sensible defaults for env.
func Default(env Environment) *Config {
	if env == "" {
		env = Development
	}
	return &Config{
		Environment: env,
		Server: Server{
			Addr:            ":8080",
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		Backend: Backend{
			Driver:      "memory",
			TableName:   "outliner-" + strings.ToLower(string(env)),
			IndexName:   "ParentIndex",
			Region:      "us-east-1",
			SQLitePath:  "outliner.sqlite",
			CallTimeout: 10 * time.Second,
		},
		CircuitBreaker: CircuitBreaker{
			Enabled:          true,
			MaxRequests:      5,
			Interval:         30 * time.Second,
			Timeout:          60 * time.Second,
			FailureThreshold: 0.8,
			MinRequests:      5,
		},
		Sync: Sync{
			Enabled:              false,
			MaxReconnectAttempts: 5,
			InitialBackoff:       500 * time.Millisecond,
			MaxBackoff:           30 * time.Second,
			BackoffFactor:        2.0,
			BackoffJitter:        0.1,
			PingInterval:         30 * time.Second,
			StatusHistorySize:    50,
		},
		Events: Events{
			BatchEnabled:     false,
			BatchWindow:      16 * time.Millisecond,
			MaxBatchSize:     50,
			Source:           "outliner-backend",
			EventBusName:     "default",
			ForwardInterval:  time.Second,
			ForwardQueueSize: 1000,
		},
		Hierarchy: Hierarchy{
			RebalanceStride: 1.0,
			MinOrderGap:     1e-9,
		},
		Metrics: Metrics{
			Enabled:   true,
			Namespace: "outliner",
			Path:      "/metrics",
		},
		Tracing: Tracing{
			Enabled:     false,
			ServiceName: "outliner-backend",
			SampleRate:  0.1,
		},
	}
}

var validate = validator.New()

// Validate checks the configuration against its struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var msgs []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// IsProduction reports whether the configuration targets production.
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}
