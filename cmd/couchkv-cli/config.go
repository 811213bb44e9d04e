package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pior/couchkv"
)

// Config is the YAML configuration of the CLI.
type Config struct {
	Cluster struct {
		Bucket           string        `yaml:"bucket"`
		Bootstrap        []string      `yaml:"bootstrap"`
		Username         string        `yaml:"username"`
		Password         string        `yaml:"password"`
		KVConnections    int32         `yaml:"kv_connections"`
		ConnectTimeout   time.Duration `yaml:"connect_timeout"`
		OperationTimeout time.Duration `yaml:"operation_timeout"`
		Pool             string        `yaml:"pool"`
	} `yaml:"cluster"`

	Logging Logging `yaml:"logging"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
}

// Logging configures the zerolog logger and its rolling file.
type Logging struct {
	Level              string `yaml:"level"`
	FileLoggingEnabled bool   `yaml:"file_logging_enabled"`
	Filename           string `yaml:"filename"`
	MaxSize            int    `yaml:"max_size"` // megabytes
	MaxBackups         int    `yaml:"max_backups"`
	MaxAge             int    `yaml:"max_age"` // days
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Cluster.Bucket = "default"
	cfg.Cluster.Bootstrap = []string{"localhost:8091"}
	cfg.Cluster.Pool = "channel"
	cfg.Logging.Level = "info"
	cfg.Logging.Filename = "couchkv-cli.log"
	cfg.Logging.MaxSize = 100
	cfg.Logging.MaxBackups = 3
	cfg.Logging.MaxAge = 7
	return cfg
}

// loadConfig reads path over the defaults. An empty path returns the defaults.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Cluster.Bucket == "" {
		return fmt.Errorf("cluster.bucket is required")
	}
	if len(c.Cluster.Bootstrap) == 0 {
		return fmt.Errorf("cluster.bootstrap needs at least one endpoint")
	}
	switch c.Cluster.Pool {
	case "", "channel", "puddle":
	default:
		return fmt.Errorf("unknown cluster.pool %q", c.Cluster.Pool)
	}
	return nil
}

// clientConfig converts the file configuration to a client configuration.
func (c *Config) clientConfig() couchkv.Config {
	config := couchkv.Config{
		Bucket:           c.Cluster.Bucket,
		Bootstrap:        c.Cluster.Bootstrap,
		Username:         c.Cluster.Username,
		Password:         c.Cluster.Password,
		KVConnections:    c.Cluster.KVConnections,
		ConnectTimeout:   c.Cluster.ConnectTimeout,
		OperationTimeout: c.Cluster.OperationTimeout,
		NewCircuitBreaker: couchkv.NewCircuitBreakerConfig(
			5, time.Minute, 10*time.Second,
		),
	}
	if c.Cluster.Pool == "puddle" {
		config.Pool = couchkv.NewPuddlePool
	}
	return config
}
