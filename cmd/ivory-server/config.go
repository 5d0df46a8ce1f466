package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"gosuda.org/ivory/rpc"
)

const (
	transportTCP = "tcp"
	transportWS  = "ws"
)

type ServerConfig struct {
	Address        string        `yaml:"address"`
	Transport      string        `yaml:"transport"`
	WSPath         string        `yaml:"ws_path"`
	MaxConnections int64         `yaml:"max_connections"`
	MaxFrameSize   string        `yaml:"max_frame_size"`
	BackoffUnit    time.Duration `yaml:"backoff_unit"`
	MetricsListen  string        `yaml:"metrics_listen"`
	LogLevel       string        `yaml:"log_level"`
}

func defaultConfig() ServerConfig {
	return ServerConfig{
		Address:     rpc.DefaultAddress,
		Transport:   transportTCP,
		WSPath:      "/rpc",
		BackoffUnit: rpc.DefaultBackoffUnit,
		LogLevel:    "info",
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *ServerConfig) validate() error {
	var errs []string

	if strings.TrimSpace(cfg.Address) == "" {
		errs = append(errs, "address is required")
	}
	switch cfg.Transport {
	case transportTCP:
	case transportWS:
		if !strings.HasPrefix(cfg.WSPath, "/") {
			errs = append(errs, fmt.Sprintf("ws_path: %q must start with /", cfg.WSPath))
		}
	default:
		errs = append(errs, fmt.Sprintf("transport: unknown transport %q (want tcp or ws)", cfg.Transport))
	}
	if cfg.MaxConnections < 0 {
		errs = append(errs, "max_connections: must not be negative")
	}
	if _, err := cfg.maxFrameBytes(); err != nil {
		errs = append(errs, fmt.Sprintf("max_frame_size: %v", err))
	}
	if cfg.BackoffUnit <= 0 {
		errs = append(errs, "backoff_unit: must be positive")
	}
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, fmt.Sprintf("log_level: %v", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config:\n - %s", strings.Join(errs, "\n - "))
	}
	return nil
}

// maxFrameBytes parses MaxFrameSize ("16MiB", "64kB"); empty means unbounded.
func (cfg *ServerConfig) maxFrameBytes() (int, error) {
	s := strings.TrimSpace(cfg.MaxFrameSize)
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > 1<<31-1 {
		return 0, fmt.Errorf("%s exceeds the largest frame", humanize.IBytes(n))
	}
	return int(n), nil
}
