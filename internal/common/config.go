// Package common provides shared utilities for the pageindex web service.
package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the pageindex web service.
type Config struct {
	Environment string        `toml:"environment"`
	Server      ServerConfig  `toml:"server"`
	Indexer     IndexerConfig `toml:"indexer"`
	Clients     ClientsConfig `toml:"clients"`
	Logging     LoggingConfig `toml:"logging"`
	CORS        CORSConfig    `toml:"cors"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// IndexerConfig describes how the external indexing executable is launched.
// RepoRoot is the PageIndex checkout containing run_pageindex.py, logs/ and
// results/; the persistent store lives under <repo_root>/.pageindex-web.
// Command, when set, replaces the "<python_bin> <repo_root>/<script>" argv
// prefix entirely (tests substitute stub executables through it).
type IndexerConfig struct {
	RepoRoot  string   `toml:"repo_root"`
	PythonBin string   `toml:"python_bin"`
	Script    string   `toml:"script"`
	Command   []string `toml:"command"`
}

// BuildArgv returns the argv prefix used to launch the indexer.
func (c *IndexerConfig) BuildArgv() []string {
	if len(c.Command) > 0 {
		return append([]string(nil), c.Command...)
	}
	python := c.PythonBin
	if python == "" {
		python = "python3"
	}
	script := c.Script
	if script == "" {
		script = "run_pageindex.py"
	}
	return []string{python, filepath.Join(c.RepoRoot, script)}
}

// ClientsConfig holds API client configurations
type ClientsConfig struct {
	LLM LLMConfig `toml:"llm"`
}

// LLMConfig holds LLM API configuration
type LLMConfig struct {
	APIKey    string `toml:"api_key"`
	Model     string `toml:"model"`
	RateLimit int    `toml:"rate_limit"`
	Timeout   string `toml:"timeout"`
}

// GetTimeout parses and returns the timeout duration
func (c *LLMConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level    string `toml:"level"`
	FilePath string `toml:"file_path"`
}

// CORSConfig holds the allowed web origins for browser clients.
type CORSConfig struct {
	AllowedOrigins []string `toml:"allowed_origins"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8100,
		},
		Indexer: IndexerConfig{
			RepoRoot:  ".",
			PythonBin: "python3",
			Script:    "run_pageindex.py",
		},
		Clients: ClientsConfig{
			LLM: LLMConfig{
				RateLimit: 2,
				Timeout:   "120s",
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		},
	}
}

// LoadConfig loads configuration from files with environment overrides
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier)
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// Apply environment overrides
	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("PAGEINDEX_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("PAGEINDEX_HOST"); host != "" {
		config.Server.Host = host
	}

	if port := os.Getenv("PAGEINDEX_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if level := os.Getenv("PAGEINDEX_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if root := os.Getenv("PAGEINDEX_REPO_ROOT"); root != "" {
		config.Indexer.RepoRoot = root
	}

	if key := os.Getenv("PAGEINDEX_LLM_API_KEY"); key != "" {
		config.Clients.LLM.APIKey = key
	}

	if model := os.Getenv("PAGEINDEX_LLM_MODEL"); model != "" {
		config.Clients.LLM.Model = model
	}
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
