// Package config loads the engine configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/depscope/vulnmatch/util"
)

// Config is the full configuration surface of the matching engine.
// The API key affects only the source quota tier, never matching logic.
type Config struct {
	APIKey            string            `yaml:"api_key"`
	CacheDir          string            `yaml:"cache_dir"`
	CacheTTL          time.Duration     `yaml:"cache_ttl"`
	Workers           int               `yaml:"workers"`
	RunDeadline       time.Duration     `yaml:"run_deadline"`
	SeverityThreshold float64           `yaml:"severity_threshold"`
	FuzzyThreshold    float64           `yaml:"fuzzy_threshold"`
	MaxRetries        int               `yaml:"max_retries"`
	PageSize          int               `yaml:"page_size"`
	DaysBack          int               `yaml:"days_back"`
	ExactMappings     map[string]string `yaml:"exact_mappings"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		CacheDir:          "./cve_cache",
		CacheTTL:          24 * time.Hour,
		Workers:           4,
		RunDeadline:       30 * time.Minute,
		SeverityThreshold: 0.0,
		FuzzyThreshold:    0.85,
		MaxRetries:        3,
		PageSize:          200,
		DaysBack:          120,
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then environment variables. An unreadable or malformed file is a
// fatal configuration error; a missing file is not.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.APIKey = GetEnvDefault("NVD_API_KEY", cfg.APIKey)
	cfg.CacheDir = GetEnvDefault("VULNMATCH_CACHE_DIR", cfg.CacheDir)
	cfg.CacheTTL = envDuration("VULNMATCH_CACHE_TTL", cfg.CacheTTL)
	cfg.Workers = envInt("VULNMATCH_WORKERS", cfg.Workers)
	cfg.RunDeadline = envDuration("VULNMATCH_DEADLINE", cfg.RunDeadline)
	cfg.SeverityThreshold = envSeverity("VULNMATCH_SEVERITY_THRESHOLD", cfg.SeverityThreshold)
	cfg.FuzzyThreshold = envFloat("VULNMATCH_FUZZY_THRESHOLD", cfg.FuzzyThreshold)
	cfg.MaxRetries = envInt("VULNMATCH_MAX_RETRIES", cfg.MaxRetries)

	if cfg.Workers < 1 {
		return cfg, fmt.Errorf("workers must be at least 1, got %d", cfg.Workers)
	}
	if cfg.FuzzyThreshold <= 0 || cfg.FuzzyThreshold > 1 {
		return cfg, fmt.Errorf("fuzzy_threshold must be in (0,1], got %g", cfg.FuzzyThreshold)
	}

	return cfg, nil
}

// GetEnvDefault is a convenience function for handling env vars
func GetEnvDefault(key, defVal string) string {
	val, ex := os.LookupEnv(key) // get the env var
	if !ex {                     // not found return default
		return defVal
	}
	return val // return value for env var
}

func envInt(key string, defVal int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defVal
}

func envFloat(key string, defVal float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defVal
}

// envSeverity accepts either a numeric CVSS threshold or a rating name
// (LOW, MEDIUM, HIGH, CRITICAL), mapped to its minimum base score.
func envSeverity(key string, defVal float64) float64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defVal
	}
	if v, err := strconv.ParseFloat(val, 64); err == nil {
		return v
	}
	switch strings.ToUpper(val) {
	case "NONE", "LOW", "MEDIUM", "HIGH", "CRITICAL":
		return util.GetSeverityScore(val)
	}
	return defVal
}

func envDuration(key string, defVal time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return defVal
}
