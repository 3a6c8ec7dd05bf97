// Package config provides configuration for the live import server.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the server configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Database
	DatabaseURL string

	// Live import
	TripTime      time.Duration
	ReapInterval  time.Duration
	ProjectConfig string

	// Logging
	LogLevel string

	Project ProjectConfig
}

// Load loads configuration from environment variables and, when
// PROJECT_CONFIG is set, from the project file it points to.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:      getEnvInt("HTTP_PORT", 8080),
		DatabaseURL:   getEnv("DATABASE_URL", "file:bublik.db?cache=shared&mode=rwc"),
		TripTime:      time.Duration(getEnvInt("TRIP_TIME_S", 60)) * time.Second,
		ReapInterval:  time.Duration(getEnvInt("REAP_INTERVAL_MS", 0)) * time.Millisecond,
		ProjectConfig: getEnv("PROJECT_CONFIG", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		Project:       DefaultProjectConfig(),
	}
	if cfg.ProjectConfig != "" {
		pc, err := LoadProjectFile(cfg.ProjectConfig)
		if err != nil {
			return nil, err
		}
		cfg.Project = *pc
	}
	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
