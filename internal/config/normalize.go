package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.DefsDir, err = expandPath(c.Paths.DefsDir); err != nil {
		return fmt.Errorf("paths.defs_dir: %w", err)
	}
	if c.Comfy.InputDir, err = expandPath(c.Comfy.InputDir); err != nil {
		return fmt.Errorf("comfy.input_dir: %w", err)
	}

	c.Comfy.BaseURL = strings.TrimRight(strings.TrimSpace(c.Comfy.BaseURL), "/")
	if c.Comfy.HealthcheckPath == "" {
		c.Comfy.HealthcheckPath = defaultHealthcheckPath
	}
	if len(c.Worker.BackoffSteps) == 0 {
		c.Worker.BackoffSteps = []int{5, 10, 30, 60}
	}

	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	return nil
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if trimmed == "~" {
			return home, nil
		}
		return filepath.Join(home, trimmed[2:]), nil
	}
	return filepath.Abs(trimmed)
}
