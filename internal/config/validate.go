package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateComfy(); err != nil {
		return err
	}
	if err := c.validateWorker(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.DataDir == "" {
		return errors.New("paths.data_dir must be set")
	}
	if c.Paths.DefsDir == "" {
		return errors.New("paths.defs_dir must be set")
	}
	return nil
}

func (c *Config) validateComfy() error {
	if c.Comfy.BaseURL == "" {
		return errors.New("comfy.base_url must be set")
	}
	parsed, err := url.Parse(c.Comfy.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("comfy.base_url is not a valid URL: %q", c.Comfy.BaseURL)
	}
	if c.Comfy.RequestTimeout <= 0 {
		return errors.New("comfy.request_timeout must be positive")
	}
	if c.Comfy.PollInterval <= 0 {
		return errors.New("comfy.poll_interval must be positive")
	}
	if c.Comfy.PollTimeout <= c.Comfy.PollInterval {
		return errors.New("comfy.poll_timeout must exceed comfy.poll_interval")
	}
	return nil
}

func (c *Config) validateWorker() error {
	if c.Worker.QueuePollInterval <= 0 {
		return errors.New("worker.queue_poll_interval must be positive")
	}
	if c.Worker.ErrorRetryInterval <= 0 {
		return errors.New("worker.error_retry_interval must be positive")
	}
	for _, step := range c.Worker.BackoffSteps {
		if step <= 0 {
			return errors.New("worker.backoff_steps must contain positive values")
		}
	}
	return nil
}
