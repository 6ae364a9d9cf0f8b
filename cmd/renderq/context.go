package main

import (
	"strings"
	"sync"

	"renderq/internal/config"
	"renderq/internal/queue"
	"renderq/internal/workflowdef"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) openStore() (*queue.Store, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return queue.Open(cfg)
}

func (c *commandContext) loadRegistry() (*workflowdef.Registry, []workflowdef.LoadError, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, nil, err
	}
	registry := workflowdef.NewRegistry()
	_, failures := registry.Reload(cfg.Paths.DefsDir)
	return registry, failures, nil
}
