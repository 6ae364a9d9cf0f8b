package testsupport

import (
	"path/filepath"
	"testing"

	"renderq/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.DefsDir = filepath.Join(base, "workflows")
	cfgVal.Comfy.BaseURL = "http://127.0.0.1:8188"
	cfgVal.Comfy.InputDir = filepath.Join(base, "comfy-input")
	cfgVal.Comfy.PollInterval = 1
	cfgVal.Comfy.PollTimeout = 5
	cfgVal.Worker.QueuePollInterval = 1
	cfgVal.Worker.ErrorRetryInterval = 1
	cfgVal.Worker.BackoffSteps = []int{1}

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithComfyBaseURL points the config at a specific backend address, typically
// an httptest server.
func WithComfyBaseURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Comfy.BaseURL = url
	}
}

// WithPollTimeout overrides the execution poll deadline in seconds.
func WithPollTimeout(seconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Comfy.PollTimeout = seconds
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
