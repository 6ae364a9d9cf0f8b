package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"renderq/internal/config"
)

func TestLoadDefaultsWithAbsentFile(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	if cfg.Paths.DataDir != filepath.Join(tempHome, ".local", "share", "renderq") {
		t.Fatalf("unexpected data dir: %q", cfg.Paths.DataDir)
	}
	if cfg.Paths.DefsDir != filepath.Join(tempHome, ".config", "renderq", "workflows") {
		t.Fatalf("unexpected defs dir: %q", cfg.Paths.DefsDir)
	}
	if cfg.Comfy.BaseURL != "http://127.0.0.1:8188" {
		t.Fatalf("unexpected base url: %q", cfg.Comfy.BaseURL)
	}
	if cfg.Comfy.HealthcheckPath != "/system_stats" {
		t.Fatalf("unexpected healthcheck path: %q", cfg.Comfy.HealthcheckPath)
	}
	if cfg.Comfy.PollTimeout != 7200 {
		t.Fatalf("unexpected poll timeout: %d", cfg.Comfy.PollTimeout)
	}
	if len(cfg.Worker.BackoffSteps) != 4 || cfg.Worker.BackoffSteps[0] != 5 {
		t.Fatalf("unexpected backoff steps: %v", cfg.Worker.BackoffSteps)
	}
	if cfg.Logging.Format != "console" || cfg.Logging.Level != "info" {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoadOverridesAndNormalizes(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "config.toml")
	content := `
[paths]
data_dir = "` + filepath.Join(base, "data") + `"
defs_dir = "` + filepath.Join(base, "defs") + `"
log_dir = "` + filepath.Join(base, "logs") + `"

[comfy]
base_url = "http://gpu-box:8188/"
input_dir = "` + filepath.Join(base, "input") + `"

[logging]
format = "JSON"
level = "Debug"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected file at %q to load, got %q exists=%v", path, resolved, exists)
	}
	if cfg.Comfy.BaseURL != "http://gpu-box:8188" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.Comfy.BaseURL)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging values lowercased, got %+v", cfg.Logging)
	}
	if cfg.QueueDBPath() != filepath.Join(base, "data", "queue.db") {
		t.Fatalf("unexpected queue db path: %q", cfg.QueueDBPath())
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	path := filepath.Join(tempHome, "config.toml")
	if err := os.WriteFile(path, []byte("[paths]\ndata_dir = \"~/renderq-data\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Paths.DataDir != filepath.Join(tempHome, "renderq-data") {
		t.Fatalf("expected tilde expansion, got %q", cfg.Paths.DataDir)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad base url", "[comfy]\nbase_url = \"not a url\"\n", "comfy.base_url"},
		{"zero poll interval", "[comfy]\npoll_interval = -1\n", "comfy.poll_interval"},
		{"poll timeout below interval", "[comfy]\npoll_interval = 30\npoll_timeout = 10\n", "comfy.poll_timeout"},
		{"zero queue poll", "[worker]\nqueue_poll_interval = 0\n", "worker.queue_poll_interval"},
		{"negative backoff", "[worker]\nbackoff_steps = [5, -1]\n", "worker.backoff_steps"},
	}

	base := t.TempDir()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(base, "config.toml")
			if err := os.WriteFile(path, []byte(tc.content), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			_, _, _, err := config.Load(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestEnsureDirectories(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.DefsDir = filepath.Join(base, "defs")
	cfg.Comfy.InputDir = filepath.Join(base, "input")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.LogDir} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("expected directory %q: %v", dir, err)
		}
	}
}

func TestWriteSample(t *testing.T) {
	target := filepath.Join(t.TempDir(), "nested", "config.toml")

	if err := config.WriteSample(target, false); err != nil {
		t.Fatalf("WriteSample failed: %v", err)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(data), "[comfy]") {
		t.Fatalf("sample missing comfy section: %q", data)
	}

	if err := config.WriteSample(target, false); err == nil {
		t.Fatal("expected error when sample already exists")
	}
	if err := config.WriteSample(target, true); err != nil {
		t.Fatalf("WriteSample overwrite failed: %v", err)
	}
}
