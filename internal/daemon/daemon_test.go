package daemon_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"renderq/internal/daemon"
	"renderq/internal/queue"
	"renderq/internal/services"
	"renderq/internal/services/comfy"
	"renderq/internal/staging"
	"renderq/internal/testsupport"
	"renderq/internal/worker"
	"renderq/internal/workflowdef"
)

type idleClient struct{}

func (idleClient) Healthy(ctx context.Context) bool { return false }
func (idleClient) Submit(ctx context.Context, graphJSON string) (string, error) {
	return "", context.Canceled
}
func (idleClient) History(ctx context.Context, execID string) (*comfy.HistoryStatus, error) {
	return nil, nil
}
func (idleClient) Outputs(ctx context.Context, execID string) ([]string, error) { return nil, nil }
func (idleClient) QueuedIDs(ctx context.Context) (map[string]struct{}, error) {
	return nil, nil
}
func (idleClient) Wait(ctx context.Context, execID string) (bool, string, error) {
	return false, "timeout", services.Wrap(services.ErrTimeout, "comfy", "wait", "backend idle", nil)
}

func newDaemon(t *testing.T) *daemon.Daemon {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	registry := workflowdef.NewRegistry()
	engine := worker.NewEngine(cfg, store, idleClient{}, nil)
	d, err := daemon.New(cfg, store, registry, engine, nil)
	if err != nil {
		t.Fatalf("daemon.New failed: %v", err)
	}
	return d
}

func TestDaemonStartStop(t *testing.T) {
	d := newDaemon(t)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !d.Status().Running {
		t.Fatal("expected running status")
	}
	if err := d.Start(context.Background()); err == nil {
		t.Fatal("expected second Start to fail")
	}
	d.Stop()
	if d.Status().Running {
		t.Fatal("expected stopped status")
	}
}

func TestJanitorPreservesReferencedStagingBatch(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	registry := workflowdef.NewRegistry()
	d, err := daemon.New(cfg, store, registry, worker.NewEngine(cfg, store, idleClient{}, nil), nil)
	if err != nil {
		t.Fatalf("daemon.New failed: %v", err)
	}

	stagingRoot := filepath.Join(cfg.Comfy.InputDir, staging.Dirname)
	held := filepath.Join(stagingRoot, "batch-held")
	expired := filepath.Join(stagingRoot, "batch-expired")
	testsupport.WriteFile(t, filepath.Join(held, "input.png"), 1)
	testsupport.WriteFile(t, filepath.Join(expired, "input.png"), 1)
	old := time.Now().Add(-time.Duration(cfg.Worker.StagingMaxAgeHours+1) * time.Hour)
	for _, dir := range []string{held, expired} {
		if err := os.Chtimes(dir, old, old); err != nil {
			t.Fatalf("age %s: %v", dir, err)
		}
	}

	graph := `{"1":{"class_type":"LoadImage","inputs":{"image":"_renderq_staging/batch-held/input.png"}}}`
	ctx := context.Background()
	if _, err := store.CreateJob(ctx, queue.NewJob{WorkflowName: "upscale"}, []queue.NewPrompt{
		{InputFile: "/srv/in/input.png", GraphJSON: graph},
	}); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop()

	// The first janitor pass has run once the unreferenced batch is gone.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(expired); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected expired batch to be removed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(held); err != nil {
		t.Fatalf("expected referenced batch to survive: %v", err)
	}
}

func TestDaemonLockExcludesSecondInstance(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	registry := workflowdef.NewRegistry()
	first, err := daemon.New(cfg, store, registry, worker.NewEngine(cfg, store, idleClient{}, nil), nil)
	if err != nil {
		t.Fatalf("daemon.New failed: %v", err)
	}
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer first.Stop()

	second, err := daemon.New(cfg, store, registry, worker.NewEngine(cfg, store, idleClient{}, nil), nil)
	if err != nil {
		t.Fatalf("daemon.New failed: %v", err)
	}
	if err := second.Start(context.Background()); err == nil {
		second.Stop()
		t.Fatal("expected lock contention error")
	}
}
