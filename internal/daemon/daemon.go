package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"renderq/internal/config"
	"renderq/internal/logging"
	"renderq/internal/queue"
	"renderq/internal/staging"
	"renderq/internal/worker"
	"renderq/internal/workflowdef"
)

// Daemon coordinates the background services and enforces single-instance
// execution via a lock file.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *queue.Store
	registry *workflowdef.Registry
	engine   *worker.Engine

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	Workflows    int
	QueueDBPath  string
	LockFilePath string
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *queue.Store, registry *workflowdef.Registry, engine *worker.Engine, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil || registry == nil || engine == nil {
		return nil, errors.New("daemon requires config, store, registry, and worker engine")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	lockPath := filepath.Join(cfg.Paths.DataDir, "renderq.lock")
	return &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    store,
		registry: registry,
		engine:   engine,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Start acquires the daemon lock, loads workflow definitions, and launches
// the worker engine plus the staging janitor.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another renderq daemon instance is already running")
	}

	count, failures := d.registry.Reload(d.cfg.Paths.DefsDir)
	for _, failure := range failures {
		d.logger.Warn("workflow definition rejected",
			logging.String("file", failure.File), logging.Error(failure.Reason))
	}
	d.logger.Info("workflow definitions loaded", logging.Int("count", count))

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.engine.Start(runCtx); err != nil {
		_ = d.lock.Unlock()
		cancel()
		return fmt.Errorf("start worker: %w", err)
	}
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.runJanitor(runCtx)

	d.running.Store(true)
	d.logger.Info("daemon started", logging.String("lock", d.lockPath))
	return nil
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.engine.Stop()
	if d.done != nil {
		<-d.done
		d.done = nil
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	return d.store.Close()
}

// ReloadWorkflows re-reads the definitions directory and swaps the registry.
func (d *Daemon) ReloadWorkflows() (int, []workflowdef.LoadError) {
	return d.registry.Reload(d.cfg.Paths.DefsDir)
}

// QueueHealth returns aggregate queue diagnostics.
func (d *Daemon) QueueHealth(ctx context.Context) (queue.HealthSummary, error) {
	return d.store.Health(ctx)
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	return Status{
		Running:      d.running.Load(),
		Workflows:    d.registry.Len(),
		QueueDBPath:  d.cfg.QueueDBPath(),
		LockFilePath: d.lockPath,
	}
}

// runJanitor prunes expired staging batches on an hourly cadence.
func (d *Daemon) runJanitor(ctx context.Context) {
	defer close(d.done)

	maxAge := time.Duration(d.cfg.Worker.StagingMaxAgeHours) * time.Hour
	if maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	// Batch dirs older than maxAge are still off limits while any active
	// prompt's graph references them. When the check itself fails, keep the
	// batch; the next tick retries.
	inUse := func(batchDir string) bool {
		ref := staging.Dirname + "/" + filepath.Base(batchDir) + "/"
		active, err := d.store.HasActiveForStaging(ctx, ref)
		if err != nil {
			d.logger.Warn("check staging batch in use", logging.Error(err))
			return true
		}
		return active
	}

	for {
		removed, err := staging.CleanStale(d.cfg.Comfy.InputDir, maxAge, inUse)
		if err != nil {
			d.logger.Warn("clean stale staging", logging.Error(err))
		} else if removed > 0 {
			d.logger.Info("stale staging batches removed", logging.Int("count", removed))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
