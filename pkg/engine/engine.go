// Package engine wires the tagsync components for one device: state DB,
// device log, Local Tag Store backend, watcher, syncer and Tag Manager, all
// sharing a single writer lock that also excludes other processes opened on
// the same state DB.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/kubux/tagsync/pkg/config"
	"github.com/kubux/tagsync/pkg/flock"
	"github.com/kubux/tagsync/pkg/frontier"
	"github.com/kubux/tagsync/pkg/manager"
	"github.com/kubux/tagsync/pkg/materialize"
	"github.com/kubux/tagsync/pkg/oplog"
	"github.com/kubux/tagsync/pkg/store"
	"github.com/kubux/tagsync/pkg/syncer"
	"github.com/kubux/tagsync/pkg/tagstore"
	"github.com/kubux/tagsync/pkg/watcher"
)

// Engine is one device's running tagsync instance.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	State   *store.Store
	Log     *oplog.DeviceLog
	Tags    tagstore.TagStore
	Watcher *watcher.Watcher
	Syncer  *syncer.Syncer
	Manager *manager.Manager

	// lock is the single writer lock shared by Manager and Syncer. It is a
	// file lock next to the state DB, so CLI invocations and a running
	// daemon of the same device take turns.
	lock *flock.Locker
}

// LockPath returns the writer lock file of a state DB.
func LockPath(stateDB string) string { return stateDB + ".lock" }

// Open opens every component. The device identity is taken from the
// config, or generated and persisted on first run.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{cfg: cfg, logger: logger}

	if err := os.MkdirAll(filepath.Dir(cfg.StateDB), 0o755); err != nil {
		return nil, fmt.Errorf("cannot create state dir: %w", err)
	}
	st, err := store.New(cfg.StateDB)
	if err != nil {
		return nil, fmt.Errorf("cannot open state db %q: %w", cfg.StateDB, err)
	}
	e.State = st

	dev, err := st.EnsureDeviceID(ctx, cfg.DeviceID, uuid.NewString)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.logger = logger.With("device", dev)

	e.lock, err = flock.New(LockPath(cfg.StateDB), e.logger)
	if err != nil {
		e.Close()
		return nil, err
	}
	// Open may truncate a partial tail; no other writer may be mid-append.
	e.lock.Lock()
	e.Log, err = oplog.Open(cfg.SyncDir, dev, oplog.Options{
		SegmentMaxBytes: cfg.Log.SegmentMaxBytes,
		NoSync:          !cfg.Log.Fsync,
		Logger:          e.logger,
	})
	e.lock.Unlock()
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("open device log: %w", err)
	}

	switch cfg.Store.Backend {
	case config.BackendNotmuch:
		e.Tags = tagstore.NewNotmuch(cfg.Store.NotmuchBin, cfg.Store.NotmuchConfig, cfg.Store.Timeout).WithLogger(logger)
	default:
		e.Tags = st
	}

	policy, err := materialize.PolicyByName(cfg.Sync.Policy)
	if err != nil {
		e.Close()
		return nil, err
	}
	mat := materialize.New(policy)

	e.Watcher = watcher.New(watcher.Options{
		SyncDir:      cfg.SyncDir,
		PollInterval: cfg.Sync.PollInterval,
		Debounce:     cfg.Sync.Debounce,
		Logger:       e.logger,
	})
	e.Syncer, err = syncer.New(syncer.Options{
		State:        st,
		Tags:         e.Tags,
		Watcher:      e.Watcher,
		Materializer: mat,
		Lock:         e.lock,
		BatchSize:    cfg.Sync.BatchSize,
		PassTimeout:  cfg.Sync.PassTimeout,
		Logger:       e.logger,
	})
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Manager, err = manager.New(manager.Options{
		Log:          e.Log,
		State:        st,
		Tags:         e.Tags,
		Materializer: mat,
		Lock:         e.lock,
		Notify:       e.Syncer.Wake,
		Logger:       e.logger,
	})
	if err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// DeviceID returns the local device identity.
func (e *Engine) DeviceID() string { return e.Log.DeviceID() }

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() *config.Config { return e.cfg }

// Close releases the device log, the writer lock and the state DB.
func (e *Engine) Close() error {
	var errs []error
	if e.Log != nil {
		errs = append(errs, e.Log.Close())
	}
	if e.lock != nil {
		errs = append(errs, e.lock.Close())
	}
	if e.State != nil {
		errs = append(errs, e.State.Close())
	}
	return errors.Join(errs...)
}

// Run watches the sync directory and runs the syncer until ctx is done.
// With a metrics address configured it also serves /metrics.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Watcher.Watch(gctx) })
	g.Go(func() error { return e.Syncer.Run(gctx) })
	if addr := e.cfg.MetricsAddr; addr != "" {
		g.Go(func() error { return serveMetrics(gctx, addr, e.logger) })
	}
	e.logger.Info("tagsync running", "sync_dir", e.cfg.SyncDir, "backend", e.cfg.Store.Backend)
	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("serving metrics", "addr", addr)

	select {
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// Status reports per-device progress of the local store against the
// visible device logs.
func (e *Engine) Status(ctx context.Context) (frontier.Status, error) {
	heads, err := frontier.ScanHeads(e.cfg.SyncDir)
	if err != nil {
		return frontier.Status{}, fmt.Errorf("scan device logs: %w", err)
	}
	marks, err := e.State.WatermarkMap(ctx)
	if err != nil {
		return frontier.Status{}, fmt.Errorf("load watermarks: %w", err)
	}
	return frontier.Compute(heads, marks), nil
}
