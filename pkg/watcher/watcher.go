// Package watcher observes the shared sync directory and reports growth of
// every device log since the last committed read position.
//
// Reading and committing are separate: Scan never moves a position, the
// syncer calls Commit only after the records it consumed are durably
// watermarked. A crash or failed pass therefore re-reads the same records.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kubux/tagsync/pkg/model"
	"github.com/kubux/tagsync/pkg/oplog"
)

// Options configures a Watcher.
type Options struct {
	SyncDir string
	// PollInterval triggers a notification even without filesystem events.
	// Default: 30s.
	PollInterval time.Duration
	// Debounce coalesces bursts of filesystem events. Default: 500ms.
	Debounce time.Duration
	Logger   *slog.Logger
}

// Batch holds the complete records of one device after its committed
// position, in log order.
type Batch struct {
	DeviceID string
	Records  []oplog.Record
	// Err is a *model.MalformedRecordError when reading stopped early.
	Err error
}

// Watcher tracks read positions of every device log. Safe for concurrent
// use.
type Watcher struct {
	opts   Options
	logger *slog.Logger

	mu  sync.Mutex
	pos map[string]oplog.Position

	notify chan struct{}
}

// New returns a Watcher with every position at the start of its log.
func New(opts Options) *Watcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		opts:   opts,
		logger: logger.With("component", "watcher"),
		pos:    make(map[string]oplog.Position),
		notify: make(chan struct{}, 1),
	}
}

// C delivers a signal whenever a device log may have grown.
func (w *Watcher) C() <-chan struct{} { return w.notify }

// Trigger queues a notification without waiting.
func (w *Watcher) Trigger() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Position returns the committed read position of a device.
func (w *Watcher) Position(deviceID string) oplog.Position {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pos[deviceID]
}

// Commit advances the read position of deviceID. Positions never move
// backward through Commit.
func (w *Watcher) Commit(deviceID string, p oplog.Position) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pos[deviceID].Before(p) {
		w.pos[deviceID] = p
	}
}

// Reset moves every position back to the start of its log.
func (w *Watcher) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pos = make(map[string]oplog.Position)
}

// Scan reads up to limit records per device (limit <= 0: no limit) after
// the committed positions. Devices without new records are omitted. A
// missing device directory is "no new data"; its position is kept.
func (w *Watcher) Scan(ctx context.Context, limit int) ([]Batch, error) {
	devices, err := oplog.ListDevices(w.opts.SyncDir)
	if err != nil {
		return nil, err
	}
	var out []Batch
	for _, dev := range devices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := w.scanDevice(dev, limit)
		if err != nil {
			return nil, err
		}
		if len(b.Records) > 0 || b.Err != nil {
			out = append(out, b)
		}
	}
	return out, nil
}

func (w *Watcher) scanDevice(dev string, limit int) (Batch, error) {
	b := Batch{DeviceID: dev}
	segs, err := oplog.ListSegments(oplog.DeviceDir(w.opts.SyncDir, dev))
	if err != nil || len(segs) == 0 {
		return b, err
	}
	start := w.checkPosition(dev, segs)

	for _, seg := range segs {
		if seg.Index < start.Segment {
			continue
		}
		var off int64
		if seg.Index == start.Segment {
			off = start.Offset
		}
		if seg.Size <= off {
			continue
		}
		remaining := 0
		if limit > 0 {
			remaining = limit - len(b.Records)
		}
		recs, err := oplog.ReadSegment(seg, dev, off, remaining)
		b.Records = append(b.Records, recs...)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				// Replaced underneath us; the next scan sees the new file.
				return b, nil
			}
			if isMalformed(err) {
				b.Err = err
				return b, nil
			}
			return b, err
		}
		if limit > 0 && len(b.Records) >= limit {
			break
		}
	}
	return b, nil
}

// checkPosition resets a device to the start of its log when the
// committed segment shrank or vanished while later segments exist.
// Replayed records are dropped by watermark filtering.
func (w *Watcher) checkPosition(dev string, segs []oplog.Segment) oplog.Position {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := w.pos[dev]
	if p.Segment == 0 {
		return p
	}
	for _, s := range segs {
		if s.Index == p.Segment {
			if s.Size < p.Offset {
				w.logger.Warn("segment shrank; rereading device log", "device", dev, "segment", s.Index, "size", s.Size, "offset", p.Offset)
				delete(w.pos, dev)
				return oplog.Position{}
			}
			return p
		}
	}
	w.logger.Warn("committed segment missing; rereading device log", "device", dev, "segment", p.Segment)
	delete(w.pos, dev)
	return oplog.Position{}
}

func isMalformed(err error) bool { return errors.Is(err, model.ErrMalformedRecord) }

// Watch emits notifications on C until ctx is done: debounced filesystem
// events on the sync directory and every device directory, plus a poll
// tick. If fsnotify is unavailable it polls only.
func (w *Watcher) Watch(ctx context.Context) error {
	if err := os.MkdirAll(w.opts.SyncDir, 0o755); err != nil {
		return err
	}
	events := make(chan struct{}, 1)
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable; polling only", "err", err)
	} else {
		defer fsw.Close()
		w.addDirs(fsw)
		go w.processEvents(ctx, fsw, events)
	}

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Trigger()
		case <-events:
			if timer == nil {
				timer = time.NewTimer(w.opts.Debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.opts.Debounce)
			}
		case <-timerC:
			timer, timerC = nil, nil
			w.Trigger()
		}
	}
}

func (w *Watcher) addDirs(fsw *fsnotify.Watcher) {
	if err := fsw.Add(w.opts.SyncDir); err != nil {
		w.logger.Warn("watch sync dir failed", "path", w.opts.SyncDir, "err", err)
	}
	devices, err := oplog.ListDevices(w.opts.SyncDir)
	if err != nil {
		w.logger.Warn("list devices failed", "err", err)
		return
	}
	for _, dev := range devices {
		w.addDir(fsw, oplog.DeviceDir(w.opts.SyncDir, dev))
	}
}

func (w *Watcher) addDir(fsw *fsnotify.Watcher, dir string) {
	if err := fsw.Add(dir); err != nil {
		w.logger.Debug("watch device dir failed", "path", dir, "err", err)
	}
}

func (w *Watcher) processEvents(ctx context.Context, fsw *fsnotify.Watcher, events chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}
			base := filepath.Base(ev.Name)
			if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".tmp") {
				continue
			}
			// A new device directory appeared: start watching it.
			if ev.Has(fsnotify.Create) && filepath.Dir(ev.Name) == filepath.Clean(w.opts.SyncDir) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					w.addDir(fsw, ev.Name)
				}
			}
			select {
			case events <- struct{}{}:
			default:
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fsnotify error", "err", err)
		}
	}
}
