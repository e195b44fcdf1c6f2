// Package syncer implements the Tag Syncer: the background task that folds
// newly replicated log records into the Local Tag Store.
//
// A pass reads what the watcher reports, accepts each device's records in
// sequence order after its watermark, re-materializes every touched key
// over the full known operation set, issues the minimal store mutations,
// and only then advances watermarks and the operation index in one SQLite
// transaction. Any failure before that transaction leaves watermarks
// where they were; the next pass redoes the work and converges to the
// same store state.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kubux/tagsync/pkg/materialize"
	"github.com/kubux/tagsync/pkg/model"
	"github.com/kubux/tagsync/pkg/oplog"
	"github.com/kubux/tagsync/pkg/store"
	"github.com/kubux/tagsync/pkg/tagstore"
	"github.com/kubux/tagsync/pkg/watcher"
)

// Options wires a Syncer.
type Options struct {
	State        store.StateStore
	Tags         tagstore.TagStore
	Watcher      *watcher.Watcher
	Materializer *materialize.Materializer

	// Lock is shared with the Tag Manager.
	Lock sync.Locker

	// BatchSize caps records read per device per pass. Default: 1000.
	BatchSize int
	// PassTimeout bounds one pass started by Run. Default: 1m.
	PassTimeout time.Duration

	Logger *slog.Logger
}

// Result summarizes one pass.
type Result struct {
	Accepted   int      `json:"accepted"`
	Duplicates int      `json:"duplicates"`
	Keys       int      `json:"keys"`
	Added      int      `json:"added"`
	Removed    int      `json:"removed"`
	Devices    []string `json:"devices,omitempty"`
	Blocked    []string `json:"blocked,omitempty"`
	// More is set when a device hit the batch limit.
	More bool `json:"more,omitempty"`
}

func (r *Result) add(o Result) {
	r.Accepted += o.Accepted
	r.Duplicates += o.Duplicates
	r.Keys += o.Keys
	r.Added += o.Added
	r.Removed += o.Removed
	r.Devices = mergeNames(r.Devices, o.Devices)
	r.Blocked = o.Blocked
	r.More = o.More
}

func mergeNames(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			a = append(a, s)
			seen[s] = true
		}
	}
	return a
}

// Syncer is the Tag Syncer. Safe for concurrent use; passes are
// serialized and concurrent SyncNow calls share one pass.
type Syncer struct {
	state   store.StateStore
	tags    tagstore.TagStore
	watcher *watcher.Watcher
	mat     *materialize.Materializer
	lock    sync.Locker
	batch   int
	timeout time.Duration
	logger  *slog.Logger

	group singleflight.Group
	passMu sync.Mutex
	wake   chan struct{}

	// last problem reported per device, to log each one once
	reported map[string]string
}

// New returns a Syncer.
func New(opts Options) (*Syncer, error) {
	if opts.State == nil || opts.Tags == nil || opts.Watcher == nil {
		return nil, errors.New("syncer: state, tag store and watcher are required")
	}
	s := &Syncer{
		state:    opts.State,
		tags:     opts.Tags,
		watcher:  opts.Watcher,
		mat:      opts.Materializer,
		lock:     opts.Lock,
		batch:    opts.BatchSize,
		timeout:  opts.PassTimeout,
		logger:   opts.Logger,
		wake:     make(chan struct{}, 1),
		reported: make(map[string]string),
	}
	if s.mat == nil {
		s.mat = materialize.New(nil)
	}
	if s.lock == nil {
		s.lock = &sync.Mutex{}
	}
	if s.batch <= 0 {
		s.batch = 1000
	}
	if s.timeout <= 0 {
		s.timeout = time.Minute
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "syncer")
	return s, nil
}

// Wake schedules a pass without waiting. Intended as the Tag Manager's
// notify hook.
func (s *Syncer) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// SyncNow runs a pass, or joins the one already in flight.
func (s *Syncer) SyncNow(ctx context.Context) (Result, error) {
	v, err, _ := s.group.Do("pass", func() (interface{}, error) {
		return s.Pass(ctx)
	})
	res, _ := v.(Result)
	return res, err
}

// Pass runs one bounded sync pass.
func (s *Syncer) Pass(ctx context.Context) (res Result, err error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	start := time.Now()
	defer func() {
		passDuration.Observe(time.Since(start).Seconds())
		switch {
		case err != nil:
			passTotal.WithLabelValues("error").Inc()
		case res.Accepted == 0:
			passTotal.WithLabelValues("idle").Inc()
		default:
			passTotal.WithLabelValues("applied").Inc()
		}
	}()

	batches, err := s.watcher.Scan(ctx, s.batch)
	if err != nil {
		return res, fmt.Errorf("scan sync dir: %w", err)
	}
	if len(batches) == 0 {
		return res, nil
	}

	// Watermarks are read under the lock: a syncer in another process may
	// have advanced them since the scan.
	s.lock.Lock()
	defer s.lock.Unlock()

	marks, err := s.state.WatermarkMap(ctx)
	if err != nil {
		return res, fmt.Errorf("load watermarks: %w", err)
	}

	var accepted []model.TagOperation
	newMarks := make(map[string]uint64)
	positions := make(map[string]oplog.Position)
	for _, b := range batches {
		s.noteBlocked(b, &res)
		wm, known := marks[b.DeviceID]
		next := wm
		var pos oplog.Position
		gap := false
		for _, rec := range b.Records {
			seq := rec.Op.Seq
			if seq <= next {
				res.Duplicates++
				pos = oplog.Position{Segment: rec.Segment, Offset: rec.End}
				continue
			}
			if seq != next+1 {
				s.noteGap(b.DeviceID, next, seq)
				gap = true
				break
			}
			accepted = append(accepted, rec.Op)
			next = seq
			pos = oplog.Position{Segment: rec.Segment, Offset: rec.End}
		}
		if !gap && b.Err == nil {
			delete(s.reported, b.DeviceID)
		}
		if next > wm || !known {
			newMarks[b.DeviceID] = next
		}
		if pos != (oplog.Position{}) {
			positions[b.DeviceID] = pos
		}
		if next > wm {
			res.Devices = append(res.Devices, b.DeviceID)
		}
		if !gap && b.Err == nil && len(b.Records) >= s.batch {
			res.More = true
		}
	}
	res.Accepted = len(accepted)

	groups, keys := materialize.GroupByKey(accepted)
	res.Keys = len(keys)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		known, err := s.state.OperationsForKey(ctx, key)
		if err != nil {
			return res, fmt.Errorf("read operations of %s: %w", key, err)
		}
		st, _ := s.mat.Resolve(append(known, groups[key]...))
		changed, err := tagstore.Apply(ctx, s.tags, key, st.Present)
		if err != nil {
			return res, err
		}
		if changed {
			if st.Present {
				res.Added++
				storeMutations.WithLabelValues("add").Inc()
			} else {
				res.Removed++
				storeMutations.WithLabelValues("remove").Inc()
			}
			s.logger.Debug("applied", "key", key.String(), "present", st.Present, "winner", st.Winner.ID().String())
		}
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}
	if err := s.state.Commit(ctx, accepted, newMarks); err != nil {
		return res, err
	}
	for dev, p := range positions {
		s.watcher.Commit(dev, p)
	}
	for dev, seq := range newMarks {
		watermarkGauge.WithLabelValues(dev).Set(float64(seq))
	}
	opsConsumed.WithLabelValues("accepted").Add(float64(res.Accepted))
	opsConsumed.WithLabelValues("duplicate").Add(float64(res.Duplicates))
	if res.Accepted > 0 {
		s.logger.Info("sync pass applied", "ops", res.Accepted, "keys", res.Keys, "added", res.Added, "removed", res.Removed, "devices", res.Devices)
	}
	return res, nil
}

func (s *Syncer) noteBlocked(b watcher.Batch, res *Result) {
	if b.Err == nil {
		return
	}
	res.Blocked = append(res.Blocked, b.DeviceID)
	malformedRecords.WithLabelValues(b.DeviceID).Inc()
	msg := b.Err.Error()
	if s.reported[b.DeviceID] == msg {
		return
	}
	s.reported[b.DeviceID] = msg
	s.logger.Warn("device log blocked by malformed record; retrying on next observation", "device", b.DeviceID, "err", b.Err)
}

func (s *Syncer) noteGap(dev string, wm, seq uint64) {
	sequenceGaps.WithLabelValues(dev).Inc()
	msg := fmt.Sprintf("gap after %d (next record %d)", wm, seq)
	if s.reported[dev] == msg {
		return
	}
	s.reported[dev] = msg
	s.logger.Warn("sequence gap; waiting for missing records", "device", dev, "watermark", wm, "next_seq", seq)
}

// Reconcile re-reads every device log from the start and folds in every
// record not yet watermarked, including the local device's own tail.
// Run at startup, it repairs store mutations lost to a crash.
func (s *Syncer) Reconcile(ctx context.Context) (Result, error) {
	s.watcher.Reset()
	var total Result
	for {
		res, err := s.SyncNow(ctx)
		total.add(res)
		if err != nil {
			return total, err
		}
		if !res.More {
			return total, nil
		}
	}
}

// RebuildResult summarizes a rebuild.
type RebuildResult struct {
	Keys    int `json:"keys"`
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

// Rebuild recomputes every key in the operation index from scratch and
// forces the Local Tag Store to match. Tags on keys that no operation
// ever touched are left alone.
func (s *Syncer) Rebuild(ctx context.Context) (RebuildResult, error) {
	var res RebuildResult
	s.passMu.Lock()
	defer s.passMu.Unlock()
	s.lock.Lock()
	defer s.lock.Unlock()

	ops, err := s.state.ListOperations(ctx)
	if err != nil {
		return res, fmt.Errorf("list operations: %w", err)
	}
	states := s.mat.MaterializeAll(ops)
	_, keys := materialize.GroupByKey(ops)
	res.Keys = len(keys)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		st := states[key]
		changed, err := tagstore.Apply(ctx, s.tags, key, st.Present)
		if err != nil {
			return res, err
		}
		if changed && st.Present {
			res.Added++
		} else if changed {
			res.Removed++
		}
	}
	s.logger.Info("rebuild finished", "keys", res.Keys, "added", res.Added, "removed", res.Removed)
	return res, nil
}

// Run reconciles, then runs a pass on every watcher or manager signal
// until ctx is done. Pass failures are logged and retried on the next
// signal; they never stop the loop.
func (s *Syncer) Run(ctx context.Context) error {
	if _, err := s.Reconcile(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Error("startup reconciliation failed; will retry", "err", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.watcher.C():
		case <-s.wake:
		}
		passCtx, cancel := context.WithTimeout(ctx, s.timeout)
		res, err := s.SyncNow(passCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("sync pass failed; will retry", "err", err)
			continue
		}
		if res.More {
			s.Wake()
		}
	}
}
