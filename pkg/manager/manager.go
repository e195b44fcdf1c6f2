// Package manager implements the Tag Manager, the only sanctioned entry
// point for local tag mutations.
//
// Every mutation is first appended (fsynced) to the local device log and
// only then applied to the Local Tag Store. The log is authoritative: if
// the store mutation fails, the operation still counts and the syncer
// re-materializes it from the unwatermarked log tail.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kubux/tagsync/pkg/clock"
	"github.com/kubux/tagsync/pkg/materialize"
	"github.com/kubux/tagsync/pkg/model"
	"github.com/kubux/tagsync/pkg/oplog"
	"github.com/kubux/tagsync/pkg/store"
	"github.com/kubux/tagsync/pkg/tagstore"
)

var (
	opsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tagsync_manager_operations_total",
		Help: "Local tag operations appended to the device log",
	}, []string{"action"})

	appendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tagsync_manager_append_failures_total",
		Help: "Local mutations rejected because the log append failed",
	})

	deferredApplies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tagsync_manager_deferred_store_mutations_total",
		Help: "Logged operations whose store mutation failed and was left to the syncer",
	})
)

// Options wires a Manager.
type Options struct {
	Log          *oplog.DeviceLog
	State        store.StateStore
	Tags         tagstore.TagStore
	Materializer *materialize.Materializer

	// Clock defaults to a wall clock seeded from the log's last record.
	Clock *clock.Clock

	// Lock serializes local mutations against the syncer's apply+commit
	// section, and against other processes when it is a file lock.
	// Default: a private mutex.
	Lock sync.Locker

	// Notify is called after each successful append, e.g. to wake the
	// syncer. Must not block.
	Notify func()

	Logger *slog.Logger
}

// Manager is the Tag Manager. Safe for concurrent use.
type Manager struct {
	log    *oplog.DeviceLog
	state  store.StateStore
	tags   tagstore.TagStore
	mat    *materialize.Materializer
	clk    *clock.Clock
	lock   sync.Locker
	notify func()
	logger *slog.Logger
}

// New returns a Manager.
func New(opts Options) (*Manager, error) {
	if opts.Log == nil || opts.State == nil || opts.Tags == nil {
		return nil, fmt.Errorf("manager: log, state and tag store are required")
	}
	m := &Manager{
		log:    opts.Log,
		state:  opts.State,
		tags:   opts.Tags,
		mat:    opts.Materializer,
		clk:    opts.Clock,
		lock:   opts.Lock,
		notify: opts.Notify,
		logger: opts.Logger,
	}
	if m.mat == nil {
		m.mat = materialize.New(nil)
	}
	if m.clk == nil {
		m.clk = clock.New()
	}
	m.clk.Receive(opts.Log.LastTime())
	if m.lock == nil {
		m.lock = &sync.Mutex{}
	}
	if m.notify == nil {
		m.notify = func() {}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "manager", "device", opts.Log.DeviceID())
	return m, nil
}

// DeviceID returns the local device identity.
func (m *Manager) DeviceID() string { return m.log.DeviceID() }

// Apply records one tag mutation and applies its net effect.
//
// It returns an error wrapping model.ErrLogAppend when the operation could
// not be logged; the store is then untouched. Once the append succeeded
// the call returns the operation ID and a nil error even if the store
// mutation failed.
func (m *Manager) Apply(ctx context.Context, messageKey, tag string, action model.Action) (model.OperationID, error) {
	if !action.Valid() {
		return model.OperationID{}, fmt.Errorf("%w: unknown action %q", model.ErrInvalidOperation, string(action))
	}
	ids, err := m.SetTags(ctx, messageKey, pick(action == model.ActionAdd, tag), pick(action == model.ActionRemove, tag))
	if err != nil {
		return model.OperationID{}, err
	}
	return ids[0], nil
}

func pick(ok bool, tag string) []string {
	if !ok {
		return nil
	}
	return []string{tag}
}

type change struct {
	key    model.Key
	action model.Action
	known  []model.TagOperation
}

// SetTags adds and removes several tags on one message as one batch: one
// record per tag with consecutive sequence numbers, appended together
// before the store is touched. A tag may not be both added and removed.
func (m *Manager) SetTags(ctx context.Context, messageKey string, add, remove []string) ([]model.OperationID, error) {
	changes, err := plan(messageKey, add, remove)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return nil, nil
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	// Another process sharing this device may have appended since our
	// last look; number and stamp after its records.
	if err := m.log.Refresh(); err != nil {
		appendFailures.Inc()
		m.logger.Error("refresh device log failed; mutation not recorded", "message_key", messageKey, "err", err)
		return nil, err
	}
	m.clk.Receive(m.log.LastTime())

	for i := range changes {
		known, err := m.state.OperationsForKey(ctx, changes[i].key)
		if err != nil {
			return nil, fmt.Errorf("read operations of %s: %w", changes[i].key, err)
		}
		changes[i].known = known
		// A local action must supersede the state the user is looking at.
		if st, ok := m.mat.Resolve(known); ok {
			m.clk.Receive(st.Winner.Time)
		}
	}

	next := m.log.LastSeq() + 1
	ops := make([]model.TagOperation, len(changes))
	for i, c := range changes {
		ops[i] = model.TagOperation{
			DeviceID:   m.log.DeviceID(),
			Seq:        next + uint64(i),
			MessageKey: c.key.MessageKey,
			Tag:        c.key.Tag,
			Action:     c.action,
			Time:       m.clk.Tick(),
		}
	}
	if err := m.log.Append(ops...); err != nil {
		appendFailures.Inc()
		m.logger.Error("log append failed; mutation not recorded", "message_key", messageKey, "err", err)
		return nil, err
	}

	ids := make([]model.OperationID, len(ops))
	for i, op := range ops {
		ids[i] = op.ID()
		opsAppended.WithLabelValues(op.Action.String()).Inc()
	}
	m.notify()

	if err := m.state.IndexOperations(ctx, ops); err != nil {
		m.logger.Warn("index local operations failed; syncer will retry", "err", err)
	}
	for i, c := range changes {
		st, _ := m.mat.Resolve(append(c.known, ops[i]))
		if _, err := tagstore.Apply(ctx, m.tags, c.key, st.Present); err != nil {
			deferredApplies.Inc()
			m.logger.Warn("store mutation failed; operation stays in log", "op", ops[i].ID().String(), "key", c.key.String(), "err", err)
		}
	}
	m.logger.Debug("applied", "message_key", messageKey, "ops", len(ops), "first_seq", next)
	return ids, nil
}

func plan(messageKey string, add, remove []string) ([]change, error) {
	if err := model.ValidateMessageKey(messageKey); err != nil {
		return nil, err
	}
	seen := make(map[string]model.Action)
	var out []change
	for _, group := range []struct {
		tags   []string
		action model.Action
	}{{add, model.ActionAdd}, {remove, model.ActionRemove}} {
		for _, tag := range group.tags {
			if err := model.ValidateTag(tag); err != nil {
				return nil, err
			}
			if prev, dup := seen[tag]; dup {
				if prev != group.action {
					return nil, fmt.Errorf("%w: tag %q both added and removed", model.ErrInvalidOperation, tag)
				}
				continue
			}
			seen[tag] = group.action
			out = append(out, change{key: model.Key{MessageKey: messageKey, Tag: tag}, action: group.action})
		}
	}
	return out, nil
}

// State returns the materialized state of every tag ever recorded on
// messageKey, from the operation index.
func (m *Manager) State(ctx context.Context, messageKey string) ([]model.TagState, error) {
	ops, err := m.state.OperationsForMessage(ctx, messageKey)
	if err != nil {
		return nil, err
	}
	states := m.mat.MaterializeAll(ops)
	_, keys := materialize.GroupByKey(ops)
	out := make([]model.TagState, 0, len(keys))
	for _, k := range keys {
		out = append(out, states[k])
	}
	return out, nil
}

// Tags returns the tags the Local Tag Store currently holds for messageKey.
func (m *Manager) Tags(ctx context.Context, messageKey string) ([]string, error) {
	return m.tags.GetTags(ctx, messageKey)
}
