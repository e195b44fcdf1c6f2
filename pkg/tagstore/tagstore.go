// Package tagstore defines the Local Tag Store collaborator: the mail
// index that holds the materialized tags of each message, and nothing of
// their history.
//
// Implementations:
//
//   - *store.Store: a SQLite table in the state DB (default backend)
//   - *Memory: in-process map, for tests and dry runs
//   - *Notmuch: the notmuch CLI against a real mail index
//
// Each primitive is individually atomic; none participate in the
// watermark transaction.
package tagstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kubux/tagsync/pkg/model"
	"github.com/kubux/tagsync/pkg/store"
)

// TagStore is the Local Tag Store interface.
type TagStore interface {
	// GetTags returns the tags currently set on the message.
	GetTags(ctx context.Context, messageKey string) ([]string, error)
	// AddTag sets tag on the message; no-op if present.
	AddTag(ctx context.Context, messageKey, tag string) error
	// RemoveTag clears tag from the message; no-op if absent.
	RemoveTag(ctx context.Context, messageKey, tag string) error
}

var (
	_ TagStore = (*store.Store)(nil)
	_ TagStore = (*Memory)(nil)
	_ TagStore = (*Notmuch)(nil)
)

// Has reports whether tag is in tags.
func Has(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Apply brings tag on messageKey to present, issuing a mutation only
// when the store disagrees. It returns whether a mutation was issued.
// Errors wrap model.ErrStoreMutation.
func Apply(ctx context.Context, ts TagStore, key model.Key, present bool) (bool, error) {
	tags, err := ts.GetTags(ctx, key.MessageKey)
	if err != nil {
		return false, fmt.Errorf("%w: get tags of %s: %v", model.ErrStoreMutation, key.MessageKey, err)
	}
	return ApplyKnown(ctx, ts, key, Has(tags, key.Tag), present)
}

// ApplyKnown is Apply when the current presence is already known.
func ApplyKnown(ctx context.Context, ts TagStore, key model.Key, current, present bool) (bool, error) {
	if current == present {
		return false, nil
	}
	var err error
	if present {
		err = ts.AddTag(ctx, key.MessageKey, key.Tag)
	} else {
		err = ts.RemoveTag(ctx, key.MessageKey, key.Tag)
	}
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", model.ErrStoreMutation, key, err)
	}
	return true, nil
}

// Memory is a map-backed TagStore. Safe for concurrent use.
type Memory struct {
	mu   sync.Mutex
	tags map[string]map[string]struct{}
	fail error
	// mutations counts successful AddTag/RemoveTag calls that changed state.
	mutations int
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{tags: make(map[string]map[string]struct{})}
}

// SetFailure makes every following call fail with err until cleared
// with nil.
func (m *Memory) SetFailure(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

// Mutations returns the number of state-changing calls so far.
func (m *Memory) Mutations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutations
}

func (m *Memory) GetTags(_ context.Context, messageKey string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	return sortedSet(m.tags[messageKey]), nil
}

func (m *Memory) AddTag(_ context.Context, messageKey, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	set := m.tags[messageKey]
	if set == nil {
		set = make(map[string]struct{})
		m.tags[messageKey] = set
	}
	if _, ok := set[tag]; !ok {
		set[tag] = struct{}{}
		m.mutations++
	}
	return nil
}

func (m *Memory) RemoveTag(_ context.Context, messageKey, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	set := m.tags[messageKey]
	if _, ok := set[tag]; ok {
		delete(set, tag)
		m.mutations++
		if len(set) == 0 {
			delete(m.tags, messageKey)
		}
	}
	return nil
}

// Snapshot returns message -> sorted tags.
func (m *Memory) Snapshot() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]string, len(m.tags))
	for k, set := range m.tags {
		out[k] = sortedSet(set)
	}
	return out
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
