// Package materialize derives tag presence from the set of operations
// observed for a (message, tag) key.
//
// The winner is the greatest operation under the configured Policy. The
// result depends only on the set of operations, never on the order they
// arrived in or how many times each was observed, which is what lets
// devices converge without coordinating.
package materialize

import (
	"fmt"
	"sort"

	"github.com/kubux/tagsync/pkg/clock"
	"github.com/kubux/tagsync/pkg/model"
)

// Policy is a strict total order over operations of one key. The greatest
// operation wins.
type Policy interface {
	Name() string
	Less(a, b model.TagOperation) bool
}

const (
	PolicyLWW           = "lww"
	PolicyLWWRemoveBias = "lww-remove-bias"
)

type lww struct{}

func (lww) Name() string { return PolicyLWW }

func (lww) Less(a, b model.TagOperation) bool {
	sa, sb := stamp(a), stamp(b)
	if sa != sb {
		return clock.TotalOrderLess(sa, sb)
	}
	return a.Action < b.Action
}

// removeBias orders equal timestamps REMOVE-over-ADD before falling back to
// the device/sequence tie-break.
type removeBias struct{}

func (removeBias) Name() string { return PolicyLWWRemoveBias }

func (removeBias) Less(a, b model.TagOperation) bool {
	if a.Time != b.Time {
		return a.Time < b.Time
	}
	if a.Action != b.Action {
		return a.Action == model.ActionAdd
	}
	return clock.TotalOrderLess(stamp(a), stamp(b))
}

func stamp(op model.TagOperation) clock.Stamp {
	return clock.Stamp{Time: op.Time, DeviceID: op.DeviceID, Seq: op.Seq}
}

// LastWriterWins orders by (time, device_id, seq).
func LastWriterWins() Policy { return lww{} }

// LastWriterWinsRemoveBias orders by time, then REMOVE above ADD, then
// (device_id, seq).
func LastWriterWinsRemoveBias() Policy { return removeBias{} }

// PolicyByName resolves a configured policy name. Empty means lww.
func PolicyByName(name string) (Policy, error) {
	switch name {
	case "", PolicyLWW:
		return LastWriterWins(), nil
	case PolicyLWWRemoveBias:
		return LastWriterWinsRemoveBias(), nil
	}
	return nil, fmt.Errorf("unknown conflict policy %q", name)
}

// Materializer resolves tag state under a Policy. Safe for concurrent use.
type Materializer struct {
	policy Policy
}

// New returns a Materializer. A nil policy means LastWriterWins.
func New(p Policy) *Materializer {
	if p == nil {
		p = LastWriterWins()
	}
	return &Materializer{policy: p}
}

// Policy returns the configured policy.
func (m *Materializer) Policy() Policy { return m.policy }

// Resolve returns the winning state for a set of operations targeting one
// key. ok is false when ops is empty. The caller guarantees all operations
// share the same key.
func (m *Materializer) Resolve(ops []model.TagOperation) (state model.TagState, ok bool) {
	for _, op := range ops {
		state, ok = m.Fold(state, ok, op)
	}
	return state, ok
}

// Fold merges one operation into an existing state. has reports whether
// current holds a winner. Fold is commutative and idempotent: folding the
// same set in any order, with repeats, gives the same state.
func (m *Materializer) Fold(current model.TagState, has bool, op model.TagOperation) (model.TagState, bool) {
	if has && !m.policy.Less(current.Winner, op) {
		return current, true
	}
	return model.TagState{Key: op.Key(), Present: op.Action.Present(), Winner: op}, true
}

// Supersedes reports whether op would replace winner.
func (m *Materializer) Supersedes(winner, op model.TagOperation) bool {
	return m.policy.Less(winner, op)
}

// MaterializeAll resolves every key touched by ops.
func (m *Materializer) MaterializeAll(ops []model.TagOperation) map[model.Key]model.TagState {
	out := make(map[model.Key]model.TagState)
	for _, op := range ops {
		k := op.Key()
		cur, has := out[k]
		out[k], _ = m.Fold(cur, has, op)
	}
	return out
}

// TagSets reduces materialized states to the tags present per message,
// sorted. Messages with no present tags are omitted.
func TagSets(states map[model.Key]model.TagState) map[string][]string {
	out := make(map[string][]string)
	for k, st := range states {
		if st.Present {
			out[k.MessageKey] = append(out[k.MessageKey], k.Tag)
		}
	}
	for msg := range out {
		sort.Strings(out[msg])
	}
	return out
}

// GroupByKey splits ops by key and returns the keys in sorted order.
func GroupByKey(ops []model.TagOperation) (map[model.Key][]model.TagOperation, []model.Key) {
	groups := make(map[model.Key][]model.TagOperation)
	for _, op := range ops {
		groups[op.Key()] = append(groups[op.Key()], op)
	}
	keys := make([]model.Key, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return groups, keys
}
