package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/kubux/tagsync/pkg/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("New(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func op(dev string, seq uint64, key, tag string, a model.Action, ts int64) model.TagOperation {
	return model.TagOperation{DeviceID: dev, Seq: seq, MessageKey: key, Tag: tag, Action: a, Time: ts}
}

// --- Identity ---

func TestEnsureDeviceID_GeneratesOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	n := 0
	gen := func() string { n++; return "generated-1" }

	id, err := s.EnsureDeviceID(ctx, "", gen)
	if err != nil {
		t.Fatal(err)
	}
	if id != "generated-1" {
		t.Fatalf("id = %q", id)
	}
	id2, err := s.EnsureDeviceID(ctx, "", gen)
	if err != nil {
		t.Fatal(err)
	}
	if id2 != id || n != 1 {
		t.Fatalf("second call: id=%q generate calls=%d, want %q and 1", id2, n, id)
	}
}

func TestEnsureDeviceID_RejectsChangedIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.EnsureDeviceID(ctx, "laptop", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.EnsureDeviceID(ctx, "desktop", nil); err == nil {
		t.Fatal("expected error when configured device id differs from stored one")
	}
	if id, err := s.EnsureDeviceID(ctx, "laptop", nil); err != nil || id != "laptop" {
		t.Fatalf("got %q, %v", id, err)
	}
}

func TestEnsureDeviceID_Invalid(t *testing.T) {
	s := newTestStore(t)
	_, err := s.EnsureDeviceID(context.Background(), "a/b", nil)
	if !errors.Is(err, model.ErrInvalidOperation) {
		t.Fatalf("got %v, want ErrInvalidOperation", err)
	}
}

// --- Watermarks ---

func TestGetWatermark_Unknown(t *testing.T) {
	s := newTestStore(t)
	wm, err := s.GetWatermark(context.Background(), "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if wm != 0 {
		t.Fatalf("watermark = %d, want 0", wm)
	}
}

func TestCommit_AdvancesAndIndexes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ops := []model.TagOperation{
		op("a", 1, "M1", "urgent", model.ActionAdd, 10),
		op("a", 2, "M1", "urgent", model.ActionRemove, 20),
		op("b", 1, "M2", "todo", model.ActionAdd, 5),
	}
	if err := s.Commit(ctx, ops, map[string]uint64{"a": 2, "b": 1, "c": 0}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	marks, err := s.WatermarkMap(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]uint64{"a": 2, "b": 1, "c": 0}
	for dev, seq := range want {
		if marks[dev] != seq {
			t.Errorf("watermark[%s] = %d, want %d", dev, marks[dev], seq)
		}
	}
	if len(marks) != 3 {
		t.Errorf("got %d watermarks, want 3", len(marks))
	}

	got, err := s.OperationsForKey(ctx, model.Key{MessageKey: "M1", Tag: "urgent"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != ops[0] || got[1] != ops[1] {
		t.Fatalf("OperationsForKey = %+v", got)
	}
}

func TestCommit_WatermarkNeverDecreases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Commit(ctx, nil, map[string]uint64{"a": 5}); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(ctx, nil, map[string]uint64{"a": 3}); err != nil {
		t.Fatal(err)
	}
	wm, _ := s.GetWatermark(ctx, "a")
	if wm != 5 {
		t.Fatalf("watermark = %d, want 5", wm)
	}
	if err := s.Commit(ctx, nil, map[string]uint64{"a": 7}); err != nil {
		t.Fatal(err)
	}
	wm, _ = s.GetWatermark(ctx, "a")
	if wm != 7 {
		t.Fatalf("watermark = %d, want 7", wm)
	}
}

func TestCommit_ReplayIsIgnored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ops := []model.TagOperation{op("a", 1, "M1", "x", model.ActionAdd, 1)}
	for i := 0; i < 2; i++ {
		if err := s.Commit(ctx, ops, map[string]uint64{"a": 1}); err != nil {
			t.Fatalf("Commit #%d: %v", i, err)
		}
	}
	counts, err := s.CountOperations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["a"] != 1 {
		t.Fatalf("indexed %d ops for a, want 1", counts["a"])
	}
}

func TestCommit_CanceledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Commit(ctx, []model.TagOperation{op("a", 1, "M1", "x", model.ActionAdd, 1)}, map[string]uint64{"a": 1})
	if !errors.Is(err, model.ErrWatermarkPersist) {
		t.Fatalf("got %v, want ErrWatermarkPersist", err)
	}
	wm, _ := s.GetWatermark(context.Background(), "a")
	if wm != 0 {
		t.Fatalf("watermark = %d after failed commit, want 0", wm)
	}
	all, _ := s.ListOperations(context.Background())
	if len(all) != 0 {
		t.Fatalf("index has %d ops after failed commit", len(all))
	}
}

func TestIndexOperations_LeavesWatermarks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.IndexOperations(ctx, []model.TagOperation{op("me", 1, "M1", "x", model.ActionAdd, 1)}); err != nil {
		t.Fatal(err)
	}
	wm, _ := s.GetWatermark(ctx, "me")
	if wm != 0 {
		t.Fatalf("watermark = %d, want 0", wm)
	}
	got, err := s.OperationsForMessage(ctx, "M1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d ops, want 1", len(got))
	}
}

func TestListOperations_Ordered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ops := []model.TagOperation{
		op("b", 1, "M2", "a", model.ActionAdd, 1),
		op("a", 1, "M1", "b", model.ActionAdd, 9),
		op("a", 2, "M1", "a", model.ActionAdd, 3),
	}
	if err := s.IndexOperations(ctx, ops); err != nil {
		t.Fatal(err)
	}
	got, err := s.ListOperations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []model.OperationID{{DeviceID: "a", Seq: 2}, {DeviceID: "a", Seq: 1}, {DeviceID: "b", Seq: 1}}
	for i, w := range want {
		if got[i].ID() != w {
			t.Errorf("ListOperations[%d] = %s, want %s", i, got[i].ID(), w)
		}
	}
}

// --- Tag table ---

func TestTags_AddRemoveIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, tag := range []string{"urgent", "inbox", "urgent"} {
		if err := s.AddTag(ctx, "M1", tag); err != nil {
			t.Fatal(err)
		}
	}
	tags, err := s.GetTags(ctx, "M1")
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 2 || tags[0] != "inbox" || tags[1] != "urgent" {
		t.Fatalf("tags = %v", tags)
	}
	if err := s.RemoveTag(ctx, "M1", "urgent"); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveTag(ctx, "M1", "missing"); err != nil {
		t.Fatal(err)
	}
	all, err := s.AllTags(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all["M1"]) != 1 || all["M1"][0] != "inbox" {
		t.Fatalf("AllTags = %v", all)
	}
}

func TestGetTags_Untagged(t *testing.T) {
	s := newTestStore(t)
	tags, err := s.GetTags(context.Background(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 0 {
		t.Fatalf("tags = %v, want none", tags)
	}
}

func TestReopenKeepsState(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()
	s, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(ctx, []model.TagOperation{op("a", 1, "M1", "x", model.ActionAdd, 1)}, map[string]uint64{"a": 1}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	wm, err := s2.GetWatermark(ctx, "a")
	if err != nil || wm != 1 {
		t.Fatalf("watermark after reopen = %d, %v", wm, err)
	}
}
