package oplog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubux/tagsync/pkg/model"
)

func testOpts() Options {
	return Options{SegmentMaxBytes: 1 << 20, NoSync: true}
}

func mkop(dev string, seq uint64, key, tag string, action model.Action) model.TagOperation {
	return model.TagOperation{
		DeviceID:   dev,
		Seq:        seq,
		MessageKey: key,
		Tag:        tag,
		Action:     action,
		Time:       int64(1000 + seq),
	}
}

func TestEncodeDecodeLine(t *testing.T) {
	op := mkop("dev1", 3, "m1@example.com", "urgent", model.ActionRemove)
	line, err := Encode(op)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), line[len(line)-1])
	assert.Contains(t, string(line), `"action":"-"`)

	got, err := Decode(line)
	require.NoError(t, err)
	assert.Equal(t, op, got)
}

func TestEncodeWireFieldNames(t *testing.T) {
	op := model.TagOperation{
		DeviceID:   "d1",
		Seq:        7,
		MessageKey: "abc@example.com",
		Tag:        "urgent",
		Action:     model.ActionAdd,
		Time:       1760000000123456789,
	}
	line, err := Encode(op)
	require.NoError(t, err)
	assert.Equal(t,
		`{"device_id":"d1","sequence_number":7,"message_key":"abc@example.com","tag":"urgent","action":"+","logical_time":1760000000123456789}`+"\n",
		string(line))

	got, err := Decode([]byte(`{"logical_time":5,"action":"-","tag":"t","message_key":"m","sequence_number":2,"device_id":"d2"}`))
	require.NoError(t, err)
	assert.Equal(t, model.TagOperation{DeviceID: "d2", Seq: 2, MessageKey: "m", Tag: "t", Action: model.ActionRemove, Time: 5}, got)
}

func TestDecodeRejectsInvalid(t *testing.T) {
	for _, line := range []string{
		"",
		"{not json",
		`{"device_id":"d","sequence_number":0,"message_key":"m","tag":"t","action":"+","logical_time":1}`,
		`{"device_id":"d","sequence_number":1,"message_key":"m","tag":"t","action":"?","logical_time":1}`,
		`{"device_id":"d","sequence_number":1,"message_key":"","tag":"t","action":"+","logical_time":1}`,
	} {
		_, err := Decode([]byte(line))
		assert.ErrorIs(t, err, model.ErrMalformedRecord, "line %q", line)
	}
}

func TestSegmentNames(t *testing.T) {
	assert.Equal(t, "ops-00000007.jsonl", SegmentName(7))
	idx, ok := ParseSegmentName("ops-00000007.jsonl")
	assert.True(t, ok)
	assert.Equal(t, 7, idx)
	for _, bad := range []string{"HEAD", "ops-x.jsonl", "ops-00000000.jsonl", "ops-1.json", "HEAD.tmp"} {
		_, ok := ParseSegmentName(bad)
		assert.False(t, ok, bad)
	}
}

func TestAppendAndReadBack(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "dev1", testOpts())
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(mkop("dev1", 1, "M1", "a", model.ActionAdd)))
	require.NoError(t, l.Append(
		mkop("dev1", 2, "M1", "b", model.ActionAdd),
		mkop("dev1", 3, "M1", "a", model.ActionRemove),
	))
	assert.Equal(t, uint64(3), l.LastSeq())
	assert.Equal(t, int64(1003), l.LastTime())

	recs, err := ReadDevice(dir, "dev1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, r := range recs {
		assert.Equal(t, uint64(i+1), r.Op.Seq)
		assert.Equal(t, 1, r.Segment)
	}
}

func TestAppendRejectsSequenceGapAndForeignDevice(t *testing.T) {
	l, err := Open(t.TempDir(), "dev1", testOpts())
	require.NoError(t, err)
	defer l.Close()

	err = l.Append(mkop("dev1", 2, "M1", "a", model.ActionAdd))
	assert.ErrorIs(t, err, model.ErrInvalidOperation)
	err = l.Append(mkop("dev2", 1, "M1", "a", model.ActionAdd))
	assert.ErrorIs(t, err, model.ErrInvalidOperation)
	assert.Equal(t, uint64(0), l.LastSeq())
}

func TestAppendAfterCloseFails(t *testing.T) {
	l, err := Open(t.TempDir(), "dev1", testOpts())
	require.NoError(t, err)
	require.NoError(t, l.Close())
	err = l.Append(mkop("dev1", 1, "M1", "a", model.ActionAdd))
	assert.ErrorIs(t, err, model.ErrLogAppend)
}

func TestReopenResumesSequence(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "dev1", testOpts())
	require.NoError(t, err)
	require.NoError(t, l.Append(mkop("dev1", 1, "M1", "a", model.ActionAdd), mkop("dev1", 2, "M1", "b", model.ActionAdd)))
	require.NoError(t, l.Close())

	l2, err := Open(dir, "dev1", testOpts())
	require.NoError(t, err)
	defer l2.Close()
	assert.Equal(t, uint64(2), l2.LastSeq())
	require.NoError(t, l2.Append(mkop("dev1", 3, "M1", "c", model.ActionAdd)))
}

func TestReopenWithStaleHeadUsesLog(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "dev1", testOpts())
	require.NoError(t, err)
	require.NoError(t, l.Append(mkop("dev1", 1, "M1", "a", model.ActionAdd), mkop("dev1", 2, "M1", "b", model.ActionAdd)))
	require.NoError(t, l.Close())

	// Simulate a crash after the append but before HEAD was rewritten.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dev1", "HEAD"), []byte(`{"sequence_number":1,"logical_time":1001}`), 0o644))

	l2, err := Open(dir, "dev1", testOpts())
	require.NoError(t, err)
	defer l2.Close()
	assert.Equal(t, uint64(2), l2.LastSeq(), "sequence numbers must never be reused")
}

func TestReopenTruncatesPartialTail(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "dev1", testOpts())
	require.NoError(t, err)
	require.NoError(t, l.Append(mkop("dev1", 1, "M1", "a", model.ActionAdd)))
	require.NoError(t, l.Close())

	seg := filepath.Join(dir, "dev1", SegmentName(1))
	f, err := os.OpenFile(seg, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"device_id":"dev1","sequence_number":2,"mess`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l2, err := Open(dir, "dev1", testOpts())
	require.NoError(t, err)
	defer l2.Close()
	assert.Equal(t, uint64(1), l2.LastSeq())
	require.NoError(t, l2.Append(mkop("dev1", 2, "M1", "b", model.ActionAdd)))

	recs, err := ReadDevice(dir, "dev1")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestReopenSurvivesMalformedOwnRecord(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "dev1", testOpts())
	require.NoError(t, err)
	require.NoError(t, l.Append(mkop("dev1", 1, "M1", "a", model.ActionAdd), mkop("dev1", 2, "M1", "b", model.ActionAdd)))
	require.NoError(t, l.Close())

	seg := filepath.Join(dir, "dev1", SegmentName(1))
	f, err := os.OpenFile(seg, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{garbage}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	// HEAD lost as well: the counter must come from the good records.
	require.NoError(t, os.Remove(filepath.Join(dir, "dev1", "HEAD")))

	l2, err := Open(dir, "dev1", testOpts())
	require.NoError(t, err)
	defer l2.Close()
	assert.Equal(t, uint64(2), l2.LastSeq())
	assert.Equal(t, int64(1002), l2.LastTime())
	require.NoError(t, l2.Append(mkop("dev1", 3, "M1", "c", model.ActionAdd)))
}

func TestRefreshSeesOtherHandleAppends(t *testing.T) {
	dir := t.TempDir()
	opts := Options{SegmentMaxBytes: 200, NoSync: true}
	a, err := Open(dir, "dev1", opts)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(dir, "dev1", opts)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Append(mkop("dev1", 1, "M1", "a", model.ActionAdd)))
	require.NoError(t, b.Refresh())
	assert.Equal(t, uint64(1), b.LastSeq())
	require.NoError(t, b.Append(mkop("dev1", 2, "M1", "b", model.ActionAdd)))

	// Enough appends through b to rotate past a's open segment.
	for seq := uint64(3); seq <= 6; seq++ {
		require.NoError(t, b.Append(mkop("dev1", seq, "M2", "x", model.ActionAdd)))
	}
	require.NoError(t, a.Refresh())
	assert.Equal(t, uint64(6), a.LastSeq())
	assert.Equal(t, int64(1006), a.LastTime())
	require.NoError(t, a.Append(mkop("dev1", 7, "M3", "y", model.ActionRemove)))

	recs, err := ReadDevice(dir, "dev1")
	require.NoError(t, err)
	require.Len(t, recs, 7)
	for i, r := range recs {
		assert.Equal(t, uint64(i+1), r.Op.Seq)
	}
}

func TestRefreshWithoutChangesKeepsState(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "dev1", testOpts())
	require.NoError(t, err)
	require.NoError(t, l.Append(mkop("dev1", 1, "M1", "a", model.ActionAdd)))
	require.NoError(t, l.Refresh())
	assert.Equal(t, uint64(1), l.LastSeq())
	require.NoError(t, l.Append(mkop("dev1", 2, "M1", "b", model.ActionAdd)))

	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.Refresh(), model.ErrLogAppend)
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "dev1", Options{SegmentMaxBytes: 1, NoSync: true})
	require.NoError(t, err)
	defer l.Close()

	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, l.Append(mkop("dev1", seq, "M1", "a", model.ActionAdd)))
	}
	segs, err := ListSegments(filepath.Join(dir, "dev1"))
	require.NoError(t, err)
	require.Len(t, segs, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{segs[0].Index, segs[1].Index, segs[2].Index})

	recs, err := ReadDevice(dir, "dev1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, 3, recs[2].Segment)
}

func TestReadSegmentSkipsPartialTail(t *testing.T) {
	dir := t.TempDir()
	devDir := filepath.Join(dir, "dev2")
	require.NoError(t, os.MkdirAll(devDir, 0o755))
	line, err := Encode(mkop("dev2", 1, "M1", "a", model.ActionAdd))
	require.NoError(t, err)
	partial, err := Encode(mkop("dev2", 2, "M1", "b", model.ActionAdd))
	require.NoError(t, err)

	path := filepath.Join(devDir, SegmentName(1))
	require.NoError(t, os.WriteFile(path, append(append([]byte{}, line...), partial[:len(partial)-1]...), 0o644))

	segs, err := ListSegments(devDir)
	require.NoError(t, err)
	recs, err := ReadSegment(segs[0], "dev2", 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(len(line)), recs[0].End)

	// The replication completes the line.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{'\n'})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	segs, _ = ListSegments(devDir)
	recs, err = ReadSegment(segs[0], "dev2", recs[0].End, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(2), recs[0].Op.Seq)
}

func TestReadSegmentStopsAtMalformedLine(t *testing.T) {
	dir := t.TempDir()
	devDir := filepath.Join(dir, "dev2")
	require.NoError(t, os.MkdirAll(devDir, 0o755))
	good, _ := Encode(mkop("dev2", 1, "M1", "a", model.ActionAdd))
	after, _ := Encode(mkop("dev2", 3, "M1", "a", model.ActionAdd))
	content := string(good) + "garbage\n" + string(after)
	require.NoError(t, os.WriteFile(filepath.Join(devDir, SegmentName(1)), []byte(content), 0o644))

	recs, err := ReadDevice(dir, "dev2")
	require.Len(t, recs, 1)
	var mre *model.MalformedRecordError
	require.True(t, errors.As(err, &mre))
	assert.Equal(t, int64(len(good)), mre.Offset)
	assert.ErrorIs(t, err, model.ErrMalformedRecord)
}

func TestReadSegmentRejectsForeignDevice(t *testing.T) {
	dir := t.TempDir()
	devDir := filepath.Join(dir, "dev2")
	require.NoError(t, os.MkdirAll(devDir, 0o755))
	foreign, _ := Encode(mkop("dev9", 1, "M1", "a", model.ActionAdd))
	require.NoError(t, os.WriteFile(filepath.Join(devDir, SegmentName(1)), foreign, 0o644))

	recs, err := ReadDevice(dir, "dev2")
	assert.Empty(t, recs)
	assert.ErrorIs(t, err, model.ErrMalformedRecord)
}

func TestListDevices(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b", "a", ".stfolder"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), nil, 0o644))
	devices, err := ListDevices(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, devices)

	devices, err = ListDevices(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestPositionBefore(t *testing.T) {
	assert.True(t, Position{Segment: 1, Offset: 99}.Before(Position{Segment: 2}))
	assert.True(t, Position{Segment: 2, Offset: 1}.Before(Position{Segment: 2, Offset: 2}))
	assert.False(t, Position{Segment: 2, Offset: 2}.Before(Position{Segment: 2, Offset: 2}))
}
