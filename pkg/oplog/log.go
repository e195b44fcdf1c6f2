package oplog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/kubux/tagsync/pkg/model"
)

// Options configures a DeviceLog.
type Options struct {
	// SegmentMaxBytes rotates to a new segment once the current one has
	// reached this size. Default: 4 MiB.
	SegmentMaxBytes int64

	// NoSync skips fsync after each append. Only for tests.
	NoSync bool

	// Logger for log maintenance. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		SegmentMaxBytes: 4 << 20,
		Logger:          slog.Default(),
	}
}

// head is the persisted sequence counter stored next to the segments.
type head struct {
	Seq  uint64 `json:"sequence_number"`
	Time int64  `json:"logical_time"`
}

// DeviceLog is the writable log of the local device. Safe for concurrent
// use; appends are serialized.
type DeviceLog struct {
	mu       sync.Mutex
	dir      string
	deviceID string
	opts     Options
	logger   *slog.Logger

	f        *os.File
	segIndex int
	segSize  int64

	lastSeq  uint64
	lastTime int64

	// broken is set when a failed append could not be rolled back; all
	// further appends fail until the log is reopened and repaired.
	broken error
}

// Open opens (creating if needed) the log of deviceID inside syncDir.
//
// A trailing partial line in the newest segment is an append that never
// completed and was never acknowledged; it is truncated. The sequence
// counter resumes from max(HEAD, last record) so numbers are never reused.
// Processes sharing a device must hold the device lock around Open and
// around Refresh+Append.
func Open(syncDir, deviceID string, opts Options) (*DeviceLog, error) {
	if err := model.ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}
	if opts.SegmentMaxBytes <= 0 {
		opts.SegmentMaxBytes = DefaultOptions().SegmentMaxBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dir := DeviceDir(syncDir, deviceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	l := &DeviceLog{
		dir:      dir,
		deviceID: deviceID,
		opts:     opts,
		logger:   logger.With("component", "oplog", "device", deviceID),
		segIndex: 1,
	}
	segs, err := ListSegments(dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	if err := l.load(segs); err != nil {
		return nil, err
	}
	return l, nil
}

// load repairs the newest segment, recovers the counter and opens the
// newest segment for appending.
func (l *DeviceLog) load(segs []Segment) error {
	if len(segs) > 0 {
		last := segs[len(segs)-1]
		size, err := l.repairTail(last.Path)
		if err != nil {
			return err
		}
		l.segIndex = last.Index
		l.segSize = size
	}
	l.recoverCounter(segs)

	f, err := os.OpenFile(filepath.Join(l.dir, SegmentName(l.segIndex)), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	l.f = f
	return nil
}

// Refresh picks up records another handle appended to this log since it
// was opened or last refreshed, so the next Append continues after them.
// Callers hold the device lock.
func (l *DeviceLog) Refresh() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return fmt.Errorf("%w: log closed", model.ErrLogAppend)
	}
	segs, err := ListSegments(l.dir)
	if err != nil {
		return fmt.Errorf("%w: list segments: %v", model.ErrLogAppend, err)
	}
	if len(segs) == 0 {
		return nil
	}
	if last := segs[len(segs)-1]; last.Index == l.segIndex && last.Size == l.segSize {
		return nil
	}
	prevSeq := l.lastSeq
	if err := l.f.Close(); err != nil {
		l.logger.Warn("close segment before refresh", "err", err)
	}
	l.f = nil
	if err := l.load(segs); err != nil {
		return fmt.Errorf("%w: refresh: %v", model.ErrLogAppend, err)
	}
	if l.lastSeq != prevSeq {
		l.logger.Debug("log advanced by another writer", "from_seq", prevSeq, "to_seq", l.lastSeq)
	}
	return nil
}

// repairTail truncates an unterminated final line and returns the
// resulting file size.
func (l *DeviceLog) repairTail(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read segment: %w", err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return int64(len(data)), nil
	}
	cut := int64(bytes.LastIndexByte(data, '\n') + 1)
	l.logger.Warn("truncating incomplete record", "path", path, "bytes", int64(len(data))-cut)
	if err := os.Truncate(path, cut); err != nil {
		return 0, fmt.Errorf("truncate incomplete record: %w", err)
	}
	return cut, nil
}

// recoverCounter raises lastSeq and lastTime to the newest well-formed
// record and to HEAD. It never lowers them.
func (l *DeviceLog) recoverCounter(segs []Segment) {
	// Walk back to the newest segment holding records.
	for i := len(segs) - 1; i >= 0; i-- {
		newest, found, skipped, err := newestRecord(segs[i], l.deviceID)
		if err != nil {
			l.logger.Error("scan own log", "path", segs[i].Path, "err", err)
		}
		if skipped > 0 {
			// Readers on other devices stop at these lines until they are removed.
			l.logger.Error("malformed records in own log; continuing after the newest good record",
				"path", segs[i].Path, "malformed", skipped)
		}
		if found {
			l.raise(newest.Seq, newest.Time)
			break
		}
	}

	h, err := l.readHead()
	if err != nil {
		l.logger.Warn("ignoring unreadable HEAD", "err", err)
		return
	}
	if h.Seq > l.lastSeq {
		// The log lost records HEAD had acknowledged. Never reuse them.
		l.logger.Error("HEAD is ahead of log; continuing after HEAD", "head_seq", h.Seq, "log_seq", l.lastSeq)
	}
	l.raise(h.Seq, h.Time)
}

func (l *DeviceLog) raise(seq uint64, ts int64) {
	if seq > l.lastSeq {
		l.lastSeq = seq
	}
	if ts > l.lastTime {
		l.lastTime = ts
	}
}

// newestRecord returns the highest-numbered well-formed record of seg,
// counting the complete lines it had to skip.
func newestRecord(seg Segment, deviceID string) (op model.TagOperation, found bool, skipped int, err error) {
	f, err := os.Open(seg.Path)
	if err != nil {
		return op, false, 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		line, rerr := r.ReadBytes('\n')
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				err = rerr
			}
			return op, found, skipped, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		rec, derr := Decode(line)
		if derr != nil || rec.DeviceID != deviceID {
			skipped++
			continue
		}
		if !found || rec.Seq > op.Seq {
			op, found = rec, true
		}
	}
}

func (l *DeviceLog) readHead() (head, error) {
	var h head
	data, err := os.ReadFile(filepath.Join(l.dir, headFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return h, nil
		}
		return h, err
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return head{}, err
	}
	return h, nil
}

func (l *DeviceLog) writeHead() error {
	data, err := json.Marshal(head{Seq: l.lastSeq, Time: l.lastTime})
	if err != nil {
		return err
	}
	path := filepath.Join(l.dir, headFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// DeviceID returns the owning device.
func (l *DeviceLog) DeviceID() string { return l.deviceID }

// Dir returns the device's log directory.
func (l *DeviceLog) Dir() string { return l.dir }

// LastSeq returns the highest sequence number appended so far (0 if none).
func (l *DeviceLog) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// LastTime returns the timestamp of the newest record (0 if none).
func (l *DeviceLog) LastTime() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastTime
}

// Append durably writes ops as consecutive records. ops[i].Seq must equal
// LastSeq()+1+i. Either every record is written and synced, or the call
// fails with model.ErrLogAppend and the log is unchanged.
func (l *DeviceLog) Append(ops ...model.TagOperation) error {
	if len(ops) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.broken != nil {
		return fmt.Errorf("%w: log unusable after failed rollback: %v", model.ErrLogAppend, l.broken)
	}
	if l.f == nil {
		return fmt.Errorf("%w: log closed", model.ErrLogAppend)
	}

	var buf bytes.Buffer
	for i, op := range ops {
		if op.DeviceID != l.deviceID {
			return fmt.Errorf("%w: record for device %q in log of %q", model.ErrInvalidOperation, op.DeviceID, l.deviceID)
		}
		if want := l.lastSeq + 1 + uint64(i); op.Seq != want {
			return fmt.Errorf("%w: sequence %d, want %d", model.ErrInvalidOperation, op.Seq, want)
		}
		line, err := Encode(op)
		if err != nil {
			return err
		}
		buf.Write(line)
	}

	if l.segSize > 0 && l.segSize >= l.opts.SegmentMaxBytes {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("%w: rotate: %v", model.ErrLogAppend, err)
		}
	}

	n, err := l.f.Write(buf.Bytes())
	if err == nil && !l.opts.NoSync {
		err = l.f.Sync()
	}
	if err != nil {
		l.rollback(int64(n))
		return fmt.Errorf("%w: %v", model.ErrLogAppend, err)
	}

	l.segSize += int64(n)
	last := ops[len(ops)-1]
	l.lastSeq = last.Seq
	if last.Time > l.lastTime {
		l.lastTime = last.Time
	}
	if err := l.writeHead(); err != nil {
		// HEAD is only a hint; the log itself is authoritative.
		l.logger.Warn("write HEAD failed", "err", err)
	}
	return nil
}

func (l *DeviceLog) rollback(written int64) {
	if written == 0 {
		return
	}
	if err := l.f.Truncate(l.segSize); err != nil {
		l.broken = err
		l.logger.Error("rollback of failed append failed", "err", err)
	}
}

func (l *DeviceLog) rotate() error {
	if err := l.f.Close(); err != nil {
		return err
	}
	l.f = nil
	next := l.segIndex + 1
	f, err := os.OpenFile(filepath.Join(l.dir, SegmentName(next)), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		// Reopen the previous segment so the log stays usable.
		prev, perr := os.OpenFile(filepath.Join(l.dir, SegmentName(l.segIndex)), os.O_WRONLY|os.O_APPEND, 0o644)
		if perr == nil {
			l.f = prev
		} else {
			l.broken = perr
		}
		return err
	}
	if !l.opts.NoSync {
		syncDir(l.dir)
	}
	l.f = f
	l.segIndex = next
	l.segSize = 0
	l.logger.Debug("rotated segment", "segment", next)
	return nil
}

// Close closes the current segment.
func (l *DeviceLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
