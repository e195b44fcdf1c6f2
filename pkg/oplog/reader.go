package oplog

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/kubux/tagsync/pkg/model"
)

// Record is a decoded operation plus the position just past its line.
type Record struct {
	Op      model.TagOperation
	Segment int
	End     int64
}

// Position marks how far a device log has been read.
type Position struct {
	Segment int
	Offset  int64
}

// Before reports whether p is strictly before other.
func (p Position) Before(other Position) bool {
	if p.Segment != other.Segment {
		return p.Segment < other.Segment
	}
	return p.Offset < other.Offset
}

// ReadSegment decodes complete records of seg starting at offset.
//
// A trailing line without a newline is treated as an in-progress write and
// left for the next read. A complete line that fails to decode, or whose
// device does not match deviceID, stops the read: the records before it
// are returned together with a *model.MalformedRecordError. limit <= 0 means
// no limit.
func ReadSegment(seg Segment, deviceID string, offset int64, limit int) ([]Record, error) {
	f, err := os.Open(seg.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, err
		}
	}

	var recs []Record
	r := bufio.NewReader(f)
	pos := offset
	for limit <= 0 || len(recs) < limit {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Partial tail (or clean end): not surfaced.
				return recs, nil
			}
			return recs, err
		}
		start := pos
		pos += int64(len(line))
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		op, err := Decode(line)
		if err != nil {
			return recs, &model.MalformedRecordError{Path: seg.Path, Offset: start, Reason: err.Error()}
		}
		if op.DeviceID != deviceID {
			return recs, &model.MalformedRecordError{
				Path:   seg.Path,
				Offset: start,
				Reason: "record device " + op.DeviceID + " does not match log " + deviceID,
			}
		}
		recs = append(recs, Record{Op: op, Segment: seg.Index, End: pos})
	}
	return recs, nil
}

// ReadDevice reads every complete record of a device log from the start.
// It stops at the first malformed record and returns what precedes it
// along with the error.
func ReadDevice(syncDir, deviceID string) ([]Record, error) {
	segs, err := ListSegments(DeviceDir(syncDir, deviceID))
	if err != nil {
		return nil, err
	}
	var all []Record
	for _, seg := range segs {
		recs, err := ReadSegment(seg, deviceID, 0, 0)
		all = append(all, recs...)
		if err != nil {
			return all, err
		}
	}
	return all, nil
}
