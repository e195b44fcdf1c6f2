package oplog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/kubux/tagsync/pkg/model"
)

const (
	segmentPrefix = "ops-"
	segmentSuffix = ".jsonl"
	headFile      = "HEAD"
)

// Segment is one file of a device log.
type Segment struct {
	Index int
	Path  string
	Size  int64
}

// SegmentName returns the file name of segment index.
func SegmentName(index int) string {
	return fmt.Sprintf("%s%08d%s", segmentPrefix, index, segmentSuffix)
}

// ParseSegmentName extracts the index from a segment file name.
func ParseSegmentName(name string) (int, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix))
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// DeviceDir returns the log directory of a device inside syncDir.
func DeviceDir(syncDir, deviceID string) string {
	return filepath.Join(syncDir, deviceID)
}

// ListSegments returns the segments in dir ordered by index. A missing
// directory yields no segments and no error.
func ListSegments(dir string) ([]Segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var segs []Segment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idx, ok := ParseSegmentName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		segs = append(segs, Segment{Index: idx, Path: filepath.Join(dir, e.Name()), Size: info.Size()})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].Index < segs[j].Index })
	return segs, nil
}

// ListDevices returns the device IDs that have a directory in syncDir,
// sorted. Hidden entries and names that are not valid device IDs are
// ignored.
func ListDevices(syncDir string) ([]string, error) {
	entries, err := os.ReadDir(syncDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var devices []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if model.ValidateDeviceID(e.Name()) != nil {
			continue
		}
		devices = append(devices, e.Name())
	}
	sort.Strings(devices)
	return devices, nil
}
