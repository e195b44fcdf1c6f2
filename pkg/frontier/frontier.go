// Package frontier reports sync progress: for every device, how far its
// replicated log reaches and how far the local store has folded it in.
//
// A device is caught up when its watermark equals the highest complete
// record visible in its log. The local store reflects the full observed
// operation set only when every device is caught up; devices that are
// behind, or whose log is blocked by a malformed record, are listed so an
// operator can tell "still syncing" from "stuck".
package frontier

import (
	"errors"
	"sort"

	"github.com/kubux/tagsync/pkg/model"
	"github.com/kubux/tagsync/pkg/oplog"
)

// Head is the visible extent of one device log.
type Head struct {
	DeviceID string `json:"device_id"`
	Seq      uint64 `json:"seq"`
	Time     int64  `json:"ts"`
	Records  int    `json:"records"`
	// Blocked is set when reading stopped at a malformed record.
	Blocked string `json:"blocked,omitempty"`
}

// ScanHeads reads every device log under syncDir and returns its head.
func ScanHeads(syncDir string) (map[string]Head, error) {
	devices, err := oplog.ListDevices(syncDir)
	if err != nil {
		return nil, err
	}
	heads := make(map[string]Head, len(devices))
	for _, dev := range devices {
		recs, err := oplog.ReadDevice(syncDir, dev)
		h := Head{DeviceID: dev, Records: len(recs)}
		if n := len(recs); n > 0 {
			h.Seq, h.Time = recs[n-1].Op.Seq, recs[n-1].Op.Time
		}
		if err != nil {
			var mre *model.MalformedRecordError
			if !errors.As(err, &mre) {
				return nil, err
			}
			h.Blocked = mre.Error()
		}
		heads[dev] = h
	}
	return heads, nil
}

// DeviceProgress is the sync position of one device.
type DeviceProgress struct {
	DeviceID  string `json:"device_id"`
	Head      uint64 `json:"head"`
	HeadTime  int64  `json:"head_ts,omitempty"`
	Watermark uint64 `json:"watermark"`
	Lag       uint64 `json:"lag"`
	Blocked   string `json:"blocked,omitempty"`
	// Missing is set when a watermark exists but the log directory is
	// currently absent.
	Missing bool `json:"missing,omitempty"`
}

// CaughtUp reports whether every visible record has been folded.
func (p DeviceProgress) CaughtUp() bool { return p.Lag == 0 && p.Blocked == "" }

// Status summarizes progress across all devices.
type Status struct {
	InSync  bool             `json:"in_sync"`
	Devices []DeviceProgress `json:"devices"`
	Behind  []DeviceProgress `json:"behind,omitempty"`
}

// Compute joins log heads with watermarks. Devices known only from their
// watermark are reported as missing, never dropped.
func Compute(heads map[string]Head, marks map[string]uint64) Status {
	ids := make(map[string]struct{}, len(heads)+len(marks))
	for id := range heads {
		ids[id] = struct{}{}
	}
	for id := range marks {
		ids[id] = struct{}{}
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	st := Status{InSync: true}
	for _, id := range sorted {
		h, seen := heads[id]
		p := DeviceProgress{
			DeviceID:  id,
			Head:      h.Seq,
			HeadTime:  h.Time,
			Watermark: marks[id],
			Blocked:   h.Blocked,
			Missing:   !seen,
		}
		if p.Head > p.Watermark {
			p.Lag = p.Head - p.Watermark
		}
		st.Devices = append(st.Devices, p)
		if !p.CaughtUp() {
			st.InSync = false
			st.Behind = append(st.Behind, p)
		}
	}
	return st
}
