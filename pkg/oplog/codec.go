// Package oplog implements the per-device append-only operation log.
//
// A device log is a directory named after the device inside the shared
// sync directory. It holds numbered JSONL segments, one record per line:
//
//	<sync_dir>/<device_id>/ops-00000001.jsonl
//	<sync_dir>/<device_id>/ops-00000002.jsonl
//	<sync_dir>/<device_id>/HEAD
//
// Only the owning device writes its directory; every other device reads it
// after an external transport has replicated it. Readers must expect
// partial trailing lines while replication is in progress.
package oplog

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/kubux/tagsync/pkg/model"
)

// Encode renders op as one newline-terminated JSON line.
func Encode(op model.TagOperation) ([]byte, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", op.ID(), err)
	}
	return append(b, '\n'), nil
}

// Decode parses one line (with or without its trailing newline) and
// validates the result. It never returns a partially filled operation.
func Decode(line []byte) (model.TagOperation, error) {
	line = bytes.TrimRight(line, "\r\n")
	var op model.TagOperation
	if len(line) == 0 {
		return op, fmt.Errorf("%w: empty line", model.ErrMalformedRecord)
	}
	if err := json.Unmarshal(line, &op); err != nil {
		return model.TagOperation{}, fmt.Errorf("%w: %v", model.ErrMalformedRecord, err)
	}
	if err := op.Validate(); err != nil {
		return model.TagOperation{}, fmt.Errorf("%w: %v", model.ErrMalformedRecord, err)
	}
	return op, nil
}
