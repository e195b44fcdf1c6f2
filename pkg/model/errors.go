package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidOperation is returned for operations that violate the
	// record invariants (empty tag, zero sequence, unknown action...).
	ErrInvalidOperation = errors.New("invalid tag operation")

	// ErrLogAppend is returned when a record could not be durably appended
	// to the local device log. No store mutation happened.
	ErrLogAppend = errors.New("log append failed")

	// ErrStoreMutation is returned when the local tag store rejected a
	// mutation. The operation stays in the log and is reapplied later.
	ErrStoreMutation = errors.New("tag store mutation failed")

	// ErrMalformedRecord marks a corrupt or partial log record. It is
	// skipped for the current observation and retried on the next one.
	ErrMalformedRecord = errors.New("malformed log record")

	// ErrWatermarkPersist is returned when the watermark commit failed.
	// The pass is treated as if it never happened.
	ErrWatermarkPersist = errors.New("watermark persist failed")
)

// MalformedRecordError describes a record that could not be decoded.
type MalformedRecordError struct {
	Path   string
	Offset int64
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed log record at %s:%d: %s", e.Path, e.Offset, e.Reason)
}

// Is lets errors.Is(err, ErrMalformedRecord) match.
func (e *MalformedRecordError) Is(target error) bool {
	return target == ErrMalformedRecord
}
