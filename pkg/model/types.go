// Package model defines the core domain types for tagsync.
//
// Tagsync keeps per-message tag state consistent across devices that each
// hold their own tag-indexed mail store, with no central server:
//
//   - Every tag mutation is an immutable TagOperation appended to the
//     originating device's log. The pair (DeviceID, Seq) identifies it
//     uniquely; a device's sequence numbers are gap-free and increasing.
//
//   - Logs are replicated between devices by an external file transport.
//     Each device folds the operations it observes into its local store
//     using last-write-wins per (message, tag), ordered by
//     (Time, DeviceID, Seq). The merge is commutative and idempotent, so
//     every device that has seen the same operations converges.
package model

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Action is the mutation an operation applies to a tag.
type Action string

const (
	ActionAdd    Action = "+"
	ActionRemove Action = "-"
)

// Valid reports whether a is one of the two known actions.
func (a Action) Valid() bool { return a == ActionAdd || a == ActionRemove }

// Present reports whether a tag is present after this action wins.
func (a Action) Present() bool { return a == ActionAdd }

// String returns the human name of the action.
func (a Action) String() string {
	switch a {
	case ActionAdd:
		return "ADD"
	case ActionRemove:
		return "REMOVE"
	default:
		return "UNKNOWN(" + string(a) + ")"
	}
}

// ParseAction accepts "+", "-", "add", "remove" (any case).
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "+", "add":
		return ActionAdd, nil
	case "-", "remove", "rm":
		return ActionRemove, nil
	}
	return "", fmt.Errorf("%w: unknown action %q", ErrInvalidOperation, s)
}

// OperationID uniquely identifies an operation across all devices.
type OperationID struct {
	DeviceID string `json:"device_id"`
	Seq      uint64 `json:"seq"`
}

func (id OperationID) String() string { return fmt.Sprintf("%s:%d", id.DeviceID, id.Seq) }

// Key is the unit of materialization: one tag on one message. Tags on the
// same message are independent keys.
type Key struct {
	MessageKey string `json:"message_key"`
	Tag        string `json:"tag"`
}

func (k Key) String() string { return k.MessageKey + "#" + k.Tag }

// Less orders keys by message then tag, for deterministic iteration.
func (k Key) Less(other Key) bool {
	if k.MessageKey != other.MessageKey {
		return k.MessageKey < other.MessageKey
	}
	return k.Tag < other.Tag
}

// TagOperation is a single add/remove intent. Immutable once appended.
type TagOperation struct {
	DeviceID   string `json:"device_id"`
	Seq        uint64 `json:"sequence_number"`
	MessageKey string `json:"message_key"`
	Tag        string `json:"tag"`
	Action     Action `json:"action"`
	// Time is the wall-clock creation time in Unix nanoseconds.
	Time int64 `json:"logical_time"`
}

// ID returns the operation's unique identifier.
func (op TagOperation) ID() OperationID {
	return OperationID{DeviceID: op.DeviceID, Seq: op.Seq}
}

// Key returns the (message, tag) pair the operation targets.
func (op TagOperation) Key() Key {
	return Key{MessageKey: op.MessageKey, Tag: op.Tag}
}

// CreatedAt converts Time to a time.Time in UTC.
func (op TagOperation) CreatedAt() time.Time { return time.Unix(0, op.Time).UTC() }

// Validate checks the structural invariants every stored or replicated
// operation must satisfy.
func (op TagOperation) Validate() error {
	if err := ValidateDeviceID(op.DeviceID); err != nil {
		return err
	}
	if op.Seq == 0 {
		return fmt.Errorf("%w: sequence number must be >= 1", ErrInvalidOperation)
	}
	if err := ValidateMessageKey(op.MessageKey); err != nil {
		return err
	}
	if err := ValidateTag(op.Tag); err != nil {
		return err
	}
	if !op.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidOperation, string(op.Action))
	}
	return nil
}

// ValidateTag requires a non-empty printable tag without whitespace.
func ValidateTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("%w: empty tag", ErrInvalidOperation)
	}
	if !utf8.ValidString(tag) {
		return fmt.Errorf("%w: tag is not valid UTF-8", ErrInvalidOperation)
	}
	for _, r := range tag {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return fmt.Errorf("%w: tag %q contains non-printable or space characters", ErrInvalidOperation, tag)
		}
	}
	return nil
}

// ValidateMessageKey requires a non-empty single-line printable key.
func ValidateMessageKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty message key", ErrInvalidOperation)
	}
	if !utf8.ValidString(key) {
		return fmt.Errorf("%w: message key is not valid UTF-8", ErrInvalidOperation)
	}
	for _, r := range key {
		if !unicode.IsPrint(r) {
			return fmt.Errorf("%w: message key contains non-printable characters", ErrInvalidOperation)
		}
	}
	return nil
}

// ValidateDeviceID requires an identifier usable as a directory name.
func ValidateDeviceID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty device id", ErrInvalidOperation)
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: device id %q is not a valid path segment", ErrInvalidOperation, id)
	}
	for _, r := range id {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return fmt.Errorf("%w: device id %q contains non-printable or space characters", ErrInvalidOperation, id)
		}
	}
	return nil
}

// Watermark records how far one device's log has been folded into the
// local store. Seq 0 means nothing consumed.
type Watermark struct {
	DeviceID  string    `json:"device_id"`
	Seq       uint64    `json:"seq"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TagState is the materialized presence of one Key and the operation that
// decided it.
type TagState struct {
	Key     Key          `json:"key"`
	Present bool         `json:"present"`
	Winner  TagOperation `json:"winner"`
}
