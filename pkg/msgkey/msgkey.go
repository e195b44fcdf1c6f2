// Package msgkey derives the message_key of an RFC 5322 message: its
// Message-ID without angle brackets, or, when the message has none,
// "notmuch-sha1-" followed by the SHA-1 of the raw file, matching the id
// notmuch assigns to such messages.
package msgkey

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/kubux/tagsync/pkg/model"
)

// HashPrefix marks keys derived from message content.
const HashPrefix = "notmuch-sha1-"

// Normalize trims whitespace and one pair of angle brackets.
func Normalize(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

// FromBytes derives the key of a raw message.
func FromBytes(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: empty message", model.ErrInvalidOperation)
	}
	if id := messageID(raw); id != "" && model.ValidateMessageKey(id) == nil {
		return id, nil
	}
	sum := sha1.Sum(raw)
	return HashPrefix + hex.EncodeToString(sum[:]), nil
}

// FromReader reads a whole message from r and derives its key.
func FromReader(r io.Reader) (string, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read message: %w", err)
	}
	return FromBytes(raw)
}

// FromFile derives the key of the message stored at path.
func FromFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read message: %w", err)
	}
	return FromBytes(raw)
}

func messageID(raw []byte) string {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && mr == nil {
		return ""
	}
	defer mr.Close()
	if id, err := mr.Header.MessageID(); err == nil && id != "" {
		return id
	}
	// Unparseable msg-id syntax: fall back to the raw header value.
	return Normalize(mr.Header.Get("Message-Id"))
}
