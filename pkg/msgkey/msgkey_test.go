package msgkey

import (
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubux/tagsync/pkg/model"
)

const withID = "From: a@example.com\r\n" +
	"To: b@example.com\r\n" +
	"Subject: hi\r\n" +
	"Message-ID: <abc.123@example.com>\r\n" +
	"\r\n" +
	"body\r\n"

const withoutID = "From: a@example.com\r\n" +
	"Subject: no id\r\n" +
	"\r\n" +
	"body\r\n"

func TestFromBytesUsesMessageID(t *testing.T) {
	key, err := FromBytes([]byte(withID))
	require.NoError(t, err)
	assert.Equal(t, "abc.123@example.com", key)
}

func TestFromBytesHashesWithoutMessageID(t *testing.T) {
	key, err := FromBytes([]byte(withoutID))
	require.NoError(t, err)
	sum := sha1.Sum([]byte(withoutID))
	assert.Equal(t, HashPrefix+hex.EncodeToString(sum[:]), key)

	again, err := FromReader(strings.NewReader(withoutID))
	require.NoError(t, err)
	assert.Equal(t, key, again, "derivation is deterministic")
}

func TestFromBytesEmpty(t *testing.T) {
	_, err := FromBytes(nil)
	assert.ErrorIs(t, err, model.ErrInvalidOperation)
}

func TestFromFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "msg.eml")
	require.NoError(t, os.WriteFile(p, []byte(withID), 0o644))
	key, err := FromFile(p)
	require.NoError(t, err)
	assert.Equal(t, "abc.123@example.com", key)

	_, err = FromFile(filepath.Join(t.TempDir(), "missing.eml"))
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "x@y", Normalize("  <x@y> "))
	assert.Equal(t, "x@y", Normalize("x@y"))
	assert.Equal(t, "", Normalize("<>"))
}
