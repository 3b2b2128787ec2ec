package decode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sendPayload struct {
	ReceiverID   string   `json:"receiverId"`
	ReceiverKind string   `json:"receiverKind"`
	Count        int      `json:"count"`
	IDs          []string `json:"ids"`
	IsTyping     bool     `json:"isTyping"`
}

func TestDecodeJSONWeakTypes(t *testing.T) {
	out, err := DecodeJSON[sendPayload]([]byte(`{
		"receiverId": 1234567890123456789,
		"receiverKind": "client",
		"count": "3",
		"ids": [1, "2", 3],
		"isTyping": "true"
	}`))
	require.NoError(t, err)
	assert.Equal(t, "1234567890123456789", out.ReceiverID)
	assert.Equal(t, "client", out.ReceiverKind)
	assert.Equal(t, 3, out.Count)
	assert.Equal(t, []string{"1", "2", "3"}, out.IDs)
	assert.True(t, out.IsTyping)
}

func TestDecodeJSONEmpty(t *testing.T) {
	out, err := DecodeJSON[sendPayload](nil)
	require.NoError(t, err)
	assert.Equal(t, sendPayload{}, *out)

	_, err = DecodeJSON[sendPayload]([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestReaders(t *testing.T) {
	m, err := ToMap([]byte(`{"id": 42, "name": "x", "tags": ["a", 1]}`))
	require.NoError(t, err)

	s, err := ReadString(m, "id")
	require.NoError(t, err)
	assert.Equal(t, "42", s)

	n, err := ReadInt64(m, "id")
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	tags, err := ReadStringSlice(m, "tags")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "1"}, tags)

	_, err = ReadString(m, "missing")
	assert.Error(t, err)
}
