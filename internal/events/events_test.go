package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeStableShape(t *testing.T) {
	b, err := Encode(User("d1", "hello", "cp1", "session_1"))
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &raw))
	require.Contains(t, raw, "event")
	require.Contains(t, raw, "data")

	var typ string
	require.NoError(t, json.Unmarshal(raw["event"], &typ))
	require.Equal(t, "user", typ)

	var data UserData
	require.NoError(t, json.Unmarshal(raw["data"], &data))
	require.Equal(t, "hello", data.Content)
	require.Equal(t, "cp1", data.Checkpoint)
	require.Equal(t, "session_1", data.Session)
}

func TestEncodeDoneIsAlwaysTrue(t *testing.T) {
	b, err := Encode(Done("d1"))
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"done","data":{"done":true}}`, string(b))
}

func TestWithIdxOnlyOnRequestedEvents(t *testing.T) {
	chat := Chat("d1", "hi").WithIdx(3)
	b, err := Encode(chat)
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"chat","data":{"content":"hi"},"idx":3}`, string(b))

	toolCall := ToolCall("d1", "read_file", json.RawMessage(`{"path":"a.py"}`))
	b2, err := Encode(toolCall)
	require.NoError(t, err)
	require.NotContains(t, string(b2), `"idx"`)
}
