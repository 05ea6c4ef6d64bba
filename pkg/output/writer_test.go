package output

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Sternrassler/zammad-extract/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), sc.Text())
		out = append(out, m)
	}
	return out
}

func TestWriter_Messages(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, w.WriteRecord("tickets", json.RawMessage(`{"id": 1, "title": "printer"}`)))
	require.NoError(t, w.WriteState(state.State{Bookmarks: map[string]state.Bookmark{
		"tickets": {ReplicationKey: "updated_at", ReplicationKeyValue: time.Date(2024, 5, 31, 8, 0, 0, 0, time.UTC)},
	}}))

	msgs := lines(t, &buf)
	require.Len(t, msgs, 2)

	assert.Equal(t, "RECORD", msgs[0]["type"])
	assert.Equal(t, "tickets", msgs[0]["stream"])
	assert.Equal(t, "2024-06-01T12:00:00Z", msgs[0]["time_extracted"])
	assert.Equal(t, map[string]any{"id": float64(1), "title": "printer"}, msgs[0]["record"])

	assert.Equal(t, "STATE", msgs[1]["type"])
	bookmarks := msgs[1]["value"].(map[string]any)["bookmarks"].(map[string]any)
	assert.Equal(t, map[string]any{
		"replication_key":       "updated_at",
		"replication_key_value": "2024-05-31T08:00:00Z",
	}, bookmarks["tickets"])

	records, states := w.Counts()
	assert.Equal(t, 1, records)
	assert.Equal(t, 1, states)
}

func TestWriter_EmptyState(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteState(state.State{}))
	assert.JSONEq(t, `{"type": "STATE", "value": {"bookmarks": {}}}`, buf.String())
}

func TestWriter_InvalidRecord(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	assert.Error(t, w.WriteRecord("tickets", json.RawMessage(`{"id":`)))
	assert.Zero(t, buf.Len())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestWriter_PropagatesWriteErrors(t *testing.T) {
	w := NewWriter(failingWriter{})
	assert.Error(t, w.WriteRecord("users", json.RawMessage(`{}`)))
	assert.Error(t, w.WriteState(state.State{}))
}
