package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/zammad-extract/internal/config"
	"github.com/Sternrassler/zammad-extract/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "cli-token"

var day0 = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

type message struct {
	Type   string          `json:"type"`
	Stream string          `json:"stream"`
	Record json.RawMessage `json:"record"`
	Value  json.RawMessage `json:"value"`
}

func parseMessages(t *testing.T, out *bytes.Buffer) []message {
	t.Helper()
	var msgs []message
	sc := bufio.NewScanner(out)
	for sc.Scan() {
		var m message
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), sc.Text())
		msgs = append(msgs, m)
	}
	return msgs
}

func countRecords(msgs []message) map[string]int {
	counts := make(map[string]int)
	for _, m := range msgs {
		if m.Type == "RECORD" {
			counts[m.Stream]++
		}
	}
	return counts
}

func writeConfigFile(t *testing.T, mock *testutil.MockZammad, statePath string, extra string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := fmt.Sprintf(`api_base_url: %s
auth_token: %s
state:
  backend: file
  path: %s
log:
  level: error
%s`, mock.URL(), testToken, statePath, extra)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (*bytes.Buffer, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(args)
	cmd.SetErr(&bytes.Buffer{})
	return &out, cmd.Execute()
}

func TestStreamsCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd(&bytes.Buffer{})
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"streams"})
	require.NoError(t, cmd.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 6)
	assert.Contains(t, lines[0], "REPLICATION KEY")
	assert.Contains(t, lines[1], "/tickets/search")
	assert.Contains(t, lines[1], "search_window")
	assert.Contains(t, lines[2], "tags")
	assert.Contains(t, lines[2], "single_page")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(lines[2]), "tickets"))
	assert.Contains(t, lines[5], "page_number")
}

func TestRunCommand(t *testing.T) {
	mock := testutil.NewMockZammad(testToken)
	defer mock.Close()
	mock.SetTickets([]testutil.Row{
		{ID: 7, UpdatedAt: day0.Add(2 * time.Hour)},
		{ID: 8, UpdatedAt: day0.Add(5 * time.Hour)},
	})
	mock.SetTags(8, []string{"billing"})
	mock.SetUsers(testutil.UniformRows(3, day0, 24*time.Hour))

	statePath := filepath.Join(t.TempDir(), "state.json")
	cfgPath := writeConfigFile(t, mock, statePath, "streams: [tickets, tags, users]\n")

	out, err := execute(t, "run", "--config", cfgPath)
	require.NoError(t, err)

	msgs := parseMessages(t, out)
	require.NotEmpty(t, msgs)
	assert.Equal(t, map[string]int{"tickets": 2, "tags": 1, "users": 3}, countRecords(msgs))
	assert.Equal(t, "STATE", msgs[len(msgs)-1].Type)

	raw, err := os.ReadFile(statePath)
	require.NoError(t, err)
	var st struct {
		Bookmarks map[string]struct {
			ReplicationKeyValue time.Time `json:"replication_key_value"`
		} `json:"bookmarks"`
	}
	require.NoError(t, json.Unmarshal(raw, &st))
	assert.True(t, st.Bookmarks["tickets"].ReplicationKeyValue.Equal(day0.Add(5*time.Hour)))
	assert.Contains(t, st.Bookmarks, "users")

	// the second run resumes one day before the stored checkpoint
	mock.Reset()
	_, err = execute(t, "run", "--config", cfgPath)
	require.NoError(t, err)

	var first string
	for _, r := range mock.Requests() {
		if r.Path == "/tickets/search" {
			first = r.RawQuery
			break
		}
	}
	assert.Contains(t, first, "updated_at%3A%3E2024-01-31")
}

func TestRunCommand_FlagOverrides(t *testing.T) {
	mock := testutil.NewMockZammad(testToken)
	defer mock.Close()
	mock.SetUsers(testutil.UniformRows(4, day0, 24*time.Hour))
	mock.SetGroups(testutil.UniformRows(2, day0, 24*time.Hour))

	cfgPath := writeConfigFile(t, mock, filepath.Join(t.TempDir(), "state.json"), "")
	statePath := filepath.Join(t.TempDir(), "override.json")

	out, err := execute(t, "run", "--config", cfgPath,
		"--streams", "groups",
		"--state-path", statePath,
		"--metrics-addr", "127.0.0.1:0")
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"groups": 2}, countRecords(parseMessages(t, out)))
	assert.FileExists(t, statePath)
	assert.Zero(t, mock.RequestCount("/users/search"))
}

func TestRunCommand_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api_base_url: https://support.example.com\n"), 0o600))

	_, err := execute(t, "run", "--config", path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))
}

func TestRunCommand_Unauthorized(t *testing.T) {
	mock := testutil.NewMockZammad("other-token")
	defer mock.Close()

	cfgPath := writeConfigFile(t, mock, filepath.Join(t.TempDir(), "state.json"), "streams: [groups]\n")
	out, err := execute(t, "run", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Empty(t, countRecords(parseMessages(t, out)))
}
