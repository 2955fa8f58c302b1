package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEntries(t *testing.T, dir string) []map[string]any {
	t.Helper()
	path := filepath.Join(dir, time.Now().UTC().Format("2006-01-02")+".jsonl")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestLog_EntryShapes(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, nil)
	require.NoError(t, err)
	defer l.Close()

	l.LLMCall("s1", "planner", "gpt-test", "openai", 100, 20, 1500*time.Millisecond, "ok")
	l.Task("s1", 7, "exec", "list files", "done", 2*time.Second, 42)
	l.Webhook("s1", 7, "https://hook.example.com", "delivered", 1)
	l.Review("s1", 7, "ok", false)

	entries := readEntries(t, dir)
	require.Len(t, entries, 4)

	llm := entries[0]
	assert.Equal(t, "llm", llm["type"])
	assert.Equal(t, "s1", llm["session"])
	assert.Equal(t, "planner", llm["role"])
	assert.EqualValues(t, 100, llm["input_tokens"])
	assert.EqualValues(t, 1500, llm["duration_ms"])

	task := entries[1]
	assert.Equal(t, "task", task["type"])
	assert.EqualValues(t, 7, task["task_id"])
	assert.EqualValues(t, 42, task["output_length"])

	assert.Equal(t, "webhook", entries[2]["type"])
	assert.EqualValues(t, 1, entries[2]["attempts"])

	assert.Equal(t, "review", entries[3]["type"])
	assert.Equal(t, false, entries[3]["has_learning"])
}

func TestLog_RedactsSecrets(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, func() []string { return []string{"tok_abc123"} })
	require.NoError(t, err)
	defer l.Close()

	l.Task("s1", 1, "exec", "use token tok_abc123 for auth", "done", time.Second, 10)

	entries := readEntries(t, dir)
	require.Len(t, entries, 1)
	detail := entries[0]["detail"].(string)
	assert.NotContains(t, detail, "tok_abc123")
	assert.Contains(t, detail, "[REDACTED]")
}
