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

func readLines(t *testing.T, path string) []Record {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestWrite_AppendsJSONL(t *testing.T) {
	dir := t.TempDir()
	l := NewLog(dir)
	defer l.Close()

	ts := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	l.Write(Record{TS: ts, TaskID: "t-1", Event: "status_changed", Version: 2, Actor: "system"})
	l.Write(Record{TS: ts, TaskID: "t-1", Event: "plan_denied", Details: map[string]any{
		"pattern": "rm_root",
		"command": "rm -rf /",
	}})

	recs := readLines(t, filepath.Join(dir, "audit-2026-08-24.jsonl"))
	require.Len(t, recs, 2)
	assert.Equal(t, "status_changed", recs[0].Event)
	assert.Equal(t, int64(2), recs[0].Version)
	assert.Equal(t, "rm -rf /", recs[1].Details["command"])
	assert.Zero(t, l.Failures())
}

func TestWrite_RotatesByDate(t *testing.T) {
	dir := t.TempDir()
	l := NewLog(dir)
	defer l.Close()

	l.Write(Record{TS: time.Date(2026, 8, 23, 23, 59, 0, 0, time.UTC), TaskID: "t-1", Event: "created"})
	l.Write(Record{TS: time.Date(2026, 8, 24, 0, 1, 0, 0, time.UTC), TaskID: "t-1", Event: "status_changed"})

	assert.Len(t, readLines(t, filepath.Join(dir, "audit-2026-08-23.jsonl")), 1)
	assert.Len(t, readLines(t, filepath.Join(dir, "audit-2026-08-24.jsonl")), 1)
}

func TestWrite_StampsZeroTime(t *testing.T) {
	dir := t.TempDir()
	l := NewLog(dir)
	defer l.Close()

	l.Write(Record{TaskID: "t-1", Event: "created"})

	files, err := filepath.Glob(filepath.Join(dir, "audit-*.jsonl"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	recs := readLines(t, files[0])
	require.Len(t, recs, 1)
	assert.False(t, recs[0].TS.IsZero())
}

func TestWrite_CountsFailures(t *testing.T) {
	// A file where the directory should be makes every write fail.
	dir := t.TempDir()
	blocked := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0o644))

	l := NewLog(blocked)
	defer l.Close()

	l.Write(Record{TaskID: "t-1", Event: "created"})
	l.Write(Record{TaskID: "t-1", Event: "status_changed"})
	assert.Equal(t, int64(2), l.Failures())
}
