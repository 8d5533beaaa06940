package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestLoggerWritesSessionJSONL(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir, "sess-1")
	require.NoError(t, err)

	l.Info(CategoryPolicy, "decision", "allowed", map[string]any{"tool": "read_file"})
	l.Warn(CategoryAgent, "recovery_attempt", "", map[string]any{"reason": "max_turns"})
	require.NoError(t, l.Close())

	events := readEvents(t, filepath.Join(dir, "sessions", "sess-1.jsonl"))
	require.Len(t, events, 2)

	assert.Equal(t, LevelInfo, events[0].Level)
	assert.Equal(t, CategoryPolicy, events[0].Category)
	assert.Equal(t, "decision", events[0].EventType)
	assert.Equal(t, "sess-1", events[0].SessionID)
	assert.Equal(t, "read_file", events[0].Details["tool"])
	assert.False(t, events[0].Timestamp.IsZero())

	assert.Equal(t, LevelWarn, events[1].Level)
	assert.Equal(t, "recovery_attempt", events[1].EventType)
}

func TestErrorsMirroredToSharedLog(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir, "sess-1")
	require.NoError(t, err)

	l.Info(CategorySchedule, "scheduled", "", nil)
	l.Error(CategorySchedule, "execution_failed", "boom", nil)
	require.NoError(t, l.Close())

	errs := readEvents(t, filepath.Join(dir, "errors.jsonl"))
	require.Len(t, errs, 1)
	assert.Equal(t, "execution_failed", errs[0].EventType)
	assert.Equal(t, "boom", errs[0].Message)

	session := readEvents(t, filepath.Join(dir, "sessions", "sess-1.jsonl"))
	assert.Len(t, session, 2)
}

func TestMinLevelFiltersLowerEvents(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir, "sess-1")
	require.NoError(t, err)

	l.SetMinLevel(LevelWarn)
	l.Info(CategoryAgent, "dropped", "", nil)
	l.Warn(CategoryAgent, "kept", "", nil)
	l.Error(CategoryAgent, "also_kept", "", nil)
	require.NoError(t, l.Close())

	events := readEvents(t, filepath.Join(dir, "sessions", "sess-1.jsonl"))
	require.Len(t, events, 2)
	assert.Equal(t, "kept", events[0].EventType)
	assert.Equal(t, "also_kept", events[1].EventType)
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	assert.NoError(t, l.Log(Event{Level: LevelInfo}))
	l.Info(CategoryAgent, "noop", "", nil)
	assert.NoError(t, l.Close())
}

func TestAppendAcrossLoggerInstances(t *testing.T) {
	dir := t.TempDir()

	for i := 0; i < 2; i++ {
		l, err := NewLogger(dir, "sess-1")
		require.NoError(t, err)
		l.Info(CategoryConfig, "loaded", "", nil)
		require.NoError(t, l.Close())
	}

	events := readEvents(t, filepath.Join(dir, "sessions", "sess-1.jsonl"))
	assert.Len(t, events, 2)
}
