package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(summary string) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		RunID:     "test-run",
		Service:   "themeproxy",
		EventType: EventThemeApplied,
		Summary:   summary,
	}
}

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev), "line %d", len(events)+1)
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestJSONLWriter_AppendsAcrossWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	for _, summary := range []string{"GET / themed", "GET /about themed"} {
		w, err := NewJSONLWriter(path)
		require.NoError(t, err)
		require.NoError(t, w.Write(testEvent(summary)))
		require.NoError(t, w.Close())
	}

	events := readEvents(t, path)
	require.Len(t, events, 2)
	assert.Equal(t, "GET / themed", events[0].Summary)
	assert.Equal(t, "GET /about themed", events[1].Summary)
}

func TestJSONLWriter_ConcurrentRequests(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	w, err := NewJSONLWriter(path)
	require.NoError(t, err)

	const requests = 64
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, w.Write(testEvent(fmt.Sprintf("GET /page/%d themed", i))))
		}(i)
	}
	wg.Wait()
	require.NoError(t, w.Close())

	assert.Len(t, readEvents(t, path), requests)
}

func TestJSONLWriter_OpenFailure(t *testing.T) {
	_, err := NewJSONLWriter(filepath.Join(t.TempDir(), "missing", "events.jsonl"))
	assert.ErrorIs(t, err, ErrOpenEventLog)
}

func TestJSONLWriter_Stream(t *testing.T) {
	var buf bytes.Buffer
	w := newStreamWriter(&buf)
	require.NoError(t, w.Write(testEvent("streamed")))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "closing a stream writer is a no-op")

	var event Event
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
	assert.Equal(t, "streamed", event.Summary)
}
