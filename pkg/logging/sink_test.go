package logging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogWriter is a test implementation of LogWriter.
type mockLogWriter struct {
	mu      sync.Mutex
	batches [][]LogEntry
	err     error
}

func (m *mockLogWriter) WriteBatch(ctx context.Context, entries []LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}

	batch := make([]LogEntry, len(entries))
	copy(batch, entries)
	m.batches = append(m.batches, batch)
	return nil
}

func (m *mockLogWriter) Batches() [][]LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}

func (m *mockLogWriter) TotalEntries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, batch := range m.batches {
		total += len(batch)
	}
	return total
}

func newTestSink(writer LogWriter, batchSize int) *AsyncSink {
	return NewAsyncSink(AsyncSinkConfig{
		Writer:        writer,
		BufferSize:    100,
		BatchSize:     batchSize,
		FlushInterval: time.Hour,
	})
}

func TestAsyncSink_BatchingAndFlush(t *testing.T) {
	writer := &mockLogWriter{}
	sink := newTestSink(writer, 10)
	defer sink.Close()

	for i := 0; i < 25; i++ {
		sink.Write(LogEntry{Level: "info", Service: "test", Message: "cue parsed"})
	}

	require.NoError(t, sink.Flush(context.Background()))

	assert.Equal(t, 25, writer.TotalEntries())
	batches := writer.Batches()
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 10)
	assert.Len(t, batches[1], 10)
	assert.Len(t, batches[2], 5)
}

func TestAsyncSink_CloseDrains(t *testing.T) {
	writer := &mockLogWriter{}
	sink := newTestSink(writer, 100)

	for i := 0; i < 7; i++ {
		sink.Write(LogEntry{Level: "info", Message: "queued"})
	}
	require.NoError(t, sink.Close())

	assert.Equal(t, 7, writer.TotalEntries())

	// Writes after close are ignored, and closing twice is safe.
	sink.Write(LogEntry{Message: "late"})
	assert.NoError(t, sink.Close())
	assert.NoError(t, sink.Flush(context.Background()))
	assert.Equal(t, 7, writer.TotalEntries())
}

func TestAsyncSink_WriterErrorReturnedFromFlush(t *testing.T) {
	writer := &mockLogWriter{err: errors.New("database unavailable")}
	sink := newTestSink(writer, 100)
	defer sink.Close()

	sink.Write(LogEntry{Message: "will fail"})
	err := sink.Flush(context.Background())
	assert.EqualError(t, err, "database unavailable")
}

func TestAsyncSink_ConcurrentWrites(t *testing.T) {
	writer := &mockLogWriter{}
	sink := newTestSink(writer, 10)
	defer sink.Close()

	var wg sync.WaitGroup
	for g := 0; g < 5; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				sink.Write(LogEntry{Message: "concurrent"})
			}
		}()
	}
	wg.Wait()

	require.NoError(t, sink.Flush(context.Background()))
	assert.Equal(t, 50, writer.TotalEntries())
}

func TestLogger_SendsToSinkWithBoundFields(t *testing.T) {
	writer := &mockLogWriter{}
	sink := newTestSink(writer, 100)
	defer sink.Close()

	log := NewLogger(&Config{
		Level:       LevelInfo,
		ServiceName: "penf-transcripts",
		JSONFormat:  true,
		Output:      &discard{},
		Sinks:       []Sink{sink},
	})

	ctx := context.WithValue(context.Background(), MeetingIDKey, "meeting-1")
	log.WithContext(ctx).With(F("component", "discovery")).Info("transcript acquired", F("entries", 3))
	log.Debug("below threshold")

	require.NoError(t, sink.Flush(context.Background()))
	batches := writer.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)

	entry := batches[0][0]
	assert.Equal(t, "info", entry.Level)
	assert.Equal(t, "penf-transcripts", entry.Service)
	assert.Equal(t, "transcript acquired", entry.Message)
	assert.Equal(t, "meeting-1", entry.MeetingID)
	assert.Equal(t, "discovery", entry.Fields["component"])
	assert.Equal(t, "3", entry.Fields["entries"])
	assert.Contains(t, entry.Caller, "sink_test.go:")
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
