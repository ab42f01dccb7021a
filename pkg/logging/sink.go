package logging

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"
)

// LogEntry represents a log entry to be written to a sink.
type LogEntry struct {
	Timestamp time.Time
	Level     string
	Service   string
	Message   string
	Fields    map[string]string
	TraceID   string
	MeetingID string
	Caller    string
}

// LogWriter persists batches of log entries.
type LogWriter interface {
	WriteBatch(ctx context.Context, entries []LogEntry) error
}

// Sink is an interface for components that receive log entries.
type Sink interface {
	// Write queues a log entry for async processing.
	Write(entry LogEntry)
	// Flush blocks until all queued entries are written.
	Flush(ctx context.Context) error
	// Close shuts down the sink gracefully.
	Close() error
}

// AsyncSink buffers entries in memory and hands them to a LogWriter in batches.
type AsyncSink struct {
	writer       LogWriter
	entryChan    chan LogEntry
	flushChan    chan chan error
	ticker       *time.Ticker
	batchSize    int
	writeTimeout time.Duration
	wg           sync.WaitGroup
	done         chan struct{}
	mu           sync.Mutex
	closed       bool
}

// AsyncSinkConfig configures an AsyncSink.
type AsyncSinkConfig struct {
	// Writer is the backend for persisting log entries.
	Writer LogWriter
	// BufferSize is the channel capacity (default: 1000).
	BufferSize int
	// BatchSize is the max entries per batch write (default: 100).
	BatchSize int
	// FlushInterval is how often to flush buffered entries (default: 2s).
	FlushInterval time.Duration
}

// NewAsyncSink creates a sink and starts its background writer.
func NewAsyncSink(cfg AsyncSinkConfig) *AsyncSink {
	if cfg.Writer == nil {
		panic("AsyncSink requires a non-nil Writer")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}

	s := &AsyncSink{
		writer:       cfg.Writer,
		entryChan:    make(chan LogEntry, cfg.BufferSize),
		flushChan:    make(chan chan error),
		ticker:       time.NewTicker(cfg.FlushInterval),
		batchSize:    cfg.BatchSize,
		writeTimeout: 5 * time.Second,
		done:         make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()

	return s
}

// Write queues a log entry. Entries are dropped when the buffer is full.
func (s *AsyncSink) Write(entry LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.entryChan <- entry:
	default:
		fmt.Fprintf(os.Stderr, "[AsyncSink] buffer full, dropping log entry: %s\n", entry.Message)
	}
}

// Flush blocks until everything queued before the call has been written.
func (s *AsyncSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}

	errChan := make(chan error, 1)
	select {
	case s.flushChan <- errChan:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the buffer, writes the final batch and stops the background writer.
func (s *AsyncSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.ticker.Stop()
	s.wg.Wait()

	return nil
}

func (s *AsyncSink) run() {
	defer s.wg.Done()

	batch := make([]LogEntry, 0, s.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
		defer cancel()

		err := s.writer.WriteBatch(ctx, batch)
		if err != nil {
			// Never crash the service over log persistence.
			fmt.Fprintf(os.Stderr, "[AsyncSink] failed to write batch of %d entries: %v\n", len(batch), err)
		}
		batch = batch[:0]
		return err
	}

	add := func(entry LogEntry) {
		batch = append(batch, entry)
		if len(batch) >= s.batchSize {
			flush()
		}
	}

	// drainQueued moves everything already buffered into batches.
	drainQueued := func() {
		for {
			select {
			case entry := <-s.entryChan:
				add(entry)
			default:
				return
			}
		}
	}

	for {
		select {
		case entry := <-s.entryChan:
			add(entry)

		case <-s.ticker.C:
			flush()

		case errChan := <-s.flushChan:
			drainQueued()
			errChan <- flush()

		case <-s.done:
			drainQueued()
			flush()
			return
		}
	}
}

// getCaller returns the caller information (file:line) for logging.
func getCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	for i := len(file) - 1; i > 0; i-- {
		if file[i] == '/' {
			file = file[i+1:]
			break
		}
	}
	return fmt.Sprintf("%s:%d", file, line)
}
