package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/irrigation-core/internal/metrics"
	"github.com/nerrad567/irrigation-core/internal/realtime"
)

// Logger defines the logging interface used by the Writer.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// EventsRoot is the store path audit records are published under.
const EventsRoot = "events"

// WriterConfig configures a Writer.
type WriterConfig struct {
	// QueueSize bounds the records waiting to be written. Default 256.
	QueueSize int

	// WriteTimeout bounds each sink write. Default 5s.
	WriteTimeout time.Duration

	// Root is the store path records go under. Default "events".
	Root string
}

// Writer appends audit records asynchronously to the realtime store and
// to the local repository. Either sink may be nil.
//
// Writes are best-effort: Append never blocks and never reports a sink
// failure. Failed writes are logged and counted; a record that does not
// fit in the queue is dropped with a warning. Records of one topic are
// written in Append order.
type Writer struct {
	store        realtime.Store
	repo         Repository
	root         string
	writeTimeout time.Duration
	logger       Logger
	metrics      *metrics.Metrics
	now          func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan Record

	startOnce sync.Once
	done      chan struct{}
}

// NewWriter creates a writer. Call Start before appending.
func NewWriter(cfg WriterConfig, store realtime.Store, repo Repository) *Writer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Root == "" {
		cfg.Root = EventsRoot
	}
	return &Writer{
		store:        store,
		repo:         repo,
		root:         cfg.Root,
		writeTimeout: cfg.WriteTimeout,
		logger:       noopLogger{},
		now:          time.Now,
		queue:        make(chan Record, cfg.QueueSize),
		done:         make(chan struct{}),
	}
}

// SetLogger sets the logger for the writer.
func (w *Writer) SetLogger(logger Logger) {
	w.logger = logger
}

// SetMetrics sets the collectors the writer updates.
func (w *Writer) SetMetrics(m *metrics.Metrics) {
	w.metrics = m
}

// Start launches the write worker.
func (w *Writer) Start() {
	w.startOnce.Do(func() {
		go w.run()
	})
}

// Append stamps record with the current time and a time-ordered id and
// queues it under topic. record must marshal to a JSON object; a
// "timestamp" member is added when missing.
//
// The returned id identifies the record in both sinks. An error means the
// record was not queued (invalid input, full queue or closed writer); it
// never reflects a sink failure.
func (w *Writer) Append(ctx context.Context, topic string, record any) (string, error) {
	if topic == "" || strings.Contains(topic, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := toObject(record)
	if err != nil {
		return "", err
	}
	now := w.now()
	if _, ok := data["timestamp"]; !ok {
		data["timestamp"] = now.UTC().Format(time.RFC3339)
	}
	rec := Record{
		ID:        realtime.NewKey(now),
		Topic:     topic,
		Data:      data,
		CreatedAt: now,
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped()
		return "", ErrWriterClosed
	}
	select {
	case w.queue <- rec:
		return rec.ID, nil
	default:
		w.dropped()
		w.logger.Warn("audit queue full, record dropped", "topic", topic)
		return "", ErrQueueFull
	}
}

func toObject(record any) (map[string]any, error) {
	if m, ok := record.(map[string]any); ok {
		out := make(map[string]any, len(m)+1)
		for k, v := range m {
			out[k] = v
		}
		return out, nil
	}
	b, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil || out == nil {
		return nil, fmt.Errorf("%w: record must be a JSON object", ErrInvalidRecord)
	}
	return out, nil
}

func (w *Writer) dropped() {
	if w.metrics != nil {
		w.metrics.AuditDropped.Inc()
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for rec := range w.queue {
		w.write(rec)
	}
}

func (w *Writer) write(rec Record) {
	if w.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
		err := w.store.Set(ctx, w.root+"/"+rec.Topic+"/"+rec.ID, rec.Data)
		cancel()
		w.observe("store", rec, err)
	}
	if w.repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
		err := w.repo.Create(ctx, &rec)
		cancel()
		w.observe("sqlite", rec, err)
	}
}

func (w *Writer) observe(sink string, rec Record, err error) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
		w.logger.Warn("audit write failed", "sink", sink, "topic", rec.Topic, "id", rec.ID, "error", err)
	} else {
		w.logger.Debug("audit record written", "sink", sink, "topic", rec.Topic, "id", rec.ID)
	}
	if w.metrics != nil {
		w.metrics.AuditWrites.WithLabelValues(sink, result).Inc()
	}
}

// Close stops accepting records and waits for queued ones to be written
// or for ctx to end.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	// Start the worker if it never ran so queued records still drain.
	w.Start()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for audit queue: %w", ctx.Err())
	}
}
