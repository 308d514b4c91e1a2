// Package pluginlog persists plugin-attributed log entries.
//
// Hook is a logrus.Hook. Every entry that carries a plugin_id field becomes a
// store.LogEntry and is written by a background worker through a bounded
// queue. Firing the hook never blocks the caller: when the queue is full the
// entry is dropped and counted.
package pluginlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plugind/pkg/observability"
	"github.com/platinummonkey/plugind/pkg/store"
)

// DefaultQueueSize is used when New is given a non-positive size
const DefaultQueueSize = 1024

const writeTimeout = 5 * time.Second

// Writer persists one log entry
type Writer interface {
	InsertLog(ctx context.Context, entry *store.LogEntry) error
}

// Hook forwards plugin log entries to a Writer
type Hook struct {
	writer  Writer
	queue   chan *store.LogEntry
	report  logrus.FieldLogger
	metrics *observability.PluginMetrics

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// New starts the write loop. report receives write failures and must not be a
// logger this hook is attached to.
func New(w Writer, size int, report logrus.FieldLogger, metrics *observability.PluginMetrics) *Hook {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if report == nil {
		report = logrus.New()
	}
	h := &Hook{
		writer:  w,
		queue:   make(chan *store.LogEntry, size),
		report:  observability.Component(report, "pluginlog"),
		metrics: metrics,
		done:    make(chan struct{}),
	}
	go h.run()
	return h
}

// Levels implements logrus.Hook
func (h *Hook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook. It never blocks and never fails.
func (h *Hook) Fire(e *logrus.Entry) error {
	entry, ok := Convert(e)
	if !ok {
		return nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.metrics.RecordLogDropped()
		return nil
	}

	select {
	case h.queue <- entry:
	default:
		h.metrics.RecordLogDropped()
	}
	return nil
}

func (h *Hook) run() {
	defer close(h.done)
	for entry := range h.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := h.writer.InsertLog(ctx, entry)
		cancel()
		if err != nil {
			h.metrics.RecordLogWriteError()
			h.report.WithError(err).WithField(observability.FieldPluginID, entry.PluginID).
				Warn("failed to persist plugin log entry")
		}
	}
}

// Close stops accepting entries and waits for queued ones to be written
func (h *Hook) Close() error {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.queue)
	}
	h.mu.Unlock()

	<-h.done
	return nil
}

// Convert maps a logrus entry onto a plugin log row. Entries without a
// plugin_id field are not plugin logs.
func Convert(e *logrus.Entry) (*store.LogEntry, bool) {
	pluginID, _ := e.Data[observability.FieldPluginID].(string)
	if pluginID == "" {
		return nil, false
	}

	entry := &store.LogEntry{
		PluginID:  pluginID,
		Level:     store.ParseLevel(e.Level.String()),
		Message:   e.Message,
		CreatedAt: e.Time.UTC(),
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	for key, value := range e.Data {
		switch key {
		case observability.FieldPluginID, observability.FieldComponent:
		case observability.FieldTenantID:
			entry.TenantID = fmt.Sprint(value)
		case observability.FieldDurationMS:
			if ms, ok := toInt64(value); ok {
				entry.DurationMS = &ms
			}
		default:
			if entry.Meta == nil {
				entry.Meta = make(map[string]interface{})
			}
			entry.Meta[key] = metaValue(value)
		}
	}
	return entry, true
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	case time.Duration:
		return n.Milliseconds(), true
	}
	return 0, false
}

// metaValue keeps values that encode as JSON and stringifies the rest
func metaValue(v interface{}) interface{} {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if _, err := json.Marshal(v); err != nil {
		return fmt.Sprint(v)
	}
	return v
}
