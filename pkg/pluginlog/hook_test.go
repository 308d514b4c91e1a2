package pluginlog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/plugind/pkg/observability"
	"github.com/platinummonkey/plugind/pkg/store"
)

type memWriter struct {
	mu      sync.Mutex
	entries []*store.LogEntry
	err     error
	block   chan struct{}
}

func (w *memWriter) InsertLog(ctx context.Context, entry *store.LogEntry) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.entries = append(w.entries, entry)
	return nil
}

func (w *memWriter) all() []*store.LogEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*store.LogEntry(nil), w.entries...)
}

func TestHook_PersistsPluginEntries(t *testing.T) {
	w := &memWriter{}
	h := New(w, 16, nil, nil)

	log, _ := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	log.AddHook(h)

	log.Info("host started")
	log.WithFields(logrus.Fields{
		observability.FieldComponent:  "sandbox",
		observability.FieldPluginID:   "reports",
		observability.FieldTenantID:   "t1",
		observability.FieldDurationMS: int64(42),
		"target":                      "GET /hello",
	}).Info(observability.MsgInvocation)
	log.WithField(observability.FieldPluginID, "reports").
		WithError(errors.New("boom")).
		Warn(observability.MsgInvocationFailed)

	require.NoError(t, h.Close())

	entries := w.all()
	require.Len(t, entries, 2)

	first := entries[0]
	assert.Equal(t, "reports", first.PluginID)
	assert.Equal(t, "t1", first.TenantID)
	assert.Equal(t, store.LevelInfo, first.Level)
	assert.Equal(t, observability.MsgInvocation, first.Message)
	require.NotNil(t, first.DurationMS)
	assert.Equal(t, int64(42), *first.DurationMS)
	assert.Equal(t, map[string]interface{}{"target": "GET /hello"}, first.Meta)

	second := entries[1]
	assert.Equal(t, store.LevelWarn, second.Level)
	assert.Nil(t, second.DurationMS)
	assert.Equal(t, "boom", second.Meta[logrus.ErrorKey])
}

func TestHook_DropsWhenQueueIsFull(t *testing.T) {
	metrics := observability.NewPluginMetrics(prometheus.NewRegistry())
	w := &memWriter{block: make(chan struct{})}
	h := New(w, 1, nil, metrics)

	log, _ := test.NewNullLogger()
	log.AddHook(h)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			log.WithField(observability.FieldPluginID, "chatty").Info("line")
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("logging blocked on a full queue")
	}

	// the worker holds at most one entry and the queue one more
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.LogEntriesDropped), 3.0)

	close(w.block)
	require.NoError(t, h.Close())
	assert.LessOrEqual(t, len(w.all()), 2)
}

func TestHook_ReportsWriteErrors(t *testing.T) {
	metrics := observability.NewPluginMetrics(prometheus.NewRegistry())
	report, reportHook := test.NewNullLogger()
	w := &memWriter{err: errors.New("database is locked")}
	h := New(w, 4, report, metrics)

	log, _ := test.NewNullLogger()
	log.AddHook(h)
	log.WithField(observability.FieldPluginID, "reports").Error("oops")

	require.NoError(t, h.Close())

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LogWriteErrors))
	entry := reportHook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "reports", entry.Data[observability.FieldPluginID])
	assert.Equal(t, "pluginlog", entry.Data[observability.FieldComponent])
}

func TestHook_FireAfterClose(t *testing.T) {
	metrics := observability.NewPluginMetrics(prometheus.NewRegistry())
	h := New(&memWriter{}, 4, nil, metrics)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	err := h.Fire(&logrus.Entry{Data: logrus.Fields{observability.FieldPluginID: "late"}, Message: "x"})
	assert.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LogEntriesDropped))
}

func TestConvert(t *testing.T) {
	t.Run("not a plugin entry", func(t *testing.T) {
		_, ok := Convert(&logrus.Entry{Data: logrus.Fields{"component": "orchestrator"}})
		assert.False(t, ok)
	})

	t.Run("level mapping and duration types", func(t *testing.T) {
		entry, ok := Convert(&logrus.Entry{
			Level:   logrus.TraceLevel,
			Message: "tick",
			Time:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			Data: logrus.Fields{
				observability.FieldPluginID:   "p",
				observability.FieldDurationMS: 1500 * time.Millisecond,
				"callback":                    func() {},
			},
		})
		require.True(t, ok)
		assert.Equal(t, store.LevelDebug, entry.Level)
		require.NotNil(t, entry.DurationMS)
		assert.Equal(t, int64(1500), *entry.DurationMS)
		assert.IsType(t, "", entry.Meta["callback"])
		assert.Equal(t, 2026, entry.CreatedAt.Year())
	})
}
