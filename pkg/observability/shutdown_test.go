package observability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownManager_RunsFuncsInReverseOrder(t *testing.T) {
	logger, hook := test.NewNullLogger()
	sm := NewShutdownManager(logger, time.Second)

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"store", "scheduler", "bus"} {
		sm.RegisterShutdownFunc(name, func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, sm.WaitForShutdown(ctx))
	assert.Equal(t, []string{"bus", "scheduler", "store"}, order)
	assert.Equal(t, "graceful shutdown complete", hook.LastEntry().Message)
}

func TestShutdownManager_ReportsErrors(t *testing.T) {
	logger, hook := test.NewNullLogger()
	sm := NewShutdownManager(logger, time.Second)
	closeErr := errors.New("close failed")
	ran := false
	sm.RegisterShutdownFunc("store", func(ctx context.Context) error {
		ran = true
		return nil
	})
	sm.RegisterShutdownFunc("bus", func(ctx context.Context) error { return closeErr })

	err := sm.Shutdown()
	require.Error(t, err)
	assert.ErrorIs(t, err, closeErr)
	assert.ErrorContains(t, err, "1 errors")
	assert.ErrorContains(t, err, "bus")
	assert.True(t, ran, "later steps still run after a failure")
	assert.Equal(t, "bus", hook.Entries[0].Data["step"])
}

func TestShutdownManager_Timeout(t *testing.T) {
	logger, _ := test.NewNullLogger()
	sm := NewShutdownManager(logger, 20*time.Millisecond)
	sm.RegisterShutdownFunc("slow", func(ctx context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})

	err := sm.Shutdown()
	assert.ErrorContains(t, err, "timeout")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewShutdownManager_DefaultTimeout(t *testing.T) {
	logger, _ := test.NewNullLogger()
	assert.Equal(t, DefaultShutdownTimeout, NewShutdownManager(logger, 0).timeout)
}
