package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/plugind/pkg/plugins"
	"github.com/platinummonkey/plugind/pkg/protocol"
)

type fakeSandbox struct {
	mu     sync.Mutex
	seen   []string
	result protocol.HookResult
	err    error
}

func (f *fakeSandbox) CallHook(ctx context.Context, hook string, payload json.RawMessage, meta plugins.HookMeta) (protocol.HookResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, string(payload))
	return f.result, f.err
}

func (f *fakeSandbox) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

func returning(out string, calls *[]string, name string) plugins.HookFunc {
	return func(ctx context.Context, payload json.RawMessage, meta plugins.HookMeta) (json.RawMessage, error) {
		*calls = append(*calls, name+":"+string(payload))
		if out == "" {
			return nil, nil
		}
		return json.RawMessage(out), nil
	}
}

func newTestRegistry() (*Registry, *test.Hook) {
	logger, hook := test.NewNullLogger()
	return NewRegistry(logger, nil), hook
}

func TestCallHook_TransformingOrder(t *testing.T) {
	r, _ := newTestRegistry()
	var calls []string
	sb := &fakeSandbox{result: protocol.HookResult{Handled: true}}

	r.RegisterLocal(HookOrderProcess, "a", returning(`{"total":90}`, &calls, "A"))
	r.RegisterLocal(HookOrderProcess, "b", returning("", &calls, "B"))
	r.RegisterSandboxHandler(HookOrderProcess, "c", sb, "")

	out := r.CallHook(context.Background(), HookOrderProcess, json.RawMessage(`{"total":100}`), plugins.HookMeta{})

	assert.Equal(t, []string{`A:{"total":100}`, `B:{"total":90}`}, calls)
	assert.Equal(t, []string{`{"total":90}`}, sb.calls(), "sandboxed handler sees A's output")
	assert.JSONEq(t, `{"total":90}`, string(out))
}

func TestCallHook_LastTransformerWins(t *testing.T) {
	r, _ := newTestRegistry()
	var calls []string
	sb := &fakeSandbox{result: protocol.HookResult{Handled: true, Modified: true, Payload: json.RawMessage(`{"total":50}`)}}

	r.RegisterLocal(HookOrderProcess, "a", returning(`{"total":90}`, &calls, "A"))
	r.RegisterLocal(HookOrderProcess, "b", returning(`{"total":80}`, &calls, "B"))
	r.RegisterSandboxHandler(HookOrderProcess, "c", sb, "")

	out := r.CallHook(context.Background(), HookOrderProcess, json.RawMessage(`{"total":100}`), plugins.HookMeta{})
	assert.JSONEq(t, `{"total":50}`, string(out))
	assert.Equal(t, []string{`{"total":80}`}, sb.calls())
}

func TestCallHook_NonTransformingIgnoresResults(t *testing.T) {
	r, _ := newTestRegistry()
	var calls []string
	sb := &fakeSandbox{result: protocol.HookResult{Handled: true, Modified: true, Payload: json.RawMessage(`{"x":2}`)}}

	r.RegisterLocal(HookEntityCreated, "a", returning(`{"x":1}`, &calls, "A"))
	r.RegisterLocal(HookEntityCreated, "b", returning("", &calls, "B"))
	r.RegisterSandboxHandler(HookEntityCreated, "c", sb, "")

	out := r.CallHook(context.Background(), HookEntityCreated, json.RawMessage(`{"id":7}`), plugins.HookMeta{})
	assert.JSONEq(t, `{"id":7}`, string(out))
	assert.Equal(t, []string{`A:{"id":7}`, `B:{"id":7}`}, calls)
	assert.Equal(t, []string{`{"id":7}`}, sb.calls())
}

func TestCallHook_TenantScopedSkip(t *testing.T) {
	tests := []struct {
		name       string
		metaTenant string
		invoked    bool
	}{
		{name: "different tenant", metaTenant: "7", invoked: false},
		{name: "same tenant", metaTenant: "5", invoked: true},
		{name: "no tenant on event", metaTenant: "", invoked: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRegistry()
			sb := &fakeSandbox{}
			r.RegisterSandboxHandler(HookEntityCreated, "p", sb, "5")

			r.CallHook(context.Background(), HookEntityCreated, json.RawMessage(`{}`), plugins.HookMeta{TenantID: tt.metaTenant})
			assert.Equal(t, tt.invoked, len(sb.calls()) == 1)
		})
	}
}

func TestCallHook_ErrorIsolation(t *testing.T) {
	r, logs := newTestRegistry()
	var calls []string
	failing := &fakeSandbox{err: errors.New("sandbox down")}
	healthy := &fakeSandbox{result: protocol.HookResult{Handled: true, Modified: true, Payload: json.RawMessage(`{"ok":true}`)}}

	r.RegisterLocal(HookOrderProcess, "thrower", func(ctx context.Context, payload json.RawMessage, meta plugins.HookMeta) (json.RawMessage, error) {
		return nil, errors.New("TypeError")
	})
	r.RegisterLocal(HookOrderProcess, "panicker", func(ctx context.Context, payload json.RawMessage, meta plugins.HookMeta) (json.RawMessage, error) {
		panic("nil map")
	})
	r.RegisterLocal(HookOrderProcess, "after", returning("", &calls, "after"))
	r.RegisterSandboxHandler(HookOrderProcess, "down", failing, "")
	r.RegisterSandboxHandler(HookOrderProcess, "up", healthy, "")

	var out json.RawMessage
	require.NotPanics(t, func() {
		out = r.CallHook(context.Background(), HookOrderProcess, json.RawMessage(`{}`), plugins.HookMeta{TenantID: "t1"})
	})

	assert.Equal(t, []string{"after:{}"}, calls)
	assert.Len(t, failing.calls(), 1)
	assert.Len(t, healthy.calls(), 1)
	assert.JSONEq(t, `{"ok":true}`, string(out))

	var pluginIDs []interface{}
	for _, e := range logs.AllEntries() {
		pluginIDs = append(pluginIDs, e.Data["plugin_id"])
	}
	assert.Equal(t, []interface{}{"thrower", "panicker", "down"}, pluginIDs)
}

func TestCallHook_NoHandlers(t *testing.T) {
	r, _ := newTestRegistry()
	out := r.CallHook(context.Background(), "nothing", json.RawMessage(`[1,2]`), plugins.HookMeta{})
	assert.JSONEq(t, `[1,2]`, string(out))
}

func TestCustomTransformingHooks(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := NewRegistry(logger, nil, "invoice.render")
	assert.True(t, r.IsTransforming("invoice.render"))
	assert.False(t, r.IsTransforming(HookOrderProcess))
}

func TestRemovePlugin(t *testing.T) {
	r, _ := newTestRegistry()
	var calls []string
	r.RegisterLocal(HookEntityCreated, "keep", returning("", &calls, "keep"))
	r.RegisterLocal(HookEntityCreated, "drop", returning("", &calls, "drop"))
	r.RegisterSandboxHandler(HookOrderProcess, "drop", &fakeSandbox{}, "")

	assert.Equal(t, []string{HookEntityCreated, HookOrderProcess}, r.Hooks())

	r.RemovePlugin("drop")
	require.Len(t, r.LocalHandlers(HookEntityCreated), 1)
	assert.Equal(t, "keep", r.LocalHandlers(HookEntityCreated)[0].PluginID)
	assert.Empty(t, r.SandboxHandlers(HookOrderProcess))
	assert.Equal(t, []string{HookEntityCreated}, r.Hooks())
}

func TestReplace(t *testing.T) {
	r, _ := newTestRegistry()
	var calls []string
	r.RegisterLocal(HookOrderProcess, "old", returning(`{"by":"old"}`, &calls, "old"))

	set := NewHandlerSet()
	set.RegisterLocal(HookOrderProcess, "new", returning(`{"by":"new"}`, &calls, "new"))
	set.RegisterSandboxHandler(HookEntityCreated, "new", &fakeSandbox{}, "t1")
	set.RegisterLocal(HookOrderProcess, "nil", nil)
	set.RegisterSandboxHandler(HookOrderProcess, "nil", nil, "")
	assert.Equal(t, 2, set.Len())

	// building a set leaves the live handlers alone
	out := r.CallHook(context.Background(), HookOrderProcess, json.RawMessage(`{}`), plugins.HookMeta{})
	assert.JSONEq(t, `{"by":"old"}`, string(out))

	r.Replace(set)
	out = r.CallHook(context.Background(), HookOrderProcess, json.RawMessage(`{}`), plugins.HookMeta{})
	assert.JSONEq(t, `{"by":"new"}`, string(out))
	assert.Equal(t, []string{HookEntityCreated, HookOrderProcess}, r.Hooks())

	// later changes to the set do not leak into the registry
	set.RegisterLocal(HookOrderProcess, "late", returning(`{"by":"late"}`, &calls, "late"))
	assert.Len(t, r.LocalHandlers(HookOrderProcess), 1)

	r.Replace(NewHandlerSet())
	assert.Empty(t, r.Hooks())
	assert.Equal(t, []string{"old:{}", "new:{}"}, calls)
}

func TestReplace_DuringDispatch(t *testing.T) {
	r, _ := newTestRegistry()
	entered := make(chan struct{})
	release := make(chan struct{})
	r.RegisterLocal(HookOrderProcess, "slow", func(ctx context.Context, payload json.RawMessage, meta plugins.HookMeta) (json.RawMessage, error) {
		close(entered)
		<-release
		return json.RawMessage(`{"step":1}`), nil
	})
	sb := &fakeSandbox{result: protocol.HookResult{Modified: true, Payload: json.RawMessage(`{"step":2}`)}}
	r.RegisterSandboxHandler(HookOrderProcess, "worker", sb, "")

	done := make(chan json.RawMessage)
	go func() {
		done <- r.CallHook(context.Background(), HookOrderProcess, json.RawMessage(`{}`), plugins.HookMeta{})
	}()
	<-entered
	r.Replace(NewHandlerSet())
	close(release)

	assert.JSONEq(t, `{"step":2}`, string(<-done))
	assert.Equal(t, []string{`{"step":1}`}, sb.calls())
	assert.Empty(t, r.Hooks())
}
