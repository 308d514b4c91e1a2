package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/plugind/pkg/plugins"
)

func newTestMounter() (*mux.Router, *Mounter, *test.Hook) {
	logger, hook := test.NewNullLogger()
	router := mux.NewRouter()
	return router, NewMounter(router, logger, nil), hook
}

func serve(router http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestValidatePath(t *testing.T) {
	tests := []struct {
		path  string
		valid bool
	}{
		{"/widgets/123-abc", true},
		{"/a_b/C-d", true},
		{"/", true},
		{"widgets", false},
		{"", false},
		{"/../etc/passwd", false},
		{"/a/..", false},
		{"/a b", false},
		{"/a?b=c", false},
		{"/a%0d%0a", false},
		{"/a.json", false},
		{"/{id}", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := ValidatePath(tt.path)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidPath)
			}
		})
	}
}

func TestRegisterPluginRoute_RejectsInvalidPath(t *testing.T) {
	_, m, _ := newTestMounter()
	inv := func(ctx context.Context, call Call) (*plugins.RouteResponse, error) { return nil, nil }

	assert.ErrorIs(t, m.RegisterPluginRoute("p1", "GET", "/../x", inv), ErrInvalidPath)
	assert.Error(t, m.RegisterPluginRoute("", "GET", "/x", inv))
	assert.Error(t, m.RegisterPluginRoute("p1", "GET", "/x", nil))
	assert.Empty(t, m.listBindings())
}

func TestRegisterPluginRoute_Idempotent(t *testing.T) {
	router, m, _ := newTestMounter()

	var first, second int32
	require.NoError(t, m.RegisterPluginRoute("p1", "get", "/x", func(ctx context.Context, call Call) (*plugins.RouteResponse, error) {
		atomic.AddInt32(&first, 1)
		return nil, nil
	}))
	require.NoError(t, m.RegisterPluginRoute("p1", "GET", "/x", func(ctx context.Context, call Call) (*plugins.RouteResponse, error) {
		atomic.AddInt32(&second, 1)
		return nil, nil
	}))

	rec := serve(router, http.MethodGet, "/api/plugin/p1/x", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{}`, rec.Body.String())
	assert.Equal(t, int32(1), atomic.LoadInt32(&first)+atomic.LoadInt32(&second), "exactly one invocation")
	assert.Equal(t, int32(1), atomic.LoadInt32(&second), "latest registration serves")
	assert.Len(t, m.listBindings(), 1)
}

func TestRoutes_NamespacedPerPlugin(t *testing.T) {
	router, m, _ := newTestMounter()
	for _, id := range []string{"alpha", "beta"} {
		id := id
		require.NoError(t, m.RegisterPluginRoute(id, "GET", "/widgets", func(ctx context.Context, call Call) (*plugins.RouteResponse, error) {
			return &plugins.RouteResponse{Body: json.RawMessage(`{"from":"` + id + `"}`)}, nil
		}))
	}

	assert.JSONEq(t, `{"from":"alpha"}`, serve(router, "GET", "/api/plugin/alpha/widgets", "", nil).Body.String())
	assert.JSONEq(t, `{"from":"beta"}`, serve(router, "GET", "/api/plugin/beta/widgets", "", nil).Body.String())
	assert.Equal(t, http.StatusMethodNotAllowed, serve(router, "POST", "/api/plugin/beta/widgets", "", nil).Code)
}

func TestRoutes_EncodedPluginID(t *testing.T) {
	router, m, _ := newTestMounter()
	require.NoError(t, m.RegisterPluginRoute("acme/tools v2", "GET", "/x", func(ctx context.Context, call Call) (*plugins.RouteResponse, error) {
		return &plugins.RouteResponse{Body: json.RawMessage(`{"ok":true}`)}, nil
	}))

	assert.Equal(t, "/api/plugin/acme%2Ftools%20v2/x", m.MountPath("acme/tools v2", "/x"))
	rec := serve(router, "GET", "/api/plugin/acme%2Ftools%20v2/x", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRoutes_ResponseTranslation(t *testing.T) {
	router, m, _ := newTestMounter()
	var got Call
	require.NoError(t, m.RegisterPluginRoute("p1", "POST", "/orders", func(ctx context.Context, call Call) (*plugins.RouteResponse, error) {
		got = call
		return &plugins.RouteResponse{
			Status:  http.StatusCreated,
			Headers: map[string]string{"X-Plugin": "p1"},
			Body:    json.RawMessage(`{"created":true}`),
		}, nil
	}))

	rec := serve(router, "POST", "/api/plugin/p1/orders?ref=abc", `{"amount":5}`, map[string]string{
		"X-Tenant-ID":   "t1",
		"X-User-ID":     "u1",
		"Authorization": "Bearer secret",
		"Cookie":        "session=1",
		"X-Trace":       "trace-1",
	})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "p1", rec.Header().Get("X-Plugin"))
	assert.JSONEq(t, `{"created":true}`, rec.Body.String())

	assert.Equal(t, "POST", got.Method)
	assert.Equal(t, "/orders", got.Path)
	assert.Equal(t, "t1", got.Req.TenantID)
	assert.Equal(t, "u1", got.Req.UserID)
	assert.Equal(t, "abc", got.Req.Query["ref"])
	assert.JSONEq(t, `{"amount":5}`, string(got.Req.Body))
	assert.Equal(t, "trace-1", got.Req.Headers["X-Trace"])
	assert.NotContains(t, got.Req.Headers, "Authorization")
	assert.NotContains(t, got.Req.Headers, "Cookie")
}

func TestRoutes_ErrorsBecomePluginError(t *testing.T) {
	router, m, logs := newTestMounter()
	require.NoError(t, m.RegisterPluginRoute("p1", "GET", "/fail", func(ctx context.Context, call Call) (*plugins.RouteResponse, error) {
		return nil, errors.New("TypeError: cannot read property 'x' of undefined")
	}))
	require.NoError(t, m.RegisterPluginRoute("p1", "GET", "/panic", func(ctx context.Context, call Call) (*plugins.RouteResponse, error) {
		panic("boom")
	}))

	for _, path := range []string{"/api/plugin/p1/fail", "/api/plugin/p1/panic"} {
		rec := serve(router, "GET", path, "", nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.JSONEq(t, `{"error":"plugin_error"}`, rec.Body.String())
		assert.NotContains(t, rec.Body.String(), "TypeError")
	}

	entries := logs.AllEntries()
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, "p1", e.Data["plugin_id"])
	}
}

func TestRoutes_InvalidStatusBecomesPluginError(t *testing.T) {
	for _, status := range []int{42, 101, 600, 1000, -1} {
		t.Run(strconv.Itoa(status), func(t *testing.T) {
			router, m, logs := newTestMounter()
			require.NoError(t, m.RegisterPluginRoute("p1", "GET", "/odd", func(ctx context.Context, call Call) (*plugins.RouteResponse, error) {
				return &plugins.RouteResponse{
					Status:  status,
					Headers: map[string]string{"X-Plugin": "p1"},
					Body:    json.RawMessage(`{"ok":true}`),
				}, nil
			}))

			rec := serve(router, "GET", "/api/plugin/p1/odd", "", nil)
			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			assert.JSONEq(t, `{"error":"plugin_error"}`, rec.Body.String())
			assert.Empty(t, rec.Header().Get("X-Plugin"))

			entry := logs.LastEntry()
			require.NotNil(t, entry)
			assert.Equal(t, "plugin returned an invalid response", entry.Message)
			assert.Equal(t, "p1", entry.Data["plugin_id"])
			assert.ErrorIs(t, entry.Data["error"].(error), plugins.ErrInvalidStatus)
		})
	}
}

func TestWriteResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, WriteResponse(rec, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{}`, rec.Body.String())

	rec = httptest.NewRecorder()
	require.NoError(t, WriteResponse(rec, &plugins.RouteResponse{Status: http.StatusCreated}))
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	assert.ErrorIs(t, WriteResponse(rec, &plugins.RouteResponse{Status: 42}), plugins.ErrInvalidStatus)
	assert.Empty(t, rec.Body.String())
}

func TestRoutes_RouteNotFound(t *testing.T) {
	router, m, _ := newTestMounter()
	require.NoError(t, m.RegisterPluginRoute("p1", "GET", "/x", func(ctx context.Context, call Call) (*plugins.RouteResponse, error) {
		return nil, plugins.ErrRouteNotFound
	}))

	rec := serve(router, "GET", "/api/plugin/p1/x", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"route_not_found"}`, rec.Body.String())
}

func TestMountCatchAll(t *testing.T) {
	router, m, _ := newTestMounter()
	var calls []Call
	require.NoError(t, m.RegisterPluginRoute("p1", "GET", "/exact", func(ctx context.Context, call Call) (*plugins.RouteResponse, error) {
		return &plugins.RouteResponse{Body: json.RawMessage(`{"exact":true}`)}, nil
	}))
	require.NoError(t, m.MountCatchAll("p1", func(ctx context.Context, call Call) (*plugins.RouteResponse, error) {
		calls = append(calls, call)
		return &plugins.RouteResponse{Status: http.StatusAccepted}, nil
	}))
	require.NoError(t, m.MountCatchAll("p1", func(ctx context.Context, call Call) (*plugins.RouteResponse, error) {
		calls = append(calls, call)
		return &plugins.RouteResponse{Status: http.StatusAccepted}, nil
	}))

	assert.JSONEq(t, `{"exact":true}`, serve(router, "GET", "/api/plugin/p1/exact", "", nil).Body.String())

	rec := serve(router, "DELETE", "/api/plugin/p1/widgets/9", "", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, calls, 1)
	assert.Equal(t, "DELETE", calls[0].Method)
	assert.Equal(t, "/widgets/9", calls[0].Path)
	assert.Len(t, m.listBindings(), 2)
}

func TestUnmountPlugin(t *testing.T) {
	router, m, _ := newTestMounter()
	inv := func(ctx context.Context, call Call) (*plugins.RouteResponse, error) { return nil, nil }
	require.NoError(t, m.RegisterPluginRoute("p1", "GET", "/x", inv))
	require.NoError(t, m.MountCatchAll("p1", inv))
	require.NoError(t, m.RegisterPluginRoute("p2", "GET", "/x", inv))

	assert.Equal(t, 2, m.UnmountPlugin("p1"))
	assert.Equal(t, http.StatusNotFound, serve(router, "GET", "/api/plugin/p1/x", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, serve(router, "GET", "/api/plugin/p1/other", "", nil).Code)
	assert.Equal(t, http.StatusOK, serve(router, "GET", "/api/plugin/p2/x", "", nil).Code)

	require.NoError(t, m.RegisterPluginRoute("p1", "GET", "/x", inv))
	assert.Equal(t, http.StatusOK, serve(router, "GET", "/api/plugin/p1/x", "", nil).Code)
}
