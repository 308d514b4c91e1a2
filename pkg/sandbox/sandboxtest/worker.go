// Package sandboxtest runs test binaries as sandbox workers. A test's TestMain
// calls RunIfWorker so the binary can re-execute itself as a plugin process.
package sandboxtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/platinummonkey/plugind/pkg/plugins"
	"github.com/platinummonkey/plugind/pkg/protocol"
)

// EnvWorker marks a process started as a test worker
const EnvWorker = "PLUGIND_TEST_WORKER"

// Worker behaviours are chosen by plugin id prefix. Any other id serves an
// echo plugin with that id.
const (
	PrefixSilent  = "silent"
	PrefixCrash   = "crash"
	PrefixInvalid = "invalid"
	PrefixFlood   = "flood"
)

// RunIfWorker serves a test plugin and exits when the process is a worker.
// It returns immediately in the parent test process.
func RunIfWorker() {
	if os.Getenv(EnvWorker) != "1" {
		return
	}
	if err := serve(os.Getenv(protocol.EnvPluginID)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func serve(id string) error {
	switch {
	case strings.HasPrefix(id, PrefixSilent):
		io.Copy(io.Discard, os.Stdin)
		return nil
	case strings.HasPrefix(id, PrefixCrash):
		os.Exit(3)
	case strings.HasPrefix(id, PrefixInvalid):
		return protocol.ServeStdio(&Echo{ID: ""})
	case strings.HasPrefix(id, PrefixFlood):
		return flood(id)
	}
	return protocol.ServeStdio(&Echo{ID: id})
}

// flood announces readiness, then writes a line the host cannot buffer and
// stays alive until stdin closes.
func flood(id string) error {
	payload, err := json.Marshal(protocol.ReadyPayload{Plugin: plugins.Info{ID: id, Name: "Flood"}})
	if err != nil {
		return err
	}
	if err := protocol.NewEncoder(os.Stdout).Send(&protocol.Message{Type: protocol.TypeReady, Payload: payload}); err != nil {
		return err
	}
	go func() {
		line := make([]byte, protocol.MaxLineSize+1)
		for i := range line {
			line[i] = 'x'
		}
		os.Stdout.Write(append(line, '\n'))
	}()
	io.Copy(io.Discard, os.Stdin)
	return nil
}

// Enable makes workers spawned by the current test serve test plugins
func Enable(t testing.TB) {
	t.Helper()
	t.Setenv(EnvWorker, "1")
}

// Executable returns the running test binary
func Executable(t testing.TB) string {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("failed to resolve test executable: %v", err)
	}
	return exe
}

// Link creates dir/name as a symlink to the test binary, so discovery finds a
// plugin executable named after the plugin id.
func Link(t testing.TB, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.Symlink(Executable(t), path); err != nil {
		t.Fatalf("failed to link worker %s: %v", name, err)
	}
	return path
}

// Echo is the plugin served by test workers
type Echo struct {
	ID string
}

func (e *Echo) Info() plugins.Info {
	return plugins.Info{ID: e.ID, Name: "Echo " + e.ID, Version: "1.0.0"}
}

func (e *Echo) Register(ctx context.Context, host plugins.Host) error {
	if host.Settings()["fail_register"] == true {
		return errors.New("register refused")
	}
	host.Logger().Info("registered", map[string]interface{}{"tenant": host.TenantID()})
	host.Admin().AddMenuItem(e.ID, "/"+e.ID)
	if err := host.API().RegisterRoute("POST", "/dynamic", func(ctx context.Context, req plugins.RouteRequest) (*plugins.RouteResponse, error) {
		return &plugins.RouteResponse{Body: req.Body}, nil
	}); err != nil {
		return err
	}
	return host.Hooks().Register("user.login", func(ctx context.Context, payload json.RawMessage, meta plugins.HookMeta) (json.RawMessage, error) {
		return nil, nil
	})
}

func (e *Echo) Hooks() map[string]plugins.HookFunc {
	return map[string]plugins.HookFunc{
		"order.process": func(ctx context.Context, payload json.RawMessage, meta plugins.HookMeta) (json.RawMessage, error) {
			var order map[string]interface{}
			if err := json.Unmarshal(payload, &order); err != nil || order == nil {
				order = map[string]interface{}{}
			}
			order["processedBy"] = e.ID
			return json.Marshal(order)
		},
		"entity.created": func(ctx context.Context, payload json.RawMessage, meta plugins.HookMeta) (json.RawMessage, error) {
			return nil, nil
		},
	}
}

func (e *Echo) Routes() map[string]plugins.RouteFunc {
	return map[string]plugins.RouteFunc{
		"GET /hello": func(ctx context.Context, req plugins.RouteRequest) (*plugins.RouteResponse, error) {
			body, err := json.Marshal(map[string]interface{}{
				"plugin": e.ID,
				"tenant": req.TenantID,
				"query":  req.Query,
			})
			if err != nil {
				return nil, err
			}
			return &plugins.RouteResponse{Headers: map[string]string{"X-Plugin": e.ID}, Body: body}, nil
		},
		"/fail": func(ctx context.Context, req plugins.RouteRequest) (*plugins.RouteResponse, error) {
			return nil, errors.New("boom")
		},
		"/slow": func(ctx context.Context, req plugins.RouteRequest) (*plugins.RouteResponse, error) {
			time.Sleep(50 * time.Millisecond)
			return &plugins.RouteResponse{Status: 202}, nil
		},
		"/block": func(ctx context.Context, req plugins.RouteRequest) (*plugins.RouteResponse, error) {
			select {}
		},
	}
}
