package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/platinummonkey/plugind/pkg/plugins"
)

// Worker serves one plugin over the message protocol. It runs inside the
// sandboxed process; the host never shares memory with it.
type Worker struct {
	plugin plugins.Plugin
	enc    *Encoder

	pluginID   string
	pluginPath string

	mu     sync.RWMutex
	hooks  map[string]plugins.HookFunc
	routes map[string]plugins.RouteFunc
}

// NewWorker creates a worker for p writing to out
func NewWorker(p plugins.Plugin, out io.Writer) *Worker {
	w := &Worker{
		plugin:     p,
		enc:        NewEncoder(out),
		pluginID:   os.Getenv(EnvPluginID),
		pluginPath: os.Getenv(EnvPluginPath),
		hooks:      make(map[string]plugins.HookFunc),
		routes:     make(map[string]plugins.RouteFunc),
	}
	if hp, ok := p.(plugins.HookProvider); ok {
		for name, fn := range hp.Hooks() {
			w.hooks[name] = fn
		}
	}
	if rp, ok := p.(plugins.RouteProvider); ok {
		for key, fn := range rp.Routes() {
			method, path := plugins.SplitRouteKey(key)
			w.routes[plugins.RouteKey(method, path)] = fn
		}
	}
	return w
}

// ServeStdio serves p over the process's stdin and stdout until stdin closes.
// Plugin executables call it from main.
func ServeStdio(p plugins.Plugin) error {
	return Serve(context.Background(), p, os.Stdin, os.Stdout)
}

// Serve validates p, announces readiness and handles requests from in until it
// is exhausted. register is handled before any later message is read; every
// other request runs concurrently and replies carry the request id.
func Serve(ctx context.Context, p plugins.Plugin, in io.Reader, out io.Writer) error {
	if err := plugins.Validate(p); err != nil {
		return err
	}

	w := NewWorker(p, out)
	if err := w.announceReady(); err != nil {
		return err
	}

	dec := NewDecoder(in)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		msg, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, ErrMalformed) {
				w.log("warn", "ignoring malformed message", map[string]interface{}{"error": err.Error()})
				continue
			}
			return err
		}

		if msg.Type == TypeRegister {
			w.handle(ctx, msg)
			continue
		}

		wg.Add(1)
		go func(m *Message) {
			defer wg.Done()
			w.handle(ctx, m)
		}(msg)
	}
}

func (w *Worker) announceReady() error {
	info := w.plugin.Info()
	if info.ID == "" {
		info.ID = w.pluginID
	}

	w.mu.RLock()
	ready := ReadyPayload{Plugin: info, Hooks: sortedKeys(w.hooks), Routes: sortedKeys(w.routes)}
	w.mu.RUnlock()

	raw, err := json.Marshal(ready)
	if err != nil {
		return fmt.Errorf("failed to encode ready payload: %w", err)
	}
	return w.enc.Send(&Message{Type: TypeReady, Payload: raw})
}

// handle processes one request. Any error or panic becomes {id, error}.
func (w *Worker) handle(ctx context.Context, msg *Message) {
	defer func() {
		if r := recover(); r != nil && msg.ID != "" {
			w.enc.Send(NewErrorReply(msg.ID, fmt.Sprint(r)))
		}
	}()

	result, err := w.dispatch(ctx, msg)
	if msg.ID == "" {
		return
	}
	if err != nil {
		w.enc.Send(NewErrorReply(msg.ID, err.Error()))
		return
	}
	reply, err := NewReply(msg.ID, result)
	if err != nil {
		w.enc.Send(NewErrorReply(msg.ID, err.Error()))
		return
	}
	w.enc.Send(reply)
}

func (w *Worker) dispatch(ctx context.Context, msg *Message) (interface{}, error) {
	switch msg.Type {
	case TypePing:
		return PongLiteral, nil

	case TypeRegister:
		var p RegisterPayload
		if err := decodePayload(msg, &p); err != nil {
			return nil, err
		}
		if err := w.plugin.Register(ctx, &remoteHost{worker: w, payload: p}); err != nil {
			return nil, err
		}
		return RegisterResult{OK: true}, nil

	case TypeRegisterHook:
		var p RegisterHookPayload
		if err := decodePayload(msg, &p); err != nil {
			return nil, err
		}
		w.mu.RLock()
		_, ok := w.hooks[p.Hook]
		w.mu.RUnlock()
		return DeclareResult{Registered: ok}, nil

	case TypeRegisterRoute:
		var p RegisterRoutePayload
		if err := decodePayload(msg, &p); err != nil {
			return nil, err
		}
		w.mu.RLock()
		_, ok := plugins.LookupRoute(w.routes, p.Method, p.Path)
		w.mu.RUnlock()
		return DeclareResult{Registered: ok}, nil

	case TypeCallHook:
		var p CallHookPayload
		if err := decodePayload(msg, &p); err != nil {
			return nil, err
		}
		w.mu.RLock()
		fn, ok := w.hooks[p.Hook]
		w.mu.RUnlock()
		if !ok {
			return HookResult{}, nil
		}
		out, err := fn(ctx, p.Payload, p.Meta)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return HookResult{Handled: true}, nil
		}
		return HookResult{Handled: true, Modified: true, Payload: out}, nil

	case TypeCallRoute:
		var p CallRoutePayload
		if err := decodePayload(msg, &p); err != nil {
			return nil, err
		}
		w.mu.RLock()
		fn, ok := plugins.LookupRoute(w.routes, p.Method, p.Path)
		w.mu.RUnlock()
		if !ok {
			return nil, plugins.ErrRouteNotFound
		}
		req := p.Req
		req.Method, req.Path = p.Method, p.Path
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			resp = &plugins.RouteResponse{}
		}
		return resp, nil

	default:
		return nil, errors.New(ErrCodeUnknownMessage)
	}
}

func decodePayload(msg *Message, dest interface{}) error {
	if len(msg.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(msg.Payload, dest); err != nil {
		return fmt.Errorf("%s: %v", ErrCodeBadPayload, err)
	}
	return nil
}

func (w *Worker) log(level, text string, meta map[string]interface{}) {
	w.enc.Send(&Message{Type: TypeLog, Level: level, Text: text, Meta: meta})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// remoteHost is the capability object a sandboxed plugin sees. Every
// registration is kept in the worker and announced to the host.
type remoteHost struct {
	worker  *Worker
	payload RegisterPayload
}

func (h *remoteHost) Logger() plugins.Logger           { return remoteLogger{h.worker} }
func (h *remoteHost) Hooks() plugins.HookRegistrar     { return remoteHooks{h.worker} }
func (h *remoteHost) API() plugins.RouteRegistrar      { return remoteAPI{h.worker} }
func (h *remoteHost) Admin() plugins.AdminRegistrar    { return remoteExtensions{h.worker} }
func (h *remoteHost) Editor() plugins.EditorRegistrar  { return remoteExtensions{h.worker} }
func (h *remoteHost) Settings() map[string]interface{} { return h.payload.Settings }
func (h *remoteHost) TenantID() string                 { return h.payload.TenantID }

type remoteLogger struct{ w *Worker }

func (l remoteLogger) Debug(msg string, meta map[string]interface{}) { l.w.log("debug", msg, meta) }
func (l remoteLogger) Info(msg string, meta map[string]interface{})  { l.w.log("info", msg, meta) }
func (l remoteLogger) Warn(msg string, meta map[string]interface{})  { l.w.log("warn", msg, meta) }
func (l remoteLogger) Error(msg string, meta map[string]interface{}) { l.w.log("error", msg, meta) }

type remoteHooks struct{ w *Worker }

func (r remoteHooks) Register(name string, fn plugins.HookFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("hook name and handler are required")
	}
	r.w.mu.Lock()
	r.w.hooks[name] = fn
	r.w.mu.Unlock()
	return r.w.enc.Send(&Message{Type: TypeRegisteredHook, Hook: name})
}

type remoteAPI struct{ w *Worker }

func (r remoteAPI) RegisterRoute(method, path string, fn plugins.RouteFunc) error {
	if path == "" || fn == nil {
		return fmt.Errorf("route path and handler are required")
	}
	r.w.mu.Lock()
	r.w.routes[plugins.RouteKey(method, path)] = fn
	r.w.mu.Unlock()
	return r.w.enc.Send(&Message{Type: TypeRegisteredRoute, Method: method, Path: path})
}

type remoteExtensions struct{ w *Worker }

func (r remoteExtensions) AddMenuItem(label, path string) {
	r.w.enc.Send(&Message{Type: TypeRegisteredExtension, Meta: map[string]interface{}{
		"kind": plugins.ExtensionAdminMenu, "label": label, "path": path,
	}})
}

func (r remoteExtensions) RegisterBlock(name string, schema json.RawMessage) {
	meta := map[string]interface{}{"kind": plugins.ExtensionEditorBlock, "name": name}
	if len(schema) > 0 {
		meta["schema"] = schema
	}
	r.w.enc.Send(&Message{Type: TypeRegisteredExtension, Meta: meta})
}
