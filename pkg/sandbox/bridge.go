package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/felixgeelhaar/statekit"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plugind/pkg/observability"
	"github.com/platinummonkey/plugind/pkg/plugins"
	"github.com/platinummonkey/plugind/pkg/protocol"
)

// State is the lifecycle state of a bridge
type State string

const (
	StateNotStarted State = "not_started"
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateInvoking   State = "invoking"
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
)

// Events for the bridge state machine.
const (
	EventStart = "START"
	EventReady = "READY"
	EventFail  = "FAIL"
	EventStop  = "STOP"
)

// Default timeouts
const (
	DefaultStartTimeout  = 5 * time.Second
	DefaultCallTimeout   = 10 * time.Second
	DefaultSlowThreshold = 500 * time.Millisecond
	DefaultStopGrace     = 2 * time.Second
)

var (
	// ErrNotExecutable is returned by Start when the entry is not a runnable file
	ErrNotExecutable = errors.New("plugin entry is not executable")

	// ErrStartTimeout is returned when the worker never announces readiness
	ErrStartTimeout = errors.New("sandbox did not become ready")

	// ErrExited is returned when the worker process exits unexpectedly
	ErrExited = errors.New("sandbox process exited")

	// ErrNotReady is returned for calls made outside the ready state
	ErrNotReady = errors.New("sandbox not ready")

	// ErrStopped settles every request outstanding when the bridge stops
	ErrStopped = errors.New("sandbox stopped")

	// ErrRouteNotFound is returned by CallRoute when the plugin has no handler
	ErrRouteNotFound = plugins.ErrRouteNotFound
)

// RemoteError is an error code reported by the worker
type RemoteError struct {
	Code string
}

func (e *RemoteError) Error() string { return e.Code }

// Is maps well known codes onto sentinel errors
func (e *RemoteError) Is(target error) bool {
	return target == plugins.ErrRouteNotFound && e.Code == protocol.ErrCodeRouteNotFound
}

// Config configures a bridge
type Config struct {
	PluginID string
	Path     string
	Args     []string
	Env      []string

	StartTimeout  time.Duration
	CallTimeout   time.Duration
	SlowThreshold time.Duration
	StopGrace     time.Duration

	Logger  logrus.FieldLogger
	Metrics *observability.PluginMetrics
}

func (c Config) withDefaults() Config {
	if c.StartTimeout <= 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = DefaultSlowThreshold
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

// CallMeta describes a completed invocation
type CallMeta struct {
	DurationMS int64 `json:"durationMs"`
}

// RouteCallResult is the outcome of CallRoute
type RouteCallResult struct {
	Result *plugins.RouteResponse `json:"result"`
	Meta   CallMeta               `json:"meta"`
}

type machineContext struct {
	PluginID string
}

// Bridge owns one sandboxed worker process and correlates requests to replies.
// A bridge is single use: once stopped or failed it cannot be started again.
type Bridge struct {
	cfg Config
	log *logrus.Entry

	mu       sync.Mutex
	interp   *statekit.Interpreter[machineContext]
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stderr   io.Closer
	enc      *protocol.Encoder
	pending  map[string]chan *protocol.Message
	inflight int
	stopping bool
	started  bool
	tenantID string

	info            plugins.Info
	readyHooks      []string
	readyRoutes     []string
	announcedHooks  []string
	announcedRoutes []string
	extensions      []plugins.Extension

	ready     chan struct{}
	readyOnce sync.Once
	exited    chan struct{}
	exitErr   error
}

// NewBridge creates a bridge in the not started state
func NewBridge(cfg Config) (*Bridge, error) {
	cfg = cfg.withDefaults()
	if cfg.PluginID == "" {
		return nil, fmt.Errorf("plugin id is required")
	}

	machine, err := statekit.NewMachine[machineContext]("sandbox-" + cfg.PluginID).
		WithInitial(statekit.StateID(StateNotStarted)).
		WithContext(machineContext{PluginID: cfg.PluginID}).
		State(statekit.StateID(StateNotStarted)).
		On(EventStart).Target(statekit.StateID(StateStarting)).
		On(EventStop).Target(statekit.StateID(StateStopped)).Done().
		State(statekit.StateID(StateStarting)).
		On(EventReady).Target(statekit.StateID(StateReady)).
		On(EventFail).Target(statekit.StateID(StateFailed)).
		On(EventStop).Target(statekit.StateID(StateStopped)).Done().
		State(statekit.StateID(StateReady)).
		On(EventFail).Target(statekit.StateID(StateFailed)).
		On(EventStop).Target(statekit.StateID(StateStopped)).Done().
		State(statekit.StateID(StateFailed)).
		On(EventStop).Target(statekit.StateID(StateStopped)).Done().
		State(statekit.StateID(StateStopped)).
		On(EventStop).Target(statekit.StateID(StateStopped)).Done().
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build sandbox state machine: %w", err)
	}

	interp := statekit.NewInterpreter(machine)
	interp.Start()

	return &Bridge{
		cfg:     cfg,
		log:     observability.Component(cfg.Logger, "sandbox").WithField(observability.FieldPluginID, cfg.PluginID),
		interp:  interp,
		pending: make(map[string]chan *protocol.Message),
		ready:   make(chan struct{}),
		exited:  make(chan struct{}),
	}, nil
}

// PluginID returns the id of the plugin served by this bridge
func (b *Bridge) PluginID() string { return b.cfg.PluginID }

// State returns the current lifecycle state
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stateLocked()
	if s == StateReady && b.inflight > 0 {
		return StateInvoking
	}
	return s
}

func (b *Bridge) stateLocked() State {
	return State(b.interp.State().Value)
}

func (b *Bridge) sendLocked(event string) {
	b.interp.Send(statekit.Event{Type: statekit.EventType(event)})
}

// Start spawns the worker process and waits until it announces readiness. On
// failure the process is killed and the bridge ends in the failed state.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if s := b.stateLocked(); s != StateNotStarted {
		b.mu.Unlock()
		return fmt.Errorf("sandbox for %s cannot start from state %s", b.cfg.PluginID, s)
	}
	b.sendLocked(EventStart)
	b.mu.Unlock()

	err := b.spawn()
	if err == nil {
		err = b.awaitReady(ctx)
	}

	b.mu.Lock()
	if err != nil {
		b.sendLocked(EventFail)
	} else {
		b.started = true
		b.sendLocked(EventReady)
	}
	b.mu.Unlock()

	b.cfg.Metrics.RecordSandboxStart(b.cfg.PluginID, err)
	if err != nil {
		b.log.WithError(err).Warn("sandbox failed to start")
		return err
	}
	b.log.Debug("sandbox ready")
	return nil
}

func (b *Bridge) spawn() error {
	fi, err := os.Stat(b.cfg.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotExecutable, err)
	}
	if !fi.Mode().IsRegular() || fi.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%w: %s", ErrNotExecutable, b.cfg.Path)
	}

	cmd := exec.Command(b.cfg.Path, b.cfg.Args...)
	cmd.Env = append(os.Environ(), b.cfg.Env...)
	cmd.Env = append(cmd.Env,
		protocol.EnvPluginID+"="+b.cfg.PluginID,
		protocol.EnvPluginPath+"="+b.cfg.Path,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open worker stdout: %w", err)
	}
	stderr := b.log.WriterLevel(logrus.WarnLevel)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stderr.Close()
		return fmt.Errorf("failed to start worker: %w", err)
	}

	b.mu.Lock()
	b.cmd = cmd
	b.stdin = stdin
	b.stderr = stderr
	b.enc = protocol.NewEncoder(stdin)
	b.mu.Unlock()

	go b.readLoop(stdout)
	return nil
}

func (b *Bridge) awaitReady(ctx context.Context) error {
	timer := time.NewTimer(b.cfg.StartTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-b.ready:
		return nil
	case <-b.exited:
		err = fmt.Errorf("%w before ready: %v", ErrExited, b.exitErr)
	case <-timer.C:
		err = fmt.Errorf("%w within %s", ErrStartTimeout, b.cfg.StartTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	b.kill()
	return err
}

func (b *Bridge) kill() {
	b.mu.Lock()
	cmd := b.cmd
	b.stopping = true
	b.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	cmd.Process.Kill()
	<-b.exited
}

func (b *Bridge) readLoop(r io.Reader) {
	dec := protocol.NewDecoder(r)
	for {
		msg, err := dec.Next()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				b.log.WithError(err).Warn("discarding malformed worker message")
				continue
			}
			if !errors.Is(err, io.EOF) {
				// nothing reads the worker's output any more; Wait would block
				b.log.WithError(err).Error("sandbox output unreadable, killing worker")
				b.cmd.Process.Kill()
			}
			break
		}
		if msg.IsReply() {
			b.resolve(msg)
			continue
		}
		b.handleEvent(msg)
	}

	waitErr := b.cmd.Wait()

	b.mu.Lock()
	b.exitErr = waitErr
	pending := b.pending
	b.pending = make(map[string]chan *protocol.Message)
	unexpected := !b.stopping && b.stateLocked() == StateReady
	if unexpected {
		b.sendLocked(EventFail)
	}
	started := b.started
	b.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if b.stderr != nil {
		b.stderr.Close()
	}
	if started {
		b.cfg.Metrics.RecordSandboxStop()
	}
	if unexpected {
		b.log.WithError(waitErr).Warn("sandbox process exited unexpectedly")
	}
	close(b.exited)
}

func (b *Bridge) resolve(msg *protocol.Message) {
	b.mu.Lock()
	ch, ok := b.pending[msg.ID]
	delete(b.pending, msg.ID)
	b.mu.Unlock()
	if !ok {
		b.log.WithField("request_id", msg.ID).Debug("reply for unknown request")
		return
	}
	ch <- msg
}

func (b *Bridge) handleEvent(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeReady:
		var ready protocol.ReadyPayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &ready); err != nil {
				b.log.WithError(err).Warn("invalid ready payload")
			}
		}
		b.mu.Lock()
		b.info = ready.Plugin
		b.readyHooks = ready.Hooks
		b.readyRoutes = ready.Routes
		b.mu.Unlock()
		b.readyOnce.Do(func() { close(b.ready) })

	case protocol.TypeLog:
		level, err := logrus.ParseLevel(msg.Level)
		if err != nil {
			level = logrus.InfoLevel
		}
		b.mu.Lock()
		tenantID := b.tenantID
		b.mu.Unlock()
		entry := b.log.WithFields(logrus.Fields(msg.Meta))
		if tenantID != "" {
			entry = entry.WithField(observability.FieldTenantID, tenantID)
		}
		entry.Log(level, msg.Text)

	case protocol.TypeRegisteredHook:
		b.mu.Lock()
		b.announcedHooks = appendUnique(b.announcedHooks, msg.Hook)
		b.mu.Unlock()

	case protocol.TypeRegisteredRoute:
		b.mu.Lock()
		b.announcedRoutes = appendUnique(b.announcedRoutes, plugins.RouteKey(msg.Method, msg.Path))
		b.mu.Unlock()

	case protocol.TypeRegisteredExtension:
		b.mu.Lock()
		b.extensions = append(b.extensions, extensionFromMeta(b.cfg.PluginID, b.tenantID, msg.Meta))
		b.mu.Unlock()

	default:
		b.log.WithField("type", msg.Type).Debug("ignoring unknown worker event")
	}
}

func extensionFromMeta(pluginID, tenantID string, meta map[string]interface{}) plugins.Extension {
	ext := plugins.Extension{PluginID: pluginID, TenantID: tenantID}
	ext.Kind, _ = meta["kind"].(string)
	ext.Label, _ = meta["label"].(string)
	ext.Path, _ = meta["path"].(string)
	ext.Name, _ = meta["name"].(string)
	if schema, ok := meta["schema"]; ok {
		if raw, err := json.Marshal(schema); err == nil {
			ext.Schema = raw
		}
	}
	return ext
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// request sends one message and waits for the correlated reply
func (b *Bridge) request(ctx context.Context, typ protocol.Type, payload, out interface{}) error {
	b.mu.Lock()
	if s := b.stateLocked(); s != StateReady {
		b.mu.Unlock()
		if s == StateStopped {
			return ErrStopped
		}
		return fmt.Errorf("%w: %s", ErrNotReady, s)
	}
	id := uuid.NewString()
	ch := make(chan *protocol.Message, 1)
	b.pending[id] = ch
	b.inflight++
	enc := b.enc
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.inflight--
		b.mu.Unlock()
	}()

	msg, err := protocol.NewRequest(id, typ, payload)
	if err != nil {
		return err
	}
	if err := enc.Send(msg); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	select {
	case reply, ok := <-ch:
		if !ok {
			b.mu.Lock()
			stopping := b.stopping
			b.mu.Unlock()
			if stopping {
				return ErrStopped
			}
			return ErrExited
		}
		if reply.Error != "" {
			return &RemoteError{Code: reply.Error}
		}
		if out != nil && len(reply.Result) > 0 {
			if err := json.Unmarshal(reply.Result, out); err != nil {
				return fmt.Errorf("failed to decode %s reply: %w", typ, err)
			}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s request: %w", typ, ctx.Err())
	}
}

// Register asks the worker to run the plugin's register entry point for a tenant
func (b *Bridge) Register(ctx context.Context, payload protocol.RegisterPayload) error {
	b.mu.Lock()
	b.tenantID = payload.TenantID
	b.mu.Unlock()

	var res protocol.RegisterResult
	if err := b.request(ctx, protocol.TypeRegister, payload, &res); err != nil {
		return fmt.Errorf("register %s: %w", b.cfg.PluginID, err)
	}
	if !res.OK {
		return fmt.Errorf("register %s: worker did not acknowledge", b.cfg.PluginID)
	}
	return nil
}

// RegisterHook tells the worker the host intends to bind hook. It reports
// whether the plugin has a handler for it.
func (b *Bridge) RegisterHook(ctx context.Context, hook string) (bool, error) {
	var res protocol.DeclareResult
	err := b.request(ctx, protocol.TypeRegisterHook, protocol.RegisterHookPayload{Hook: hook}, &res)
	return res.Registered, err
}

// RegisterRoute tells the worker the host intends to mount method and path
func (b *Bridge) RegisterRoute(ctx context.Context, method, path string) (bool, error) {
	var res protocol.DeclareResult
	err := b.request(ctx, protocol.TypeRegisterRoute, protocol.RegisterRoutePayload{Method: method, Path: path}, &res)
	return res.Registered, err
}

// CallRoute invokes a plugin route handler
func (b *Bridge) CallRoute(ctx context.Context, method, path string, req plugins.RouteRequest) (*RouteCallResult, error) {
	start := time.Now()
	var resp plugins.RouteResponse
	err := b.request(ctx, protocol.TypeCallRoute, protocol.CallRoutePayload{Method: method, Path: path, Req: req}, &resp)
	dur := b.observe(observability.KindRoute, method+" "+path, req.TenantID, start, err)
	if err != nil {
		return nil, err
	}
	return &RouteCallResult{Result: &resp, Meta: CallMeta{DurationMS: dur.Milliseconds()}}, nil
}

// CallHook invokes a plugin hook handler. A plugin without a handler for hook
// is not an error: the result reports Handled false.
func (b *Bridge) CallHook(ctx context.Context, hook string, payload json.RawMessage, meta plugins.HookMeta) (protocol.HookResult, error) {
	start := time.Now()
	var res protocol.HookResult
	err := b.request(ctx, protocol.TypeCallHook, protocol.CallHookPayload{Hook: hook, Payload: payload, Meta: meta}, &res)
	b.observe(observability.KindHook, hook, meta.TenantID, start, err)
	return res, err
}

// Ping checks the worker is responsive
func (b *Bridge) Ping(ctx context.Context) (string, error) {
	var pong string
	err := b.request(ctx, protocol.TypePing, nil, &pong)
	return pong, err
}

func (b *Bridge) observe(kind, target, tenantID string, start time.Time, err error) time.Duration {
	dur := time.Since(start)
	slow := dur > b.cfg.SlowThreshold

	if tenantID == "" {
		b.mu.Lock()
		tenantID = b.tenantID
		b.mu.Unlock()
	}
	entry := b.log.WithFields(logrus.Fields{
		"kind":                        kind,
		"target":                      target,
		observability.FieldDurationMS: dur.Milliseconds(),
	})
	if tenantID != "" {
		entry = entry.WithField(observability.FieldTenantID, tenantID)
	}
	if err != nil {
		entry.WithError(err).Warn(observability.MsgInvocationFailed)
	} else {
		entry.Info(observability.MsgInvocation)
	}
	if slow {
		entry.Warn(observability.MsgSlowInvocation)
	}

	b.cfg.Metrics.RecordInvocation(b.cfg.PluginID, kind, dur, err, slow)
	return dur
}

// Stop closes the worker's input, waits up to the stop grace period and then
// kills it. Outstanding requests settle with ErrStopped.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	s := b.stateLocked()
	b.sendLocked(EventStop)
	b.stopping = true
	cmd, stdin := b.cmd, b.stdin
	b.mu.Unlock()

	if s == StateStopped || cmd == nil {
		return nil
	}
	if stdin != nil {
		stdin.Close()
	}

	select {
	case <-b.exited:
	case <-time.After(b.cfg.StopGrace):
		b.log.Warn("sandbox did not exit in time, killing")
		cmd.Process.Kill()
		<-b.exited
	}
	return nil
}

// Done is closed once the worker process has exited
func (b *Bridge) Done() <-chan struct{} { return b.exited }

// Info returns the plugin identity announced by the worker
func (b *Bridge) Info() plugins.Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.info
}

// DeclaredHooks returns the hooks the plugin exposes statically
func (b *Bridge) DeclaredHooks() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return mergeUnique(b.readyHooks, b.announcedHooks)
}

// DeclaredRoutes returns the route keys the plugin exposes
func (b *Bridge) DeclaredRoutes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return mergeUnique(b.readyRoutes, b.announcedRoutes)
}

// AnnouncedHooks returns hooks registered through the host during register
func (b *Bridge) AnnouncedHooks() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.announcedHooks...)
}

// AnnouncedRoutes returns routes registered through the host during register
func (b *Bridge) AnnouncedRoutes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.announcedRoutes...)
}

// Extensions returns admin and editor contributions announced by the worker
func (b *Bridge) Extensions() []plugins.Extension {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]plugins.Extension(nil), b.extensions...)
}

func mergeUnique(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	for _, v := range a {
		out = appendUnique(out, v)
	}
	for _, v := range b {
		out = appendUnique(out, v)
	}
	return out
}
