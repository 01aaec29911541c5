// Package scriptworker implements the Script Worker: it runs inside the
// child process spawned by the supervisor, loops over messages on its
// work queue, and executes the loaded user script in an embedded
// Starlark interpreter confined to this process.
package scriptworker

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"go.starlark.net/starlark"

	"github.com/cuemby/oet/internal/bus"
	"github.com/cuemby/oet/internal/supervisor"
	"github.com/cuemby/oet/internal/types"
	"github.com/cuemby/oet/pkg/log"
)

// pendingCall is one queued function invocation — either a RUN message
// or a PUBSUB-triggered subscriber callback — waiting for the worker to
// finish whatever it is currently running.
type pendingCall struct {
	fnName string
	input  types.ProcedureInput
}

// Worker is the single-threaded script execution state machine living
// in a worker process. Exactly one function call runs at a time; a RUN
// or PUBSUB dispatch that arrives while one is already running is
// queued and drained in order once the current call returns.
type Worker struct {
	pid uint64
	bus *bus.Bus

	mu      sync.Mutex
	state   types.ProcedureState
	script  types.ExecutableScript
	thread  *starlark.Thread
	globals starlark.StringDict

	subscriptions map[string][]string // topic -> script-defined handler names
	queue         []pendingCall
	running       bool

	shutdownRequested bool
	stopped           chan struct{}
}

// New builds a Worker that will publish lifecycle and result events on
// b. pid is the logical procedure id assigned by the Process Manager,
// carried on every published event.
func New(pid uint64, b *bus.Bus) *Worker {
	return &Worker{
		pid:           pid,
		bus:           b,
		state:         types.StateCreating,
		subscriptions: make(map[string][]string),
		stopped:       make(chan struct{}),
	}
}

// Run consumes WorkMessages decoded from workQueue until the stream
// ends, the worker is told to shut down, or a decode error occurs.
func (w *Worker) Run(workQueue io.Reader) error {
	wLog := log.WithComponent("scriptworker").With().Uint64("pid", w.pid).Logger()

	if err := w.transition(types.StateIdle, ""); err != nil {
		return err
	}
	w.bus.Publish(supervisor.EventTopicStartupDone, map[string]any{"pid": w.pid}, nil)

	dec := json.NewDecoder(workQueue)
	for {
		var msg supervisor.WorkMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("decode work message: %w", err)
		}

		if err := w.dispatch(msg); err != nil {
			wLog.Warn().Err(err).Str("kind", string(msg.Kind)).Msg("work message rejected")
		}

		w.mu.Lock()
		done := w.shutdownRequested && !w.running && w.state.Terminal()
		w.mu.Unlock()
		if done {
			return nil
		}
	}
}

func (w *Worker) dispatch(msg supervisor.WorkMessage) error {
	switch msg.Kind {
	case supervisor.MessageKindEnv:
		return w.handleEnv(msg.Payload)
	case supervisor.MessageKindLoad:
		return w.handleLoad(msg.Payload)
	case supervisor.MessageKindRun:
		return w.handleRun(msg.Payload)
	case supervisor.MessageKindPubSub:
		return w.handlePubSub(msg.Payload)
	case supervisor.MessageKindShutdown:
		return w.handleShutdown()
	default:
		return fmt.Errorf("unrecognised message kind %q", msg.Kind)
	}
}

type envPayload struct {
	Environment types.Environment `json:"environment"`
}

func (w *Worker) handleEnv(raw json.RawMessage) error {
	w.mu.Lock()
	if w.state != types.StateIdle {
		w.mu.Unlock()
		return rejectedError("ENV", w.state)
	}
	w.mu.Unlock()

	var p envPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode ENV payload: %w", err)
	}

	if err := w.transition(types.StatePrepEnv, ""); err != nil {
		return err
	}
	// The Environment Manager has already set the `created` flag by the
	// time the supervisor primes this message; there is nothing further
	// to block on here. The decoded site-packages path is not stored or
	// applied: the embedded interpreter's module search is left unchanged.
	return w.transition(types.StateIdle, "")
}

func (w *Worker) handleLoad(raw json.RawMessage) error {
	w.mu.Lock()
	if w.state != types.StateIdle {
		w.mu.Unlock()
		return rejectedError("LOAD", w.state)
	}
	w.mu.Unlock()

	var script types.ExecutableScript
	if err := json.Unmarshal(raw, &script); err != nil {
		return fmt.Errorf("decode LOAD payload: %w", err)
	}

	if err := w.transition(types.StateLoading, ""); err != nil {
		return err
	}

	thread := &starlark.Thread{Name: fmt.Sprintf("worker-%d", w.pid)}
	globals, err := starlark.ExecFile(thread, script.Path, nil, w.predeclared())
	if err != nil {
		return w.transition(types.StateFailed, starlarkErrorString(err))
	}

	w.mu.Lock()
	w.thread = thread
	w.globals = globals
	w.script = script
	w.mu.Unlock()

	// Discovery of an `init` function does not auto-invoke it here: the
	// Process Manager's priming sequence always follows LOAD with an
	// explicit RUN(init, init_args) message, which carries the arguments
	// LOAD itself never receives. Auto-invoking here too would run init
	// twice.
	return w.transition(types.StateIdle, "")
}

func (w *Worker) handleRun(raw json.RawMessage) error {
	var req types.StartCmd
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("decode RUN payload: %w", err)
	}

	w.mu.Lock()
	if w.running {
		w.queue = append(w.queue, pendingCall{fnName: req.FnName, input: req.Args})
		w.mu.Unlock()
		return nil
	}
	if w.state != types.StateIdle && w.state != types.StateReady {
		w.mu.Unlock()
		return rejectedError("RUN", w.state)
	}
	w.running = true
	w.mu.Unlock()

	w.execute(pendingCall{fnName: req.FnName, input: req.Args})
	w.drainQueue()
	return nil
}

type pubsubPayload struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

func (w *Worker) handlePubSub(raw json.RawMessage) error {
	var p pubsubPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode PUBSUB payload: %w", err)
	}
	w.bus.Publish(p.Topic, p.Payload, nil)

	w.mu.Lock()
	handlers := append([]string(nil), w.subscriptions[p.Topic]...)
	w.mu.Unlock()

	for _, fnName := range handlers {
		call := pendingCall{
			fnName: fnName,
			input:  types.ProcedureInput{Kwargs: map[string]json.RawMessage{"payload": p.Payload}},
		}
		w.mu.Lock()
		if w.running {
			w.queue = append(w.queue, call)
			w.mu.Unlock()
			continue
		}
		w.running = true
		w.mu.Unlock()
		w.execute(call)
		w.drainQueue()
	}
	return nil
}

func (w *Worker) handleShutdown() error {
	w.mu.Lock()
	w.shutdownRequested = true
	running := w.running
	w.mu.Unlock()

	if running {
		return nil // picked up once the current call finishes
	}
	return w.transition(types.StateStopped, "")
}

// execute runs one call to completion — exactly one at a time, per the
// worker's single-threaded execution model — and transitions to READY
// or FAILED based on the outcome.
func (w *Worker) execute(call pendingCall) {
	w.mu.Lock()
	globals := w.globals
	thread := w.thread
	w.mu.Unlock()

	if err := w.transition(types.StateRunning, ""); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return
	}

	fnVal, ok := globals[call.fnName]
	if !ok {
		w.finishFailed(fmt.Sprintf("function %q not found in loaded script", call.fnName))
		return
	}
	fn, ok := fnVal.(*starlark.Function)
	if !ok {
		w.finishFailed(fmt.Sprintf("%q is not callable", call.fnName))
		return
	}

	posArgs, kwArgs, err := argsFromInput(call.input.Args, call.input.Kwargs)
	if err != nil {
		w.finishFailed(err.Error())
		return
	}

	result, err := starlark.Call(thread, fn, posArgs, kwArgs)
	if err != nil {
		w.finishFailed(starlarkErrorString(err))
		return
	}

	resultJSON, err := starlarkToJSON(result)
	if err != nil {
		w.finishFailed(err.Error())
		return
	}
	w.bus.Publish("procedure.function.result", map[string]any{
		"pid":     w.pid,
		"fn_name": call.fnName,
		"result":  resultJSON,
	}, nil)

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	_ = w.transition(types.StateReady, "")
}

func (w *Worker) finishFailed(stacktrace string) {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	_ = w.transition(types.StateFailed, stacktrace)
}

// drainQueue runs every call queued while the worker was busy, one at a
// time, oldest first.
func (w *Worker) drainQueue() {
	for {
		w.mu.Lock()
		if w.state.Terminal() || len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		next := w.queue[0]
		w.queue = w.queue[1:]
		w.running = true
		w.mu.Unlock()

		w.execute(next)
	}
}

func (w *Worker) transition(to types.ProcedureState, stacktrace string) error {
	w.mu.Lock()
	from := w.state
	if !types.ValidTransition(from, to) {
		w.mu.Unlock()
		return fmt.Errorf("invalid transition %s -> %s", from, to)
	}
	w.state = to
	w.mu.Unlock()

	payload := map[string]any{
		"pid":       w.pid,
		"state":     string(to),
		"timestamp": time.Now(),
	}
	if stacktrace != "" {
		payload["stacktrace"] = stacktrace
	}
	w.bus.Publish("procedure.lifecycle.statechange", payload, nil)
	return nil
}

func rejectedError(kind string, state types.ProcedureState) error {
	return fmt.Errorf("InvalidWorkerCommand: %s rejected in state %s", kind, state)
}

func starlarkErrorString(err error) string {
	if evalErr, ok := err.(*starlark.EvalError); ok {
		return evalErr.Backtrace()
	}
	return err.Error()
}

// predeclared exposes publish/subscribe builtins to user script code so
// it can participate in the bus without any goroutines of its own —
// every call still runs on the worker's single execution thread.
func (w *Worker) predeclared() starlark.StringDict {
	return starlark.StringDict{
		"publish":   starlark.NewBuiltin("publish", w.builtinPublish),
		"subscribe": starlark.NewBuiltin("subscribe", w.builtinSubscribe),
	}
}

func (w *Worker) builtinPublish(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var topic string
	var payload starlark.Value = starlark.None
	if err := starlark.UnpackArgs("publish", args, kwargs, "topic", &topic, "payload?", &payload); err != nil {
		return nil, err
	}
	raw, err := starlarkToJSON(payload)
	if err != nil {
		return nil, err
	}
	w.bus.Publish(topic, raw, nil)
	return starlark.None, nil
}

func (w *Worker) builtinSubscribe(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var topic, handler string
	if err := starlark.UnpackArgs("subscribe", args, kwargs, "topic", &topic, "handler", &handler); err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.subscriptions[topic] = append(w.subscriptions[topic], handler)
	w.mu.Unlock()
	return starlark.None, nil
}

// State reports the worker's current lifecycle state. Exposed for tests
// and for the in-process case (scriptworker and procmanager sharing a
// process in unit tests without a real fork).
func (w *Worker) State() types.ProcedureState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}
