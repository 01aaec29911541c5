// Package ses implements the Script Execution Service: the public
// prepare/start/stop/summarise operations over procedures, and the
// history timeline each procedure accumulates by observing
// procedure.lifecycle.statechange events on the bus.
package ses

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/oet/internal/bus"
	"github.com/cuemby/oet/internal/procmanager"
	"github.com/cuemby/oet/internal/types"
	"github.com/cuemby/oet/pkg/oeterrors"
)

// Service owns every procedure this process has prepared, keyed by
// pid, and the bounded-depth history each one retains.
type Service struct {
	pm  *procmanager.Manager
	bus *bus.Bus
	h   int

	abortScript      types.ExecutableScript
	abortScriptIsSet bool

	nextPid atomic.Uint64

	mu            sync.Mutex
	procedures    map[uint64]*types.Procedure
	terminalOrder []uint64
}

// New builds a Service. h is the retention depth (H in the timeout
// table, default 10): at most h pids in a terminal state are kept,
// oldest evicted first. Live pids are never evicted.
func New(pm *procmanager.Manager, b *bus.Bus, h int) *Service {
	s := &Service{
		pm:         pm,
		bus:        b,
		h:          h,
		procedures: make(map[uint64]*types.Procedure),
	}
	b.Subscribe("procedure.lifecycle.statechange", s.onStateChange)
	return s
}

// SetAbortScript configures the script invoked when stop's run_abort is
// requested. Its identifier is supplied externally (by configuration),
// not by the caller of stop.
func (s *Service) SetAbortScript(script types.ExecutableScript) {
	s.abortScript = script
	s.abortScriptIsSet = true
}

func (s *Service) onStateChange(ev bus.Event) {
	pid, state, stacktrace, ok := parseStateChangeEvent(ev)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	proc, exists := s.procedures[pid]
	if !exists {
		return
	}
	proc.State = state
	proc.History.Entries = append(proc.History.Entries, types.HistoryEntry{State: state, Timestamp: time.Now()})
	if state == types.StateFailed {
		proc.History.Stacktrace = stacktrace
	}

	if state.Terminal() {
		s.terminalOrder = append(s.terminalOrder, pid)
		s.evictOldestTerminalLocked()
	}
}

// recordTerminalFailure marks pid FAILED with the same bookkeeping
// onStateChange would apply, for failures surfaced synchronously by
// Prepare (e.g. the worker process never started) rather than via a
// bus event.
func (s *Service) recordTerminalFailure(pid uint64, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, ok := s.procedures[pid]
	if !ok {
		return
	}
	proc.State = types.StateFailed
	proc.History.Entries = append(proc.History.Entries, types.HistoryEntry{State: types.StateFailed, Timestamp: time.Now()})
	proc.History.Stacktrace = message
	s.terminalOrder = append(s.terminalOrder, pid)
	s.evictOldestTerminalLocked()
}

// evictOldestTerminalLocked must be called with s.mu held.
func (s *Service) evictOldestTerminalLocked() {
	for len(s.terminalOrder) > s.h {
		oldest := s.terminalOrder[0]
		s.terminalOrder = s.terminalOrder[1:]
		if proc, ok := s.procedures[oldest]; ok && proc.State.Terminal() {
			delete(s.procedures, oldest)
		}
	}
}

// Prepare allocates a new pid, asks the Process Manager to create and
// prime a worker for script, and records the init call if init_args was
// supplied.
func (s *Service) Prepare(ctx context.Context, cmd types.PrepareCmd) (types.ProcedureSummary, error) {
	pid := s.nextPid.Add(1)
	proc := &types.Procedure{Pid: pid, Script: cmd.Script, State: types.StateCreating}

	s.mu.Lock()
	s.procedures[pid] = proc
	s.mu.Unlock()

	if _, err := s.pm.Create(ctx, pid, cmd.Script, cmd.InitArgs, cmd.CreateEnv); err != nil {
		s.recordTerminalFailure(pid, err.Error())
		return types.ProcedureSummary{}, err
	}

	if cmd.InitArgs != nil {
		s.mu.Lock()
		proc.Calls = append(proc.Calls, types.FunctionCall{FnName: "init", Input: *cmd.InitArgs, Timestamp: time.Now()})
		s.mu.Unlock()
	}

	return s.summaryOf(pid)
}

// Start enqueues a function call against an existing procedure.
func (s *Service) Start(cmd types.StartCmd) (types.ProcedureSummary, error) {
	s.mu.Lock()
	proc, ok := s.procedures[cmd.Pid]
	s.mu.Unlock()
	if !ok {
		return types.ProcedureSummary{}, oeterrors.New(oeterrors.KindUnknownPid, fmt.Sprintf("no procedure with pid %d", cmd.Pid))
	}

	if err := s.pm.Run(cmd.Pid, cmd.FnName, cmd.Args, cmd.Force); err != nil {
		return types.ProcedureSummary{}, err
	}

	s.mu.Lock()
	proc.Calls = append(proc.Calls, types.FunctionCall{FnName: cmd.FnName, Input: cmd.Args, Timestamp: time.Now()})
	s.mu.Unlock()

	return s.summaryOf(cmd.Pid)
}

// Stop terminates the target worker and, if run_abort is requested,
// prepares and starts the configured abort script on the same
// subarray, returning both summaries.
func (s *Service) Stop(ctx context.Context, cmd types.StopCmd) ([]types.ProcedureSummary, error) {
	s.mu.Lock()
	_, ok := s.procedures[cmd.Pid]
	s.mu.Unlock()
	if !ok {
		return nil, oeterrors.New(oeterrors.KindUnknownPid, fmt.Sprintf("no procedure with pid %d", cmd.Pid))
	}

	if err := s.pm.Stop(ctx, cmd.Pid); err != nil {
		return nil, err
	}

	stopped, err := s.summaryOf(cmd.Pid)
	if err != nil {
		return nil, err
	}
	summaries := []types.ProcedureSummary{stopped}

	if cmd.RunAbort && s.abortScriptIsSet {
		abortSummary, err := s.Prepare(ctx, types.PrepareCmd{Script: s.abortScript, CreateEnv: s.abortScript.Kind == types.ScriptKindGit})
		if err != nil {
			return summaries, nil
		}
		startSummary, err := s.Start(types.StartCmd{Pid: abortSummary.Pid, FnName: "main", Force: true})
		if err == nil {
			abortSummary = startSummary
		}
		summaries = append(summaries, abortSummary)
	}

	return summaries, nil
}

// Summarise returns the summaries for pids, or every retained procedure
// if pids is nil.
func (s *Service) Summarise(pids []uint64) []types.ProcedureSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pids == nil {
		out := make([]types.ProcedureSummary, 0, len(s.procedures))
		for _, p := range s.procedures {
			out = append(out, p.Summarize())
		}
		return out
	}

	out := make([]types.ProcedureSummary, 0, len(pids))
	for _, pid := range pids {
		if p, ok := s.procedures[pid]; ok {
			out = append(out, p.Summarize())
		}
	}
	return out
}

func (s *Service) summaryOf(pid uint64) (types.ProcedureSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, ok := s.procedures[pid]
	if !ok {
		return types.ProcedureSummary{}, oeterrors.New(oeterrors.KindUnknownPid, fmt.Sprintf("no procedure with pid %d", pid))
	}
	return proc.Summarize(), nil
}

// RegisterBusHandlers exposes prepare/start/stop/summarise as bus
// request/response pairs, the same call_and_respond shape the API
// Facade and the Activity Service use to reach this service without a
// direct method call — useful once SES lives in a different process
// than its caller.
func (s *Service) RegisterBusHandlers() {
	s.bus.Subscribe("request.procedure.create", func(ev bus.Event) {
		var cmd types.PrepareCmd
		if err := decodePayload(ev.Payload, &cmd); err != nil {
			s.bus.Publish("procedure.lifecycle.error", err.Error(), ev.RequestID)
			return
		}
		summary, err := s.Prepare(context.Background(), cmd)
		if err != nil {
			s.bus.Publish("procedure.lifecycle.error", err.Error(), ev.RequestID)
			return
		}
		s.bus.Publish("procedure.lifecycle.created", summary, ev.RequestID)
	})

	s.bus.Subscribe("request.procedure.start", func(ev bus.Event) {
		var cmd types.StartCmd
		if err := decodePayload(ev.Payload, &cmd); err != nil {
			s.bus.Publish("procedure.lifecycle.error", err.Error(), ev.RequestID)
			return
		}
		summary, err := s.Start(cmd)
		if err != nil {
			s.bus.Publish("procedure.lifecycle.error", err.Error(), ev.RequestID)
			return
		}
		s.bus.Publish("procedure.lifecycle.started", summary, ev.RequestID)
	})

	s.bus.Subscribe("request.procedure.stop", func(ev bus.Event) {
		var cmd types.StopCmd
		if err := decodePayload(ev.Payload, &cmd); err != nil {
			s.bus.Publish("procedure.lifecycle.error", err.Error(), ev.RequestID)
			return
		}
		summaries, err := s.Stop(context.Background(), cmd)
		if err != nil {
			s.bus.Publish("procedure.lifecycle.error", err.Error(), ev.RequestID)
			return
		}
		s.bus.Publish("procedure.lifecycle.stopped", summaries, ev.RequestID)
	})

	s.bus.Subscribe("request.procedure.list", func(ev bus.Event) {
		var pids []uint64
		_ = decodePayload(ev.Payload, &pids)
		s.bus.Publish("procedure.pool.list", s.Summarise(pids), ev.RequestID)
	})
}

// decodePayload round-trips an event payload through JSON so it can be
// decoded into out regardless of whether it arrived as a typed Go value
// (same-process publish) or a map[string]interface{} (decoded from a
// relayed cross-process event).
func decodePayload(payload any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// parseStateChangeEvent extracts (pid, state, stacktrace) from a
// procedure.lifecycle.statechange event, tolerating both a same-process
// map[string]any payload and the map[string]interface{} a relayed
// worker event decodes into (numeric fields arrive as float64).
func parseStateChangeEvent(ev bus.Event) (pid uint64, state types.ProcedureState, stacktrace string, ok bool) {
	payload, isMap := ev.Payload.(map[string]interface{})
	if !isMap {
		return 0, "", "", false
	}
	pidVal, hasPid := payload["pid"]
	stateVal, hasState := payload["state"]
	if !hasPid || !hasState {
		return 0, "", "", false
	}
	switch v := pidVal.(type) {
	case float64:
		pid = uint64(v)
	case uint64:
		pid = v
	default:
		return 0, "", "", false
	}
	stateStr, isStr := stateVal.(string)
	if !isStr {
		return 0, "", "", false
	}
	state = types.ProcedureState(stateStr)
	if st, hasStack := payload["stacktrace"].(string); hasStack {
		stacktrace = st
	}
	return pid, state, stacktrace, true
}
