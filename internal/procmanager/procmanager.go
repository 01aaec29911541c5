// Package procmanager implements the Process Manager: it owns the
// collection of live worker processes keyed by pid, assembles each
// worker's priming message sequence, and keeps an in-memory cache of
// every procedure's current lifecycle state by subscribing to
// procedure.lifecycle.statechange.
package procmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/cuemby/oet/internal/bus"
	"github.com/cuemby/oet/internal/environment"
	"github.com/cuemby/oet/internal/supervisor"
	"github.com/cuemby/oet/internal/types"
	"github.com/cuemby/oet/pkg/log"
	"github.com/cuemby/oet/pkg/oeterrors"
)

// Manager owns every worker this process has created.
type Manager struct {
	sup          *supervisor.Supervisor
	env          *environment.Manager
	bus          *bus.Bus
	workerBinary string

	mu     sync.Mutex
	states map[uint64]types.ProcedureState
}

// New builds a Manager. workerBinary is the executable (typically this
// same binary re-exec'd with a hidden subcommand) spawned for every
// new worker.
func New(sup *supervisor.Supervisor, env *environment.Manager, b *bus.Bus, workerBinary string) *Manager {
	m := &Manager{
		sup:          sup,
		env:          env,
		bus:          b,
		workerBinary: workerBinary,
		states:       make(map[uint64]types.ProcedureState),
	}
	b.Subscribe("procedure.lifecycle.statechange", m.onStateChange)
	return m
}

func (m *Manager) onStateChange(ev bus.Event) {
	pid, state, _, ok := parseStateChangeEvent(ev)
	if !ok {
		return
	}
	m.mu.Lock()
	m.states[pid] = state
	m.mu.Unlock()
}

// parseStateChangeEvent extracts (pid, state, stacktrace) from a
// procedure.lifecycle.statechange event. The payload may arrive either
// as the original map[string]any (same-process publish) or as the
// map[string]interface{} produced by decoding a relayed worker event
// from JSON, where numeric fields surface as float64.
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
	case json.Number:
		n, _ := v.Int64()
		pid = uint64(n)
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

// Create spawns a new worker process for pid and primes it in order:
// ENV (if createEnv and script is git), LOAD, and RUN(init, initArgs)
// if initArgs is non-nil.
func (m *Manager) Create(ctx context.Context, pid uint64, script types.ExecutableScript, initArgs *types.ProcedureInput, createEnv bool) (*supervisor.Handle, error) {
	resolvedScript := script
	var env types.Environment

	if createEnv && script.Kind == types.ScriptKindGit {
		var err error
		env, err = m.env.Ensure(ctx, script)
		if err != nil {
			return nil, err
		}
		resolvedScript.Path = filepath.Join(m.env.RepoPath(env.EnvID), script.Path)
	}

	h, err := m.sup.Spawn(ctx, supervisor.SpawnOptions{
		LogicalID: pid,
		Binary:    m.workerBinary,
		Args:      []string{"run"},
		Env:       []string{"OET_WORKER_PID=" + strconv.FormatUint(pid, 10)},
		OnEvent:   m.bus.Ingest,
	})
	if err != nil {
		return nil, err
	}

	if createEnv && script.Kind == types.ScriptKindGit {
		payload, _ := json.Marshal(struct {
			Environment types.Environment `json:"environment"`
		}{env})
		if err := h.SendWork(supervisor.MessageKindEnv, payload); err != nil {
			return h, fmt.Errorf("send ENV: %w", err)
		}
	}

	scriptPayload, err := json.Marshal(resolvedScript)
	if err != nil {
		return h, err
	}
	if err := h.SendWork(supervisor.MessageKindLoad, scriptPayload); err != nil {
		return h, fmt.Errorf("send LOAD: %w", err)
	}

	if initArgs != nil {
		startPayload, err := json.Marshal(types.StartCmd{Pid: pid, FnName: "init", Args: *initArgs, Force: true})
		if err != nil {
			return h, err
		}
		if err := h.SendWork(supervisor.MessageKindRun, startPayload); err != nil {
			return h, fmt.Errorf("send RUN(init): %w", err)
		}
	}

	return h, nil
}

// Run enqueues a RUN message for pid. If force is false, the request is
// rejected with NotReady unless the cached state is READY.
func (m *Manager) Run(pid uint64, fnName string, args types.ProcedureInput, force bool) error {
	h, ok := m.sup.Get(pid)
	if !ok {
		return oeterrors.New(oeterrors.KindUnknownPid, fmt.Sprintf("no live worker for pid %d", pid))
	}
	if !force {
		if m.StateOf(pid) != types.StateReady {
			return oeterrors.New(oeterrors.KindNotReady, fmt.Sprintf("pid %d is not READY", pid))
		}
	}
	payload, err := json.Marshal(types.StartCmd{Pid: pid, FnName: fnName, Args: args, Force: force})
	if err != nil {
		return err
	}
	return h.SendWork(supervisor.MessageKindRun, payload)
}

// Stop delegates termination of pid to the supervisor's escalation
// protocol.
func (m *Manager) Stop(ctx context.Context, pid uint64) error {
	h, ok := m.sup.Get(pid)
	if !ok {
		return oeterrors.New(oeterrors.KindUnknownPid, fmt.Sprintf("no live worker for pid %d", pid))
	}
	log.WithComponent("procmanager").Info().Uint64("pid", pid).Msg("stopping worker")
	return m.sup.Terminate(ctx, h)
}

// StateOf returns the cached state for pid, or StateUnknown if never
// observed.
func (m *Manager) StateOf(pid uint64) types.ProcedureState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[pid]; ok {
		return s
	}
	return types.StateUnknown
}

// States returns a snapshot of every pid this manager has observed a
// state for.
func (m *Manager) States() map[uint64]types.ProcedureState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint64]types.ProcedureState, len(m.states))
	for k, v := range m.states {
		out[k] = v
	}
	return out
}
