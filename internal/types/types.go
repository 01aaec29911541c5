// Package types holds the data model shared across the Script Execution
// Engine: executable script descriptors, procedure call records, state
// history, and the JSON-serialisable summaries returned over the bus and
// the REST surface.
package types

import (
	"encoding/json"
	"time"
)

// ScriptKind distinguishes the two ExecutableScript variants.
type ScriptKind string

const (
	ScriptKindFilesystem ScriptKind = "filesystem"
	ScriptKindGit        ScriptKind = "git"
)

// ExecutableScript is a tagged variant: FilesystemScript when Kind is
// ScriptKindFilesystem, GitScript when Kind is ScriptKindGit. Both shapes
// are carried in a single struct (JSON-friendly across the bus and REST)
// with fields that are meaningless for the other variant left zero.
type ExecutableScript struct {
	Kind ScriptKind `json:"kind"`

	// FilesystemScript fields.
	Path string `json:"path"`

	// GitScript fields. Path here is relative to the repo root.
	Repo      string `json:"repo,omitempty"`
	Branch    string `json:"branch,omitempty"`
	Commit    string `json:"commit,omitempty"`
	CreateEnv bool   `json:"create_env,omitempty"`
}

// ProcedureInput holds the positional and keyword arguments to a user
// function invocation. Values are JSON-serialisable; the worker tolerates
// arbitrary shapes and surfaces mismatches as a FAILED transition.
type ProcedureInput struct {
	Args   []json.RawMessage          `json:"args"`
	Kwargs map[string]json.RawMessage `json:"kwargs"`
}

// FunctionCall records one invocation attempt against a loaded script.
type FunctionCall struct {
	FnName    string         `json:"fn_name"`
	Input     ProcedureInput `json:"input"`
	Timestamp time.Time      `json:"timestamp"`
}

// ProcedureState is the Script Worker's lifecycle state. States are only
// totally ordered by time of entry into ProcedureHistory, never by the
// string value itself.
type ProcedureState string

const (
	StateCreating ProcedureState = "CREATING"
	StateIdle     ProcedureState = "IDLE"
	StatePrepEnv  ProcedureState = "PREP_ENV"
	StateLoading  ProcedureState = "LOADING"
	StateReady    ProcedureState = "READY"
	StateRunning  ProcedureState = "RUNNING"
	StateComplete ProcedureState = "COMPLETE"
	StateStopped  ProcedureState = "STOPPED"
	StateFailed   ProcedureState = "FAILED"
	StateUnknown  ProcedureState = "UNKNOWN"
)

// Terminal reports whether a state is one of the four terminal states a
// Procedure can retire into: COMPLETE, STOPPED, FAILED, UNKNOWN.
func (s ProcedureState) Terminal() bool {
	switch s {
	case StateComplete, StateStopped, StateFailed, StateUnknown:
		return true
	default:
		return false
	}
}

// transitions enumerates the edges of the procedure state machine. Any
// event outside this graph is logged and rejected.
var transitions = map[ProcedureState]map[ProcedureState]bool{
	StateCreating: {StateIdle: true},
	StateIdle:     {StatePrepEnv: true, StateLoading: true, StateRunning: true},
	StatePrepEnv:  {StateIdle: true},
	StateLoading:  {StateIdle: true},
	StateReady:    {StateRunning: true},
	StateRunning:  {StateReady: true},
}

// ValidTransition reports whether moving from `from` to `to` is permitted.
// Forced termination, exception, and supervisor-lost-contact transitions
// are allowed from any non-terminal state, and a clean exit from READY or
// IDLE may move directly to COMPLETE.
func ValidTransition(from, to ProcedureState) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StateStopped, StateFailed, StateUnknown:
		return true
	case StateComplete:
		return from == StateReady || from == StateIdle
	}
	return transitions[from][to]
}

// HistoryEntry is one (state, timestamp) pair in a Procedure's retained
// history.
type HistoryEntry struct {
	State     ProcedureState `json:"state"`
	Timestamp time.Time      `json:"timestamp"`
}

// ProcedureHistory is the ordered sequence of state transitions plus an
// optional stacktrace, set only when the current state is FAILED.
type ProcedureHistory struct {
	Entries    []HistoryEntry `json:"entries"`
	Stacktrace string         `json:"stacktrace,omitempty"`
}

// Procedure is an instance of a loaded user script, owned by the Process
// Manager and summarised by the Script Execution Service.
type Procedure struct {
	Pid     uint64            `json:"pid"`
	Script  ExecutableScript  `json:"script"`
	Calls   []FunctionCall    `json:"calls"`
	State   ProcedureState    `json:"state"`
	History ProcedureHistory  `json:"history"`
}

// ProcedureSummary is the JSON-serialisable projection of a Procedure
// returned by SES and the REST surface. It deliberately omits the opaque
// worker handle.
type ProcedureSummary struct {
	Pid        uint64           `json:"pid"`
	Script     ExecutableScript `json:"script"`
	State      ProcedureState   `json:"state"`
	History    []HistoryEntry   `json:"history"`
	Calls      []FunctionCall   `json:"calls"`
	Stacktrace string           `json:"stacktrace,omitempty"`
}

// Summarize projects a Procedure into its wire-level ProcedureSummary.
func (p *Procedure) Summarize() ProcedureSummary {
	return ProcedureSummary{
		Pid:        p.Pid,
		Script:     p.Script,
		State:      p.State,
		History:    append([]HistoryEntry(nil), p.History.Entries...),
		Calls:      append([]FunctionCall(nil), p.Calls...),
		Stacktrace: p.History.Stacktrace,
	}
}

// Environment is an isolated dependency tree keyed by git repo + commit,
// owned by the Environment Manager.
type Environment struct {
	EnvID             string `json:"env_id"`
	SitePackagesPath  string `json:"site_packages_path"`
}

// PrepareCmd is the payload of request.procedure.create.
type PrepareCmd struct {
	Script     ExecutableScript `json:"script"`
	InitArgs   *ProcedureInput  `json:"init_args,omitempty"`
	CreateEnv  bool             `json:"create_env"`
}

// StartCmd is the payload of request.procedure.start.
type StartCmd struct {
	Pid    uint64         `json:"pid"`
	FnName string         `json:"fn_name"`
	Args   ProcedureInput `json:"fn_args"`
	Force  bool           `json:"force"`
}

// StopCmd is the payload of request.procedure.stop.
type StopCmd struct {
	Pid       uint64 `json:"pid"`
	RunAbort  bool   `json:"run_abort"`
}

// ActivityState enumerates the states of the Activity Service's current,
// deliberately minimal design: REQUESTED only. Richer states (IN_PROGRESS,
// COMPLETED mirroring the bound procedure) were considered and dropped —
// nothing downstream needs them yet.
type ActivityState string

const (
	ActivityRequested ActivityState = "REQUESTED"
)

// ActivityCmd is the payload of request.activity.run.
type ActivityCmd struct {
	SBDID               string                    `json:"sbd_id"`
	ActivityName        string                    `json:"activity_name"`
	ScriptArgsOverride  map[string]json.RawMessage `json:"script_args_override,omitempty"`
	PrepareOnly         bool                      `json:"prepare_only"`
}

// ActivitySummary is returned from Activity Service's run operation and by
// the activity list/get REST endpoints.
type ActivitySummary struct {
	Aid          uint64         `json:"aid"`
	SBDID        string         `json:"sbd_id"`
	ActivityName string         `json:"activity_name"`
	ProcedureID  uint64         `json:"procedure_id"`
	PrepareOnly  bool           `json:"prepare_only"`
	ScriptArgs   ProcedureInput `json:"script_args"`
	State        ActivityState  `json:"state"`
	StateHistory []HistoryEntry `json:"state_history"`
}

// SBActivity describes one named activity inside a Scheduling Block
// document: kind/path identify the ExecutableScript, function_args the
// declared init/main arguments. The SB schema is otherwise opaque since
// fields vary across SB versions.
type SBActivity struct {
	Kind         ScriptKind                `json:"kind"`
	Path         string                    `json:"path"`
	Repo         string                    `json:"repo,omitempty"`
	Branch       string                    `json:"branch,omitempty"`
	Commit       string                    `json:"commit,omitempty"`
	FunctionArgs map[string]ProcedureInput `json:"function_args"`
}

// SBDocument is an opaque Scheduling Block, fetched by identifier from the
// external SB archive. Only sbd_id, version, and activities[name] are
// interpreted; everything else round-trips via Raw.
type SBDocument struct {
	SBDID      string                `json:"sbd_id"`
	Version    int                   `json:"version"`
	Activities map[string]SBActivity `json:"activities"`
	Raw        json.RawMessage       `json:"-"`
}
