// Package activity implements the Activity Service: it binds a
// Scheduling Block's named activity to a procedure invocation, merging
// any keyword-argument overrides and correlating the lifecycle events
// that follow back to the activity that triggered them.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/oet/internal/apifacade"
	"github.com/cuemby/oet/internal/bus"
	"github.com/cuemby/oet/internal/sbarchive"
	"github.com/cuemby/oet/internal/types"
	"github.com/cuemby/oet/pkg/oeterrors"
)

// Service owns every activity invocation this process has requested.
type Service struct {
	archive sbarchive.Client
	bus     *bus.Bus
	tAPI    time.Duration
	tmpDir  string

	nextAid atomic.Uint64

	mu         sync.Mutex
	activities map[uint64]*types.ActivitySummary
	pidToAid   map[uint64]uint64
}

// New builds a Service. tAPI bounds how long Run waits for the matching
// procedure.lifecycle.created response (default 10s). tmpDir is where
// SB documents are persisted for the main invocation's sb_json kwarg.
func New(archive sbarchive.Client, b *bus.Bus, tAPI time.Duration, tmpDir string) *Service {
	s := &Service{
		archive:    archive,
		bus:        b,
		tAPI:       tAPI,
		tmpDir:     tmpDir,
		activities: make(map[uint64]*types.ActivitySummary),
		pidToAid:   make(map[uint64]uint64),
	}
	b.Subscribe("procedure.lifecycle.statechange", s.onProcedureStateChange)
	return s
}

// Run resolves cmd.ActivityName within the named Scheduling Block,
// merges any keyword-argument overrides, persists the SB document for
// the main invocation, and requests a procedure for it.
func (s *Service) Run(ctx context.Context, cmd types.ActivityCmd) (types.ActivitySummary, error) {
	doc, err := s.archive.Fetch(ctx, cmd.SBDID)
	if err != nil {
		return types.ActivitySummary{}, err
	}

	act, ok := doc.Activities[cmd.ActivityName]
	if !ok {
		return types.ActivitySummary{}, oeterrors.New(oeterrors.KindScriptNotFound,
			fmt.Sprintf("activity %q not found in SB %q", cmd.ActivityName, cmd.SBDID))
	}

	mainArgs := act.FunctionArgs["main"]
	mergedArgs, err := mergeKwargOverride(mainArgs, cmd.ScriptArgsOverride)
	if err != nil {
		return types.ActivitySummary{}, err
	}

	sbPath, err := s.persistSB(doc, cmd.PrepareOnly)
	if err != nil {
		return types.ActivitySummary{}, err
	}
	if mergedArgs.Kwargs == nil {
		mergedArgs.Kwargs = make(map[string]json.RawMessage)
	}
	sbPathJSON, _ := json.Marshal(sbPath)
	mergedArgs.Kwargs["sb_json"] = sbPathJSON

	aid := s.nextAid.Add(1)
	summary := &types.ActivitySummary{
		Aid:          aid,
		SBDID:        cmd.SBDID,
		ActivityName: cmd.ActivityName,
		PrepareOnly:  cmd.PrepareOnly,
		ScriptArgs:   mergedArgs,
		State:        types.ActivityRequested,
	}

	s.mu.Lock()
	s.activities[aid] = summary
	s.mu.Unlock()

	script := types.ExecutableScript{Kind: act.Kind, Path: act.Path, Repo: act.Repo, Branch: act.Branch, Commit: act.Commit}
	prepareCmd := types.PrepareCmd{Script: script, CreateEnv: script.Kind == types.ScriptKindGit}
	if initArgs, ok := act.FunctionArgs["init"]; ok {
		prepareCmd.InitArgs = &initArgs
	}

	prepareResp, err := apifacade.CallAndRespond(ctx, s.bus, "request.procedure.create", "procedure.lifecycle.created",
		prepareCmd, s.tAPI)
	if err != nil {
		return types.ActivitySummary{}, oeterrors.Wrap(oeterrors.KindActivityTimeout, "prepare did not complete in time", err)
	}

	var procSummary types.ProcedureSummary
	if err := decodePayload(prepareResp, &procSummary); err != nil {
		return types.ActivitySummary{}, err
	}

	s.mu.Lock()
	s.pidToAid[procSummary.Pid] = aid
	summary.ProcedureID = procSummary.Pid
	s.mu.Unlock()

	if !cmd.PrepareOnly {
		s.bus.Publish("request.procedure.start", types.StartCmd{
			Pid:    procSummary.Pid,
			FnName: "main",
			Args:   mergedArgs,
			Force:  true,
		}, nil)
	}

	return *summary, nil
}

// mergeKwargOverride applies override on top of base, keyword args only.
// A positional-argument override is not supported and is rejected.
func mergeKwargOverride(base types.ProcedureInput, override map[string]json.RawMessage) (types.ProcedureInput, error) {
	merged := types.ProcedureInput{
		Args:   append([]json.RawMessage(nil), base.Args...),
		Kwargs: make(map[string]json.RawMessage, len(base.Kwargs)+len(override)),
	}
	for k, v := range base.Kwargs {
		merged.Kwargs[k] = v
	}
	for k, v := range override {
		merged.Kwargs[k] = v
	}
	return merged, nil
}

// persistSB writes doc to a temp file and returns its path. A
// prepare-only activity gets a name deterministic in (sbd_id, version),
// so repeated prepare-only requests for the same SB version replay
// idempotently onto the same file instead of accumulating garbage; a
// full run gets a uuid appended to that name, since it is expected to execute exactly
// once and a shared name would let a concurrent second run for the same
// SB version clobber the first one's file mid-read.
func (s *Service) persistSB(doc types.SBDocument, prepareOnly bool) (string, error) {
	dir := s.tmpDir
	if dir == "" {
		dir = os.TempDir()
	}
	var name string
	if prepareOnly {
		name = fmt.Sprintf("%s-%d.json", doc.SBDID, doc.Version)
	} else {
		name = fmt.Sprintf("%s-%d-%s.json", doc.SBDID, doc.Version, uuid.NewString())
	}
	path := filepath.Join(dir, name)

	data := doc.Raw
	if len(data) == 0 {
		var err error
		data, err = json.Marshal(doc)
		if err != nil {
			return "", err
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("persist SB document: %w", err)
	}
	return path, nil
}

// onProcedureStateChange appends to the owning activity's state_history
// whenever its bound procedure transitions, so a client polling the
// activity alone (without also tracking its procedure_id) still sees
// progress. Duplicated from procmanager/ses's own parseStateChangeEvent
// rather than shared, since each owner's tolerance for same-process vs.
// relayed payload shapes is independent.
func (s *Service) onProcedureStateChange(ev bus.Event) {
	pid, state, ok := parseStateChangeEvent(ev)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	aid, ok := s.pidToAid[pid]
	if !ok {
		return
	}
	a, ok := s.activities[aid]
	if !ok {
		return
	}
	a.StateHistory = append(a.StateHistory, types.HistoryEntry{State: state, Timestamp: time.Now()})
}

// parseStateChangeEvent extracts (pid, state) from a
// procedure.lifecycle.statechange event, tolerating both a same-process
// map[string]any payload and the map[string]interface{} a relayed event
// decodes into (numeric fields arrive as float64).
func parseStateChangeEvent(ev bus.Event) (pid uint64, state types.ProcedureState, ok bool) {
	payload, isMap := ev.Payload.(map[string]interface{})
	if !isMap {
		return 0, "", false
	}
	pidVal, hasPid := payload["pid"]
	stateVal, hasState := payload["state"]
	if !hasPid || !hasState {
		return 0, "", false
	}
	switch v := pidVal.(type) {
	case float64:
		pid = uint64(v)
	case uint64:
		pid = v
	default:
		return 0, "", false
	}
	stateStr, isStr := stateVal.(string)
	if !isStr {
		return 0, "", false
	}
	return pid, types.ProcedureState(stateStr), true
}

func decodePayload(payload any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// Get returns the activity summary for aid.
func (s *Service) Get(aid uint64) (types.ActivitySummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.activities[aid]
	if !ok {
		return types.ActivitySummary{}, false
	}
	return *a, true
}

// List returns every retained activity summary.
func (s *Service) List() []types.ActivitySummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ActivitySummary, 0, len(s.activities))
	for _, a := range s.activities {
		out = append(out, *a)
	}
	return out
}

// RegisterBusHandlers exposes run/list as the request.activity.run and
// request.activity.list bus request/response pairs, so a REST handler
// or a remote process can reach this service without a direct call.
func (s *Service) RegisterBusHandlers() {
	s.bus.Subscribe("request.activity.run", func(ev bus.Event) {
		var cmd types.ActivityCmd
		if err := decodePayload(ev.Payload, &cmd); err != nil {
			s.bus.Publish("activity.lifecycle.error", err.Error(), ev.RequestID)
			return
		}
		summary, err := s.Run(context.Background(), cmd)
		if err != nil {
			s.bus.Publish("activity.lifecycle.error", err.Error(), ev.RequestID)
			return
		}
		s.bus.Publish("activity.lifecycle.running", summary, ev.RequestID)
	})

	s.bus.Subscribe("request.activity.list", func(ev bus.Event) {
		var aids []uint64
		_ = decodePayload(ev.Payload, &aids)
		if aids == nil {
			s.bus.Publish("activity.pool.list", s.List(), ev.RequestID)
			return
		}
		out := make([]types.ActivitySummary, 0, len(aids))
		for _, aid := range aids {
			if a, ok := s.Get(aid); ok {
				out = append(out, a)
			}
		}
		s.bus.Publish("activity.pool.list", out, ev.RequestID)
	})
}
