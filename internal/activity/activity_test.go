package activity

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/oet/internal/bus"
	"github.com/cuemby/oet/internal/types"
	"github.com/cuemby/oet/pkg/oeterrors"
)

type stubArchive struct {
	doc types.SBDocument
	err error
}

func (a *stubArchive) Fetch(ctx context.Context, sbdID string) (types.SBDocument, error) {
	return a.doc, a.err
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestRunFetchesMergesAndPublishesPrepare(t *testing.T) {
	b := bus.New("test")
	doc := types.SBDocument{
		SBDID:   "sb-42",
		Version: 1,
		Activities: map[string]types.SBActivity{
			"observe": {
				Kind: types.ScriptKindFilesystem,
				Path: "/scripts/observe.star",
				FunctionArgs: map[string]types.ProcedureInput{
					"main": {Kwargs: map[string]json.RawMessage{"exposure": rawJSON(t, 5)}},
				},
			},
		},
	}
	svc := New(&stubArchive{doc: doc}, b, time.Second, t.TempDir())

	var prepareCmd types.PrepareCmd
	gotPrepare := make(chan struct{}, 1)
	b.Subscribe("request.procedure.create", func(ev bus.Event) {
		data, _ := json.Marshal(ev.Payload)
		_ = json.Unmarshal(data, &prepareCmd)
		b.Publish("procedure.lifecycle.created", types.ProcedureSummary{Pid: 7, State: types.StateIdle}, ev.RequestID)
		gotPrepare <- struct{}{}
	})

	gotStart := make(chan types.StartCmd, 1)
	b.Subscribe("request.procedure.start", func(ev bus.Event) {
		var cmd types.StartCmd
		data, _ := json.Marshal(ev.Payload)
		_ = json.Unmarshal(data, &cmd)
		gotStart <- cmd
	})

	summary, err := svc.Run(context.Background(), types.ActivityCmd{
		SBDID:              "sb-42",
		ActivityName:       "observe",
		ScriptArgsOverride: map[string]json.RawMessage{"exposure": rawJSON(t, 10)},
	})
	require.NoError(t, err)

	<-gotPrepare
	assert.Equal(t, types.ScriptKindFilesystem, prepareCmd.Script.Kind)
	assert.Equal(t, uint64(7), summary.ProcedureID)
	assert.Equal(t, types.ActivityRequested, summary.State)

	select {
	case startCmd := <-gotStart:
		assert.Equal(t, uint64(7), startCmd.Pid)
		assert.True(t, startCmd.Force)
		var exposure int
		require.NoError(t, json.Unmarshal(startCmd.Args.Kwargs["exposure"], &exposure))
		assert.Equal(t, 10, exposure, "override should win over the declared default")
		assert.Contains(t, startCmd.Args.Kwargs, "sb_json")
	case <-time.After(time.Second):
		t.Fatal("expected request.procedure.start to be published")
	}
}

func TestRunUnknownActivityNameFails(t *testing.T) {
	b := bus.New("test")
	doc := types.SBDocument{SBDID: "sb-1", Activities: map[string]types.SBActivity{}}
	svc := New(&stubArchive{doc: doc}, b, time.Second, t.TempDir())

	_, err := svc.Run(context.Background(), types.ActivityCmd{SBDID: "sb-1", ActivityName: "missing"})
	require.Error(t, err)
	oetErr, ok := oeterrors.As(err)
	require.True(t, ok)
	assert.Equal(t, oeterrors.KindScriptNotFound, oetErr.Kind)
}

func TestRunTimesOutWhenPrepareNeverResponds(t *testing.T) {
	b := bus.New("test")
	doc := types.SBDocument{
		SBDID: "sb-1",
		Activities: map[string]types.SBActivity{
			"observe": {Kind: types.ScriptKindFilesystem, Path: "/x.star"},
		},
	}
	svc := New(&stubArchive{doc: doc}, b, 30*time.Millisecond, t.TempDir())

	_, err := svc.Run(context.Background(), types.ActivityCmd{SBDID: "sb-1", ActivityName: "observe"})
	require.Error(t, err)
	oetErr, ok := oeterrors.As(err)
	require.True(t, ok)
	assert.Equal(t, oeterrors.KindActivityTimeout, oetErr.Kind)
}

func TestRunPrepareOnlySkipsStart(t *testing.T) {
	b := bus.New("test")
	doc := types.SBDocument{
		SBDID: "sb-1",
		Activities: map[string]types.SBActivity{
			"observe": {Kind: types.ScriptKindFilesystem, Path: "/x.star"},
		},
	}
	svc := New(&stubArchive{doc: doc}, b, time.Second, t.TempDir())

	b.Subscribe("request.procedure.create", func(ev bus.Event) {
		b.Publish("procedure.lifecycle.created", types.ProcedureSummary{Pid: 3, State: types.StateIdle}, ev.RequestID)
	})
	startCalled := false
	b.Subscribe("request.procedure.start", func(ev bus.Event) { startCalled = true })

	summary, err := svc.Run(context.Background(), types.ActivityCmd{SBDID: "sb-1", ActivityName: "observe", PrepareOnly: true})
	require.NoError(t, err)
	assert.True(t, summary.PrepareOnly)
	assert.False(t, startCalled, "prepare_only must not trigger a start request")
}

func TestRegisterBusHandlersExposesRunAndList(t *testing.T) {
	b := bus.New("test")
	doc := types.SBDocument{
		SBDID: "sb-1",
		Activities: map[string]types.SBActivity{
			"observe": {Kind: types.ScriptKindFilesystem, Path: "/x.star"},
		},
	}
	svc := New(&stubArchive{doc: doc}, b, time.Second, t.TempDir())
	svc.RegisterBusHandlers()

	b.Subscribe("request.procedure.create", func(ev bus.Event) {
		b.Publish("procedure.lifecycle.created", types.ProcedureSummary{Pid: 1, State: types.StateIdle}, ev.RequestID)
	})
	b.Subscribe("request.procedure.start", func(ev bus.Event) {})

	var running types.ActivitySummary
	gotRunning := make(chan struct{}, 1)
	b.Subscribe("activity.lifecycle.running", func(ev bus.Event) {
		data, _ := json.Marshal(ev.Payload)
		_ = json.Unmarshal(data, &running)
		gotRunning <- struct{}{}
	})

	reqID := uint64(42)
	b.Publish("request.activity.run", types.ActivityCmd{SBDID: "sb-1", ActivityName: "observe"}, &reqID)
	<-gotRunning
	assert.Equal(t, uint64(1), running.ProcedureID)

	var listed []types.ActivitySummary
	gotList := make(chan struct{}, 1)
	b.Subscribe("activity.pool.list", func(ev bus.Event) {
		data, _ := json.Marshal(ev.Payload)
		_ = json.Unmarshal(data, &listed)
		gotList <- struct{}{}
	})
	b.Publish("request.activity.list", nil, &reqID)
	<-gotList
	require.Len(t, listed, 1)
}

func TestOnProcedureStateChangeAppendsHistoryForOwningActivity(t *testing.T) {
	b := bus.New("test")
	doc := types.SBDocument{
		SBDID: "sb-1",
		Activities: map[string]types.SBActivity{
			"observe": {Kind: types.ScriptKindFilesystem, Path: "/x.star"},
		},
	}
	svc := New(&stubArchive{doc: doc}, b, time.Second, t.TempDir())

	b.Subscribe("request.procedure.create", func(ev bus.Event) {
		b.Publish("procedure.lifecycle.created", types.ProcedureSummary{Pid: 9, State: types.StateIdle}, ev.RequestID)
	})
	b.Subscribe("request.procedure.start", func(ev bus.Event) {})

	summary, err := svc.Run(context.Background(), types.ActivityCmd{SBDID: "sb-1", ActivityName: "observe"})
	require.NoError(t, err)

	b.Publish("procedure.lifecycle.statechange", map[string]interface{}{
		"pid":   float64(summary.ProcedureID),
		"state": string(types.StateRunning),
	}, nil)

	updated, ok := svc.Get(summary.Aid)
	require.True(t, ok)
	require.Len(t, updated.StateHistory, 1)
	assert.Equal(t, types.StateRunning, updated.StateHistory[0].State)
}
