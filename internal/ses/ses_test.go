package ses

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/oet/internal/bus"
	"github.com/cuemby/oet/internal/procmanager"
	"github.com/cuemby/oet/internal/supervisor"
	"github.com/cuemby/oet/internal/types"
)

func newTestService(t *testing.T, h int) (*Service, *bus.Bus) {
	t.Helper()
	b := bus.New("ses-test")
	sup := supervisor.New(supervisor.Timeouts{Startup: 200 * time.Millisecond, Soft: 50 * time.Millisecond, Hard: 50 * time.Millisecond})
	pm := procmanager.New(sup, nil, b, "/bin/true")
	return New(pm, b, h), b
}

func TestPrepareSurfacesWorkerStartupFailureAsFailed(t *testing.T) {
	s, _ := newTestService(t, 10)
	_, err := s.Prepare(context.Background(), types.PrepareCmd{
		Script: types.ExecutableScript{Kind: types.ScriptKindFilesystem, Path: "/tmp/script.star"},
	})
	require.Error(t, err)

	summaries := s.Summarise(nil)
	require.Len(t, summaries, 1)
	assert.Equal(t, types.StateFailed, summaries[0].State)
	assert.NotEmpty(t, summaries[0].Stacktrace)
}

func TestStartUnknownPidFails(t *testing.T) {
	s, _ := newTestService(t, 10)
	_, err := s.Start(types.StartCmd{Pid: 123, FnName: "main"})
	require.Error(t, err)
}

func TestRetentionEvictsOldestTerminalBeyondH(t *testing.T) {
	s, _ := newTestService(t, 2)
	for i := 0; i < 4; i++ {
		_, err := s.Prepare(context.Background(), types.PrepareCmd{
			Script: types.ExecutableScript{Kind: types.ScriptKindFilesystem, Path: "/tmp/script.star"},
		})
		require.Error(t, err) // /bin/true never signals startup_done
	}
	summaries := s.Summarise(nil)
	assert.Len(t, summaries, 2, "only the most recent H terminal procedures should be retained")
}

func TestOnStateChangeRecordsHistoryAndStacktrace(t *testing.T) {
	s, b := newTestService(t, 10)
	s.mu.Lock()
	s.procedures[99] = &types.Procedure{Pid: 99, State: types.StateReady}
	s.mu.Unlock()

	b.Publish("procedure.lifecycle.statechange", map[string]any{
		"pid":        uint64(99),
		"state":      string(types.StateFailed),
		"stacktrace": "division by zero",
	}, nil)

	summaries := s.Summarise([]uint64{99})
	require.Len(t, summaries, 1)
	assert.Equal(t, types.StateFailed, summaries[0].State)
	assert.Equal(t, "division by zero", summaries[0].Stacktrace)
	require.Len(t, summaries[0].History, 1)
}

func TestSummariseNilReturnsAllRetained(t *testing.T) {
	s, _ := newTestService(t, 10)
	s.mu.Lock()
	s.procedures[1] = &types.Procedure{Pid: 1, State: types.StateReady}
	s.procedures[2] = &types.Procedure{Pid: 2, State: types.StateRunning}
	s.mu.Unlock()

	assert.Len(t, s.Summarise(nil), 2)
	assert.Len(t, s.Summarise([]uint64{1}), 1)
}

func TestRegisterBusHandlersExposesListOverTheBus(t *testing.T) {
	s, b := newTestService(t, 10)
	s.RegisterBusHandlers()

	s.mu.Lock()
	s.procedures[7] = &types.Procedure{Pid: 7, State: types.StateReady}
	s.mu.Unlock()

	var listed []types.ProcedureSummary
	got := make(chan struct{}, 1)
	b.Subscribe("procedure.pool.list", func(ev bus.Event) {
		data, _ := json.Marshal(ev.Payload)
		_ = json.Unmarshal(data, &listed)
		got <- struct{}{}
	})

	reqID := uint64(1)
	b.Publish("request.procedure.list", nil, &reqID)

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("expected procedure.pool.list response")
	}
	require.Len(t, listed, 1)
	assert.Equal(t, uint64(7), listed[0].Pid)
}
