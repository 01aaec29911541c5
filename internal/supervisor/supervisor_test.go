package supervisor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitExitReturnsTrueWhenClosed(t *testing.T) {
	ch := make(chan struct{})
	close(ch)
	assert.True(t, waitExit(ch, 50*time.Millisecond))
}

func TestWaitExitReturnsFalseOnTimeout(t *testing.T) {
	ch := make(chan struct{})
	assert.False(t, waitExit(ch, 10*time.Millisecond))
}

func TestWorkMessageJSONRoundTrip(t *testing.T) {
	payload, err := json.Marshal(map[string]string{"fn_name": "init"})
	require.NoError(t, err)
	msg := WorkMessage{Kind: MessageKindRun, Payload: payload}

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var got WorkMessage
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, MessageKindRun, got.Kind)
	assert.JSONEq(t, string(payload), string(got.Payload))
}

func TestHandleStateDefaultsToStartingThenTransitions(t *testing.T) {
	h := &Handle{state: ProcessStarting}
	assert.Equal(t, ProcessStarting, h.State())

	h.mu.Lock()
	h.state = ProcessRunning
	h.mu.Unlock()
	assert.Equal(t, ProcessRunning, h.State())
}

func TestSupervisorGetUnknownLogicalID(t *testing.T) {
	s := New(Timeouts{Startup: time.Second, Soft: time.Second, Hard: time.Second})
	_, ok := s.Get(999)
	assert.False(t, ok)
}
