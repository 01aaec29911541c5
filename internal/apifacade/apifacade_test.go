package apifacade

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/oet/internal/bus"
	"github.com/cuemby/oet/pkg/oeterrors"
)

func TestCallAndRespondReturnsMatchingResponse(t *testing.T) {
	b := bus.New("test")
	b.Subscribe("request.ping", func(ev bus.Event) {
		b.Publish("response.pong", "pong", ev.RequestID)
	})

	resp, err := CallAndRespond(context.Background(), b, "request.ping", "response.pong", "hello", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", resp)
}

func TestCallAndRespondIgnoresResponsesForOtherRequests(t *testing.T) {
	b := bus.New("test")
	var stray uint64 = 999999
	b.Subscribe("request.ping", func(ev bus.Event) {
		b.Publish("response.pong", "wrong", &stray)
		b.Publish("response.pong", "right", ev.RequestID)
	})

	resp, err := CallAndRespond(context.Background(), b, "request.ping", "response.pong", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "right", resp)
}

func TestCallAndRespondTimesOutWithNoSubscriber(t *testing.T) {
	b := bus.New("test")
	_, err := CallAndRespond(context.Background(), b, "request.nobody", "response.nobody", nil, 20*time.Millisecond)
	require.Error(t, err)
	oetErr, ok := oeterrors.As(err)
	require.True(t, ok)
	assert.Equal(t, oeterrors.KindRequestTimeout, oetErr.Kind)
}

func TestBrokerBroadcastsToAllRegisteredClients(t *testing.T) {
	b := bus.New("test")
	br := NewBroker(b, 4)

	ch1, unregister1 := br.Register()
	defer unregister1()
	ch2, unregister2 := br.Register()
	defer unregister2()
	assert.Equal(t, 2, br.ClientCount())

	b.Publish("procedure.lifecycle.statechange", map[string]any{"pid": 1}, nil)

	select {
	case ev := <-ch1:
		assert.Equal(t, "procedure.lifecycle.statechange", ev.Topic)
	case <-time.After(time.Second):
		t.Fatal("client 1 did not receive broadcast event")
	}
	select {
	case ev := <-ch2:
		assert.Equal(t, "procedure.lifecycle.statechange", ev.Topic)
	case <-time.After(time.Second):
		t.Fatal("client 2 did not receive broadcast event")
	}
}

func TestBrokerDropsEventsForFullClientWithoutBlockingOthers(t *testing.T) {
	b := bus.New("test")
	br := NewBroker(b, 1)

	slow, unregisterSlow := br.Register()
	defer unregisterSlow()
	fast, unregisterFast := br.Register()
	defer unregisterFast()

	for i := 0; i < 5; i++ {
		b.Publish("x.y", i, nil)
	}

	// The fast client should have received something without ever
	// blocking on the slow client's full channel.
	select {
	case <-fast:
	case <-time.After(time.Second):
		t.Fatal("fast client starved by a full slow client")
	}
	assert.LessOrEqual(t, len(slow), 1)
}

func TestUnregisterClosesChannel(t *testing.T) {
	b := bus.New("test")
	br := NewBroker(b, 4)
	ch, unregister := br.Register()
	unregister()
	assert.Equal(t, 0, br.ClientCount())
	_, open := <-ch
	assert.False(t, open)
}
