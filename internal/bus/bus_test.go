package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeExactTopic(t *testing.T) {
	b := New("test")
	var got []string
	var mu sync.Mutex
	b.Subscribe("procedure.lifecycle.statechange", func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Topic)
	})

	b.Publish("procedure.lifecycle.statechange", nil, nil)
	b.Publish("procedure.lifecycle.preparing", nil, nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"procedure.lifecycle.statechange"}, got)
}

func TestSubscribeSingleWildcard(t *testing.T) {
	b := New("test")
	var got []string
	var mu sync.Mutex
	b.Subscribe("procedure.lifecycle.*", func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Topic)
	})

	b.Publish("procedure.lifecycle.created", nil, nil)
	b.Publish("procedure.lifecycle.started", nil, nil)
	b.Publish("procedure.pool.list", nil, nil)
	b.Publish("procedure.lifecycle.created.extra", nil, nil) // too many segments

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"procedure.lifecycle.created", "procedure.lifecycle.started"}, got)
}

func TestSubscribeTrailingMultiWildcard(t *testing.T) {
	b := New("test")
	var got []string
	var mu sync.Mutex
	b.Subscribe("user.**", func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Topic)
	})

	b.Publish("user.script.announce", nil, nil)
	b.Publish("user.script.announce.detail", nil, nil)
	b.Publish("procedure.lifecycle.created", nil, nil)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"user.script.announce", "user.script.announce.detail"}, got)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New("test")
	var count int
	id := b.Subscribe("a.b", func(ev Event) { count++ })
	b.Publish("a.b", nil, nil)
	b.Unsubscribe(id)
	b.Publish("a.b", nil, nil)
	assert.Equal(t, 1, count)
}

func TestLateSubscriberSeesNoBacklog(t *testing.T) {
	b := New("test")
	b.Publish("a.b", "first", nil)
	var got []any
	b.Subscribe("a.b", func(ev Event) { got = append(got, ev.Payload) })
	b.Publish("a.b", "second", nil)
	assert.Equal(t, []any{"second"}, got)
}

func TestHandlerPanicIsolatedAndReported(t *testing.T) {
	b := New("test")
	var errTopicSeen bool
	var secondHandlerRan bool
	b.Subscribe(TopicHandlerError, func(ev Event) { errTopicSeen = true })
	b.Subscribe("a.b", func(ev Event) { panic("boom") })
	b.Subscribe("a.b", func(ev Event) { secondHandlerRan = true })

	require.NotPanics(t, func() {
		b.Publish("a.b", nil, nil)
	})
	assert.True(t, secondHandlerRan, "a later handler must still run after an earlier one panics")
	assert.True(t, errTopicSeen, "bus.handler.error must be published")
}

type blockingRelay struct{ block chan struct{} }

func (r *blockingRelay) Push(ev Event) bool {
	<-r.block
	return true
}

func TestRelayTimeoutEmitsDropOnce(t *testing.T) {
	relay := &blockingRelay{block: make(chan struct{})}
	defer close(relay.block)

	b := New("test", WithRelay(relay, 20*time.Millisecond))
	var drops int
	var mu sync.Mutex
	b.Subscribe(TopicDrop, func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		drops++
	})

	b.Publish("a.b", nil, nil)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, drops)
}

func TestIngestSuppressesOwnOriginEcho(t *testing.T) {
	b := New("worker-1")
	var count int
	b.Subscribe("a.b", func(ev Event) { count++ })

	b.Ingest(Event{Topic: "a.b", MsgSrc: "worker-1"})
	assert.Equal(t, 0, count, "an event whose msg_src is this process must not be re-delivered")

	b.Ingest(Event{Topic: "a.b", MsgSrc: "worker-2"})
	assert.Equal(t, 1, count)
}

func TestRequestIDCorrelation(t *testing.T) {
	b := New("test")
	id := uint64(42)
	var gotID *uint64
	b.Subscribe("reply.topic", func(ev Event) { gotID = ev.RequestID })
	b.Publish("reply.topic", nil, &id)
	require.NotNil(t, gotID)
	assert.Equal(t, id, *gotID)
}
