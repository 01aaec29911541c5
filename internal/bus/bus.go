// Package bus implements an in-process topic publish/subscribe router
// over dotted, wildcard-capable topics, plus the cross-process bridge
// that mirrors every publish onto a worker's outbound queue so the
// supervisor process can ingest it into its own bus. Relayed events are
// not forwarded on to other worker processes.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/oet/pkg/log"
)

// Event is the envelope every bus message carries: a dotted topic, the
// originating component/process name, an optional correlation id, and a
// JSON-serialisable payload.
type Event struct {
	Topic     string      `json:"topic"`
	MsgSrc    string      `json:"msg_src"`
	RequestID *uint64     `json:"request_id,omitempty"`
	Payload   any         `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Handler processes one delivered Event. A handler that panics is
// isolated by the bus; its error is logged and published on
// "bus.handler.error" rather than propagated to the publisher.
type Handler func(Event)

// Bus topics used internally by the bus itself.
const (
	TopicHandlerError = "bus.handler.error"
	TopicDrop         = "bus.drop"
)

type subscription struct {
	id      uint64
	pattern []string
	handler Handler
}

// Relay is implemented by the cross-process bridge: every Publish is
// mirrored here so it can be pushed onto the owning process's outbound
// queue. A Bus with no Relay behaves as a purely in-process bus (the
// common case in unit tests).
type Relay interface {
	// Push enqueues ev for cross-process delivery. It blocks up to a
	// bounded timeout; the caller treats a false return as "dropped".
	Push(ev Event) bool
}

// Bus is a single process's publish/subscribe router.
type Bus struct {
	processID string

	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64

	relay       Relay
	relayTimeout time.Duration
}

// Option configures a Bus at construction.
type Option func(*Bus)

// WithRelay installs the cross-process bridge. timeout bounds how long a
// full outbound queue blocks the publisher before the event is dropped
// and bus.drop is emitted once.
func WithRelay(relay Relay, timeout time.Duration) Option {
	return func(b *Bus) {
		b.relay = relay
		b.relayTimeout = timeout
	}
}

// New creates a Bus for the given process (used to populate msg_src and
// for cross-process loop suppression).
func New(processID string, opts ...Option) *Bus {
	b := &Bus{
		processID:    processID,
		subs:         make(map[uint64]*subscription),
		relayTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ProcessID returns the process name this bus was constructed with.
func (b *Bus) ProcessID() string { return b.processID }

func splitTopic(topic string) []string {
	return strings.Split(topic, ".")
}

// matches reports whether a published topic matches a subscription
// pattern. "*" matches exactly one segment; a trailing "**" matches the
// remainder of the topic (zero or more segments).
func matches(pattern, topic []string) bool {
	for i, p := range pattern {
		if p == "**" {
			return true // matches rest of topic unconditionally
		}
		if i >= len(topic) {
			return false
		}
		if p != "*" && p != topic[i] {
			return false
		}
	}
	return len(pattern) == len(topic)
}

// Subscribe registers handler for every future Publish whose topic
// matches pattern. Wildcards: "*" for a single segment, a trailing "**"
// for the remaining segments. Late subscribers never see backlog.
func (b *Bus) Subscribe(pattern string, handler Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = &subscription{id: id, pattern: splitTopic(pattern), handler: handler}
	return id
}

// Unsubscribe removes a subscription. Safe to call more than once.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Publish synchronously fans ev out to every matching handler registered
// at call time, in a deterministic (subscription-id) order, then mirrors
// it onto the cross-process relay if one is configured. A handler that
// panics is isolated and reported on bus.handler.error; it never aborts
// delivery to the remaining subscribers.
func (b *Bus) Publish(topic string, payload any, requestID *uint64) {
	ev := Event{
		Topic:     topic,
		MsgSrc:    b.processID,
		RequestID: requestID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	b.dispatch(ev)
	b.pushToRelay(ev)
}

// Ingest delivers an Event that originated in another process (handed to
// us by the cross-process bridge) to local subscribers, without
// re-pushing it back onto the relay towards its own origin. This is
// what keeps a relayed event from bouncing back and forth forever.
func (b *Bus) Ingest(ev Event) {
	if ev.MsgSrc == b.processID {
		return
	}
	b.dispatch(ev)
}

func (b *Bus) dispatch(ev Event) {
	segs := splitTopic(ev.Topic)

	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	ids := make([]uint64, 0, len(b.subs))
	for id, sub := range b.subs {
		if matches(sub.pattern, segs) {
			matched = append(matched, sub)
			ids = append(ids, id)
		}
	}
	b.mu.RUnlock()

	// Deterministic per-process order: ascending subscription id.
	for i := 0; i < len(matched); i++ {
		for j := i + 1; j < len(matched); j++ {
			if ids[j] < ids[i] {
				matched[i], matched[j] = matched[j], matched[i]
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}

	for _, sub := range matched {
		b.invoke(sub, ev)
	}
}

func (b *Bus) invoke(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.WithComponent("bus").Warn().
				Str("topic", ev.Topic).
				Interface("recover", r).
				Msg("handler panicked")
			if ev.Topic != TopicHandlerError {
				b.dispatch(Event{
					Topic:     TopicHandlerError,
					MsgSrc:    b.processID,
					Payload:   map[string]any{"topic": ev.Topic, "error": r},
					Timestamp: time.Now(),
				})
			}
		}
	}()
	sub.handler(ev)
}

func (b *Bus) pushToRelay(ev Event) {
	if b.relay == nil {
		return
	}
	done := make(chan bool, 1)
	go func() { done <- b.relay.Push(ev) }()
	select {
	case ok := <-done:
		if !ok {
			b.emitDrop(ev)
		}
	case <-time.After(b.relayTimeout):
		b.emitDrop(ev)
	}
}

var dropOnce sync.Map

func (b *Bus) emitDrop(ev Event) {
	// "bus.drop is emitted once" per outbound-queue-full incident; a
	// monotonically increasing counter id keeps repeat drops from being
	// silently deduplicated forever while still honouring "once per drop".
	var seq uint64
	if v, ok := dropOnce.Load(b.processID); ok {
		seq = v.(*atomic.Uint64).Add(1)
	} else {
		counter := &atomic.Uint64{}
		dropOnce.Store(b.processID, counter)
		seq = counter.Add(1)
	}
	b.dispatch(Event{
		Topic:     TopicDrop,
		MsgSrc:    b.processID,
		Payload:   map[string]any{"dropped_topic": ev.Topic, "seq": seq},
		Timestamp: time.Now(),
	})
}
