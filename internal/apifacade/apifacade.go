// Package apifacade provides the two primitives the REST transport is
// built from: CallAndRespond turns a fire-and-forget bus request into a
// synchronous call with a timeout, and Broker fans every bus event out
// to SSE-connected clients.
package apifacade

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/oet/internal/bus"
	"github.com/cuemby/oet/pkg/oeterrors"
)

var requestIDCounter atomic.Uint64

// NewRequestID allocates the next bus request correlation id.
func NewRequestID() uint64 {
	return requestIDCounter.Add(1)
}

// CallAndRespond publishes payload on requestTopic with a fresh request
// id, waits up to timeout for the first responseTopic event carrying the
// same request id, and returns its payload. A caller that times out gets
// an *oeterrors.Error of kind RequestTimeout; the late response, if it
// ever arrives, is simply dropped by the now-unsubscribed waiter.
func CallAndRespond(ctx context.Context, b *bus.Bus, requestTopic, responseTopic string, payload any, timeout time.Duration) (any, error) {
	id := NewRequestID()

	waiter := make(chan any, 1)
	subID := b.Subscribe(responseTopic, func(ev bus.Event) {
		if ev.RequestID != nil && *ev.RequestID == id {
			select {
			case waiter <- ev.Payload:
			default:
			}
		}
	})
	defer b.Unsubscribe(subID)

	b.Publish(requestTopic, payload, &id)

	select {
	case resp := <-waiter:
		return resp, nil
	case <-time.After(timeout):
		return nil, oeterrors.New(oeterrors.KindRequestTimeout, requestTopic+" timed out waiting for "+responseTopic)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Broker fans every event published on the bus out to SSE-connected
// clients, one bounded channel per client. A client whose channel fills
// up (it is reading slower than events arrive) is dropped rather than
// allowed to block publishers, a direct generalisation of the way the
// teacher's event broker skips a full subscriber instead of blocking.
type Broker struct {
	queueDepth int

	mu      sync.Mutex
	clients map[chan bus.Event]struct{}
}

// NewBroker builds a Broker and subscribes it to every topic on b.
// queueDepth bounds each client's channel (Q_sse, default 1024).
func NewBroker(b *bus.Bus, queueDepth int) *Broker {
	br := &Broker{
		queueDepth: queueDepth,
		clients:    make(map[chan bus.Event]struct{}),
	}
	b.Subscribe("**", br.broadcast)
	return br
}

// Register adds a new SSE client and returns its event channel plus an
// unregister func the caller must invoke when the connection closes.
func (br *Broker) Register() (<-chan bus.Event, func()) {
	ch := make(chan bus.Event, br.queueDepth)
	br.mu.Lock()
	br.clients[ch] = struct{}{}
	br.mu.Unlock()

	unregister := func() {
		br.mu.Lock()
		if _, ok := br.clients[ch]; ok {
			delete(br.clients, ch)
			close(ch)
		}
		br.mu.Unlock()
	}
	return ch, unregister
}

// ClientCount returns the number of connected SSE clients.
func (br *Broker) ClientCount() int {
	br.mu.Lock()
	defer br.mu.Unlock()
	return len(br.clients)
}

func (br *Broker) broadcast(ev bus.Event) {
	br.mu.Lock()
	defer br.mu.Unlock()
	for ch := range br.clients {
		select {
		case ch <- ev:
		default:
			// Client is behind; disconnect it rather than block every
			// other subscriber on the bus. Closing its channel ends
			// the SSE handler reading from it.
			delete(br.clients, ch)
			close(ch)
		}
	}
}
