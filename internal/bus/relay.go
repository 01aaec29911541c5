package bus

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
)

// PipeRelay bridges a Bus's Publish calls onto a newline-delimited JSON
// stream — the worker's outbound event queue; the supervisor reads the
// other end with ReadRelayed. Each worker process is spawned with one of
// these wired to its event-queue file descriptor.
type PipeRelay struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewPipeRelay wraps w (the write end of the process's outbound event
// queue) as a Relay.
func NewPipeRelay(w io.Writer) *PipeRelay {
	return &PipeRelay{enc: json.NewEncoder(w)}
}

// Push implements Relay by writing ev as one JSON line. It returns false
// if the encode fails (pipe closed, process gone), which the Bus treats
// as a dropped event.
func (r *PipeRelay) Push(ev Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enc.Encode(ev) == nil
}

// ReadRelayed decodes Events from r (the read end of a worker's outbound
// event queue) and invokes onEvent for each until the stream ends or
// decoding fails. Intended to run in its own goroutine in the supervisor
// process, one per live worker.
func ReadRelayed(r io.Reader, onEvent func(Event)) error {
	dec := json.NewDecoder(bufio.NewReader(r))
	for {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			return err
		}
		onEvent(ev)
	}
}
