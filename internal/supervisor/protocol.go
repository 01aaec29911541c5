package supervisor

import "encoding/json"

// MessageKind identifies the payload carried on a worker's inbound work
// queue.
type MessageKind string

const (
	MessageKindEnv      MessageKind = "ENV"
	MessageKindLoad     MessageKind = "LOAD"
	MessageKindRun      MessageKind = "RUN"
	MessageKindStop     MessageKind = "STOP"
	MessageKindPubSub   MessageKind = "PUBSUB"
	MessageKindShutdown MessageKind = "SHUTDOWN"
)

// WorkMessage is one line of the newline-delimited JSON stream the
// supervisor writes to a worker's inbound work queue.
type WorkMessage struct {
	Kind    MessageKind     `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// EventTopicStartupDone is published by a worker, on its own outbound
// event queue, the moment it has finished initializing and is ready to
// accept work. The supervisor watches for it to satisfy the startup
// contract.
const EventTopicStartupDone = "worker.startup_done"
