package transport

import "encoding/json"

// Envelope is the wire format exchanged with the chat hub. Invocations
// carry an id so the hub's completion can be correlated back to the
// waiting caller; events are unsolicited server pushes.
type Envelope struct {
	Type         string            `json:"type"`
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	Result       json.RawMessage   `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
}

const (
	frameInvocation = "invocation"
	frameCompletion = "completion"
	frameEvent      = "event"
	framePing       = "ping"
	framePong       = "pong"
)

func marshalArgs(args []any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		out = append(out, json.RawMessage(b))
	}
	return out, nil
}
