package wshub

import (
	"encoding/json"
	"fmt"
)

const (
	frameInvocation = "invocation"
	frameCompletion = "completion"
	framePing       = "ping"
)

// frame is a single protocol message.
type frame struct {
	Type         string            `json:"type"`
	InvocationID string            `json:"invocationId,omitempty"`
	Hub          string            `json:"hub,omitempty"`
	Target       string            `json:"target,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	Result       json.RawMessage   `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// encodeArgs marshals each argument separately so the receiver can decode
// them into different types.
func encodeArgs(args []any) ([]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}

	out := make([]json.RawMessage, len(args))
	for i, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = data
	}
	return out, nil
}

// result is a completion delivered to a waiting invoke.
type result struct {
	frame frame
	err   error
}
