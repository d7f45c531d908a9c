// Package protocol defines the framed message envelope shared by the
// Console↔Comet and Comet↔Agent links (spec.md §6, "Wire protocol").
package protocol

import "encoding/json"

// Kind names a frame's payload shape. Compatibility is by Kind, not by
// a version number: a receiver ignores frames of a kind it does not
// handle.
type Kind string

const (
	KindHello         Kind = "hello"
	KindWelcome       Kind = "welcome"
	KindHeartbeat     Kind = "heartbeat"
	KindExec          Kind = "exec"
	KindKill          Kind = "kill"
	KindStartTimer    Kind = "start_timer"
	KindStopTimer     Kind = "stop_timer"
	KindOutput        Kind = "output"
	KindCompleted     Kind = "completed"
	KindSSHOpen       Kind = "ssh_open"
	KindSSHData       Kind = "ssh_data"
	KindSSHResize     Kind = "ssh_resize"
	KindSSHClose      Kind = "ssh_close"
	KindDispatchFailed Kind = "dispatch_failed"
	KindLagging       Kind = "lagging"
)

// Frame is the envelope every message on the wire is wrapped in.
// Payload is kept as raw JSON and decoded into the concrete type that
// matches Kind; this lets Comet route on Kind/TargetInstanceID alone
// without understanding the payload (spec.md §4.B, "Comet is stateless
// w.r.t. scheduling").
type Frame struct {
	Kind            Kind            `json:"kind"`
	CorrelationID   string          `json:"correlation_id"`
	TargetInstanceID string         `json:"target_instance_id,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals a typed payload into a Frame.
func Encode(kind Kind, correlationID, targetInstanceID string, payload interface{}) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Kind:             kind,
		CorrelationID:    correlationID,
		TargetInstanceID: targetInstanceID,
		Payload:          raw,
	}, nil
}

// Decode unmarshals a Frame's payload into dst.
func (f Frame) Decode(dst interface{}) error {
	return json.Unmarshal(f.Payload, dst)
}
