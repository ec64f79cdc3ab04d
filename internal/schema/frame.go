package schema

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// FrameKind tags the closed set of inbound frame variants. Every frame is
// classified exactly once at the dispatcher boundary; downstream code never
// touches raw payloads.
type FrameKind string

const (
	// FrameHeartbeat is a liveness probe reply; discarded.
	FrameHeartbeat FrameKind = "heartbeat"
	// FrameSubscribeAck acknowledges a subscribe operation; logged only.
	FrameSubscribeAck FrameKind = "subscribe_ack"
	// FrameAuthAck acknowledges the private-channel auth handshake.
	FrameAuthAck FrameKind = "auth_ack"
	// FrameData carries a topic payload for a state reconstructor.
	FrameData FrameKind = "data"
	// FrameUnknown is anything the engine does not recognise; dropped with a diagnostic.
	FrameUnknown FrameKind = "unknown"
)

// Frame is one classified inbound operation envelope.
type Frame struct {
	Kind     FrameKind
	Op       string
	Success  bool
	RetMsg   string
	ConnID   string
	ReqID    string
	RawTopic string
	Topic    Topic
	Snapshot bool
	TS       time.Time
	Data     json.RawMessage
}

type wireEnvelope struct {
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	ConnID  string          `json:"conn_id"`
	ReqID   string          `json:"req_id"`
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
}

// ParseFrame classifies a raw wire frame into its tagged variant. An error
// means the frame was unparsable; callers drop it without touching state.
func ParseFrame(raw []byte) (*Frame, error) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse frame envelope: %w", err)
	}

	frame := &Frame{
		Kind:     FrameUnknown,
		Op:       env.Op,
		Success:  env.Success != nil && *env.Success,
		RetMsg:   env.RetMsg,
		ConnID:   env.ConnID,
		ReqID:    env.ReqID,
		RawTopic: env.Topic,
		Topic:    Topic{},
		Snapshot: env.Type == "snapshot",
		TS:       time.Time{},
		Data:     env.Data,
	}
	if env.TS > 0 {
		frame.TS = time.UnixMilli(env.TS).UTC()
	}

	// Heartbeat replies take priority: the exchange answers ping either with
	// an op of "pong" or with ret_msg "pong" on the original ping op.
	switch {
	case env.Op == "pong" || env.RetMsg == "pong":
		frame.Kind = FrameHeartbeat
	case env.Op == "auth":
		frame.Kind = FrameAuthAck
	case env.Op == "subscribe" || env.Op == "unsubscribe":
		frame.Kind = FrameSubscribeAck
	case env.Topic != "" && len(env.Data) > 0:
		topic, err := ParseTopic(env.Topic)
		if err != nil {
			frame.Kind = FrameUnknown
			return frame, nil
		}
		frame.Kind = FrameData
		frame.Topic = topic
	}
	return frame, nil
}
