package messaging

import (
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/powgate/internal/gate"
)

// Encoding selects the payload format of published events
type Encoding string

const (
	EncodingJSON  Encoding = "json"
	EncodingProto Encoding = "proto"
)

// ParseEncoding maps a config value to an Encoding. Empty means proto.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(strings.ToLower(strings.TrimSpace(s))) {
	case "", EncodingProto:
		return EncodingProto, nil
	case EncodingJSON:
		return EncodingJSON, nil
	default:
		return "", fmt.Errorf("unknown kafka encoding %q", s)
	}
}

// AttemptEvent is published once per finished connection
type AttemptEvent struct {
	SessionID  string    `json:"session_id"`
	RemoteAddr string    `json:"remote_addr"`
	Difficulty uint8     `json:"difficulty"`
	Outcome    string    `json:"outcome"`
	Verdict    string    `json:"verdict,omitempty"`
	RewardSent bool      `json:"reward_sent"`
	Stage      string    `json:"stage"`
	Error      string    `json:"error,omitempty"`
	BytesIn    int64     `json:"bytes_in"`
	BytesOut   int64     `json:"bytes_out"`
	DurationMs float64   `json:"duration_ms"`
	StartedAt  time.Time `json:"started_at"`
}

// NewAttemptEvent flattens a gate attempt
func NewAttemptEvent(a *gate.Attempt) AttemptEvent {
	ev := AttemptEvent{
		SessionID:  a.SessionID,
		RemoteAddr: a.RemoteAddr,
		Difficulty: a.Difficulty,
		Outcome:    a.Outcome(),
		RewardSent: a.RewardSent,
		Stage:      a.Stage,
		BytesIn:    a.BytesIn,
		BytesOut:   a.BytesOut,
		DurationMs: float64(a.Duration.Nanoseconds()) / 1e6,
		StartedAt:  a.StartedAt.UTC(),
	}
	if a.Answered {
		ev.Verdict = a.Verdict.String()
	}
	if a.Err != nil {
		ev.Error = a.Err.Error()
	}
	return ev
}

// Proto converts the event to a google.protobuf.Struct with the same keys as the JSON form
func (e AttemptEvent) Proto() (*structpb.Struct, error) {
	fields := map[string]any{
		"session_id":  e.SessionID,
		"remote_addr": e.RemoteAddr,
		"difficulty":  int(e.Difficulty),
		"outcome":     e.Outcome,
		"reward_sent": e.RewardSent,
		"stage":       e.Stage,
		"bytes_in":    e.BytesIn,
		"bytes_out":   e.BytesOut,
		"duration_ms": e.DurationMs,
		"started_at":  e.StartedAt.Format(time.RFC3339Nano),
	}
	if e.Verdict != "" {
		fields["verdict"] = e.Verdict
	}
	if e.Error != "" {
		fields["error"] = e.Error
	}
	return structpb.NewStruct(fields)
}
