package postgres

import (
	"time"

	"github.com/bardlex/powgate/internal/gate"
)

// Reward is one phrase in the rewards table
type Reward struct {
	ID        int64     `db:"id"`
	Text      string    `db:"text"`
	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
}

// Attempt is one finished connection as stored in the attempts table
type Attempt struct {
	ID         int64     `db:"id"`
	SessionID  string    `db:"session_id"`
	RemoteAddr string    `db:"remote_addr"`
	Difficulty int16     `db:"difficulty"`
	Outcome    string    `db:"outcome"`
	Verdict    *string   `db:"verdict"`
	RewardSent bool      `db:"reward_sent"`
	Stage      string    `db:"stage"`
	Error      *string   `db:"error"`
	BytesIn    int64     `db:"bytes_in"`
	BytesOut   int64     `db:"bytes_out"`
	DurationMs float64   `db:"duration_ms"`
	StartedAt  time.Time `db:"started_at"`
}

// NewAttempt maps a gate attempt onto a row
func NewAttempt(a *gate.Attempt) *Attempt {
	row := &Attempt{
		SessionID:  a.SessionID,
		RemoteAddr: a.RemoteAddr,
		Difficulty: int16(a.Difficulty),
		Outcome:    a.Outcome(),
		RewardSent: a.RewardSent,
		Stage:      a.Stage,
		BytesIn:    a.BytesIn,
		BytesOut:   a.BytesOut,
		DurationMs: float64(a.Duration.Nanoseconds()) / 1e6,
		StartedAt:  a.StartedAt,
	}
	if a.Answered {
		v := a.Verdict.String()
		row.Verdict = &v
	}
	if a.Err != nil {
		e := a.Err.Error()
		row.Error = &e
	}
	return row
}
