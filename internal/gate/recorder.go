package gate

import (
	"context"
	"time"

	"github.com/bardlex/powgate/internal/puzzle"
)

//go:generate mockgen -source=recorder.go -destination=recorder_mock.go -package=gate

// Stages a session can stop at
const (
	StageChallenge = "challenge"
	StageSolution  = "solution"
	StageVerdict   = "verdict"
	StageReward    = "reward"
	StageDone      = "done"
)

// Outcome labels
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Attempt is what one connection did, handed to recorders after it closes.
// Answered is set once a verdict reached the peer. Stage is the last step
// reached, StageDone on a clean exchange.
type Attempt struct {
	SessionID  string
	RemoteAddr string
	Difficulty uint8
	Verdict    puzzle.Verdict
	Answered   bool
	RewardSent bool
	Stage      string
	Err        error
	StartedAt  time.Time
	Duration   time.Duration
	BytesIn    int64
	BytesOut   int64
}

// Outcome collapses the attempt into accepted, rejected or error
func (a *Attempt) Outcome() string {
	switch {
	case a.Err != nil:
		return OutcomeError
	case a.Answered && a.Verdict == puzzle.Accepted:
		return OutcomeAccepted
	case a.Answered:
		return OutcomeRejected
	default:
		return OutcomeError
	}
}

// Recorder persists finished attempts somewhere outside the protocol.
// Implementations must be safe for concurrent use.
type Recorder interface {
	RecordAttempt(ctx context.Context, attempt *Attempt) error
	Name() string
}
