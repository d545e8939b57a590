// Package gate runs the server side of the challenge exchange: one Session per
// connection, driven by a Server that accepts connections concurrently.
package gate

import (
	"context"
	stdErrors "errors"
	"io"
	"net"
	"time"

	"github.com/bardlex/powgate/internal/puzzle"
	"github.com/bardlex/powgate/internal/wire"
	"github.com/bardlex/powgate/pkg/errors"
	"github.com/bardlex/powgate/pkg/log"
)

// ErrProtocol means the session reached a state it has no rule for
var ErrProtocol = stdErrors.New("protocol violation")

// State is a step of the server side exchange
type State int

const (
	// StateInitial is a freshly accepted connection
	StateInitial State = iota
	// StateChallengeSent waits for the peer's solution
	StateChallengeSent
	// StateClosed is terminal
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateChallengeSent:
		return "challenge_sent"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RewardPicker hands out a phrase after an accepted solution.
// Pick must be safe for concurrent use.
type RewardPicker interface {
	Len() int
	Pick(rng io.Reader) (puzzle.Reward, error)
}

// SessionConfig holds per-connection settings
type SessionConfig struct {
	Difficulty uint8
	// Timeout bounds the whole exchange. Zero means no deadline.
	Timeout time.Duration
}

// Session is one connection's exchange: challenge out, solution in, verdict out,
// and a reward when the solution holds. It is used once and is not safe for
// concurrent use.
type Session struct {
	id        string
	conn      net.Conn
	transport *wire.Transport
	rewards   RewardPicker
	rng       io.Reader
	cfg       SessionConfig
	logger    *log.Logger

	state   State
	solver  *puzzle.Solver
	attempt *Attempt
}

// NewSession binds a session to conn. rng feeds both the challenge value and
// the reward pick.
func NewSession(id string, conn net.Conn, rewards RewardPicker, rng io.Reader, cfg SessionConfig, logger *log.Logger) *Session {
	remote := conn.RemoteAddr().String()
	return &Session{
		id:        id,
		conn:      conn,
		transport: wire.New(conn),
		rewards:   rewards,
		rng:       rng,
		cfg:       cfg,
		logger:    logger.WithFields("session_id", id, "remote_addr", remote),
		attempt: &Attempt{
			SessionID:  id,
			RemoteAddr: remote,
			Difficulty: cfg.Difficulty,
			Stage:      StageChallenge,
			StartedAt:  time.Now(),
		},
	}
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// State returns the current step
func (s *Session) State() State {
	return s.state
}

// Attempt returns the record of what happened so far. It is complete once Run returns.
func (s *Session) Attempt() *Attempt {
	return s.attempt
}

// Run drives the exchange to the end and closes the connection. A cancelled
// ctx aborts pending I/O. The returned error is also stored on the Attempt.
func (s *Session) Run(ctx context.Context) error {
	s.logger.LogConnection("connected", s.attempt.RemoteAddr)
	defer s.close()

	if s.cfg.Timeout > 0 {
		if err := s.conn.SetDeadline(s.attempt.StartedAt.Add(s.cfg.Timeout)); err != nil {
			return s.fail(errors.WrapIO(err, "set_deadline", "failed to set connection deadline"))
		}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(time.Now())
	})
	defer stop()

	for {
		switch s.state {
		case StateInitial:
			if err := s.sendChallenge(); err != nil {
				return s.fail(err)
			}
		case StateChallengeSent:
			if err := s.answer(); err != nil {
				return s.fail(err)
			}
		case StateClosed:
			s.attempt.Stage = StageDone
			return nil
		default:
			return s.fail(errors.Wrap(ErrProtocol, errors.ErrorTypeProtocol, "session_run", "unknown session state").
				WithContext("state", int(s.state)))
		}
	}
}

func (s *Session) sendChallenge() error {
	c, err := puzzle.NewChallenge(s.rng, s.cfg.Difficulty)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "new_challenge", "failed to draw challenge value")
	}
	if err := s.transport.SendFixed(c); err != nil {
		return err
	}

	s.solver = puzzle.NewSolver(c)
	s.state = StateChallengeSent
	s.attempt.Stage = StageSolution
	s.logger.LogChallenge("sent", c.Difficulty)
	return nil
}

func (s *Session) answer() error {
	sol, err := wire.ReceiveFixed[puzzle.Solution](s.transport, puzzle.SolutionSize)
	if err != nil {
		return err
	}

	s.attempt.Stage = StageVerdict
	verdict := puzzle.Rejected
	var reward puzzle.Reward
	if s.solver.IsValid(sol) {
		verdict = puzzle.Accepted
		// The reward must be ready before Accepted goes out
		if reward, err = s.pickReward(); err != nil {
			return err
		}
	}
	s.attempt.Verdict = verdict
	if err := s.transport.SendFixed(verdict); err != nil {
		return err
	}
	s.attempt.Answered = true
	s.logger.LogVerdict(verdict.String(), s.cfg.Difficulty, time.Since(s.attempt.StartedAt))

	if verdict == puzzle.Accepted {
		s.attempt.Stage = StageReward
		if err := s.transport.SendVarSize(reward); err != nil {
			return err
		}
		s.attempt.RewardSent = true
	}

	s.state = StateClosed
	return nil
}

func (s *Session) pickReward() (puzzle.Reward, error) {
	reward, err := s.rewards.Pick(s.rng)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "pick_reward", "failed to pick reward")
	}
	data, err := reward.MarshalBinary()
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "pick_reward", "failed to encode reward")
	}
	if len(data) > wire.MaxFrameSize {
		return "", errors.Wrap(wire.ErrFrameTooLarge, errors.ErrorTypeInternal, "pick_reward", "reward does not fit in a frame").
			WithContext("size", len(data))
	}
	return reward, nil
}

func (s *Session) fail(err error) error {
	s.attempt.Err = err
	s.state = StateClosed
	s.logger.WithError(err).Warn("session ended early", "stage", s.attempt.Stage)
	return err
}

func (s *Session) close() {
	s.attempt.Duration = time.Since(s.attempt.StartedAt)
	s.attempt.BytesIn = s.transport.BytesRead()
	s.attempt.BytesOut = s.transport.BytesWritten()

	if err := s.conn.Close(); err != nil && !stdErrors.Is(err, net.ErrClosed) {
		s.logger.WithError(err).Warn("failed to close connection")
	}
	s.logger.LogConnection("disconnected", s.attempt.RemoteAddr)
}
