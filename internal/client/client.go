// Package client is the requesting side of the challenge exchange: it connects,
// solves the challenge it is given and returns the reward.
package client

import (
	"context"
	"crypto/rand"
	stdErrors "errors"
	"io"
	"net"
	"time"

	"github.com/bardlex/powgate/internal/metrics"
	"github.com/bardlex/powgate/internal/puzzle"
	"github.com/bardlex/powgate/internal/wire"
	"github.com/bardlex/powgate/pkg/errors"
	"github.com/bardlex/powgate/pkg/log"
)

// ErrSolutionRejected means the server answered with a Rejected verdict
var ErrSolutionRejected = stdErrors.New("solution rejected")

// SolveFunc finds a solution for c, drawing candidates from rng
type SolveFunc func(ctx context.Context, c puzzle.Challenge, rng io.Reader) (puzzle.Result, error)

// Solve is the default SolveFunc
func Solve(ctx context.Context, c puzzle.Challenge, rng io.Reader) (puzzle.Result, error) {
	return puzzle.NewSolver(c).Solve(ctx, rng)
}

// Response is the result of one accepted exchange
type Response struct {
	Reward      puzzle.Reward
	Difficulty  uint8
	HashesTried uint64
	SolveTime   time.Duration
}

// Option customizes a Client
type Option func(*Client)

// WithSolver replaces the solver
func WithSolver(solve SolveFunc) Option {
	return func(c *Client) {
		c.solve = solve
	}
}

// WithRand replaces crypto/rand.Reader as the candidate source
func WithRand(r io.Reader) Option {
	return func(c *Client) {
		c.rng = r
	}
}

// WithDialTimeout bounds the TCP connect
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.dialer.Timeout = d
	}
}

// WithTimeout bounds the whole exchange. The solver stops at the same
// deadline. Zero means none.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client requests rewards from one server address. It opens a fresh
// connection per request and is safe for concurrent use when its rng is.
type Client struct {
	addr    string
	dialer  *net.Dialer
	timeout time.Duration
	solve   SolveFunc
	rng     io.Reader
	logger  *log.Logger
}

// New creates a client for addr (host:port)
func New(addr string, opts ...Option) *Client {
	c := &Client{
		addr:   addr,
		dialer: &net.Dialer{Timeout: 5 * time.Second},
		solve:  Solve,
		rng:    rand.Reader,
		logger: log.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("client")
	return c
}

// GetResponse runs one exchange: receive challenge, solve, send solution,
// receive verdict, and on acceptance receive the reward. The connection is
// closed before returning. A rejected solution yields ErrSolutionRejected.
func (c *Client) GetResponse(ctx context.Context) (*Response, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, errors.WrapIO(err, "dial", "failed to connect").WithContext("addr", c.addr)
	}
	defer conn.Close()

	solveCtx := ctx
	if c.timeout > 0 {
		deadline := time.Now().Add(c.timeout)
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, errors.WrapIO(err, "set_deadline", "failed to set connection deadline")
		}
		var cancel context.CancelFunc
		solveCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	tr := wire.New(conn)
	challenge, err := wire.ReceiveFixed[puzzle.Challenge](tr, puzzle.ChallengeSize)
	if err != nil {
		return nil, err
	}
	c.logger.LogChallenge("received", challenge.Difficulty)

	start := time.Now()
	res, err := c.solve(solveCtx, challenge, c.rng)
	if err != nil {
		errType := errors.ErrorTypeInternal
		if stdErrors.Is(err, context.DeadlineExceeded) {
			errType = errors.ErrorTypeTimeout
		}
		return nil, errors.Wrap(err, errType, "solve", "failed to solve challenge").
			WithContext("difficulty", challenge.Difficulty)
	}
	elapsed := time.Since(start)
	metrics.SolveFinished(res.HashesTried)
	c.logger.LogSolve(challenge.Difficulty, res.HashesTried, elapsed)

	if err := tr.SendFixed(res.Solution); err != nil {
		return nil, err
	}

	verdict, err := wire.ReceiveFixed[puzzle.Verdict](tr, puzzle.VerdictSize)
	if err != nil {
		return nil, err
	}
	if verdict != puzzle.Accepted {
		return nil, errors.Wrap(ErrSolutionRejected, errors.ErrorTypeRejected, "get_response", "server rejected the solution").
			WithContext("difficulty", challenge.Difficulty).
			WithContext("hashes", res.HashesTried)
	}

	reward, err := wire.ReceiveVarSize[puzzle.Reward](tr)
	if err != nil {
		return nil, err
	}

	return &Response{
		Reward:      reward,
		Difficulty:  challenge.Difficulty,
		HashesTried: res.HashesTried,
		SolveTime:   elapsed,
	}, nil
}
