package gate

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/bardlex/powgate/internal/puzzle"
	"github.com/bardlex/powgate/internal/rewards"
	"github.com/bardlex/powgate/internal/wire"
	powErrors "github.com/bardlex/powgate/pkg/errors"
	"github.com/bardlex/powgate/pkg/log"
)

func newPool(t *testing.T, phrases ...string) *rewards.Pool {
	t.Helper()
	p, err := rewards.New(phrases)
	if err != nil {
		t.Fatalf("rewards.New failed: %v", err)
	}
	return p
}

func mustPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	c1, c2 := net.Pipe()
	_ = c1.SetDeadline(time.Now().Add(5 * time.Second))
	_ = c2.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() {
		_ = c1.Close()
		_ = c2.Close()
	})
	return c1, c2
}

// runSession starts a session on srvSide and returns a channel with Run's result
func runSession(ctx context.Context, s *Session) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func TestSession_Accepted(t *testing.T) {
	pool := newPool(t, "response 1", "response 2")
	cli, srvSide := mustPipe(t)

	s := NewSession("s-1", srvSide, pool, rand.NewChaCha8([32]byte{1}), SessionConfig{Difficulty: 3, Timeout: 5 * time.Second}, log.Nop())
	done := runSession(context.Background(), s)

	tr := wire.New(cli)
	ch, err := wire.ReceiveFixed[puzzle.Challenge](tr, puzzle.ChallengeSize)
	if err != nil {
		t.Fatalf("receive challenge: %v", err)
	}
	if ch.Difficulty != 3 {
		t.Errorf("Expected difficulty 3, got %d", ch.Difficulty)
	}

	res, err := puzzle.NewSolver(ch).Solve(context.Background(), rand.NewChaCha8([32]byte{2}))
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}
	if err := tr.SendFixed(res.Solution); err != nil {
		t.Fatalf("send solution: %v", err)
	}

	verdict, err := wire.ReceiveFixed[puzzle.Verdict](tr, puzzle.VerdictSize)
	if err != nil {
		t.Fatalf("receive verdict: %v", err)
	}
	if verdict != puzzle.Accepted {
		t.Fatalf("Expected accepted, got %v", verdict)
	}

	reward, err := wire.ReceiveVarSize[puzzle.Reward](tr)
	if err != nil {
		t.Fatalf("receive reward: %v", err)
	}
	if reward != "response 1" && reward != "response 2" {
		t.Errorf("Expected a pool phrase, got %q", reward)
	}

	if err := waitRun(t, done); err != nil {
		t.Fatalf("Expected clean run, got %v", err)
	}

	a := s.Attempt()
	if !a.Answered || a.Verdict != puzzle.Accepted || !a.RewardSent {
		t.Errorf("Expected answered accepted attempt with reward, got %+v", a)
	}
	if a.Stage != StageDone || a.Outcome() != OutcomeAccepted {
		t.Errorf("Expected stage %q outcome %q, got %q %q", StageDone, OutcomeAccepted, a.Stage, a.Outcome())
	}
	if a.BytesIn != puzzle.SolutionSize {
		t.Errorf("Expected %d bytes in, got %d", puzzle.SolutionSize, a.BytesIn)
	}
	wantOut := int64(puzzle.ChallengeSize + puzzle.VerdictSize + wire.LengthPrefixSize + len(reward))
	if a.BytesOut != wantOut {
		t.Errorf("Expected %d bytes out, got %d", wantOut, a.BytesOut)
	}
	if s.State() != StateClosed {
		t.Errorf("Expected state %v, got %v", StateClosed, s.State())
	}
}

func TestSession_RejectedZeroSolution(t *testing.T) {
	cli, srvSide := mustPipe(t)

	s := NewSession("s-2", srvSide, newPool(t, "never sent"), rand.NewChaCha8([32]byte{3}), SessionConfig{Difficulty: 30}, log.Nop())
	done := runSession(context.Background(), s)

	tr := wire.New(cli)
	if _, err := wire.ReceiveFixed[puzzle.Challenge](tr, puzzle.ChallengeSize); err != nil {
		t.Fatalf("receive challenge: %v", err)
	}
	if err := tr.SendFixed(puzzle.Solution{}); err != nil {
		t.Fatalf("send solution: %v", err)
	}

	verdict, err := wire.ReceiveFixed[puzzle.Verdict](tr, puzzle.VerdictSize)
	if err != nil {
		t.Fatalf("receive verdict: %v", err)
	}
	if verdict != puzzle.Rejected {
		t.Fatalf("Expected rejected, got %v", verdict)
	}

	// No reward follows a rejection; the server just closes
	if _, err := wire.ReceiveVarSize[puzzle.Reward](tr); !errors.Is(err, wire.ErrShortRead) {
		t.Errorf("Expected ErrShortRead after rejection, got %v", err)
	}

	if err := waitRun(t, done); err != nil {
		t.Fatalf("Expected clean run, got %v", err)
	}
	a := s.Attempt()
	if a.RewardSent || a.Outcome() != OutcomeRejected {
		t.Errorf("Expected rejected attempt without reward, got %+v", a)
	}
}

func TestSession_PeerLeavesEarly(t *testing.T) {
	tests := []struct {
		name string
		send []byte
	}{
		{"no_solution", nil},
		{"partial_solution", []byte{1, 2, 3, 4, 5, 6, 7, 8}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cli, srvSide := mustPipe(t)

			s := NewSession("s-3", srvSide, newPool(t, "x"), rand.NewChaCha8([32]byte{4}), SessionConfig{Difficulty: 1}, log.Nop())
			done := runSession(context.Background(), s)

			tr := wire.New(cli)
			if _, err := wire.ReceiveFixed[puzzle.Challenge](tr, puzzle.ChallengeSize); err != nil {
				t.Fatalf("receive challenge: %v", err)
			}
			if tt.send != nil {
				if _, err := cli.Write(tt.send); err != nil {
					t.Fatalf("write partial solution: %v", err)
				}
			}
			_ = cli.Close()

			err := waitRun(t, done)
			if !errors.Is(err, wire.ErrShortRead) {
				t.Fatalf("Expected ErrShortRead, got %v", err)
			}
			a := s.Attempt()
			if a.Stage != StageSolution || a.Answered || a.Outcome() != OutcomeError {
				t.Errorf("Expected error at stage %q, got stage %q outcome %q", StageSolution, a.Stage, a.Outcome())
			}
			if a.BytesIn != int64(len(tt.send)) {
				t.Errorf("Expected %d bytes in, got %d", len(tt.send), a.BytesIn)
			}
		})
	}
}

func TestSession_Timeout(t *testing.T) {
	cli, srvSide := mustPipe(t)

	s := NewSession("s-4", srvSide, newPool(t, "x"), rand.NewChaCha8([32]byte{5}), SessionConfig{Difficulty: 1, Timeout: 50 * time.Millisecond}, log.Nop())
	done := runSession(context.Background(), s)

	if _, err := wire.ReceiveFixed[puzzle.Challenge](wire.New(cli), puzzle.ChallengeSize); err != nil {
		t.Fatalf("receive challenge: %v", err)
	}

	err := waitRun(t, done)
	if !powErrors.IsType(err, powErrors.ErrorTypeTimeout) {
		t.Fatalf("Expected timeout error, got %v", err)
	}
	if s.Attempt().Duration < 50*time.Millisecond {
		t.Errorf("Expected duration >= 50ms, got %v", s.Attempt().Duration)
	}
}

func TestSession_ContextCancelAbortsIO(t *testing.T) {
	cli, srvSide := mustPipe(t)

	ctx, cancel := context.WithCancel(context.Background())
	s := NewSession("s-5", srvSide, newPool(t, "x"), rand.NewChaCha8([32]byte{6}), SessionConfig{Difficulty: 1}, log.Nop())
	done := runSession(ctx, s)

	if _, err := wire.ReceiveFixed[puzzle.Challenge](wire.New(cli), puzzle.ChallengeSize); err != nil {
		t.Fatalf("receive challenge: %v", err)
	}
	cancel()

	if err := waitRun(t, done); err == nil {
		t.Fatal("Expected an error after cancel")
	}
	if s.Attempt().Answered {
		t.Error("Expected no verdict after cancel")
	}
}

func TestSession_RNGFailure(t *testing.T) {
	cli, srvSide := mustPipe(t)

	boom := errors.New("entropy exhausted")
	s := NewSession("s-6", srvSide, newPool(t, "x"), iotest.ErrReader(boom), SessionConfig{Difficulty: 1}, log.Nop())
	done := runSession(context.Background(), s)

	if _, err := wire.ReceiveFixed[puzzle.Challenge](wire.New(cli), puzzle.ChallengeSize); !errors.Is(err, wire.ErrShortRead) {
		t.Errorf("Expected ErrShortRead on the client, got %v", err)
	}

	err := waitRun(t, done)
	if !errors.Is(err, boom) || !powErrors.IsType(err, powErrors.ErrorTypeInternal) {
		t.Fatalf("Expected internal error wrapping rng failure, got %v", err)
	}
	if s.Attempt().Stage != StageChallenge {
		t.Errorf("Expected stage %q, got %q", StageChallenge, s.Attempt().Stage)
	}
}

// brokenPicker always fails to produce a reward
type brokenPicker struct{ err error }

func (b brokenPicker) Len() int { return 1 }

func (b brokenPicker) Pick(io.Reader) (puzzle.Reward, error) { return "", b.err }

func TestSession_PickFailureSendsNoVerdict(t *testing.T) {
	tests := []struct {
		name   string
		picker RewardPicker
		want   error
	}{
		{"pick_error", brokenPicker{err: errors.New("pool unavailable")}, nil},
		{"oversized_reward", fixedPicker(strings.Repeat("x", wire.MaxFrameSize+1)), wire.ErrFrameTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cli, srvSide := mustPipe(t)

			s := NewSession("s-8", srvSide, tt.picker, rand.NewChaCha8([32]byte{8}), SessionConfig{Difficulty: 0}, log.Nop())
			done := runSession(context.Background(), s)

			tr := wire.New(cli)
			if _, err := wire.ReceiveFixed[puzzle.Challenge](tr, puzzle.ChallengeSize); err != nil {
				t.Fatalf("receive challenge: %v", err)
			}
			if err := tr.SendFixed(puzzle.Solution{}); err != nil {
				t.Fatalf("send solution: %v", err)
			}

			// The connection closes without any verdict
			if _, err := wire.ReceiveFixed[puzzle.Verdict](tr, puzzle.VerdictSize); !errors.Is(err, wire.ErrShortRead) {
				t.Errorf("Expected ErrShortRead instead of a verdict, got %v", err)
			}

			err := waitRun(t, done)
			if !powErrors.IsType(err, powErrors.ErrorTypeInternal) {
				t.Fatalf("Expected internal error, got %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}

			a := s.Attempt()
			if a.Answered || a.RewardSent {
				t.Errorf("Expected no verdict and no reward, got %+v", a)
			}
			if a.Outcome() != OutcomeError {
				t.Errorf("Expected outcome %q, got %q", OutcomeError, a.Outcome())
			}
		})
	}
}

// fixedPicker hands out the same phrase with no validation
type fixedPicker string

func (f fixedPicker) Len() int { return 1 }

func (f fixedPicker) Pick(io.Reader) (puzzle.Reward, error) { return puzzle.Reward(f), nil }

func TestSession_UnknownState(t *testing.T) {
	_, srvSide := mustPipe(t)

	s := NewSession("s-7", srvSide, newPool(t, "x"), rand.NewChaCha8([32]byte{7}), SessionConfig{}, log.Nop())
	s.state = State(42)

	err := waitRun(t, runSession(context.Background(), s))
	if !errors.Is(err, ErrProtocol) || !powErrors.IsType(err, powErrors.ErrorTypeProtocol) {
		t.Fatalf("Expected protocol error, got %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("Expected state %v, got %v", StateClosed, s.State())
	}
}

func TestAttempt_Outcome(t *testing.T) {
	tests := []struct {
		name    string
		attempt Attempt
		want    string
	}{
		{"accepted", Attempt{Answered: true, Verdict: puzzle.Accepted, RewardSent: true}, OutcomeAccepted},
		{"rejected", Attempt{Answered: true, Verdict: puzzle.Rejected}, OutcomeRejected},
		{"reward_failed", Attempt{Answered: true, Verdict: puzzle.Accepted, Err: errors.New("broken pipe")}, OutcomeError},
		{"never_answered", Attempt{Stage: StageSolution}, OutcomeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.attempt.Outcome(); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestState_String(t *testing.T) {
	if StateInitial.String() != "initial" || StateChallengeSent.String() != "challenge_sent" ||
		StateClosed.String() != "closed" || State(9).String() != "unknown" {
		t.Error("Unexpected state names")
	}
}
