package puzzle

import (
	"context"
	"crypto/sha256"
	"encoding"
	"fmt"
	"hash"
	"io"
)

// ctxCheckInterval is how many candidates Solve tries between context checks
const ctxCheckInterval = 4096

// NewChallenge draws a fresh challenge value from rng. Servers pass crypto/rand.Reader.
func NewChallenge(rng io.Reader, difficulty uint8) (Challenge, error) {
	c := Challenge{Difficulty: difficulty}
	if _, err := io.ReadFull(rng, c.Value[:]); err != nil {
		return Challenge{}, fmt.Errorf("read challenge value: %w", err)
	}
	return c, nil
}

// LeadingZeroNibbles counts zero nibbles from the start of sum, scanning at most
// maxBytes bytes. Within a byte the high nibble is checked first; the scan stops
// at the first non-zero nibble.
func LeadingZeroNibbles(sum []byte, maxBytes int) int {
	count := 0
	for _, b := range sum[:min(maxBytes, len(sum))] {
		if b>>4 != 0 {
			break
		}
		count++
		if b&0x0f != 0 {
			break
		}
		count++
	}
	return count
}

// scanBytes is the prefix length that can decide a given difficulty
func scanBytes(difficulty uint8) int {
	return int(difficulty)/2 + 1
}

// Result is a solved challenge
type Result struct {
	Solution    Solution
	HashesTried uint64
}

// Solver verifies and searches solutions for one challenge.
// The challenge value is absorbed into SHA-256 once; each check restores that state.
type Solver struct {
	challenge Challenge
	state     []byte
}

// NewSolver precomputes the hash state for c
func NewSolver(c Challenge) *Solver {
	h := sha256.New()
	h.Write(c.Value[:])
	state, err := h.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		// crypto/sha256 digests always marshal
		panic(fmt.Sprintf("puzzle: marshal sha256 state: %v", err))
	}
	return &Solver{challenge: c, state: state}
}

// Challenge returns the challenge this solver was built for
func (s *Solver) Challenge() Challenge {
	return s.challenge
}

// IsValid reports whether sol meets the challenge difficulty. Safe for concurrent use.
func (s *Solver) IsValid(sol Solution) bool {
	var sum [sha256.Size]byte
	return s.check(sha256.New(), &sum, sol)
}

func (s *Solver) check(h hash.Hash, sum *[sha256.Size]byte, sol Solution) bool {
	if err := h.(encoding.BinaryUnmarshaler).UnmarshalBinary(s.state); err != nil {
		panic(fmt.Sprintf("puzzle: restore sha256 state: %v", err))
	}
	h.Write(sol[:])
	h.Sum(sum[:0])
	return LeadingZeroNibbles(sum[:], scanBytes(s.challenge.Difficulty)) >= int(s.challenge.Difficulty)
}

// Solve draws random candidates from rng until one is valid. There is no attempt
// cap; it returns early only if rng fails or ctx is done.
func (s *Solver) Solve(ctx context.Context, rng io.Reader) (Result, error) {
	var (
		sol   Solution
		sum   [sha256.Size]byte
		h     = sha256.New()
		tried uint64
	)

	for {
		if tried%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return Result{HashesTried: tried}, err
			}
		}

		if _, err := io.ReadFull(rng, sol[:]); err != nil {
			return Result{HashesTried: tried}, fmt.Errorf("read candidate: %w", err)
		}
		tried++

		if s.check(h, &sum, sol) {
			return Result{Solution: sol, HashesTried: tried}, nil
		}
	}
}

// IsValid is the one-shot form of Solver.IsValid
func IsValid(value [ValueSize]byte, sol Solution, difficulty uint8) bool {
	return NewSolver(Challenge{Difficulty: difficulty, Value: value}).IsValid(sol)
}
