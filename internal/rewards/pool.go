// Package rewards holds the fixed set of phrases handed out after an accepted
// solution, and the loaders that fill it once at startup.
package rewards

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/bardlex/powgate/internal/puzzle"
	"github.com/bardlex/powgate/internal/wire"
)

var (
	// ErrEmptyPool is returned when no usable phrase was supplied
	ErrEmptyPool = errors.New("reward pool is empty")
	// ErrPhraseTooLarge is returned for a phrase that does not fit in one frame
	ErrPhraseTooLarge = errors.New("phrase exceeds frame size")
)

// Pool is an immutable, non-empty list of phrases. Safe for concurrent use.
type Pool struct {
	phrases []string
}

// New copies phrases into a pool. It fails if phrases is empty or if any
// phrase is invalid UTF-8 or longer than wire.MaxFrameSize.
func New(phrases []string) (*Pool, error) {
	if len(phrases) == 0 {
		return nil, ErrEmptyPool
	}
	for i, p := range phrases {
		if len(p) > wire.MaxFrameSize {
			return nil, fmt.Errorf("phrase %d: %w: %d bytes", i, ErrPhraseTooLarge, len(p))
		}
		if _, err := puzzle.Reward(p).MarshalBinary(); err != nil {
			return nil, fmt.Errorf("phrase %d: %w", i, err)
		}
	}
	return &Pool{phrases: append([]string(nil), phrases...)}, nil
}

// Len returns the number of phrases
func (p *Pool) Len() int {
	return len(p.phrases)
}

// Phrases returns a copy of the phrases in load order
func (p *Pool) Phrases() []string {
	return append([]string(nil), p.phrases...)
}

// Pick returns a phrase chosen uniformly at random using rng
func (p *Pool) Pick(rng io.Reader) (puzzle.Reward, error) {
	if len(p.phrases) == 1 {
		return puzzle.Reward(p.phrases[0]), nil
	}
	n, err := rand.Int(rng, big.NewInt(int64(len(p.phrases))))
	if err != nil {
		return "", fmt.Errorf("pick reward: %w", err)
	}
	return puzzle.Reward(p.phrases[n.Int64()]), nil
}
