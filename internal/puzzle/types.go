// Package puzzle holds the proof-of-work challenge, solution, verdict and reward types,
// their fixed-width binary shapes, and the solver/verifier.
package puzzle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Fixed message sizes in bytes. Messages carry no tag or version byte.
const (
	ValueSize     = 16
	ChallengeSize = 1 + ValueSize
	SolutionSize  = ValueSize
	VerdictSize   = 4
)

// Difficulty limits. A SHA-256 digest has 64 nibbles.
const (
	DefaultDifficulty uint8 = 4
	MaxDifficulty     uint8 = 64
)

// Decoding errors
var (
	ErrInvalidLength  = errors.New("invalid message length")
	ErrUnknownVerdict = errors.New("unknown verdict")
	ErrInvalidText    = errors.New("text is not valid UTF-8")
)

// Challenge is issued once per connection by the server
type Challenge struct {
	Difficulty uint8
	Value      [ValueSize]byte
}

// MarshalBinary encodes the challenge as difficulty followed by value
func (c Challenge) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ChallengeSize)
	buf[0] = c.Difficulty
	copy(buf[1:], c.Value[:])
	return buf, nil
}

// UnmarshalBinary decodes exactly ChallengeSize bytes
func (c *Challenge) UnmarshalBinary(data []byte) error {
	if len(data) != ChallengeSize {
		return fmt.Errorf("%w: challenge needs %d bytes, got %d", ErrInvalidLength, ChallengeSize, len(data))
	}
	c.Difficulty = data[0]
	copy(c.Value[:], data[1:])
	return nil
}

// Solution is the client's candidate suffix for the challenge value
type Solution [SolutionSize]byte

// MarshalBinary returns the raw solution bytes
func (s Solution) MarshalBinary() ([]byte, error) {
	return s[:], nil
}

// UnmarshalBinary decodes exactly SolutionSize bytes
func (s *Solution) UnmarshalBinary(data []byte) error {
	if len(data) != SolutionSize {
		return fmt.Errorf("%w: solution needs %d bytes, got %d", ErrInvalidLength, SolutionSize, len(data))
	}
	copy(s[:], data)
	return nil
}

// Reward is the text granted after an accepted solution. It travels length-prefixed.
type Reward string

// MarshalBinary returns the UTF-8 bytes of the reward
func (r Reward) MarshalBinary() ([]byte, error) {
	if !utf8.ValidString(string(r)) {
		return nil, ErrInvalidText
	}
	return []byte(r), nil
}

// UnmarshalBinary accepts any length but only valid UTF-8
func (r *Reward) UnmarshalBinary(data []byte) error {
	if !utf8.Valid(data) {
		return ErrInvalidText
	}
	*r = Reward(data)
	return nil
}

// Verdict is the server's answer to a solution
type Verdict uint32

const (
	// Accepted means the solution met the difficulty and a reward follows
	Accepted Verdict = 0
	// Rejected means the solution failed; the connection ends
	Rejected Verdict = 1
)

// String returns the lower-case verdict name
func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("verdict(%d)", uint32(v))
	}
}

// MarshalBinary encodes the verdict as a little-endian uint32
func (v Verdict) MarshalBinary() ([]byte, error) {
	return binary.LittleEndian.AppendUint32(nil, uint32(v)), nil
}

// UnmarshalBinary decodes a little-endian uint32 and rejects unknown values
func (v *Verdict) UnmarshalBinary(data []byte) error {
	if len(data) != VerdictSize {
		return fmt.Errorf("%w: verdict needs %d bytes, got %d", ErrInvalidLength, VerdictSize, len(data))
	}
	switch decoded := Verdict(binary.LittleEndian.Uint32(data)); decoded {
	case Accepted, Rejected:
		*v = decoded
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrUnknownVerdict, uint32(decoded))
	}
}
