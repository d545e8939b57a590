// Package wire frames messages over a byte stream.
//
// Fixed-size messages are written raw with no prefix. Variable-size messages
// carry a little-endian uint32 byte count followed by the payload. Lengths
// above MaxFrameSize are refused on both ends.
package wire

import (
	"encoding"
	"encoding/binary"
	stdErrors "errors"
	"fmt"
	"io"
	"sync"

	"github.com/bardlex/powgate/pkg/errors"
)

const (
	// LengthPrefixSize is the width of the variable-size length field
	LengthPrefixSize = 4
	// MaxFrameSize bounds a variable-size payload
	MaxFrameSize = 64 << 10
)

var (
	// ErrShortRead means the stream ended before a whole message arrived
	ErrShortRead = stdErrors.New("short read")
	// ErrDecode means the bytes did not match the expected message shape
	ErrDecode = stdErrors.New("decode error")
	// ErrFrameTooLarge is a decode error for a length prefix above MaxFrameSize
	ErrFrameTooLarge = fmt.Errorf("%w: frame exceeds %d bytes", ErrDecode, MaxFrameSize)
)

// framePool holds scratch buffers for prefix+payload writes
var framePool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 256)
		return &b
	},
}

// Transport reads and writes framed messages. It keeps no state between
// calls beyond byte counters; each call fully drains or fully fails.
// A Transport is not safe for concurrent use.
type Transport struct {
	rw      io.ReadWriter
	read    int64
	written int64
}

// New wraps rw
func New(rw io.ReadWriter) *Transport {
	return &Transport{rw: rw}
}

// BytesRead returns the number of bytes consumed so far
func (t *Transport) BytesRead() int64 { return t.read }

// BytesWritten returns the number of bytes written so far
func (t *Transport) BytesWritten() int64 { return t.written }

// SendFixed writes v's encoding with no prefix
func (t *Transport) SendFixed(v encoding.BinaryMarshaler) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "send_fixed", "failed to encode message")
	}
	return t.write(data, "send_fixed")
}

// SendVarSize writes a uint32 length followed by v's encoding, in one write
func (t *Transport) SendVarSize(v encoding.BinaryMarshaler) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "send_var_size", "failed to encode message")
	}
	if len(data) > MaxFrameSize {
		return errors.Wrap(ErrFrameTooLarge, errors.ErrorTypeDecode, "send_var_size", "payload too large").
			WithContext("size", len(data))
	}

	bufp := framePool.Get().(*[]byte)
	frame := binary.LittleEndian.AppendUint32((*bufp)[:0], uint32(len(data)))
	frame = append(frame, data...)
	err = t.write(frame, "send_var_size")
	*bufp = frame[:0]
	framePool.Put(bufp)
	return err
}

func (t *Transport) write(data []byte, op string) error {
	n, err := t.rw.Write(data)
	t.written += int64(n)
	if err != nil {
		return errors.WrapIO(err, op, "failed to write message")
	}
	return nil
}

func (t *Transport) readFull(buf []byte, op string) error {
	n, err := io.ReadFull(t.rw, buf)
	t.read += int64(n)
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, io.EOF), stdErrors.Is(err, io.ErrUnexpectedEOF):
		return errors.Wrap(fmt.Errorf("%w: %w", ErrShortRead, err), errors.ErrorTypeNetwork, op,
			"stream closed before message was complete").
			WithContext("want", len(buf)).
			WithContext("got", n)
	default:
		return errors.WrapIO(err, op, "failed to read message")
	}
}

// ReceiveFixed reads exactly size bytes and decodes them into a T
func ReceiveFixed[T any, PT interface {
	*T
	encoding.BinaryUnmarshaler
}](t *Transport, size int) (T, error) {
	var v T
	buf := make([]byte, size)
	if err := t.readFull(buf, "receive_fixed"); err != nil {
		return v, err
	}
	if err := PT(&v).UnmarshalBinary(buf); err != nil {
		return v, errors.Wrap(fmt.Errorf("%w: %w", ErrDecode, err), errors.ErrorTypeDecode,
			"receive_fixed", "message does not match expected shape")
	}
	return v, nil
}

// ReceiveVarSize reads the length prefix and then that many bytes into a T
func ReceiveVarSize[T any, PT interface {
	*T
	encoding.BinaryUnmarshaler
}](t *Transport) (T, error) {
	var zero T
	var prefix [LengthPrefixSize]byte
	if err := t.readFull(prefix[:], "receive_var_size"); err != nil {
		return zero, err
	}

	size := binary.LittleEndian.Uint32(prefix[:])
	if size > MaxFrameSize {
		return zero, errors.Wrap(ErrFrameTooLarge, errors.ErrorTypeDecode, "receive_var_size",
			"length prefix out of range").
			WithContext("size", size)
	}

	return ReceiveFixed[T, PT](t, int(size))
}
