package cryptowire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// lengthSize is the width, in bytes, of the big-endian length prefix
// that precedes every frame on the wire.
const lengthSize = 5

// maxFrameLength is the largest value a 5-byte big-endian length field
// can hold: 2^40 - 1.
const maxFrameLength = (1 << 40) - 1

// errFrameTooLarge is returned when a frame's encoded length would
// exceed maxFrameLength.
var errFrameTooLarge = fmt.Errorf("cryptowire: frame exceeds %d bytes", maxFrameLength)

// EncodeLength encodes n, which must satisfy 0 <= n < 2^40, as a 5-byte
// big-endian value. The encoding is total and unique: every n in range
// has exactly one 5-byte representation.
func EncodeLength(n uint64) ([lengthSize]byte, error) {
	var out [lengthSize]byte
	if n > maxFrameLength {
		return out, errFrameTooLarge
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	copy(out[:], buf[3:])
	return out, nil
}

// DecodeLength decodes a 5-byte big-endian value back into n. Decoding
// is total: every possible 5-byte input decodes to some n < 2^40.
func DecodeLength(b [lengthSize]byte) uint64 {
	var buf [8]byte
	copy(buf[3:], b[:])
	return binary.BigEndian.Uint64(buf[:])
}

// WriteFrame writes encode(len(payload)) followed by payload itself.
func WriteFrame(w io.Writer, payload []byte) error {
	prefix, err := EncodeLength(uint64(len(payload)))
	if err != nil {
		return err
	}
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads a 5-byte length prefix followed by exactly that many
// bytes, retrying short reads via io.ReadFull. io.EOF surfaced while
// reading the length prefix (i.e. the peer closed the connection
// between frames) is returned unchanged so callers can treat it as an
// orderly disconnect rather than a protocol error; any other read
// failure, including a short read mid-frame, is returned as-is for the
// caller to classify.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [lengthSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := DecodeLength(prefix)
	if n == 0 {
		return []byte{}, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
