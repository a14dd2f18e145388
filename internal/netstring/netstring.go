// Package netstring implements the length-prefixed framing used on the
// interpreter pipes: "<decimal length>:<payload>,".
package netstring

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
)

// MaxLength is the largest payload a single frame may carry.
const MaxLength = 99999

var (
	ErrFraming      = errors.New("netstring: framing error")
	ErrLengthFormat = fmt.Errorf("%w: invalid length prefix", ErrFraming)
	ErrTooLong      = fmt.Errorf("%w: length exceeds %d bytes", ErrFraming, MaxLength)
	ErrTruncated    = fmt.Errorf("%w: stream ended inside frame", ErrFraming)
	ErrTerminator   = fmt.Errorf("%w: missing trailing comma", ErrFraming)
)

// Reader is what ReadFrame consumes. *bufio.Reader satisfies it.
type Reader interface {
	io.Reader
	io.ByteReader
}

// maxDigits bounds the length prefix to ceil(log10(MaxLength)) characters.
var maxDigits = int(math.Ceil(math.Log10(MaxLength)))

// WriteFrame writes payload as one netstring. The frame is handed to w in a
// single Write call so concurrent writers never split a frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxLength {
		return ErrTooLong
	}
	buf := make([]byte, 0, len(payload)+maxDigits+2)
	buf = strconv.AppendInt(buf, int64(len(payload)), 10)
	buf = append(buf, ':')
	buf = append(buf, payload...)
	buf = append(buf, ',')
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write netstring: %w", err)
	}
	return nil
}

// ReadFrame reads exactly one netstring from r and returns its payload.
// Any error leaves r positioned somewhere inside the broken frame; there is
// no resynchronization.
func ReadFrame(r Reader) ([]byte, error) {
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, fmt.Errorf("read netstring payload: %w", err)
	}

	term, err := r.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrTruncated
		}
		return nil, fmt.Errorf("read netstring terminator: %w", err)
	}
	if term != ',' {
		return nil, ErrTerminator
	}
	return payload, nil
}

func readLength(r Reader) (int, error) {
	digits := make([]byte, 0, maxDigits)
	for {
		c, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, ErrTruncated
			}
			return 0, fmt.Errorf("read netstring length: %w", err)
		}
		if c == ':' {
			break
		}
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: unexpected byte %q", ErrLengthFormat, c)
		}
		digits = append(digits, c)
		if len(digits) > maxDigits {
			return 0, fmt.Errorf("%w: more than %d digits", ErrLengthFormat, maxDigits)
		}
	}

	switch {
	case len(digits) == 0:
		return 0, fmt.Errorf("%w: empty", ErrLengthFormat)
	case len(digits) > 1 && digits[0] == '0':
		return 0, fmt.Errorf("%w: leading zero", ErrLengthFormat)
	}

	n, err := strconv.Atoi(string(digits))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLengthFormat, err)
	}
	if n > MaxLength {
		return 0, ErrTooLong
	}
	return n, nil
}
