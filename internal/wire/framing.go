package wire

import (
	"errors"
	"fmt"
	"strings"
)

// Framing selects how messages are delimited on the stream.
type Framing int

const (
	// FramingSentinel is the reference framing: raw messages, one receive
	// per message, end of stream signalled by the Sentinel token.
	FramingSentinel Framing = iota
	// FramingLength prefixes every message with a 4-byte big-endian length
	// and ends a stream with a zero-length message.
	FramingLength
)

// ErrUnknownFraming is returned by ParseFraming for unsupported names.
var ErrUnknownFraming = errors.New("unknown framing")

// ParseFraming parses "sentinel" or "length".
func ParseFraming(name string) (Framing, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sentinel":
		return FramingSentinel, nil
	case "length":
		return FramingLength, nil
	default:
		return FramingSentinel, fmt.Errorf("%w: %q", ErrUnknownFraming, name)
	}
}

func (f Framing) String() string {
	switch f {
	case FramingSentinel:
		return "sentinel"
	case FramingLength:
		return "length"
	default:
		return fmt.Sprintf("framing(%d)", int(f))
	}
}
