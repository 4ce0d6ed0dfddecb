package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"collabtext/internal/diff"
)

// Kind classifies the outcome of decoding one physical frame.
type Kind int

const (
	Unrecognized Kind = iota
	FullStart
	FullPartial
	FullComplete
	RelativeComplete
	// MalformedRelative is a frame with valid relative markers whose payload
	// cannot be parsed.
	MalformedRelative
)

func (k Kind) String() string {
	switch k {
	case FullStart:
		return "full_start"
	case FullPartial:
		return "full_partial"
	case FullComplete:
		return "full_complete"
	case RelativeComplete:
		return "relative_complete"
	case MalformedRelative:
		return "malformed_relative"
	}
	return "unrecognized"
}

// ErrMalformedRelative is wrapped by Message.Err for MalformedRelative frames.
var ErrMalformedRelative = errors.New("malformed relative payload")

// Message is the result of feeding one frame to a Decoder. Text is set for
// FullComplete, Edit for RelativeComplete, Err for MalformedRelative.
type Message struct {
	Kind  Kind
	Token string
	Text  string
	Edit  diff.Edit
	Err   error
}

// Decoder reassembles full snapshots split across frames. It keeps state
// between calls, so one Decoder must only ever see the frames of a single
// inbound connection, in order. It is not safe for concurrent use.
type Decoder struct {
	receiving bool
	token     string
	acc       strings.Builder
}

// Receiving reports whether the decoder is in the middle of a full snapshot.
func (d *Decoder) Receiving() bool { return d.receiving }

// Reset drops any partially received snapshot.
func (d *Decoder) Reset() {
	d.receiving = false
	d.token = ""
	d.acc.Reset()
}

// Decode classifies frame and advances the reassembly state. The rules are
// checked in order: a complete relative message, the start of a full message,
// the continuation of the snapshot being reassembled, and otherwise
// Unrecognized, which leaves the state untouched.
func (d *Decoder) Decode(frame string) Message {
	if isRelative(frame) {
		d.Reset()
		inner := frame[len(relativeStart) : len(frame)-len(relativeStop)]
		e, err := parseRelative(inner)
		if err != nil {
			return Message{Kind: MalformedRelative, Err: err}
		}
		return Message{Kind: RelativeComplete, Edit: e}
	}

	if token, rest, ok := splitFullStart(frame); ok {
		d.Reset()
		if i := strings.Index(rest, fullStop(token)); i >= 0 {
			return Message{Kind: FullComplete, Token: token, Text: rest[:i]}
		}
		d.receiving = true
		d.token = token
		d.acc.WriteString(rest)
		return Message{Kind: FullStart, Token: token}
	}

	if d.receiving {
		stop := fullStop(d.token)
		// The stop marker may straddle two frames, so search from just
		// before the previously accumulated end.
		from := d.acc.Len() - len(stop) + 1
		if from < 0 {
			from = 0
		}
		d.acc.WriteString(frame)
		acc := d.acc.String()
		if i := strings.Index(acc[from:], stop); i >= 0 {
			msg := Message{Kind: FullComplete, Token: d.token, Text: acc[:from+i]}
			d.Reset()
			return msg
		}
		return Message{Kind: FullPartial, Token: d.token}
	}

	return Message{Kind: Unrecognized}
}

func isRelative(frame string) bool {
	return len(frame) >= len(relativeStart)+len(relativeStop) &&
		strings.HasPrefix(frame, relativeStart) &&
		strings.HasSuffix(frame, relativeStop)
}

// splitFullStart extracts the token of a frame beginning with a full start
// marker and returns what follows the marker.
func splitFullStart(frame string) (token, rest string, ok bool) {
	if !strings.HasPrefix(frame, fullPrefix) {
		return "", "", false
	}
	i := strings.Index(frame, startSuffix)
	if i < len(fullPrefix) {
		return "", "", false
	}
	token = frame[len(fullPrefix):i]
	if !validToken(token) {
		return "", "", false
	}
	return token, frame[i+len(startSuffix):], true
}

func validToken(token string) bool {
	if token == "" {
		return false
	}
	for _, r := range token {
		if r == ':' || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

func parseRelative(inner string) (diff.Edit, error) {
	fields := strings.Split(inner, fieldSep)
	if len(fields) != 3 {
		return diff.Edit{}, fmt.Errorf("%w: expected 3 fields, got %d", ErrMalformedRelative, len(fields))
	}
	op, err := diff.ParseOp(fields[0])
	if err != nil {
		return diff.Edit{}, fmt.Errorf("%w: %v", ErrMalformedRelative, err)
	}
	offset, err := strconv.Atoi(fields[1])
	if err != nil || offset < 0 {
		return diff.Edit{}, fmt.Errorf("%w: bad offset %q", ErrMalformedRelative, fields[1])
	}

	payload := fields[2]
	if payload == colonEscaped {
		return diff.Edit{Op: op, Offset: offset, Char: ':'}, nil
	}
	if utf8.RuneCountInString(payload) != 1 {
		return diff.Edit{}, fmt.Errorf("%w: payload %q is not a single character", ErrMalformedRelative, payload)
	}
	r, _ := utf8.DecodeRuneInString(payload)
	return diff.Edit{Op: op, Offset: offset, Char: r}, nil
}
