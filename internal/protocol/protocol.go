// Package protocol implements the text framing used between collaborating
// editors: full snapshots, which may span several physical frames, and
// relative single-character edits, which always fit in one.
//
//	full:<token>:START\n<text>\nfull:<token>:STOP\n
//	relative:START\n<kind>:<offset>:<char>\nrelative:STOP\n
package protocol

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"collabtext/internal/diff"
)

const (
	relativeStart = "relative:START\n"
	relativeStop  = "\nrelative:STOP\n"

	fullPrefix   = "full:"
	startSuffix  = ":START\n"
	stopSuffix   = ":STOP\n"
	fieldSep     = ":"
	colonEscaped = "/colon/"
)

// NewToken returns an opaque identifier for one full-snapshot transfer.
func NewToken() string {
	return uuid.NewString()
}

func fullStart(token string) string { return fullPrefix + token + startSuffix }
func fullStop(token string) string  { return "\n" + fullPrefix + token + stopSuffix }

// EncodeFull wraps a snapshot of the buffer in full-message markers.
func EncodeFull(token, text string) string {
	var b strings.Builder
	b.Grow(len(text) + 2*len(token) + 32)
	b.WriteString(fullStart(token))
	b.WriteString(text)
	b.WriteString(fullStop(token))
	return b.String()
}

// EncodeRelative wraps a single-character edit in relative-message markers.
// A colon is sent as the escape token so it never collides with the field
// separator.
func EncodeRelative(e diff.Edit) string {
	payload := string(e.Char)
	if e.Char == ':' {
		payload = colonEscaped
	}
	return relativeStart + string(e.Op) + fieldSep + strconv.Itoa(e.Offset) + fieldSep + payload + relativeStop
}

// FullFrames encodes a snapshot under a fresh token and splits it into
// physical frames of at most maxSize bytes.
func FullFrames(text string, maxSize int) []string {
	return Chunk(EncodeFull(NewToken(), text), maxSize)
}

// Chunk splits frame into pieces of at most maxSize bytes without cutting a
// UTF-8 sequence in half. A non-positive maxSize returns the frame whole.
func Chunk(frame string, maxSize int) []string {
	if maxSize <= 0 || len(frame) <= maxSize {
		return []string{frame}
	}
	out := make([]string, 0, len(frame)/maxSize+1)
	for len(frame) > maxSize {
		cut := maxSize
		for cut > 0 && !utf8.RuneStart(frame[cut]) {
			cut--
		}
		if cut == 0 {
			cut = maxSize
		}
		out = append(out, frame[:cut])
		frame = frame[cut:]
	}
	if frame != "" {
		out = append(out, frame)
	}
	return out
}
