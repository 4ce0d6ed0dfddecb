// Package diff turns two adjacent observations of a text buffer into a
// single-character edit, and applies such edits back to a text.
//
// It is a length-delta heuristic, not a general diff: it only recognises one
// inserted or one deleted character. Anything else must be sent as a full
// snapshot.
package diff

import "fmt"

// Op is the kind of a single-character edit.
type Op string

const (
	Insertion Op = "insertion"
	Deletion  Op = "deletion"
)

// ParseOp maps the wire spelling of an edit kind to an Op.
func ParseOp(s string) (Op, error) {
	switch Op(s) {
	case Insertion, Deletion:
		return Op(s), nil
	}
	return "", fmt.Errorf("unknown edit kind %q", s)
}

// Edit is one inserted or deleted character at a zero-based character offset.
type Edit struct {
	Op     Op
	Offset int
	Char   rune
}

func (e Edit) String() string {
	return fmt.Sprintf("%s@%d(%q)", e.Op, e.Offset, e.Char)
}

// Compute reports the single-character edit that turns old into new. The
// second return value is false when the two texts are not one insertion or
// one deletion apart by length, in which case the caller must fall back to a
// full snapshot.
func Compute(old, new string) (Edit, bool) {
	o, n := []rune(old), []rune(new)

	switch {
	case len(n) == len(o)+1:
		for i := range o {
			if o[i] != n[i] {
				return Edit{Op: Insertion, Offset: i, Char: n[i]}, true
			}
		}
		return Edit{Op: Insertion, Offset: len(o), Char: n[len(n)-1]}, true

	case len(n)+1 == len(o):
		for i := range n {
			if o[i] != n[i] {
				return Edit{Op: Deletion, Offset: i, Char: o[i]}, true
			}
		}
		return Edit{Op: Deletion, Offset: len(n), Char: o[len(o)-1]}, true
	}
	return Edit{}, false
}

// Apply returns text with e applied. Offsets are clamped rather than
// rejected: an insertion past the end appends, a deletion at or past the end
// removes the last character, and a deletion on empty text is a no-op.
func Apply(text string, e Edit) string {
	r := []rune(text)
	off := e.Offset
	if off < 0 {
		off = 0
	}

	switch e.Op {
	case Insertion:
		if off > len(r) {
			off = len(r)
		}
		out := make([]rune, 0, len(r)+1)
		out = append(out, r[:off]...)
		out = append(out, e.Char)
		out = append(out, r[off:]...)
		return string(out)

	case Deletion:
		if len(r) == 0 {
			return text
		}
		if off >= len(r) {
			off = len(r) - 1
		}
		return string(append(r[:off:off], r[off+1:]...))
	}
	return text
}
