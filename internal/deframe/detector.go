package deframe

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Detector locates frame boundaries. LastBoundary returns the index of the
// last byte of the rightmost complete delimiter in view, or -1 if view holds
// none. It must depend only on the bytes it is shown: the Deframer may call it
// several times per chunk over different prefixes.
type Detector interface {
	LastBoundary(view []byte) int
}

// DetectorFunc adapts an ordinary function to the Detector interface.
type DetectorFunc func(view []byte) int

// LastBoundary calls f(view).
func (f DetectorFunc) LastBoundary(view []byte) int { return f(view) }

// Delimiter is a fixed byte sequence terminating every frame.
//
// Only delimiters wholly inside a chunk are detected; a multi-byte delimiter
// split across two chunks is found once a later chunk carries another
// boundary, at which point EachFrame still splits it correctly.
type Delimiter []byte

// Common delimiters.
var (
	LF   = Delimiter{'\n'}
	CR   = Delimiter{'\r'}
	CRLF = Delimiter{'\r', '\n'}
	NUL  = Delimiter{0x00}
	ETX  = Delimiter{0x03}
)

// ErrEmptyDelimiter is returned by ParseDelimiter for empty input.
var ErrEmptyDelimiter = errors.New("deframe: empty delimiter")

// LastBoundary implements Detector. Matches are taken left to right without
// overlap, the same way EachFrame splits, so for "\n\n" the view "ab\n\n\n"
// ends its last frame at index 3, not 4.
func (d Delimiter) LastBoundary(view []byte) int {
	switch len(d) {
	case 0:
		return -1
	case 1:
		return bytes.LastIndexByte(view, d[0])
	}
	if !d.selfOverlapping() {
		i := bytes.LastIndex(view, d)
		if i < 0 {
			return -1
		}
		return i + len(d) - 1
	}
	last := -1
	for off := 0; ; {
		i := bytes.Index(view[off:], d)
		if i < 0 {
			return last
		}
		off += i + len(d)
		last = off - 1
	}
}

// selfOverlapping reports whether a proper prefix of d is also its suffix
// ("\n\n", "abab"). Only then can two occurrences overlap.
func (d Delimiter) selfOverlapping() bool {
	for k := 1; k < len(d); k++ {
		if bytes.Equal(d[:k], d[len(d)-k:]) {
			return true
		}
	}
	return false
}

// FirstBoundary returns the index of the last byte of the leftmost delimiter
// in view, or -1.
func (d Delimiter) FirstBoundary(view []byte) int {
	switch len(d) {
	case 0:
		return -1
	case 1:
		return bytes.IndexByte(view, d[0])
	}
	i := bytes.Index(view, d)
	if i < 0 {
		return -1
	}
	return i + len(d) - 1
}

// EachFrame calls fn for every delimiter-terminated frame in run, delimiter
// included, and returns whatever trails the last delimiter. Frames alias run.
//
// A run emitted after held bytes can end in a tail when the delimiter overlaps
// itself across the join; hand that tail back with Deframer.Rescan.
func (d Delimiter) EachFrame(run []byte, fn func(frame []byte)) (tail []byte) {
	for {
		i := d.FirstBoundary(run)
		if i < 0 {
			return run
		}
		fn(run[:i+1])
		run = run[i+1:]
	}
}

// String renders the delimiter as a quoted Go string, e.g. "\r\n".
func (d Delimiter) String() string { return strconv.Quote(string(d)) }

// ParseDelimiter parses a delimiter from configuration. It accepts the names
// lf, cr, crlf, nul and etx, hex such as 0x0A or 0x0D0A, and Go escape
// sequences such as \n or \r\n.
func ParseDelimiter(s string) (Delimiter, error) {
	if s == "" {
		return nil, ErrEmptyDelimiter
	}
	switch strings.ToLower(s) {
	case "lf", "newline":
		return LF, nil
	case "cr":
		return CR, nil
	case "crlf":
		return CRLF, nil
	case "nul", "null":
		return NUL, nil
	case "etx":
		return ETX, nil
	}
	if h, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		b, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("deframe: delimiter %q: %w", s, err)
		}
		if len(b) == 0 {
			return nil, ErrEmptyDelimiter
		}
		return Delimiter(b), nil
	}
	u, err := strconv.Unquote(`"` + strings.ReplaceAll(s, `"`, `\"`) + `"`)
	if err != nil {
		return nil, fmt.Errorf("deframe: delimiter %q: %w", s, err)
	}
	return Delimiter(u), nil
}
