// Package deframe reassembles delimiter-terminated frames from a chunked byte
// stream using storage that is sized once and never grown.
//
// A Deframer is fed successive chunks in stream order. Each call returns the
// longest run of complete frames that is available so far and keeps the
// trailing partial frame (the remainder) for the next call:
//
//	d := deframe.New(256)
//	run, err := d.Deframe(chunk, deframe.LF)
//	if err != nil { // errors.Is(err, deframe.ErrOverflow)
//		d.Reset()
//	}
//	deframe.LF.EachFrame(run, consume)
//
// A Deframer is not safe for concurrent use.
package deframe

import (
	"errors"
	"fmt"
)

// ErrOverflow is returned when the bytes that must be held (as output or as
// remainder) exceed the capacity of the Deframer.
var ErrOverflow = errors.New("deframe: overflow")

// OverflowError describes which limit was hit. It matches ErrOverflow with errors.Is.
type OverflowError struct {
	Stage    string // "frame", "remainder" or "rescan"
	Need     int
	Capacity int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("deframe: overflow: %s needs %d bytes, capacity %d", e.Stage, e.Need, e.Capacity)
}

func (e *OverflowError) Unwrap() error { return ErrOverflow }

func overflow(stage string, need, capacity int) error {
	return &OverflowError{Stage: stage, Need: need, Capacity: capacity}
}

// Deframer holds at most Cap() bytes of partial frame between calls.
//
// Storage is two equally sized buffers allocated by New. One holds the
// remainder, the other backs the slice returned by the previous call; they
// swap roles whenever the output is assembled in place after the remainder.
type Deframer struct {
	rem   []byte
	spare []byte
	used  int
}

// New returns a Deframer with a fixed capacity of n bytes. n should be at least
// the largest frame the protocol produces plus the worst-case partial frame
// carried between chunks. A non-positive n yields a Deframer that can hold
// nothing.
func New(n int) *Deframer {
	if n < 0 {
		n = 0
	}
	return &Deframer{rem: make([]byte, n), spare: make([]byte, n)}
}

// Cap returns the fixed capacity.
func (d *Deframer) Cap() int { return len(d.rem) }

// Len returns the number of remainder bytes currently held.
func (d *Deframer) Len() int { return d.used }

// Remainder returns the held partial frame. The slice is only valid until the
// next call to Deframe or Reset.
func (d *Deframer) Remainder() []byte { return d.rem[:d.used] }

// Reset drops the remainder. Use it to resynchronise after ErrOverflow or a
// transport reconnect.
func (d *Deframer) Reset() { d.used = 0 }

// Deframe consumes chunk and returns the previously held remainder followed by
// every chunk byte up to and including the rightmost frame boundary that keeps
// the result within capacity. When the chunk has no usable boundary the result
// is empty and the whole chunk is appended to the remainder.
//
// The returned slice aliases storage owned by d and is valid until the next
// call to Deframe or Reset; copy frames that must outlive it.
//
// On error (always matching ErrOverflow) d is left exactly as it was before the
// call. Callers should still treat an overflow as a sizing fault and Reset.
func (d *Deframer) Deframe(chunk []byte, det Detector) ([]byte, error) {
	n := len(d.rem)

	if d.used == 0 {
		end := 0
		if i := lastBoundary(det, chunk); i >= 0 {
			end = i + 1
		}
		if end > n {
			return nil, overflow("frame", end, n)
		}
		if rest := len(chunk) - end; rest > n {
			return nil, overflow("remainder", rest, n)
		}
		out := d.spare[:end]
		copy(out, chunk[:end])
		d.used = copy(d.rem, chunk[end:])
		return out, nil
	}

	p := d.fit(chunk, det)
	if p == 0 {
		if need := d.used + len(chunk); need > n {
			return nil, overflow("remainder", need, n)
		}
		d.used += copy(d.rem[d.used:], chunk)
		return d.spare[:0], nil
	}
	if rest := len(chunk) - p; rest > n {
		return nil, overflow("remainder", rest, n)
	}

	// fit guarantees used+p <= n, so the run is built in place after the
	// remainder and the buffers swap.
	end := d.used + p
	copy(d.rem[d.used:end], chunk[:p])
	out := d.rem[:end]
	d.rem, d.spare = d.spare, d.rem
	d.used = copy(d.rem, chunk[p:])
	return out, nil
}

// Rescan puts tail back in front of the held remainder and returns the run
// of frames the held bytes now complete, found by one detector call over the
// whole of them. It is meant for the unterminated tail EachFrame returns for
// the last run; tail must not alias the remainder. The returned run replaces
// the previous one. On error (matching ErrOverflow) d is unchanged.
func (d *Deframer) Rescan(tail []byte, det Detector) ([]byte, error) {
	n := len(d.rem)
	need := len(tail) + d.used
	if need > n {
		return nil, overflow("rescan", need, n)
	}
	copy(d.rem[len(tail):need], d.rem[:d.used])
	copy(d.rem, tail)
	end := 0
	if i := lastBoundary(det, d.rem[:need]); i >= 0 {
		end = i + 1
	}
	out := d.spare[:end]
	copy(out, d.rem[:end])
	d.used = copy(d.rem, d.rem[end:need])
	return out, nil
}

// fit walks the chunk's boundaries from right to left and returns the end of
// the first one (so the rightmost one) that fits after the held remainder, or
// 0 if none does. Each step hands the detector the view ending just before the
// last delimiter byte it reported.
func (d *Deframer) fit(chunk []byte, det Detector) int {
	room := len(d.rem) - d.used
	view := chunk
	for len(view) > 0 {
		i := lastBoundary(det, view)
		if i < 0 {
			return 0
		}
		if i+1 <= room {
			return i + 1
		}
		view = view[:i]
	}
	return 0
}

// lastBoundary calls det and discards indices outside view.
func lastBoundary(det Detector, view []byte) int {
	i := det.LastBoundary(view)
	if i < 0 || i >= len(view) {
		return -1
	}
	return i
}
