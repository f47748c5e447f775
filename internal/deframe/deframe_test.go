package deframe

import (
	"bytes"
	"errors"
	"testing"
)

// frameEnd is the delimiter used throughout these tests (ASCII line feed, as in
// line-oriented CSV).
const frameEnd = 0x0A

var lf = DetectorFunc(func(v []byte) int { return bytes.LastIndexByte(v, frameEnd) })

func mustDeframe(t *testing.T, d *Deframer, chunk []byte) []byte {
	t.Helper()
	out, err := d.Deframe(chunk, lf)
	if err != nil {
		t.Fatalf("Deframe(% X): %v", chunk, err)
	}
	return out
}

func TestDeframe_FindsFrameEnd(t *testing.T) {
	tests := []struct {
		in   []byte
		want []byte
		rem  int
	}{
		{[]byte{frameEnd, 1, 2, 3}, []byte{frameEnd}, 3},
		{[]byte{1, frameEnd, 2, 3}, []byte{1, frameEnd}, 2},
		{[]byte{1, 2, 3, frameEnd}, []byte{1, 2, 3, frameEnd}, 0},
	}
	for _, tc := range tests {
		d := New(4)
		out := mustDeframe(t, d, tc.in)
		if !bytes.Equal(out, tc.want) {
			t.Fatalf("in % X: got % X want % X", tc.in, out, tc.want)
		}
		if d.Len() != tc.rem {
			t.Fatalf("in % X: remainder %d want %d", tc.in, d.Len(), tc.rem)
		}
	}
}

func TestDeframe_CarriesRemainder(t *testing.T) {
	d := New(16)
	steps := []struct {
		in, want, rem []byte
	}{
		{[]byte{frameEnd, 1, 2, 3}, []byte{frameEnd}, []byte{1, 2, 3}},
		{[]byte{4, 5, frameEnd, 6}, []byte{1, 2, 3, 4, 5, frameEnd}, []byte{6}},
		{[]byte{7, 8, 9, 0x10, frameEnd, 0x11, 0x22}, []byte{6, 7, 8, 9, 0x10, frameEnd}, []byte{0x11, 0x22}},
	}
	for i, s := range steps {
		out := mustDeframe(t, d, s.in)
		if !bytes.Equal(out, s.want) {
			t.Fatalf("step %d: got % X want % X", i, out, s.want)
		}
		if !bytes.Equal(d.Remainder(), s.rem) {
			t.Fatalf("step %d: remainder % X want % X", i, d.Remainder(), s.rem)
		}
	}
}

func TestDeframe_OverflowFrame(t *testing.T) {
	d := New(2)
	_, err := d.Deframe([]byte{1, 2, 3, frameEnd}, lf)
	if !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	var oe *OverflowError
	if !errors.As(err, &oe) || oe.Stage != "frame" || oe.Need != 4 || oe.Capacity != 2 {
		t.Fatalf("unexpected overflow detail: %#v", oe)
	}
}

func TestDeframe_OverflowAccumulating(t *testing.T) {
	d := New(2)
	mustDeframe(t, d, []byte{1})
	if d.Len() != 1 {
		t.Fatalf("remainder %d want 1", d.Len())
	}
	mustDeframe(t, d, []byte{2})
	if d.Len() != 2 {
		t.Fatalf("remainder %d want 2", d.Len())
	}
	if _, err := d.Deframe([]byte{3}, lf); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestDeframe_RemainderIncreases(t *testing.T) {
	d := New(4)
	for i, b := range []byte{1, 2, 3} {
		out := mustDeframe(t, d, []byte{b})
		if len(out) != 0 {
			t.Fatalf("call %d: unexpected output % X", i, out)
		}
		if d.Len() != i+1 {
			t.Fatalf("call %d: remainder %d want %d", i, d.Len(), i+1)
		}
	}
	out := mustDeframe(t, d, []byte{frameEnd})
	if !bytes.Equal(out, []byte{1, 2, 3, frameEnd}) {
		t.Fatalf("got % X", out)
	}
	if d.Len() != 0 {
		t.Fatalf("remainder %d want 0", d.Len())
	}
}

func TestDeframe_MultipleFramesOneCall(t *testing.T) {
	d := New(32)
	out := mustDeframe(t, d, []byte("a,1\nb,2\nc,3\nd,"))
	if string(out) != "a,1\nb,2\nc,3\n" {
		t.Fatalf("got %q", out)
	}
	if string(d.Remainder()) != "d," {
		t.Fatalf("remainder %q", d.Remainder())
	}
}

// With a remainder held, the rightmost boundary that still fits wins; later
// boundaries that would exceed capacity are skipped.
func TestDeframe_FitSearchPicksRightmostFitting(t *testing.T) {
	d := New(8)
	mustDeframe(t, d, []byte("ab"))
	// Boundaries end at 2, 4 and 7 of the chunk; 2+7 > 8 so the one ending at 4 wins.
	out := mustDeframe(t, d, []byte("c\nd\nef\n"))
	if string(out) != "abc\nd\n" {
		t.Fatalf("got %q", out)
	}
	if string(d.Remainder()) != "ef\n" {
		t.Fatalf("remainder %q", d.Remainder())
	}
	// The held complete frame is emitted with the next boundary.
	out = mustDeframe(t, d, []byte("g\n"))
	if string(out) != "ef\ng\n" {
		t.Fatalf("got %q", out)
	}
}

func TestDeframe_FitSearchVisitsBoundariesRightToLeft(t *testing.T) {
	d := New(6)
	mustDeframe(t, d, []byte("xy"))
	var views []string
	det := DetectorFunc(func(v []byte) int {
		views = append(views, string(v))
		return bytes.LastIndexByte(v, '\n')
	})
	out, err := d.Deframe([]byte("1\n2\n3\n"), det)
	if err != nil {
		t.Fatalf("Deframe: %v", err)
	}
	if string(out) != "xy1\n2\n" {
		t.Fatalf("got %q", out)
	}
	want := []string{"1\n2\n3\n", "1\n2\n3"}
	if len(views) != len(want) {
		t.Fatalf("views %q want %q", views, want)
	}
	for i := range want {
		if views[i] != want[i] {
			t.Fatalf("view %d = %q want %q", i, views[i], want[i])
		}
	}
}

// Boundaries exist but none fits: the chunk is treated as unresolved, which
// necessarily overflows.
func TestDeframe_NoFittingBoundaryOverflows(t *testing.T) {
	d := New(4)
	mustDeframe(t, d, []byte("abc"))
	if _, err := d.Deframe([]byte("de\n"), lf); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestDeframe_OverflowNewRemainder(t *testing.T) {
	d := New(4)
	mustDeframe(t, d, []byte("a"))
	_, err := d.Deframe([]byte("\nbcdef"), lf)
	var oe *OverflowError
	if !errors.As(err, &oe) || oe.Stage != "remainder" || oe.Need != 5 {
		t.Fatalf("expected remainder overflow, got %v", err)
	}
}

func TestDeframe_OverflowLeavesStateUntouched(t *testing.T) {
	d := New(4)
	mustDeframe(t, d, []byte("ab"))
	for _, chunk := range [][]byte{[]byte("cde"), []byte("c\ndefgh"), []byte("cdef\n")} {
		if _, err := d.Deframe(chunk, lf); !errors.Is(err, ErrOverflow) {
			t.Fatalf("%q: expected ErrOverflow, got %v", chunk, err)
		}
		if string(d.Remainder()) != "ab" {
			t.Fatalf("%q: remainder changed to %q", chunk, d.Remainder())
		}
	}
	out := mustDeframe(t, d, []byte("\n"))
	if string(out) != "ab\n" {
		t.Fatalf("got %q", out)
	}
}

func TestDeframe_ResetDropsRemainder(t *testing.T) {
	d := New(4)
	mustDeframe(t, d, []byte("abc"))
	d.Reset()
	out := mustDeframe(t, d, []byte("x\n"))
	if string(out) != "x\n" || d.Len() != 0 {
		t.Fatalf("got %q remainder %d", out, d.Len())
	}
}

func TestDeframe_RescanPrependsToRemainder(t *testing.T) {
	d := New(8)
	out := mustDeframe(t, d, []byte("ab\ncd"))
	run, err := d.Rescan(out[1:2], lf)
	if err != nil || len(run) != 0 {
		t.Fatalf("Rescan: %q %v", run, err)
	}
	if got := string(d.Remainder()); got != "bcd" {
		t.Fatalf("remainder %q", got)
	}
	out = mustDeframe(t, d, []byte("e\n"))
	if string(out) != "bcde\n" {
		t.Fatalf("got %q", out)
	}
}

// Rescan looks at the tail and the held bytes together, so a frame the join
// completes comes out at once.
func TestDeframe_RescanEmitsCompletedFrames(t *testing.T) {
	d := New(8)
	mustDeframe(t, d, []byte("ab"))
	run, err := d.Rescan([]byte("x\n"), lf)
	if err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if string(run) != "x\n" || string(d.Remainder()) != "ab" {
		t.Fatalf("run %q remainder %q", run, d.Remainder())
	}
}

func TestDeframe_RescanOverflowLeavesStateUntouched(t *testing.T) {
	d := New(4)
	mustDeframe(t, d, []byte("abc"))
	_, err := d.Rescan([]byte("xy"), lf)
	var oe *OverflowError
	if !errors.As(err, &oe) || oe.Stage != "rescan" || oe.Need != 5 {
		t.Fatalf("expected rescan overflow, got %v", err)
	}
	if string(d.Remainder()) != "abc" {
		t.Fatalf("remainder changed to %q", d.Remainder())
	}
}

func TestDeframe_EmptyChunk(t *testing.T) {
	d := New(4)
	if out := mustDeframe(t, d, nil); len(out) != 0 || d.Len() != 0 {
		t.Fatalf("got %q remainder %d", out, d.Len())
	}
	mustDeframe(t, d, []byte("ab"))
	if out := mustDeframe(t, d, []byte{}); len(out) != 0 || d.Len() != 2 {
		t.Fatalf("got %q remainder %d", out, d.Len())
	}
}

func TestDeframe_DetectorOutOfRangeIgnored(t *testing.T) {
	d := New(4)
	bad := DetectorFunc(func(v []byte) int { return len(v) + 3 })
	out, err := d.Deframe([]byte("ab"), bad)
	if err != nil || len(out) != 0 || d.Len() != 2 {
		t.Fatalf("got %q err=%v remainder %d", out, err, d.Len())
	}
}

func TestDeframe_ZeroCapacity(t *testing.T) {
	d := New(-1)
	if d.Cap() != 0 {
		t.Fatalf("cap %d", d.Cap())
	}
	if _, err := d.Deframe([]byte("a"), lf); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	if out := mustDeframe(t, d, nil); len(out) != 0 {
		t.Fatalf("got %q", out)
	}
}

// TestDeframe_ArbitraryChunking splits one stream at every chunk size and
// checks nothing is lost or reordered.
func TestDeframe_ArbitraryChunking(t *testing.T) {
	stream := []byte("t,1,20.5\nt,2,20.7\nhum,3,45\n\nlonger,line,with,fields\nx\npartial")
	const maxFrame = 24
	last := bytes.LastIndexByte(stream, frameEnd)
	for size := 1; size <= len(stream); size++ {
		d := New(maxFrame + size)
		var got []byte
		for pos := 0; pos < len(stream); pos += size {
			end := min(pos+size, len(stream))
			out := mustDeframe(t, d, stream[pos:end])
			if d.Len() > d.Cap() {
				t.Fatalf("size %d: remainder %d exceeds cap %d", size, d.Len(), d.Cap())
			}
			got = append(got, out...)
		}
		if !bytes.Equal(got, stream[:last+1]) {
			t.Fatalf("size %d: emitted %q", size, got)
		}
		if !bytes.Equal(d.Remainder(), stream[last+1:]) {
			t.Fatalf("size %d: remainder %q", size, d.Remainder())
		}
	}
}

func TestDeframe_OutputValidUntilNextCall(t *testing.T) {
	d := New(8)
	first := mustDeframe(t, d, []byte("a\nb"))
	keep := bytes.Clone(first)
	second := mustDeframe(t, d, []byte("c\nd"))
	if string(keep) != "a\n" || string(second) != "bc\n" {
		t.Fatalf("first %q second %q", keep, second)
	}
}

func TestDeframe_NoAllocs(t *testing.T) {
	d := New(64)
	var det Detector = LF
	chunks := [][]byte{[]byte("abc"), []byte("de\nfg"), []byte("h\ni\nj")}
	allocs := testing.AllocsPerRun(100, func() {
		for _, c := range chunks {
			if _, err := d.Deframe(c, det); err != nil {
				d.Reset()
			}
		}
	})
	if allocs != 0 {
		t.Fatalf("Deframe allocated %.1f times per run", allocs)
	}
}

func BenchmarkDeframe_Lines(b *testing.B) {
	d := New(512)
	chunk := bytes.Repeat([]byte("sensor,42,17.25\n"), 8)
	chunk = append(chunk, "partial,"...)
	var det Detector = LF
	b.ReportAllocs()
	b.SetBytes(int64(len(chunk)))
	for i := 0; i < b.N; i++ {
		if _, err := d.Deframe(chunk, det); err != nil {
			b.Fatalf("Deframe: %v", err)
		}
		if d.Len() > 256 {
			d.Reset()
		}
	}
}
