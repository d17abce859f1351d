package frame

import (
	"bytes"
	"errors"
	"io"
	"slices"
	"strings"
	"testing"

	"github.com/danmuck/pqrelay/internal/testutil/testlog"
)

func TestNewFramerRejectsEmptyTerminator(t *testing.T) {
	testlog.Start(t)
	if _, err := NewFramer("", DefaultLimits()); !errors.Is(err, ErrEmptyTerminator) {
		t.Fatalf("expected ErrEmptyTerminator, got %v", err)
	}
}

func TestFramerSplitsAcrossPartialWrites(t *testing.T) {
	testlog.Start(t)
	f, err := NewFramer("</comm>", DefaultLimits())
	if err != nil {
		t.Fatalf("new framer: %v", err)
	}
	for _, chunk := range []string{"mhel", "lo</co", "m", "m>fsec", "ond</comm>p"} {
		if _, err := f.Write([]byte(chunk)); err != nil {
			t.Fatalf("write %q: %v", chunk, err)
		}
	}
	got := slices.Collect(f.Frames())
	if len(got) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(got))
	}
	if string(got[0]) != "mhello</comm>" {
		t.Fatalf("unexpected first frame: %q", got[0])
	}
	if string(got[1]) != "fsecond</comm>" {
		t.Fatalf("unexpected second frame: %q", got[1])
	}
	if string(f.Buffered()) != "p" {
		t.Fatalf("unexpected remainder: %q", f.Buffered())
	}
}

func TestFramerTerminatorSplitOverManyWrites(t *testing.T) {
	testlog.Start(t)
	f, _ := NewFramer("</conn>", DefaultLimits())
	msg := "payload</conn>"
	for i := 0; i < len(msg); i++ {
		_, _ = f.Write([]byte{msg[i]})
		fr, ok := f.Next()
		if i < len(msg)-1 {
			if ok {
				t.Fatalf("frame completed early at byte %d: %q", i, fr)
			}
			continue
		}
		if !ok || string(fr) != msg {
			t.Fatalf("expected full frame, got ok=%v frame=%q", ok, fr)
		}
	}
}

func TestFramerResetDiscardsPartialFrame(t *testing.T) {
	testlog.Start(t)
	f, _ := NewFramer("</comm>", DefaultLimits())
	_, _ = f.Write([]byte("mstale partial</co"))
	f.Reset()
	_, _ = f.Write([]byte("mfresh</comm>"))
	fr, ok := f.Next()
	if !ok || string(fr) != "mfresh</comm>" {
		t.Fatalf("unexpected frame after reset: ok=%v frame=%q", ok, fr)
	}
	if f.Len() != 0 {
		t.Fatalf("expected empty buffer, got %d bytes", f.Len())
	}
}

func TestFramerSkipLeading(t *testing.T) {
	testlog.Start(t)
	f, _ := NewFramer("</comm>", DefaultLimits())
	f.SkipLeading("\r\n")
	_, _ = f.Write([]byte("mone</comm>\r\n"))
	_, _ = f.Write([]byte("\nftwo</comm>"))
	got := slices.Collect(f.Frames())
	if len(got) != 2 || string(got[1]) != "ftwo</comm>" {
		t.Fatalf("unexpected frames: %q", got)
	}
}

func TestFramerLimit(t *testing.T) {
	testlog.Start(t)
	f, _ := NewFramer("</comm>", Limits{MaxFrameBytes: 8})
	if _, err := f.Write([]byte("12345678")); err != nil {
		t.Fatalf("write within limit: %v", err)
	}
	if _, err := f.Write([]byte("9")); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if f.Len() != 8 {
		t.Fatalf("rejected write must not be applied, len=%d", f.Len())
	}
}

func TestFramerTake(t *testing.T) {
	testlog.Start(t)
	f, _ := NewFramer(LineTerminator, DefaultLimits())
	_, _ = f.Write([]byte("15\nfoo</comm>"))
	line, ok := f.Next()
	if !ok || string(line) != "15\n" {
		t.Fatalf("unexpected line: ok=%v line=%q", ok, line)
	}
	if rest := f.Take(); string(rest) != "foo</comm>" {
		t.Fatalf("unexpected rest: %q", rest)
	}
	if f.Len() != 0 {
		t.Fatalf("take must empty the framer")
	}
}

func TestReadFrame(t *testing.T) {
	testlog.Start(t)
	f, _ := NewFramer("</comm>", DefaultLimits())
	r := strings.NewReader("From 5100: hello</comm>")
	fr, err := ReadFrame(r, f)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(fr, []byte("From 5100: hello</comm>")) {
		t.Fatalf("unexpected frame: %q", fr)
	}

	f.Reset()
	if _, err := ReadFrame(strings.NewReader("partial"), f); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
	f.Reset()
	if _, err := ReadFrame(strings.NewReader(""), f); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}
