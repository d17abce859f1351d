package frame

import (
	"bytes"
	"errors"
	"io"
	"iter"
)

const (
	// DefaultTerminator closes one CAD/ProQA message.
	DefaultTerminator = "</comm>"
	// LineTerminator closes identification lines.
	LineTerminator = "\n"
	// ReadChunk is the read size used by connection pumps.
	ReadChunk = 4096
)

var (
	ErrEmptyTerminator = errors.New("frame: empty terminator")
	ErrFrameTooLarge   = errors.New("frame: buffered bytes exceed frame limit")
)

// Limits constrains framer memory use.
type Limits struct {
	MaxFrameBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxFrameBytes: 1024 * 1024,
	}
}

// Framer accumulates bytes from one stream and yields the frames closed by a terminator.
// A frame includes its terminator. Bytes after the last terminator stay buffered until
// more data arrives or Reset is called.
type Framer struct {
	term    []byte
	limits  Limits
	cutset  string
	buf     []byte
	scanned int
}

func NewFramer(terminator string, limits Limits) (*Framer, error) {
	if terminator == "" {
		return nil, ErrEmptyTerminator
	}
	if limits.MaxFrameBytes <= 0 {
		limits = DefaultLimits()
	}
	return &Framer{
		term:   []byte(terminator),
		limits: limits,
	}, nil
}

// SkipLeading drops any bytes in cutset found at the start of a frame.
func (f *Framer) SkipLeading(cutset string) *Framer {
	f.cutset = cutset
	return f
}

func (f *Framer) Terminator() string {
	return string(f.term)
}

// Write appends p. It refuses data that would grow the buffer past the frame limit
// without leaving it partially applied.
func (f *Framer) Write(p []byte) (int, error) {
	if len(f.buf)+len(p) > f.limits.MaxFrameBytes {
		return 0, ErrFrameTooLarge
	}
	f.buf = append(f.buf, p...)
	return len(p), nil
}

// Next removes and returns the oldest complete frame.
func (f *Framer) Next() ([]byte, bool) {
	if f.cutset != "" && f.scanned == 0 {
		f.buf = bytes.TrimLeft(f.buf, f.cutset)
	}
	start := f.scanned - len(f.term) + 1
	if start < 0 {
		start = 0
	}
	idx := bytes.Index(f.buf[start:], f.term)
	if idx < 0 {
		f.scanned = len(f.buf)
		return nil, false
	}
	end := start + idx + len(f.term)
	out := make([]byte, end)
	copy(out, f.buf[:end])
	f.buf = append(f.buf[:0], f.buf[end:]...)
	f.scanned = 0
	return out, true
}

// Frames yields complete frames until the buffer holds no terminator. Iteration can be
// resumed after more bytes are written.
func (f *Framer) Frames() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			fr, ok := f.Next()
			if !ok || !yield(fr) {
				return
			}
		}
	}
}

func (f *Framer) Len() int {
	return len(f.buf)
}

// Buffered returns a copy of the bytes not yet claimed by a frame.
func (f *Framer) Buffered() []byte {
	out := make([]byte, len(f.buf))
	copy(out, f.buf)
	return out
}

// Take returns every buffered byte and empties the framer.
func (f *Framer) Take() []byte {
	out := f.Buffered()
	f.Reset()
	return out
}

// Reset discards any partial frame.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.scanned = 0
}

// ReadFrame reads from r until f holds a complete frame.
func ReadFrame(r io.Reader, f *Framer) ([]byte, error) {
	chunk := make([]byte, ReadChunk)
	for {
		if fr, ok := f.Next(); ok {
			return fr, nil
		}
		n, err := r.Read(chunk)
		if n > 0 {
			if _, werr := f.Write(chunk[:n]); werr != nil {
				return nil, werr
			}
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && f.Len() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}
