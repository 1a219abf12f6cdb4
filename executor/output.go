package executor

import (
	"bytes"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/mensylisir/xmexec/common"
)

// OutputIterator yields complete lines of a running process's output.
// Next blocks until a line is available and reports false once the process
// has exited and no complete line is left. A trailing fragment without a
// newline is never yielded; it is returned by WaitOrKill instead.
type OutputIterator interface {
	Next() (line string, ok bool)
}

// Lines adapts an OutputIterator to a range-over-func sequence.
func Lines(it OutputIterator) iter.Seq[string] {
	return func(yield func(string) bool) {
		for {
			line, ok := it.Next()
			if !ok || !yield(line) {
				return
			}
		}
	}
}

// stream collects output chunks written by the process's reader until
// somebody takes them.
type stream struct {
	mu     sync.Mutex
	buf    []byte
	closed bool
	notify chan struct{}
}

func newStream() *stream {
	return &stream{notify: make(chan struct{}, 1)}
}

func (s *stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	s.buf = append(s.buf, p...)
	s.mu.Unlock()
	s.signal()
	return len(p), nil
}

func (s *stream) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// take returns everything buffered so far and whether the writer is done.
func (s *stream) take() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.buf
	s.buf = nil
	return b, s.closed
}

func (s *stream) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

type lineIterator struct {
	mu      sync.Mutex
	src     *stream
	codec   codec
	poll    time.Duration
	pending []byte
	drained bool
}

func newLineIterator(src *stream, c codec) *lineIterator {
	return &lineIterator{src: src, codec: c, poll: common.DefaultPollInterval}
}

func (it *lineIterator) Next() (string, bool) {
	for {
		it.mu.Lock()
		if it.drained {
			it.mu.Unlock()
			return "", false
		}
		if i := bytes.IndexByte(it.pending, '\n'); i >= 0 {
			line := it.codec.line(it.pending[:i])
			it.pending = it.pending[i+1:]
			it.mu.Unlock()
			return line, true
		}
		chunk, closed := it.src.take()
		if len(chunk) > 0 {
			// the previous fragment is continued by this chunk
			it.pending = append(it.pending, chunk...)
			it.mu.Unlock()
			continue
		}
		it.mu.Unlock()
		if closed {
			return "", false
		}

		select {
		case <-it.src.notify:
		case <-time.After(it.poll):
		}
	}
}

// drain ends iteration and returns whatever the iterator has not yielded
// followed by the rest of the stream.
func (it *lineIterator) drain() []byte {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.drained = true
	rest, _ := it.src.take()
	out := append(it.pending, rest...)
	it.pending = nil
	return out
}

type emptyIterator struct{}

func (emptyIterator) Next() (string, bool) { return "", false }

// output ties a stream to the iterator handed out for it, if any.
type output struct {
	src *stream
	it  *lineIterator
}

func (o *output) iterator(c codec) OutputIterator {
	if o == nil || o.src == nil {
		return emptyIterator{}
	}
	if o.it == nil {
		o.it = newLineIterator(o.src, c)
	}
	return o.it
}

func (o *output) collect() []byte {
	if o == nil || o.src == nil {
		return nil
	}
	if o.it != nil {
		return o.it.drain()
	}
	b, _ := o.src.take()
	return b
}

// codec turns raw output into text. pty output has CRLF line endings and
// echoes interrupts as "^C".
type codec struct {
	dec *encoding.Decoder
	pty bool
}

const ctrlCEcho = "^C"

func newCodec(name string, pty bool) (codec, error) {
	c := codec{pty: pty}
	if name == "" || strings.EqualFold(name, "utf-8") || strings.EqualFold(name, "utf8") {
		return c, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return c, errors.Wrapf(err, "unknown output encoding %q", name)
	}
	// output is split into lines before it is decoded
	if nl, err := enc.NewEncoder().String("\n"); err != nil || nl != "\n" {
		return c, errors.Errorf("output encoding %q does not encode newline as a single byte", name)
	}
	c.dec = enc.NewDecoder()
	return c, nil
}

func (c codec) decode(b []byte) string {
	if c.dec == nil {
		return string(b)
	}
	out, err := c.dec.Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}

func (c codec) line(b []byte) string {
	s := strings.TrimSuffix(c.decode(b), "\r")
	if c.pty {
		s = strings.ReplaceAll(s, ctrlCEcho, "")
	}
	return s
}

func (c codec) text(b []byte) string {
	s := c.decode(b)
	if c.pty {
		s = strings.ReplaceAll(s, "\r\n", "\n")
		s = strings.ReplaceAll(s, ctrlCEcho, "")
	}
	return s
}
