// Package expect provides blocking, timeout-bounded, multi-pattern matching
// over a live byte stream.
//
// A Channel owns a background pump that copies everything the transport
// produces into an unread buffer. Expect consumes the buffer up to and
// including the earliest match; bytes that arrive between calls are never
// lost, and a timed-out Expect leaves the buffer untouched so the caller can
// retry against the same data.
package expect

import (
	"bytes"
	"context"
	"errors"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	serrors "github.com/pvaduva/auto-test-sub005/errors"
	"github.com/pvaduva/auto-test-sub005/pkg/logging"
	"go.uber.org/zap"
)

var (
	// ErrTimeout is matched (errors.Is) by every expect timeout.
	ErrTimeout = serrors.New(serrors.ErrExpectTimeout, "timed out waiting for pattern")

	// ErrClosed is matched (errors.Is) when the stream ended before a match.
	ErrClosed = serrors.New(serrors.ErrClosed, "stream closed")
)

// Recorder receives a copy of all traffic, typically a session transcript.
type Recorder interface {
	RecordInput(data []byte)
	RecordOutput(data []byte)
}

// Match describes one successful Expect.
type Match struct {
	// Index of the pattern that matched.
	Index int
	// Text is everything consumed, up to and including the match.
	Text string
	// Before is Text without the matched part.
	Before string
	// Matched is the matched part only.
	Matched string
	// Groups holds the submatches of the winning pattern (index 0 is Matched).
	Groups []string
}

// List of escape sequences produced by terminals and shell profiles
var (
	ansiRe        = regexp.MustCompile(`\x1b(\[[0-9;?]*[A-Za-z]|\][^\x07]*\x07|[()][A-Z0-9]|[=>c])`)
	ansiPartialRe = regexp.MustCompile(`\x1b(\[[0-9;?]*|\][^\x07]*|[()])?$`)
)

// Channel is a buffered reader/writer over one transport.
type Channel struct {
	rw       io.ReadWriteCloser
	log      *zap.SugaredLogger
	recorder Recorder
	readOnly *regexp.Regexp
	eol      string
	name     string

	writeMu sync.Mutex

	mu      sync.Mutex
	buf     []byte
	eof     bool
	readErr error
	notify  chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the logger used for sent lines.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Channel) { c.log = logging.OrNop(l) }
}

// WithRecorder mirrors all traffic to r.
func WithRecorder(r Recorder) Option {
	return func(c *Channel) { c.recorder = r }
}

// WithReadOnlyPattern sets the regexp that classifies a sent line as a
// state-reading command. Such lines are logged at debug level; everything
// else is logged at info level.
func WithReadOnlyPattern(re *regexp.Regexp) Option {
	return func(c *Channel) { c.readOnly = re }
}

// WithLineEnding overrides the terminator appended by Send (default "\n").
func WithLineEnding(eol string) Option {
	return func(c *Channel) { c.eol = eol }
}

// WithName labels log lines, usually with the host name.
func WithName(name string) Option {
	return func(c *Channel) { c.name = name }
}

// New wraps rw and starts pumping its output.
func New(rw io.ReadWriteCloser, opts ...Option) *Channel {
	c := &Channel{
		rw:     rw,
		log:    logging.Nop(),
		eol:    "\n",
		notify: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("host", c.name)

	go c.pump()
	return c
}

func (c *Channel) pump() {
	var buf [4096]byte
	dataLength := 0

	for {
		num, err := c.rw.Read(buf[dataLength:])
		if num > 0 {
			dataLength += num
			data := buf[:dataLength]
			dataLength = 0

			if bytes.IndexByte(data, '\x1b') >= 0 {
				data = ansiRe.ReplaceAll(data, nil)
				// An escape sequence may be split across reads; keep a short
				// unterminated tail for the next round.
				const seqMaxLength = 32
				if start := bytes.LastIndexByte(data, '\x1b'); start != -1 && len(data)-start < seqMaxLength &&
					ansiPartialRe.Match(data[start:]) {
					dataLength = copy(buf[:], data[start:])
					data = data[:start]
				}
			}

			if len(data) > 0 {
				c.mu.Lock()
				c.buf = append(c.buf, data...)
				c.mu.Unlock()
				c.signal()
			}
		}

		if err != nil {
			c.mu.Lock()
			if dataLength > 0 {
				c.buf = append(c.buf, buf[:dataLength]...)
			}
			c.eof = true
			if !errors.Is(err, io.EOF) {
				c.readErr = err
			}
			c.mu.Unlock()
			c.signal()
			return
		}
	}
}

func (c *Channel) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Expect blocks until one of patterns matches the unread buffer, timeout
// elapses (timeout <= 0 waits for ctx only), the stream ends, or ctx is
// done. The earliest match in the stream wins; patterns matching at the
// same offset are ranked by list order.
func (c *Channel) Expect(ctx context.Context, patterns []*regexp.Regexp, timeout time.Duration) (Match, error) {
	if len(patterns) == 0 {
		return Match{}, serrors.New(serrors.ErrInvalidInput, "expect called without patterns")
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		c.mu.Lock()
		m, ok := c.match(patterns)
		eof, readErr := c.eof, c.readErr
		unread := string(c.buf)
		c.mu.Unlock()

		if ok {
			if c.recorder != nil {
				c.recorder.RecordOutput([]byte(m.Text))
			}
			return m, nil
		}
		if eof {
			err := &serrors.Error{
				Code:    serrors.ErrClosed,
				Message: "stream closed before pattern matched",
				Host:    c.name,
				Output:  unread,
				Cause:   readErr,
				Context: map[string]interface{}{"patterns": patternList(patterns)},
			}
			return Match{}, err
		}

		select {
		case <-c.notify:
		case <-deadline:
			return Match{}, &serrors.Error{
				Code:    serrors.ErrExpectTimeout,
				Message: "timed out after " + timeout.String() + " waiting for pattern",
				Host:    c.name,
				Output:  unread,
				Context: map[string]interface{}{"patterns": patternList(patterns)},
			}
		case <-ctx.Done():
			return Match{}, ctx.Err()
		}
	}
}

// match must be called with c.mu held. On success the consumed bytes are
// removed from the buffer.
func (c *Channel) match(patterns []*regexp.Regexp) (Match, bool) {
	best, bestLoc := -1, []int(nil)
	for i, re := range patterns {
		loc := re.FindSubmatchIndex(c.buf)
		if loc == nil {
			continue
		}
		if best == -1 || loc[0] < bestLoc[0] {
			best, bestLoc = i, loc
		}
	}
	if best == -1 {
		return Match{}, false
	}

	end := bestLoc[1]
	text := string(c.buf[:end])
	m := Match{
		Index:   best,
		Text:    text,
		Before:  text[:bestLoc[0]],
		Matched: text[bestLoc[0]:end],
	}
	for g := 0; g+1 < len(bestLoc); g += 2 {
		if bestLoc[g] < 0 {
			m.Groups = append(m.Groups, "")
			continue
		}
		m.Groups = append(m.Groups, text[bestLoc[g]:bestLoc[g+1]])
	}

	rest := make([]byte, len(c.buf)-end)
	copy(rest, c.buf[end:])
	c.buf = rest
	return m, true
}

// Send writes line followed by the line terminator.
func (c *Channel) Send(line string) error {
	if c.readOnly != nil && c.readOnly.MatchString(line) {
		c.log.Debugw("send", "command", line)
	} else {
		c.log.Infow("send", "command", line)
	}
	return c.write(line+c.eol, line+c.eol)
}

// SendSecret writes a line that must not appear in logs or transcripts.
func (c *Channel) SendSecret(line string) error {
	c.log.Debugw("send", "command", "********")
	return c.write(line+c.eol, "********"+c.eol)
}

// SendRaw writes s as-is, without a line terminator.
func (c *Channel) SendRaw(s string) error {
	c.log.Debugw("send raw", "data", s)
	return c.write(s, s)
}

// SendControl sends the control character for key, e.g. 'c' for Ctrl-C.
func (c *Channel) SendControl(key rune) error {
	k := strings.ToLower(string(key))
	if len(k) != 1 || k[0] < 'a' || k[0] > 'z' {
		return serrors.Newf(serrors.ErrInvalidInput, "unsupported control key %q", key)
	}
	ctrl := string(rune(k[0] - 'a' + 1))
	c.log.Infow("send control", "key", "^"+strings.ToUpper(k))
	return c.write(ctrl, "^"+strings.ToUpper(k))
}

func (c *Channel) write(data, record string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.recorder != nil {
		c.recorder.RecordInput([]byte(record))
	}
	if _, err := io.WriteString(c.rw, data); err != nil {
		return &serrors.Error{
			Code:    serrors.ErrClosed,
			Message: "write to stream failed",
			Host:    c.name,
			Cause:   err,
		}
	}
	return nil
}

// Flush drains and returns whatever is currently buffered but unread. It
// never blocks on the transport.
func (c *Channel) Flush() string {
	c.mu.Lock()
	data := c.buf
	c.buf = nil
	c.mu.Unlock()

	if len(data) > 0 && c.recorder != nil {
		c.recorder.RecordOutput(data)
	}
	return string(data)
}

// Buffered returns a copy of the unread buffer without consuming it.
func (c *Channel) Buffered() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.buf)
}

// Closed reports whether the underlying stream has ended.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eof
}

// Close closes the transport. It is idempotent.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rw.Close()
	})
	return c.closeErr
}

func patternList(patterns []*regexp.Regexp) []string {
	out := make([]string, len(patterns))
	for i, p := range patterns {
		out[i] = p.String()
	}
	return out
}
