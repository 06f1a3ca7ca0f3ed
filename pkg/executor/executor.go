// Package executor runs shell commands on a session and turns the raw
// terminal exchange into clean output and an exit status.
//
// The protocol per command is: discard stale output, send the command,
// expect the prompt (or a custom terminator), strip the echoed command line
// and an optional trailing date banner, then probe the exit status with a
// sentinel command. A session that breaks anywhere in the sequence is
// reconnected once and the whole sequence is retried.
package executor

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	serrors "github.com/pvaduva/auto-test-sub005/errors"
	"github.com/pvaduva/auto-test-sub005/pkg/logging"
	"github.com/pvaduva/auto-test-sub005/pkg/session"
	"go.uber.org/zap"
)

// Outcome classifies an exit status.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRejected
	OutcomeUnexpected
	OutcomeUnknown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRejected:
		return "rejected"
	case OutcomeUnexpected:
		return "unexpected"
	default:
		return "unknown"
	}
}

// Matcher maps an exit status to an Outcome. Status -1 means the status
// was not probed or could not be read.
type Matcher func(status int) Outcome

// DefaultMatcher: 0 is success, 1 is a rejection by the SUT, anything else
// is unexpected.
func DefaultMatcher(status int) Outcome {
	switch {
	case status < 0:
		return OutcomeUnknown
	case status == 0:
		return OutcomeSuccess
	case status == 1:
		return OutcomeRejected
	default:
		return OutcomeUnexpected
	}
}

// Answer replies to a question the command may print before completing.
type Answer struct {
	Pattern *regexp.Regexp
	Reply   string
	// Secret masks Reply in logs and transcripts.
	Secret bool
}

// Options tunes one Execute call. The zero value is valid:
//   - Timeout: the executor default (60s unless configured)
//   - FailOk false: rejected, unexpected and timed-out commands are errors
//   - the exit status is probed with the sentinel command
//   - the session prompt ends the output
//   - DefaultMatcher classifies the status
//   - a timed-out command is interrupted with Ctrl-C
//   - a trailing date banner is stripped
type Options struct {
	Timeout time.Duration
	// FailOk returns non-success outcomes and timeouts as values.
	FailOk bool
	// SkipExitStatus leaves ExitStatus at -1.
	SkipExitStatus bool
	// Terminator ends the output instead of the prompt. The shell is not at
	// a prompt afterwards, so the exit status is not probed.
	Terminator *regexp.Regexp
	Matcher    Matcher
	// NoInterrupt leaves a timed-out command running.
	NoInterrupt    bool
	KeepDateBanner bool
	// Answers are replied to whenever their pattern shows up before the
	// prompt.
	Answers []Answer
}

// Result is the outcome of one command.
type Result struct {
	Command string
	Host    string
	// ExitStatus is -1 when unknown.
	ExitStatus int
	Outcome    Outcome
	// Output excludes the echoed command and the prompt.
	Output       string
	DateStripped bool
	TimedOut     bool
	// Raw is the captured text before stripping.
	Raw string

	// statusOutput is what the exit status command printed when no status
	// could be read from it.
	statusOutput string
}

// Patterns holds the shell conventions the executor relies on.
type Patterns struct {
	// ExitStatusCommand prints the status of the previous command.
	ExitStatusCommand string
	// ExitStatus extracts the status from that command's output.
	ExitStatus *regexp.Regexp
	// DateBanner matches a date line some shells print after each command.
	DateBanner *regexp.Regexp
	// SudoPassword matches the sudo password question.
	SudoPassword *regexp.Regexp
}

// DefaultPatterns returns the conventions of a bash shell on the SUT.
func DefaultPatterns() Patterns {
	return Patterns{
		ExitStatusCommand: "echo $?",
		ExitStatus:        regexp.MustCompile(`(?m)^\s*(\d+)\s*$`),
		DateBanner:        regexp.MustCompile(`^[A-Z][a-z]{2}\s+[A-Z][a-z]{2}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2}(\.\d+)?\s+\S+\s+\d{4}$`),
		SudoPassword:      regexp.MustCompile(`\[sudo\] password for [^:\r\n]*:\s*`),
	}
}

const (
	DefaultTimeout          = 60 * time.Second
	defaultInterruptTimeout = 5 * time.Second
	defaultStatusTimeout    = 10 * time.Second
)

// Executor runs commands. It is stateless apart from its configuration and
// safe for concurrent use on different sessions.
type Executor struct {
	patterns         Patterns
	timeout          time.Duration
	interruptTimeout time.Duration
	log              *zap.SugaredLogger
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Executor) { e.log = logging.OrNop(l) }
}

// WithPatterns replaces the shell conventions. Nil fields keep defaults.
func WithPatterns(p Patterns) Option {
	return func(e *Executor) {
		if p.ExitStatusCommand != "" {
			e.patterns.ExitStatusCommand = p.ExitStatusCommand
		}
		if p.ExitStatus != nil {
			e.patterns.ExitStatus = p.ExitStatus
		}
		if p.DateBanner != nil {
			e.patterns.DateBanner = p.DateBanner
		}
		if p.SudoPassword != nil {
			e.patterns.SudoPassword = p.SudoPassword
		}
	}
}

// WithDefaultTimeout sets the timeout used when Options.Timeout is zero.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithInterruptTimeout bounds the wait for the prompt after Ctrl-C.
func WithInterruptTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.interruptTimeout = d
		}
	}
}

// New creates an Executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		patterns:         DefaultPatterns(),
		timeout:          DefaultTimeout,
		interruptTimeout: defaultInterruptTimeout,
		log:              logging.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.Named("executor")
	return e
}

// Patterns returns the shell conventions in use.
func (e *Executor) Patterns() Patterns { return e.patterns }

func (e *Executor) resolve(opts Options) Options {
	if opts.Timeout <= 0 {
		opts.Timeout = e.timeout
	}
	if opts.Matcher == nil {
		opts.Matcher = DefaultMatcher
	}
	if opts.Terminator != nil {
		opts.SkipExitStatus = true
	}
	return opts
}

// Execute runs command on sess.
func (e *Executor) Execute(ctx context.Context, sess session.Session, command string, opts Options) (Result, error) {
	opts = e.resolve(opts)

	res, err := e.run(ctx, sess, command, opts)
	if err != nil && serrors.IsBrokenSession(err) {
		e.log.Warnw("session broken, reconnecting once", "host", sess.Host(), "command", command, "error", err)
		if rerr := sess.Reconnect(ctx); rerr != nil {
			return res, &serrors.Error{
				Code:    serrors.ErrBrokenSession,
				Message: "session broken and reconnect failed",
				Op:      "execute",
				Host:    sess.Host(),
				Command: command,
				Output:  serrors.GetOutput(err),
				Cause:   rerr,
			}
		}
		res, err = e.run(ctx, sess, command, opts)
		if err != nil && serrors.IsBrokenSession(err) {
			return res, serrors.WithOp(serrors.WithCommand(
				serrors.Wrap(err, serrors.ErrBrokenSession, "session broken again after reconnect"),
				sess.Host(), command, ""), "execute")
		}
	}
	if err != nil {
		if res.TimedOut && opts.FailOk {
			return res, nil
		}
		return res, serrors.WithOp(err, "execute")
	}
	return e.classify(res, opts)
}

// classify maps the exit status to an Outcome. A status that was probed
// but could not be read is unexpected; only an unprobed status is unknown.
func (e *Executor) classify(res Result, opts Options) (Result, error) {
	unreadable := !opts.SkipExitStatus && res.ExitStatus < 0
	if unreadable {
		res.Outcome = OutcomeUnexpected
	} else {
		res.Outcome = opts.Matcher(res.ExitStatus)
	}
	if opts.FailOk {
		return res, nil
	}

	var code serrors.ErrorCode
	switch res.Outcome {
	case OutcomeRejected:
		code = serrors.ErrExecutionRejected
	case OutcomeUnexpected:
		code = serrors.ErrUnexpectedExit
	default:
		return res, nil
	}
	err := &serrors.Error{
		Code:    code,
		Message: fmt.Sprintf("command exited with status %d", res.ExitStatus),
		Op:      "execute",
		Host:    res.Host,
		Command: res.Command,
		Output:  res.Output,
		Context: map[string]interface{}{"exit_status": res.ExitStatus},
	}
	if unreadable {
		err.Message = "exit status could not be read"
		err.Context["status_output"] = res.statusOutput
	}
	return res, err
}

func (e *Executor) run(ctx context.Context, sess session.Session, command string, opts Options) (Result, error) {
	res := Result{
		Command:    command,
		Host:       sess.Host(),
		ExitStatus: -1,
		Outcome:    OutcomeUnknown,
	}

	sess.Begin()
	defer sess.End()

	if stale := sess.Flush(); stale != "" {
		e.log.Debugw("discarded stale output", "host", res.Host, "bytes", len(stale))
	}

	if err := sess.Send(command); err != nil {
		return res, serrors.WithCommand(err, res.Host, command, "")
	}

	end := opts.Terminator
	if end == nil {
		end = sess.Prompt()
	}
	raw, replies, err := e.collect(ctx, sess, end, opts)
	res.Raw = raw
	res.Output, res.DateStripped = e.strip(raw, replies, opts.KeepDateBanner)
	if err != nil {
		if serrors.IsTimeout(err) {
			res.TimedOut = true
			e.log.Warnw("command timed out", "host", res.Host, "command", command, "timeout", opts.Timeout)
			if !opts.NoInterrupt {
				e.interrupt(ctx, sess)
			}
		}
		return res, serrors.WithCommand(err, res.Host, command, raw)
	}

	if opts.SkipExitStatus {
		return res, nil
	}
	status, probe, err := e.exitStatus(ctx, sess, opts.Timeout)
	if err != nil {
		return res, serrors.WithCommand(err, res.Host, command, res.Output)
	}
	res.ExitStatus = status
	if status < 0 {
		res.statusOutput = probe
	}
	return res, nil
}

// collect reads until end matches, replying to Answers on the way. It
// returns everything before end, including partial output on error, and
// the replies sent. Secret replies are not echoed and are reported as "".
func (e *Executor) collect(ctx context.Context, sess session.Session, end *regexp.Regexp, opts Options) (string, []string, error) {
	patterns := make([]*regexp.Regexp, 0, 1+len(opts.Answers))
	patterns = append(patterns, end)
	for _, a := range opts.Answers {
		patterns = append(patterns, a.Pattern)
	}

	var (
		b       strings.Builder
		replies []string
	)
	deadline := time.Now().Add(opts.Timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			remaining = time.Millisecond
		}
		m, err := sess.Expect(ctx, patterns, remaining)
		if err != nil {
			b.WriteString(serrors.GetOutput(err))
			return b.String(), replies, err
		}
		b.WriteString(m.Before)
		if m.Index == 0 {
			return b.String(), replies, nil
		}

		a := opts.Answers[m.Index-1]
		send, echo := sess.Send, a.Reply
		if a.Secret {
			send, echo = sess.SendSecret, ""
		}
		replies = append(replies, echo)
		// The question ends without a newline; the echoed reply completes
		// its line.
		b.WriteString("\n")
		if err := send(a.Reply); err != nil {
			return b.String(), replies, err
		}
	}
}

// strip removes the echoed command line, the echoed answer replies and a
// trailing date banner.
func (e *Executor) strip(raw string, replies []string, keepDate bool) (string, bool) {
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "")

	lines := strings.Split(text, "\n")
	if len(lines) > 0 {
		lines = lines[1:]
	}
	if len(replies) > 0 {
		lines = dropReplyEchoes(lines, replies)
		for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
			lines = lines[1:]
		}
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}

	stripped := false
	if !keepDate && e.patterns.DateBanner != nil && len(lines) > 0 {
		last := strings.TrimSpace(lines[len(lines)-1])
		if e.patterns.DateBanner.MatchString(last) {
			lines = lines[:len(lines)-1]
			stripped = true
		}
	}
	return strings.Join(lines, "\n"), stripped
}

// dropReplyEchoes removes, in order, the first line equal to each
// non-secret reply. Secret replies are not echoed by the shell.
func dropReplyEchoes(lines, replies []string) []string {
	out := make([]string, 0, len(lines))
	i := 0
	for _, l := range lines {
		for i < len(replies) && replies[i] == "" {
			i++
		}
		if i < len(replies) && strings.TrimSpace(l) == replies[i] {
			i++
			continue
		}
		out = append(out, l)
	}
	return out
}

// interrupt sends Ctrl-C and discards everything up to the next prompt.
func (e *Executor) interrupt(ctx context.Context, sess session.Session) {
	if err := sess.SendControl('c'); err != nil {
		return
	}
	if _, err := sess.Expect(ctx, []*regexp.Regexp{sess.Prompt()}, e.interruptTimeout); err != nil {
		e.log.Debugw("no prompt after interrupt", "host", sess.Host(), "error", err)
	}
	sess.Flush()
}

// exitStatus runs the status command. It returns -1 and the command's
// output when no status can be read from it.
func (e *Executor) exitStatus(ctx context.Context, sess session.Session, timeout time.Duration) (int, string, error) {
	if timeout > defaultStatusTimeout {
		timeout = defaultStatusTimeout
	}
	if err := sess.Send(e.patterns.ExitStatusCommand); err != nil {
		return -1, "", err
	}
	m, err := sess.Expect(ctx, []*regexp.Regexp{sess.Prompt()}, timeout)
	if err != nil {
		return -1, "", err
	}

	out, _ := e.strip(m.Before, nil, true)
	sm := e.patterns.ExitStatus.FindStringSubmatch(out)
	if len(sm) < 2 {
		e.log.Warnw("could not read exit status", "host", sess.Host(), "output", out)
		return -1, out, nil
	}
	status, err := strconv.Atoi(sm[1])
	if err != nil {
		e.log.Warnw("could not read exit status", "host", sess.Host(), "output", out)
		return -1, out, nil
	}
	return status, "", nil
}
