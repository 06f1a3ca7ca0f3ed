// Package session implements live interactive shells on SUT hosts over SSH
// and TELNET.
//
// A Session owns one transport and one expect.Channel on top of it. Its
// identity survives reconnects: Reconnect replaces the transport, keeps the
// same value and bumps Generation, so holders can tell a fresh shell from
// the one they cached.
package session

import (
	"context"
	"io"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	serrors "github.com/pvaduva/auto-test-sub005/errors"
	"github.com/pvaduva/auto-test-sub005/pkg/expect"
	"github.com/pvaduva/auto-test-sub005/pkg/logging"
	"go.uber.org/zap"
)

// Kind is the transport a session uses.
type Kind string

const (
	KindSSH    Kind = "ssh"
	KindTelnet Kind = "telnet"
)

// Default connection parameters
const (
	DefaultConnectTimeout = 60 * time.Second
	DefaultRetryTimeout   = 5 * time.Minute
	DefaultRetryInterval  = 10 * time.Second
	DefaultTermWidth      = 400
	DefaultTermHeight     = 80
)

// Session is a live interactive shell on one host.
type Session interface {
	// ID is unique per Session value and stable across reconnects.
	ID() string
	// Host is the host key used in logs, errors and transcripts.
	Host() string
	Kind() Kind

	Connect(ctx context.Context, opts ConnectOptions) error
	Reconnect(ctx context.Context) error
	Close() error

	Send(line string) error
	SendSecret(line string) error
	SendControl(key rune) error
	Expect(ctx context.Context, patterns []*regexp.Regexp, timeout time.Duration) (expect.Match, error)
	Flush() string

	SetPrompt(re *regexp.Regexp)
	Prompt() *regexp.Regexp

	State() State
	Generation() uint64
	// Begin marks the shell busy with a command; End returns it to Ready.
	Begin()
	End()
	OnStateChange(cb StateChangeCallback)
	Transitions() []Transition
}

// ConnectOptions controls Connect. The zero value connects once with
// DefaultConnectTimeout.
type ConnectOptions struct {
	// Timeout bounds one attempt: dial, handshake, login and first prompt.
	Timeout time.Duration
	// Retry re-attempts failed connects, except authentication failures.
	Retry bool
	// RetryTimeout bounds the whole retry loop.
	RetryTimeout time.Duration
	// RetryInterval is the fixed pause between attempts.
	RetryInterval time.Duration
}

func (o ConnectOptions) withDefaults() ConnectOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultConnectTimeout
	}
	if o.RetryTimeout <= 0 {
		o.RetryTimeout = DefaultRetryTimeout
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	return o
}

// Config describes how to reach and log into one host.
type Config struct {
	// Host is the logical host key, e.g. "controller-0".
	Host     string
	Address  string
	Port     int
	User     string
	Password string
	// KeyFile is an optional private key for SSH public key auth.
	KeyFile       string
	KeyPassphrase string
	// UseAgent adds the keys of the agent at SSH_AUTH_SOCK.
	UseAgent bool
	// KnownHostsFile enables SSH host key checking when set.
	KnownHostsFile string

	// Prompt matches the shell prompt at the end of the buffer.
	Prompt *regexp.Regexp
	// LoginPrompt, PasswordPrompt and LoginFailed drive TELNET login.
	LoginPrompt    *regexp.Regexp
	PasswordPrompt *regexp.Regexp
	LoginFailed    *regexp.Regexp
	// ReadOnly classifies sent commands for log verbosity.
	ReadOnly *regexp.Regexp

	// LineEnding terminates sent lines (default "\n").
	LineEnding string
	TermWidth  int
	TermHeight int
}

// Transport opens the byte stream of one host and performs login on it.
// Open and Login are called once per connect attempt; Teardown releases
// whatever Open created and must be safe to call repeatedly.
type Transport interface {
	Open(ctx context.Context, timeout time.Duration) (io.ReadWriteCloser, error)
	Login(ctx context.Context, ch *expect.Channel, prompt *regexp.Regexp, timeout time.Duration) error
	Teardown() error
}

// Option configures a Remote.
type Option func(*Remote)

// WithLogger sets the session logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Remote) { r.log = logging.OrNop(l) }
}

// WithTranscript mirrors all traffic of the session to t. The caller keeps
// ownership of t; Close does not close it so the transcript spans reconnects.
func WithTranscript(t *logging.Transcript) Option {
	return func(r *Remote) { r.transcript = t }
}

// Remote is the transport-independent Session implementation.
type Remote struct {
	id         string
	kind       Kind
	cfg        Config
	transport  Transport
	log        *zap.SugaredLogger
	transcript *logging.Transcript

	// connMu serializes Connect, Reconnect and Close.
	connMu   sync.Mutex
	lastOpts ConnectOptions

	mu     sync.RWMutex
	ch     *expect.Channel
	prompt *regexp.Regexp

	generation atomic.Uint64
	state      stateTracker
}

// NewWithTransport builds a Session over an arbitrary transport.
func NewWithTransport(kind Kind, cfg Config, tr Transport, opts ...Option) *Remote {
	r := &Remote{
		id:        uuid.NewString(),
		kind:      kind,
		cfg:       cfg,
		transport: tr,
		log:       logging.Nop(),
		prompt:    cfg.Prompt,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.Named("session").With("host", cfg.Host, "transport", string(kind))
	r.state.onChange(func(host string, from, to State) {
		r.log.Debugw("state change", "from", from.String(), "to", to.String())
		r.transcript.Note("state %s -> %s", from, to)
	})
	return r
}

func (r *Remote) ID() string   { return r.id }
func (r *Remote) Host() string { return r.cfg.Host }
func (r *Remote) Kind() Kind   { return r.kind }

// Config returns the connection settings of the session.
func (r *Remote) Config() Config { return r.cfg }

func (r *Remote) State() State { return r.state.get() }

func (r *Remote) Generation() uint64 { return r.generation.Load() }

func (r *Remote) OnStateChange(cb StateChangeCallback) { r.state.onChange(cb) }

func (r *Remote) Transitions() []Transition { return r.state.history() }

func (r *Remote) setState(s State, reason string) {
	r.state.set(r.cfg.Host, s, reason, r.generation.Load())
}

// Begin marks the session as executing a command.
func (r *Remote) Begin() {
	r.state.compareAndSet(r.cfg.Host, StateReady, StateExecuting, "command", r.generation.Load())
}

// End returns an executing session to Ready. A session that broke meanwhile
// stays Broken.
func (r *Remote) End() {
	r.state.compareAndSet(r.cfg.Host, StateExecuting, StateReady, "command done", r.generation.Load())
}

// SetPrompt replaces the prompt pattern used by later expects.
func (r *Remote) SetPrompt(re *regexp.Regexp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompt = re
}

// Prompt returns the current prompt pattern.
func (r *Remote) Prompt() *regexp.Regexp {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.prompt
}

func (r *Remote) channel() (*expect.Channel, error) {
	r.mu.RLock()
	ch := r.ch
	r.mu.RUnlock()
	if ch == nil {
		return nil, &serrors.Error{
			Code:    serrors.ErrBrokenSession,
			Message: "session is not connected",
			Host:    r.cfg.Host,
			Context: map[string]interface{}{"state": r.State().String()},
		}
	}
	return ch, nil
}

// Connect opens the transport, logs in and waits for the first prompt.
func (r *Remote) Connect(ctx context.Context, opts ConnectOptions) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	r.lastOpts = opts
	return r.connect(ctx, opts.withDefaults())
}

// Reconnect drops the current transport and connects again with the options
// of the last Connect. Generation is bumped on success.
func (r *Remote) Reconnect(ctx context.Context) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	r.log.Infow("reconnecting", "generation", r.generation.Load())
	return r.connect(ctx, r.lastOpts.withDefaults())
}

func (r *Remote) connect(ctx context.Context, opts ConnectOptions) error {
	r.teardown()

	var (
		err     error
		lastErr error
	)
	if !opts.Retry {
		err = r.attempt(ctx, opts.Timeout)
		lastErr = err
	} else {
		rctx, cancel := context.WithTimeout(ctx, opts.RetryTimeout)
		defer cancel()

		attempts := 0
		op := func() error {
			attempts++
			aerr := r.attempt(ctx, opts.Timeout)
			if aerr == nil {
				return nil
			}
			lastErr = aerr
			if serrors.IsAuthentication(aerr) {
				return backoff.Permanent(aerr)
			}
			return aerr
		}
		notify := func(err error, next time.Duration) {
			r.log.Warnw("connect failed, retrying", "attempt", attempts, "next", next, "error", err)
		}
		b := backoff.WithContext(backoff.NewConstantBackOff(opts.RetryInterval), rctx)
		err = backoff.RetryNotify(op, b, notify)
	}

	if err != nil {
		r.setState(StateDisconnected, "connect failed")
		if lastErr == nil {
			lastErr = err
		}
		if serrors.IsAuthentication(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &serrors.Error{
			Code:    serrors.ErrConnection,
			Message: "failed to connect",
			Op:      "connect",
			Host:    r.cfg.Host,
			Output:  serrors.GetOutput(lastErr),
			Cause:   lastErr,
			Context: map[string]interface{}{
				"address":   r.cfg.Address,
				"transport": string(r.kind),
			},
		}
	}

	gen := r.generation.Add(1)
	r.setState(StateReady, "connected")
	r.log.Infow("connected", "generation", gen)
	return nil
}

func (r *Remote) attempt(ctx context.Context, timeout time.Duration) error {
	r.setState(StateConnecting, "dial")
	rw, err := r.transport.Open(ctx, timeout)
	if err != nil {
		_ = r.transport.Teardown()
		return err
	}

	chOpts := []expect.Option{
		expect.WithLogger(r.log),
		expect.WithName(r.cfg.Host),
		expect.WithReadOnlyPattern(r.cfg.ReadOnly),
	}
	if r.transcript != nil {
		chOpts = append(chOpts, expect.WithRecorder(r.transcript))
	}
	if r.cfg.LineEnding != "" {
		chOpts = append(chOpts, expect.WithLineEnding(r.cfg.LineEnding))
	}
	ch := expect.New(rw, chOpts...)

	r.setState(StateAuthenticating, "login")
	if err := r.transport.Login(ctx, ch, r.Prompt(), timeout); err != nil {
		_ = ch.Close()
		_ = r.transport.Teardown()
		return err
	}

	r.mu.Lock()
	r.ch = ch
	r.mu.Unlock()
	return nil
}

// teardown must be called with connMu held.
func (r *Remote) teardown() {
	r.mu.Lock()
	ch := r.ch
	r.ch = nil
	r.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	if err := r.transport.Teardown(); err != nil {
		r.log.Debugw("transport teardown", "error", err)
	}
}

// Close releases the transport. It is idempotent; a closed session can be
// connected again.
func (r *Remote) Close() error {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	r.teardown()
	r.setState(StateDisconnected, "closed")
	return nil
}

// markBroken moves the session to Broken and builds the error reported to
// the caller.
func (r *Remote) markBroken(cause error, op string) error {
	r.setState(StateBroken, op+" failed")
	r.log.Warnw("session broken", "op", op, "error", cause)
	return &serrors.Error{
		Code:    serrors.ErrBrokenSession,
		Message: "transport lost",
		Op:      op,
		Host:    r.cfg.Host,
		Output:  serrors.GetOutput(cause),
		Cause:   cause,
	}
}

// Send writes one line to the shell.
func (r *Remote) Send(line string) error {
	ch, err := r.channel()
	if err != nil {
		return err
	}
	if err := ch.Send(line); err != nil {
		return r.markBroken(err, "send")
	}
	return nil
}

// SendSecret writes one line that is masked in logs and transcripts.
func (r *Remote) SendSecret(line string) error {
	ch, err := r.channel()
	if err != nil {
		return err
	}
	if err := ch.SendSecret(line); err != nil {
		return r.markBroken(err, "send")
	}
	return nil
}

// SendControl sends a control character such as Ctrl-C ('c').
func (r *Remote) SendControl(key rune) error {
	ch, err := r.channel()
	if err != nil {
		return err
	}
	if err := ch.SendControl(key); err != nil {
		if serrors.GetCode(err) == serrors.ErrInvalidInput {
			return err
		}
		return r.markBroken(err, "send control")
	}
	return nil
}

// Expect waits for one of patterns. Timeouts and cancellation leave the
// session usable; any other failure marks it Broken.
func (r *Remote) Expect(ctx context.Context, patterns []*regexp.Regexp, timeout time.Duration) (expect.Match, error) {
	ch, err := r.channel()
	if err != nil {
		return expect.Match{}, err
	}
	m, err := ch.Expect(ctx, patterns, timeout)
	if err == nil {
		return m, nil
	}
	switch {
	case serrors.IsTimeout(err), ctx.Err() != nil, serrors.GetCode(err) == serrors.ErrInvalidInput:
		return m, err
	default:
		return m, r.markBroken(err, "expect")
	}
}

// Flush discards and returns pending unread output.
func (r *Remote) Flush() string {
	ch, err := r.channel()
	if err != nil {
		return ""
	}
	return ch.Flush()
}

// Scoped connects s, runs fn and closes s whatever fn returns.
func Scoped(ctx context.Context, s Session, opts ConnectOptions, fn func(Session) error) (err error) {
	if err := s.Connect(ctx, opts); err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(s)
}
