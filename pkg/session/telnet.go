package session

import (
	"context"
	"io"
	"net"
	"regexp"
	"strconv"
	"sync"
	"time"

	serrors "github.com/pvaduva/auto-test-sub005/errors"
	"github.com/pvaduva/auto-test-sub005/pkg/expect"
	"github.com/ziutek/telnet"
)

// Fallback login patterns for consoles that do not configure their own.
var (
	defaultLoginPrompt    = regexp.MustCompile(`login:\s*$`)
	defaultPasswordPrompt = regexp.MustCompile(`[Pp]assword:\s*$`)
	defaultLoginFailed    = regexp.MustCompile(`Login incorrect`)
)

// Telnet is a Session over a TELNET console, usually a serial console
// server in front of the host.
type Telnet struct {
	*Remote
}

// NewTelnet builds a TELNET session. Port defaults to 23.
func NewTelnet(cfg Config, opts ...Option) *Telnet {
	if cfg.Port == 0 {
		cfg.Port = 23
	}
	return &Telnet{Remote: NewWithTransport(KindTelnet, cfg, &telnetTransport{cfg: cfg}, opts...)}
}

type telnetTransport struct {
	cfg Config

	mu   sync.Mutex
	conn *telnet.Conn
}

func (t *telnetTransport) Open(ctx context.Context, timeout time.Duration) (io.ReadWriteCloser, error) {
	addr := net.JoinHostPort(t.cfg.Address, strconv.Itoa(t.cfg.Port))
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	conn, err := telnet.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, &serrors.Error{
			Code:    serrors.ErrConnection,
			Message: "failed to dial TELNET",
			Host:    t.cfg.Host,
			Cause:   err,
			Context: map[string]interface{}{"address": addr},
		}
	}
	conn.SetUnixWriteMode(true)

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return conn, nil
}

// Login nudges the console with an empty line, then answers login and
// password prompts until the shell prompt shows up. A console that is
// already logged in goes straight to the prompt.
func (t *telnetTransport) Login(ctx context.Context, ch *expect.Channel, prompt *regexp.Regexp, timeout time.Duration) error {
	if prompt == nil {
		return serrors.New(serrors.ErrConfiguration, "no prompt pattern configured")
	}
	loginRe := orDefault(t.cfg.LoginPrompt, defaultLoginPrompt)
	passwordRe := orDefault(t.cfg.PasswordPrompt, defaultPasswordPrompt)
	failedRe := orDefault(t.cfg.LoginFailed, defaultLoginFailed)

	const (
		idxFailed = iota
		idxLogin
		idxPassword
		idxPrompt
	)
	patterns := []*regexp.Regexp{failedRe, loginRe, passwordRe, prompt}

	if err := ch.Send(""); err != nil {
		return serrors.Wrap(err, serrors.ErrConnection, "failed to wake console")
	}

	deadline := time.Now().Add(timeout)
	sentUser, sentPassword := false, false
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			remaining = time.Millisecond
		}
		m, err := ch.Expect(ctx, patterns, remaining)
		if err != nil {
			return serrors.Wrap(err, serrors.ErrConnection, "console login did not complete")
		}

		switch m.Index {
		case idxFailed:
			return &serrors.Error{
				Code:    serrors.ErrAuthentication,
				Message: "console rejected credentials",
				Host:    t.cfg.Host,
				Output:  m.Text,
				Context: map[string]interface{}{"user": t.cfg.User},
			}
		case idxLogin:
			// A second login prompt after sending both means the password was wrong
			// on a console that prints no failure banner.
			if sentUser && sentPassword {
				return &serrors.Error{
					Code:    serrors.ErrAuthentication,
					Message: "console asked for login again",
					Host:    t.cfg.Host,
					Output:  m.Text,
					Context: map[string]interface{}{"user": t.cfg.User},
				}
			}
			if err := ch.Send(t.cfg.User); err != nil {
				return serrors.Wrap(err, serrors.ErrConnection, "failed to send user")
			}
			sentUser, sentPassword = true, false
		case idxPassword:
			if err := ch.SendSecret(t.cfg.Password); err != nil {
				return serrors.Wrap(err, serrors.ErrConnection, "failed to send password")
			}
			sentPassword = true
		case idxPrompt:
			return nil
		}
	}
}

func (t *telnetTransport) Teardown() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func orDefault(re, def *regexp.Regexp) *regexp.Regexp {
	if re != nil {
		return re
	}
	return def
}
