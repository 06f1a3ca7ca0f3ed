package executor

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	serrors "github.com/pvaduva/auto-test-sub005/errors"
	"github.com/pvaduva/auto-test-sub005/pkg/session"
	"github.com/pvaduva/auto-test-sub005/pkg/table"
	"github.com/pvaduva/auto-test-sub005/pkg/wait"
)

// ExecSudo runs command through sudo and answers the password question.
// A command already starting with "sudo " is not prefixed again.
func (e *Executor) ExecSudo(ctx context.Context, sess session.Session, command, password string, opts Options) (Result, error) {
	if !strings.HasPrefix(command, "sudo ") {
		command = "sudo " + command
	}
	opts.Answers = append(opts.Answers, Answer{
		Pattern: e.patterns.SudoPassword,
		Reply:   password,
		Secret:  true,
	})
	return e.Execute(ctx, sess, command, opts)
}

// SourceCredentials sources an rc file that changes the shell prompt, e.g.
// the keystone admin credentials. On success the session prompt becomes
// admin; on failure the previous prompt is restored.
func (e *Executor) SourceCredentials(ctx context.Context, sess session.Session, path string, admin *regexp.Regexp) (Result, error) {
	orig := sess.Prompt()
	either, err := regexp.Compile(fmt.Sprintf(`(?:%s)|(?:%s)`, admin.String(), orig.String()))
	if err != nil {
		return Result{}, serrors.Wrap(err, serrors.ErrInvalidInput, "cannot combine prompts")
	}

	sess.SetPrompt(either)
	res, err := e.Execute(ctx, sess, "source "+path, Options{})
	if err != nil {
		sess.SetPrompt(orig)
		return res, err
	}
	sess.SetPrompt(admin)
	e.log.Infow("sourced credentials", "host", sess.Host(), "path", path)
	return res, nil
}

// WaitForOutput re-runs command until its output matches re. Failing runs
// count as unsatisfied polls.
func (e *Executor) WaitForOutput(ctx context.Context, sess session.Session, command string, re *regexp.Regexp, interval, timeout time.Duration, opts Options) (Result, bool, error) {
	opts.FailOk = true
	return wait.For(ctx, wait.Spec[Result]{
		Getter: func(ctx context.Context) (Result, error) {
			return e.Execute(ctx, sess, command, opts)
		},
		Satisfied: func(r Result) bool {
			return !r.TimedOut && re.MatchString(r.Output)
		},
		Interval:    interval,
		Timeout:     timeout,
		Description: fmt.Sprintf("%q output to match %q", command, re.String()),
		Logger:      e.log,
	})
}

// FileExists reports whether path is a regular file on the host.
func (e *Executor) FileExists(ctx context.Context, sess session.Session, path string) (bool, error) {
	res, err := e.Execute(ctx, sess, "test -f "+Quote(path), Options{FailOk: true})
	if err != nil {
		return false, err
	}
	switch res.ExitStatus {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, &serrors.Error{
			Code:    serrors.ErrUnexpectedExit,
			Message: fmt.Sprintf("test exited with status %d", res.ExitStatus),
			Op:      "file exists",
			Host:    res.Host,
			Command: res.Command,
			Output:  res.Output,
		}
	}
}

// Hostname returns the host's own name.
func (e *Executor) Hostname(ctx context.Context, sess session.Session) (string, error) {
	res, err := e.Execute(ctx, sess, "hostname", Options{})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Output), nil
}

// Table runs a CLI command and parses its ASCII table output.
func (e *Executor) Table(ctx context.Context, sess session.Session, command string, opts Options, parseOpts ...table.Option) (*table.Table, Result, error) {
	res, err := e.Execute(ctx, sess, command, opts)
	if err != nil {
		return nil, res, err
	}
	t, err := table.Parse(res.Output, parseOpts...)
	if err != nil {
		return nil, res, serrors.WithOp(serrors.WithCommand(err, res.Host, command, ""), "table")
	}
	return t, res, nil
}

// Quote single-quotes s for a POSIX shell unless it only holds characters
// that never need quoting.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	unsafe := strings.IndexFunc(s, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return false
		}
		return !strings.ContainsRune("-_./@:,+=", r)
	})
	if unsafe == -1 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
