// Package lab wires the configuration, session registry and executor of one
// SUT lab together. It is the entry point for test code and for sutctl.
package lab

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	serrors "github.com/pvaduva/auto-test-sub005/errors"
	"github.com/pvaduva/auto-test-sub005/pkg/config"
	"github.com/pvaduva/auto-test-sub005/pkg/executor"
	"github.com/pvaduva/auto-test-sub005/pkg/logging"
	"github.com/pvaduva/auto-test-sub005/pkg/registry"
	"github.com/pvaduva/auto-test-sub005/pkg/session"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Active is the host key that stands for the active controller in Exec and
// ForEachHost.
const Active = "@active"

// Lab is one configured SUT lab.
type Lab struct {
	cfg      *config.Lab
	settings *config.Settings
	log      *zap.SugaredLogger
	runID    string

	registry *registry.Registry
	exec     *executor.Executor

	mu          sync.Mutex
	transcripts map[string]*logging.Transcript
}

// Option configures a Lab.
type Option func(*Lab) error

// WithConfigFile loads the lab from a YAML or JSON file.
func WithConfigFile(path string) Option {
	return func(l *Lab) error {
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		l.cfg = cfg
		return nil
	}
}

// WithConfig uses an already built lab description. Defaults are applied
// and it is validated.
func WithConfig(cfg *config.Lab) Option {
	return func(l *Lab) error {
		cfg.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			return err
		}
		l.cfg = cfg
		return nil
	}
}

// WithSettings applies environment overrides on top of the lab file.
func WithSettings(s config.Settings) Option {
	return func(l *Lab) error {
		l.settings = &s
		return nil
	}
}

// WithLogger sets the logger handed to every component.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(l *Lab) error {
		l.log = logging.OrNop(log)
		return nil
	}
}

// New builds a Lab. No connection is made until a host is used.
func New(opts ...Option) (*Lab, error) {
	l := &Lab{
		log:         logging.Nop(),
		runID:       uuid.NewString(),
		transcripts: make(map[string]*logging.Transcript),
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	if l.cfg == nil {
		return nil, serrors.New(serrors.ErrConfiguration, "no lab configuration given")
	}
	if l.settings != nil {
		l.settings.Apply(l.cfg)
	}

	patterns, err := l.executorPatterns()
	if err != nil {
		return nil, err
	}
	t := l.cfg.Timeouts
	l.exec = executor.New(
		executor.WithLogger(l.log),
		executor.WithPatterns(patterns),
		executor.WithDefaultTimeout(t.Command.Std()),
		executor.WithInterruptTimeout(t.Interrupt.Std()),
	)
	l.registry = registry.New(l.NewSession,
		registry.WithLogger(l.log),
		registry.WithResolver(l.resolveActive),
		registry.WithConnectOptions(session.ConnectOptions{
			Timeout:       t.Connect.Std(),
			Retry:         true,
			RetryTimeout:  t.RetryTimeout.Std(),
			RetryInterval: t.RetryInterval.Std(),
		}),
	)
	l.log.Infow("lab ready", "lab", l.cfg.Name, "hosts", len(l.cfg.Hosts), "run", l.runID)
	return l, nil
}

func (l *Lab) executorPatterns() (executor.Patterns, error) {
	p := l.cfg.Patterns
	var out executor.Patterns
	out.ExitStatusCommand = p.ExitStatusCommand
	for _, c := range []struct {
		tmpl string
		dst  **regexp.Regexp
	}{
		{p.ExitStatus, &out.ExitStatus},
		{p.DateBanner, &out.DateBanner},
		{p.SudoPassword, &out.SudoPassword},
	} {
		re, err := config.Compile(c.tmpl, config.Vars{})
		if err != nil {
			return out, err
		}
		*c.dst = re
	}
	return out, nil
}

// Config returns the lab description in use.
func (l *Lab) Config() *config.Lab { return l.cfg }

// Registry returns the session registry.
func (l *Lab) Registry() *registry.Registry { return l.registry }

// Executor returns the command executor.
func (l *Lab) Executor() *executor.Executor { return l.exec }

// RunID identifies this Lab in transcripts.
func (l *Lab) RunID() string { return l.runID }

// NewSession builds an unconnected session for a lab host. It is the
// registry factory and can be used directly for sessions outside the
// registry.
func (l *Lab) NewSession(key string) (session.Session, error) {
	h, err := l.cfg.Host(key)
	if err != nil {
		return nil, err
	}
	cfg, err := l.sessionConfig(h)
	if err != nil {
		return nil, err
	}

	opts := []session.Option{session.WithLogger(l.log)}
	tr, err := l.transcript(key)
	if err != nil {
		return nil, err
	}
	if tr != nil {
		opts = append(opts, session.WithTranscript(tr))
	}

	switch h.Transport {
	case config.TransportTelnet:
		return session.NewTelnet(cfg, opts...), nil
	default:
		return session.NewSSH(cfg, opts...), nil
	}
}

func (l *Lab) sessionConfig(h config.Host) (session.Config, error) {
	vars := l.cfg.Vars(h)
	p := l.cfg.Patterns

	compiled := make(map[string]*regexp.Regexp, 5)
	for name, tmpl := range map[string]string{
		"prompt":   l.cfg.PromptTemplate(h),
		"login":    p.LoginPrompt,
		"password": p.PasswordPrompt,
		"failed":   p.LoginFailed,
		"readOnly": p.ReadOnly,
	} {
		re, err := config.Compile(tmpl, vars)
		if err != nil {
			return session.Config{}, serrors.WithContext(err, map[string]interface{}{"host": h.Key})
		}
		compiled[name] = re
	}

	return session.Config{
		Host:           h.Key,
		Address:        h.Address,
		Port:           h.Port,
		User:           h.User,
		Password:       h.Password,
		KeyFile:        h.KeyFile,
		KeyPassphrase:  h.KeyPassphrase,
		UseAgent:       h.UseAgent,
		KnownHostsFile: h.KnownHostsFile,
		Prompt:         compiled["prompt"],
		LoginPrompt:    compiled["login"],
		PasswordPrompt: compiled["password"],
		LoginFailed:    compiled["failed"],
		ReadOnly:       compiled["readOnly"],
	}, nil
}

// transcript returns the host transcript, opening it on first use. One
// transcript spans every session and reconnect of the host.
func (l *Lab) transcript(key string) (*logging.Transcript, error) {
	if l.cfg.TranscriptDir == "" {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.transcripts[key]; ok {
		return t, nil
	}
	t, err := logging.OpenTranscript(l.cfg.TranscriptDir, key, l.runID)
	if err != nil {
		return nil, serrors.Wrap(err, serrors.ErrConfiguration, "failed to open transcript")
	}
	l.transcripts[key] = t
	return t, nil
}

// Session returns the registry session for key; Active names the active
// controller.
func (l *Lab) Session(ctx context.Context, key string) (session.Session, error) {
	if key == Active || key == "" {
		return l.registry.GetActive(ctx)
	}
	return l.registry.Get(ctx, key)
}

// Exec runs command on key.
func (l *Lab) Exec(ctx context.Context, key, command string, opts executor.Options) (executor.Result, error) {
	sess, err := l.Session(ctx, key)
	if err != nil {
		return executor.Result{Command: command, Host: key, ExitStatus: -1}, err
	}
	return l.exec.Execute(ctx, sess, command, opts)
}

// SourceAdmin sources the credentials file on sess and switches it to the
// admin prompt.
func (l *Lab) SourceAdmin(ctx context.Context, sess session.Session) error {
	h, err := l.cfg.Host(sess.Host())
	if err != nil {
		return err
	}
	admin, err := config.Compile(l.cfg.AdminPromptTemplate(h), l.cfg.Vars(h))
	if err != nil {
		return err
	}
	_, err = l.exec.SourceCredentials(ctx, sess, l.cfg.Patterns.CredentialsFile, admin)
	return err
}

// resolveActive asks the floating controller for its hostname.
func (l *Lab) resolveActive(ctx context.Context, r *registry.Registry) (string, error) {
	a := l.cfg.Active
	if a.Host == "" {
		return "", serrors.Newf(serrors.ErrConfiguration, "lab %q has no active controller host", l.cfg.Name)
	}
	sess, err := r.Get(ctx, a.Host)
	if err != nil {
		return "", err
	}
	res, err := l.exec.Execute(ctx, sess, a.HostnameCommand, executor.Options{})
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(res.Output)
	key := l.cfg.ResolveHostname(name)
	if _, err := l.cfg.Host(key); err != nil {
		l.log.Infow("active controller has no dedicated host entry, using floating host", "hostname", name, "host", a.Host)
		return a.Host, nil
	}
	return key, nil
}

// ForEachHost runs fn on every key in parallel, at most Parallelism at a
// time. Active is resolved first and keys naming the same host run once,
// each under its registry entry so no session has two users. Every host
// runs even when others fail; the failures are joined.
func (l *Lab) ForEachHost(ctx context.Context, keys []string, fn func(ctx context.Context, sess session.Session) error) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	fail := func(key string, err error) {
		l.log.Warnw("host operation failed", "host", key, "error", err)
		mu.Lock()
		errs = append(errs, fmt.Errorf("%s: %w", key, err))
		mu.Unlock()
	}
	if n := l.cfg.Parallelism; n > 0 {
		g.SetLimit(n)
	}

	for _, key := range l.resolveKeys(ctx, keys, fail) {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				fail(key, err)
				return nil
			}
			err := l.registry.With(ctx, key, func(sess session.Session) error {
				return fn(ctx, sess)
			})
			if err != nil {
				fail(key, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// resolveKeys replaces Active by the active controller's key and drops
// duplicates, keeping the first position of each host.
func (l *Lab) resolveKeys(ctx context.Context, keys []string, fail func(string, error)) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if key == Active {
			k, err := l.registry.ActiveKey(ctx)
			if err != nil {
				fail(key, err)
				continue
			}
			key = k
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	return out
}

// Close closes every session and transcript.
func (l *Lab) Close() error {
	errs := []error{l.registry.CloseAll()}

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, t := range l.transcripts {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("transcript %s: %w", key, err))
		}
		delete(l.transcripts, key)
	}
	return errors.Join(errs...)
}
