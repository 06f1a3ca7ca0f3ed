package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	serrors "github.com/pvaduva/auto-test-sub005/errors"
	"github.com/pvaduva/auto-test-sub005/pkg/expect"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSH is a Session over an SSH PTY shell.
type SSH struct {
	*Remote
	tr *sshTransport
}

// NewSSH builds an SSH session. Port defaults to 22.
func NewSSH(cfg Config, opts ...Option) *SSH {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	tr := &sshTransport{cfg: cfg}
	return &SSH{
		Remote: NewWithTransport(KindSSH, cfg, tr, opts...),
		tr:     tr,
	}
}

// Client returns the underlying SSH client of the current connection.
func (s *SSH) Client() (*ssh.Client, error) {
	s.tr.mu.Lock()
	defer s.tr.mu.Unlock()
	if s.tr.client == nil {
		return nil, &serrors.Error{
			Code:    serrors.ErrBrokenSession,
			Message: "ssh client is not connected",
			Host:    s.Host(),
		}
	}
	return s.tr.client, nil
}

type sshTransport struct {
	cfg Config

	mu        sync.Mutex
	client    *ssh.Client
	session   *ssh.Session
	agentConn net.Conn
}

func (t *sshTransport) clientConfig(timeout time.Duration) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if t.cfg.KeyFile != "" {
		key, err := os.ReadFile(t.cfg.KeyFile)
		if err != nil {
			return nil, serrors.Wrap(err, serrors.ErrConfiguration, fmt.Sprintf("failed to read key file %s", t.cfg.KeyFile))
		}
		var signer ssh.Signer
		if t.cfg.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(t.cfg.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(key)
		}
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, serrors.Newf(serrors.ErrConfiguration, "key file %s is encrypted and no passphrase is configured", t.cfg.KeyFile)
		}
		if err != nil {
			return nil, serrors.Wrap(err, serrors.ErrConfiguration, fmt.Sprintf("failed to parse key file %s", t.cfg.KeyFile))
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if t.cfg.Password != "" {
		password := t.cfg.Password
		auth = append(auth,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if t.cfg.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			if conn, err := net.Dial("unix", sock); err == nil {
				t.mu.Lock()
				t.agentConn = conn
				t.mu.Unlock()
				auth = append(auth, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			}
		}
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if t.cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(t.cfg.KnownHostsFile)
		if err != nil {
			return nil, serrors.Wrap(err, serrors.ErrConfiguration, "failed to load known hosts")
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            t.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

func (t *sshTransport) Open(ctx context.Context, timeout time.Duration) (io.ReadWriteCloser, error) {
	config, err := t.clientConfig(timeout)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(t.cfg.Address, strconv.Itoa(t.cfg.Port))
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &serrors.Error{
			Code:    serrors.ErrConnection,
			Message: "failed to dial SSH",
			Host:    t.cfg.Host,
			Cause:   err,
			Context: map[string]interface{}{"address": addr},
		}
	}

	// The handshake has no context of its own.
	_ = conn.SetDeadline(time.Now().Add(timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		code := serrors.ErrConnection
		if strings.Contains(err.Error(), "unable to authenticate") {
			code = serrors.ErrAuthentication
		}
		return nil, &serrors.Error{
			Code:    code,
			Message: "SSH handshake failed",
			Host:    t.cfg.Host,
			Cause:   err,
			Context: map[string]interface{}{"address": addr, "user": t.cfg.User},
		}
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(c, chans, reqs)

	sess, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, serrors.Wrap(err, serrors.ErrConnection, "failed to create SSH session")
	}

	width, height := t.cfg.TermWidth, t.cfg.TermHeight
	if width <= 0 {
		width = DefaultTermWidth
	}
	if height <= 0 {
		height = DefaultTermHeight
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("vt100", height, width, modes); err != nil {
		_ = sess.Close()
		_ = client.Close()
		return nil, serrors.Wrap(err, serrors.ErrConnection, "failed to request pty")
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		_ = client.Close()
		return nil, serrors.Wrap(err, serrors.ErrConnection, "failed to get stdin pipe")
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		_ = client.Close()
		return nil, serrors.Wrap(err, serrors.ErrConnection, "failed to get stdout pipe")
	}
	if err := sess.Shell(); err != nil {
		_ = sess.Close()
		_ = client.Close()
		return nil, serrors.Wrap(err, serrors.ErrConnection, "failed to start shell")
	}

	t.mu.Lock()
	t.client = client
	t.session = sess
	t.mu.Unlock()

	return &sshStream{Reader: stdout, stdin: stdin, close: t.Teardown}, nil
}

// Login waits for the first prompt; authentication already happened in the
// SSH handshake.
func (t *sshTransport) Login(ctx context.Context, ch *expect.Channel, prompt *regexp.Regexp, timeout time.Duration) error {
	if prompt == nil {
		return serrors.New(serrors.ErrConfiguration, "no prompt pattern configured")
	}
	if _, err := ch.Expect(ctx, []*regexp.Regexp{prompt}, timeout); err != nil {
		return serrors.Wrap(err, serrors.ErrConnection, "shell prompt not seen after login")
	}
	return nil
}

func (t *sshTransport) Teardown() error {
	t.mu.Lock()
	sess, client, ag := t.session, t.client, t.agentConn
	t.session, t.client, t.agentConn = nil, nil, nil
	t.mu.Unlock()

	if ag != nil {
		_ = ag.Close()
	}
	if sess != nil {
		_ = sess.Close()
	}
	if client != nil {
		return client.Close()
	}
	return nil
}

type sshStream struct {
	io.Reader
	stdin io.WriteCloser
	close func() error
}

func (s *sshStream) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *sshStream) Close() error {
	_ = s.stdin.Close()
	return s.close()
}
