package shelltest

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"regexp"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	serrors "github.com/pvaduva/auto-test-sub005/errors"
	"github.com/pvaduva/auto-test-sub005/pkg/expect"
	"golang.org/x/crypto/ssh"
)

// PipeTransport connects sessions to a Shell over net.Pipe. It satisfies
// session.Transport.
type PipeTransport struct {
	Shell *Shell
	// FailOpens makes the first n Open calls fail with a connection error.
	FailOpens int
	// AuthFail makes every Open fail with an authentication error.
	AuthFail bool

	mu    sync.Mutex
	opens int
	conn  net.Conn
}

// Opens reports how many times Open was called.
func (p *PipeTransport) Opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens
}

func (p *PipeTransport) Open(ctx context.Context, timeout time.Duration) (io.ReadWriteCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opens++
	if p.AuthFail {
		return nil, serrors.New(serrors.ErrAuthentication, "permission denied")
	}
	if p.opens <= p.FailOpens {
		return nil, serrors.Newf(serrors.ErrConnection, "connection refused (attempt %d)", p.opens)
	}
	local, remote := net.Pipe()
	go func() { _ = p.Shell.Serve(remote) }()
	p.conn = local
	return local, nil
}

func (p *PipeTransport) Login(ctx context.Context, ch *expect.Channel, prompt *regexp.Regexp, timeout time.Duration) error {
	_, err := ch.Expect(ctx, []*regexp.Regexp{prompt}, timeout)
	return err
}

func (p *PipeTransport) Teardown() error {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Drop closes the current connection from the client side, as a network
// failure would.
func (p *PipeTransport) Drop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// StartSSHServer serves shell over SSH with password auth on a random
// local port and returns the listener address. The sftp subsystem is
// served from the local filesystem. The server stops when the test ends.
func StartSSHServer(t testing.TB, shell *Shell, user, password string) string {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host key signer: %v", err)
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == user && string(pass) == password {
				return nil, nil
			}
			return nil, errors.New("password rejected")
		},
	}
	cfg.AddHostKey(signer)

	ln := listen(t)
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSHConn(nc, cfg, shell)
		}
	}()
	return ln.Addr().String()
}

func serveSSHConn(nc net.Conn, cfg *ssh.ServerConfig, shell *Shell) {
	defer nc.Close()
	sc, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		return
	}
	defer sc.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "only session channels")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			return
		}
		go func() {
			for req := range chReqs {
				switch req.Type {
				case "pty-req", "env":
					_ = req.Reply(true, nil)
				case "shell":
					_ = req.Reply(true, nil)
					go func() { _ = shell.Serve(ch) }()
				case "subsystem":
					var payload struct{ Name string }
					if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
						_ = req.Reply(false, nil)
						continue
					}
					_ = req.Reply(true, nil)
					go func() {
						srv, err := sftp.NewServer(ch)
						if err != nil {
							_ = ch.Close()
							return
						}
						_ = srv.Serve()
						_ = srv.Close()
					}()
				default:
					_ = req.Reply(false, nil)
				}
			}
		}()
	}
}

// TelnetServer is a console server that asks for a login on every new
// connection, the way a serial console does after a wake-up line.
type TelnetServer struct {
	Addr string

	mu     sync.Mutex
	conns  []net.Conn
	logins int
}

// Logins reports how many logins succeeded.
func (s *TelnetServer) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// DropAll closes every open connection from the server side.
func (s *TelnetServer) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

// StartTelnetServer serves shell behind a login/password exchange on a
// random local port. The server stops when the test ends.
func StartTelnetServer(t testing.TB, shell *Shell, user, password string) *TelnetServer {
	t.Helper()

	ln := listen(t)
	srv := &TelnetServer{Addr: ln.Addr().String()}
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			srv.mu.Lock()
			srv.conns = append(srv.conns, nc)
			srv.mu.Unlock()
			go srv.serve(nc, shell, user, password)
		}
	}()
	return srv
}

func (s *TelnetServer) serve(nc net.Conn, shell *Shell, user, password string) {
	defer nc.Close()
	c := &conn{rw: nc, r: bufio.NewReader(nc)}

	for {
		// Silent until the client sends a line, then the getty prompt.
		name, _, err := c.readLine(false)
		if err != nil {
			return
		}
		if name == "" {
			c.write("\r\nlogin: ")
			continue
		}
		c.write("Password: ")
		pass, _, err := c.readLine(false)
		if err != nil {
			return
		}
		if name != user || pass != password {
			c.write("\r\nLogin incorrect\r\n\r\nlogin: ")
			continue
		}
		break
	}

	s.mu.Lock()
	s.logins++
	s.mu.Unlock()
	c.write("\r\nLast login: " + time.Now().Format(time.ANSIC) + "\r\n")
	_ = shell.serveAfterLogin(c)
}

func listen(t testing.TB) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

// SplitAddr splits a listener address into host and port.
func SplitAddr(t testing.TB, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("port of %q: %v", addr, err)
	}
	return host, port
}
