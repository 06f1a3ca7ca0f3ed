package session

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	serrors "github.com/pvaduva/auto-test-sub005/errors"
	"github.com/pvaduva/auto-test-sub005/internal/shelltest"
	"github.com/pvaduva/auto-test-sub005/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

var testPrompt = regexp.MustCompile(`controller-0:~\$ $`)

func pipeSession(t *testing.T, tr *shelltest.PipeTransport, opts ...Option) *Remote {
	t.Helper()
	s := NewWithTransport(KindSSH, Config{Host: "controller-0", Prompt: testPrompt}, tr, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newShell() *shelltest.Shell {
	return shelltest.NewShell("controller-0:~$ ").
		On("hostname", shelltest.Response{Output: "controller-0"})
}

func TestConnectAndExpect(t *testing.T) {
	tr := &shelltest.PipeTransport{Shell: newShell()}
	s := pipeSession(t, tr)

	assert.Equal(t, StateDisconnected, s.State())
	require.NoError(t, s.Connect(context.Background(), ConnectOptions{Timeout: time.Second}))
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, uint64(1), s.Generation())

	require.NoError(t, s.Send("hostname"))
	m, err := s.Expect(context.Background(), []*regexp.Regexp{s.Prompt()}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hostname\r\ncontroller-0\r\n", m.Before)
}

func TestReconnectKeepsIdentityAndBumpsGeneration(t *testing.T) {
	tr := &shelltest.PipeTransport{Shell: newShell()}
	s := pipeSession(t, tr)
	require.NoError(t, s.Connect(context.Background(), ConnectOptions{Timeout: time.Second}))
	id := s.ID()

	require.NoError(t, s.Reconnect(context.Background()))
	assert.Equal(t, id, s.ID())
	assert.Equal(t, uint64(2), s.Generation())
	assert.Equal(t, 2, tr.Opens())
	assert.Equal(t, StateReady, s.State())
}

func TestConnectRetriesUntilSuccess(t *testing.T) {
	tr := &shelltest.PipeTransport{Shell: newShell(), FailOpens: 2}
	s := pipeSession(t, tr)

	err := s.Connect(context.Background(), ConnectOptions{
		Timeout:       time.Second,
		Retry:         true,
		RetryInterval: 10 * time.Millisecond,
		RetryTimeout:  5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, tr.Opens())
	assert.Equal(t, uint64(1), s.Generation())
}

func TestConnectRetryExhaustionCarriesLastError(t *testing.T) {
	tr := &shelltest.PipeTransport{Shell: newShell(), FailOpens: 1000}
	s := pipeSession(t, tr)

	start := time.Now()
	err := s.Connect(context.Background(), ConnectOptions{
		Timeout:       time.Second,
		Retry:         true,
		RetryInterval: 20 * time.Millisecond,
		RetryTimeout:  150 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, serrors.IsConnection(err))
	assert.Contains(t, err.Error(), "connection refused")
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Greater(t, tr.Opens(), 1)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestConnectWithoutRetryFailsOnce(t *testing.T) {
	tr := &shelltest.PipeTransport{Shell: newShell(), FailOpens: 1}
	s := pipeSession(t, tr)

	err := s.Connect(context.Background(), ConnectOptions{Timeout: time.Second})
	require.Error(t, err)
	assert.True(t, serrors.IsConnection(err))
	assert.Equal(t, 1, tr.Opens())
}

func TestAuthenticationFailureIsNotRetried(t *testing.T) {
	tr := &shelltest.PipeTransport{Shell: newShell(), AuthFail: true}
	s := pipeSession(t, tr)

	err := s.Connect(context.Background(), ConnectOptions{
		Timeout:       time.Second,
		Retry:         true,
		RetryInterval: 10 * time.Millisecond,
		RetryTimeout:  time.Second,
	})
	require.Error(t, err)
	assert.True(t, serrors.IsAuthentication(err))
	assert.Equal(t, 1, tr.Opens())
}

func TestDroppedTransportMarksBroken(t *testing.T) {
	tr := &shelltest.PipeTransport{Shell: newShell()}
	s := pipeSession(t, tr)
	require.NoError(t, s.Connect(context.Background(), ConnectOptions{Timeout: time.Second}))

	tr.Drop()
	_, err := s.Expect(context.Background(), []*regexp.Regexp{s.Prompt()}, time.Second)
	require.Error(t, err)
	assert.True(t, serrors.IsBrokenSession(err))
	assert.Equal(t, StateBroken, s.State())

	require.NoError(t, s.Reconnect(context.Background()))
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, uint64(2), s.Generation())
}

func TestExpectTimeoutKeepsSessionReady(t *testing.T) {
	tr := &shelltest.PipeTransport{Shell: newShell()}
	s := pipeSession(t, tr)
	require.NoError(t, s.Connect(context.Background(), ConnectOptions{Timeout: time.Second}))

	_, err := s.Expect(context.Background(), []*regexp.Regexp{regexp.MustCompile(`never`)}, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, serrors.IsTimeout(err))
	assert.Equal(t, StateReady, s.State())
}

func TestCloseIsIdempotent(t *testing.T) {
	tr := &shelltest.PipeTransport{Shell: newShell()}
	s := pipeSession(t, tr)
	require.NoError(t, s.Connect(context.Background(), ConnectOptions{Timeout: time.Second}))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, StateDisconnected, s.State())

	err := s.Send("hostname")
	assert.True(t, serrors.IsBrokenSession(err))
	assert.Equal(t, "", s.Flush())
}

func TestBeginEnd(t *testing.T) {
	tr := &shelltest.PipeTransport{Shell: newShell()}
	s := pipeSession(t, tr)
	require.NoError(t, s.Connect(context.Background(), ConnectOptions{Timeout: time.Second}))

	s.Begin()
	assert.Equal(t, StateExecuting, s.State())
	s.End()
	assert.Equal(t, StateReady, s.State())

	// End never revives a broken session.
	s.Begin()
	tr.Drop()
	_, _ = s.Expect(context.Background(), []*regexp.Regexp{s.Prompt()}, time.Second)
	s.End()
	assert.Equal(t, StateBroken, s.State())
}

func TestTransitionsAndCallbacks(t *testing.T) {
	tr := &shelltest.PipeTransport{Shell: newShell()}
	s := pipeSession(t, tr)

	var mu sync.Mutex
	var seen []State
	s.OnStateChange(func(host string, from, to State) {
		assert.Equal(t, "controller-0", host)
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	})

	require.NoError(t, s.Connect(context.Background(), ConnectOptions{Timeout: time.Second}))
	require.NoError(t, s.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateAuthenticating, StateReady, StateDisconnected}, seen)

	history := s.Transitions()
	require.Len(t, history, 4)
	assert.Equal(t, StateDisconnected, history[0].From)
	assert.Equal(t, uint64(1), history[2].Generation)
}

func TestTransitionRingBufferIsBounded(t *testing.T) {
	var st stateTracker
	for i := 0; i < transitionBufferSize+10; i++ {
		st.set("h", State(i%2+1), "flip", uint64(i))
	}
	history := st.history()
	require.Len(t, history, transitionBufferSize)
	assert.Equal(t, uint64(10), history[0].Generation)
	assert.Equal(t, uint64(transitionBufferSize+9), history[len(history)-1].Generation)
}

func TestSetPrompt(t *testing.T) {
	shell := newShell().On("source /etc/platform/openrc", shelltest.Response{
		Prompt: "[sysadmin@controller-0 ~(keystone_admin)]$ ",
	})
	tr := &shelltest.PipeTransport{Shell: shell}
	s := pipeSession(t, tr)
	require.NoError(t, s.Connect(context.Background(), ConnectOptions{Timeout: time.Second}))

	admin := regexp.MustCompile(`\(keystone_admin\)\]\$ $`)
	require.NoError(t, s.Send("source /etc/platform/openrc"))
	s.SetPrompt(admin)
	_, err := s.Expect(context.Background(), []*regexp.Regexp{s.Prompt()}, time.Second)
	require.NoError(t, err)
	assert.Same(t, admin, s.Prompt())
}

func TestTranscriptRecordsTraffic(t *testing.T) {
	tr := &shelltest.PipeTransport{Shell: newShell()}
	transcript, err := logging.OpenTranscript(t.TempDir(), "controller-0", "test")
	require.NoError(t, err)
	defer transcript.Close()

	s := pipeSession(t, tr, WithTranscript(transcript))
	require.NoError(t, s.Connect(context.Background(), ConnectOptions{Timeout: time.Second}))
	require.NoError(t, s.Send("hostname"))
	_, err = s.Expect(context.Background(), []*regexp.Regexp{s.Prompt()}, time.Second)
	require.NoError(t, err)

	var in, out int
	for _, e := range transcript.Entries() {
		switch e.Direction {
		case logging.DirectionInput:
			in++
			assert.Equal(t, "hostname\n", e.Data)
		case logging.DirectionOutput:
			out++
		}
	}
	assert.Equal(t, 1, in)
	assert.Equal(t, 2, out)

	data, err := os.ReadFile(transcript.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), ">> hostname")
}

func TestScopedAlwaysCloses(t *testing.T) {
	tr := &shelltest.PipeTransport{Shell: newShell()}
	s := pipeSession(t, tr)

	boom := serrors.New(serrors.ErrUnknown, "boom")
	err := Scoped(context.Background(), s, ConnectOptions{Timeout: time.Second}, func(sess Session) error {
		assert.Equal(t, StateReady, sess.State())
		return boom
	})
	assert.Same(t, boom, err)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSSHSession(t *testing.T) {
	shell := newShell()
	host, port := shelltest.SplitAddr(t, shelltest.StartSSHServer(t, shell, "sysadmin", "Li69nux*"))

	s := NewSSH(Config{
		Host:     "controller-0",
		Address:  host,
		Port:     port,
		User:     "sysadmin",
		Password: "Li69nux*",
		Prompt:   testPrompt,
	})
	defer s.Close()

	require.NoError(t, s.Connect(context.Background(), ConnectOptions{Timeout: 5 * time.Second}))
	assert.Equal(t, KindSSH, s.Kind())

	require.NoError(t, s.Send("hostname"))
	m, err := s.Expect(context.Background(), []*regexp.Regexp{s.Prompt()}, 5*time.Second)
	require.NoError(t, err)
	assert.Contains(t, m.Before, "controller-0")
	assert.Equal(t, 1, shell.Calls("hostname"))
}

func TestSSHWrongPassword(t *testing.T) {
	host, port := shelltest.SplitAddr(t, shelltest.StartSSHServer(t, newShell(), "sysadmin", "Li69nux*"))

	s := NewSSH(Config{
		Host:     "controller-0",
		Address:  host,
		Port:     port,
		User:     "sysadmin",
		Password: "wrong",
		Prompt:   testPrompt,
	})
	defer s.Close()

	err := s.Connect(context.Background(), ConnectOptions{
		Timeout:       5 * time.Second,
		Retry:         true,
		RetryInterval: 10 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, serrors.IsAuthentication(err))
}

func TestSSHEncryptedKeyWithoutPassphrase(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "lab", []byte("secret"))
	require.NoError(t, err)
	keyFile := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(block), 0o600))

	s := NewSSH(Config{
		Host:    "controller-0",
		Address: "127.0.0.1",
		User:    "sysadmin",
		KeyFile: keyFile,
		Prompt:  testPrompt,
	})
	defer s.Close()

	err = s.Connect(context.Background(), ConnectOptions{Timeout: time.Second})
	require.Error(t, err)
	assert.True(t, serrors.HasCode(err, serrors.ErrConfiguration))
	assert.Contains(t, err.Error(), "encrypted")
}

func TestSSHUploadDownload(t *testing.T) {
	host, port := shelltest.SplitAddr(t, shelltest.StartSSHServer(t, newShell(), "sysadmin", "Li69nux*"))
	s := NewSSH(Config{
		Host:     "controller-0",
		Address:  host,
		Port:     port,
		User:     "sysadmin",
		Password: "Li69nux*",
		Prompt:   testPrompt,
	})
	defer s.Close()
	require.NoError(t, s.Connect(context.Background(), ConnectOptions{Timeout: 5 * time.Second}))

	dir := t.TempDir()
	src := filepath.Join(dir, "openrc")
	require.NoError(t, os.WriteFile(src, []byte("export OS_USERNAME=admin\n"), 0644))

	remote := filepath.Join(dir, "remote", "openrc")
	require.NoError(t, s.Upload(src, remote))

	back := filepath.Join(dir, "back", "openrc")
	require.NoError(t, s.Download(remote, back))
	data, err := os.ReadFile(back)
	require.NoError(t, err)
	assert.Equal(t, "export OS_USERNAME=admin\n", string(data))

	err = s.Download(filepath.Join(dir, "missing"), back)
	assert.True(t, serrors.IsNotFound(err))
}

func TestTelnetSession(t *testing.T) {
	shell := newShell()
	srv := shelltest.StartTelnetServer(t, shell, "sysadmin", "Li69nux*")
	host, port := shelltest.SplitAddr(t, srv.Addr)

	s := NewTelnet(Config{
		Host:     "controller-0",
		Address:  host,
		Port:     port,
		User:     "sysadmin",
		Password: "Li69nux*",
		Prompt:   testPrompt,
	})
	defer s.Close()

	require.NoError(t, s.Connect(context.Background(), ConnectOptions{Timeout: 5 * time.Second}))
	assert.Equal(t, KindTelnet, s.Kind())
	assert.Equal(t, 1, srv.Logins())

	require.NoError(t, s.Send("hostname"))
	m, err := s.Expect(context.Background(), []*regexp.Regexp{s.Prompt()}, 5*time.Second)
	require.NoError(t, err)
	assert.Contains(t, m.Before, "controller-0")

	srv.DropAll()
	_, err = s.Expect(context.Background(), []*regexp.Regexp{s.Prompt()}, 5*time.Second)
	assert.True(t, serrors.IsBrokenSession(err))

	require.NoError(t, s.Reconnect(context.Background()))
	assert.Equal(t, 2, srv.Logins())
	assert.Equal(t, uint64(2), s.Generation())
}

func TestTelnetWrongPassword(t *testing.T) {
	srv := shelltest.StartTelnetServer(t, newShell(), "sysadmin", "Li69nux*")
	host, port := shelltest.SplitAddr(t, srv.Addr)

	s := NewTelnet(Config{
		Host:     "controller-0",
		Address:  host,
		Port:     port,
		User:     "sysadmin",
		Password: "wrong",
		Prompt:   testPrompt,
	})
	defer s.Close()

	err := s.Connect(context.Background(), ConnectOptions{Timeout: 5 * time.Second})
	require.Error(t, err)
	assert.True(t, serrors.IsAuthentication(err))
	assert.Equal(t, 0, srv.Logins())
}
