package lab

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	serrors "github.com/pvaduva/auto-test-sub005/errors"
	"github.com/pvaduva/auto-test-sub005/internal/shelltest"
	"github.com/pvaduva/auto-test-sub005/pkg/config"
	"github.com/pvaduva/auto-test-sub005/pkg/executor"
	"github.com/pvaduva/auto-test-sub005/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const password = "Li69nux*"

type fixture struct {
	lab     *Lab
	c0, c1  *shelltest.Shell
	compute *shelltest.Shell
	dir     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		c0: shelltest.NewShell("controller-0:~$ ").
			On("hostname", shelltest.Response{Output: "controller-0"}),
		c1: shelltest.NewShell("controller-1:~$ ").
			On("hostname", shelltest.Response{Output: "controller-1"}).
			On("source /etc/platform/openrc", shelltest.Response{Prompt: "[sysadmin@controller-1 ~(keystone_admin)]$ "}).
			On("system host-list", shelltest.Response{Output: "+----+\n| id |\n+----+\n| 1  |\n+----+"}),
		compute: shelltest.NewShell("lab-1 compute-0:~$ ").
			On("hostname", shelltest.Response{Output: "compute-0"}),
		dir: t.TempDir(),
	}

	c0Host, c0Port := shelltest.SplitAddr(t, shelltest.StartSSHServer(t, f.c0, "sysadmin", password))
	c1Host, c1Port := shelltest.SplitAddr(t, shelltest.StartSSHServer(t, f.c1, "sysadmin", password))
	tn := shelltest.StartTelnetServer(t, f.compute, "sysadmin", password)
	cmpHost, cmpPort := shelltest.SplitAddr(t, tn.Addr)

	cfg := &config.Lab{
		Name:         "lab-1",
		PromptPrefix: "lab-1 ",
		Defaults:     config.Credentials{User: "sysadmin", Password: password},
		Hosts: []config.Host{
			{Key: "controller", Address: c0Host, Port: c0Port, Prompt: `controller-[01]:~\$ $`},
			{Key: "controller-0", Address: c0Host, Port: c0Port},
			{Key: "controller-1", Address: c1Host, Port: c1Port},
			{Key: "compute-0", Address: cmpHost, Port: cmpPort, Transport: config.TransportTelnet},
		},
		Active: config.Active{Host: "controller"},
		Timeouts: config.Timeouts{
			Connect:       config.Duration(5 * time.Second),
			Command:       config.Duration(5 * time.Second),
			RetryTimeout:  config.Duration(5 * time.Second),
			RetryInterval: config.Duration(50 * time.Millisecond),
		},
		TranscriptDir: f.dir,
	}

	l, err := New(WithConfig(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	f.lab = l
	return f
}

func TestExecOnHosts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.lab.Exec(ctx, "controller-1", "hostname", executor.Options{})
	require.NoError(t, err)
	assert.Equal(t, "controller-1", res.Output)
	assert.Equal(t, 0, res.ExitStatus)

	res, err = f.lab.Exec(ctx, "compute-0", "hostname", executor.Options{})
	require.NoError(t, err)
	assert.Equal(t, "compute-0", res.Output)

	sess, err := f.lab.Session(ctx, "compute-0")
	require.NoError(t, err)
	assert.Equal(t, session.KindTelnet, sess.Kind())

	_, err = f.lab.Exec(ctx, "storage-0", "hostname", executor.Options{})
	assert.True(t, serrors.IsNotFound(err))
}

func TestExecOnActiveController(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.lab.Exec(ctx, Active, "hostname", executor.Options{})
	require.NoError(t, err)
	assert.Equal(t, "controller-0", res.Host)
	assert.Equal(t, "controller-0", res.Output)
	// Once through the floating address to resolve, once for the command.
	assert.Equal(t, 2, f.c0.Calls("hostname"))

	_, err = f.lab.Exec(ctx, Active, "hostname", executor.Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, f.c0.Calls("hostname"), "resolution is cached")
	assert.ElementsMatch(t, []string{"controller", "controller-0"}, f.lab.Registry().Keys())
}

func TestSourceAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.lab.Session(ctx, "controller-1")
	require.NoError(t, err)
	require.NoError(t, f.lab.SourceAdmin(ctx, sess))
	assert.Contains(t, sess.Prompt().String(), "keystone_admin")

	tbl, _, err := f.lab.Executor().Table(ctx, sess, "system host-list", executor.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, tbl.Len())
}

func TestForEachHost(t *testing.T) {
	f := newFixture(t)

	var (
		mu    sync.Mutex
		names = make(map[string]string)
	)
	err := f.lab.ForEachHost(context.Background(), []string{"controller-0", "controller-1", "compute-0"},
		func(ctx context.Context, sess session.Session) error {
			name, err := f.lab.Executor().Hostname(ctx, sess)
			if err != nil {
				return err
			}
			mu.Lock()
			names[sess.Host()] = name
			mu.Unlock()
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"controller-0": "controller-0",
		"controller-1": "controller-1",
		"compute-0":    "compute-0",
	}, names)
}

func TestForEachHostJoinsFailures(t *testing.T) {
	f := newFixture(t)

	ran := 0
	var mu sync.Mutex
	err := f.lab.ForEachHost(context.Background(), []string{"controller-0", "storage-0", "controller-1"},
		func(ctx context.Context, sess session.Session) error {
			mu.Lock()
			ran++
			mu.Unlock()
			return nil
		})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage-0")
	assert.NotContains(t, err.Error(), "controller-1:")
	assert.Equal(t, 2, ran)
}

func TestForEachHostActiveSharesHostTurns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key, err := f.lab.Registry().ActiveKey(ctx)
	require.NoError(t, err)
	require.Equal(t, "controller-0", key)

	var (
		mu       sync.Mutex
		inFlight = make(map[string]int)
		maxSeen  int
		ran      []string
	)
	err = f.lab.ForEachHost(ctx, []string{Active, "controller-0", "controller-1", Active},
		func(ctx context.Context, sess session.Session) error {
			mu.Lock()
			inFlight[sess.ID()]++
			if inFlight[sess.ID()] > maxSeen {
				maxSeen = inFlight[sess.ID()]
			}
			ran = append(ran, sess.Host())
			mu.Unlock()

			_, err := f.lab.Executor().Hostname(ctx, sess)

			mu.Lock()
			inFlight[sess.ID()]--
			mu.Unlock()
			return err
		})
	require.NoError(t, err)
	assert.Equal(t, 1, maxSeen)
	assert.ElementsMatch(t, []string{"controller-0", "controller-1"}, ran)
}

func TestTranscripts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.lab.Exec(ctx, "controller-1", "hostname", executor.Options{})
	require.NoError(t, err)
	sess, err := f.lab.Session(ctx, "controller-1")
	require.NoError(t, err)
	require.NoError(t, sess.Reconnect(ctx))
	_, err = f.lab.Exec(ctx, "controller-1", "hostname", executor.Options{})
	require.NoError(t, err)
	require.NoError(t, f.lab.Close())

	data, err := os.ReadFile(filepath.Join(f.dir, "controller-1.log"))
	require.NoError(t, err)
	text := string(data)
	assert.Equal(t, 2, strings.Count(text, ">> hostname"), "one transcript spans the reconnect")
	assert.Contains(t, text, f.lab.RunID())
	assert.NotContains(t, text, password)
}

func TestNewErrors(t *testing.T) {
	_, err := New()
	assert.Equal(t, serrors.ErrConfiguration, serrors.GetCode(err))

	_, err = New(WithConfigFile("testdata/nope.yaml"))
	assert.Equal(t, serrors.ErrConfiguration, serrors.GetCode(err))

	_, err = New(WithConfig(&config.Lab{Name: "x"}))
	assert.Equal(t, serrors.ErrConfiguration, serrors.GetCode(err))
}

func TestSettingsOverride(t *testing.T) {
	cfg := &config.Lab{Name: "x", Hosts: []config.Host{{Key: "controller-0", Address: "10.0.0.3"}}}
	l, err := New(WithConfig(cfg), WithSettings(config.Settings{Parallelism: 1, DefaultTimeout: time.Minute}))
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, 1, l.Config().Parallelism)
	assert.Equal(t, time.Minute, l.Config().Timeouts.Command.Std())
}
