package unit

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camhub/camdeploy/internal/ports"
	"github.com/camhub/camdeploy/internal/report"
	"github.com/camhub/camdeploy/internal/sysexec"
)

var testParams = Params{
	Root:        "/opt/camhub",
	User:        "camhub",
	Group:       "camhub",
	BindAddress: "0.0.0.0",
	BindPort:    8765,
}

func TestRender(t *testing.T) {
	content, err := Render(testParams)
	require.NoError(t, err)

	assert.Contains(t, content, "User=camhub")
	assert.Contains(t, content, "WorkingDirectory=/opt/camhub")
	assert.Contains(t, content, "ExecStart=/opt/camhub/venv/bin/python3 /opt/camhub/run.py --host 0.0.0.0 --port 8765")
	assert.Contains(t, content, "KillSignal=SIGINT")
}

func TestRenderedUnitIsCurrent(t *testing.T) {
	content, err := Render(testParams)
	require.NoError(t, err)
	assert.False(t, IsObsolete(content))
}

func TestIsObsolete(t *testing.T) {
	legacy := `[Unit]
Description=old camera service

[Service]
ExecStart=/opt/camhub/run.sh
Restart=always

[Install]
WantedBy=multi-user.target
`
	assert.True(t, IsObsolete(legacy))
	assert.True(t, IsObsolete("not a unit file ["))
}

func TestServicePorts(t *testing.T) {
	p := ServicePorts()
	assert.Contains(t, p, PrimaryPort)
	assert.Contains(t, p, WebPort)
	assert.Contains(t, p, RelayPort)
	assert.Len(t, p, 3+streamPortCount)
}

type fakeSystemd struct {
	calls  []string
	active atomic.Bool
}

func (f *fakeSystemd) manager(t *testing.T) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(logger, report.New(io.Discard), emptyRegistry())
	m.unitPath = filepath.Join(t.TempDir(), Name)
	m.settle = time.Millisecond
	m.waitBudget = 100 * time.Millisecond
	m.poll = 5 * time.Millisecond
	m.run = func(_ context.Context, name string, args ...string) (*sysexec.Result, error) {
		f.calls = append(f.calls, name+" "+strings.Join(args, " "))
		if len(args) > 0 && args[0] == "start" {
			f.active.Store(true)
		}
		if len(args) > 0 && args[0] == "stop" {
			f.active.Store(false)
		}
		return &sysexec.Result{}, nil
	}
	m.query = func(string, ...string) (string, error) {
		if f.active.Load() {
			return "active\n", nil
		}
		return "inactive\n", nil
	}
	return m
}

func emptyRegistry() *ports.Registry {
	return ports.NewRegistryWith(
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		func() (string, error) { return "", nil },
		func(int, syscall.Signal) error { return nil },
	)
}

func TestInstallWritesAndReloads(t *testing.T) {
	f := &fakeSystemd{}
	m := f.manager(t)

	content, err := Render(testParams)
	require.NoError(t, err)
	require.NoError(t, m.Install(context.Background(), content))

	assert.True(t, m.Installed())
	assert.True(t, m.Current())
	assert.Equal(t, []string{"systemctl daemon-reload"}, f.calls)
}

func TestRestartWithPortReclaim(t *testing.T) {
	f := &fakeSystemd{}
	m := f.manager(t)

	require.NoError(t, m.RestartWithPortReclaim(context.Background()))

	joined := strings.Join(f.calls, "; ")
	stopIdx := strings.Index(joined, "stop")
	startIdx := strings.Index(joined, "start")
	require.GreaterOrEqual(t, stopIdx, 0)
	require.Greater(t, startIdx, stopIdx)
	assert.True(t, m.IsActive())
}

func TestWaitActiveTimesOut(t *testing.T) {
	f := &fakeSystemd{}
	m := f.manager(t)

	err := m.WaitActive(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journalctl")
}
