// Package unit renders, installs, and drives the service's systemd unit.
// The rendered descriptor carries explicit shutdown-grace settings; an
// installed unit missing them is considered structurally obsolete and gets
// regenerated.
package unit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/template"
	"time"

	_ "embed"

	sdunit "github.com/coreos/go-systemd/v22/unit"

	"github.com/camhub/camdeploy/internal/ports"
	"github.com/camhub/camdeploy/internal/report"
	"github.com/camhub/camdeploy/internal/sysexec"
)

//go:embed camhub.service.tmpl
var unitTemplate string

const (
	// Name is the installed unit's file name.
	Name = "camhub.service"
	// InstallPath is where the descriptor lives on the host.
	InstallPath = "/etc/systemd/system/camhub.service"

	// PrimaryPort is the service's main control port.
	PrimaryPort = 8765
	// WebPort serves the embedded web UI.
	WebPort = 8081
	// RelayPort is the optional media-relay (RTSP) port.
	RelayPort = 8554

	streamPortBase  = 8600
	streamPortCount = 8

	// settleDelay separates port freeing from the bind attempt. Freed
	// sockets need a beat to leave the kernel table; starting earlier
	// races an address-in-use failure.
	settleDelay = 2 * time.Second

	activeWaitBudget = 30 * time.Second
	activePollEvery  = time.Second
)

// requiredShutdownFields are the [Service] settings whose absence marks an
// installed descriptor obsolete. Without them systemd SIGKILLs the service
// mid-capture instead of letting it close streams.
var requiredShutdownFields = []string{"TimeoutStopSec", "KillSignal", "KillMode"}

// Params parameterizes the unit template.
type Params struct {
	Root        string
	User        string
	Group       string
	BindAddress string
	BindPort    int
}

// ServicePorts lists every port the service may bind: primary, web UI,
// media relay, and the per-stream range.
func ServicePorts() []int {
	p := []int{PrimaryPort, WebPort, RelayPort}
	for i := 0; i < streamPortCount; i++ {
		p = append(p, streamPortBase+i)
	}
	return p
}

// Render produces the unit descriptor for the given parameters.
func Render(params Params) (string, error) {
	tmpl, err := template.New(Name).Parse(unitTemplate)
	if err != nil {
		return "", fmt.Errorf("parse unit template: %w", err)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, params); err != nil {
		return "", fmt.Errorf("render unit: %w", err)
	}
	return sb.String(), nil
}

// IsObsolete reports whether an installed descriptor is structurally behind
// the current template: unparseable, or missing any required shutdown-grace
// setting in its [Service] section.
func IsObsolete(content string) bool {
	opts, err := sdunit.Deserialize(strings.NewReader(content))
	if err != nil {
		return true
	}

	present := make(map[string]bool)
	for _, opt := range opts {
		if opt.Section == "Service" {
			present[opt.Name] = true
		}
	}
	for _, field := range requiredShutdownFields {
		if !present[field] {
			return true
		}
	}
	return false
}

// Manager installs the descriptor and drives the unit through systemctl.
type Manager struct {
	logger *slog.Logger
	rep    *report.Printer
	reg    *ports.Registry

	unitPath string

	// run and query are overridable in tests.
	run   func(ctx context.Context, name string, args ...string) (*sysexec.Result, error)
	query func(name string, args ...string) (string, error)

	// settle and waitBudget are shrunk in tests.
	settle     time.Duration
	waitBudget time.Duration
	poll       time.Duration
}

// NewManager creates a Manager for the service unit.
func NewManager(logger *slog.Logger, rep *report.Printer, reg *ports.Registry) *Manager {
	return &Manager{
		logger:     logger,
		rep:        rep,
		reg:        reg,
		unitPath:   InstallPath,
		run:        sysexec.Sudo,
		query:      sysexec.Query,
		settle:     settleDelay,
		waitBudget: activeWaitBudget,
		poll:       activePollEvery,
	}
}

// Installed reports whether the descriptor file exists.
func (m *Manager) Installed() bool {
	_, err := os.Stat(m.unitPath)
	return err == nil
}

// Current reports whether the installed descriptor is present and not
// structurally obsolete.
func (m *Manager) Current() bool {
	data, err := os.ReadFile(m.unitPath)
	if err != nil {
		return false
	}
	return !IsObsolete(string(data))
}

// Install writes the descriptor and reloads the daemon.
func (m *Manager) Install(ctx context.Context, content string) error {
	m.logger.Info("installing unit", "path", m.unitPath)
	if err := os.WriteFile(m.unitPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	return m.DaemonReload(ctx)
}

// DaemonReload reloads systemd's view of unit files.
func (m *Manager) DaemonReload(ctx context.Context) error {
	if result, err := m.run(ctx, "systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("daemon-reload: %s", sysexec.FormatError(err, result))
	}
	return nil
}

func (m *Manager) systemctl(ctx context.Context, verb string) error {
	if result, err := m.run(ctx, "systemctl", verb, Name); err != nil {
		return fmt.Errorf("systemctl %s %s: %s", verb, Name, sysexec.FormatError(err, result))
	}
	return nil
}

// Enable marks the unit to start at boot.
func (m *Manager) Enable(ctx context.Context) error { return m.systemctl(ctx, "enable") }

// Disable unmarks the unit from boot.
func (m *Manager) Disable(ctx context.Context) error { return m.systemctl(ctx, "disable") }

// Start starts the unit.
func (m *Manager) Start(ctx context.Context) error { return m.systemctl(ctx, "start") }

// Stop stops the unit. A stop on an already-stopped unit is not an error.
func (m *Manager) Stop(ctx context.Context) error {
	if result, err := m.run(ctx, "systemctl", "stop", Name); err != nil {
		m.logger.Debug("stop returned error", "error", sysexec.FormatError(err, result))
	}
	return nil
}

// IsActive reports whether the unit is running.
func (m *Manager) IsActive() bool {
	out, _ := m.query("systemctl", "is-active", Name)
	return strings.TrimSpace(out) == "active"
}

// IsEnabled reports whether the unit starts at boot. Static and generated
// units count as enabled since they cannot be enabled explicitly.
func (m *Manager) IsEnabled() bool {
	out, _ := m.query("systemctl", "is-enabled", Name)
	switch strings.TrimSpace(out) {
	case "enabled", "enabled-runtime", "static", "indirect", "generated":
		return true
	}
	return false
}

// WaitActive polls until the unit reports active or the budget runs out.
func (m *Manager) WaitActive(ctx context.Context) error {
	deadline := time.Now().Add(m.waitBudget)
	for {
		if m.IsActive() {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("service did not reach active state: inspect with journalctl -u " + Name)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.poll):
		}
	}
}

// RestartWithPortReclaim stops the unit, evicts stale owners from every
// service port, waits the settle delay, starts, and polls for active. Port
// freeing must finish before the start or the bind races address-in-use.
// A unit that fails to come up is reported, not rolled back.
func (m *Manager) RestartWithPortReclaim(ctx context.Context) error {
	m.rep.Step("restarting service")

	if err := m.Stop(ctx); err != nil {
		return err
	}
	if err := m.reg.FreeAll(ctx, ServicePorts()); err != nil {
		m.rep.Warning("some ports could not be freed: %v", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.settle):
	}

	if err := m.Start(ctx); err != nil {
		return err
	}
	if err := m.WaitActive(ctx); err != nil {
		m.rep.Warning("%v", err)
		return err
	}

	m.rep.Success("service active")
	return nil
}

// Remove stops, disables, and deletes the descriptor, then reloads the
// daemon. Missing pieces are tolerated.
func (m *Manager) Remove(ctx context.Context) error {
	m.Stop(ctx)
	if m.Installed() {
		if err := m.Disable(ctx); err != nil {
			m.logger.Warn("disable failed", "error", err)
		}
		if err := os.Remove(m.unitPath); err != nil {
			return fmt.Errorf("remove unit file: %w", err)
		}
	}
	return m.DaemonReload(ctx)
}
