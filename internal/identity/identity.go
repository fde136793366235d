// Package identity provisions the service account, its group memberships,
// and the installation directory manifest. Every operation is idempotent so
// both install and repair can call it cheaply.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/camhub/camdeploy/internal/report"
	"github.com/camhub/camdeploy/internal/sysexec"
)

// hardwareGroups are the supplementary memberships the service account needs
// for camera and device access. A group absent on the host is skipped.
var hardwareGroups = []string{"video", "audio", "render", "gpio", "i2c"}

const (
	codeMode   = "0755"
	configMode = "0750"
)

// Provisioner creates and normalizes the service identity and tree.
type Provisioner struct {
	logger *slog.Logger
	rep    *report.Printer

	user  string
	group string

	// run, check, and query are overridable in tests.
	run   func(ctx context.Context, name string, args ...string) (*sysexec.Result, error)
	check func(name string, args ...string) bool
	query func(name string, args ...string) (string, error)
}

// New creates a Provisioner for the given service account and group.
func New(logger *slog.Logger, rep *report.Printer, user, group string) *Provisioner {
	return &Provisioner{
		logger: logger,
		rep:    rep,
		user:   user,
		group:  group,
		run:    sysexec.Sudo,
		check:  sysexec.Check,
		query:  sysexec.Query,
	}
}

// DirManifest returns the directories an installation root must contain,
// mapped to their permission modes. The configuration subtree is more
// restrictive than the code subtree.
func DirManifest(root string) map[string]string {
	return map[string]string{
		root:                            codeMode,
		filepath.Join(root, "config"):   configMode,
		filepath.Join(root, "logs"):     codeMode,
		filepath.Join(root, "captures"): codeMode,
	}
}

// UserExists reports whether the service account exists.
func (p *Provisioner) UserExists() bool {
	return p.check("getent", "passwd", p.user)
}

// GroupExists reports whether the service group exists.
func (p *Provisioner) GroupExists() bool {
	return p.check("getent", "group", p.group)
}

// Ensure creates the account, group, supplementary memberships, and the
// directory manifest, then normalizes ownership and modes over the whole
// root. Existing pieces are skipped, missing pieces are added.
func (p *Provisioner) Ensure(ctx context.Context, root string) error {
	p.rep.Step("provisioning service identity")

	if err := p.ensureGroup(ctx); err != nil {
		return err
	}
	if err := p.ensureUser(ctx); err != nil {
		return err
	}
	if err := p.ensureHardwareGroups(ctx); err != nil {
		return err
	}
	if err := p.ensureDirs(ctx, root); err != nil {
		return err
	}
	if err := p.Normalize(ctx, root); err != nil {
		return err
	}

	p.rep.Success("service identity ready")
	return nil
}

func (p *Provisioner) ensureGroup(ctx context.Context) error {
	if p.GroupExists() {
		return nil
	}
	p.logger.Info("creating group", "group", p.group)
	if result, err := p.run(ctx, "groupadd", "--system", p.group); err != nil {
		return fmt.Errorf("groupadd %s: %s", p.group, sysexec.FormatError(err, result))
	}
	return nil
}

func (p *Provisioner) ensureUser(ctx context.Context) error {
	if p.UserExists() {
		return nil
	}
	p.logger.Info("creating service account", "user", p.user)
	result, err := p.run(ctx, "useradd",
		"--system",
		"--no-create-home",
		"--shell", "/usr/sbin/nologin",
		"--gid", p.group,
		p.user)
	if err != nil {
		return fmt.Errorf("useradd %s: %s", p.user, sysexec.FormatError(err, result))
	}
	return nil
}

// ensureHardwareGroups adds only the missing supplementary memberships.
// Groups not present on the host are skipped silently: a headless VM has no
// gpio group and that is fine.
func (p *Provisioner) ensureHardwareGroups(ctx context.Context) error {
	current := p.currentGroups()
	for _, g := range hardwareGroups {
		if current[g] {
			continue
		}
		if !p.check("getent", "group", g) {
			p.logger.Debug("hardware group absent on host", "group", g)
			continue
		}
		p.logger.Info("adding supplementary group", "user", p.user, "group", g)
		if result, err := p.run(ctx, "usermod", "-aG", g, p.user); err != nil {
			return fmt.Errorf("usermod -aG %s: %s", g, sysexec.FormatError(err, result))
		}
	}
	return nil
}

// currentGroups returns the account's current group names.
func (p *Provisioner) currentGroups() map[string]bool {
	groups := make(map[string]bool)
	out, err := p.query("id", "-nG", p.user)
	if err != nil {
		return groups
	}
	for _, g := range strings.Fields(out) {
		groups[g] = true
	}
	return groups
}

func (p *Provisioner) ensureDirs(ctx context.Context, root string) error {
	for dir := range DirManifest(root) {
		if _, err := os.Stat(dir); err == nil {
			continue
		}
		if result, err := p.run(ctx, "mkdir", "-p", dir); err != nil {
			return fmt.Errorf("mkdir %s: %s", dir, sysexec.FormatError(err, result))
		}
	}
	return nil
}

// Normalize re-applies ownership and modes across the root. Idempotent and
// cheap; repair runs it on every pass.
func (p *Provisioner) Normalize(ctx context.Context, root string) error {
	ownership := p.user + ":" + p.group
	if result, err := p.run(ctx, "chown", "-R", ownership, root); err != nil {
		return fmt.Errorf("chown %s: %s", root, sysexec.FormatError(err, result))
	}
	for dir, mode := range DirManifest(root) {
		if result, err := p.run(ctx, "chmod", mode, dir); err != nil {
			return fmt.Errorf("chmod %s %s: %s", mode, dir, sysexec.FormatError(err, result))
		}
	}
	return nil
}

// Verify reports identity problems without fixing them: missing account or
// group, and missing manifest directories. Used by the repair battery to
// decide what to re-run.
func (p *Provisioner) Verify(root string) []string {
	var problems []string
	if !p.GroupExists() {
		problems = append(problems, fmt.Sprintf("group %q missing", p.group))
	}
	if !p.UserExists() {
		problems = append(problems, fmt.Sprintf("service account %q missing", p.user))
	}
	for dir := range DirManifest(root) {
		if _, err := os.Stat(dir); err != nil {
			problems = append(problems, fmt.Sprintf("directory %s missing", dir))
		}
	}
	return problems
}

// Remove deletes the service account and group. Missing pieces are not
// errors; teardown must succeed on a half-provisioned host.
func (p *Provisioner) Remove(ctx context.Context) error {
	if p.UserExists() {
		if result, err := p.run(ctx, "userdel", p.user); err != nil {
			return fmt.Errorf("userdel %s: %s", p.user, sysexec.FormatError(err, result))
		}
	}
	if p.GroupExists() {
		if result, err := p.run(ctx, "groupdel", p.group); err != nil {
			// The group can linger as another account's primary group.
			p.logger.Warn("groupdel failed", "group", p.group, "error", sysexec.FormatError(err, result))
		}
	}
	return nil
}
