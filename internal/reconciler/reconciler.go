// Package reconciler compares desired install state to the host and fixes
// drift. It runs a fixed, ordered battery of independent checks; each check
// passes, auto-fixes in place, warns, or escalates to a full reinstall.
package reconciler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"

	"log/slog"

	"github.com/camhub/camdeploy/internal/activation"
	"github.com/camhub/camdeploy/internal/credentials"
	"github.com/camhub/camdeploy/internal/identity"
	"github.com/camhub/camdeploy/internal/report"
	"github.com/camhub/camdeploy/internal/runtimecfg"
	"github.com/camhub/camdeploy/internal/unit"
)

// Verdict is the outcome of one check.
type Verdict int

const (
	// Pass means the check found nothing wrong.
	Pass Verdict = iota
	// Fixed means drift was found and corrected in place.
	Fixed
	// Warned means drift was found but is not auto-fixable and does not
	// warrant a reinstall; the operator gets guidance instead.
	Warned
	// ReinstallRequired means the damage exceeds incremental repair.
	ReinstallRequired
)

// Issue is one check's non-pass result.
type Issue struct {
	Check   string
	Detail  string
	Verdict Verdict
}

// Outcome aggregates a full battery run.
type Outcome struct {
	Issues    []Issue
	Found     int
	Fixed     int
	Reinstall bool

	// WasActive records whether the service ran before the battery; the
	// caller restarts it afterwards only if it did.
	WasActive bool
}

// collaborator interfaces, satisfied by the concrete provisioners and
// narrowed here so tests can fake them.

type identityProvisioner interface {
	Verify(root string) []string
	Ensure(ctx context.Context, root string) error
	Normalize(ctx context.Context, root string) error
}

type runtimeProvisioner interface {
	EnsureVenv(ctx context.Context, root string) error
	InstallRequirements(ctx context.Context, root string) error
}

type unitManager interface {
	Installed() bool
	Current() bool
	IsEnabled() bool
	IsActive() bool
	Install(ctx context.Context, content string) error
	Enable(ctx context.Context) error
}

type credentialVerifier interface {
	Reverify(ctx context.Context, deviceKey, tokenCode string) error
}

// Reconciler runs the check battery against one installation root.
type Reconciler struct {
	logger *slog.Logger
	rep    *report.Printer

	root       string
	user       string
	group      string
	unitParams unit.Params

	idn      identityProvisioner
	runtime  runtimeProvisioner
	units    unitManager
	verifier credentialVerifier
	creds    *credentials.Store

	// ownerOf, resolveIDs, and lookPath are overridable in tests.
	ownerOf    func(path string) (uid, gid int, err error)
	resolveIDs func(username, groupname string) (uid, gid int, err error)
	lookPath   func(file string) (string, error)
}

// New wires a Reconciler from the concrete provisioners.
func New(logger *slog.Logger, rep *report.Printer, root, svcUser, svcGroup string,
	params unit.Params, idn *identity.Provisioner, runtime runtimeProvisioner,
	units *unit.Manager, verifier *activation.Client, creds *credentials.Store) *Reconciler {
	return &Reconciler{
		logger:     logger,
		rep:        rep,
		root:       root,
		user:       svcUser,
		group:      svcGroup,
		unitParams: params,
		idn:        idn,
		runtime:    runtime,
		units:      units,
		verifier:   verifier,
		creds:      creds,
		ownerOf:    fileOwner,
		resolveIDs: lookupIDs,
		lookPath:   exec.LookPath,
	}
}

type check struct {
	name string
	run  func(ctx context.Context) (Verdict, string)
}

// battery returns the checks in their fixed order. Order matters: later
// checks assume earlier ones have either passed or already escalated.
func (r *Reconciler) battery() []check {
	return []check{
		{"installation root", r.checkRoot},
		{"service identity", r.checkIdentity},
		{"python runtime", r.checkRuntime},
		{"service unit", r.checkUnit},
		{"ownership and permissions", r.checkOwnership},
		{"media relay", r.checkRelay},
		{"configuration file", r.checkConfig},
		{"activation credentials", r.checkActivation},
		{"log directory", r.checkLogs},
	}
}

// Run executes the battery. If any check escalates, the battery still
// finishes (to report the full damage) but no further auto-fixes run for
// escalated axes; the caller handles the reinstall offer.
func (r *Reconciler) Run(ctx context.Context) (*Outcome, error) {
	out := &Outcome{WasActive: r.units.IsActive()}

	for _, c := range r.battery() {
		verdict, detail := c.run(ctx)
		switch verdict {
		case Pass:
			r.logger.Debug("check passed", "check", c.name)
			continue
		case Fixed:
			out.Found++
			out.Fixed++
			r.rep.Info("%s: %s (fixed)", c.name, detail)
		case Warned:
			out.Found++
			r.rep.Warning("%s: %s", c.name, detail)
		case ReinstallRequired:
			out.Found++
			out.Reinstall = true
			r.rep.Error("%s: %s", c.name, detail)
		}
		out.Issues = append(out.Issues, Issue{Check: c.name, Detail: detail, Verdict: verdict})
	}

	r.rep.Summary(out.Found, out.Fixed)
	return out, nil
}

// codePresent reports whether the deployed tree's code marker exists.
func (r *Reconciler) codePresent() bool {
	_, err := os.Stat(filepath.Join(r.root, "run.py"))
	return err == nil
}

func (r *Reconciler) checkRoot(context.Context) (Verdict, string) {
	if _, err := os.Stat(r.root); err != nil {
		return ReinstallRequired, fmt.Sprintf("installation root %s missing", r.root)
	}
	if !r.codePresent() {
		return ReinstallRequired, "service code missing from installation root"
	}
	return Pass, ""
}

func (r *Reconciler) checkIdentity(ctx context.Context) (Verdict, string) {
	problems := r.idn.Verify(r.root)
	if len(problems) == 0 {
		return Pass, ""
	}
	if !r.codePresent() {
		return ReinstallRequired, "service identity missing and no code present"
	}
	if err := r.idn.Ensure(ctx, r.root); err != nil {
		return Warned, fmt.Sprintf("could not repair identity: %v", err)
	}
	return Fixed, fmt.Sprintf("%d identity problem(s) corrected", len(problems))
}

func (r *Reconciler) checkRuntime(ctx context.Context) (Verdict, string) {
	python := filepath.Join(r.root, "venv", "bin", "python3")
	if _, err := os.Stat(python); err == nil {
		return Pass, ""
	}
	if !r.codePresent() {
		return ReinstallRequired, "python runtime missing and no code present"
	}
	if err := r.runtime.EnsureVenv(ctx, r.root); err != nil {
		return Warned, fmt.Sprintf("could not recreate runtime: %v", err)
	}
	if err := r.runtime.InstallRequirements(ctx, r.root); err != nil {
		return Warned, fmt.Sprintf("runtime recreated but dependencies failed: %v", err)
	}
	return Fixed, "python runtime recreated"
}

func (r *Reconciler) checkUnit(ctx context.Context) (Verdict, string) {
	installed := r.units.Installed()
	if !installed && !r.codePresent() {
		return ReinstallRequired, "service unit missing and no code present"
	}

	needsInstall := !installed || !r.units.Current()
	if needsInstall {
		content, err := unit.Render(r.unitParams)
		if err != nil {
			return Warned, fmt.Sprintf("could not render unit: %v", err)
		}
		if err := r.units.Install(ctx, content); err != nil {
			return Warned, fmt.Sprintf("could not install unit: %v", err)
		}
		if err := r.units.Enable(ctx); err != nil {
			return Warned, fmt.Sprintf("unit installed but enable failed: %v", err)
		}
		if !installed {
			return Fixed, "service unit recreated and enabled"
		}
		return Fixed, "obsolete service unit regenerated"
	}

	if !r.units.IsEnabled() {
		if err := r.units.Enable(ctx); err != nil {
			return Warned, fmt.Sprintf("could not enable unit: %v", err)
		}
		return Fixed, "service unit enabled at boot"
	}
	return Pass, ""
}

func (r *Reconciler) checkOwnership(ctx context.Context) (Verdict, string) {
	wantUID, wantGID, err := r.resolveIDs(r.user, r.group)
	if err != nil {
		return Warned, fmt.Sprintf("cannot resolve service account: %v", err)
	}
	uid, gid, err := r.ownerOf(r.root)
	if err != nil {
		return Warned, fmt.Sprintf("cannot stat installation root: %v", err)
	}
	if uid == wantUID && gid == wantGID {
		return Pass, ""
	}
	if err := r.idn.Normalize(ctx, r.root); err != nil {
		return Warned, fmt.Sprintf("could not normalize ownership: %v", err)
	}
	return Fixed, "ownership and permissions normalized"
}

// checkRelay is informational only. The relay is never provisioned by this
// tool, so its absence cannot count as drift: a counted issue here would make
// every repair on a relay-less host report the same phantom issue forever.
func (r *Reconciler) checkRelay(context.Context) (Verdict, string) {
	if _, err := r.lookPath("mediamtx"); err != nil {
		r.rep.Info("media relay (mediamtx) not installed; RTSP restreaming disabled")
	}
	return Pass, ""
}

func (r *Reconciler) checkConfig(context.Context) (Verdict, string) {
	if _, err := os.Stat(runtimecfg.Path(r.root)); err == nil {
		return Pass, ""
	}
	if err := runtimecfg.Save(r.root, runtimecfg.Default()); err != nil {
		return Warned, fmt.Sprintf("could not write default configuration: %v", err)
	}
	return Fixed, "default configuration written"
}

// checkActivation validates stored credentials without consuming a token:
// lookup and verify only. A device that no longer verifies is warned about,
// never silently re-activated.
func (r *Reconciler) checkActivation(ctx context.Context) (Verdict, string) {
	cfg, err := runtimecfg.Load(r.root)
	if err != nil {
		return Warned, fmt.Sprintf("configuration unreadable: %v", err)
	}

	if !cfg.Activated() {
		if r.creds != nil && r.creds.Exists() {
			cached, err := r.creds.Load()
			if err != nil {
				return Warned, fmt.Sprintf("cached credentials unreadable: %v", err)
			}
			if err := r.verifier.Reverify(ctx, cached.DeviceKey, cached.TokenCode); err != nil {
				return Warned, fmt.Sprintf("cached credentials no longer verify: %v", err)
			}
			cfg.SetActivation(cached.Authority, cached.DeviceKey, cached.TokenCode)
			if err := runtimecfg.Save(r.root, cfg); err != nil {
				return Warned, fmt.Sprintf("could not restore credentials: %v", err)
			}
			return Fixed, "activation credentials restored from cache"
		}
		// Opt-out installs legitimately have no credentials.
		return Pass, ""
	}

	if err := r.verifier.Reverify(ctx, cfg.Meeting.DeviceKey, cfg.Meeting.TokenCode); err != nil {
		return Warned, fmt.Sprintf("stored credentials no longer verify: %v; re-run activation with a fresh token", err)
	}
	return Pass, ""
}

func (r *Reconciler) checkLogs(ctx context.Context) (Verdict, string) {
	logs := filepath.Join(r.root, "logs")
	info, err := os.Stat(logs)
	if err != nil || !info.IsDir() {
		if err := r.idn.Ensure(ctx, r.root); err != nil {
			return Warned, fmt.Sprintf("could not recreate log directory: %v", err)
		}
		return Fixed, "log directory recreated"
	}

	wantUID, _, err := r.resolveIDs(r.user, r.group)
	if err != nil {
		return Warned, fmt.Sprintf("cannot resolve service account: %v", err)
	}
	uid, _, err := r.ownerOf(logs)
	if err != nil {
		return Warned, fmt.Sprintf("cannot stat log directory: %v", err)
	}
	if uid != wantUID {
		if err := r.idn.Normalize(ctx, r.root); err != nil {
			return Warned, fmt.Sprintf("could not fix log ownership: %v", err)
		}
		return Fixed, "log directory ownership corrected"
	}
	// The service appends to logs/ at runtime; an owner without the write
	// bit fails on the first log line even when ownership is right.
	if info.Mode().Perm()&0o200 == 0 {
		if err := r.idn.Normalize(ctx, r.root); err != nil {
			return Warned, fmt.Sprintf("could not fix log permissions: %v", err)
		}
		return Fixed, "log directory permissions corrected"
	}
	return Pass, ""
}

// fileOwner returns a path's numeric owner and group.
func fileOwner(path string) (int, int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, fmt.Errorf("no ownership info for %s", path)
	}
	return int(st.Uid), int(st.Gid), nil
}

// lookupIDs resolves the service account and group to numeric ids.
func lookupIDs(username, groupname string) (int, int, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return 0, 0, err
	}
	g, err := user.LookupGroup(groupname)
	if err != nil {
		return 0, 0, err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, err
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return 0, 0, err
	}
	return uid, gid, nil
}
