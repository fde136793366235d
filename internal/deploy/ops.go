package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/camhub/camdeploy/internal/credentials"
	"github.com/camhub/camdeploy/internal/history"
	"github.com/camhub/camdeploy/internal/prompt"
	"github.com/camhub/camdeploy/internal/release"
	"github.com/camhub/camdeploy/internal/runtimecfg"
	"github.com/camhub/camdeploy/internal/teardown"
	"github.com/camhub/camdeploy/internal/unit"
)

// ErrAborted is returned when the operator declines a confirmation.
var ErrAborted = errors.New("aborted by operator")

// record appends a journal event, logging rather than failing on error: a
// broken journal must never fail a deployment that already succeeded.
func (d *Deployer) record(ev *history.Event) {
	if d.journal == nil {
		return
	}
	if err := d.journal.Record(ev); err != nil {
		d.cfg.Logger.Warn("could not record history event", "error", err)
	}
}

// Install provisions a fresh installation: probe, fetch, dependencies,
// identity, activation (unless skipped), then the unit. Identity always
// precedes the unit; the unit's account must exist before enable.
func (d *Deployer) Install(ctx context.Context) error {
	started := time.Now().UTC()

	branch, err := d.install(ctx)
	ev := &history.Event{Action: "install", Branch: branch, StartedAt: started}
	if err != nil {
		ev.Outcome = outcomeFor(err)
		ev.Detail = err.Error()
		d.record(ev)
		return err
	}

	ev.Outcome = history.OutcomeOK
	ev.Version = release.InstalledVersion(d.cfg.Root)
	d.record(ev)
	return nil
}

func (d *Deployer) install(ctx context.Context) (string, error) {
	if err := d.prober.Run(ctx, probeURL); err != nil {
		return "", err
	}

	branch, err := d.resolveBranch(ctx)
	if err != nil {
		return "", err
	}

	d.deps.InstallSystemPackages(ctx)

	if err := d.releases.InstallTree(ctx, branch, d.cfg.Root, []string{"config"}); err != nil {
		return branch, err
	}

	if err := d.deps.EnsureVenv(ctx, d.cfg.Root); err != nil {
		return branch, err
	}
	if err := d.deps.InstallRequirements(ctx, d.cfg.Root); err != nil {
		return branch, err
	}
	d.deps.ProbeVideo(ctx, d.cfg.Root)

	if err := d.idn.Ensure(ctx, d.cfg.Root); err != nil {
		return branch, err
	}

	if d.cfg.SkipActivation {
		d.cfg.Report.Info("activation skipped; the service will run unactivated")
		if err := d.ensureConfig(); err != nil {
			return branch, err
		}
	} else {
		if err := d.activate(ctx); err != nil {
			return branch, err
		}
	}

	if err := d.installUnit(ctx); err != nil {
		return branch, err
	}
	if err := d.units.RestartWithPortReclaim(ctx); err != nil {
		d.cfg.Report.Warning("service installed but not active: %v", err)
	}

	if err := d.saveDeployedState(ctx, branch); err != nil {
		d.cfg.Logger.Warn("could not record deployed state", "error", err)
	}

	d.cfg.Report.Success("installation complete")
	return branch, nil
}

// activate gathers credentials, runs the four-step exchange, and persists
// them into the runtime configuration and the encrypted cache. Credentials
// touch disk only after the consumption call succeeded.
func (d *Deployer) activate(ctx context.Context) error {
	deviceKey := d.cfg.DeviceKey
	tokenCode := d.cfg.TokenCode

	var err error
	if deviceKey == "" {
		deviceKey, err = d.cfg.Prompter.Input("device key", "")
		if err != nil {
			return fmt.Errorf("read device key: %w", err)
		}
	}
	if tokenCode == "" {
		tokenCode, err = d.cfg.Prompter.Secret("token code")
		if err != nil {
			return fmt.Errorf("read token code: %w", err)
		}
	}

	res, err := d.activator.Activate(ctx, deviceKey, tokenCode)
	if err != nil {
		return err
	}

	cfg, err := runtimecfg.Load(d.cfg.Root)
	if err != nil {
		cfg = runtimecfg.Default()
	}
	cfg.SetActivation(res.Authority, res.DeviceKey, res.TokenCode)
	if err := runtimecfg.Save(d.cfg.Root, cfg); err != nil {
		return fmt.Errorf("persist activation: %w", err)
	}

	if err := d.creds.Save(&credentials.Credentials{
		DeviceKey:   res.DeviceKey,
		TokenCode:   res.TokenCode,
		Authority:   res.Authority,
		ActivatedAt: time.Now().UTC(),
	}); err != nil {
		d.cfg.Logger.Warn("could not cache credentials", "error", err)
	}
	return nil
}

func (d *Deployer) installUnit(ctx context.Context) error {
	content, err := unit.Render(d.cfg.unitParams())
	if err != nil {
		return err
	}
	if err := d.units.Install(ctx, content); err != nil {
		return err
	}
	return d.units.Enable(ctx)
}

func (d *Deployer) saveDeployedState(ctx context.Context, branch string) error {
	s := &State{
		Branch:      branch,
		Version:     release.InstalledVersion(d.cfg.Root),
		InstalledAt: time.Now().UTC(),
	}
	if head, err := d.releases.BranchHead(ctx, branch); err == nil {
		s.Commit = head.Commit.SHA
	}
	return SaveState(d.cfg.Root, s)
}

// Update refreshes the deployed tree on the current (or selected) branch.
// The configuration subtree is carried across the destructive copy by a
// snapshot that is restored whether or not the copy succeeds.
func (d *Deployer) Update(ctx context.Context) error {
	started := time.Now().UTC()

	branch, err := d.update(ctx)
	ev := &history.Event{Action: "update", Branch: branch, StartedAt: started}
	if err != nil {
		ev.Outcome = outcomeFor(err)
		ev.Detail = err.Error()
		d.record(ev)
		return err
	}

	ev.Outcome = history.OutcomeOK
	ev.Version = release.InstalledVersion(d.cfg.Root)
	d.record(ev)
	return nil
}

func (d *Deployer) update(ctx context.Context) (string, error) {
	if err := d.prober.Run(ctx, probeURL); err != nil {
		return "", err
	}

	branch := d.cfg.Branch
	if branch == "" {
		if s := LoadState(d.cfg.Root); s != nil && s.Branch != "" {
			branch = s.Branch
		} else {
			branch = release.DefaultBranch
		}
	}

	// Skip the fetch when the deployed commit already matches the branch
	// head, unless forced.
	if !d.cfg.Force {
		if s := LoadState(d.cfg.Root); s != nil && s.Commit != "" {
			if head, err := d.releases.BranchHead(ctx, branch); err == nil && head.Commit.SHA == s.Commit {
				d.cfg.Report.Info("already up to date (%s @ %s)", branch, head.ShortSHA())
				return branch, nil
			}
		}
	}

	snap, err := runtimecfg.TakeSnapshot(d.cfg.Root)
	if err != nil {
		return branch, err
	}

	installErr := d.releases.InstallTree(ctx, branch, d.cfg.Root, []string{"config"})

	// The snapshot is restored regardless of the copy's outcome; a failed
	// update must not leave the configuration subtree behind.
	if err := snap.Restore(d.cfg.Root); err != nil {
		d.cfg.Report.Warning("could not restore configuration snapshot: %v", err)
	}
	if installErr != nil {
		return branch, installErr
	}

	if err := d.deps.EnsureVenv(ctx, d.cfg.Root); err != nil {
		return branch, err
	}
	if err := d.deps.InstallRequirements(ctx, d.cfg.Root); err != nil {
		return branch, err
	}

	if err := d.idn.Ensure(ctx, d.cfg.Root); err != nil {
		return branch, err
	}

	if !d.units.Installed() || !d.units.Current() {
		if err := d.installUnit(ctx); err != nil {
			return branch, err
		}
	}
	if err := d.units.RestartWithPortReclaim(ctx); err != nil {
		d.cfg.Report.Warning("updated but service not active: %v", err)
	}

	if err := d.saveDeployedState(ctx, branch); err != nil {
		d.cfg.Logger.Warn("could not record deployed state", "error", err)
	}

	d.cfg.Report.Success("update complete")
	return branch, nil
}

// Uninstall removes the installation after confirmation, offering to
// preserve the configuration subtree.
func (d *Deployer) Uninstall(ctx context.Context) error {
	started := time.Now().UTC()

	ok, err := d.cfg.Prompter.Confirm(fmt.Sprintf("remove the installation at %s?", d.cfg.Root), false)
	if err != nil {
		return fmt.Errorf("read confirmation: %w", err)
	}
	if !ok {
		d.record(&history.Event{Action: "uninstall", Outcome: history.OutcomeAborted, StartedAt: started})
		return ErrAborted
	}

	preserve, err := d.cfg.Prompter.Confirm("preserve the configuration as a backup?", true)
	if err != nil {
		return fmt.Errorf("read confirmation: %w", err)
	}

	res, err := d.tear.Run(ctx, teardown.Options{PreserveConfig: preserve})
	ev := &history.Event{Action: "uninstall", StartedAt: started}
	if err != nil {
		ev.Outcome = history.OutcomeFailed
		ev.Detail = err.Error()
		d.record(ev)
		return err
	}

	ev.Outcome = history.OutcomeOK
	if res.BackupPath != "" {
		ev.Detail = "config preserved at " + res.BackupPath
	}
	d.record(ev)
	return nil
}

// Repair runs the reconciler battery. Damage beyond auto-fix triggers a
// guarded reinstall that carries the configuration subtree across. After a
// plain repair the service is restarted if it had been running, otherwise
// the operator is offered a start.
func (d *Deployer) Repair(ctx context.Context) error {
	started := time.Now().UTC()

	out, err := d.rec.Run(ctx)
	if err != nil {
		d.record(&history.Event{Action: "repair", Outcome: history.OutcomeFailed, Detail: err.Error(), StartedAt: started})
		return err
	}

	ev := &history.Event{
		Action:      "repair",
		IssuesFound: out.Found,
		IssuesFixed: out.Fixed,
		StartedAt:   started,
	}

	if out.Reinstall {
		ok, err := d.cfg.Prompter.Confirm("damage exceeds repair; reinstall with configuration preserved?", true)
		if err != nil {
			return fmt.Errorf("read confirmation: %w", err)
		}
		if !ok {
			ev.Outcome = history.OutcomeAborted
			d.record(ev)
			return ErrAborted
		}

		snap, err := runtimecfg.TakeSnapshot(d.cfg.Root)
		if err != nil {
			return err
		}
		// The fresh install re-uses cached credentials via the reconciler
		// on a later pass; it must not prompt for a new token here.
		d.cfg.SkipActivation = true
		_, installErr := d.install(ctx)
		if err := snap.Restore(d.cfg.Root); err != nil {
			d.cfg.Report.Warning("could not restore configuration snapshot: %v", err)
		}
		if installErr != nil {
			ev.Outcome = history.OutcomeFailed
			ev.Detail = installErr.Error()
			d.record(ev)
			return installErr
		}
		ev.Outcome = history.OutcomeOK
		ev.Detail = "reinstalled with configuration preserved"
		d.record(ev)
		return nil
	}

	if out.WasActive {
		if err := d.units.RestartWithPortReclaim(ctx); err != nil {
			d.cfg.Report.Warning("repaired but service not active: %v", err)
		}
	} else if out.Fixed > 0 {
		ok, err := d.cfg.Prompter.Confirm("service is stopped; start it now?", false)
		if err != nil && !errors.Is(err, prompt.ErrNonInteractive) {
			return fmt.Errorf("read confirmation: %w", err)
		}
		if ok {
			if err := d.units.Start(ctx); err != nil {
				d.cfg.Report.Warning("could not start service: %v", err)
			}
		}
	}

	ev.Outcome = history.OutcomeOK
	d.record(ev)
	return nil
}

// RefreshUnit regenerates the unit descriptor from the current template and
// restarts the service if it was running.
func (d *Deployer) RefreshUnit(ctx context.Context) error {
	started := time.Now().UTC()

	if !d.cfg.Force && d.units.Installed() && d.units.Current() {
		d.cfg.Report.Info("service unit already current")
		return nil
	}

	wasActive := d.units.IsActive()
	if err := d.installUnit(ctx); err != nil {
		d.record(&history.Event{Action: "refresh-unit", Outcome: history.OutcomeFailed, Detail: err.Error(), StartedAt: started})
		return err
	}
	if wasActive {
		if err := d.units.RestartWithPortReclaim(ctx); err != nil {
			d.cfg.Report.Warning("unit refreshed but service not active: %v", err)
		}
	}

	d.cfg.Report.Success("service unit refreshed")
	d.record(&history.Event{Action: "refresh-unit", Outcome: history.OutcomeOK, StartedAt: started})
	return nil
}

// outcomeFor maps an operator abort to its own outcome.
func outcomeFor(err error) string {
	if errors.Is(err, ErrAborted) {
		return history.OutcomeAborted
	}
	return history.OutcomeFailed
}
