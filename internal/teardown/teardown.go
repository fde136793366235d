// Package teardown removes a deployed installation: unit, tree, identity,
// and, unless preserved, configuration and cached activation credentials.
// It tolerates half-provisioned hosts so uninstall also cleans up after a
// failed install.
package teardown

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/camhub/camdeploy/internal/credentials"
	"github.com/camhub/camdeploy/internal/identity"
	"github.com/camhub/camdeploy/internal/report"
	"github.com/camhub/camdeploy/internal/runtimecfg"
	"github.com/camhub/camdeploy/internal/unit"
)

// DefaultBackupParent is where preserved configuration lands.
const DefaultBackupParent = "/var/backups/camhub"

// Options steers a teardown run.
type Options struct {
	// PreserveConfig backs up the config subtree before removal.
	PreserveConfig bool
	// BackupParent overrides DefaultBackupParent; tests point it at a temp dir.
	BackupParent string
	// KeepIdentity leaves the service account and group in place.
	KeepIdentity bool
}

// Result reports what a teardown did.
type Result struct {
	BackupPath string
}

// collaborator interfaces, narrowed for testability.

type unitRemover interface {
	Remove(ctx context.Context) error
}

type identityRemover interface {
	Remove(ctx context.Context) error
}

type credentialDeleter interface {
	Delete() error
}

// Teardown removes an installation.
type Teardown struct {
	logger *slog.Logger
	rep    *report.Printer

	root  string
	idn   identityRemover
	units unitRemover
	creds credentialDeleter

	// removeAll is overridable in tests.
	removeAll func(path string) error
}

// New wires a Teardown.
func New(logger *slog.Logger, rep *report.Printer, root string,
	idn *identity.Provisioner, units *unit.Manager, creds *credentials.Store) *Teardown {
	return &Teardown{
		logger:    logger,
		rep:       rep,
		root:      root,
		idn:       idn,
		units:     units,
		creds:     creds,
		removeAll: os.RemoveAll,
	}
}

// Run executes the teardown: unit first so nothing restarts mid-removal,
// then optional backup, tree, identity, and the credential cache. With
// preservation declined, no trace of the installation remains.
func (t *Teardown) Run(ctx context.Context, opts Options) (*Result, error) {
	res := &Result{}

	t.rep.Step("removing service unit")
	if err := t.units.Remove(ctx); err != nil {
		return nil, fmt.Errorf("remove unit: %w", err)
	}

	if opts.PreserveConfig {
		parent := opts.BackupParent
		if parent == "" {
			parent = DefaultBackupParent
		}
		if err := os.MkdirAll(parent, 0o750); err != nil {
			return nil, fmt.Errorf("create backup parent: %w", err)
		}
		backup, err := runtimecfg.BackupConfig(t.root, parent)
		if err != nil {
			t.rep.Warning("could not back up configuration: %v", err)
		} else {
			res.BackupPath = backup
			t.rep.Info("configuration preserved at %s", backup)
		}
	}

	t.rep.Step("removing installation root")
	if err := t.removeAll(t.root); err != nil {
		return nil, fmt.Errorf("remove installation root: %w", err)
	}

	if !opts.KeepIdentity {
		t.rep.Step("removing service identity")
		if err := t.idn.Remove(ctx); err != nil {
			t.rep.Warning("could not remove service identity: %v", err)
		}
	}

	if !opts.PreserveConfig {
		if err := t.creds.Delete(); err != nil {
			t.rep.Warning("could not remove credential cache: %v", err)
		}
	}

	t.rep.Success("uninstall complete")
	return res, nil
}
