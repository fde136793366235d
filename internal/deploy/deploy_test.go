package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camhub/camdeploy/internal/activation"
	"github.com/camhub/camdeploy/internal/credentials"
	"github.com/camhub/camdeploy/internal/history"
	"github.com/camhub/camdeploy/internal/prompt"
	"github.com/camhub/camdeploy/internal/reconciler"
	"github.com/camhub/camdeploy/internal/release"
	"github.com/camhub/camdeploy/internal/report"
	"github.com/camhub/camdeploy/internal/runtimecfg"
	"github.com/camhub/camdeploy/internal/teardown"
)

type fakeProber struct{ err error }

func (f *fakeProber) Run(context.Context, string) error { return f.err }

type fakeFetcher struct {
	headSHA   string
	headErr   error
	installed int
	fail      error
}

func (f *fakeFetcher) InstallTree(_ context.Context, branch, root string, protect []string) error {
	f.installed++
	if f.fail != nil {
		return f.fail
	}
	// Simulate the copy: code lands, protected subpaths untouched.
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(root, "run.py"), []byte("# svc"), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(root, "CHANGELOG.md"), []byte("## 1.4.0\n"), 0o644)
}

func (f *fakeFetcher) BranchHead(_ context.Context, branch string) (*release.BranchInfo, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	info := &release.BranchInfo{Name: branch}
	info.Commit.SHA = f.headSHA
	return info, nil
}

type fakeDeps struct{ steps *[]string }

func (f *fakeDeps) InstallSystemPackages(context.Context) { *f.steps = append(*f.steps, "apt") }
func (f *fakeDeps) EnsureVenv(context.Context, string) error {
	*f.steps = append(*f.steps, "venv")
	return nil
}
func (f *fakeDeps) InstallRequirements(context.Context, string) error {
	*f.steps = append(*f.steps, "pip")
	return nil
}
func (f *fakeDeps) ProbeVideo(context.Context, string) bool { return true }

type fakeIdentity struct{ steps *[]string }

func (f *fakeIdentity) Ensure(context.Context, string) error {
	*f.steps = append(*f.steps, "identity")
	return nil
}

type fakeUnits struct {
	steps     *[]string
	installed bool
	current   bool
	active    bool
}

func (f *fakeUnits) Installed() bool { return f.installed }
func (f *fakeUnits) Current() bool   { return f.installed && f.current }
func (f *fakeUnits) IsActive() bool  { return f.active }
func (f *fakeUnits) Install(context.Context, string) error {
	*f.steps = append(*f.steps, "unit-install")
	f.installed = true
	f.current = true
	return nil
}
func (f *fakeUnits) Enable(context.Context) error {
	*f.steps = append(*f.steps, "unit-enable")
	return nil
}
func (f *fakeUnits) Start(context.Context) error {
	*f.steps = append(*f.steps, "unit-start")
	f.active = true
	return nil
}
func (f *fakeUnits) RestartWithPortReclaim(context.Context) error {
	*f.steps = append(*f.steps, "unit-restart")
	f.active = true
	return nil
}

type fakeActivator struct {
	steps *[]string
	err   error
}

func (f *fakeActivator) Activate(_ context.Context, key, token string) (*activation.Result, error) {
	*f.steps = append(*f.steps, "activate")
	if f.err != nil {
		return nil, f.err
	}
	return &activation.Result{DeviceKey: key, TokenCode: token, Authority: activation.AuthorityURL, Remaining: 1}, nil
}

type fakeCredCache struct{ saved *credentials.Credentials }

func (f *fakeCredCache) Save(c *credentials.Credentials) error {
	f.saved = c
	return nil
}

type fakeReconciler struct{ out *reconciler.Outcome }

func (f *fakeReconciler) Run(context.Context) (*reconciler.Outcome, error) { return f.out, nil }

type fakeTeardown struct {
	called bool
	opts   teardown.Options
}

func (f *fakeTeardown) Run(_ context.Context, opts teardown.Options) (*teardown.Result, error) {
	f.called = true
	f.opts = opts
	return &teardown.Result{}, nil
}

type fakeJournal struct{ events []*history.Event }

func (f *fakeJournal) Record(ev *history.Event) error {
	f.events = append(f.events, ev)
	return nil
}

type fixture struct {
	steps     []string
	cfg       *Context
	prober    *fakeProber
	fetcher   *fakeFetcher
	units     *fakeUnits
	activator *fakeActivator
	creds     *fakeCredCache
	rec       *fakeReconciler
	tear      *fakeTeardown
	journal   *fakeJournal
	d         *Deployer
}

func newFixture(t *testing.T, src prompt.Source) *fixture {
	t.Helper()
	f := &fixture{
		prober:  &fakeProber{},
		fetcher: &fakeFetcher{headSHA: "abc1234def"},
		creds:   &fakeCredCache{},
		rec:     &fakeReconciler{out: &reconciler.Outcome{}},
		tear:    &fakeTeardown{},
		journal: &fakeJournal{},
	}
	f.units = &fakeUnits{steps: &f.steps}
	f.activator = &fakeActivator{steps: &f.steps}

	f.cfg = &Context{
		Branch:   "main",
		Root:     t.TempDir(),
		User:     "camhub",
		Group:    "camhub",
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Report:   report.New(io.Discard),
		Prompter: src,
	}
	f.d = &Deployer{
		cfg:       f.cfg,
		prober:    f.prober,
		releases:  f.fetcher,
		deps:      &fakeDeps{steps: &f.steps},
		idn:       &fakeIdentity{steps: &f.steps},
		units:     f.units,
		activator: f.activator,
		creds:     f.creds,
		rec:       f.rec,
		tear:      f.tear,
		journal:   f.journal,
		selectBranch: func(context.Context) (string, error) {
			f.steps = append(f.steps, "select-branch")
			return release.DefaultBranch, nil
		},
	}
	return f
}

func stepIndex(steps []string, name string) int {
	for i, s := range steps {
		if s == name {
			return i
		}
	}
	return -1
}

func TestInstallOrdering(t *testing.T) {
	f := newFixture(t, &prompt.Policy{Yes: true})
	f.cfg.DeviceKey = "CAM42X9"
	f.cfg.TokenCode = "T0K3N"

	require.NoError(t, f.d.Install(context.Background()))

	// Identity precedes the unit, activation precedes the unit, restart last.
	require.Equal(t, 1, f.fetcher.installed)
	idn := stepIndex(f.steps, "identity")
	act := stepIndex(f.steps, "activate")
	ui := stepIndex(f.steps, "unit-install")
	require.GreaterOrEqual(t, idn, 0)
	require.GreaterOrEqual(t, act, 0)
	require.Greater(t, ui, idn)
	require.Greater(t, ui, act)
	assert.Greater(t, stepIndex(f.steps, "unit-restart"), ui)
}

func TestInstallPersistsActivation(t *testing.T) {
	f := newFixture(t, &prompt.Policy{Yes: true})
	f.cfg.DeviceKey = "CAM42X9"
	f.cfg.TokenCode = "T0K3N"

	require.NoError(t, f.d.Install(context.Background()))

	cfg, err := runtimecfg.Load(f.cfg.Root)
	require.NoError(t, err)
	assert.True(t, cfg.Activated())
	assert.Equal(t, "CAM42X9", cfg.Meeting.DeviceKey)

	require.NotNil(t, f.creds.saved)
	assert.Equal(t, "T0K3N", f.creds.saved.TokenCode)
}

func TestInstallSkipActivation(t *testing.T) {
	f := newFixture(t, &prompt.Policy{Yes: true})
	f.cfg.SkipActivation = true

	require.NoError(t, f.d.Install(context.Background()))

	assert.Equal(t, -1, stepIndex(f.steps, "activate"))
	cfg, err := runtimecfg.Load(f.cfg.Root)
	require.NoError(t, err)
	assert.False(t, cfg.Activated())
}

func TestInstallFailedActivationWritesNothing(t *testing.T) {
	f := newFixture(t, &prompt.Policy{Yes: true})
	f.cfg.DeviceKey = "CAM42X9"
	f.cfg.TokenCode = "T0K3N"
	f.activator.err = activation.ErrConsumeFailed

	err := f.d.Install(context.Background())
	require.ErrorIs(t, err, activation.ErrConsumeFailed)

	assert.NoFileExists(t, runtimecfg.Path(f.cfg.Root))
	assert.Nil(t, f.creds.saved)
	assert.Equal(t, -1, stepIndex(f.steps, "unit-install"))
}

func TestInstallAbortsOnProbeFailure(t *testing.T) {
	f := newFixture(t, &prompt.Policy{})
	f.prober.err = errors.New("network unreachable")

	require.Error(t, f.d.Install(context.Background()))
	assert.Zero(t, f.fetcher.installed)
	assert.Empty(t, f.steps)
}

func TestInstallSelectsBranchWhenUnset(t *testing.T) {
	f := newFixture(t, &prompt.Policy{Yes: true})
	f.cfg.Branch = ""
	f.cfg.SkipActivation = true

	require.NoError(t, f.d.Install(context.Background()))
	assert.GreaterOrEqual(t, stepIndex(f.steps, "select-branch"), 0)
}

func TestUpdateSkipsWhenUpToDate(t *testing.T) {
	f := newFixture(t, &prompt.Policy{Yes: true})
	require.NoError(t, SaveState(f.cfg.Root, &State{
		Branch: "main", Commit: "abc1234def", InstalledAt: time.Now(),
	}))

	require.NoError(t, f.d.Update(context.Background()))
	assert.Zero(t, f.fetcher.installed)
}

func TestUpdateForcedIgnoresUpToDate(t *testing.T) {
	f := newFixture(t, &prompt.Policy{Yes: true})
	f.cfg.Force = true
	require.NoError(t, SaveState(f.cfg.Root, &State{
		Branch: "main", Commit: "abc1234def", InstalledAt: time.Now(),
	}))

	require.NoError(t, f.d.Update(context.Background()))
	assert.Equal(t, 1, f.fetcher.installed)
}

func TestUpdateCarriesConfigAcross(t *testing.T) {
	f := newFixture(t, &prompt.Policy{Yes: true})
	cfg := runtimecfg.Default()
	cfg.SetActivation(activation.AuthorityURL, "CAM42X9", "T0K3N")
	require.NoError(t, runtimecfg.Save(f.cfg.Root, cfg))

	// The fetch wipes the whole root, simulating worst-case replacement.
	f.fetcher.fail = nil
	wipe := f.fetcher
	f.d.releases = &wipingFetcher{inner: wipe}

	require.NoError(t, f.d.Update(context.Background()))

	loaded, err := runtimecfg.Load(f.cfg.Root)
	require.NoError(t, err)
	assert.True(t, loaded.Activated())
}

type wipingFetcher struct{ inner *fakeFetcher }

func (w *wipingFetcher) InstallTree(ctx context.Context, branch, root string, protect []string) error {
	os.RemoveAll(root)
	return w.inner.InstallTree(ctx, branch, root, protect)
}

func (w *wipingFetcher) BranchHead(ctx context.Context, branch string) (*release.BranchInfo, error) {
	return w.inner.BranchHead(ctx, branch)
}

func TestUninstallDeclined(t *testing.T) {
	f := newFixture(t, &prompt.Policy{}) // defaults: no

	err := f.d.Uninstall(context.Background())
	assert.ErrorIs(t, err, ErrAborted)
	assert.False(t, f.tear.called)

	require.Len(t, f.journal.events, 1)
	assert.Equal(t, history.OutcomeAborted, f.journal.events[0].Outcome)
}

func TestUninstallPreservesConfigByDefault(t *testing.T) {
	f := newFixture(t, &prompt.Policy{Yes: true})

	require.NoError(t, f.d.Uninstall(context.Background()))
	assert.True(t, f.tear.called)
	assert.True(t, f.tear.opts.PreserveConfig)
}

func TestRepairRestartsWhenWasActive(t *testing.T) {
	f := newFixture(t, &prompt.Policy{})
	f.rec.out = &reconciler.Outcome{Found: 1, Fixed: 1, WasActive: true}

	require.NoError(t, f.d.Repair(context.Background()))
	assert.GreaterOrEqual(t, stepIndex(f.steps, "unit-restart"), 0)
}

func TestRepairOffersStartWhenInactive(t *testing.T) {
	f := newFixture(t, &prompt.Policy{Yes: true})
	f.rec.out = &reconciler.Outcome{Found: 1, Fixed: 1}

	require.NoError(t, f.d.Repair(context.Background()))
	assert.Equal(t, -1, stepIndex(f.steps, "unit-restart"))
	assert.GreaterOrEqual(t, stepIndex(f.steps, "unit-start"), 0)
}

// declineAll answers no to every confirmation.
type declineAll struct{ prompt.Policy }

func (declineAll) Confirm(string, bool) (bool, error) { return false, nil }

func TestRepairReinstallDeclined(t *testing.T) {
	f := newFixture(t, &declineAll{})
	f.rec.out = &reconciler.Outcome{Found: 1, Reinstall: true}

	err := f.d.Repair(context.Background())
	assert.ErrorIs(t, err, ErrAborted)
	assert.Zero(t, f.fetcher.installed)
}

func TestRepairRecordsCounts(t *testing.T) {
	f := newFixture(t, &prompt.Policy{})
	f.rec.out = &reconciler.Outcome{Found: 3, Fixed: 3, WasActive: false}

	require.NoError(t, f.d.Repair(context.Background()))
	require.Len(t, f.journal.events, 1)
	assert.Equal(t, 3, f.journal.events[0].IssuesFound)
	assert.Equal(t, 3, f.journal.events[0].IssuesFixed)
}

func TestRefreshUnitSkipsWhenCurrent(t *testing.T) {
	f := newFixture(t, &prompt.Policy{})
	f.units.installed = true
	f.units.current = true

	require.NoError(t, f.d.RefreshUnit(context.Background()))
	assert.Equal(t, -1, stepIndex(f.steps, "unit-install"))
}

func TestRefreshUnitRegeneratesAndRestarts(t *testing.T) {
	f := newFixture(t, &prompt.Policy{})
	f.units.installed = true
	f.units.current = false
	f.units.active = true

	require.NoError(t, f.d.RefreshUnit(context.Background()))
	assert.GreaterOrEqual(t, stepIndex(f.steps, "unit-install"), 0)
	assert.GreaterOrEqual(t, stepIndex(f.steps, "unit-restart"), 0)
}

func TestLoadDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camdeploy.yaml")
	content := "branch: develop\nassume_yes: true\nlog_level: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	d, err := LoadDefaults(path)
	require.NoError(t, err)
	assert.Equal(t, "develop", d.Branch)
	assert.True(t, d.AssumeYes)
	assert.Equal(t, "debug", d.LogLevel)
}

func TestLoadDefaultsMissingFile(t *testing.T) {
	d, err := LoadDefaults(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, &Defaults{}, d)
}
