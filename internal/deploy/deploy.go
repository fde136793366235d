// Package deploy composes the provisioning phases into the top-level
// actions: install, update, uninstall, repair, and refresh-unit. All state a
// phase needs travels in an explicit Context; there are no ambient globals.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/camhub/camdeploy/internal/activation"
	"github.com/camhub/camdeploy/internal/credentials"
	"github.com/camhub/camdeploy/internal/deps"
	"github.com/camhub/camdeploy/internal/history"
	"github.com/camhub/camdeploy/internal/identity"
	"github.com/camhub/camdeploy/internal/ports"
	"github.com/camhub/camdeploy/internal/probe"
	"github.com/camhub/camdeploy/internal/prompt"
	"github.com/camhub/camdeploy/internal/reconciler"
	"github.com/camhub/camdeploy/internal/release"
	"github.com/camhub/camdeploy/internal/report"
	"github.com/camhub/camdeploy/internal/runtimecfg"
	"github.com/camhub/camdeploy/internal/teardown"
	"github.com/camhub/camdeploy/internal/unit"
	"github.com/camhub/camdeploy/internal/validate"
)

// Service deployment defaults.
const (
	DefaultRoot  = "/opt/camhub"
	DefaultUser  = "camhub"
	DefaultGroup = "camhub"

	// DefaultsPath is the optional operator defaults file.
	DefaultsPath = "/etc/camdeploy/camdeploy.yaml"

	// probeURL is what the environment prober reaches for; reaching the
	// release host proves download and activation connectivity.
	probeURL = "https://api.github.com"
)

// Defaults is the optional YAML defaults file. Flags override it.
type Defaults struct {
	Branch         string `yaml:"branch"`
	Root           string `yaml:"root"`
	AssumeYes      bool   `yaml:"assume_yes"`
	SkipActivation bool   `yaml:"skip_activation"`
	DataDir        string `yaml:"data_dir"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
}

// LoadDefaults reads the defaults file. A missing file yields zero values.
func LoadDefaults(path string) (*Defaults, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Defaults{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read defaults file: %w", err)
	}
	var d Defaults
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse defaults file: %w", err)
	}
	return &d, nil
}

// Context carries everything a phase needs. Built once per invocation from
// defaults plus flags, then threaded through every phase function.
type Context struct {
	Branch string `validate:"omitempty,branch"`
	Root   string `validate:"required"`
	User   string `validate:"required"`
	Group  string `validate:"required"`

	DeviceKey      string `validate:"omitempty,devicekey"`
	TokenCode      string
	SkipActivation bool

	AssumeYes bool
	Force     bool
	DataDir   string

	Logger   *slog.Logger
	Report   *report.Printer
	Prompter prompt.Source
}

// NewContext applies service defaults over the zero value and validates.
func NewContext(d *Defaults, logger *slog.Logger, rep *report.Printer, prompter prompt.Source) (*Context, error) {
	c := &Context{
		Branch:         d.Branch,
		Root:           d.Root,
		User:           DefaultUser,
		Group:          DefaultGroup,
		AssumeYes:      d.AssumeYes,
		SkipActivation: d.SkipActivation,
		DataDir:        d.DataDir,
		Logger:         logger,
		Report:         rep,
		Prompter:       prompter,
	}
	if c.Root == "" {
		c.Root = DefaultRoot
	}
	if c.DataDir == "" {
		c.DataDir = credentials.DefaultDataDir
	}
	if err := validate.Struct(c); err != nil {
		return nil, err
	}
	return c, nil
}

// unitParams derives the unit template parameters for this context.
func (c *Context) unitParams() unit.Params {
	return unit.Params{
		Root:        c.Root,
		User:        c.User,
		Group:       c.Group,
		BindAddress: "0.0.0.0",
		BindPort:    unit.PrimaryPort,
	}
}

// collaborator interfaces, narrowed so orchestration tests can fake phases.

type prober interface {
	Run(ctx context.Context, probeURL string) error
}

type fetcher interface {
	InstallTree(ctx context.Context, branch, root string, protect []string) error
	BranchHead(ctx context.Context, branch string) (*release.BranchInfo, error)
}

type provisioner interface {
	InstallSystemPackages(ctx context.Context)
	EnsureVenv(ctx context.Context, root string) error
	InstallRequirements(ctx context.Context, root string) error
	ProbeVideo(ctx context.Context, root string) bool
}

type identityMgr interface {
	Ensure(ctx context.Context, root string) error
}

type unitMgr interface {
	Installed() bool
	Current() bool
	IsActive() bool
	Install(ctx context.Context, content string) error
	Enable(ctx context.Context) error
	Start(ctx context.Context) error
	RestartWithPortReclaim(ctx context.Context) error
}

type activator interface {
	Activate(ctx context.Context, deviceKey, tokenCode string) (*activation.Result, error)
}

type credentialCache interface {
	Save(creds *credentials.Credentials) error
}

type reconcilerRunner interface {
	Run(ctx context.Context) (*reconciler.Outcome, error)
}

type remover interface {
	Run(ctx context.Context, opts teardown.Options) (*teardown.Result, error)
}

type journal interface {
	Record(ev *history.Event) error
}

// Deployer executes the top-level actions.
type Deployer struct {
	cfg *Context

	prober    prober
	releases  fetcher
	deps      provisioner
	idn       identityMgr
	units     unitMgr
	activator activator
	creds     credentialCache
	rec       reconcilerRunner
	tear      remover
	journal   journal

	// selectBranch resolves the branch interactively; overridable in tests.
	selectBranch func(ctx context.Context) (string, error)
}

// New wires a Deployer from concrete components.
func New(cfg *Context, j *history.Journal) *Deployer {
	client := release.NewClient(cfg.Logger)
	idn := identity.New(cfg.Logger, cfg.Report, cfg.User, cfg.Group)
	dp := deps.New(cfg.Logger, cfg.Report)
	reg := ports.NewRegistry(cfg.Logger)
	units := unit.NewManager(cfg.Logger, cfg.Report, reg)
	act := activation.NewClient(cfg.Logger, cfg.Report)
	credStore := credentials.NewStore(cfg.DataDir)

	d := &Deployer{
		cfg:       cfg,
		prober:    probe.New(cfg.Logger, cfg.Report, cfg.Prompter),
		releases:  client,
		deps:      dp,
		idn:       idn,
		units:     units,
		activator: act,
		creds:     credStore,
		rec: reconciler.New(cfg.Logger, cfg.Report, cfg.Root, cfg.User, cfg.Group,
			cfg.unitParams(), idn, dp, units, act, credStore),
		tear: teardown.New(cfg.Logger, cfg.Report, cfg.Root, idn, units, credStore),
		selectBranch: func(ctx context.Context) (string, error) {
			return release.SelectBranch(ctx, client, cfg.Prompter, cfg.Report)
		},
	}
	// A nil *history.Journal must stay a nil interface so record skips it.
	if j != nil {
		d.journal = j
	}
	return d
}

// resolveBranch picks the branch: an explicit flag wins, otherwise the
// interactive selection (which itself falls back to the default branch).
func (d *Deployer) resolveBranch(ctx context.Context) (string, error) {
	if d.cfg.Branch != "" {
		return d.cfg.Branch, nil
	}
	return d.selectBranch(ctx)
}

// ensureConfig guarantees a configuration file exists, writing defaults for
// opt-out installs that never ran activation.
func (d *Deployer) ensureConfig() error {
	if _, err := os.Stat(runtimecfg.Path(d.cfg.Root)); err == nil {
		return nil
	}
	return runtimecfg.Save(d.cfg.Root, runtimecfg.Default())
}
