// Package probe validates the host environment before any mutation:
// privilege, OS family, and network reachability. A failed probe aborts the
// run with guidance instead of leaving a half-provisioned host behind.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/camhub/camdeploy/internal/prompt"
	"github.com/camhub/camdeploy/internal/report"
)

// supportedFamilies are the ID/ID_LIKE values the deployed service is
// validated against (Raspberry Pi OS and its Debian relatives).
var supportedFamilies = []string{"debian", "ubuntu", "raspbian"}

// networkProbeTimeout bounds the single reachability check. Later network
// calls carry their own timeouts; this one only decides whether to start.
const networkProbeTimeout = 10 * time.Second

// ErrAborted is returned when the operator declines to continue on an
// unsupported OS family.
var ErrAborted = errors.New("aborted by operator")

// Prober runs the ordered preflight checks.
type Prober struct {
	logger   *slog.Logger
	rep      *report.Printer
	prompter prompt.Source
	client   *http.Client

	// osReleasePath is overridable in tests.
	osReleasePath string
	// euid is overridable in tests.
	euid func() int
}

// New creates a Prober.
func New(logger *slog.Logger, rep *report.Printer, prompter prompt.Source) *Prober {
	return &Prober{
		logger:        logger,
		rep:           rep,
		prompter:      prompter,
		client:        &http.Client{Timeout: networkProbeTimeout},
		osReleasePath: "/etc/os-release",
		euid:          os.Geteuid,
	}
}

// Run executes the checks in order, short-circuiting on the first failure:
// privilege, OS family (warn-and-confirm), network reachability (fatal).
// probeURL is the release host; reaching it proves both the download and
// activation paths have connectivity.
func (p *Prober) Run(ctx context.Context, probeURL string) error {
	p.rep.Step("checking environment")

	if err := p.requirePrivilege(); err != nil {
		return err
	}

	if err := p.checkOSFamily(); err != nil {
		return err
	}

	if err := p.checkNetwork(ctx, probeURL); err != nil {
		return err
	}

	p.rep.Success("environment checks passed")
	return nil
}

// requirePrivilege verifies the invoking process holds root.
func (p *Prober) requirePrivilege() error {
	if p.euid() != 0 {
		return errors.New("this tool must run as root: re-run with sudo")
	}
	return nil
}

// checkOSFamily warns and asks for confirmation when the host is outside the
// supported Debian family. An unknown family is not fatal; the operator
// decides.
func (p *Prober) checkOSFamily() error {
	id, like, err := readOSRelease(p.osReleasePath)
	if err != nil {
		p.logger.Warn("could not read os-release", "error", err)
	}

	if familySupported(id, like) {
		p.logger.Debug("os family supported", "id", id, "id_like", like)
		return nil
	}

	p.rep.Warning("host OS %q is not a validated target (Debian family expected)", id)
	ok, err := p.prompter.Confirm("continue on an unsupported OS?", false)
	if err != nil {
		return fmt.Errorf("read confirmation: %w", err)
	}
	if !ok {
		return ErrAborted
	}
	return nil
}

// checkNetwork issues a single low-cost probe. Unreachable is fatal: nothing
// downstream works without the release and activation hosts.
func (p *Prober) checkNetwork(ctx context.Context, probeURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, probeURL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("network unreachable (%v): check connectivity and DNS, then retry", err)
	}
	resp.Body.Close()

	// Any HTTP response proves reachability; status is irrelevant here.
	p.logger.Debug("network probe ok", "url", probeURL, "status", resp.StatusCode)
	return nil
}

// readOSRelease parses ID and ID_LIKE out of an os-release file.
func readOSRelease(path string) (id, like string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "ID="):
			id = strings.Trim(strings.TrimPrefix(line, "ID="), `"`)
		case strings.HasPrefix(line, "ID_LIKE="):
			like = strings.Trim(strings.TrimPrefix(line, "ID_LIKE="), `"`)
		}
	}
	return id, like, nil
}

// familySupported reports whether ID or any ID_LIKE entry is a supported family.
func familySupported(id, like string) bool {
	candidates := append([]string{id}, strings.Fields(like)...)
	for _, c := range candidates {
		for _, fam := range supportedFamilies {
			if strings.EqualFold(c, fam) {
				return true
			}
		}
	}
	return false
}
