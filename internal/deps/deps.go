// Package deps provisions the deployed service's dependencies: OS packages
// through apt and an isolated Python runtime populated from the tree's
// requirements manifest.
package deps

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/camhub/camdeploy/internal/report"
	"github.com/camhub/camdeploy/internal/sysexec"
)

// systemPackages is the OS-level batch the service needs on a Debian-family
// host. Individual failures inside the batch are common on trimmed images and
// never fatal to the core service.
var systemPackages = []string{
	"python3",
	"python3-venv",
	"python3-pip",
	"ffmpeg",
	"v4l-utils",
	"unzip",
	"curl",
}

// Provisioner installs system packages and populates the service venv.
type Provisioner struct {
	logger *slog.Logger
	rep    *report.Printer

	// run executes a privileged command; overridable in tests.
	run func(ctx context.Context, name string, args ...string) (*sysexec.Result, error)
}

// New creates a Provisioner backed by sysexec.Sudo.
func New(logger *slog.Logger, rep *report.Printer) *Provisioner {
	return &Provisioner{
		logger: logger,
		rep:    rep,
		run:    sysexec.Sudo,
	}
}

// VenvPath returns the runtime directory under an installation root.
func VenvPath(root string) string {
	return filepath.Join(root, "venv")
}

// venvPython returns the interpreter path inside a venv.
func venvPython(root string) string {
	return filepath.Join(VenvPath(root), "bin", "python3")
}

// InstallSystemPackages installs the OS package batch. A failed batch is
// reported as a warning and provisioning continues: most of the batch is
// usually already present and a single unavailable package must not block
// the deployment.
func (p *Provisioner) InstallSystemPackages(ctx context.Context) {
	p.rep.Step("installing system packages")

	args := append([]string{"install", "-y", "--no-install-recommends"}, systemPackages...)
	result, err := p.run(ctx, "apt-get", args...)
	if err != nil {
		p.logger.Warn("apt batch failed", "error", sysexec.FormatError(err, result))
		p.rep.Warning("some system packages could not be installed; continuing")
		return
	}
	p.rep.Success("system packages installed")
}

// EnsureVenv creates the service's Python venv under root if it does not
// exist yet. An existing venv is left untouched.
func (p *Provisioner) EnsureVenv(ctx context.Context, root string) error {
	if _, err := os.Stat(venvPython(root)); err == nil {
		p.logger.Debug("venv already present", "path", VenvPath(root))
		return nil
	}

	p.rep.Step("creating python runtime")
	result, err := p.run(ctx, "python3", "-m", "venv", VenvPath(root))
	if err != nil {
		return fmt.Errorf("create venv: %s", sysexec.FormatError(err, result))
	}
	return nil
}

// InstallRequirements populates the venv from the tree's requirements
// manifest. A single bulk install is attempted first; on failure it degrades
// to a per-entry loop so one broken pin does not block the rest. Per-entry
// failures are warnings.
func (p *Provisioner) InstallRequirements(ctx context.Context, root string) error {
	manifest := filepath.Join(root, "requirements.txt")
	entries, err := readRequirements(manifest)
	if err != nil {
		if os.IsNotExist(err) {
			p.logger.Info("no requirements manifest", "path", manifest)
			return nil
		}
		return fmt.Errorf("read requirements: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	p.rep.Step("installing python dependencies (%d entries)", len(entries))
	pip := []string{"-m", "pip", "install", "--no-cache-dir", "-r", manifest}
	result, err := p.run(ctx, venvPython(root), pip...)
	if err == nil {
		p.rep.Success("python dependencies installed")
		return nil
	}
	p.logger.Warn("bulk pip install failed, retrying per entry", "error", sysexec.FormatError(err, result))

	failed := 0
	for _, entry := range entries {
		result, err := p.run(ctx, venvPython(root), "-m", "pip", "install", "--no-cache-dir", entry)
		if err != nil {
			failed++
			p.logger.Warn("dependency failed", "entry", entry, "error", sysexec.FormatError(err, result))
			p.rep.Warning("could not install %q; continuing", entry)
		}
	}
	if failed > 0 {
		p.rep.Warning("%d of %d python dependencies failed to install", failed, len(entries))
	} else {
		p.rep.Success("python dependencies installed")
	}
	return nil
}

// ProbeVideo reports whether the optional video-processing library imports
// inside the venv. The result only decides whether the dependent streaming
// feature runs; it never fails provisioning.
func (p *Provisioner) ProbeVideo(ctx context.Context, root string) bool {
	result, err := p.run(ctx, venvPython(root), "-c", "import cv2")
	ok := err == nil && (result == nil || result.ExitCode == 0)
	if ok {
		p.rep.Info("video processing available")
	} else {
		p.rep.Info("video processing unavailable; streaming features will be disabled")
	}
	return ok
}

// readRequirements parses a pip requirements manifest into installable
// entries, dropping blanks, comments, and option lines.
func readRequirements(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}
		entries = append(entries, line)
	}
	return entries, scanner.Err()
}
