// Package ports frees network ports held by stale processes before the
// service binds them. Owners are discovered from the kernel's listening
// socket table via ss; termination is graceful-then-forceful with a bounded
// retry/backoff instead of a blind sleep-and-kill.
package ports

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/camhub/camdeploy/internal/sysexec"
)

const (
	// freeAttempts bounds the terminate-and-recheck loop per port.
	freeAttempts = 5
	// backoffStep grows the wait between rechecks: step, 2*step, ...
	backoffStep = 200 * time.Millisecond
)

var pidRe = regexp.MustCompile(`pid=(\d+)`)

// Registry answers who owns a listening port and evicts them.
type Registry struct {
	logger *slog.Logger

	// listeners returns the raw listening-socket table; overridable in tests.
	listeners func() (string, error)
	// kill sends a signal to a pid; overridable in tests.
	kill func(pid int, sig syscall.Signal) error
}

// NewRegistry creates a Registry backed by ss and kill(2).
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger,
		listeners: func() (string, error) {
			return sysexec.Query("ss", "-lptn")
		},
		kill: func(pid int, sig syscall.Signal) error {
			return syscall.Kill(pid, sig)
		},
	}
}

// NewRegistryWith creates a Registry with explicit listener and kill hooks.
// Used by tests in packages that drive the registry indirectly.
func NewRegistryWith(logger *slog.Logger, listeners func() (string, error), kill func(pid int, sig syscall.Signal) error) *Registry {
	return &Registry{logger: logger, listeners: listeners, kill: kill}
}

// Owners returns the pids of processes listening on the given TCP port.
func (r *Registry) Owners(port int) ([]int, error) {
	out, err := r.listeners()
	if err != nil {
		return nil, fmt.Errorf("query listening sockets: %w", err)
	}
	return parseOwners(out, port), nil
}

// Free terminates whatever listens on port, first with SIGTERM and, if the
// owner survives the retry budget, with SIGKILL. Returns nil when the port
// is free. An error means the port is still held after the full budget.
func (r *Registry) Free(ctx context.Context, port int) error {
	pids, err := r.Owners(port)
	if err != nil {
		return err
	}
	if len(pids) == 0 {
		return nil
	}

	r.logger.Info("freeing port", "port", port, "pids", pids)
	for _, pid := range pids {
		r.kill(pid, syscall.SIGTERM)
	}

	for attempt := 1; attempt <= freeAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * backoffStep):
		}

		pids, err = r.Owners(port)
		if err != nil {
			return err
		}
		if len(pids) == 0 {
			return nil
		}

		// Last attempt before giving up escalates to SIGKILL.
		if attempt == freeAttempts-1 {
			r.logger.Warn("owner ignored SIGTERM, escalating", "port", port, "pids", pids)
			for _, pid := range pids {
				r.kill(pid, syscall.SIGKILL)
			}
		}
	}

	return fmt.Errorf("port %d still held by %v after %d attempts", port, pids, freeAttempts)
}

// FreeAll frees every port in the list, collecting the first error but
// attempting all ports regardless.
func (r *Registry) FreeAll(ctx context.Context, ports []int) error {
	var firstErr error
	for _, port := range ports {
		if err := r.Free(ctx, port); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			r.logger.Warn("could not free port", "port", port, "error", err)
		}
	}
	return firstErr
}

// parseOwners extracts owning pids for a port from ss -lptn output. Lines
// look like:
//
//	LISTEN 0 128 0.0.0.0:8765 0.0.0.0:* users:(("python3",pid=612,fd=7))
func parseOwners(out string, port int) []int {
	suffix := ":" + strconv.Itoa(port)
	seen := make(map[int]bool)
	var pids []int

	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		// Local address is the 4th column for ss -lptn.
		if !strings.HasSuffix(fields[3], suffix) {
			continue
		}
		for _, m := range pidRe.FindAllStringSubmatch(line, -1) {
			pid, err := strconv.Atoi(m[1])
			if err != nil || seen[pid] {
				continue
			}
			seen[pid] = true
			pids = append(pids, pid)
		}
	}
	return pids
}
