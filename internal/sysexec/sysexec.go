// Package sysexec runs external commands for the deployment phases,
// capturing bounded output and normalizing exit codes.
package sysexec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

const maxOutputBytes = 1 << 20 // 1 MiB

// Result holds the captured outcome of a command invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// limitWriter caps the number of bytes written to the underlying buffer.
type limitWriter struct {
	buf   *bytes.Buffer
	limit int
	n     int
}

func (lw *limitWriter) Write(p []byte) (int, error) {
	lw.n += len(p)
	if lw.buf.Len() < lw.limit {
		remaining := lw.limit - lw.buf.Len()
		if len(p) > remaining {
			p = p[:remaining]
		}
		lw.buf.Write(p)
	}
	return len(p), nil
}

func runCommand(c *exec.Cmd) (*Result, error) {
	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitWriter{buf: &stdoutBuf, limit: maxOutputBytes}
	stderr := &limitWriter{buf: &stderrBuf, limit: maxOutputBytes}
	c.Stdout = stdout
	c.Stderr = stderr

	err := c.Run()

	stdoutStr := stdoutBuf.String()
	stderrStr := stderrBuf.String()
	if stdout.n > stdout.limit {
		stdoutStr += "\n[output truncated]"
	}
	if stderr.n > stderr.limit {
		stderrStr += "\n[output truncated]"
	}

	result := &Result{
		Stdout: stdoutStr,
		Stderr: stderrStr,
	}
	if c.ProcessState != nil {
		result.ExitCode = c.ProcessState.ExitCode()
	}

	return result, err
}

// Run executes a command and returns its captured output.
func Run(ctx context.Context, name string, args ...string) (*Result, error) {
	return runCommand(exec.CommandContext(ctx, name, args...))
}

// Sudo runs a privileged command. When the process already holds root it
// executes the command directly; otherwise it wraps it with sudo -n
// (non-interactive) so a missing sudoers rule fails instead of hanging.
// The command is resolved to an absolute path so it matches sudoers rules,
// which require full paths.
func Sudo(ctx context.Context, name string, args ...string) (*Result, error) {
	absPath, err := exec.LookPath(name)
	if err != nil {
		return nil, fmt.Errorf("command not found: %s", name)
	}
	if os.Geteuid() == 0 {
		return runCommand(exec.CommandContext(ctx, absPath, args...))
	}
	sudoArgs := append([]string{"-n", absPath}, args...)
	return runCommand(exec.CommandContext(ctx, "sudo", sudoArgs...))
}

// Query runs a simple command and returns its stdout.
func Query(name string, args ...string) (string, error) {
	result, err := Run(context.Background(), name, args...)
	if err != nil {
		return "", err
	}
	return result.Stdout, nil
}

// Check runs a command and returns true if it exits zero.
func Check(name string, args ...string) bool {
	result, err := Run(context.Background(), name, args...)
	return err == nil && result.ExitCode == 0
}

// FormatError formats a command error with stderr output for better diagnostics.
func FormatError(err error, result *Result) string {
	if result != nil && result.Stderr != "" {
		return fmt.Sprintf("%v: %s", err, strings.TrimSpace(result.Stderr))
	}
	return err.Error()
}
