// Package report prints the operator-facing deployment log: severity-prefixed
// step lines and the final repair summary. Diagnostic logging stays on slog;
// this is the human-readable surface of the tool.
package report

import (
	"fmt"
	"io"
	"sync"
)

// Printer writes severity-prefixed lines to a single writer.
type Printer struct {
	mu sync.Mutex
	w  io.Writer
}

// New creates a Printer writing to w.
func New(w io.Writer) *Printer {
	return &Printer{w: w}
}

func (p *Printer) line(prefix, format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s %s\n", prefix, fmt.Sprintf(format, args...))
}

// Step announces the beginning of a deployment phase.
func (p *Printer) Step(format string, args ...any) {
	p.line("[step]", format, args...)
}

// Info prints a neutral informational line.
func (p *Printer) Info(format string, args ...any) {
	p.line("[info]", format, args...)
}

// Success prints a completed-action line.
func (p *Printer) Success(format string, args ...any) {
	p.line("[ ok ]", format, args...)
}

// Warning prints a non-fatal problem the run continues past.
func (p *Printer) Warning(format string, args ...any) {
	p.line("[warn]", format, args...)
}

// Error prints a fatal problem. The caller decides whether to abort.
func (p *Printer) Error(format string, args ...any) {
	p.line("[fail]", format, args...)
}

// Summary prints the repair verdict counts.
func (p *Printer) Summary(found, fixed int) {
	if found == 0 {
		p.Success("no issues found")
		return
	}
	p.Info("issues found: %d, issues fixed: %d", found, fixed)
}
