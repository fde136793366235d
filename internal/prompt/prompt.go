// Package prompt abstracts operator decisions behind a Source interface so
// every call site asks the decision source instead of reading stdin directly.
// Two implementations exist: an interactive terminal prompter and a
// non-interactive policy driven by flags and defaults.
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// ErrNonInteractive is returned when a value is required but the active
// source cannot ask the operator for it.
var ErrNonInteractive = errors.New("input required but running non-interactively")

// Source answers the operator decisions the deployment flow needs.
type Source interface {
	// Confirm asks a yes/no question. def is returned on a bare Enter.
	Confirm(question string, def bool) (bool, error)
	// Select asks the operator to pick one of options by number.
	// def is the index returned on a bare Enter.
	Select(question string, options []string, def int) (int, error)
	// Input reads a single line, returning def on a bare Enter.
	Input(question, def string) (string, error)
	// Secret reads a sensitive value without echoing it.
	Secret(question string) (string, error)
}

// Terminal is the interactive Source reading from a terminal.
type Terminal struct {
	in  *bufio.Reader
	out io.Writer
	fd  int
}

// NewTerminal creates a Terminal source on stdin/stdout.
func NewTerminal() *Terminal {
	return &Terminal{
		in:  bufio.NewReader(os.Stdin),
		out: os.Stdout,
		fd:  int(os.Stdin.Fd()),
	}
}

// NewTerminalWith creates a Terminal source on explicit streams, used in tests.
func NewTerminalWith(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{in: bufio.NewReader(in), out: out, fd: -1}
}

func (t *Terminal) readLine() (string, error) {
	line, err := t.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (t *Terminal) Confirm(question string, def bool) (bool, error) {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	fmt.Fprintf(t.out, "%s [%s] ", question, hint)
	line, err := t.readLine()
	if err != nil {
		return false, err
	}
	switch strings.ToLower(line) {
	case "":
		return def, nil
	case "y", "yes":
		return true, nil
	case "n", "no":
		return false, nil
	default:
		return def, nil
	}
}

func (t *Terminal) Select(question string, options []string, def int) (int, error) {
	fmt.Fprintln(t.out, question)
	for i, opt := range options {
		marker := " "
		if i == def {
			marker = "*"
		}
		fmt.Fprintf(t.out, " %s %d) %s\n", marker, i+1, opt)
	}
	fmt.Fprintf(t.out, "choice [%d]: ", def+1)
	line, err := t.readLine()
	if err != nil {
		return 0, err
	}
	if line == "" {
		return def, nil
	}
	n, err := strconv.Atoi(line)
	if err != nil || n < 1 || n > len(options) {
		return def, nil
	}
	return n - 1, nil
}

func (t *Terminal) Input(question, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(t.out, "%s [%s]: ", question, def)
	} else {
		fmt.Fprintf(t.out, "%s: ", question)
	}
	line, err := t.readLine()
	if err != nil {
		return "", err
	}
	if line == "" {
		return def, nil
	}
	return line, nil
}

func (t *Terminal) Secret(question string) (string, error) {
	fmt.Fprintf(t.out, "%s: ", question)
	if t.fd >= 0 && term.IsTerminal(t.fd) {
		b, err := term.ReadPassword(t.fd)
		fmt.Fprintln(t.out)
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	// Piped stdin, fall back to a plain line read.
	return t.readLine()
}

// Policy is the non-interactive Source. Confirmations resolve to Yes,
// selections and inputs resolve to their defaults, and secrets fail so
// callers surface the missing flag instead of hanging automation.
type Policy struct {
	// Yes forces every confirmation to true; otherwise the question's
	// default is used.
	Yes bool
}

func (p *Policy) Confirm(_ string, def bool) (bool, error) {
	if p.Yes {
		return true, nil
	}
	return def, nil
}

func (p *Policy) Select(_ string, _ []string, def int) (int, error) {
	return def, nil
}

func (p *Policy) Input(_, def string) (string, error) {
	return def, nil
}

func (p *Policy) Secret(question string) (string, error) {
	return "", fmt.Errorf("%s: %w", question, ErrNonInteractive)
}
